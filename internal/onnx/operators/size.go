package operators

import (
	"errors"
	"fmt"
	"math"

	"github.com/born-ml/espdl/internal/onnx"
)

// OutputElements predicts the element count of a node's output from its
// constant inputs without evaluating it. Only operators whose output size
// depends on input values or on broadcasting are predicted; for the rest it
// returns 0 since their outputs are no larger than their inputs.
// Counts saturate at math.MaxInt64.
func OutputElements(node *onnx.NodeProto, inputs []*Value) (int64, error) {
	switch node.OpType {
	case "ConstantOfShape":
		if err := required(inputs, 1); err != nil {
			return 0, err
		}
		return elements(inputs[0].Int64s())
	case "Expand":
		if err := required(inputs, 2); err != nil {
			return 0, err
		}
		dims, err := broadcastShape(inputs[0].Dims, inputs[1].Int64s())
		if err != nil {
			return 0, err
		}
		return elements(dims)
	case "Range":
		return rangeLen(inputs)
	case "Add", "Sub", "Mul", "Div", "Pow", "Max", "Min", "Equal", "Less", "Greater", "Where":
		var shapes [][]int64
		for _, in := range inputs {
			if in != nil {
				shapes = append(shapes, in.Dims)
			}
		}
		dims, err := broadcastShape(shapes...)
		if err != nil {
			return 0, err
		}
		return elements(dims)
	}
	return 0, nil
}

// elements multiplies dims, saturating instead of overflowing.
func elements(dims []int64) (int64, error) {
	n := int64(1)
	for _, d := range dims {
		if d < 0 {
			return 0, fmt.Errorf("negative dimension in shape %v", dims)
		}
		if d != 0 && n > math.MaxInt64/d {
			n = math.MaxInt64
			continue
		}
		n *= d
	}
	return n, nil
}

func rangeLen(inputs []*Value) (int64, error) {
	if err := required(inputs, 3); err != nil {
		return 0, err
	}
	start, limit, delta := inputs[0], inputs[1], inputs[2]
	if start.Len() != 1 || limit.Len() != 1 || delta.Len() != 1 {
		return 0, errors.New("range inputs must be scalars")
	}
	var s, l, d float64
	if start.IsFloat() {
		s, l, d = float64(start.Floats[0]), float64(limit.Float32s()[0]), float64(delta.Float32s()[0])
	} else {
		s, l, d = float64(start.Ints[0]), float64(limit.Int64s()[0]), float64(delta.Int64s()[0])
	}
	if d == 0 {
		return 0, errors.New("range delta cannot be 0")
	}
	n := math.Ceil((l - s) / d)
	switch {
	case math.IsNaN(n):
		return 0, fmt.Errorf("range over %v..%v step %v is undefined", s, l, d)
	case n <= 0:
		return 0, nil
	case n >= math.MaxInt64:
		return math.MaxInt64, nil
	}
	return int64(n), nil
}
