package operators

import (
	"errors"
	"fmt"
	"math"

	"github.com/born-ml/espdl/internal/onnx"
)

// registerUtilityOps adds constant sources, casts and no-ops.
func (r *Registry) registerUtilityOps() {
	r.Register("Constant", handleConstant)
	r.Register("ConstantOfShape", handleConstantOfShape)
	r.Register("Range", handleRange)
	r.Register("Cast", handleCast)
	r.Register("Identity", handleIdentity)
	r.Register("Dropout", handleIdentity)
}

func handleConstant(node *onnx.NodeProto, _ []*Value) ([]*Value, error) {
	for i := range node.Attributes {
		attr := &node.Attributes[i]
		switch attr.Name {
		case "value":
			if attr.T == nil {
				return nil, errors.New("constant value attribute has no tensor")
			}
			v, err := FromTensor(attr.T)
			if err != nil {
				return nil, fmt.Errorf("constant value: %w", err)
			}
			return one(v)
		case "value_float":
			return one(FloatValue([]int64{}, []float32{attr.F}))
		case "value_floats":
			return one(FloatValue([]int64{int64(len(attr.Floats))}, append([]float32{}, attr.Floats...)))
		case "value_int":
			return one(IntValue([]int64{}, []int64{attr.I}))
		case "value_ints":
			return one(IntValue([]int64{int64(len(attr.Ints))}, append([]int64{}, attr.Ints...)))
		}
	}
	return nil, errors.New("constant: no supported value attribute found")
}

func handleConstantOfShape(node *onnx.NodeProto, inputs []*Value) ([]*Value, error) {
	if err := required(inputs, 1); err != nil {
		return nil, err
	}
	dims := append([]int64{}, inputs[0].Int64s()...)
	for _, d := range dims {
		if d < 0 {
			return nil, fmt.Errorf("negative dimension in shape %v", dims)
		}
	}
	fill := FloatValue(nil, []float32{0})
	if a := node.Attr("value"); a != nil && a.T != nil {
		v, err := FromTensor(a.T)
		if err != nil {
			return nil, fmt.Errorf("constantOfShape value: %w", err)
		}
		if v.Len() != 1 {
			return nil, fmt.Errorf("constantOfShape value must have one element, got %d", v.Len())
		}
		fill = v
	}
	n := onnx.NumElements(dims)
	return one(fill.take(dims, make([]int, n)))
}

func handleRange(_ *onnx.NodeProto, inputs []*Value) ([]*Value, error) {
	if err := required(inputs, 3); err != nil {
		return nil, err
	}
	start, limit, delta := inputs[0], inputs[1], inputs[2]
	if start.Len() != 1 || limit.Len() != 1 || delta.Len() != 1 {
		return nil, errors.New("range inputs must be scalars")
	}
	if start.IsFloat() {
		s, l, d := float64(start.Floats[0]), float64(limit.Float32s()[0]), float64(delta.Float32s()[0])
		if d == 0 {
			return nil, errors.New("range delta cannot be 0")
		}
		n := int64(max(math.Ceil((l-s)/d), 0))
		out := start.empty([]int64{n}, int(n))
		for i := range out.Floats {
			out.Floats[i] = float32(s + float64(i)*d)
		}
		return one(out)
	}
	s, l, d := start.Ints[0], limit.Int64s()[0], delta.Int64s()[0]
	if d == 0 {
		return nil, errors.New("range delta cannot be 0")
	}
	n := int64(max(math.Ceil(float64(l-s)/float64(d)), 0))
	out := start.empty([]int64{n}, int(n))
	for i := range out.Ints {
		out.Ints[i] = s + int64(i)*d
	}
	return one(out)
}

func handleCast(node *onnx.NodeProto, inputs []*Value) ([]*Value, error) {
	if err := required(inputs, 1); err != nil {
		return nil, err
	}
	x := inputs[0]
	to := int32(node.AttrInt("to", onnx.TensorProtoFloat)) //nolint:gosec // G115: enum value.
	if onnx.DataTypeSize(to) == 0 {
		return nil, fmt.Errorf("%w: cast to %s", onnx.ErrUnsupportedType, onnx.DataTypeName(to))
	}
	out := &Value{DataType: to, Dims: append([]int64{}, x.Dims...)}
	switch {
	case onnx.IsFloat(to):
		out.Floats = append([]float32{}, x.Float32s()...)
	case to == onnx.TensorProtoBool:
		out.Ints = make([]int64, x.Len())
		for i, v := range x.Float32s() {
			if v != 0 {
				out.Ints[i] = 1
			}
		}
	default:
		out.Ints = append([]int64{}, x.Int64s()...)
	}
	return one(out)
}

func handleIdentity(_ *onnx.NodeProto, inputs []*Value) ([]*Value, error) {
	if err := required(inputs, 1); err != nil {
		return nil, err
	}
	return one(inputs[0])
}
