package operators

import (
	"errors"
	"math"

	"github.com/born-ml/espdl/internal/onnx"
)

// registerActivations adds unary elementwise operators.
func (r *Registry) registerActivations() {
	r.Register("Neg", unaryOp(
		func(x float32) float32 { return -x },
		func(x int64) int64 { return -x }))
	r.Register("Abs", unaryOp(
		func(x float32) float32 { return float32(math.Abs(float64(x))) },
		func(x int64) int64 {
			if x < 0 {
				return -x
			}
			return x
		}))
	r.Register("Sqrt", floatOp(math.Sqrt))
	r.Register("Exp", floatOp(math.Exp))
	r.Register("Log", floatOp(math.Log))
	r.Register("Reciprocal", floatOp(func(x float64) float64 { return 1 / x }))
	r.Register("Floor", floatOp(math.Floor))
	r.Register("Ceil", floatOp(math.Ceil))
	r.Register("Relu", floatOp(func(x float64) float64 { return math.Max(x, 0) }))
	r.Register("Sigmoid", floatOp(func(x float64) float64 { return 1 / (1 + math.Exp(-x)) }))
	r.Register("Tanh", floatOp(math.Tanh))
	r.Register("Not", handleNot)
}

func unaryOp(fop func(float32) float32, iop func(int64) int64) OpHandler {
	return func(_ *onnx.NodeProto, inputs []*Value) ([]*Value, error) {
		if err := required(inputs, 1); err != nil {
			return nil, err
		}
		x := inputs[0]
		out := x.empty(append([]int64{}, x.Dims...), x.Len())
		if x.IsFloat() {
			for i, v := range x.Floats {
				out.Floats[i] = fop(v)
			}
		} else {
			for i, v := range x.Ints {
				out.Ints[i] = iop(v)
			}
		}
		return one(out)
	}
}

func floatOp(f func(float64) float64) OpHandler {
	return func(_ *onnx.NodeProto, inputs []*Value) ([]*Value, error) {
		if err := required(inputs, 1); err != nil {
			return nil, err
		}
		x := inputs[0]
		if !x.IsFloat() {
			return nil, errors.New("requires a floating point input")
		}
		out := x.empty(append([]int64{}, x.Dims...), x.Len())
		for i, v := range x.Floats {
			out.Floats[i] = float32(f(float64(v)))
		}
		return one(out)
	}
}

func handleNot(_ *onnx.NodeProto, inputs []*Value) ([]*Value, error) {
	if err := required(inputs, 1); err != nil {
		return nil, err
	}
	x := inputs[0]
	out := &Value{DataType: onnx.TensorProtoBool, Dims: append([]int64{}, x.Dims...), Ints: make([]int64, x.Len())}
	for i, v := range x.Int64s() {
		if v == 0 {
			out.Ints[i] = 1
		}
	}
	return one(out)
}
