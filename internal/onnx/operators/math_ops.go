package operators

import (
	"errors"
	"math"

	"github.com/born-ml/espdl/internal/onnx"
)

var errDivByZero = errors.New("integer division by zero")

// registerMathOps adds elementwise arithmetic and comparison operators.
func (r *Registry) registerMathOps() {
	r.Register("Add", binaryOp(
		func(a, b float32) float32 { return a + b },
		func(a, b int64) (int64, error) { return a + b, nil }))
	r.Register("Sub", binaryOp(
		func(a, b float32) float32 { return a - b },
		func(a, b int64) (int64, error) { return a - b, nil }))
	r.Register("Mul", binaryOp(
		func(a, b float32) float32 { return a * b },
		func(a, b int64) (int64, error) { return a * b, nil }))
	r.Register("Div", binaryOp(
		func(a, b float32) float32 { return a / b },
		func(a, b int64) (int64, error) {
			if b == 0 {
				return 0, errDivByZero
			}
			return a / b, nil
		}))
	r.Register("Pow", binaryOp(
		func(a, b float32) float32 { return float32(math.Pow(float64(a), float64(b))) },
		func(a, b int64) (int64, error) { return int64(math.Pow(float64(a), float64(b))), nil }))
	r.Register("Max", binaryOp(
		func(a, b float32) float32 { return max(a, b) },
		func(a, b int64) (int64, error) { return max(a, b), nil }))
	r.Register("Min", binaryOp(
		func(a, b float32) float32 { return min(a, b) },
		func(a, b int64) (int64, error) { return min(a, b), nil }))

	r.Register("Equal", compareOp(func(a, b float64) bool { return a == b }))
	r.Register("Less", compareOp(func(a, b float64) bool { return a < b }))
	r.Register("Greater", compareOp(func(a, b float64) bool { return a > b }))
	r.Register("Where", handleWhere)
}

func binaryOp(fop func(a, b float32) float32, iop func(a, b int64) (int64, error)) OpHandler {
	return func(_ *onnx.NodeProto, inputs []*Value) ([]*Value, error) {
		if err := required(inputs, 2); err != nil {
			return nil, err
		}
		a, b := inputs[0], inputs[1]
		dims, err := broadcastShape(a.Dims, b.Dims)
		if err != nil {
			return nil, err
		}
		ia, ib := broadcastIndex(a.Dims, dims), broadcastIndex(b.Dims, dims)
		out := a.empty(dims, len(ia))

		if a.IsFloat() || b.IsFloat() {
			fa, fb := a.Float32s(), b.Float32s()
			if !a.IsFloat() {
				out = b.empty(dims, len(ia))
			}
			for k := range ia {
				out.Floats[k] = fop(fa[ia[k]], fb[ib[k]])
			}
			return one(out)
		}
		for k := range ia {
			if out.Ints[k], err = iop(a.Ints[ia[k]], b.Ints[ib[k]]); err != nil {
				return nil, err
			}
		}
		return one(out)
	}
}

func compareOp(cmp func(a, b float64) bool) OpHandler {
	return func(_ *onnx.NodeProto, inputs []*Value) ([]*Value, error) {
		if err := required(inputs, 2); err != nil {
			return nil, err
		}
		a, b := inputs[0], inputs[1]
		dims, err := broadcastShape(a.Dims, b.Dims)
		if err != nil {
			return nil, err
		}
		ia, ib := broadcastIndex(a.Dims, dims), broadcastIndex(b.Dims, dims)
		out := &Value{DataType: onnx.TensorProtoBool, Dims: dims, Ints: make([]int64, len(ia))}
		va, vb := float64s(a), float64s(b)
		for k := range ia {
			if cmp(va[ia[k]], vb[ib[k]]) {
				out.Ints[k] = 1
			}
		}
		return one(out)
	}
}

func float64s(v *Value) []float64 {
	out := make([]float64, v.Len())
	if v.IsFloat() {
		for i, f := range v.Floats {
			out[i] = float64(f)
		}
		return out
	}
	for i, n := range v.Ints {
		out[i] = float64(n)
	}
	return out
}

func handleWhere(_ *onnx.NodeProto, inputs []*Value) ([]*Value, error) {
	if err := required(inputs, 3); err != nil {
		return nil, err
	}
	cond, x, y := inputs[0], inputs[1], inputs[2]
	if x.DataType != y.DataType {
		return nil, errors.New("where: x and y types differ")
	}
	dims, err := broadcastShape(cond.Dims, x.Dims, y.Dims)
	if err != nil {
		return nil, err
	}
	ic, ix, iy := broadcastIndex(cond.Dims, dims), broadcastIndex(x.Dims, dims), broadcastIndex(y.Dims, dims)
	c := cond.Int64s()
	out := x.empty(dims, len(ic))
	for k := range ic {
		src, j := y, iy[k]
		if c[ic[k]] != 0 {
			src, j = x, ix[k]
		}
		if out.IsFloat() {
			out.Floats[k] = src.Floats[j]
		} else {
			out.Ints[k] = src.Ints[j]
		}
	}
	return one(out)
}
