package operators

import (
	"errors"
	"fmt"

	"github.com/born-ml/espdl/internal/onnx"
)

// registerShapeOps adds shape manipulation operators.
func (r *Registry) registerShapeOps() {
	r.Register("Shape", handleShape)
	r.Register("Reshape", handleReshape)
	r.Register("Transpose", handleTranspose)
	r.Register("Squeeze", handleSqueeze)
	r.Register("Unsqueeze", handleUnsqueeze)
	r.Register("Concat", handleConcat)
	r.Register("Slice", handleSlice)
	r.Register("Gather", handleGather)
	r.Register("Flatten", handleFlatten)
	r.Register("Expand", handleExpand)
}

func handleShape(node *onnx.NodeProto, inputs []*Value) ([]*Value, error) {
	if err := required(inputs, 1); err != nil {
		return nil, err
	}
	dims := inputs[0].Dims
	rank := int64(len(dims))
	clamp := func(v int64) int64 {
		if v < 0 {
			v += rank
		}
		return max(0, min(v, rank))
	}
	start, end := clamp(node.AttrInt("start", 0)), clamp(node.AttrInt("end", rank))
	out := []int64{}
	if start < end {
		out = append(out, dims[start:end]...)
	}
	return one(IntValue([]int64{int64(len(out))}, out))
}

func handleReshape(node *onnx.NodeProto, inputs []*Value) ([]*Value, error) {
	if err := required(inputs, 2); err != nil {
		return nil, fmt.Errorf("reshape requires data and shape: %w", err)
	}
	dims, err := onnx.ResolveReshape(inputs[0].Dims, inputs[1].Int64s(), node.AttrInt("allowzero", 0) != 0)
	if err != nil {
		return nil, err
	}
	x := inputs[0]
	return one(&Value{DataType: x.DataType, Dims: dims, Floats: x.Floats, Ints: x.Ints})
}

func handleTranspose(node *onnx.NodeProto, inputs []*Value) ([]*Value, error) {
	if err := required(inputs, 1); err != nil {
		return nil, err
	}
	x := inputs[0]
	rank := len(x.Dims)
	perm := node.AttrInts("perm")
	if perm == nil {
		for i := rank - 1; i >= 0; i-- {
			perm = append(perm, int64(i))
		}
	}
	if len(perm) != rank {
		return nil, fmt.Errorf("perm %v does not match rank %d", perm, rank)
	}
	dims := make([]int64, rank)
	for i, p := range perm {
		if p < 0 || int(p) >= rank {
			return nil, fmt.Errorf("perm %v out of range", perm)
		}
		dims[i] = x.Dims[p]
	}
	inStrides := rowMajorStrides(x.Dims)
	n := onnx.NumElements(dims)
	idx := make([]int, n)
	for k := int64(0); k < n; k++ {
		rem, off := k, int64(0)
		for d := rank - 1; d >= 0; d-- {
			off += (rem % dims[d]) * inStrides[perm[d]]
			rem /= dims[d]
		}
		idx[k] = int(off)
	}
	return one(x.take(dims, idx))
}

// axesInput reads axes from input 1 (opset 13+) or the axes attribute.
func axesInput(node *onnx.NodeProto, inputs []*Value) []int64 {
	if v := optional(inputs, 1); v != nil {
		return v.Int64s()
	}
	return node.AttrInts("axes")
}

func handleSqueeze(node *onnx.NodeProto, inputs []*Value) ([]*Value, error) {
	if err := required(inputs, 1); err != nil {
		return nil, err
	}
	x := inputs[0]
	drop := make(map[int]bool)
	axes := axesInput(node, inputs)
	if len(axes) == 0 {
		for i, d := range x.Dims {
			if d == 1 {
				drop[i] = true
			}
		}
	}
	for _, a := range axes {
		axis, err := normAxis(a, len(x.Dims))
		if err != nil {
			return nil, err
		}
		if x.Dims[axis] != 1 {
			return nil, fmt.Errorf("cannot squeeze axis %d of size %d", axis, x.Dims[axis])
		}
		drop[axis] = true
	}
	dims := []int64{}
	for i, d := range x.Dims {
		if !drop[i] {
			dims = append(dims, d)
		}
	}
	return one(&Value{DataType: x.DataType, Dims: dims, Floats: x.Floats, Ints: x.Ints})
}

func handleUnsqueeze(node *onnx.NodeProto, inputs []*Value) ([]*Value, error) {
	if err := required(inputs, 1); err != nil {
		return nil, err
	}
	x := inputs[0]
	axes := axesInput(node, inputs)
	if len(axes) == 0 {
		return nil, errors.New("unsqueeze requires axes")
	}
	rank := len(x.Dims) + len(axes)
	insert := make(map[int]bool, len(axes))
	for _, a := range axes {
		axis, err := normAxis(a, rank)
		if err != nil {
			return nil, err
		}
		if insert[axis] {
			return nil, fmt.Errorf("duplicate axis %d", axis)
		}
		insert[axis] = true
	}
	dims := make([]int64, 0, rank)
	src := 0
	for i := 0; i < rank; i++ {
		if insert[i] {
			dims = append(dims, 1)
			continue
		}
		dims = append(dims, x.Dims[src])
		src++
	}
	return one(&Value{DataType: x.DataType, Dims: dims, Floats: x.Floats, Ints: x.Ints})
}

func handleConcat(node *onnx.NodeProto, inputs []*Value) ([]*Value, error) {
	var parts []*Value
	for _, in := range inputs {
		if in != nil {
			parts = append(parts, in)
		}
	}
	if len(parts) == 0 {
		return nil, errors.New("concat requires at least one input")
	}
	first := parts[0]
	axis, err := normAxis(node.AttrInt("axis", 0), len(first.Dims))
	if err != nil {
		return nil, err
	}
	dims := append([]int64{}, first.Dims...)
	dims[axis] = 0
	for _, p := range parts {
		if len(p.Dims) != len(dims) || p.IsFloat() != first.IsFloat() {
			return nil, fmt.Errorf("concat inputs %v and %v are incompatible", first.Dims, p.Dims)
		}
		dims[axis] += p.Dims[axis]
	}
	outer := int(onnx.NumElements(dims[:axis]))
	out := first.empty(dims, 0)
	for o := 0; o < outer; o++ {
		for _, p := range parts {
			chunk := int(onnx.NumElements(p.Dims[axis:]))
			if p.IsFloat() {
				out.Floats = append(out.Floats, p.Floats[o*chunk:(o+1)*chunk]...)
			} else {
				out.Ints = append(out.Ints, p.Ints[o*chunk:(o+1)*chunk]...)
			}
		}
	}
	return one(out)
}

// sliceParams reads starts/ends/axes/steps from inputs (opset 10+) or
// attributes (opset 1-9).
func sliceParams(node *onnx.NodeProto, inputs []*Value) (starts, ends, axes, steps []int64) {
	if s := optional(inputs, 1); s != nil {
		starts = s.Int64s()
		if e := optional(inputs, 2); e != nil {
			ends = e.Int64s()
		}
		if a := optional(inputs, 3); a != nil {
			axes = a.Int64s()
		}
		if st := optional(inputs, 4); st != nil {
			steps = st.Int64s()
		}
	} else {
		starts = node.AttrInts("starts")
		ends = node.AttrInts("ends")
		axes = node.AttrInts("axes")
	}
	if axes == nil {
		for i := range starts {
			axes = append(axes, int64(i))
		}
	}
	if steps == nil {
		steps = make([]int64, len(starts))
		for i := range steps {
			steps[i] = 1
		}
	}
	return starts, ends, axes, steps
}

func handleSlice(node *onnx.NodeProto, inputs []*Value) ([]*Value, error) {
	if err := required(inputs, 1); err != nil {
		return nil, err
	}
	x := inputs[0]
	starts, ends, axes, steps := sliceParams(node, inputs)
	if len(ends) != len(starts) || len(axes) != len(starts) || len(steps) != len(starts) {
		return nil, errors.New("slice parameters differ in length")
	}

	rank := len(x.Dims)
	begin := make([]int64, rank)
	step := make([]int64, rank)
	dims := append([]int64{}, x.Dims...)
	for i := range step {
		step[i] = 1
	}
	for i := range starts {
		axis, err := normAxis(axes[i], rank)
		if err != nil {
			return nil, err
		}
		if steps[i] == 0 {
			return nil, errors.New("slice step cannot be 0")
		}
		dim := x.Dims[axis]
		dims[axis] = onnx.SliceLen(dim, starts[i], ends[i], steps[i])
		begin[axis] = sliceStart(dim, starts[i], steps[i])
		step[axis] = steps[i]
	}

	inStrides := rowMajorStrides(x.Dims)
	n := onnx.NumElements(dims)
	idx := make([]int, n)
	for k := int64(0); k < n; k++ {
		rem, off := k, int64(0)
		for d := rank - 1; d >= 0; d-- {
			off += (begin[d] + (rem%dims[d])*step[d]) * inStrides[d]
			rem /= dims[d]
		}
		idx[k] = int(off)
	}
	return one(x.take(dims, idx))
}

// sliceStart returns the clamped first index visited by a slice.
func sliceStart(dim, start, step int64) int64 {
	if start < 0 {
		start += dim
	}
	if step > 0 {
		return max(0, min(start, dim))
	}
	return max(-1, min(start, dim-1))
}

func handleGather(node *onnx.NodeProto, inputs []*Value) ([]*Value, error) {
	if err := required(inputs, 2); err != nil {
		return nil, err
	}
	data, indices := inputs[0], inputs[1]
	axis, err := normAxis(node.AttrInt("axis", 0), len(data.Dims))
	if err != nil {
		return nil, err
	}
	dims := append([]int64{}, data.Dims[:axis]...)
	dims = append(dims, indices.Dims...)
	dims = append(dims, data.Dims[axis+1:]...)

	outer := int(onnx.NumElements(data.Dims[:axis]))
	inner := int(onnx.NumElements(data.Dims[axis+1:]))
	size := data.Dims[axis]
	idx := make([]int, 0, onnx.NumElements(dims))
	for o := 0; o < outer; o++ {
		for _, g := range indices.Int64s() {
			if g < 0 {
				g += size
			}
			if g < 0 || g >= size {
				return nil, fmt.Errorf("gather index out of range [0, %d)", size)
			}
			base := (o*int(size) + int(g)) * inner
			for i := 0; i < inner; i++ {
				idx = append(idx, base+i)
			}
		}
	}
	return one(data.take(dims, idx))
}

func handleFlatten(node *onnx.NodeProto, inputs []*Value) ([]*Value, error) {
	if err := required(inputs, 1); err != nil {
		return nil, err
	}
	x := inputs[0]
	axis := node.AttrInt("axis", 1)
	if axis < 0 {
		axis += int64(len(x.Dims))
	}
	if axis < 0 || axis > int64(len(x.Dims)) {
		return nil, fmt.Errorf("flatten axis %d out of range", axis)
	}
	dims := []int64{onnx.NumElements(x.Dims[:axis]), onnx.NumElements(x.Dims[axis:])}
	return one(&Value{DataType: x.DataType, Dims: dims, Floats: x.Floats, Ints: x.Ints})
}

func handleExpand(_ *onnx.NodeProto, inputs []*Value) ([]*Value, error) {
	if err := required(inputs, 2); err != nil {
		return nil, err
	}
	x := inputs[0]
	dims, err := broadcastShape(x.Dims, inputs[1].Int64s())
	if err != nil {
		return nil, err
	}
	return one(x.take(dims, broadcastIndex(x.Dims, dims)))
}
