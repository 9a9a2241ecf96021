package onnx

import (
	"fmt"
	"strings"
)

// tensorInfo is a resolved static type for one tensor.
type tensorInfo struct {
	elem int32
	dims []int64
}

// shapeInferer propagates static shapes through a graph.
// Sources, in priority order: existing value_info, graph inputs and outputs,
// initializers, then per-op propagation.
type shapeInferer struct {
	graph  *GraphProto
	known  map[string]tensorInfo
	consts map[string]*TensorProto
}

// InferShapes resolves static shapes for intermediate tensors and records them
// in graph.ValueInfo. Graph outputs without a shape get one when resolvable.
// Tensors whose shape depends on dynamic dims or runtime values are skipped.
// It returns the number of tensors that gained shape information.
func InferShapes(m *ModelProto) (int, error) {
	g := m.Graph
	if g == nil {
		return 0, fmt.Errorf("model has no graph")
	}
	sorted, err := TopologicalSort(g.Nodes)
	if err != nil {
		return 0, err
	}

	si := &shapeInferer{
		graph:  g,
		known:  make(map[string]tensorInfo),
		consts: g.InitializerMap(),
	}
	for _, list := range [][]ValueInfoProto{g.ValueInfo, g.Inputs, g.Outputs} {
		for i := range list {
			if dims, ok := list[i].StaticDims(); ok {
				si.known[list[i].Name] = tensorInfo{elem: list[i].ElemType(), dims: dims}
			}
		}
	}
	for name, t := range si.consts {
		si.known[name] = tensorInfo{elem: t.DataType, dims: append([]int64{}, t.Dims...)}
	}
	for i := range sorted {
		if sorted[i].OpType == "Constant" {
			if a := sorted[i].Attr("value"); a != nil && a.T != nil && len(sorted[i].Outputs) == 1 {
				si.consts[sorted[i].Outputs[0]] = a.T
			}
		}
	}

	before := len(si.known)
	for i := range sorted {
		node := &sorted[i]
		outs, ok := si.inferNode(node)
		if !ok {
			continue
		}
		for j, out := range node.Outputs {
			if out == "" || j >= len(outs) {
				continue
			}
			if _, exists := si.known[out]; !exists {
				si.known[out] = outs[j]
			}
		}
	}

	si.record()
	return len(si.known) - before, nil
}

// record writes resolved shapes back into the graph.
func (si *shapeInferer) record() {
	g := si.graph
	described := make(map[string]bool)
	for i := range g.Inputs {
		described[g.Inputs[i].Name] = true
	}
	for i := range g.ValueInfo {
		described[g.ValueInfo[i].Name] = true
	}
	for i := range g.Outputs {
		described[g.Outputs[i].Name] = true
		if _, ok := g.Outputs[i].StaticDims(); ok {
			continue
		}
		if info, ok := si.known[g.Outputs[i].Name]; ok {
			g.Outputs[i] = NewValueInfo(g.Outputs[i].Name, info.elem, info.dims)
		}
	}
	for i := range g.Nodes {
		for _, out := range g.Nodes[i].Outputs {
			if out == "" || described[out] {
				continue
			}
			if info, ok := si.known[out]; ok {
				g.ValueInfo = append(g.ValueInfo, NewValueInfo(out, info.elem, info.dims))
				described[out] = true
			}
		}
	}
}

func (si *shapeInferer) input(n *NodeProto, i int) (tensorInfo, bool) {
	name := n.Input(i)
	if name == "" {
		return tensorInfo{}, false
	}
	info, ok := si.known[name]
	return info, ok
}

func (si *shapeInferer) constInts(n *NodeProto, i int) ([]int64, bool) {
	t, ok := si.consts[n.Input(i)]
	if !ok {
		return nil, false
	}
	v, err := t.Int64s()
	return v, err == nil
}

func (si *shapeInferer) constFloats(n *NodeProto, i int) ([]float32, bool) {
	t, ok := si.consts[n.Input(i)]
	if !ok {
		return nil, false
	}
	v, err := t.Float32s()
	return v, err == nil
}

func same(info tensorInfo) []tensorInfo {
	return []tensorInfo{{elem: info.elem, dims: append([]int64{}, info.dims...)}}
}

var unaryOps = map[string]bool{
	"Relu": true, "Sigmoid": true, "Tanh": true, "Exp": true, "Log": true, "Sqrt": true,
	"Neg": true, "Abs": true, "Softplus": true, "HardSigmoid": true, "HardSwish": true,
	"LeakyRelu": true, "Elu": true, "Selu": true, "Erf": true, "Clip": true, "Dropout": true,
	"Identity": true, "Ceil": true, "Floor": true, "Round": true, "Not": true, "Reciprocal": true,
	"Softmax": true, "LogSoftmax": true, "Mish": true, "Sin": true, "Cos": true,
	"BatchNormalization": true, "InstanceNormalization": true, "LayerNormalization": true,
}

var binaryOps = map[string]bool{
	"Add": true, "Sub": true, "Mul": true, "Div": true, "Pow": true, "Max": true, "Min": true,
	"PRelu": true, "Mod": true, "And": true, "Or": true, "Xor": true,
	"Equal": true, "Less": true, "Greater": true, "LessOrEqual": true, "GreaterOrEqual": true,
}

//nolint:gocyclo,cyclop,funlen // dispatch over supported operators
func (si *shapeInferer) inferNode(n *NodeProto) ([]tensorInfo, bool) {
	if n.Domain != "" && n.Domain != "ai.onnx" {
		return nil, false
	}
	if unaryOps[n.OpType] {
		x, ok := si.input(n, 0)
		if !ok {
			return nil, false
		}
		return same(x), true
	}
	if binaryOps[n.OpType] {
		return si.inferBroadcast(n)
	}

	switch n.OpType {
	case "Constant":
		a := n.Attr("value")
		if a == nil || a.T == nil {
			return nil, false
		}
		return []tensorInfo{{elem: a.T.DataType, dims: append([]int64{}, a.T.Dims...)}}, true
	case "Where":
		return si.inferBroadcast(n)
	case "Conv", "ConvTranspose":
		return si.inferConv(n)
	case "MaxPool", "AveragePool":
		return si.inferPool(n)
	case "GlobalAveragePool", "GlobalMaxPool":
		x, ok := si.input(n, 0)
		if !ok || len(x.dims) < 3 {
			return nil, false
		}
		dims := append([]int64{}, x.dims[:2]...)
		for range x.dims[2:] {
			dims = append(dims, 1)
		}
		return []tensorInfo{{elem: x.elem, dims: dims}}, true
	case "Concat":
		return si.inferConcat(n)
	case "Split":
		return si.inferSplit(n)
	case "Slice":
		return si.inferSlice(n)
	case "Reshape":
		return si.inferReshape(n)
	case "Transpose":
		x, ok := si.input(n, 0)
		if !ok {
			return nil, false
		}
		perm := n.AttrInts("perm")
		if perm == nil {
			for i := len(x.dims) - 1; i >= 0; i-- {
				perm = append(perm, int64(i))
			}
		}
		if len(perm) != len(x.dims) {
			return nil, false
		}
		dims := make([]int64, len(perm))
		for i, p := range perm {
			dims[i] = x.dims[p]
		}
		return []tensorInfo{{elem: x.elem, dims: dims}}, true
	case "Resize", "Upsample":
		return si.inferResize(n)
	case "MatMul":
		return si.inferMatMul(n)
	case "Gemm":
		a, okA := si.input(n, 0)
		b, okB := si.input(n, 1)
		if !okA || !okB || len(a.dims) != 2 || len(b.dims) != 2 {
			return nil, false
		}
		m, k := a.dims[0], a.dims[1]
		if n.AttrInt("transA", 0) != 0 {
			m = k
		}
		cols := b.dims[1]
		if n.AttrInt("transB", 0) != 0 {
			cols = b.dims[0]
		}
		return []tensorInfo{{elem: a.elem, dims: []int64{m, cols}}}, true
	case "Flatten":
		x, ok := si.input(n, 0)
		if !ok {
			return nil, false
		}
		axis := normAxis(n.AttrInt("axis", 1), len(x.dims))
		if axis < 0 || axis > len(x.dims) {
			return nil, false
		}
		return []tensorInfo{{elem: x.elem, dims: []int64{NumElements(x.dims[:axis]), NumElements(x.dims[axis:])}}}, true
	case "Squeeze", "Unsqueeze":
		return si.inferSqueeze(n)
	case "Cast":
		x, ok := si.input(n, 0)
		if !ok {
			return nil, false
		}
		return []tensorInfo{{elem: int32(n.AttrInt("to", TensorProtoFloat)), dims: append([]int64{}, x.dims...)}}, true //nolint:gosec // G115
	case "Shape":
		x, ok := si.input(n, 0)
		if !ok {
			return nil, false
		}
		return []tensorInfo{{elem: TensorProtoInt64, dims: []int64{int64(len(x.dims))}}}, true
	case "Gather":
		data, okD := si.input(n, 0)
		idx, okI := si.input(n, 1)
		if !okD || !okI {
			return nil, false
		}
		axis := normAxis(n.AttrInt("axis", 0), len(data.dims))
		if axis < 0 || axis >= len(data.dims) {
			return nil, false
		}
		dims := append([]int64{}, data.dims[:axis]...)
		dims = append(dims, idx.dims...)
		dims = append(dims, data.dims[axis+1:]...)
		return []tensorInfo{{elem: data.elem, dims: dims}}, true
	case "ReduceMean", "ReduceMax", "ReduceMin", "ReduceSum":
		return si.inferReduce(n)
	}
	return nil, false
}

func normAxis(axis int64, rank int) int {
	if axis < 0 {
		axis += int64(rank)
	}
	return int(axis)
}

func broadcast(a, b []int64) ([]int64, bool) {
	rank := max(len(a), len(b))
	out := make([]int64, rank)
	for i := 0; i < rank; i++ {
		da, db := int64(1), int64(1)
		if j := len(a) - rank + i; j >= 0 {
			da = a[j]
		}
		if j := len(b) - rank + i; j >= 0 {
			db = b[j]
		}
		switch {
		case da == db, db == 1:
			out[i] = da
		case da == 1:
			out[i] = db
		default:
			return nil, false
		}
	}
	return out, true
}

func (si *shapeInferer) inferBroadcast(n *NodeProto) ([]tensorInfo, bool) {
	var dims []int64
	var elem int32
	for i := range n.Inputs {
		x, ok := si.input(n, i)
		if !ok {
			return nil, false
		}
		if n.OpType != "Where" || i > 0 {
			if elem == TensorProtoUndefined {
				elem = x.elem
			}
		}
		if i == 0 {
			dims = x.dims
			continue
		}
		if dims, ok = broadcast(dims, x.dims); !ok {
			return nil, false
		}
	}
	switch n.OpType {
	case "Equal", "Less", "Greater", "LessOrEqual", "GreaterOrEqual", "And", "Or", "Xor":
		elem = TensorProtoBool
	}
	return []tensorInfo{{elem: elem, dims: dims}}, true
}

// spatialOut computes one output spatial extent for conv and pooling windows.
func spatialOut(in, kernel, stride, dilation, padBegin, padEnd int64, autoPad string, ceil bool) int64 {
	effective := dilation*(kernel-1) + 1
	switch autoPad {
	case "SAME_UPPER", "SAME_LOWER":
		return (in + stride - 1) / stride
	case "VALID":
		return (in-effective)/stride + 1
	}
	num := in + padBegin + padEnd - effective
	if ceil {
		return (num+stride-1)/stride + 1
	}
	return num/stride + 1
}

func windowAttrs(n *NodeProto, spatial int) (strides, dilations, pads []int64) {
	strides = n.AttrInts("strides")
	dilations = n.AttrInts("dilations")
	pads = n.AttrInts("pads")
	if len(strides) != spatial {
		strides = ones(spatial)
	}
	if len(dilations) != spatial {
		dilations = ones(spatial)
	}
	if len(pads) != 2*spatial {
		pads = make([]int64, 2*spatial)
	}
	return strides, dilations, pads
}

func ones(n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

func (si *shapeInferer) inferConv(n *NodeProto) ([]tensorInfo, bool) {
	x, okX := si.input(n, 0)
	w, okW := si.input(n, 1)
	if !okX || !okW || len(x.dims) < 3 || len(w.dims) != len(x.dims) {
		return nil, false
	}
	spatial := len(x.dims) - 2
	kernel := n.AttrInts("kernel_shape")
	if len(kernel) != spatial {
		kernel = w.dims[2:]
	}
	strides, dilations, pads := windowAttrs(n, spatial)
	autoPad := n.AttrString("auto_pad", "NOTSET")

	channels := w.dims[0]
	if n.OpType == "ConvTranspose" {
		channels = w.dims[1] * n.AttrInt("group", 1)
	}
	dims := []int64{x.dims[0], channels}
	for i := 0; i < spatial; i++ {
		var out int64
		if n.OpType == "ConvTranspose" {
			outPad := int64(0)
			if op := n.AttrInts("output_padding"); len(op) == spatial {
				outPad = op[i]
			}
			out = strides[i]*(x.dims[2+i]-1) + outPad + (kernel[i]-1)*dilations[i] + 1 - pads[i] - pads[spatial+i]
		} else {
			out = spatialOut(x.dims[2+i], kernel[i], strides[i], dilations[i], pads[i], pads[spatial+i], autoPad, false)
		}
		if out <= 0 {
			return nil, false
		}
		dims = append(dims, out)
	}
	return []tensorInfo{{elem: x.elem, dims: dims}}, true
}

func (si *shapeInferer) inferPool(n *NodeProto) ([]tensorInfo, bool) {
	x, ok := si.input(n, 0)
	kernel := n.AttrInts("kernel_shape")
	if !ok || len(x.dims) < 3 || len(kernel) != len(x.dims)-2 {
		return nil, false
	}
	spatial := len(kernel)
	strides, dilations, pads := windowAttrs(n, spatial)
	autoPad := n.AttrString("auto_pad", "NOTSET")
	ceil := n.AttrInt("ceil_mode", 0) != 0

	dims := []int64{x.dims[0], x.dims[1]}
	for i := 0; i < spatial; i++ {
		out := spatialOut(x.dims[2+i], kernel[i], strides[i], dilations[i], pads[i], pads[spatial+i], autoPad, ceil)
		if out <= 0 {
			return nil, false
		}
		dims = append(dims, out)
	}
	outs := []tensorInfo{{elem: x.elem, dims: dims}}
	if len(n.Outputs) > 1 { // MaxPool indices
		outs = append(outs, tensorInfo{elem: TensorProtoInt64, dims: append([]int64{}, dims...)})
	}
	return outs, true
}

func (si *shapeInferer) inferConcat(n *NodeProto) ([]tensorInfo, bool) {
	var dims []int64
	var elem int32
	for i := range n.Inputs {
		x, ok := si.input(n, i)
		if !ok {
			return nil, false
		}
		axis := normAxis(n.AttrInt("axis", 0), len(x.dims))
		if axis < 0 || axis >= len(x.dims) {
			return nil, false
		}
		if dims == nil {
			dims = append([]int64{}, x.dims...)
			elem = x.elem
			continue
		}
		if len(x.dims) != len(dims) {
			return nil, false
		}
		dims[axis] += x.dims[axis]
	}
	if dims == nil {
		return nil, false
	}
	return []tensorInfo{{elem: elem, dims: dims}}, true
}

func (si *shapeInferer) inferSplit(n *NodeProto) ([]tensorInfo, bool) {
	x, ok := si.input(n, 0)
	if !ok {
		return nil, false
	}
	axis := normAxis(n.AttrInt("axis", 0), len(x.dims))
	if axis < 0 || axis >= len(x.dims) {
		return nil, false
	}
	split, ok := si.constInts(n, 1)
	if !ok {
		split = n.AttrInts("split")
	}
	if split == nil {
		parts := int64(len(n.Outputs))
		if parts == 0 {
			return nil, false
		}
		chunk := (x.dims[axis] + parts - 1) / parts
		rest := x.dims[axis]
		for i := int64(0); i < parts; i++ {
			s := min(chunk, rest)
			split = append(split, s)
			rest -= s
		}
	}
	if len(split) != len(n.Outputs) {
		return nil, false
	}
	outs := make([]tensorInfo, len(split))
	for i, s := range split {
		dims := append([]int64{}, x.dims...)
		dims[axis] = s
		outs[i] = tensorInfo{elem: x.elem, dims: dims}
	}
	return outs, true
}

func (si *shapeInferer) inferSlice(n *NodeProto) ([]tensorInfo, bool) {
	x, ok := si.input(n, 0)
	if !ok {
		return nil, false
	}
	starts, okS := si.constInts(n, 1)
	ends, okE := si.constInts(n, 2)
	if !okS || !okE || len(starts) != len(ends) {
		return nil, false
	}
	axes, ok := si.constInts(n, 3)
	if !ok {
		axes = make([]int64, len(starts))
		for i := range axes {
			axes[i] = int64(i)
		}
	}
	steps, ok := si.constInts(n, 4)
	if !ok {
		steps = ones(len(starts))
	}
	if len(axes) != len(starts) || len(steps) != len(starts) {
		return nil, false
	}
	dims := append([]int64{}, x.dims...)
	for i := range starts {
		axis := normAxis(axes[i], len(dims))
		if axis < 0 || axis >= len(dims) || steps[i] == 0 {
			return nil, false
		}
		dims[axis] = SliceLen(dims[axis], starts[i], ends[i], steps[i])
	}
	return []tensorInfo{{elem: x.elem, dims: dims}}, true
}

// SliceLen returns the number of elements selected by an ONNX Slice on one axis.
func SliceLen(dim, start, end, step int64) int64 {
	clamp := func(v, lo, hi int64) int64 { return max(lo, min(v, hi)) }
	if start < 0 {
		start += dim
	}
	if end < 0 {
		end += dim
	}
	if step > 0 {
		start = clamp(start, 0, dim)
		end = clamp(end, 0, dim)
		if end <= start {
			return 0
		}
		return (end - start + step - 1) / step
	}
	start = clamp(start, -1, dim-1)
	end = clamp(end, -1, dim-1)
	if start <= end {
		return 0
	}
	return (start - end - step - 1) / -step
}

func (si *shapeInferer) inferReshape(n *NodeProto) ([]tensorInfo, bool) {
	x, ok := si.input(n, 0)
	if !ok {
		return nil, false
	}
	shape, ok := si.constInts(n, 1)
	if !ok {
		return nil, false
	}
	dims, err := ResolveReshape(x.dims, shape, n.AttrInt("allowzero", 0) != 0)
	if err != nil {
		return nil, false
	}
	return []tensorInfo{{elem: x.elem, dims: dims}}, true
}

// ResolveReshape applies ONNX Reshape semantics (0 copies, -1 infers).
func ResolveReshape(in, shape []int64, allowZero bool) ([]int64, error) {
	dims := make([]int64, len(shape))
	infer := -1
	known := int64(1)
	for i, s := range shape {
		switch {
		case s == 0 && !allowZero:
			if i >= len(in) {
				return nil, fmt.Errorf("reshape: dim %d copies missing input dim", i)
			}
			dims[i] = in[i]
		case s == -1:
			if infer >= 0 {
				return nil, fmt.Errorf("reshape: more than one -1")
			}
			infer = i
			continue
		case s < 0:
			return nil, fmt.Errorf("reshape: invalid dim %d", s)
		default:
			dims[i] = s
		}
		known *= dims[i]
	}
	total := NumElements(in)
	if infer >= 0 {
		if known == 0 || total%known != 0 {
			return nil, fmt.Errorf("reshape: cannot infer dim for %v -> %v", in, shape)
		}
		dims[infer] = total / known
	} else if known != total {
		return nil, fmt.Errorf("reshape: %v has %d elements, target %v has %d", in, total, shape, known)
	}
	return dims, nil
}

func (si *shapeInferer) inferResize(n *NodeProto) ([]tensorInfo, bool) {
	x, ok := si.input(n, 0)
	if !ok {
		return nil, false
	}
	dims := make([]int64, len(x.dims))
	// Resize-11+: X, roi, scales, sizes. Upsample and Resize-10: X, scales.
	scaleIdx := 2
	if n.OpType == "Upsample" || len(n.Inputs) == 2 {
		scaleIdx = 1
	}
	if sizes, ok := si.constInts(n, 3); ok && len(sizes) == len(dims) {
		copy(dims, sizes)
		return []tensorInfo{{elem: x.elem, dims: dims}}, true
	}
	scales, ok := si.constFloats(n, scaleIdx)
	if !ok {
		scales = n.AttrFloats("scales")
	}
	if len(scales) != len(dims) {
		return nil, false
	}
	for i := range dims {
		dims[i] = int64(float32(x.dims[i]) * scales[i])
	}
	return []tensorInfo{{elem: x.elem, dims: dims}}, true
}

func (si *shapeInferer) inferMatMul(n *NodeProto) ([]tensorInfo, bool) {
	a, okA := si.input(n, 0)
	b, okB := si.input(n, 1)
	if !okA || !okB || len(a.dims) == 0 || len(b.dims) == 0 {
		return nil, false
	}
	ad, bd := a.dims, b.dims
	if len(ad) == 1 {
		ad = []int64{1, ad[0]}
	}
	if len(bd) == 1 {
		bd = []int64{bd[0], 1}
	}
	if ad[len(ad)-1] != bd[len(bd)-2] {
		return nil, false
	}
	batch, ok := broadcast(ad[:len(ad)-2], bd[:len(bd)-2])
	if !ok {
		return nil, false
	}
	dims := append(batch, ad[len(ad)-2], bd[len(bd)-1])
	if len(a.dims) == 1 {
		dims = append(dims[:len(dims)-2], dims[len(dims)-1])
	}
	if len(b.dims) == 1 {
		dims = dims[:len(dims)-1]
	}
	return []tensorInfo{{elem: a.elem, dims: dims}}, true
}

func (si *shapeInferer) inferSqueeze(n *NodeProto) ([]tensorInfo, bool) {
	x, ok := si.input(n, 0)
	if !ok {
		return nil, false
	}
	axes, ok := si.constInts(n, 1)
	if !ok {
		axes = n.AttrInts("axes")
	}
	if n.OpType == "Unsqueeze" {
		rank := len(x.dims) + len(axes)
		insert := make(map[int]bool, len(axes))
		for _, a := range axes {
			insert[normAxis(a, rank)] = true
		}
		dims := make([]int64, 0, rank)
		src := 0
		for i := 0; i < rank; i++ {
			if insert[i] {
				dims = append(dims, 1)
				continue
			}
			if src >= len(x.dims) {
				return nil, false
			}
			dims = append(dims, x.dims[src])
			src++
		}
		return []tensorInfo{{elem: x.elem, dims: dims}}, true
	}
	drop := make(map[int]bool, len(axes))
	for _, a := range axes {
		drop[normAxis(a, len(x.dims))] = true
	}
	var dims []int64
	for i, d := range x.dims {
		if drop[i] || (len(axes) == 0 && d == 1) {
			continue
		}
		dims = append(dims, d)
	}
	return []tensorInfo{{elem: x.elem, dims: dims}}, true
}

func (si *shapeInferer) inferReduce(n *NodeProto) ([]tensorInfo, bool) {
	x, ok := si.input(n, 0)
	if !ok {
		return nil, false
	}
	axes, ok := si.constInts(n, 1)
	if !ok {
		axes = n.AttrInts("axes")
	}
	keep := n.AttrInt("keepdims", 1) != 0
	reduce := make(map[int]bool)
	for _, a := range axes {
		reduce[normAxis(a, len(x.dims))] = true
	}
	var dims []int64
	for i, d := range x.dims {
		if len(axes) == 0 || reduce[i] {
			if keep {
				dims = append(dims, 1)
			}
			continue
		}
		dims = append(dims, d)
	}
	return []tensorInfo{{elem: x.elem, dims: dims}}, true
}

// AttrFloats returns a float list attribute, or nil.
func (n *NodeProto) AttrFloats(name string) []float32 {
	if a := n.Attr(name); a != nil {
		return a.Floats
	}
	return nil
}

// ShapeString formats dims as "1x3x640x640".
func ShapeString(dims []int64) string {
	parts := make([]string, len(dims))
	for i, d := range dims {
		parts[i] = fmt.Sprint(d)
	}
	return strings.Join(parts, "x")
}
