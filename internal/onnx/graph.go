package onnx

import (
	"errors"
	"fmt"
)

// ErrCycle is returned when the node graph is not a DAG.
var ErrCycle = errors.New("graph contains a cycle")

// TopologicalSort returns nodes in execution order.
// Nodes that are already ordered keep their relative order.
func TopologicalSort(nodes []NodeProto) ([]NodeProto, error) {
	producer := make(map[string]int, len(nodes))
	for i := range nodes {
		for _, out := range nodes[i].Outputs {
			if out != "" {
				producer[out] = i
			}
		}
	}

	// Kahn's algorithm over a min-index ready set keeps the sort stable.
	pending := make([]int, len(nodes))
	dependents := make([][]int, len(nodes))
	for i := range nodes {
		seen := make(map[int]bool)
		for _, in := range nodes[i].Inputs {
			p, ok := producer[in]
			if !ok || seen[p] {
				continue
			}
			if p == i {
				return nil, fmt.Errorf("%w: node %q consumes its own output", ErrCycle, nodes[i].Name)
			}
			seen[p] = true
			pending[i]++
			dependents[p] = append(dependents[p], i)
		}
	}

	ready := make([]int, 0, len(nodes))
	for i := range nodes {
		if pending[i] == 0 {
			ready = append(ready, i)
		}
	}

	result := make([]NodeProto, 0, len(nodes))
	for len(ready) > 0 {
		best := 0
		for j := 1; j < len(ready); j++ {
			if ready[j] < ready[best] {
				best = j
			}
		}
		i := ready[best]
		ready = append(ready[:best], ready[best+1:]...)
		result = append(result, nodes[i])
		for _, dep := range dependents[i] {
			pending[dep]--
			if pending[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(result) != len(nodes) {
		return nil, fmt.Errorf("%w: %d of %d nodes unreachable", ErrCycle, len(nodes)-len(result), len(nodes))
	}
	return result, nil
}

// Producers maps every tensor name to the index of the node producing it.
func (g *GraphProto) Producers() map[string]int {
	m := make(map[string]int)
	for i := range g.Nodes {
		for _, out := range g.Nodes[i].Outputs {
			if out != "" {
				m[out] = i
			}
		}
	}
	return m
}

// Consumers maps every tensor name to the indices of nodes reading it.
func (g *GraphProto) Consumers() map[string][]int {
	m := make(map[string][]int)
	for i := range g.Nodes {
		for _, in := range g.Nodes[i].Inputs {
			if in != "" {
				m[in] = append(m[in], i)
			}
		}
	}
	return m
}

// InitializerMap indexes initializers by name.
func (g *GraphProto) InitializerMap() map[string]*TensorProto {
	m := make(map[string]*TensorProto, len(g.Initializers))
	for i := range g.Initializers {
		m[g.Initializers[i].Name] = &g.Initializers[i]
	}
	return m
}

// RealInputs returns graph inputs that are not backed by an initializer.
func (g *GraphProto) RealInputs() []*ValueInfoProto {
	inits := g.InitializerMap()
	var inputs []*ValueInfoProto
	for i := range g.Inputs {
		if _, ok := inits[g.Inputs[i].Name]; !ok {
			inputs = append(inputs, &g.Inputs[i])
		}
	}
	return inputs
}

// IsGraphOutput reports whether name is one of the graph outputs.
func (g *GraphProto) IsGraphOutput(name string) bool {
	for i := range g.Outputs {
		if g.Outputs[i].Name == name {
			return true
		}
	}
	return false
}

// OpsetVersion returns the default-domain opset version, or 0 if absent.
func (m *ModelProto) OpsetVersion() int64 {
	for _, opset := range m.OpsetImport {
		if opset.Domain == "" || opset.Domain == "ai.onnx" {
			return opset.Version
		}
	}
	return 0
}

// Attr returns the named attribute, or nil.
func (n *NodeProto) Attr(name string) *AttributeProto {
	for i := range n.Attributes {
		if n.Attributes[i].Name == name {
			return &n.Attributes[i]
		}
	}
	return nil
}

// AttrInt returns an integer attribute or defaultVal.
func (n *NodeProto) AttrInt(name string, defaultVal int64) int64 {
	if a := n.Attr(name); a != nil {
		return a.I
	}
	return defaultVal
}

// AttrInts returns an integer list attribute, or nil.
func (n *NodeProto) AttrInts(name string) []int64 {
	if a := n.Attr(name); a != nil {
		return a.Ints
	}
	return nil
}

// AttrFloat returns a float attribute or defaultVal.
func (n *NodeProto) AttrFloat(name string, defaultVal float32) float32 {
	if a := n.Attr(name); a != nil {
		return a.F
	}
	return defaultVal
}

// AttrString returns a string attribute or defaultVal.
func (n *NodeProto) AttrString(name, defaultVal string) string {
	if a := n.Attr(name); a != nil {
		return string(a.S)
	}
	return defaultVal
}

// Input returns the i-th input name, or "" when absent.
func (n *NodeProto) Input(i int) string {
	if i < len(n.Inputs) {
		return n.Inputs[i]
	}
	return ""
}

// NewValueInfo builds a tensor ValueInfoProto with static dims.
func NewValueInfo(name string, elemType int32, dims []int64) ValueInfoProto {
	shape := &TensorShapeProto{Dims: make([]DimensionProto, len(dims))}
	for i, d := range dims {
		shape.Dims[i] = DimensionProto{DimValue: d}
	}
	return ValueInfoProto{
		Name: name,
		Type: &TypeProto{TensorType: &TensorTypeProto{ElemType: elemType, Shape: shape}},
	}
}

// ElemType returns the element type, or TensorProtoUndefined.
func (v *ValueInfoProto) ElemType() int32 {
	if v.Type == nil || v.Type.TensorType == nil {
		return TensorProtoUndefined
	}
	return v.Type.TensorType.ElemType
}

// StaticDims returns the dims when every dimension is a known value.
func (v *ValueInfoProto) StaticDims() ([]int64, bool) {
	if v.Type == nil || v.Type.TensorType == nil || v.Type.TensorType.Shape == nil {
		return nil, false
	}
	dims := make([]int64, len(v.Type.TensorType.Shape.Dims))
	for i, d := range v.Type.TensorType.Shape.Dims {
		if d.DimParam != "" || d.DimValue <= 0 {
			return nil, false
		}
		dims[i] = d.DimValue
	}
	return dims, true
}
