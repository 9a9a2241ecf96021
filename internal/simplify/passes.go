package simplify

import (
	"errors"
	"slices"

	"github.com/born-ml/espdl/internal/onnx"
	"github.com/born-ml/espdl/internal/onnx/operators"
)

// constants returns initializers that graph inputs cannot override.
func (s *simplifier) constants() map[string]*onnx.TensorProto {
	consts := s.graph.InitializerMap()
	for i := range s.graph.Inputs {
		delete(consts, s.graph.Inputs[i].Name)
	}
	return consts
}

// keep drops the nodes marked in removed.
func (s *simplifier) keep(removed map[int]bool) {
	if len(removed) == 0 {
		return
	}
	kept := make([]onnx.NodeProto, 0, len(s.graph.Nodes)-len(removed))
	for i := range s.graph.Nodes {
		if !removed[i] {
			kept = append(kept, s.graph.Nodes[i])
		}
	}
	s.graph.Nodes = kept
}

// liftConstants turns Constant nodes into initializers.
func (s *simplifier) liftConstants() int {
	removed := make(map[int]bool)
	for i := range s.graph.Nodes {
		node := &s.graph.Nodes[i]
		if node.OpType != "Constant" || len(node.Outputs) != 1 || s.graph.IsGraphOutput(node.Outputs[0]) {
			continue
		}
		outs, err := s.registry.Execute(node, nil)
		if err != nil {
			s.log.V(2).Info("Keeping Constant node", "node", node.Name, "reason", err.Error())
			continue
		}
		t, err := outs[0].ToTensor(node.Outputs[0])
		if err != nil {
			s.log.V(2).Info("Keeping Constant node", "node", node.Name, "reason", err.Error())
			continue
		}
		s.graph.Initializers = append(s.graph.Initializers, t)
		removed[i] = true
	}
	s.keep(removed)
	s.result.ConstantsLifted += len(removed)
	return len(removed)
}

// fold evaluates nodes whose inputs are all known.
//
//nolint:gocyclo,cyclop // candidate filtering
func (s *simplifier) fold() int {
	consts := s.constants()
	shapes := s.staticShapes()
	values := make(map[string]*operators.Value)
	value := func(name string) (*operators.Value, error) {
		if v, ok := values[name]; ok {
			return v, nil
		}
		v, err := operators.FromTensor(consts[name])
		if err != nil {
			return nil, err
		}
		values[name] = v
		return v, nil
	}

	removed := make(map[int]bool)
	for i := range s.graph.Nodes {
		node := &s.graph.Nodes[i]
		if _, ok := s.registry.Get(node.OpType); !ok || node.OpType == "Constant" {
			continue
		}

		var inputs []*operators.Value
		foldable := len(node.Inputs) > 0
		if node.OpType == "Shape" {
			// Only the static shape of the input matters, not its data.
			vi, ok := shapes[node.Input(0)]
			if _, isConst := consts[node.Input(0)]; !ok && !isConst {
				continue
			}
			if ok {
				dims, _ := vi.StaticDims()
				inputs = []*operators.Value{{DataType: vi.ElemType(), Dims: dims}}
			} else {
				inputs = []*operators.Value{{Dims: consts[node.Input(0)].Dims}}
			}
		} else {
			for _, in := range node.Inputs {
				if in == "" {
					inputs = append(inputs, nil)
					continue
				}
				if _, ok := consts[in]; !ok {
					foldable = false
					break
				}
				v, err := value(in)
				if err != nil {
					foldable = false
					break
				}
				inputs = append(inputs, v)
			}
		}
		if !foldable {
			continue
		}
		if n, err := operators.OutputElements(node, inputs); err != nil || n > s.opts.MaxFoldElements {
			reason := "output too large"
			if err != nil {
				reason = err.Error()
			}
			s.log.V(2).Info("Skipping constant fold", "node", node.Name, "reason", reason, "elements", n)
			continue
		}

		outs, err := s.registry.Execute(node, inputs)
		if err != nil {
			s.log.V(2).Info("Skipping constant fold", "node", node.Name, "reason", err.Error())
			continue
		}
		tensors, ok := s.materialize(node, outs)
		if !ok {
			continue
		}
		s.graph.Initializers = append(s.graph.Initializers, tensors...)
		for j := range tensors {
			consts[tensors[j].Name] = &tensors[j]
		}
		removed[i] = true
	}
	s.keep(removed)
	s.result.Folded += len(removed)
	return len(removed)
}

// materialize converts folded outputs to initializers named after the node
// outputs. It refuses oversized results.
func (s *simplifier) materialize(node *onnx.NodeProto, outs []*operators.Value) ([]onnx.TensorProto, bool) {
	var tensors []onnx.TensorProto
	for j, name := range node.Outputs {
		if name == "" {
			continue
		}
		if j >= len(outs) {
			return nil, false
		}
		if int64(outs[j].Len()) > s.opts.MaxFoldElements {
			s.log.V(2).Info("Skipping constant fold", "node", node.Name, "reason", "output too large", "elements", outs[j].Len())
			return nil, false
		}
		t, err := outs[j].ToTensor(name)
		if err != nil {
			s.log.V(2).Info("Skipping constant fold", "node", node.Name, "reason", err.Error())
			return nil, false
		}
		tensors = append(tensors, t)
	}
	return tensors, len(tensors) > 0
}

var errNotNoOp = errors.New("not a no-op")

// noOpInput returns the tensor a no-op node passes through unchanged.
func (s *simplifier) noOpInput(node *onnx.NodeProto, shapes map[string]*onnx.ValueInfoProto) (string, error) {
	live := 0
	for _, out := range node.Outputs {
		if out != "" {
			live++
		}
	}
	if live != 1 || node.Outputs[0] == "" || node.Input(0) == "" {
		return "", errNotNoOp
	}
	in, out := node.Input(0), node.Outputs[0]

	switch node.OpType {
	case "Identity", "Dropout":
		return in, nil
	case "Cast":
		if elem := s.elemType(in, shapes); elem != onnx.TensorProtoUndefined && int64(elem) == node.AttrInt("to", -1) {
			return in, nil
		}
	case "Reshape", "Flatten", "Squeeze", "Unsqueeze", "Expand":
		a, okA := shapes[in]
		b, okB := shapes[out]
		if !okA || !okB {
			break
		}
		da, _ := a.StaticDims()
		db, _ := b.StaticDims()
		if slices.Equal(da, db) {
			return in, nil
		}
	case "Transpose":
		perm := node.AttrInts("perm")
		identity := perm != nil
		for i, p := range perm {
			identity = identity && p == int64(i)
		}
		if identity {
			return in, nil
		}
	}
	return "", errNotNoOp
}

func (s *simplifier) elemType(name string, shapes map[string]*onnx.ValueInfoProto) int32 {
	if vi, ok := shapes[name]; ok {
		return vi.ElemType()
	}
	for i := range s.graph.Initializers {
		if s.graph.Initializers[i].Name == name {
			return s.graph.Initializers[i].DataType
		}
	}
	return onnx.TensorProtoUndefined
}

// eliminateNoOps bypasses nodes that pass their input through unchanged.
func (s *simplifier) eliminateNoOps() int {
	g := s.graph
	shapes := s.staticShapes()
	inputs := make(map[string]bool)
	for i := range g.Inputs {
		inputs[g.Inputs[i].Name] = true
	}
	inits := g.InitializerMap()

	removed := make(map[int]bool)
	for i := range g.Nodes {
		node := &g.Nodes[i]
		in, err := s.noOpInput(node, shapes)
		if err != nil {
			continue
		}
		out := node.Outputs[0]

		switch {
		case !g.IsGraphOutput(out):
			// Consumers read the input directly.
			s.rename(out, in, i)
		case !g.IsGraphOutput(in) && !inputs[in] && inits[in] == nil:
			// The producer of the input takes over the graph output name.
			s.rename(in, out, i)
		default:
			continue
		}
		removed[i] = true
	}
	s.keep(removed)
	s.result.Eliminated += len(removed)
	return len(removed)
}

// rename replaces tensor name from with to in every node except skip.
func (s *simplifier) rename(from, to string, skip int) {
	for i := range s.graph.Nodes {
		if i == skip {
			continue
		}
		node := &s.graph.Nodes[i]
		for j := range node.Inputs {
			if node.Inputs[j] == from {
				node.Inputs[j] = to
			}
		}
		for j := range node.Outputs {
			if node.Outputs[j] == from {
				node.Outputs[j] = to
			}
		}
	}
}

// removeDead drops nodes and initializers no graph output depends on.
func (s *simplifier) removeDead() int {
	g := s.graph
	live := make(map[string]bool)
	for i := range g.Outputs {
		live[g.Outputs[i].Name] = true
	}

	removed := make(map[int]bool)
	for i := len(g.Nodes) - 1; i >= 0; i-- {
		node := &g.Nodes[i]
		used := false
		for _, out := range node.Outputs {
			used = used || (out != "" && live[out])
		}
		if !used {
			removed[i] = true
			continue
		}
		for _, in := range node.Inputs {
			live[in] = true
		}
	}
	s.keep(removed)
	s.result.DeadNodes += len(removed)

	graphInputs := make(map[string]bool)
	for i := range g.Inputs {
		graphInputs[g.Inputs[i].Name] = true
	}
	kept := g.Initializers[:0]
	dropped := make(map[string]bool)
	for _, t := range g.Initializers {
		if live[t.Name] {
			kept = append(kept, t)
			continue
		}
		dropped[t.Name] = true
	}
	g.Initializers = kept
	if len(dropped) > 0 {
		// Initializers listed as graph inputs (IR < 4) go with them.
		ins := g.Inputs[:0]
		for _, in := range g.Inputs {
			if !dropped[in.Name] {
				ins = append(ins, in)
			}
		}
		g.Inputs = ins
	}
	s.result.InitializersRemoved += len(dropped)
	return len(removed) + len(dropped)
}
