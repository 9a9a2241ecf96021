package ortexec

import (
	"fmt"

	"github.com/born-ml/espdl/internal/onnx"
)

// WithAllOutputs returns a copy of model in which every float32 tensor
// produced by a node is also a graph output, plus the names of those
// tensors in execution order. Calibration reads activation ranges from them.
// Tensors whose element type cannot be inferred are left out.
func WithAllOutputs(model *onnx.ModelProto) (*onnx.ModelProto, []string, error) {
	out, err := model.Clone()
	if err != nil {
		return nil, nil, err
	}
	g := out.Graph
	if g == nil {
		return nil, nil, fmt.Errorf("model has no graph")
	}
	if _, err := onnx.InferShapes(out); err != nil {
		return nil, nil, err
	}

	elem := make(map[string]int32)
	for _, list := range [][]onnx.ValueInfoProto{g.ValueInfo, g.Outputs} {
		for i := range list {
			elem[list[i].Name] = list[i].ElemType()
		}
	}
	declared := make(map[string]bool)
	for i := range g.Outputs {
		declared[g.Outputs[i].Name] = true
	}

	var names []string
	for i := range g.Nodes {
		for _, name := range g.Nodes[i].Outputs {
			if name == "" || elem[name] != onnx.TensorProtoFloat {
				continue
			}
			names = append(names, name)
			if declared[name] {
				continue
			}
			g.Outputs = append(g.Outputs, onnx.ValueInfoProto{
				Name: name,
				Type: &onnx.TypeProto{TensorType: &onnx.TensorTypeProto{ElemType: onnx.TensorProtoFloat}},
			})
			declared[name] = true
		}
	}
	return out, names, nil
}
