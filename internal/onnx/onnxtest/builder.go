// Package onnxtest builds small ONNX models for tests.
package onnxtest

import (
	"math"

	"github.com/born-ml/espdl/internal/onnx"
)

// Builder assembles a ModelProto node by node.
type Builder struct {
	model *onnx.ModelProto
}

// NewBuilder starts a model with the given graph name and default opset.
func NewBuilder(name string, opset int64) *Builder {
	return &Builder{model: &onnx.ModelProto{
		IRVersion:    8,
		ProducerName: "onnxtest",
		OpsetImport:  []onnx.OperatorSetID{{Version: opset}},
		Graph:        &onnx.GraphProto{Name: name},
	}}
}

// Input adds a float32 graph input. Non-positive dims become symbolic.
func (b *Builder) Input(name string, dims ...int64) *Builder {
	vi := onnx.NewValueInfo(name, onnx.TensorProtoFloat, dims)
	for i, d := range dims {
		if d <= 0 {
			vi.Type.TensorType.Shape.Dims[i] = onnx.DimensionProto{DimParam: "batch"}
		}
	}
	b.model.Graph.Inputs = append(b.model.Graph.Inputs, vi)
	return b
}

// Output adds a float32 graph output without shape information.
func (b *Builder) Output(name string) *Builder {
	b.model.Graph.Outputs = append(b.model.Graph.Outputs, onnx.ValueInfoProto{
		Name: name,
		Type: &onnx.TypeProto{TensorType: &onnx.TensorTypeProto{ElemType: onnx.TensorProtoFloat}},
	})
	return b
}

// Initializer adds a constant tensor.
func (b *Builder) Initializer(t onnx.TensorProto) *Builder {
	b.model.Graph.Initializers = append(b.model.Graph.Initializers, t)
	return b
}

// Node appends an operation.
func (b *Builder) Node(op string, inputs, outputs []string, attrs ...onnx.AttributeProto) *Builder {
	b.model.Graph.Nodes = append(b.model.Graph.Nodes, onnx.NodeProto{
		Name:       outputs[0] + "_" + op,
		OpType:     op,
		Inputs:     inputs,
		Outputs:    outputs,
		Attributes: attrs,
	})
	return b
}

// Model returns the assembled model.
func (b *Builder) Model() *onnx.ModelProto { return b.model }

// Int builds an INT attribute.
func Int(name string, v int64) onnx.AttributeProto {
	return onnx.AttributeProto{Name: name, Type: onnx.AttributeProtoInt, I: v}
}

// Ints builds an INTS attribute.
func Ints(name string, v ...int64) onnx.AttributeProto {
	return onnx.AttributeProto{Name: name, Type: onnx.AttributeProtoInts, Ints: v}
}

// String builds a STRING attribute.
func String(name, v string) onnx.AttributeProto {
	return onnx.AttributeProto{Name: name, Type: onnx.AttributeProtoString, S: []byte(v)}
}

// TensorAttr builds a TENSOR attribute.
func TensorAttr(name string, t onnx.TensorProto) onnx.AttributeProto {
	return onnx.AttributeProto{Name: name, Type: onnx.AttributeProtoTensor, T: &t}
}

// Ramp returns n float32 values spread over [-scale, scale].
func Ramp(n int, scale float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = scale * float32(math.Sin(float64(i)*0.7))
	}
	return out
}

// Detector returns a miniature detection-head graph with a dynamic batch:
//
//	images -> Conv -> SiLU (Sigmoid*Mul) -> Identity -> MaxPool -> Resize
//	       -> Concat(with SiLU) -> Conv(1x1) -> Reshape(Constant shape) -> output
//
// The Constant node, the Identity and the shape computation are all
// removable by simplification.
func Detector() *onnx.ModelProto {
	b := NewBuilder("detector", 13)
	b.Input("images", 0, 3, 8, 8)
	b.Initializer(onnx.NewFloat32Tensor("conv1.w", []int64{4, 3, 3, 3}, Ramp(4*3*3*3, 0.5)))
	b.Initializer(onnx.NewFloat32Tensor("conv1.b", []int64{4}, []float32{0.1, -0.2, 0.3, 0}))
	b.Initializer(onnx.NewFloat32Tensor("head.w", []int64{6, 8, 1, 1}, Ramp(6*8, 0.25)))
	b.Initializer(onnx.NewFloat32Tensor("head.b", []int64{6}, Ramp(6, 0.05)))
	b.Initializer(onnx.NewFloat32Tensor("unused", []int64{2}, []float32{1, 2}))
	b.Initializer(onnx.NewFloat32Tensor("resize.scales", []int64{4}, []float32{1, 1, 2, 2}))

	b.Node("Conv", []string{"images", "conv1.w", "conv1.b"}, []string{"c1"},
		Ints("kernel_shape", 3, 3), Ints("pads", 1, 1, 1, 1), Ints("strides", 1, 1))
	b.Node("Sigmoid", []string{"c1"}, []string{"s1"})
	b.Node("Mul", []string{"c1", "s1"}, []string{"a1"})
	b.Node("Identity", []string{"a1"}, []string{"a1_id"})
	b.Node("MaxPool", []string{"a1_id"}, []string{"p1"},
		Ints("kernel_shape", 2, 2), Ints("strides", 2, 2))
	b.Node("Resize", []string{"p1", "", "resize.scales"}, []string{"r1"},
		String("mode", "nearest"))
	b.Node("Concat", []string{"a1_id", "r1"}, []string{"cat"}, Int("axis", 1))
	b.Node("Conv", []string{"cat", "head.w", "head.b"}, []string{"h1"},
		Ints("kernel_shape", 1, 1))
	b.Node("Constant", nil, []string{"shape"},
		TensorAttr("value", onnx.NewInt64Tensor("", []int64{3}, []int64{1, 6, -1})))
	b.Node("Reshape", []string{"h1", "shape"}, []string{"output"})
	b.Output("output")
	return b.Model()
}
