package onnx_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/born-ml/espdl/internal/onnx"
	"github.com/born-ml/espdl/internal/onnx/onnxtest"
)

func TestParseDetector(t *testing.T) {
	model, err := onnx.Parse(onnx.Marshal(onnxtest.Detector()))
	require.NoError(t, err)

	assert.Equal(t, int64(8), model.IRVersion)
	assert.Equal(t, int64(13), model.OpsetVersion())
	require.NotNil(t, model.Graph)
	assert.Equal(t, "detector", model.Graph.Name)
	assert.Len(t, model.Graph.Nodes, 10)
	assert.Len(t, model.Graph.Initializers, 6)

	conv := model.Graph.Nodes[0]
	assert.Equal(t, "Conv", conv.OpType)
	assert.Equal(t, []string{"images", "conv1.w", "conv1.b"}, conv.Inputs)
	assert.Equal(t, []int64{3, 3}, conv.AttrInts("kernel_shape"))
	assert.Equal(t, []int64{1, 1, 1, 1}, conv.AttrInts("pads"))

	resize := model.Graph.Nodes[5]
	assert.Equal(t, []string{"p1", "", "resize.scales"}, resize.Inputs, "empty optional inputs survive")
	assert.Equal(t, "nearest", resize.AttrString("mode", ""))

	in := model.Graph.Inputs[0]
	assert.Equal(t, int32(onnx.TensorProtoFloat), in.ElemType())
	assert.Equal(t, "batch", in.Type.TensorType.Shape.Dims[0].DimParam)
	_, static := in.StaticDims()
	assert.False(t, static)

	w, err := model.Graph.InitializerMap()["conv1.b"].Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, -0.2, 0.3, 0}, w)
}

func TestMarshalRoundTripIsStable(t *testing.T) {
	first := onnx.Marshal(onnxtest.Detector())
	model, err := onnx.Parse(first)
	require.NoError(t, err)
	assert.Equal(t, first, onnx.Marshal(model))
}

func TestParseAttributeFieldNumbers(t *testing.T) {
	var attr []byte
	attr = protowire.AppendTag(attr, 1, protowire.BytesType)
	attr = protowire.AppendString(attr, "alpha")
	attr = protowire.AppendTag(attr, 2, protowire.Fixed32Type)
	attr = protowire.AppendFixed32(attr, 0x3f000000) // 0.5
	attr = protowire.AppendTag(attr, 20, protowire.VarintType)
	attr = protowire.AppendVarint(attr, onnx.AttributeProtoFloat)

	var ints []byte
	ints = protowire.AppendTag(ints, 1, protowire.BytesType)
	ints = protowire.AppendString(ints, "axes")
	// Unpacked repeated ints (field 8), as some exporters write them.
	for _, v := range []uint64{0, 2} {
		ints = protowire.AppendTag(ints, 8, protowire.VarintType)
		ints = protowire.AppendVarint(ints, v)
	}
	ints = protowire.AppendTag(ints, 20, protowire.VarintType)
	ints = protowire.AppendVarint(ints, onnx.AttributeProtoInts)

	var node []byte
	node = protowire.AppendTag(node, 4, protowire.BytesType)
	node = protowire.AppendString(node, "LeakyRelu")
	node = protowire.AppendTag(node, 5, protowire.BytesType)
	node = protowire.AppendBytes(node, attr)
	node = protowire.AppendTag(node, 5, protowire.BytesType)
	node = protowire.AppendBytes(node, ints)
	// Unknown field is kept, not interpreted.
	node = protowire.AppendTag(node, 99, protowire.VarintType)
	node = protowire.AppendVarint(node, 7)

	var graph []byte
	graph = protowire.AppendTag(graph, 1, protowire.BytesType)
	graph = protowire.AppendBytes(graph, node)

	var model []byte
	model = protowire.AppendTag(model, 7, protowire.BytesType)
	model = protowire.AppendBytes(model, graph)

	m, err := onnx.Parse(model)
	require.NoError(t, err)
	require.Len(t, m.Graph.Nodes, 1)
	n := m.Graph.Nodes[0]
	assert.InDelta(t, 0.5, n.AttrFloat("alpha", 0), 1e-9)
	assert.Equal(t, []int64{0, 2}, n.AttrInts("axes"))
	assert.Equal(t, protowire.AppendVarint(protowire.AppendTag(nil, 99, protowire.VarintType), 7), n.Unknown)
}

func bytesField(num protowire.Number, v []byte) []byte {
	b := protowire.AppendTag(nil, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func TestMarshalKeepsUnknownFields(t *testing.T) {
	// ModelProto.functions (25) holding a FunctionProto named "Fn".
	function := bytesField(25, bytesField(1, []byte("Fn")))
	data := append(onnx.Marshal(onnxtest.Detector()), function...)

	model, err := onnx.Parse(data)
	require.NoError(t, err)
	assert.Equal(t, function, model.Unknown)

	// Nested messages: a dimension denotation, a graph sparse_initializer
	// and a sequence-typed value_info.
	denotation := bytesField(3, []byte("DATA_BATCH"))
	model.Graph.Inputs[0].Type.TensorType.Shape.Dims[0].Unknown = denotation
	sparse := bytesField(15, bytesField(3, []byte{0x08, 0x02}))
	model.Graph.Unknown = sparse
	sequence := bytesField(4, bytesField(1, bytesField(1, []byte{0x08, 0x01})))
	model.Graph.ValueInfo = append(model.Graph.ValueInfo, onnx.ValueInfoProto{
		Name: "seq",
		Type: &onnx.TypeProto{Unknown: sequence},
	})

	out := onnx.Marshal(model)
	again, err := onnx.Parse(out)
	require.NoError(t, err)
	assert.Equal(t, out, onnx.Marshal(again), "re-encoding is stable")

	assert.Equal(t, function, again.Unknown)
	assert.Equal(t, sparse, again.Graph.Unknown)
	dim := again.Graph.Inputs[0].Type.TensorType.Shape.Dims[0]
	assert.Equal(t, "batch", dim.DimParam)
	assert.Equal(t, denotation, dim.Unknown)

	seq := again.Graph.ValueInfo[len(again.Graph.ValueInfo)-1]
	assert.Equal(t, "seq", seq.Name)
	require.NotNil(t, seq.Type)
	assert.Nil(t, seq.Type.TensorType)
	assert.Equal(t, sequence, seq.Type.Unknown)
}

func TestParseTruncated(t *testing.T) {
	data := onnx.Marshal(onnxtest.Detector())
	_, err := onnx.Parse(data[:len(data)/2])
	assert.Error(t, err)
}

func TestParseWrongWireType(t *testing.T) {
	var model []byte
	model = protowire.AppendTag(model, 2, protowire.VarintType) // producer_name must be bytes
	model = protowire.AppendVarint(model, 1)
	_, err := onnx.Parse(model)
	assert.ErrorIs(t, err, onnx.ErrWireType)
}

func TestParseEmptyData(t *testing.T) {
	model, err := onnx.Parse(nil)
	require.NoError(t, err)
	assert.Nil(t, model.Graph)
}

func TestSaveFileAndParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.onnx")
	require.NoError(t, onnx.SaveFile(onnxtest.Detector(), path))

	model, err := onnx.ParseFile(path)
	require.NoError(t, err)
	assert.Len(t, model.Graph.Nodes, 10)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must not be left behind")
}

func TestParseFileMissing(t *testing.T) {
	_, err := onnx.ParseFile("/nonexistent/file.onnx")
	assert.Error(t, err)
}

func TestClone(t *testing.T) {
	orig := onnxtest.Detector()
	clone, err := orig.Clone()
	require.NoError(t, err)
	clone.Graph.Nodes[0].OpType = "Changed"
	clone.Graph.Initializers[0].RawData[0] ^= 0xff
	assert.Equal(t, "Conv", orig.Graph.Nodes[0].OpType)
	assert.NotEqual(t, orig.Graph.Initializers[0].RawData[0], clone.Graph.Initializers[0].RawData[0])
}

func TestInfo(t *testing.T) {
	info := onnx.Info(onnxtest.Detector())
	assert.Equal(t, []string{"images"}, info.InputNames)
	assert.Equal(t, []string{"output"}, info.OutputNames)
	assert.Equal(t, 10, info.NodeCount)
	assert.Equal(t, 2, info.OpCounts["Conv"])
	assert.Equal(t, "Conv", info.SortedOps()[0])
	assert.Contains(t, info.String(), "detector")
}
