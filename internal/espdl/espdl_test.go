package espdl

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testModel() *Model {
	w := NewFloat16Tensor("conv.w", []int64{2, 1, 1, 1}, []float32{0.5, -1.25})
	b := NewIntTensor("conv.b", Int32, []int64{2}, []int64{3, -7}, -4)
	return &Model{
		Name:      "tiny",
		Opset:     13,
		Target:    "esp32p4",
		NumOfBits: 16,
		Precision: string(Float16),
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Inputs:    []ValueInfo{{Name: "images", DType: Float16, Shape: []int64{1, 1, 2, 2}}},
		Outputs:   []ValueInfo{{Name: "out", DType: Float16, Shape: []int64{1, 2, 2, 2}}},
		ValueInfos: []ValueInfo{
			{Name: "c", DType: Float16, Shape: []int64{1, 2, 2, 2}},
		},
		Nodes: []Node{
			{Name: "conv", OpType: "Conv", Inputs: []string{"images", "conv.w", "conv.b"}, Outputs: []string{"c"},
				Attributes: []Attribute{{Name: "kernel_shape", Type: "ints", Ints: []int64{1, 1}}}},
			{Name: "act", OpType: "Sigmoid", Inputs: []string{"c"}, Outputs: []string{"out"}},
		},
		Tensors:     []*Tensor{w, b},
		TestInputs:  []*Tensor{NewFloat16Tensor("images", []int64{1, 1, 2, 2}, []float32{1, 2, 3, 4})},
		TestOutputs: []*Tensor{NewFloat16Tensor("out", []int64{1, 2, 2, 2}, make([]float32, 8))},
		Metadata:    map[string]string{"source": "tiny.onnx"},
	}
}

func TestRoundTrip(t *testing.T) {
	m := testModel()
	data, err := Marshal(m)
	require.NoError(t, err)

	assert.Equal(t, MagicBytes, string(data[:4]))
	assert.Equal(t, uint32(len(data)-FileHeaderSize), binary.LittleEndian.Uint32(data[8:12]))
	flags := binary.LittleEndian.Uint32(data[FileHeaderSize+4:])
	assert.Equal(t, FlagHasTestData|FlagFloat16, flags)

	got, err := Read(data, ReaderOptions{})
	require.NoError(t, err)
	assert.Equal(t, m.Name, got.Name)
	assert.Equal(t, m.Opset, got.Opset)
	assert.Equal(t, m.Target, got.Target)
	assert.Equal(t, m.NumOfBits, got.NumOfBits)
	assert.True(t, m.CreatedAt.Equal(got.CreatedAt))
	assert.Equal(t, m.Inputs, got.Inputs)
	assert.Equal(t, m.Outputs, got.Outputs)
	assert.Equal(t, m.Nodes, got.Nodes)
	assert.Equal(t, m.Metadata, got.Metadata)
	require.Len(t, got.Tensors, 2)
	require.Len(t, got.TestInputs, 1)
	require.Len(t, got.TestOutputs, 1)

	w, err := got.Tensor("conv.w").Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, -1.25}, w)

	b := got.Tensor("conv.b")
	assert.Equal(t, []int{-4}, b.Exponents)
	ints, err := b.Int64s()
	require.NoError(t, err)
	assert.Equal(t, []int64{3, -7}, ints)
	floats, err := b.Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{3.0 / 16, -7.0 / 16}, floats)
}

func TestMarshalIsDeterministic(t *testing.T) {
	a, err := Marshal(testModel())
	require.NoError(t, err)
	b, err := Marshal(testModel())
	require.NoError(t, err)
	assert.True(t, bytes.Equal(a, b))

	m := testModel()
	m.CreatedAt = time.Time{}
	c, err := Marshal(m)
	require.NoError(t, err)
	assert.NotContains(t, string(c), "created_at")
}

func TestTensorDataIsAligned(t *testing.T) {
	data, err := Marshal(testModel())
	require.NoError(t, err)
	h, err := ReadHeader(data)
	require.NoError(t, err)
	require.Len(t, h.Tensors, 4)
	for _, meta := range h.Tensors {
		assert.Zero(t, meta.Offset%TensorAlignment, meta.Name)
	}
	assert.Equal(t, RoleWeight, h.Tensors[0].Role)
	assert.Equal(t, RoleTestInput, h.Tensors[2].Role)
	assert.Equal(t, RoleTestOutput, h.Tensors[3].Role)
}

func TestCorruptionDetection(t *testing.T) {
	data, err := Marshal(testModel())
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF

	_, err = Read(data, ReaderOptions{})
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	_, err = Read(data, ReaderOptions{SkipChecksumValidation: true})
	assert.NoError(t, err)
}

func TestReadFramingErrors(t *testing.T) {
	good, err := Marshal(testModel())
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func([]byte) []byte
		want   error
	}{
		{"short", func(b []byte) []byte { return b[:8] }, ErrTruncated},
		{"magic", func(b []byte) []byte { copy(b, "ONNX"); return b }, ErrInvalidMagic},
		{"mode", func(b []byte) []byte { binary.LittleEndian.PutUint32(b[4:], 1); return b }, ErrUnsupportedMode},
		{"truncated", func(b []byte) []byte { return b[:len(b)-16] }, ErrTruncated},
		{"version", func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[FileHeaderSize:], 9)
			return b
		}, ErrUnsupportedVersion},
		{"header size", func(b []byte) []byte {
			binary.LittleEndian.PutUint64(b[FileHeaderSize+8:], MaxHeaderSize+1)
			return b
		}, ErrHeaderTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.mutate(append([]byte(nil), good...))
			_, err := Read(data, ReaderOptions{})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

// withHeader re-frames data around an edited JSON header, keeping the data
// section and its checksum.
func withHeader(t *testing.T, data []byte, edit func(*Header)) []byte {
	t.Helper()
	h, err := ReadHeader(data)
	require.NoError(t, err)
	edit(h)
	headerJSON, err := json.Marshal(h)
	require.NoError(t, err)

	payload := data[FileHeaderSize:]
	oldEnd := int64(FixedHeaderSize) + int64(binary.LittleEndian.Uint64(payload[8:16])) //nolint:gosec // test data
	section := payload[align(oldEnd):]

	dataStart := align(int64(FixedHeaderSize) + int64(len(headerJSON)))
	out := make([]byte, FileHeaderSize+dataStart+int64(len(section)))
	copy(out, data[:FileHeaderSize+FixedHeaderSize])
	binary.LittleEndian.PutUint32(out[8:], uint32(dataStart)+uint32(len(section))) //nolint:gosec // test data
	binary.LittleEndian.PutUint64(out[FileHeaderSize+8:], uint64(len(headerJSON)))
	copy(out[FileHeaderSize+FixedHeaderSize:], headerJSON)
	copy(out[FileHeaderSize+dataStart:], section)
	return out
}

func TestReadRejectsOverflowingTensorBounds(t *testing.T) {
	good, err := Marshal(testModel())
	require.NoError(t, err)

	// Offset+Size wraps to a negative int64, which used to pass the bounds check.
	crafted := withHeader(t, good, func(h *Header) {
		h.Tensors[0] = TensorMeta{Name: "conv.w", Role: RoleWeight, DType: Int8,
			Shape: []int64{1 << 62}, Offset: 1 << 62, Size: 1 << 62}
	})

	for _, level := range []ValidationLevel{ValidationStrict, ValidationNormal, ValidationNone} {
		var m *Model
		require.NotPanics(t, func() {
			m, err = Read(crafted, ReaderOptions{ValidationLevel: level})
		})
		assert.Nil(t, m)
		assert.ErrorIs(t, err, ErrOutOfBounds, "level %d", level)
	}

	// The helper itself keeps a valid file valid.
	_, err = Read(withHeader(t, good, func(*Header) {}), ReaderOptions{})
	assert.NoError(t, err)
}

func TestMarshalRejectsBadTensors(t *testing.T) {
	m := testModel()
	m.Tensors[0].Data = m.Tensors[0].Data[:2]
	_, err := Marshal(m)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "size_mismatch", verr.Type)

	m = testModel()
	m.Tensors[1].Name = ""
	_, err = Marshal(m)
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "invalid_name", verr.Type)
}

func TestWriteFileAndReadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tiny.espdl")
	require.NoError(t, WriteFile(path, testModel()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	m, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "tiny", m.Name)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, testModel()))
	m, err = ReadFrom(&buf, ReaderOptions{})
	require.NoError(t, err)
	assert.Len(t, m.Nodes, 2)

	_, err = ReadFile(filepath.Join(dir, "missing.espdl"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSummary(t *testing.T) {
	s := testModel().Summary()
	assert.Contains(t, s, `ESP-DL model "tiny"`)
	assert.Contains(t, s, "target: esp32p4, bits: 16")
	assert.Contains(t, s, "input  images float16 [1 1 2 2]")
	assert.Contains(t, s, "float16 weights: 1")
	assert.Contains(t, s, "int32 weights: 1")
	assert.Contains(t, s, "test data: 1 inputs, 1 outputs")
	assert.Less(t, strings.Index(s, "Conv"), strings.Index(s, "Sigmoid"))
}

func TestValueInfoLookup(t *testing.T) {
	m := testModel()
	vi, ok := m.ValueInfo("c")
	require.True(t, ok)
	assert.Equal(t, []int64{1, 2, 2, 2}, vi.Shape)
	_, ok = m.ValueInfo("nope")
	assert.False(t, ok)
	assert.Nil(t, m.Tensor("nope"))
	assert.Equal(t, int64(4+8), m.WeightBytes())
}
