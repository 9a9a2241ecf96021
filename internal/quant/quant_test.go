package quant

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/espdl/internal/calib"
	"github.com/born-ml/espdl/internal/espdl"
	"github.com/born-ml/espdl/internal/onnx"
	"github.com/born-ml/espdl/internal/onnx/onnxtest"
	"github.com/born-ml/espdl/internal/parallel"
	"github.com/born-ml/espdl/internal/tensor"
)

// fakeExecutor returns every requested output as the input scaled by 2,
// reshaped to shapes[name] when given.
type fakeExecutor struct {
	shapes map[string]tensor.Shape
	calls  int
	err    error
}

func (f *fakeExecutor) Run(_ context.Context, _ []byte, inputs map[string]*tensor.Tensor, outputs []string) (map[string]*tensor.Tensor, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.calls++
	var in *tensor.Tensor
	for _, t := range inputs {
		in = t
	}
	out := make(map[string]*tensor.Tensor, len(outputs))
	for _, name := range outputs {
		t := in.Clone()
		for i := range t.Data {
			t.Data[i] *= 2
		}
		if s, ok := f.shapes[name]; ok {
			t.Shape = s.Clone()
		}
		out[name] = t
	}
	return out, nil
}

// tinyModel is x[1,2,2,2] -> Conv(1x1, bias) -> Relu -> Reshape([1,8]).
func tinyModel() *onnx.ModelProto {
	b := onnxtest.NewBuilder("tiny", 13)
	b.Input("x", 1, 2, 2, 2)
	b.Initializer(onnx.NewFloat32Tensor("w", []int64{2, 2, 1, 1}, []float32{0.5, -0.25, 1, 0.75}))
	b.Initializer(onnx.NewFloat32Tensor("b", []int64{2}, []float32{0.1, -0.2}))
	b.Initializer(onnx.NewInt64Tensor("shape", []int64{2}, []int64{1, 8}))
	b.Node("Conv", []string{"x", "w", "b"}, []string{"c"}, onnxtest.Ints("kernel_shape", 1, 1))
	b.Node("Relu", []string{"c"}, []string{"y"})
	b.Node("Reshape", []string{"y", "shape"}, []string{"out"})
	b.Output("out")
	return b.Model()
}

func tinyLoader(t *testing.T) *calib.Loader {
	ds, err := calib.NewRandomDataset(calib.DefaultSamples, tensor.Shape{2, 2, 2}, 1)
	require.NoError(t, err)
	return calib.NewLoader(ds, calib.DefaultBatchSize)
}

func tinyOptions() Options {
	opts := DefaultOptions()
	opts.InputShape = []int64{1, 2, 2, 2}
	return opts
}

func TestExponent(t *testing.T) {
	tests := []struct {
		absMax float32
		bits   int
		want   int
	}{
		{0, 8, 0},
		{1, 8, -6},
		{127, 8, 0},
		{128, 8, 1},
		{1, 16, -14},
		{0.001, 8, -16},
	}
	for _, tt := range tests {
		got, err := Exponent(tt.absMax, tt.bits)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "absMax=%v bits=%d", tt.absMax, tt.bits)
		// The range must be representable.
		assert.GreaterOrEqual(t, float64(QMax(tt.bits))*math.Ldexp(1, got), float64(tt.absMax))
	}

	_, err := Exponent(float32(math.Inf(1)), 8)
	assert.Error(t, err)
	_, err = Exponent(float32(math.NaN()), 8)
	assert.Error(t, err)
}

func TestQuantizeRoundsAndClips(t *testing.T) {
	cfg := parallel.Config{}
	got := QuantizeValues([]float32{0.5, -0.5, 1.5, 2.4, 300, -300}, 0, 8, cfg)
	assert.Equal(t, []int64{1, -1, 2, 2, 127, -128}, got)

	got = QuantizeValues([]float32{0.5, -0.25, 1, 0.75}, -6, 8, cfg)
	assert.Equal(t, []int64{32, -16, 64, 48}, got)
	assert.Equal(t, []float32{0.5, -0.25, 1, 0.75}, Dequantize(got, -6))

	assert.Equal(t, int64(32767), QMax(16))
	assert.Equal(t, int64(-32768), QMin(16))
}

func TestAbsMaxParallel(t *testing.T) {
	values := make([]float32, 100_000)
	for i := range values {
		values[i] = float32(i%1000) / 1000
	}
	values[77_777] = -5
	assert.Equal(t, float32(5), AbsMax(values, parallel.WithWorkers(4)))
	assert.Equal(t, float32(5), AbsMax(values, parallel.Config{}))
	assert.Equal(t, float32(0), AbsMax(nil, parallel.WithWorkers(4)))
}

func TestObserver(t *testing.T) {
	o := NewObserver()
	o.Observe("a", &tensor.Tensor{Shape: tensor.Shape{3}, Data: []float32{-1, 0, 2}})
	o.Observe("a", &tensor.Tensor{Shape: tensor.Shape{2}, Data: []float32{-3, 1}})
	o.Observe("b", &tensor.Tensor{Shape: tensor.Shape{1}, Data: []float32{0.5}})
	o.Observe("c", nil)

	s, ok := o.Stats("a")
	require.True(t, ok)
	assert.Equal(t, Stats{Min: -3, Max: 2, AbsMax: 3, Count: 2}, s)
	assert.Equal(t, []string{"a", "b"}, o.Names())
	assert.Equal(t, 2, o.Len())
	_, ok = o.Stats("c")
	assert.False(t, ok)
}

func TestOptionsValidate(t *testing.T) {
	ok := DefaultOptions()
	require.NoError(t, ok.Validate())

	tests := []struct {
		name   string
		mutate func(*Options)
		want   error
	}{
		{"target", func(o *Options) { o.Target = "esp8266" }, ErrInvalidOptions},
		{"bits", func(o *Options) { o.NumOfBits = 4 }, ErrInvalidOptions},
		{"fp16 bits", func(o *Options) { o.NumOfBits = 8 }, ErrInvalidOptions},
		{"precision", func(o *Options) { o.Precision = "bf16" }, ErrInvalidOptions},
		{"device", func(o *Options) { o.Device = "cuda" }, ErrInvalidOptions},
		{"steps", func(o *Options) { o.CalibSteps = -1 }, ErrInvalidOptions},
		{"shape", func(o *Options) { o.InputShape = []int64{1, 0, 640, 640} }, ErrInvalidOptions},
		{"int without executor", func(o *Options) { o.Precision = PrecisionInt; o.NumOfBits = 8 }, ErrNoExecutor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := DefaultOptions()
			tt.mutate(&o)
			assert.ErrorIs(t, o.Validate(), tt.want)
		})
	}
}

func TestQuantizeFP16WithoutExecutor(t *testing.T) {
	model := tinyModel()
	before := onnx.Marshal(model)

	m, err := Quantize(context.Background(), model, nil, tinyOptions())
	require.NoError(t, err)
	assert.Equal(t, before, onnx.Marshal(model), "input model must not change")

	assert.Equal(t, "tiny", m.Name)
	assert.Equal(t, int64(13), m.Opset)
	assert.Equal(t, TargetESP32S3, m.Target)
	assert.Equal(t, string(espdl.Float16), m.Precision)
	assert.Empty(t, m.TestInputs)

	w := m.Tensor("w")
	require.NotNil(t, w)
	assert.Equal(t, espdl.Float16, w.DType)
	assert.Empty(t, w.Exponents)
	values, err := w.Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, -0.25, 1, 0.75}, values)
	assert.NotContains(t, m.Metadata, "fp16_overflow")

	shape := m.Tensor("shape")
	require.NotNil(t, shape)
	assert.Equal(t, espdl.Int64, shape.DType)
	ints, err := shape.Int64s()
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 8}, ints)

	require.Len(t, m.Inputs, 1)
	assert.Equal(t, espdl.ValueInfo{Name: "x", DType: espdl.Float16, Shape: []int64{1, 2, 2, 2}}, m.Inputs[0])
	require.Len(t, m.Outputs, 1)
	assert.Equal(t, []int64{1, 8}, m.Outputs[0].Shape)
	vi, ok := m.ValueInfo("c")
	require.True(t, ok)
	assert.Equal(t, espdl.Float16, vi.DType)

	require.Len(t, m.Nodes, 3)
	assert.Equal(t, "Conv", m.Nodes[0].OpType)
	assert.Equal(t, []espdl.Attribute{{Name: "kernel_shape", Type: "ints", Ints: []int64{1, 1}}}, m.Nodes[0].Attributes)

	_, err = espdl.Marshal(m)
	require.NoError(t, err)
}

func TestQuantizeFP16ReportsOverflow(t *testing.T) {
	model := tinyModel()
	model.Graph.Initializers[0] = onnx.NewFloat32Tensor("w", []int64{2, 2, 1, 1}, []float32{1e6, -7e4, 1, 65504})

	m, err := Quantize(context.Background(), model, nil, tinyOptions())
	require.NoError(t, err)

	values, err := m.Tensor("w").Float32s()
	require.NoError(t, err)
	assert.True(t, math.IsInf(float64(values[0]), 1))
	assert.True(t, math.IsInf(float64(values[1]), -1))
	assert.Equal(t, []float32{1, 65504}, values[2:], "the largest float16 is kept")
	assert.Equal(t, "2", m.Metadata["fp16_overflow"])
}

func TestCalibrate(t *testing.T) {
	exec := &fakeExecutor{shapes: map[string]tensor.Shape{"out": {1, 8}}}
	opts := tinyOptions()
	opts.Executor = exec

	obs, err := Calibrate(context.Background(), tinyModel(), tinyLoader(t), opts)
	require.NoError(t, err)
	assert.Equal(t, 8, exec.calls)
	assert.Contains(t, obs.Names(), "x")
	assert.Contains(t, obs.Names(), "out")

	in, ok := obs.Stats("x")
	require.True(t, ok)
	assert.Equal(t, 8, in.Count)
	out, ok := obs.Stats("out")
	require.True(t, ok)
	assert.InDelta(t, 2*in.AbsMax, out.AbsMax, 1e-5)

	opts.Executor = nil
	_, err = Calibrate(context.Background(), tinyModel(), tinyLoader(t), opts)
	assert.ErrorIs(t, err, ErrNoExecutor)
}

func TestQuantizeFP16WithCalibration(t *testing.T) {
	exec := &fakeExecutor{shapes: map[string]tensor.Shape{"out": {1, 8}}}
	opts := tinyOptions()
	opts.Executor = exec

	m, err := Quantize(context.Background(), tinyModel(), tinyLoader(t), opts)
	require.NoError(t, err)
	assert.Equal(t, 8, exec.calls, "two steps of four samples")
	assert.Equal(t, "2", m.Metadata["calib_steps"])
	assert.Equal(t, "8", m.Metadata["calib_samples"])

	require.Len(t, m.TestInputs, 1)
	require.Len(t, m.TestOutputs, 1)
	assert.Equal(t, []int64{1, 2, 2, 2}, m.TestInputs[0].Shape)
	assert.Equal(t, []int64{1, 8}, m.TestOutputs[0].Shape)
	in, err := m.TestInputs[0].Float32s()
	require.NoError(t, err)
	out, err := m.TestOutputs[0].Float32s()
	require.NoError(t, err)
	for i := range in {
		assert.InDelta(t, 2*in[i], out[i], 0.01)
	}
}

func TestQuantizeInt8(t *testing.T) {
	exec := &fakeExecutor{shapes: map[string]tensor.Shape{"out": {1, 8}}}
	opts := tinyOptions()
	opts.Precision = PrecisionInt
	opts.NumOfBits = 8
	opts.Executor = exec
	opts.Workers = 2

	m, err := Quantize(context.Background(), tinyModel(), tinyLoader(t), opts)
	require.NoError(t, err)
	assert.Equal(t, string(espdl.Int8), m.Precision)

	w := m.Tensor("w")
	assert.Equal(t, espdl.Int8, w.DType)
	assert.Equal(t, []int{-6}, w.Exponents)
	q, err := w.Int64s()
	require.NoError(t, err)
	assert.Equal(t, []int64{32, -16, 64, 48}, q)

	require.Len(t, m.Inputs, 1)
	require.Len(t, m.Inputs[0].Exponents, 1)
	inExp := m.Inputs[0].Exponents[0]

	bias := m.Tensor("b")
	assert.Equal(t, espdl.Int32, bias.DType)
	assert.Equal(t, []int{inExp - 6}, bias.Exponents)
	bv, err := bias.Float32s()
	require.NoError(t, err)
	step := math.Ldexp(1, inExp-6)
	assert.InDelta(t, 0.1, bv[0], step)
	assert.InDelta(t, -0.2, bv[1], step)

	assert.Empty(t, m.Tensor("shape").Exponents)

	c, ok := m.ValueInfo("c")
	require.True(t, ok)
	assert.Equal(t, espdl.Int8, c.DType)
	require.Len(t, c.Exponents, 1)
	assert.Equal(t, inExp+1, c.Exponents[0], "activations are twice the input range")

	require.Len(t, m.TestInputs, 1)
	assert.Equal(t, espdl.Int8, m.TestInputs[0].DType)
	assert.Equal(t, []int{inExp}, m.TestInputs[0].Exponents)
}

func TestQuantizeInt16BiasStorage(t *testing.T) {
	opts := tinyOptions()
	opts.Precision = PrecisionInt
	opts.NumOfBits = 16
	opts.Executor = &fakeExecutor{shapes: map[string]tensor.Shape{"out": {1, 8}}}
	opts.SkipTestData = true

	m, err := Quantize(context.Background(), tinyModel(), tinyLoader(t), opts)
	require.NoError(t, err)
	assert.Equal(t, espdl.Int16, m.Tensor("w").DType)
	assert.Equal(t, espdl.Int64, m.Tensor("b").DType)
	assert.Empty(t, m.TestInputs)
}

func TestQuantizeErrors(t *testing.T) {
	ctx := context.Background()

	opts := tinyOptions()
	opts.Precision = PrecisionInt
	opts.NumOfBits = 8
	_, err := Quantize(ctx, tinyModel(), tinyLoader(t), opts)
	assert.ErrorIs(t, err, ErrNoExecutor)

	opts.Executor = &fakeExecutor{}
	_, err = Quantize(ctx, tinyModel(), nil, opts)
	assert.ErrorIs(t, err, ErrNoExecutor)

	boom := errors.New("boom")
	opts.Executor = &fakeExecutor{err: boom}
	_, err = Quantize(ctx, tinyModel(), tinyLoader(t), opts)
	assert.ErrorIs(t, err, boom)

	opts = tinyOptions()
	opts.InputShape = []int64{1, 3, 2, 2}
	opts.Executor = &fakeExecutor{}
	_, err = Quantize(ctx, tinyModel(), tinyLoader(t), opts)
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)

	_, err = Quantize(ctx, &onnx.ModelProto{}, nil, tinyOptions())
	assert.Error(t, err)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	opts = tinyOptions()
	opts.Executor = &fakeExecutor{}
	_, err = Quantize(canceled, tinyModel(), tinyLoader(t), opts)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQuantizeONNX(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "tiny.onnx")
	dst := filepath.Join(dir, "tiny.espdl")
	require.NoError(t, onnx.SaveFile(tinyModel(), src))

	opts := tinyOptions()
	opts.Executor = &fakeExecutor{shapes: map[string]tensor.Shape{"out": {1, 8}}}
	m, err := QuantizeONNX(context.Background(), src, dst, tinyLoader(t), opts)
	require.NoError(t, err)
	assert.Equal(t, "tiny.onnx", m.Metadata["source"])

	read, err := espdl.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, m.Nodes, read.Nodes)
	assert.Len(t, read.TestOutputs, 1)

	_, err = QuantizeONNX(context.Background(), filepath.Join(dir, "missing.onnx"), dst, nil, tinyOptions())
	assert.Error(t, err)
}

func TestSplitBatch(t *testing.T) {
	batch := tensor.Zeros(tensor.Shape{4, 3, 2, 2})
	parts, err := splitBatch(batch, []int64{1, 3, 2, 2})
	require.NoError(t, err)
	require.Len(t, parts, 4)
	assert.Equal(t, tensor.Shape{1, 3, 2, 2}, parts[3].Shape)

	parts, err = splitBatch(batch, []int64{4, 3, 2, 2})
	require.NoError(t, err)
	assert.Len(t, parts, 1)

	_, err = splitBatch(batch, []int64{1, 3, 4, 4})
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
}
