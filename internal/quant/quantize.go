package quant

import (
	"context"
	"fmt"
	"maps"
	"path/filepath"
	"strconv"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/born-ml/espdl/internal/calib"
	"github.com/born-ml/espdl/internal/espdl"
	"github.com/born-ml/espdl/internal/onnx"
	"github.com/born-ml/espdl/internal/parallel"
	"github.com/born-ml/espdl/internal/tensor"
)

// QuantizeONNX parses importPath, calibrates on loader, quantizes and
// writes the ESP-DL model to exportPath. An empty exportPath skips writing.
func QuantizeONNX(ctx context.Context, importPath, exportPath string, loader *calib.Loader, opts Options) (*espdl.Model, error) {
	model, err := onnx.ParseFile(importPath)
	if err != nil {
		return nil, err
	}
	if opts.Metadata == nil {
		opts.Metadata = make(map[string]string)
	}
	opts.Metadata["source"] = filepath.Base(importPath)

	m, err := Quantize(ctx, model, loader, opts)
	if err != nil {
		return nil, err
	}
	if exportPath != "" {
		if err := espdl.WriteFile(exportPath, m); err != nil {
			return nil, fmt.Errorf("exporting %s: %w", exportPath, err)
		}
		klog.FromContext(ctx).WithName("quant").Info("Wrote ESP-DL model", "path", exportPath)
	}
	return m, nil
}

// Quantize converts model into an ESP-DL graph. The model is not modified.
func Quantize(ctx context.Context, model *onnx.ModelProto, loader *calib.Loader, opts Options) (*espdl.Model, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if model.Graph == nil {
		return nil, fmt.Errorf("model has no graph")
	}
	log := klog.FromContext(ctx).WithName("quant")

	work, err := model.Clone()
	if err != nil {
		return nil, err
	}
	if _, err := onnx.InferShapes(work); err != nil {
		return nil, fmt.Errorf("shape inference: %w", err)
	}
	log.Info("Quantizing model", "target", opts.Target, "bits", opts.NumOfBits, "precision", opts.Precision,
		"nodes", len(work.Graph.Nodes), "initializers", len(work.Graph.Initializers))

	var cal *calibration
	switch {
	case opts.Executor != nil && loader != nil:
		cal, err = calibrate(ctx, work, loader, opts)
		if err != nil {
			return nil, fmt.Errorf("calibration: %w", err)
		}
	case opts.Precision == PrecisionInt:
		return nil, ErrNoExecutor
	default:
		log.Info("No calibration executor, exporting without activation statistics")
	}

	b := &builder{
		g:    work.Graph,
		opts: opts,
		cfg:  parallel.WithWorkers(opts.Workers),
		log:  log,
	}
	if cal != nil {
		b.obs = cal.observer
	}

	m := &espdl.Model{
		Name:      work.Graph.Name,
		Opset:     work.OpsetVersion(),
		Target:    opts.Target,
		NumOfBits: opts.NumOfBits,
		Precision: string(activationDType(opts.Precision, opts.NumOfBits)),
		Metadata:  maps.Clone(opts.Metadata),
	}
	if m.Metadata == nil {
		m.Metadata = make(map[string]string)
	}
	m.Metadata["precision"] = opts.Precision
	if cal != nil {
		m.Metadata["calib_steps"] = strconv.Itoa(cal.steps)
		m.Metadata["calib_samples"] = strconv.Itoa(cal.samples)
	}

	if m.Tensors, err = b.weights(ctx); err != nil {
		return nil, err
	}
	if m.Inputs, m.Outputs, m.ValueInfos, err = b.valueInfos(); err != nil {
		return nil, err
	}
	if m.Nodes, err = b.nodes(); err != nil {
		return nil, err
	}
	if cal != nil && cal.ref != nil && !opts.SkipTestData {
		if m.TestInputs, m.TestOutputs, err = b.testData(m, cal.ref); err != nil {
			return nil, err
		}
	}

	if b.overflow > 0 {
		m.Metadata["fp16_overflow"] = strconv.Itoa(b.overflow)
	}

	log.Info("Quantized model", "weights", len(m.Tensors), "weight_bytes", m.WeightBytes(),
		"nodes", len(m.Nodes), "test_data", len(m.TestInputs) > 0)
	return m, nil
}

type builder struct {
	g    *onnx.GraphProto
	opts Options
	obs  *Observer
	cfg  parallel.Config
	log  klog.Logger

	overflow int // values saturated to ±Inf by float16 conversion
}

// float16 converts values and reports the ones float16 cannot represent.
func (b *builder) float16(name string, shape []int64, values []float32) *espdl.Tensor {
	t, n := float16Tensor(name, shape, values, b.cfg)
	if n > 0 {
		b.overflow += n
		b.log.Info("Warning: values exceed the float16 range and were stored as infinity",
			"tensor", name, "count", n, "max", float16MaxValue)
	}
	return t
}

func (b *builder) intPrecision() bool { return b.opts.Precision == PrecisionInt }

// activationExponent returns the exponent of an observed tensor.
func (b *builder) activationExponent(name string) (int, error) {
	if b.obs == nil {
		return 0, fmt.Errorf("%w %q", ErrNoStatistics, name)
	}
	s, ok := b.obs.Stats(name)
	if !ok {
		return 0, fmt.Errorf("%w %q", ErrNoStatistics, name)
	}
	exp, err := Exponent(s.AbsMax, b.opts.NumOfBits)
	if err != nil {
		return 0, fmt.Errorf("activation %q: %w", name, err)
	}
	return exp, nil
}

// biasInputs maps bias initializers of Conv/Gemm nodes to the node's
// activation input and weight.
func (b *builder) biasInputs() map[string][2]string {
	inits := b.g.InitializerMap()
	out := make(map[string][2]string)
	for i := range b.g.Nodes {
		n := &b.g.Nodes[i]
		switch n.OpType {
		case "Conv", "ConvTranspose", "Gemm":
		default:
			continue
		}
		bias := n.Input(2)
		if t, ok := inits[bias]; ok && onnx.IsFloat(t.DataType) {
			out[bias] = [2]string{n.Input(0), n.Input(1)}
		}
	}
	return out
}

// weights converts every initializer. Float tensors are quantized
// concurrently; with integer precision biases run in a second phase because
// their exponent depends on the weight exponent.
func (b *builder) weights(ctx context.Context) ([]*espdl.Tensor, error) {
	inits := b.g.Initializers
	out := make([]*espdl.Tensor, len(inits))
	var biases map[string][2]string
	if b.intPrecision() {
		biases = b.biasInputs()
	}

	run := func(include func(name string) bool, convert func(t *onnx.TensorProto) (*espdl.Tensor, error)) error {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(max(b.cfg.NumWorkers, 1))
		for i := range inits {
			if !include(inits[i].Name) {
				continue
			}
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				t, err := convert(&inits[i])
				if err != nil {
					return fmt.Errorf("initializer %q: %w", inits[i].Name, err)
				}
				out[i] = t
				return nil
			})
		}
		return g.Wait()
	}

	isBias := func(name string) bool { _, ok := biases[name]; return ok }
	if err := run(func(name string) bool { return !isBias(name) }, b.weight); err != nil {
		return nil, err
	}
	if len(biases) > 0 {
		exps := make(map[string]int, len(inits))
		for _, t := range out {
			if t != nil && len(t.Exponents) == 1 {
				exps[t.Name] = t.Exponents[0]
			}
		}
		if err := run(isBias, func(t *onnx.TensorProto) (*espdl.Tensor, error) {
			return b.bias(t, biases[t.Name], exps)
		}); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// weight converts one non-bias initializer.
func (b *builder) weight(t *onnx.TensorProto) (*espdl.Tensor, error) {
	if !onnx.IsFloat(t.DataType) {
		return passthrough(t)
	}
	values, err := t.Float32s()
	if err != nil {
		return nil, err
	}
	if !b.intPrecision() {
		return b.float16(t.Name, t.Dims, values), nil
	}
	bits := b.opts.NumOfBits
	exp, err := Exponent(AbsMax(values, b.cfg), bits)
	if err != nil {
		return nil, err
	}
	return espdl.NewIntTensor(t.Name, intDType(bits), t.Dims, QuantizeValues(values, exp, bits, b.cfg), exp), nil
}

// bias quantizes a Conv/Gemm bias with exponent input_exp + weight_exp.
func (b *builder) bias(t *onnx.TensorProto, uses [2]string, weightExps map[string]int) (*espdl.Tensor, error) {
	inExp, err := b.activationExponent(uses[0])
	if err != nil {
		return nil, err
	}
	wExp, ok := weightExps[uses[1]]
	if !ok {
		return nil, fmt.Errorf("weight %q has no exponent", uses[1])
	}
	values, err := t.Float32s()
	if err != nil {
		return nil, err
	}
	bits, dtype := biasBits(b.opts.NumOfBits)
	exp := inExp + wExp
	return espdl.NewIntTensor(t.Name, dtype, t.Dims, QuantizeValues(values, exp, bits, b.cfg), exp), nil
}

// passthrough copies a non-float initializer without exponent.
func passthrough(t *onnx.TensorProto) (*espdl.Tensor, error) {
	dtype, err := dtypeOf(t.DataType)
	if err != nil {
		return nil, err
	}
	ints, err := t.Int64s()
	if err != nil {
		return nil, err
	}
	out := espdl.NewIntTensor(t.Name, dtype, t.Dims, ints, 0)
	out.Exponents = nil
	return out, nil
}

// dtypeOf maps non-float ONNX element types.
func dtypeOf(dt int32) (espdl.DType, error) {
	switch dt {
	case onnx.TensorProtoInt64:
		return espdl.Int64, nil
	case onnx.TensorProtoInt32:
		return espdl.Int32, nil
	case onnx.TensorProtoInt16:
		return espdl.Int16, nil
	case onnx.TensorProtoInt8:
		return espdl.Int8, nil
	case onnx.TensorProtoUint8:
		return espdl.Uint8, nil
	case onnx.TensorProtoBool:
		return espdl.Bool, nil
	}
	return "", fmt.Errorf("%w: %s", onnx.ErrUnsupportedType, onnx.DataTypeName(dt))
}

// valueInfo describes an activation in the quantized model.
func (b *builder) valueInfo(vi *onnx.ValueInfoProto) (espdl.ValueInfo, error) {
	out := espdl.ValueInfo{Name: vi.Name}
	if dims, ok := vi.StaticDims(); ok {
		out.Shape = dims
	}
	elem := vi.ElemType()
	if !onnx.IsFloat(elem) {
		dtype, err := dtypeOf(elem)
		if err != nil {
			return out, fmt.Errorf("value %q: %w", vi.Name, err)
		}
		out.DType = dtype
		return out, nil
	}
	out.DType = activationDType(b.opts.Precision, b.opts.NumOfBits)
	if b.intPrecision() {
		exp, err := b.activationExponent(vi.Name)
		if err != nil {
			return out, err
		}
		out.Exponents = []int{exp}
	}
	return out, nil
}

func (b *builder) valueInfos() (inputs, outputs, values []espdl.ValueInfo, err error) {
	for _, in := range b.g.RealInputs() {
		vi, err := b.valueInfo(in)
		if err != nil {
			return nil, nil, nil, err
		}
		inputs = append(inputs, vi)
	}
	for i := range b.g.Outputs {
		vi, err := b.valueInfo(&b.g.Outputs[i])
		if err != nil {
			return nil, nil, nil, err
		}
		outputs = append(outputs, vi)
	}
	for i := range b.g.ValueInfo {
		if b.g.IsGraphOutput(b.g.ValueInfo[i].Name) {
			continue
		}
		vi, err := b.valueInfo(&b.g.ValueInfo[i])
		if err != nil {
			return nil, nil, nil, err
		}
		values = append(values, vi)
	}
	return inputs, outputs, values, nil
}

func (b *builder) nodes() ([]espdl.Node, error) {
	out := make([]espdl.Node, len(b.g.Nodes))
	for i := range b.g.Nodes {
		n := &b.g.Nodes[i]
		node := espdl.Node{
			Name:    n.Name,
			OpType:  n.OpType,
			Domain:  n.Domain,
			Inputs:  append([]string{}, n.Inputs...),
			Outputs: append([]string{}, n.Outputs...),
		}
		if node.Name == "" {
			node.Name = fmt.Sprintf("%s_%d", n.OpType, i)
		}
		for j := range n.Attributes {
			a, err := convertAttribute(&n.Attributes[j])
			if err != nil {
				return nil, fmt.Errorf("node %q: %w", node.Name, err)
			}
			node.Attributes = append(node.Attributes, a)
		}
		out[i] = node
	}
	return out, nil
}

func convertAttribute(a *onnx.AttributeProto) (espdl.Attribute, error) {
	out := espdl.Attribute{Name: a.Name}
	switch a.Type {
	case onnx.AttributeProtoInt:
		out.Type, out.I = "int", a.I
	case onnx.AttributeProtoInts:
		out.Type, out.Ints = "ints", a.Ints
	case onnx.AttributeProtoFloat:
		out.Type, out.F = "float", a.F
	case onnx.AttributeProtoFloats:
		out.Type, out.Floats = "floats", a.Floats
	case onnx.AttributeProtoString:
		out.Type, out.S = "string", string(a.S)
	case onnx.AttributeProtoStrings:
		out.Type = "strings"
		for _, s := range a.Strings {
			out.Strings = append(out.Strings, string(s))
		}
	case onnx.AttributeProtoTensor:
		if a.T == nil {
			return out, fmt.Errorf("attribute %q: missing tensor", a.Name)
		}
		var t *espdl.Tensor
		var err error
		if onnx.IsFloat(a.T.DataType) {
			var values []float32
			if values, err = a.T.Float32s(); err == nil {
				t = espdl.NewFloat32Tensor(a.T.Name, a.T.Dims, values)
			}
		} else {
			t, err = passthrough(a.T)
		}
		if err != nil {
			return out, fmt.Errorf("attribute %q: %w", a.Name, err)
		}
		out.Type, out.T = "tensor", t
	default:
		return out, fmt.Errorf("attribute %q: unsupported attribute type %d", a.Name, a.Type)
	}
	return out, nil
}

// testData encodes the recorded reference inference in model precision.
func (b *builder) testData(m *espdl.Model, ref *reference) (inputs, outputs []*espdl.Tensor, err error) {
	encode := func(vi espdl.ValueInfo, t *tensor.Tensor) *espdl.Tensor {
		shape := []int64(t.Shape)
		if vi.DType == espdl.Float16 || len(vi.Exponents) == 0 {
			return b.float16(vi.Name, shape, t.Data)
		}
		exp := vi.Exponents[0]
		return espdl.NewIntTensor(vi.Name, vi.DType, shape, QuantizeValues(t.Data, exp, b.opts.NumOfBits, b.cfg), exp)
	}
	for _, vi := range m.Inputs {
		t, ok := ref.inputs[vi.Name]
		if !ok {
			return nil, nil, fmt.Errorf("reference input %q missing", vi.Name)
		}
		inputs = append(inputs, encode(vi, t))
	}
	for _, vi := range m.Outputs {
		t, ok := ref.outputs[vi.Name]
		if !ok {
			// Non-float outputs are not returned by the executor.
			continue
		}
		outputs = append(outputs, encode(vi, t))
	}
	return inputs, outputs, nil
}
