// Package convert runs the ONNX to ESP-DL pipeline: load, simplify and
// check, write the simplified model, build calibration data, quantize and
// export.
package convert

import (
	"context"
	"fmt"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/born-ml/espdl/internal/blobs"
	"github.com/born-ml/espdl/internal/calib"
	"github.com/born-ml/espdl/internal/config"
	"github.com/born-ml/espdl/internal/espdl"
	"github.com/born-ml/espdl/internal/onnx"
	"github.com/born-ml/espdl/internal/ortexec"
	"github.com/born-ml/espdl/internal/quant"
	"github.com/born-ml/espdl/internal/simplify"
	"github.com/born-ml/espdl/internal/tensor"
)

// Result describes a finished conversion.
type Result struct {
	Model          *espdl.Model
	Simplify       simplify.Result
	SimplifiedPath string // empty when not written
	Output         string
	OutputBytes    int
	Calibrated     bool
	Duration       time.Duration
}

// String renders the human summary printed after a conversion.
func (r *Result) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Conversion completed in %s\n", r.Duration.Round(time.Millisecond))
	fmt.Fprintf(&b, "  simplify: %s\n", r.Simplify)
	if r.SimplifiedPath != "" {
		fmt.Fprintf(&b, "  simplified model: %s\n", r.SimplifiedPath)
	}
	if r.Calibrated {
		fmt.Fprintf(&b, "  calibration: %s steps\n", r.Model.Metadata["calib_steps"])
	} else {
		b.WriteString("  calibration: skipped (no onnxruntime)\n")
	}
	fmt.Fprintf(&b, "  ESP-DL model saved to %s (%d bytes)\n", r.Output, r.OutputBytes)
	return b.String()
}

// Converter runs the pipeline for one configuration.
type Converter struct {
	Config config.Config
	// Executor runs models for calibration and the numeric check. When nil,
	// Run tries to start onnxruntime and continues without it on failure
	// unless the precision needs calibration.
	Executor quant.Executor
	// Now stamps the output; defaults to time.Now.
	Now func() time.Time
}

// Run converts cfg with onnxruntime if available.
func Run(ctx context.Context, cfg config.Config) (*Result, error) {
	return (&Converter{Config: cfg}).Run(ctx)
}

// Run executes every step.
func (c *Converter) Run(ctx context.Context) (*Result, error) {
	cfg := c.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := klog.FromContext(ctx).WithName("convert")
	started := time.Now()
	res := &Result{Output: cfg.OutputPath()}

	exec, err := c.executor(ctx)
	if err != nil {
		return nil, err
	}

	simplified, sres, err := c.simplify(ctx, exec)
	if err != nil {
		return nil, err
	}
	res.Simplify = sres

	if path, ok := cfg.SimplifiedPath(); ok {
		if err := blobs.Write(ctx, path, onnx.Marshal(simplified)); err != nil {
			return nil, fmt.Errorf("saving simplified model: %w", err)
		}
		log.Info("Saved simplified model", "location", path)
		res.SimplifiedPath = path
	}

	log.Info("Creating minimal calibration data...", "samples", cfg.Calibration.Samples,
		"batchSize", cfg.Calibration.BatchSize, "shape", cfg.InputShape)
	ds, err := calib.NewRandomDataset(cfg.Calibration.Samples, tensor.Shape(cfg.InputShape[1:]), cfg.Calibration.Seed)
	if err != nil {
		return nil, err
	}
	loader := calib.NewLoader(ds, cfg.Calibration.BatchSize)

	log.Info("Converting ONNX to ESP-DL format", "target", cfg.Target, "bits", cfg.NumOfBits, "precision", cfg.Precision)
	opts := quant.Options{
		InputShape:   cfg.InputShape,
		Target:       cfg.Target,
		NumOfBits:    cfg.NumOfBits,
		Precision:    cfg.Precision,
		CalibSteps:   cfg.Calibration.Steps,
		Collate:      calib.DefaultCollate,
		Device:       cfg.Device,
		Workers:      cfg.Workers,
		Executor:     exec,
		SkipTestData: cfg.SkipTestData,
		Metadata:     map[string]string{"source": cfg.Input},
	}
	model, err := quant.Quantize(ctx, simplified, loader, opts)
	if err != nil {
		return nil, fmt.Errorf("quantizing: %w", err)
	}
	model.CreatedAt = c.now()
	res.Model = model
	res.Calibrated = exec != nil

	data, err := espdl.Marshal(model)
	if err != nil {
		return nil, fmt.Errorf("encoding ESP-DL model: %w", err)
	}
	if err := blobs.Write(ctx, res.Output, data); err != nil {
		return nil, fmt.Errorf("saving ESP-DL model: %w", err)
	}
	res.OutputBytes = len(data)
	res.Duration = time.Since(started)

	log.Info("Conversion completed", "nodes", len(model.Nodes), "weights", len(model.Tensors))
	log.Info("ESP-DL model saved to", "location", res.Output, "bytes", len(data))
	return res, nil
}

// Simplify runs only the load, simplify and save steps.
func (c *Converter) Simplify(ctx context.Context) (simplify.Result, string, error) {
	exec, err := c.executor(ctx)
	if err != nil {
		return simplify.Result{}, "", err
	}
	simplified, res, err := c.simplify(ctx, exec)
	if err != nil {
		return res, "", err
	}
	path, ok := c.Config.SimplifiedPath()
	if !ok {
		return res, "", nil
	}
	if err := blobs.Write(ctx, path, onnx.Marshal(simplified)); err != nil {
		return res, "", fmt.Errorf("saving simplified model: %w", err)
	}
	return res, path, nil
}

func (c *Converter) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// executor returns the configured executor or starts onnxruntime. Failure
// is fatal only when calibration is mandatory.
func (c *Converter) executor(ctx context.Context) (quant.Executor, error) {
	if c.Executor != nil {
		return c.Executor, nil
	}
	log := klog.FromContext(ctx).WithName("convert")
	if err := ortexec.Init(c.Config.OnnxRuntimeLib); err != nil {
		if c.Config.Precision == quant.PrecisionInt {
			return nil, fmt.Errorf("%w: %w", quant.ErrNoExecutor, err)
		}
		log.Info("onnxruntime unavailable, continuing without calibration", "err", err.Error())
		return nil, nil
	}
	exec, err := ortexec.New(c.Config.Workers)
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// load reads and parses the input model.
func (c *Converter) load(ctx context.Context) (*onnx.ModelProto, error) {
	log := klog.FromContext(ctx).WithName("convert")
	log.Info("Loading ONNX model from", "location", c.Config.Input)
	data, err := blobs.Read(ctx, c.Config.Input)
	if err != nil {
		return nil, fmt.Errorf("loading model: %w", err)
	}
	model, err := onnx.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", c.Config.Input, err)
	}
	log.V(2).Info("Loaded model", "info", onnx.Info(model).String())
	return model, nil
}

// simplify loads the model and returns its checked, simplified form.
func (c *Converter) simplify(ctx context.Context, exec quant.Executor) (*onnx.ModelProto, simplify.Result, error) {
	cfg := c.Config
	log := klog.FromContext(ctx).WithName("convert")

	model, err := c.load(ctx)
	if err != nil {
		return nil, simplify.Result{}, err
	}

	if cfg.Simplify.Skip {
		if err := simplify.Check(model); err != nil {
			return nil, simplify.Result{}, err
		}
		if _, err := onnx.InferShapes(model); err != nil {
			return nil, simplify.Result{}, err
		}
		n := len(model.Graph.Nodes)
		return model, simplify.Result{NodesBefore: n, NodesAfter: n, Check: true}, nil
	}

	log.Info("Simplifying ONNX model...")
	simplified, res, err := simplify.Simplify(ctx, model, simplify.Options{
		FixedInputShape:     cfg.InputShape,
		SkipConstantFolding: cfg.Simplify.SkipConstantFolding,
		SkipFuse:            cfg.Simplify.SkipFuse,
		MaxIterations:       cfg.Simplify.MaxIterations,
	})
	if err != nil {
		return nil, res, fmt.Errorf("simplifying: %w", err)
	}
	if exec != nil && cfg.Simplify.NumericCheck {
		if err := simplify.CheckNumeric(ctx, exec, model, simplified, cfg.Calibration.Seed); err != nil {
			return nil, res, err
		}
		log.V(2).Info("Numeric check passed")
	}
	return simplified, res, nil
}
