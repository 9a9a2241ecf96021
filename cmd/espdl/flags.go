package main

import (
	"github.com/spf13/pflag"

	"github.com/born-ml/espdl/internal/config"
)

// configFlags overlays command line flags on a config file. Only flags the
// user set win over the file.
type configFlags struct {
	path string

	output           string
	simplifiedOutput string
	imgsz            int64
	target           string
	bits             int
	precision        string
	device           string

	samples   int
	batchSize int
	steps     int
	seed      uint64

	skipSimplify  bool
	skipFold      bool
	skipFuse      bool
	maxIterations int
	noCheck       bool

	ortLib       string
	workers      int
	skipTestData bool
}

func (f *configFlags) register(fs *pflag.FlagSet) {
	def := config.Default()

	fs.StringVarP(&f.path, "config", "c", "", "YAML config file; flags override its values")
	fs.StringVarP(&f.output, "output", "o", "", "ESP-DL output location (default: input with .espdl extension)")
	fs.StringVar(&f.simplifiedOutput, "simplified-output", "", `Simplified ONNX location (default: overwrite input, "-" to skip)`)
	fs.Int64Var(&f.imgsz, "imgsz", def.InputShape[2], "Square input size; the input shape becomes 1x3xNxN")
	fs.StringVar(&f.target, "target", def.Target, "Target chip: esp32s3, esp32p4 or c")
	fs.IntVar(&f.bits, "bits", def.NumOfBits, "Quantization bit width: 8 or 16")
	fs.StringVar(&f.precision, "precision", def.Precision, "Weight precision: fp16 or int")
	fs.StringVar(&f.device, "device", def.Device, "Calibration device")

	fs.IntVar(&f.samples, "samples", def.Calibration.Samples, "Synthetic calibration samples")
	fs.IntVar(&f.batchSize, "batch-size", def.Calibration.BatchSize, "Calibration batch size")
	fs.IntVar(&f.steps, "calib-steps", def.Calibration.Steps, "Calibration steps")
	fs.Uint64Var(&f.seed, "seed", def.Calibration.Seed, "Calibration data seed")

	fs.BoolVar(&f.skipSimplify, "skip-simplify", false, "Only check the model, do not simplify it")
	fs.BoolVar(&f.skipFold, "skip-constant-folding", false, "Do not fold constant subgraphs")
	fs.BoolVar(&f.skipFuse, "skip-fuse", false, "Do not fuse operators")
	fs.IntVar(&f.maxIterations, "max-iterations", def.Simplify.MaxIterations, "Simplifier fixed-point iteration limit")
	fs.BoolVar(&f.noCheck, "no-numeric-check", false, "Skip comparing original and simplified outputs")

	fs.StringVar(&f.ortLib, "ort-lib", "", "onnxruntime shared library (default: $ONNXRUNTIME_LIB)")
	fs.IntVar(&f.workers, "workers", 0, "Worker count (0 = number of CPUs)")
	fs.BoolVar(&f.skipTestData, "skip-test-data", false, "Do not embed the reference inference in the output")
}

// config builds the effective configuration. A non-empty input replaces
// the configured one.
func (f *configFlags) config(fs *pflag.FlagSet, input string) (config.Config, error) {
	cfg := config.Default()
	if f.path != "" {
		var err error
		if cfg, err = config.Load(f.path); err != nil {
			return cfg, err
		}
	}
	if input != "" {
		cfg.Input = input
	}

	set := fs.Changed
	if set("output") {
		cfg.Output = f.output
	}
	if set("simplified-output") {
		cfg.SimplifiedOutput = f.simplifiedOutput
	}
	if set("imgsz") {
		cfg.InputShape = []int64{1, 3, f.imgsz, f.imgsz}
	}
	if set("target") {
		cfg.Target = f.target
	}
	if set("bits") {
		cfg.NumOfBits = f.bits
	}
	if set("precision") {
		cfg.Precision = f.precision
	}
	if set("device") {
		cfg.Device = f.device
	}
	if set("samples") {
		cfg.Calibration.Samples = f.samples
	}
	if set("batch-size") {
		cfg.Calibration.BatchSize = f.batchSize
	}
	if set("calib-steps") {
		cfg.Calibration.Steps = f.steps
	}
	if set("seed") {
		cfg.Calibration.Seed = f.seed
	}
	if set("skip-simplify") {
		cfg.Simplify.Skip = f.skipSimplify
	}
	if set("skip-constant-folding") {
		cfg.Simplify.SkipConstantFolding = f.skipFold
	}
	if set("skip-fuse") {
		cfg.Simplify.SkipFuse = f.skipFuse
	}
	if set("max-iterations") {
		cfg.Simplify.MaxIterations = f.maxIterations
	}
	if set("no-numeric-check") {
		cfg.Simplify.NumericCheck = !f.noCheck
	}
	if set("ort-lib") {
		cfg.OnnxRuntimeLib = f.ortLib
	}
	if set("workers") {
		cfg.Workers = f.workers
	}
	if set("skip-test-data") {
		cfg.SkipTestData = f.skipTestData
	}
	return cfg, cfg.Validate()
}
