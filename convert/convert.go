// Package convert turns ONNX models into ESP-DL models for Espressif chips.
//
// A conversion runs these steps:
//
//   - Load the ONNX model from a path, a gs:// object or an http(s) URL
//   - Simplify it (constant folding, operator fusion, dead node removal)
//     with the input shape fixed, and check the result
//   - Save the simplified model (over the input by default)
//   - Build random calibration data and run it through onnxruntime
//   - Quantize weights to FP16 or power-of-two integers and write the
//     ESP-DL file
//
// # Quick Start
//
//	cfg := convert.DefaultConfig()
//	cfg.Input = "yolo11n.onnx"
//	res, err := convert.Run(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Print(res)
//
// Calibration needs the onnxruntime shared library, set through
// Config.OnnxRuntimeLib or $ONNXRUNTIME_LIB. Without it FP16 conversion
// still succeeds; integer precision fails with [ErrNoExecutor].
//
// # Configuration
//
// [LoadConfig] reads a YAML file over the defaults:
//
//	input: models/yolo11n.onnx
//	input_shape: [1, 3, 320, 320]
//	target: esp32p4
//	calibration:
//	  samples: 16
package convert

import (
	"context"

	"github.com/born-ml/espdl/internal/config"
	internalconvert "github.com/born-ml/espdl/internal/convert"
	"github.com/born-ml/espdl/internal/quant"
)

// Config describes one conversion.
type Config = config.Config

// Result describes a finished conversion. Its String method renders the
// summary printed by the CLI.
type Result = internalconvert.Result

// ErrInvalidConfig wraps every configuration validation failure.
var ErrInvalidConfig = config.ErrInvalid

// ErrNoExecutor is returned when integer quantization has no onnxruntime
// to calibrate with.
var ErrNoExecutor = quant.ErrNoExecutor

// DefaultConfig returns the reference conversion.
//
// Default configuration:
//   - Input: yolo11n.onnx, shape 1x3x640x640
//   - Target: esp32s3, 16 bits, fp16 weights
//   - Calibration: 8 random samples, batches of 4, 2 steps
func DefaultConfig() Config {
	return config.Default()
}

// LoadConfig overlays the YAML file at path on [DefaultConfig].
// Unknown keys are errors.
func LoadConfig(path string) (Config, error) {
	return config.Load(path)
}

// Run converts cfg.Input to ESP-DL and writes the result to
// cfg.OutputPath().
//
// Example:
//
//	cfg := convert.DefaultConfig()
//	cfg.Input = "gs://models/yolo11n.onnx"
//	cfg.Output = "gs://models/yolo11n.espdl"
//	res, err := convert.Run(ctx, cfg)
func Run(ctx context.Context, cfg Config) (*Result, error) {
	return internalconvert.Run(ctx, cfg)
}

// Inspect describes the ONNX or ESP-DL model at location.
//
// Example:
//
//	summary, err := convert.Inspect(ctx, "yolo11n.espdl")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Print(summary)
func Inspect(ctx context.Context, location string) (string, error) {
	return internalconvert.Inspect(ctx, location)
}
