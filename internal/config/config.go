// Package config holds the converter settings and loads them from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/born-ml/espdl/internal/blobs"
	"github.com/born-ml/espdl/internal/calib"
	"github.com/born-ml/espdl/internal/quant"
	"github.com/born-ml/espdl/internal/simplify"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the full converter configuration.
type Config struct {
	// Input is the ONNX model location (path, gs:// or http(s) URL).
	Input string `json:"input" yaml:"input"`
	// Output is the ESP-DL destination. Empty derives it from Input.
	Output string `json:"output" yaml:"output"`
	// SimplifiedOutput is where the simplified ONNX model goes. Empty
	// overwrites Input; "-" skips writing it.
	SimplifiedOutput string `json:"simplified_output" yaml:"simplified_output"`

	InputShape []int64 `json:"input_shape" yaml:"input_shape"`
	Target     string  `json:"target" yaml:"target"`
	NumOfBits  int     `json:"num_of_bits" yaml:"num_of_bits"`
	Precision  string  `json:"precision" yaml:"precision"`
	Device     string  `json:"device" yaml:"device"`

	Calibration Calibration `json:"calibration" yaml:"calibration"`
	Simplify    Simplify    `json:"simplify" yaml:"simplify"`

	// OnnxRuntimeLib is the onnxruntime shared library. Empty consults
	// $ONNXRUNTIME_LIB. Without a library no calibration runs.
	OnnxRuntimeLib string `json:"onnxruntime_lib" yaml:"onnxruntime_lib"`
	// Workers bounds weight quantization concurrency; 0 means CPU count.
	Workers int `json:"workers" yaml:"workers"`
	// SkipTestData leaves the reference inference out of the ESP-DL file.
	SkipTestData bool `json:"skip_test_data" yaml:"skip_test_data"`
}

// Calibration controls the synthetic calibration set.
type Calibration struct {
	Samples   int    `json:"samples" yaml:"samples"`
	BatchSize int    `json:"batch_size" yaml:"batch_size"`
	Steps     int    `json:"steps" yaml:"steps"`
	Seed      uint64 `json:"seed" yaml:"seed"`
}

// Simplify controls graph simplification.
type Simplify struct {
	Skip                bool `json:"skip" yaml:"skip"`
	SkipConstantFolding bool `json:"skip_constant_folding" yaml:"skip_constant_folding"`
	SkipFuse            bool `json:"skip_fuse" yaml:"skip_fuse"`
	MaxIterations       int  `json:"max_iterations" yaml:"max_iterations"`
	// NumericCheck compares original and simplified outputs with
	// onnxruntime when a library is available.
	NumericCheck bool `json:"numeric_check" yaml:"numeric_check"`
}

// Default returns the reference conversion: yolo11n.onnx at 640x640 to
// FP16 for esp32s3 with 8 samples, batches of 4 and 2 calibration steps.
func Default() Config {
	return Config{
		Input:      "yolo11n.onnx",
		InputShape: []int64{1, 3, 640, 640},
		Target:     quant.TargetESP32S3,
		NumOfBits:  16,
		Precision:  quant.PrecisionFP16,
		Device:     quant.DeviceCPU,
		Calibration: Calibration{
			Samples:   calib.DefaultSamples,
			BatchSize: calib.DefaultBatchSize,
			Steps:     calib.DefaultSteps,
		},
		Simplify: Simplify{
			MaxIterations: simplify.DefaultMaxIterations,
			NumericCheck:  true,
		},
	}
}

// Load overlays the YAML file at path on Default. Unknown keys are errors.
func Load(path string) (Config, error) {
	cfg := Default()
	//nolint:gosec // G304: path comes from the user.
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := cfg.UnmarshalYAMLBytes(data); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// UnmarshalYAMLBytes overlays YAML data on c.
func (c *Config) UnmarshalYAMLBytes(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		if errors.Is(err, io.EOF) { // empty document
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}
	return nil
}

// Marshal renders c as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// OutputPath returns Output, or Input with its extension replaced by .espdl.
func (c *Config) OutputPath() string {
	if c.Output != "" {
		return c.Output
	}
	base := strings.TrimSuffix(c.Input, ".onnx")
	return base + ".espdl"
}

// SimplifiedPath returns where the simplified model is written and whether
// it is written at all. A read-only input is not overwritten.
func (c *Config) SimplifiedPath() (string, bool) {
	switch c.SimplifiedOutput {
	case "-":
		return "", false
	case "":
		if loc, err := blobs.Parse(c.Input); err != nil || loc.ReadOnly() {
			return "", false
		}
		return c.Input, true
	default:
		return c.SimplifiedOutput, true
	}
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Input == "" {
		add("input is required")
	}
	if len(c.InputShape) != 4 {
		add("input_shape must be rank 4 (NCHW), got %v", c.InputShape)
	} else {
		if c.InputShape[0] != 1 {
			add("input_shape batch must be 1, got %d", c.InputShape[0])
		}
		for _, d := range c.InputShape {
			if d <= 0 {
				add("input_shape dims must be positive, got %v", c.InputShape)
				break
			}
		}
	}
	if !slices.Contains(quant.Targets(), c.Target) {
		add("target %q is not one of %v", c.Target, quant.Targets())
	}
	if c.NumOfBits != 8 && c.NumOfBits != 16 {
		add("num_of_bits must be 8 or 16, got %d", c.NumOfBits)
	}
	switch c.Precision {
	case quant.PrecisionFP16:
		if c.NumOfBits != 16 {
			add("precision fp16 needs num_of_bits 16, got %d", c.NumOfBits)
		}
	case quant.PrecisionInt:
	default:
		add("precision %q is not fp16 or int", c.Precision)
	}
	if c.Device != quant.DeviceCPU {
		add("device %q is not supported (only cpu)", c.Device)
	}
	if c.Calibration.Samples <= 0 {
		add("calibration.samples must be positive, got %d", c.Calibration.Samples)
	}
	if c.Calibration.BatchSize <= 0 {
		add("calibration.batch_size must be positive, got %d", c.Calibration.BatchSize)
	}
	if c.Calibration.Steps <= 0 {
		add("calibration.steps must be positive, got %d", c.Calibration.Steps)
	}
	if c.Simplify.MaxIterations < 0 {
		add("simplify.max_iterations must not be negative, got %d", c.Simplify.MaxIterations)
	}
	if c.Workers < 0 {
		add("workers must not be negative, got %d", c.Workers)
	}
	if c.Input != "" && c.OutputPath() == c.Input {
		add("output must differ from input")
	}
	if loc, err := blobs.Parse(c.OutputPath()); err == nil && loc.ReadOnly() {
		add("output %q is read-only", c.OutputPath())
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}
