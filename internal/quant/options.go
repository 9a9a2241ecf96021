package quant

import (
	"errors"
	"fmt"
	"slices"

	"github.com/born-ml/espdl/internal/calib"
)

// Targets supported by ESP-DL.
const (
	TargetESP32S3 = "esp32s3"
	TargetESP32P4 = "esp32p4"
	TargetC       = "c"
)

// Precisions.
const (
	PrecisionFP16 = "fp16"
	PrecisionInt  = "int"
)

// DeviceCPU is the only calibration device.
const DeviceCPU = "cpu"

// Options errors.
var (
	ErrInvalidOptions = errors.New("invalid quantization options")
	ErrNoExecutor     = errors.New("integer quantization needs a calibration executor")
	ErrNoStatistics   = errors.New("no calibration statistics for tensor")
)

// Targets lists the accepted Target values.
func Targets() []string { return []string{TargetESP32S3, TargetESP32P4, TargetC} }

// Options controls QuantizeONNX.
type Options struct {
	InputShape []int64 // per-inference input shape, e.g. [1 3 640 640]
	Target     string
	NumOfBits  int
	Precision  string
	CalibSteps int
	Collate    calib.CollateFunc
	Device     string
	Workers    int // weight quantization concurrency; <= 0 means CPU count

	// Executor runs calibration batches. Optional for fp16.
	Executor Executor

	// SkipTestData leaves the reference input/output out of the file.
	SkipTestData bool
	Metadata     map[string]string
}

// DefaultOptions returns the FP16 configuration for esp32s3.
func DefaultOptions() Options {
	return Options{
		InputShape: []int64{1, 3, 640, 640},
		Target:     TargetESP32S3,
		NumOfBits:  16,
		Precision:  PrecisionFP16,
		CalibSteps: calib.DefaultSteps,
		Collate:    calib.DefaultCollate,
		Device:     DeviceCPU,
	}
}

// Validate reports the first invalid field.
func (o *Options) Validate() error {
	if !slices.Contains(Targets(), o.Target) {
		return fmt.Errorf("%w: unknown target %q (want one of %v)", ErrInvalidOptions, o.Target, Targets())
	}
	if o.NumOfBits != 8 && o.NumOfBits != 16 {
		return fmt.Errorf("%w: num_of_bits %d (want 8 or 16)", ErrInvalidOptions, o.NumOfBits)
	}
	switch o.Precision {
	case PrecisionFP16:
		if o.NumOfBits != 16 {
			return fmt.Errorf("%w: fp16 needs 16 bits, got %d", ErrInvalidOptions, o.NumOfBits)
		}
	case PrecisionInt:
	default:
		return fmt.Errorf("%w: unknown precision %q", ErrInvalidOptions, o.Precision)
	}
	if o.Device != "" && o.Device != DeviceCPU {
		return fmt.Errorf("%w: device %q (only %q is supported)", ErrInvalidOptions, o.Device, DeviceCPU)
	}
	if o.CalibSteps < 0 {
		return fmt.Errorf("%w: calib_steps %d", ErrInvalidOptions, o.CalibSteps)
	}
	for _, d := range o.InputShape {
		if d <= 0 {
			return fmt.Errorf("%w: input shape %v", ErrInvalidOptions, o.InputShape)
		}
	}
	if o.Precision == PrecisionInt && o.Executor == nil {
		return ErrNoExecutor
	}
	return nil
}
