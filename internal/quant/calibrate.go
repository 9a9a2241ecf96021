package quant

import (
	"context"
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/born-ml/espdl/internal/calib"
	"github.com/born-ml/espdl/internal/onnx"
	"github.com/born-ml/espdl/internal/ortexec"
	"github.com/born-ml/espdl/internal/tensor"
)

// Executor runs an encoded model. ortexec.Executor implements it.
type Executor interface {
	Run(ctx context.Context, model []byte, inputs map[string]*tensor.Tensor, outputs []string) (map[string]*tensor.Tensor, error)
}

// reference is one recorded inference used as on-device test data.
type reference struct {
	inputs  map[string]*tensor.Tensor
	outputs map[string]*tensor.Tensor
}

// calibration is the outcome of running the calibration batches.
type calibration struct {
	observer *Observer
	ref      *reference
	steps    int
	samples  int
}

// Calibrate runs up to opts.CalibSteps batches from loader through the
// model and records the range of the input and every float activation.
func Calibrate(ctx context.Context, model *onnx.ModelProto, loader *calib.Loader, opts Options) (*Observer, error) {
	c, err := calibrate(ctx, model, loader, opts)
	if err != nil {
		return nil, err
	}
	return c.observer, nil
}

func calibrate(ctx context.Context, model *onnx.ModelProto, loader *calib.Loader, opts Options) (*calibration, error) {
	if opts.Executor == nil {
		return nil, ErrNoExecutor
	}
	if loader == nil {
		return nil, errors.New("calibration needs a data loader")
	}
	log := klog.FromContext(ctx).WithName("quant")

	inputs := model.Graph.RealInputs()
	if len(inputs) != 1 {
		return nil, fmt.Errorf("calibration supports single-input models, got %d inputs", len(inputs))
	}
	inputName := inputs[0].Name

	exposed, names, err := ortexec.WithAllOutputs(model)
	if err != nil {
		return nil, fmt.Errorf("exposing activations: %w", err)
	}
	encoded := onnx.Marshal(exposed)

	c := &calibration{observer: NewObserver()}
	steps, err := calib.Steps(ctx, loader, opts.CalibSteps, opts.Collate, func(step int, input *tensor.Tensor) error {
		samples, err := splitBatch(input, opts.InputShape)
		if err != nil {
			return err
		}
		for _, sample := range samples {
			feeds := map[string]*tensor.Tensor{inputName: sample}
			outs, err := opts.Executor.Run(ctx, encoded, feeds, names)
			if err != nil {
				return err
			}
			c.observer.Observe(inputName, sample)
			for _, name := range names {
				c.observer.Observe(name, outs[name])
			}
			if c.ref == nil {
				c.ref = &reference{inputs: feeds, outputs: make(map[string]*tensor.Tensor)}
				for i := range model.Graph.Outputs {
					name := model.Graph.Outputs[i].Name
					if out, ok := outs[name]; ok {
						c.ref.outputs[name] = out
					}
				}
			}
			c.samples++
		}
		log.V(2).Info("Calibrated batch", "step", step, "samples", len(samples))
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.steps = steps
	log.Info("Calibration finished", "steps", steps, "samples", c.samples, "tensors", c.observer.Len())
	return c, nil
}

// splitBatch cuts a collated batch into model-sized inputs. A batch whose
// shape already equals inputShape is passed through.
func splitBatch(batch *tensor.Tensor, inputShape []int64) ([]*tensor.Tensor, error) {
	want := tensor.Shape(inputShape)
	if len(inputShape) == 0 || batch.Shape.Equal(want) {
		return []*tensor.Tensor{batch}, nil
	}
	if len(batch.Shape) != len(want) || want[0] != 1 || !batch.Shape[1:].Equal(want[1:]) {
		return nil, fmt.Errorf("%w: batch %v does not match input %v", tensor.ErrShapeMismatch, batch.Shape, want)
	}
	out := make([]*tensor.Tensor, batch.Shape[0])
	for i := range out {
		sample, err := batch.Index(i)
		if err != nil {
			return nil, err
		}
		out[i] = &tensor.Tensor{Shape: want.Clone(), Data: sample.Data}
	}
	return out, nil
}
