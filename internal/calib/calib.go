// Package calib provides calibration datasets and batch loading for
// post-training quantization.
package calib

import (
	"context"
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/born-ml/espdl/internal/tensor"
)

// Defaults of the synthetic calibration set.
const (
	DefaultSamples   = 8
	DefaultBatchSize = 4
	DefaultSteps     = 2
)

// ErrEmptyDataset is returned when a loader has nothing to yield.
var ErrEmptyDataset = errors.New("calibration dataset is empty")

// Dataset is an indexed collection of same-shaped samples.
type Dataset interface {
	Len() int
	Get(i int) (*tensor.Tensor, error)
}

// RandomDataset holds samples drawn from the standard normal distribution.
type RandomDataset struct {
	shape   tensor.Shape
	samples []*tensor.Tensor
}

// NewRandomDataset draws n samples of the given per-sample shape.
// The same seed always yields the same data.
func NewRandomDataset(n int, shape tensor.Shape, seed uint64) (*RandomDataset, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: %d samples requested", ErrEmptyDataset, n)
	}
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("sample shape %v: %w", shape, err)
	}
	rng := tensor.NewRand(seed)
	ds := &RandomDataset{shape: shape.Clone(), samples: make([]*tensor.Tensor, n)}
	for i := range ds.samples {
		ds.samples[i] = tensor.Randn(shape, rng)
	}
	return ds, nil
}

// Len returns the sample count.
func (d *RandomDataset) Len() int { return len(d.samples) }

// Get returns sample i.
func (d *RandomDataset) Get(i int) (*tensor.Tensor, error) {
	if i < 0 || i >= len(d.samples) {
		return nil, fmt.Errorf("sample %d out of range [0, %d)", i, len(d.samples))
	}
	return d.samples[i], nil
}

// Shape returns the per-sample shape.
func (d *RandomDataset) Shape() tensor.Shape { return d.shape.Clone() }

// Batch is one loader step: samples stacked along a new leading dimension.
type Batch struct {
	Index  int
	Tensor *tensor.Tensor
}

// CollateFunc turns a batch into the model input.
type CollateFunc func(Batch) (*tensor.Tensor, error)

// DefaultCollate feeds the stacked batch tensor unchanged.
func DefaultCollate(b Batch) (*tensor.Tensor, error) {
	if b.Tensor == nil {
		return nil, errors.New("collate: empty batch")
	}
	return b.Tensor, nil
}

// Loader yields batches from a dataset in order (or shuffled with Seed).
// The last batch may be short.
type Loader struct {
	Dataset   Dataset
	BatchSize int
	Shuffle   bool
	Seed      uint64
}

// NewLoader returns an unshuffled loader.
func NewLoader(ds Dataset, batchSize int) *Loader {
	return &Loader{Dataset: ds, BatchSize: batchSize}
}

// Len returns the number of batches.
func (l *Loader) Len() int {
	if l.Dataset == nil || l.BatchSize <= 0 {
		return 0
	}
	return (l.Dataset.Len() + l.BatchSize - 1) / l.BatchSize
}

func (l *Loader) order() []int {
	idx := make([]int, l.Dataset.Len())
	for i := range idx {
		idx[i] = i
	}
	if l.Shuffle {
		rng := tensor.NewRand(l.Seed)
		rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
	}
	return idx
}

// Each calls fn for every batch until fn fails or ctx is done.
func (l *Loader) Each(ctx context.Context, fn func(Batch) error) error {
	if l.BatchSize <= 0 {
		return fmt.Errorf("invalid batch size %d", l.BatchSize)
	}
	if l.Len() == 0 {
		return ErrEmptyDataset
	}
	idx := l.order()
	for b := 0; b*l.BatchSize < len(idx); b++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min((b+1)*l.BatchSize, len(idx))
		items := make([]*tensor.Tensor, 0, end-b*l.BatchSize)
		for _, i := range idx[b*l.BatchSize : end] {
			t, err := l.Dataset.Get(i)
			if err != nil {
				return err
			}
			items = append(items, t)
		}
		stacked, err := tensor.Stack(items)
		if err != nil {
			return fmt.Errorf("batch %d: %w", b, err)
		}
		if err := fn(Batch{Index: b, Tensor: stacked}); err != nil {
			return err
		}
	}
	return nil
}

// errStop ends iteration early without reporting an error.
var errStop = errors.New("stop")

// Steps runs fn on the collated input of at most steps batches and returns
// the number of steps run. steps <= 0 means every batch.
func Steps(ctx context.Context, l *Loader, steps int, collate CollateFunc, fn func(step int, input *tensor.Tensor) error) (int, error) {
	if collate == nil {
		collate = DefaultCollate
	}
	log := klog.FromContext(ctx).WithName("calib")
	done := 0
	err := l.Each(ctx, func(b Batch) error {
		input, err := collate(b)
		if err != nil {
			return fmt.Errorf("collate batch %d: %w", b.Index, err)
		}
		log.V(2).Info("Calibration step", "step", done, "shape", input.Shape.String())
		if err := fn(done, input); err != nil {
			return fmt.Errorf("calibration step %d: %w", done, err)
		}
		done++
		if steps > 0 && done >= steps {
			// Stop before Each gathers the next batch.
			return errStop
		}
		return nil
	})
	if errors.Is(err, errStop) {
		err = nil
	}
	return done, err
}
