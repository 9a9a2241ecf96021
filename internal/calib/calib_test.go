package calib

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/espdl/internal/tensor"
)

func TestRandomDataset(t *testing.T) {
	ds, err := NewRandomDataset(DefaultSamples, tensor.Shape{3, 8, 8}, 42)
	require.NoError(t, err)
	assert.Equal(t, 8, ds.Len())
	assert.Equal(t, tensor.Shape{3, 8, 8}, ds.Shape())

	first, err := ds.Get(0)
	require.NoError(t, err)
	second, err := ds.Get(1)
	require.NoError(t, err)
	assert.NotEqual(t, first.Data, second.Data)

	again, err := NewRandomDataset(DefaultSamples, tensor.Shape{3, 8, 8}, 42)
	require.NoError(t, err)
	s, _ := again.Get(0)
	assert.Equal(t, first.Data, s.Data)

	_, err = ds.Get(8)
	assert.Error(t, err)
}

func TestRandomDatasetInvalid(t *testing.T) {
	_, err := NewRandomDataset(0, tensor.Shape{3}, 1)
	assert.ErrorIs(t, err, ErrEmptyDataset)
	_, err = NewRandomDataset(2, tensor.Shape{3, 0}, 1)
	assert.Error(t, err)
}

func TestLoaderBatches(t *testing.T) {
	ds, err := NewRandomDataset(DefaultSamples, tensor.Shape{3, 4, 4}, 1)
	require.NoError(t, err)
	l := NewLoader(ds, DefaultBatchSize)
	assert.Equal(t, 2, l.Len())

	var shapes []tensor.Shape
	require.NoError(t, l.Each(context.Background(), func(b Batch) error {
		shapes = append(shapes, b.Tensor.Shape)
		return nil
	}))
	assert.Equal(t, []tensor.Shape{{4, 3, 4, 4}, {4, 3, 4, 4}}, shapes)

	// Unshuffled order: batch 0 starts with sample 0.
	require.NoError(t, l.Each(context.Background(), func(b Batch) error {
		if b.Index == 0 {
			s0, _ := ds.Get(0)
			assert.Equal(t, s0.Data, b.Tensor.Data[:len(s0.Data)])
		}
		return nil
	}))
}

func TestLoaderShortLastBatch(t *testing.T) {
	ds, err := NewRandomDataset(5, tensor.Shape{2}, 1)
	require.NoError(t, err)
	l := NewLoader(ds, 2)
	assert.Equal(t, 3, l.Len())

	var sizes []int64
	require.NoError(t, l.Each(context.Background(), func(b Batch) error {
		sizes = append(sizes, b.Tensor.Shape[0])
		return nil
	}))
	assert.Equal(t, []int64{2, 2, 1}, sizes)
}

func TestLoaderShuffle(t *testing.T) {
	ds, err := NewRandomDataset(16, tensor.Shape{1}, 1)
	require.NoError(t, err)
	collect := func(l *Loader) []float32 {
		var out []float32
		require.NoError(t, l.Each(context.Background(), func(b Batch) error {
			out = append(out, b.Tensor.Data...)
			return nil
		}))
		return out
	}
	plain := collect(NewLoader(ds, 4))
	shuffled := collect(&Loader{Dataset: ds, BatchSize: 4, Shuffle: true, Seed: 3})
	assert.NotEqual(t, plain, shuffled)
	assert.ElementsMatch(t, plain, shuffled)
}

func TestStepsLimitsBatches(t *testing.T) {
	ds, err := NewRandomDataset(12, tensor.Shape{3, 2, 2}, 1)
	require.NoError(t, err)
	l := NewLoader(ds, 4)

	var seen []int
	n, err := Steps(context.Background(), l, DefaultSteps, nil, func(step int, input *tensor.Tensor) error {
		seen = append(seen, step)
		assert.Equal(t, tensor.Shape{4, 3, 2, 2}, input.Shape)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int{0, 1}, seen)

	n, err = Steps(context.Background(), l, 10, DefaultCollate, func(int, *tensor.Tensor) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 3, n, "min(steps, batches)")
}

// countingDataset records how many samples were fetched.
type countingDataset struct {
	Dataset
	gets int
}

func (c *countingDataset) Get(i int) (*tensor.Tensor, error) {
	c.gets++
	return c.Dataset.Get(i)
}

func TestStepsFetchesOnlyUsedBatches(t *testing.T) {
	ds, err := NewRandomDataset(12, tensor.Shape{3, 2, 2}, 1)
	require.NoError(t, err)
	counting := &countingDataset{Dataset: ds}

	n, err := Steps(context.Background(), NewLoader(counting, 4), 2, nil, func(int, *tensor.Tensor) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 8, counting.gets, "the third batch is never gathered")
}

func TestStepsCustomCollate(t *testing.T) {
	ds, err := NewRandomDataset(4, tensor.Shape{3, 2, 2}, 1)
	require.NoError(t, err)
	first := func(b Batch) (*tensor.Tensor, error) { return b.Tensor.Index(0) }

	_, err = Steps(context.Background(), NewLoader(ds, 2), 1, first, func(_ int, input *tensor.Tensor) error {
		assert.Equal(t, tensor.Shape{3, 2, 2}, input.Shape)
		return nil
	})
	require.NoError(t, err)
}

func TestStepsErrors(t *testing.T) {
	ds, err := NewRandomDataset(4, tensor.Shape{1}, 1)
	require.NoError(t, err)
	boom := errors.New("boom")

	_, err = Steps(context.Background(), NewLoader(ds, 2), 0, nil, func(int, *tensor.Tensor) error { return boom })
	assert.ErrorIs(t, err, boom)

	_, err = Steps(context.Background(), NewLoader(ds, 2), 0,
		func(Batch) (*tensor.Tensor, error) { return nil, boom },
		func(int, *tensor.Tensor) error { return nil })
	assert.ErrorIs(t, err, boom)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Steps(ctx, NewLoader(ds, 2), 0, nil, func(int, *tensor.Tensor) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)

	_, err = Steps(context.Background(), &Loader{}, 0, nil, func(int, *tensor.Tensor) error { return nil })
	assert.Error(t, err)
}
