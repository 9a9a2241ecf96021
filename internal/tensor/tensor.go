// Package tensor provides the dense float32 host tensor exchanged between
// calibration, model execution and quantization.
package tensor

import (
	"errors"
	"fmt"
	"math"
)

// ErrShapeMismatch is returned when data or operands disagree with a shape.
var ErrShapeMismatch = errors.New("shape mismatch")

// Tensor is a row-major float32 array.
type Tensor struct {
	Shape Shape
	Data  []float32
}

// FromSlice creates a tensor over data without copying it.
func FromSlice(data []float32, shape Shape) (*Tensor, error) {
	if shape.NumElements() != len(data) {
		return nil, fmt.Errorf("%w: shape %v requires %d elements, but got %d",
			ErrShapeMismatch, shape, shape.NumElements(), len(data))
	}
	return &Tensor{Shape: shape.Clone(), Data: data}, nil
}

// Zeros creates a zero-filled tensor.
func Zeros(shape Shape) *Tensor {
	return &Tensor{Shape: shape.Clone(), Data: make([]float32, shape.NumElements())}
}

// NumElements returns the element count.
func (t *Tensor) NumElements() int { return len(t.Data) }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{Shape: t.Shape.Clone(), Data: append([]float32(nil), t.Data...)}
}

// Index returns the i-th sub-tensor along the first dimension.
// The result shares memory with t.
func (t *Tensor) Index(i int) (*Tensor, error) {
	if len(t.Shape) == 0 || i < 0 || int64(i) >= t.Shape[0] {
		return nil, fmt.Errorf("index %d out of range for shape %v", i, t.Shape)
	}
	inner := t.Shape[1:]
	n := inner.NumElements()
	return &Tensor{Shape: inner.Clone(), Data: t.Data[i*n : (i+1)*n]}, nil
}

// Stack joins same-shaped tensors along a new leading dimension.
func Stack(items []*Tensor) (*Tensor, error) {
	if len(items) == 0 {
		return nil, errors.New("stack: no tensors")
	}
	inner := items[0].Shape
	data := make([]float32, 0, len(items)*inner.NumElements())
	for i, it := range items {
		if !it.Shape.Equal(inner) {
			return nil, fmt.Errorf("stack: %w: item %d has shape %v, want %v", ErrShapeMismatch, i, it.Shape, inner)
		}
		data = append(data, it.Data...)
	}
	shape := append(Shape{int64(len(items))}, inner...)
	return &Tensor{Shape: shape, Data: data}, nil
}

// Range returns min, max and max |x| over the data.
// An empty tensor yields zeros.
func (t *Tensor) Range() (lo, hi, absMax float32) {
	if len(t.Data) == 0 {
		return 0, 0, 0
	}
	lo, hi = t.Data[0], t.Data[0]
	for _, v := range t.Data[1:] {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	return lo, hi, max(-lo, hi)
}

// AllClose compares element-wise with |a-b| <= atol + rtol*|b| and returns
// the largest absolute difference seen.
func AllClose(a, b *Tensor, rtol, atol float64) (bool, float64, error) {
	if !a.Shape.Equal(b.Shape) {
		return false, 0, fmt.Errorf("%w: %v vs %v", ErrShapeMismatch, a.Shape, b.Shape)
	}
	ok := true
	worst := 0.0
	for i := range a.Data {
		x, y := float64(a.Data[i]), float64(b.Data[i])
		diff := math.Abs(x - y)
		if math.IsNaN(diff) {
			if !(math.IsNaN(x) && math.IsNaN(y)) {
				ok = false
			}
			continue
		}
		worst = max(worst, diff)
		if diff > atol+rtol*math.Abs(y) {
			ok = false
		}
	}
	return ok, worst, nil
}

// String renders shape and size, not values.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v(%d elements)", t.Shape, len(t.Data))
}
