package tensor

import (
	"fmt"
	"slices"
	"strings"
)

// Shape lists tensor dimensions, outermost first (NCHW for images).
type Shape []int64

// NumElements returns the product of the dims; a scalar has one element.
func (s Shape) NumElements() int {
	n := 1
	for _, d := range s {
		n *= int(d)
	}
	return n
}

// Validate rejects non-positive dims.
func (s Shape) Validate() error {
	if i := slices.IndexFunc(s, func(d int64) bool { return d <= 0 }); i >= 0 {
		return fmt.Errorf("%w: dim %d of %v is %d", ErrShapeMismatch, i, s, s[i])
	}
	return nil
}

// Equal reports whether both shapes have the same dims.
func (s Shape) Equal(other Shape) bool { return slices.Equal(s, other) }

// Clone returns an independent copy.
func (s Shape) Clone() Shape { return slices.Clone(s) }

// String formats the shape as "[1 3 640 640]".
func (s Shape) String() string {
	var b strings.Builder
	b.WriteByte('[')
	for i, d := range s {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprint(&b, d)
	}
	b.WriteByte(']')
	return b.String()
}
