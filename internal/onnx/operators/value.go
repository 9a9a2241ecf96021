package operators

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"

	"github.com/born-ml/espdl/internal/onnx"
)

// Value is a constant tensor. Floating point types keep their data in
// Floats, everything else (integers, bool) in Ints.
type Value struct {
	DataType int32
	Dims     []int64
	Floats   []float32
	Ints     []int64
}

// FloatValue returns a float32 value.
func FloatValue(dims []int64, data []float32) *Value {
	return &Value{DataType: onnx.TensorProtoFloat, Dims: dims, Floats: data}
}

// IntValue returns an int64 value.
func IntValue(dims []int64, data []int64) *Value {
	return &Value{DataType: onnx.TensorProtoInt64, Dims: dims, Ints: data}
}

// FromTensor decodes an initializer or Constant payload.
func FromTensor(t *onnx.TensorProto) (*Value, error) {
	v := &Value{DataType: t.DataType, Dims: append([]int64{}, t.Dims...)}
	var err error
	if onnx.IsFloat(t.DataType) {
		v.Floats, err = t.Float32s()
	} else {
		v.Ints, err = t.Int64s()
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// IsFloat reports whether the value holds floating point data.
func (v *Value) IsFloat() bool { return onnx.IsFloat(v.DataType) }

// Len returns the element count.
func (v *Value) Len() int {
	if v.IsFloat() {
		return len(v.Floats)
	}
	return len(v.Ints)
}

// Int64s returns the data as int64, truncating floats.
func (v *Value) Int64s() []int64 {
	if !v.IsFloat() {
		return v.Ints
	}
	out := make([]int64, len(v.Floats))
	for i, f := range v.Floats {
		out[i] = int64(f)
	}
	return out
}

// Float32s returns the data as float32.
func (v *Value) Float32s() []float32 {
	if v.IsFloat() {
		return v.Floats
	}
	out := make([]float32, len(v.Ints))
	for i, n := range v.Ints {
		out[i] = float32(n)
	}
	return out
}

// empty returns a value of the same type with n zeroed elements.
func (v *Value) empty(dims []int64, n int) *Value {
	out := &Value{DataType: v.DataType, Dims: dims}
	if v.IsFloat() {
		out.Floats = make([]float32, n)
	} else {
		out.Ints = make([]int64, n)
	}
	return out
}

// take builds a value from the elements at idx.
func (v *Value) take(dims []int64, idx []int) *Value {
	out := v.empty(dims, len(idx))
	if v.IsFloat() {
		for i, j := range idx {
			out.Floats[i] = v.Floats[j]
		}
	} else {
		for i, j := range idx {
			out.Ints[i] = v.Ints[j]
		}
	}
	return out
}

// ToTensor encodes the value as a raw-data initializer.
func (v *Value) ToTensor(name string) (onnx.TensorProto, error) {
	size := onnx.DataTypeSize(v.DataType)
	if size == 0 {
		return onnx.TensorProto{}, fmt.Errorf("%s: %w: %s", name, onnx.ErrUnsupportedType, onnx.DataTypeName(v.DataType))
	}
	n := v.Len()
	if int64(n) != onnx.NumElements(v.Dims) {
		return onnx.TensorProto{}, fmt.Errorf("%s: %w: %d values for dims %v", name, onnx.ErrDataSize, n, v.Dims)
	}
	raw := make([]byte, n*size)
	for i := 0; i < n; i++ {
		switch v.DataType {
		case onnx.TensorProtoFloat:
			binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v.Floats[i]))
		case onnx.TensorProtoFloat16:
			binary.LittleEndian.PutUint16(raw[2*i:], float16.Fromfloat32(v.Floats[i]).Bits())
		case onnx.TensorProtoDouble:
			binary.LittleEndian.PutUint64(raw[8*i:], math.Float64bits(float64(v.Floats[i])))
		case onnx.TensorProtoBfloat16:
			binary.LittleEndian.PutUint16(raw[2*i:], uint16(math.Float32bits(v.Floats[i])>>16))
		default:
			putInt(raw[size*i:], size, v.Ints[i])
		}
	}
	return onnx.TensorProto{
		Name:     name,
		DataType: v.DataType,
		Dims:     append([]int64{}, v.Dims...),
		RawData:  raw,
	}, nil
}

func putInt(b []byte, size int, n int64) {
	switch size {
	case 8:
		binary.LittleEndian.PutUint64(b, uint64(n)) //nolint:gosec // G115: two's complement.
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(n)) //nolint:gosec // G115
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(n)) //nolint:gosec // G115
	default:
		b[0] = byte(n)
	}
}

// broadcastShape applies numpy broadcasting to all shapes.
func broadcastShape(shapes ...[]int64) ([]int64, error) {
	rank := 0
	for _, s := range shapes {
		rank = max(rank, len(s))
	}
	out := make([]int64, rank)
	for i := range out {
		out[i] = 1
	}
	for _, s := range shapes {
		for i, d := range s {
			j := rank - len(s) + i
			switch {
			case d == out[j] || d == 1:
			case out[j] == 1:
				out[j] = d
			default:
				return nil, fmt.Errorf("shapes %v are not broadcastable", shapes)
			}
		}
	}
	return out, nil
}

// broadcastIndex maps every output position to a flat input position.
func broadcastIndex(in, out []int64) []int {
	strides := make([]int64, len(out))
	s := int64(1)
	for i := len(in) - 1; i >= 0; i-- {
		if in[i] != 1 {
			strides[len(out)-len(in)+i] = s
		}
		s *= in[i]
	}
	n := onnx.NumElements(out)
	idx := make([]int, n)
	for k := int64(0); k < n; k++ {
		rem, off := k, int64(0)
		for d := len(out) - 1; d >= 0; d-- {
			off += (rem % out[d]) * strides[d]
			rem /= out[d]
		}
		idx[k] = int(off)
	}
	return idx
}

// rowMajorStrides returns element strides for dims.
func rowMajorStrides(dims []int64) []int64 {
	strides := make([]int64, len(dims))
	s := int64(1)
	for i := len(dims) - 1; i >= 0; i-- {
		strides[i] = s
		s *= dims[i]
	}
	return strides
}

func normAxis(axis int64, rank int) (int, error) {
	if axis < 0 {
		axis += int64(rank)
	}
	if axis < 0 || axis >= int64(rank) {
		return 0, fmt.Errorf("axis %d out of range for rank %d", axis, rank)
	}
	return int(axis), nil
}
