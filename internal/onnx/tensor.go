package onnx

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// Tensor data errors.
var (
	ErrExternalData    = errors.New("tensor data stored outside the model file is not supported")
	ErrUnsupportedType = errors.New("unsupported tensor data type")
	ErrDataSize        = errors.New("tensor data does not match its shape")
)

// DataTypeSize returns the element size in bytes, or 0 for variable-size types.
func DataTypeSize(dt int32) int {
	switch dt {
	case TensorProtoFloat, TensorProtoInt32, TensorProtoUint32:
		return 4
	case TensorProtoDouble, TensorProtoInt64, TensorProtoUint64:
		return 8
	case TensorProtoFloat16, TensorProtoBfloat16, TensorProtoInt16, TensorProtoUint16:
		return 2
	case TensorProtoInt8, TensorProtoUint8, TensorProtoBool:
		return 1
	default:
		return 0
	}
}

// DataTypeName returns the lower-case ONNX name of a data type.
func DataTypeName(dt int32) string {
	switch dt {
	case TensorProtoFloat:
		return "float32"
	case TensorProtoUint8:
		return "uint8"
	case TensorProtoInt8:
		return "int8"
	case TensorProtoUint16:
		return "uint16"
	case TensorProtoInt16:
		return "int16"
	case TensorProtoInt32:
		return "int32"
	case TensorProtoInt64:
		return "int64"
	case TensorProtoString:
		return "string"
	case TensorProtoBool:
		return "bool"
	case TensorProtoFloat16:
		return "float16"
	case TensorProtoDouble:
		return "float64"
	case TensorProtoUint32:
		return "uint32"
	case TensorProtoUint64:
		return "uint64"
	case TensorProtoBfloat16:
		return "bfloat16"
	default:
		return fmt.Sprintf("type(%d)", dt)
	}
}

// IsFloat reports whether dt is a floating point type.
func IsFloat(dt int32) bool {
	return dt == TensorProtoFloat || dt == TensorProtoFloat16 || dt == TensorProtoDouble || dt == TensorProtoBfloat16
}

// NumElements returns the number of elements described by dims (1 for scalars).
func NumElements(dims []int64) int64 {
	n := int64(1)
	for _, d := range dims {
		n *= d
	}
	return n
}

// NumElements returns the element count of the tensor.
func (t *TensorProto) NumElements() int64 {
	return NumElements(t.Dims)
}

func (t *TensorProto) checkLocation() error {
	if t.DataLocation == DataLocationExternal || len(t.ExternalData) > 0 {
		return fmt.Errorf("%s: %w", t.Name, ErrExternalData)
	}
	return nil
}

// Float32s decodes the tensor as float32 values.
// Float16, float64 and integer tensors are converted.
//
//nolint:gocyclo,cyclop // one branch per storage field
func (t *TensorProto) Float32s() ([]float32, error) {
	if err := t.checkLocation(); err != nil {
		return nil, err
	}
	n := int(t.NumElements())
	out := make([]float32, n)

	if len(t.RawData) > 0 {
		size := DataTypeSize(t.DataType)
		if size == 0 {
			return nil, fmt.Errorf("%s: %w: %s", t.Name, ErrUnsupportedType, DataTypeName(t.DataType))
		}
		if len(t.RawData) != n*size {
			return nil, fmt.Errorf("%s: %w: %d bytes for %d elements of %s",
				t.Name, ErrDataSize, len(t.RawData), n, DataTypeName(t.DataType))
		}
		raw := t.RawData
		for i := range out {
			switch t.DataType {
			case TensorProtoFloat:
				out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
			case TensorProtoFloat16:
				out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[2*i:])).Float32()
			case TensorProtoDouble:
				out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(raw[8*i:])))
			default:
				ints, err := t.Int64s()
				if err != nil {
					return nil, err
				}
				for j, v := range ints {
					out[j] = float32(v)
				}
				return out, nil
			}
		}
		return out, nil
	}

	switch {
	case len(t.FloatData) > 0:
		if len(t.FloatData) != n {
			return nil, fmt.Errorf("%s: %w", t.Name, ErrDataSize)
		}
		copy(out, t.FloatData)
	case len(t.DoubleData) > 0:
		if len(t.DoubleData) != n {
			return nil, fmt.Errorf("%s: %w", t.Name, ErrDataSize)
		}
		for i, v := range t.DoubleData {
			out[i] = float32(v)
		}
	case t.DataType == TensorProtoFloat16 && len(t.Int32Data) > 0:
		// float16 values travel as their bit patterns in int32_data.
		if len(t.Int32Data) != n {
			return nil, fmt.Errorf("%s: %w", t.Name, ErrDataSize)
		}
		for i, v := range t.Int32Data {
			out[i] = float16.Frombits(uint16(v)).Float32() //nolint:gosec // G115: 16-bit payload.
		}
	case n > 0 && (len(t.Int32Data) > 0 || len(t.Int64Data) > 0 || len(t.Uint64Data) > 0):
		ints, err := t.Int64s()
		if err != nil {
			return nil, err
		}
		for i, v := range ints {
			out[i] = float32(v)
		}
	case n > 0:
		return nil, fmt.Errorf("%s: %w: no data", t.Name, ErrDataSize)
	}
	return out, nil
}

// Int64s decodes an integer or bool tensor as int64 values.
//
//nolint:gocyclo,cyclop // one branch per storage field
func (t *TensorProto) Int64s() ([]int64, error) {
	if err := t.checkLocation(); err != nil {
		return nil, err
	}
	n := int(t.NumElements())
	out := make([]int64, n)

	if len(t.RawData) > 0 {
		size := DataTypeSize(t.DataType)
		if size == 0 || IsFloat(t.DataType) {
			return nil, fmt.Errorf("%s: %w: %s as int64", t.Name, ErrUnsupportedType, DataTypeName(t.DataType))
		}
		if len(t.RawData) != n*size {
			return nil, fmt.Errorf("%s: %w", t.Name, ErrDataSize)
		}
		raw := t.RawData
		for i := range out {
			switch t.DataType {
			case TensorProtoInt64:
				out[i] = int64(binary.LittleEndian.Uint64(raw[8*i:])) //nolint:gosec // G115
			case TensorProtoUint64:
				out[i] = int64(binary.LittleEndian.Uint64(raw[8*i:])) //nolint:gosec // G115
			case TensorProtoInt32:
				out[i] = int64(int32(binary.LittleEndian.Uint32(raw[4*i:]))) //nolint:gosec // G115
			case TensorProtoUint32:
				out[i] = int64(binary.LittleEndian.Uint32(raw[4*i:]))
			case TensorProtoInt16:
				out[i] = int64(int16(binary.LittleEndian.Uint16(raw[2*i:]))) //nolint:gosec // G115
			case TensorProtoUint16:
				out[i] = int64(binary.LittleEndian.Uint16(raw[2*i:]))
			case TensorProtoInt8:
				out[i] = int64(int8(raw[i]))
			default: // uint8, bool
				out[i] = int64(raw[i])
			}
		}
		return out, nil
	}

	switch {
	case len(t.Int64Data) > 0:
		if len(t.Int64Data) != n {
			return nil, fmt.Errorf("%s: %w", t.Name, ErrDataSize)
		}
		copy(out, t.Int64Data)
	case len(t.Int32Data) > 0:
		if len(t.Int32Data) != n {
			return nil, fmt.Errorf("%s: %w", t.Name, ErrDataSize)
		}
		for i, v := range t.Int32Data {
			out[i] = int64(v)
		}
	case len(t.Uint64Data) > 0:
		if len(t.Uint64Data) != n {
			return nil, fmt.Errorf("%s: %w", t.Name, ErrDataSize)
		}
		for i, v := range t.Uint64Data {
			out[i] = int64(v) //nolint:gosec // G115
		}
	case IsFloat(t.DataType):
		return nil, fmt.Errorf("%s: %w: %s as int64", t.Name, ErrUnsupportedType, DataTypeName(t.DataType))
	case n > 0:
		return nil, fmt.Errorf("%s: %w: no data", t.Name, ErrDataSize)
	}
	return out, nil
}

// NewFloat32Tensor builds a float32 tensor with raw little-endian data.
func NewFloat32Tensor(name string, dims []int64, data []float32) TensorProto {
	raw := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	return TensorProto{Name: name, DataType: TensorProtoFloat, Dims: append([]int64(nil), dims...), RawData: raw}
}

// NewInt64Tensor builds an int64 tensor with raw little-endian data.
func NewInt64Tensor(name string, dims []int64, data []int64) TensorProto {
	raw := make([]byte, 8*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint64(raw[8*i:], uint64(v)) //nolint:gosec // G115
	}
	return TensorProto{Name: name, DataType: TensorProtoInt64, Dims: append([]int64(nil), dims...), RawData: raw}
}

// NewBoolTensor builds a bool tensor with one byte per element.
func NewBoolTensor(name string, dims []int64, data []bool) TensorProto {
	raw := make([]byte, len(data))
	for i, v := range data {
		if v {
			raw[i] = 1
		}
	}
	return TensorProto{Name: name, DataType: TensorProtoBool, Dims: append([]int64(nil), dims...), RawData: raw}
}
