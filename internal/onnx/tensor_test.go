package onnx

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestFloat32sFromStorageFields(t *testing.T) {
	tests := []struct {
		name   string
		tensor TensorProto
		want   []float32
	}{
		{
			name:   "raw float32",
			tensor: NewFloat32Tensor("a", []int64{2}, []float32{1.5, -2}),
			want:   []float32{1.5, -2},
		},
		{
			name:   "float_data",
			tensor: TensorProto{DataType: TensorProtoFloat, Dims: []int64{3}, FloatData: []float32{1, 2, 3}},
			want:   []float32{1, 2, 3},
		},
		{
			name:   "double_data",
			tensor: TensorProto{DataType: TensorProtoDouble, Dims: []int64{1}, DoubleData: []float64{0.25}},
			want:   []float32{0.25},
		},
		{
			name:   "int64 converted",
			tensor: NewInt64Tensor("i", []int64{2}, []int64{-3, 4}),
			want:   []float32{-3, 4},
		},
		{
			name:   "scalar",
			tensor: NewFloat32Tensor("s", nil, []float32{7}),
			want:   []float32{7},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.tensor.Float32s()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFloat32sFromFloat16Raw(t *testing.T) {
	raw := make([]byte, 4)
	binary.LittleEndian.PutUint16(raw[0:], float16.Fromfloat32(0.5).Bits())
	binary.LittleEndian.PutUint16(raw[2:], float16.Fromfloat32(-3).Bits())
	tensor := TensorProto{DataType: TensorProtoFloat16, Dims: []int64{2}, RawData: raw}

	got, err := tensor.Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, -3}, got)
}

func TestInt64sRawTypes(t *testing.T) {
	raw := make([]byte, 8)
	binary.LittleEndian.PutUint32(raw[0:], 0xffffffff)
	binary.LittleEndian.PutUint32(raw[4:], 9)
	tensor := TensorProto{DataType: TensorProtoInt32, Dims: []int64{2}, RawData: raw}
	got, err := tensor.Int64s()
	require.NoError(t, err)
	assert.Equal(t, []int64{-1, 9}, got)

	b := NewBoolTensor("b", []int64{3}, []bool{true, false, true})
	got, err = b.Int64s()
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 0, 1}, got)
}

func TestTensorDataErrors(t *testing.T) {
	short := TensorProto{Name: "w", DataType: TensorProtoFloat, Dims: []int64{4}, RawData: make([]byte, 8)}
	_, err := short.Float32s()
	assert.ErrorIs(t, err, ErrDataSize)

	external := TensorProto{Name: "w", DataType: TensorProtoFloat, Dims: []int64{1}, DataLocation: DataLocationExternal}
	_, err = external.Float32s()
	assert.ErrorIs(t, err, ErrExternalData)

	f := NewFloat32Tensor("f", []int64{1}, []float32{1})
	_, err = f.Int64s()
	assert.ErrorIs(t, err, ErrUnsupportedType)
}

func TestDataTypeSize(t *testing.T) {
	assert.Equal(t, 4, DataTypeSize(TensorProtoFloat))
	assert.Equal(t, 2, DataTypeSize(TensorProtoFloat16))
	assert.Equal(t, 8, DataTypeSize(TensorProtoInt64))
	assert.Equal(t, 1, DataTypeSize(TensorProtoBool))
	assert.Equal(t, 0, DataTypeSize(TensorProtoString))
	assert.Equal(t, "float16", DataTypeName(TensorProtoFloat16))
}
