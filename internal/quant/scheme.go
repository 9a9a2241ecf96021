package quant

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"

	"github.com/born-ml/espdl/internal/espdl"
	"github.com/born-ml/espdl/internal/parallel"
)

// QMax returns the largest positive integer of a signed bits-wide type.
func QMax(bits int) int64 { return 1<<(bits-1) - 1 }

// QMin returns the smallest integer of a signed bits-wide type.
func QMin(bits int) int64 { return -(1 << (bits - 1)) }

// Exponent returns the smallest power-of-two exponent e such that
// absMax fits in [QMin, QMax] * 2^e. A zero range yields 0.
func Exponent(absMax float32, bits int) (int, error) {
	a := float64(absMax)
	if math.IsNaN(a) || math.IsInf(a, 0) {
		return 0, fmt.Errorf("non-finite range %v", absMax)
	}
	if a <= 0 {
		return 0, nil
	}
	return int(math.Ceil(math.Log2(a / float64(QMax(bits))))), nil
}

// QuantizeValues maps values to integers v / 2^exponent, rounding half away from
// zero and clipping to the signed bits-wide range.
func QuantizeValues(values []float32, exponent, bits int, cfg parallel.Config) []int64 {
	out := make([]int64, len(values))
	scale := math.Ldexp(1, -exponent)
	lo, hi := float64(QMin(bits)), float64(QMax(bits))
	parallel.Chunks(len(values), func(_, start, end int) {
		for i := start; i < end; i++ {
			q := math.Round(float64(values[i]) * scale)
			out[i] = int64(min(max(q, lo), hi))
		}
	}, cfg)
	return out
}

// Dequantize maps integers back to real values.
func Dequantize(q []int64, exponent int) []float32 {
	out := make([]float32, len(q))
	scale := math.Ldexp(1, exponent)
	for i, v := range q {
		out[i] = float32(float64(v) * scale)
	}
	return out
}

// AbsMax returns max |v|, splitting the scan across workers.
func AbsMax(values []float32, cfg parallel.Config) float32 {
	partial := make([]float32, parallel.NumChunks(len(values), cfg))
	parallel.Chunks(len(values), func(c, start, end int) {
		var m float32
		for _, v := range values[start:end] {
			m = max(m, float32(math.Abs(float64(v))))
		}
		partial[c] = m
	}, cfg)
	var m float32
	for _, p := range partial {
		m = max(m, p)
	}
	return m
}

// float16MaxValue is the largest finite float16.
const float16MaxValue = 65504

// float16Tensor converts values to half precision in parallel. It also
// returns how many finite values were too large for float16 and became ±Inf.
func float16Tensor(name string, shape []int64, values []float32, cfg parallel.Config) (*espdl.Tensor, int) {
	data := make([]byte, 2*len(values))
	overflow := make([]int, parallel.NumChunks(len(values), cfg))
	parallel.Chunks(len(values), func(c, start, end int) {
		for i := start; i < end; i++ {
			h := float16.Fromfloat32(values[i])
			if h.IsInf(0) && !math.IsInf(float64(values[i]), 0) {
				overflow[c]++
			}
			binary.LittleEndian.PutUint16(data[2*i:], h.Bits())
		}
	}, cfg)
	n := 0
	for _, o := range overflow {
		n += o
	}
	return &espdl.Tensor{Name: name, DType: espdl.Float16, Shape: append([]int64{}, shape...), Data: data}, n
}

// intDType returns the storage type of bits-wide weights.
func intDType(bits int) espdl.DType {
	if bits == 8 {
		return espdl.Int8
	}
	return espdl.Int16
}

// biasBits returns the clipping width and storage type of biases. 16-bit
// biases are stored as int64 but clipped to 48 bits, which float64 holds
// exactly.
func biasBits(bits int) (int, espdl.DType) {
	if bits == 8 {
		return 32, espdl.Int32
	}
	return 48, espdl.Int64
}

// activationDType returns the storage type of float activations.
func activationDType(precision string, bits int) espdl.DType {
	if precision == PrecisionFP16 {
		return espdl.Float16
	}
	return intDType(bits)
}
