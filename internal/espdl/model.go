package espdl

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/x448/float16"
)

// Model is an ESP-DL graph with its quantized tensors.
type Model struct {
	Name      string
	Opset     int64
	Target    string
	NumOfBits int
	Precision string
	CreatedAt time.Time

	Inputs     []ValueInfo
	Outputs    []ValueInfo
	ValueInfos []ValueInfo
	Nodes      []Node
	Tensors    []*Tensor

	// TestInputs and TestOutputs hold one reference inference, used by
	// on-device tests to verify the deployed model.
	TestInputs  []*Tensor
	TestOutputs []*Tensor

	Metadata map[string]string
}

// ValueInfo describes an activation tensor.
type ValueInfo struct {
	Name      string  `json:"name"`
	DType     DType   `json:"dtype"`
	Shape     []int64 `json:"shape,omitempty"`
	Exponents []int   `json:"exponents,omitempty"`
}

// Node is one operation.
type Node struct {
	Name       string      `json:"name"`
	OpType     string      `json:"op_type"`
	Domain     string      `json:"domain,omitempty"`
	Inputs     []string    `json:"inputs"`
	Outputs    []string    `json:"outputs"`
	Attributes []Attribute `json:"attributes,omitempty"`
}

// Attribute is a node attribute. Exactly one value field is meaningful,
// selected by Type ("int", "ints", "float", "floats", "string", "strings",
// "tensor").
type Attribute struct {
	Name    string    `json:"name"`
	Type    string    `json:"type"`
	I       int64     `json:"i,omitempty"`
	Ints    []int64   `json:"ints,omitempty"`
	F       float32   `json:"f,omitempty"`
	Floats  []float32 `json:"floats,omitempty"`
	S       string    `json:"s,omitempty"`
	Strings []string  `json:"strings,omitempty"`
	T       *Tensor   `json:"t,omitempty"`
}

// Tensor is a constant with little-endian element data.
type Tensor struct {
	Name      string  `json:"name"`
	DType     DType   `json:"dtype"`
	Shape     []int64 `json:"shape"`
	Exponents []int   `json:"exponents,omitempty"`
	Data      []byte  `json:"data,omitempty"`
}

// NumElements returns the element count (1 for scalars).
func (t *Tensor) NumElements() int64 {
	n := int64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Validate checks that the data length matches shape and dtype.
func (t *Tensor) Validate() error {
	size := t.DType.Size()
	if size == 0 {
		return &ValidationError{Type: "invalid_dtype", Tensor: t.Name, Details: fmt.Sprintf("unknown dtype %q", t.DType)}
	}
	if want := t.NumElements() * int64(size); int64(len(t.Data)) != want {
		return &ValidationError{Type: "size_mismatch", Tensor: t.Name,
			Details: fmt.Sprintf("%d bytes, shape %v of %s needs %d", len(t.Data), t.Shape, t.DType, want)}
	}
	return nil
}

// NewFloat16Tensor converts values to IEEE half precision.
func NewFloat16Tensor(name string, shape []int64, values []float32) *Tensor {
	data := make([]byte, 2*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint16(data[2*i:], float16.Fromfloat32(v).Bits())
	}
	return &Tensor{Name: name, DType: Float16, Shape: append([]int64{}, shape...), Data: data}
}

// NewFloat32Tensor stores values unchanged.
func NewFloat32Tensor(name string, shape []int64, values []float32) *Tensor {
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(v))
	}
	return &Tensor{Name: name, DType: Float32, Shape: append([]int64{}, shape...), Data: data}
}

// NewIntTensor stores integer values as dtype with one exponent.
// Values must already fit dtype.
func NewIntTensor(name string, dtype DType, shape []int64, values []int64, exponent int) *Tensor {
	size := dtype.Size()
	data := make([]byte, size*len(values))
	for i, v := range values {
		switch size {
		case 8:
			binary.LittleEndian.PutUint64(data[8*i:], uint64(v)) //nolint:gosec // G115: two's complement.
		case 4:
			binary.LittleEndian.PutUint32(data[4*i:], uint32(v)) //nolint:gosec // G115
		case 2:
			binary.LittleEndian.PutUint16(data[2*i:], uint16(v)) //nolint:gosec // G115
		default:
			data[i] = byte(v)
		}
	}
	return &Tensor{Name: name, DType: dtype, Shape: append([]int64{}, shape...), Exponents: []int{exponent}, Data: data}
}

// Float32s decodes the tensor, applying the exponent to integer data.
func (t *Tensor) Float32s() ([]float32, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	n := int(t.NumElements())
	out := make([]float32, n)
	switch t.DType {
	case Float32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.Data[4*i:]))
		}
		return out, nil
	case Float16:
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(t.Data[2*i:])).Float32()
		}
		return out, nil
	}
	ints, err := t.Int64s()
	if err != nil {
		return nil, err
	}
	scale := 1.0
	if len(t.Exponents) > 0 {
		scale = math.Ldexp(1, t.Exponents[0])
	}
	for i, v := range ints {
		out[i] = float32(float64(v) * scale)
	}
	return out, nil
}

// Int64s decodes integer data without applying the exponent.
func (t *Tensor) Int64s() ([]int64, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	n := int(t.NumElements())
	out := make([]int64, n)
	for i := range out {
		switch t.DType {
		case Int64:
			out[i] = int64(binary.LittleEndian.Uint64(t.Data[8*i:])) //nolint:gosec // G115
		case Int32:
			out[i] = int64(int32(binary.LittleEndian.Uint32(t.Data[4*i:]))) //nolint:gosec // G115
		case Int16:
			out[i] = int64(int16(binary.LittleEndian.Uint16(t.Data[2*i:]))) //nolint:gosec // G115
		case Int8:
			out[i] = int64(int8(t.Data[i]))
		case Uint8, Bool:
			out[i] = int64(t.Data[i])
		default:
			return nil, &ValidationError{Type: "invalid_dtype", Tensor: t.Name, Details: fmt.Sprintf("%s is not an integer type", t.DType)}
		}
	}
	return out, nil
}

// Tensor returns the named weight, or nil.
func (m *Model) Tensor(name string) *Tensor {
	for _, t := range m.Tensors {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// ValueInfo returns the named activation, input or output description.
func (m *Model) ValueInfo(name string) (ValueInfo, bool) {
	for _, list := range [][]ValueInfo{m.Inputs, m.Outputs, m.ValueInfos} {
		for _, vi := range list {
			if vi.Name == name {
				return vi, true
			}
		}
	}
	return ValueInfo{}, false
}

// OpCounts counts nodes per operator type.
func (m *Model) OpCounts() map[string]int {
	counts := make(map[string]int)
	for _, n := range m.Nodes {
		counts[n.OpType]++
	}
	return counts
}

// WeightBytes returns the total size of weight data.
func (m *Model) WeightBytes() int64 {
	var n int64
	for _, t := range m.Tensors {
		n += int64(len(t.Data))
	}
	return n
}

// Summary renders a human-readable description.
func (m *Model) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "ESP-DL model %q\n", m.Name)
	fmt.Fprintf(&b, "  target: %s, bits: %d, precision: %s, opset: %d\n", m.Target, m.NumOfBits, m.Precision, m.Opset)
	for _, vi := range m.Inputs {
		fmt.Fprintf(&b, "  input  %s %s %v%s\n", vi.Name, vi.DType, vi.Shape, exponentSuffix(vi.Exponents))
	}
	for _, vi := range m.Outputs {
		fmt.Fprintf(&b, "  output %s %s %v%s\n", vi.Name, vi.DType, vi.Shape, exponentSuffix(vi.Exponents))
	}
	fmt.Fprintf(&b, "  nodes: %d, weights: %d (%d bytes)\n", len(m.Nodes), len(m.Tensors), m.WeightBytes())

	counts := m.OpCounts()
	ops := make([]string, 0, len(counts))
	for op := range counts {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool {
		if counts[ops[i]] != counts[ops[j]] {
			return counts[ops[i]] > counts[ops[j]]
		}
		return ops[i] < ops[j]
	})
	for _, op := range ops {
		fmt.Fprintf(&b, "    %-20s %d\n", op, counts[op])
	}

	dtypes := make(map[DType]int)
	for _, t := range m.Tensors {
		dtypes[t.DType]++
	}
	names := make([]string, 0, len(dtypes))
	for d := range dtypes {
		names = append(names, string(d))
	}
	sort.Strings(names)
	for _, d := range names {
		fmt.Fprintf(&b, "  %s weights: %d\n", d, dtypes[DType(d)])
	}
	if len(m.TestInputs) > 0 {
		fmt.Fprintf(&b, "  test data: %d inputs, %d outputs\n", len(m.TestInputs), len(m.TestOutputs))
	}
	return b.String()
}

func exponentSuffix(exps []int) string {
	if len(exps) == 0 {
		return ""
	}
	return fmt.Sprintf(" exp=%v", exps)
}
