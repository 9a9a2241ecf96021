package espdl

import (
	"time"
)

// Format constants.
const (
	MagicBytes       = "EDL2"
	ModePlain        = 0
	FileHeaderSize   = 16 // magic + mode + payload size + reserved
	FormatVersion    = 1
	FixedHeaderSize  = 64 // payload fixed header
	ChecksumOffset   = 0x20
	ChecksumSize     = 32
	TensorAlignment  = 16
	maxPayloadSize   = 1<<32 - 1
	producerName     = "espdl"
	producerVersion  = "0.1.0"
)

// Flags for the payload.
const (
	FlagHasTestData uint32 = 1 << 0 // test inputs/outputs included
	FlagFloat16     uint32 = 1 << 1 // weights stored as float16
)

// DType names an element type.
type DType string

// Supported element types.
const (
	Float32 DType = "float32"
	Float16 DType = "float16"
	Int8    DType = "int8"
	Int16   DType = "int16"
	Int32   DType = "int32"
	Int64   DType = "int64"
	Uint8   DType = "uint8"
	Bool    DType = "bool"
)

// Size returns the element size in bytes, or 0 for unknown types.
func (d DType) Size() int {
	switch d {
	case Float32, Int32:
		return 4
	case Float16, Int16:
		return 2
	case Int8, Uint8, Bool:
		return 1
	case Int64:
		return 8
	default:
		return 0
	}
}

// Tensor roles in the data section.
const (
	RoleWeight     = "weight"
	RoleTestInput  = "test_input"
	RoleTestOutput = "test_output"
)

// Header is the JSON header of the payload.
type Header struct {
	FormatVersion   int               `json:"format_version"`
	Producer        string            `json:"producer"`
	ProducerVersion string            `json:"producer_version"`
	CreatedAt       *time.Time        `json:"created_at,omitempty"`
	Graph           GraphMeta         `json:"graph"`
	Tensors         []TensorMeta      `json:"tensors"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// GraphMeta describes the computation graph.
type GraphMeta struct {
	Name       string      `json:"name"`
	Opset      int64       `json:"opset"`
	Target     string      `json:"target"`
	NumOfBits  int         `json:"num_of_bits"`
	Precision  string      `json:"precision"`
	Inputs     []ValueInfo `json:"inputs"`
	Outputs    []ValueInfo `json:"outputs"`
	ValueInfos []ValueInfo `json:"value_infos,omitempty"`
	Nodes      []Node      `json:"nodes"`
}

// TensorMeta describes a tensor stored in the data section.
type TensorMeta struct {
	Name      string  `json:"name"`
	Role      string  `json:"role"`
	DType     DType   `json:"dtype"`
	Shape     []int64 `json:"shape"`
	Exponents []int   `json:"exponents,omitempty"`
	Offset    int64   `json:"offset"` // bytes from start of the data section
	Size      int64   `json:"size"`
}

func align(n int64) int64 {
	return (n + TensorAlignment - 1) / TensorAlignment * TensorAlignment
}
