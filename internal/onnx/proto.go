package onnx

// ONNX message structures, limited to the fields the converter reads or writes.
// Field numbers follow onnx.proto. Every message keeps the fields it does
// not model (functions, sparse initializers, non-tensor types, ...) as raw
// wire bytes in Unknown, and Marshal writes them back.

// ModelProto represents an ONNX model.
type ModelProto struct {
	IRVersion       int64               // 1
	ProducerName    string              // 2
	ProducerVersion string              // 3
	Domain          string              // 4
	ModelVersion    int64               // 5
	DocString       string              // 6
	Graph           *GraphProto         // 7
	OpsetImport     []OperatorSetID     // 8
	MetadataProps   []StringStringEntry // 14
	Unknown []byte
}

// GraphProto represents the computation graph.
type GraphProto struct {
	Nodes        []NodeProto      // 1
	Name         string           // 2
	Initializers []TensorProto    // 5
	DocString    string           // 10
	Inputs       []ValueInfoProto // 11
	Outputs      []ValueInfoProto // 12
	ValueInfo    []ValueInfoProto // 13: shapes of intermediate tensors
	Unknown []byte
}

// NodeProto represents a single operation.
type NodeProto struct {
	Inputs     []string         // 1
	Outputs    []string         // 2
	Name       string           // 3
	OpType     string           // 4
	Attributes []AttributeProto // 5
	DocString  string           // 6
	Domain     string           // 7
	Unknown []byte
}

// TensorProto represents a constant tensor (initializer or attribute value).
type TensorProto struct {
	Dims         []int64             // 1
	DataType     int32               // 2
	FloatData    []float32           // 4
	Int32Data    []int32             // 5
	Int64Data    []int64             // 7
	Name         string              // 8
	RawData      []byte              // 9
	DoubleData   []float64           // 10
	Uint64Data   []uint64            // 11
	DocString    string              // 12
	ExternalData []StringStringEntry // 13
	DataLocation int32               // 14
	Unknown []byte
}

// ValueInfoProto describes a named tensor's type.
type ValueInfoProto struct {
	Name      string     // 1
	Type      *TypeProto // 2
	DocString string     // 3
	Unknown []byte
}

// TypeProto describes a value type. Only tensor types are supported.
type TypeProto struct {
	TensorType *TensorTypeProto // 1
	Unknown []byte
}

// TensorTypeProto describes tensor shape and element type.
type TensorTypeProto struct {
	ElemType int32             // 1
	Shape    *TensorShapeProto // 2
	Unknown []byte
}

// TensorShapeProto describes tensor dimensions.
type TensorShapeProto struct {
	Dims []DimensionProto // 1
	Unknown []byte
}

// DimensionProto describes a single dimension.
// Exactly one of DimValue and DimParam is meaningful; DimParam wins when set.
type DimensionProto struct {
	DimValue int64  // 1
	DimParam string // 2
	Unknown []byte
}

// AttributeProto represents a node attribute.
type AttributeProto struct {
	Name      string        // 1
	F         float32       // 2
	I         int64         // 3
	S         []byte        // 4
	T         *TensorProto  // 5
	G         *GraphProto   // 6
	Floats    []float32     // 7
	Ints      []int64       // 8
	Strings   [][]byte      // 9
	Tensors   []TensorProto // 10
	DocString string        // 13
	Type      int32         // 20
	Unknown []byte
}

// OperatorSetID identifies an opset version.
type OperatorSetID struct {
	Domain  string // 1
	Version int64  // 2
	Unknown []byte
}

// StringStringEntry represents key-value metadata.
type StringStringEntry struct {
	Key   string // 1
	Value string // 2
	Unknown []byte
}

// ONNX data types (TensorProto.DataType).
const (
	TensorProtoUndefined = 0
	TensorProtoFloat     = 1  // float32
	TensorProtoUint8     = 2  // uint8
	TensorProtoInt8      = 3  // int8
	TensorProtoUint16    = 4  // uint16
	TensorProtoInt16     = 5  // int16
	TensorProtoInt32     = 6  // int32
	TensorProtoInt64     = 7  // int64
	TensorProtoString    = 8  // string
	TensorProtoBool      = 9  // bool
	TensorProtoFloat16   = 10 // float16
	TensorProtoDouble    = 11 // float64
	TensorProtoUint32    = 12 // uint32
	TensorProtoUint64    = 13 // uint64
	TensorProtoBfloat16  = 16 // bfloat16
)

// ONNX attribute types (AttributeProto.Type).
const (
	AttributeProtoUndefined = 0
	AttributeProtoFloat     = 1
	AttributeProtoInt       = 2
	AttributeProtoString    = 3
	AttributeProtoTensor    = 4
	AttributeProtoGraph     = 5
	AttributeProtoFloats    = 6
	AttributeProtoInts      = 7
	AttributeProtoStrings   = 8
	AttributeProtoTensors   = 9
)

// DataLocationExternal marks a tensor whose bytes live outside the model file.
const DataLocationExternal = 1
