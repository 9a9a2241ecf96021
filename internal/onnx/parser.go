package onnx

import (
	"errors"
	"fmt"
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrWireType is returned when a known field arrives with an unexpected wire type.
var ErrWireType = errors.New("unexpected wire type")

// ParseFile parses an ONNX model from file.
//
//nolint:gosec // G304: the model path is user input by design.
func ParseFile(path string) (*ModelProto, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return Parse(data)
}

// Parse parses an ONNX model from bytes.
// The returned model may alias data (tensor raw bytes are not copied).
func Parse(data []byte) (*ModelProto, error) {
	model := &ModelProto{}
	if err := readModelProto(data, model); err != nil {
		return nil, fmt.Errorf("failed to parse model: %w", err)
	}
	return model, nil
}

// decoder walks one protobuf message.
type decoder struct {
	b     []byte
	field []byte // current field, starting at its tag
}

func (d *decoder) more() bool { return len(d.b) > 0 }

func (d *decoder) tag() (protowire.Number, protowire.Type, error) {
	d.field = d.b
	num, typ, n := protowire.ConsumeTag(d.b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	d.b = d.b[n:]
	return num, typ, nil
}

func (d *decoder) varint(typ protowire.Type) (uint64, error) {
	if typ != protowire.VarintType {
		return 0, ErrWireType
	}
	v, n := protowire.ConsumeVarint(d.b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	d.b = d.b[n:]
	return v, nil
}

func (d *decoder) int64(typ protowire.Type) (int64, error) {
	v, err := d.varint(typ)
	return int64(v), err //nolint:gosec // G115: two's complement varint.
}

func (d *decoder) int32(typ protowire.Type) (int32, error) {
	v, err := d.varint(typ)
	return int32(v), err //nolint:gosec // G115: enum values fit in int32.
}

func (d *decoder) bytes(typ protowire.Type) ([]byte, error) {
	if typ != protowire.BytesType {
		return nil, ErrWireType
	}
	v, n := protowire.ConsumeBytes(d.b)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	d.b = d.b[n:]
	return v, nil
}

func (d *decoder) str(typ protowire.Type) (string, error) {
	v, err := d.bytes(typ)
	return string(v), err
}

func (d *decoder) float32(typ protowire.Type) (float32, error) {
	if typ != protowire.Fixed32Type {
		return 0, ErrWireType
	}
	v, n := protowire.ConsumeFixed32(d.b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	d.b = d.b[n:]
	return math.Float32frombits(v), nil
}

func (d *decoder) message(typ protowire.Type, read func([]byte) error) error {
	data, err := d.bytes(typ)
	if err != nil {
		return err
	}
	return read(data)
}

// keep appends the current field, tag included, to unknown so the encoder
// can write it back unchanged.
func (d *decoder) keep(num protowire.Number, typ protowire.Type, unknown *[]byte) error {
	n := protowire.ConsumeFieldValue(num, typ, d.b)
	if n < 0 {
		return protowire.ParseError(n)
	}
	d.b = d.b[n:]
	*unknown = append(*unknown, d.field[:len(d.field)-len(d.b)]...)
	return nil
}

// varints reads a repeated varint field in either packed or unpacked form.
func (d *decoder) varints(typ protowire.Type, add func(uint64)) error {
	if typ == protowire.VarintType {
		v, err := d.varint(typ)
		if err != nil {
			return err
		}
		add(v)
		return nil
	}
	data, err := d.bytes(typ)
	if err != nil {
		return err
	}
	for len(data) > 0 {
		v, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		add(v)
		data = data[n:]
	}
	return nil
}

// fixed32s reads a repeated fixed32 field in either packed or unpacked form.
func (d *decoder) fixed32s(typ protowire.Type, add func(uint32)) error {
	if typ == protowire.Fixed32Type {
		v, n := protowire.ConsumeFixed32(d.b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		d.b = d.b[n:]
		add(v)
		return nil
	}
	data, err := d.bytes(typ)
	if err != nil {
		return err
	}
	for len(data) > 0 {
		v, n := protowire.ConsumeFixed32(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		add(v)
		data = data[n:]
	}
	return nil
}

// fixed64s reads a repeated fixed64 field in either packed or unpacked form.
func (d *decoder) fixed64s(typ protowire.Type, add func(uint64)) error {
	if typ == protowire.Fixed64Type {
		v, n := protowire.ConsumeFixed64(d.b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		d.b = d.b[n:]
		add(v)
		return nil
	}
	data, err := d.bytes(typ)
	if err != nil {
		return err
	}
	for len(data) > 0 {
		v, n := protowire.ConsumeFixed64(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		add(v)
		data = data[n:]
	}
	return nil
}

func readModelProto(b []byte, m *ModelProto) error {
	d := decoder{b: b}
	for d.more() {
		num, typ, err := d.tag()
		if err != nil {
			return err
		}
		switch num {
		case 1:
			m.IRVersion, err = d.int64(typ)
		case 2:
			m.ProducerName, err = d.str(typ)
		case 3:
			m.ProducerVersion, err = d.str(typ)
		case 4:
			m.Domain, err = d.str(typ)
		case 5:
			m.ModelVersion, err = d.int64(typ)
		case 6:
			m.DocString, err = d.str(typ)
		case 7:
			m.Graph = &GraphProto{}
			err = d.message(typ, func(b []byte) error { return readGraphProto(b, m.Graph) })
		case 8:
			var opset OperatorSetID
			err = d.message(typ, func(b []byte) error { return readOperatorSetID(b, &opset) })
			m.OpsetImport = append(m.OpsetImport, opset)
		case 14:
			var entry StringStringEntry
			err = d.message(typ, func(b []byte) error { return readStringStringEntry(b, &entry) })
			m.MetadataProps = append(m.MetadataProps, entry)
		default:
			err = d.keep(num, typ, &m.Unknown)
		}
		if err != nil {
			return fmt.Errorf("ModelProto field %d: %w", num, err)
		}
	}
	return nil
}

//nolint:gocyclo,cyclop // field-by-field switch
func readGraphProto(b []byte, m *GraphProto) error {
	d := decoder{b: b}
	for d.more() {
		num, typ, err := d.tag()
		if err != nil {
			return err
		}
		switch num {
		case 1:
			var node NodeProto
			err = d.message(typ, func(b []byte) error { return readNodeProto(b, &node) })
			m.Nodes = append(m.Nodes, node)
		case 2:
			m.Name, err = d.str(typ)
		case 5:
			var t TensorProto
			err = d.message(typ, func(b []byte) error { return readTensorProto(b, &t) })
			m.Initializers = append(m.Initializers, t)
		case 10:
			m.DocString, err = d.str(typ)
		case 11, 12, 13:
			var vi ValueInfoProto
			err = d.message(typ, func(b []byte) error { return readValueInfoProto(b, &vi) })
			switch num {
			case 11:
				m.Inputs = append(m.Inputs, vi)
			case 12:
				m.Outputs = append(m.Outputs, vi)
			default:
				m.ValueInfo = append(m.ValueInfo, vi)
			}
		default:
			err = d.keep(num, typ, &m.Unknown)
		}
		if err != nil {
			return fmt.Errorf("GraphProto field %d: %w", num, err)
		}
	}
	return nil
}

func readNodeProto(b []byte, m *NodeProto) error {
	d := decoder{b: b}
	for d.more() {
		num, typ, err := d.tag()
		if err != nil {
			return err
		}
		var s string
		switch num {
		case 1:
			s, err = d.str(typ)
			m.Inputs = append(m.Inputs, s)
		case 2:
			s, err = d.str(typ)
			m.Outputs = append(m.Outputs, s)
		case 3:
			m.Name, err = d.str(typ)
		case 4:
			m.OpType, err = d.str(typ)
		case 5:
			var attr AttributeProto
			err = d.message(typ, func(b []byte) error { return readAttributeProto(b, &attr) })
			m.Attributes = append(m.Attributes, attr)
		case 6:
			m.DocString, err = d.str(typ)
		case 7:
			m.Domain, err = d.str(typ)
		default:
			err = d.keep(num, typ, &m.Unknown)
		}
		if err != nil {
			return fmt.Errorf("NodeProto field %d: %w", num, err)
		}
	}
	return nil
}

//nolint:gocyclo,cyclop,funlen // field-by-field switch
func readTensorProto(b []byte, m *TensorProto) error {
	d := decoder{b: b}
	for d.more() {
		num, typ, err := d.tag()
		if err != nil {
			return err
		}
		switch num {
		case 1:
			err = d.varints(typ, func(v uint64) { m.Dims = append(m.Dims, int64(v)) }) //nolint:gosec // G115
		case 2:
			m.DataType, err = d.int32(typ)
		case 4:
			err = d.fixed32s(typ, func(v uint32) { m.FloatData = append(m.FloatData, math.Float32frombits(v)) })
		case 5:
			err = d.varints(typ, func(v uint64) { m.Int32Data = append(m.Int32Data, int32(v)) }) //nolint:gosec // G115
		case 7:
			err = d.varints(typ, func(v uint64) { m.Int64Data = append(m.Int64Data, int64(v)) }) //nolint:gosec // G115
		case 8:
			m.Name, err = d.str(typ)
		case 9:
			m.RawData, err = d.bytes(typ)
		case 10:
			err = d.fixed64s(typ, func(v uint64) { m.DoubleData = append(m.DoubleData, math.Float64frombits(v)) })
		case 11:
			err = d.varints(typ, func(v uint64) { m.Uint64Data = append(m.Uint64Data, v) })
		case 12:
			m.DocString, err = d.str(typ)
		case 13:
			var entry StringStringEntry
			err = d.message(typ, func(b []byte) error { return readStringStringEntry(b, &entry) })
			m.ExternalData = append(m.ExternalData, entry)
		case 14:
			m.DataLocation, err = d.int32(typ)
		default:
			err = d.keep(num, typ, &m.Unknown)
		}
		if err != nil {
			return fmt.Errorf("TensorProto field %d: %w", num, err)
		}
	}
	return nil
}

func readValueInfoProto(b []byte, m *ValueInfoProto) error {
	d := decoder{b: b}
	for d.more() {
		num, typ, err := d.tag()
		if err != nil {
			return err
		}
		switch num {
		case 1:
			m.Name, err = d.str(typ)
		case 2:
			m.Type = &TypeProto{}
			err = d.message(typ, func(b []byte) error { return readTypeProto(b, m.Type) })
		case 3:
			m.DocString, err = d.str(typ)
		default:
			err = d.keep(num, typ, &m.Unknown)
		}
		if err != nil {
			return fmt.Errorf("ValueInfoProto field %d: %w", num, err)
		}
	}
	return nil
}

func readTypeProto(b []byte, m *TypeProto) error {
	d := decoder{b: b}
	for d.more() {
		num, typ, err := d.tag()
		if err != nil {
			return err
		}
		if num == 1 {
			m.TensorType = &TensorTypeProto{}
			err = d.message(typ, func(b []byte) error { return readTensorTypeProto(b, m.TensorType) })
		} else {
			err = d.keep(num, typ, &m.Unknown)
		}
		if err != nil {
			return fmt.Errorf("TypeProto field %d: %w", num, err)
		}
	}
	return nil
}

func readTensorTypeProto(b []byte, m *TensorTypeProto) error {
	d := decoder{b: b}
	for d.more() {
		num, typ, err := d.tag()
		if err != nil {
			return err
		}
		switch num {
		case 1:
			m.ElemType, err = d.int32(typ)
		case 2:
			m.Shape = &TensorShapeProto{}
			err = d.message(typ, func(b []byte) error { return readTensorShapeProto(b, m.Shape) })
		default:
			err = d.keep(num, typ, &m.Unknown)
		}
		if err != nil {
			return fmt.Errorf("TensorTypeProto field %d: %w", num, err)
		}
	}
	return nil
}

func readTensorShapeProto(b []byte, m *TensorShapeProto) error {
	d := decoder{b: b}
	for d.more() {
		num, typ, err := d.tag()
		if err != nil {
			return err
		}
		if num == 1 {
			var dim DimensionProto
			err = d.message(typ, func(b []byte) error { return readDimensionProto(b, &dim) })
			m.Dims = append(m.Dims, dim)
		} else {
			err = d.keep(num, typ, &m.Unknown)
		}
		if err != nil {
			return fmt.Errorf("TensorShapeProto field %d: %w", num, err)
		}
	}
	return nil
}

func readDimensionProto(b []byte, m *DimensionProto) error {
	d := decoder{b: b}
	for d.more() {
		num, typ, err := d.tag()
		if err != nil {
			return err
		}
		switch num {
		case 1:
			m.DimValue, err = d.int64(typ)
		case 2:
			m.DimParam, err = d.str(typ)
		default:
			err = d.keep(num, typ, &m.Unknown)
		}
		if err != nil {
			return fmt.Errorf("DimensionProto field %d: %w", num, err)
		}
	}
	return nil
}

//nolint:gocyclo,cyclop,funlen // field-by-field switch
func readAttributeProto(b []byte, m *AttributeProto) error {
	d := decoder{b: b}
	for d.more() {
		num, typ, err := d.tag()
		if err != nil {
			return err
		}
		switch num {
		case 1:
			m.Name, err = d.str(typ)
		case 2:
			m.F, err = d.float32(typ)
		case 3:
			m.I, err = d.int64(typ)
		case 4:
			m.S, err = d.bytes(typ)
		case 5:
			m.T = &TensorProto{}
			err = d.message(typ, func(b []byte) error { return readTensorProto(b, m.T) })
		case 6:
			m.G = &GraphProto{}
			err = d.message(typ, func(b []byte) error { return readGraphProto(b, m.G) })
		case 7:
			err = d.fixed32s(typ, func(v uint32) { m.Floats = append(m.Floats, math.Float32frombits(v)) })
		case 8:
			err = d.varints(typ, func(v uint64) { m.Ints = append(m.Ints, int64(v)) }) //nolint:gosec // G115
		case 9:
			var s []byte
			s, err = d.bytes(typ)
			m.Strings = append(m.Strings, s)
		case 10:
			var t TensorProto
			err = d.message(typ, func(b []byte) error { return readTensorProto(b, &t) })
			m.Tensors = append(m.Tensors, t)
		case 13:
			m.DocString, err = d.str(typ)
		case 20:
			m.Type, err = d.int32(typ)
		default:
			err = d.keep(num, typ, &m.Unknown)
		}
		if err != nil {
			return fmt.Errorf("AttributeProto field %d: %w", num, err)
		}
	}
	return nil
}

func readOperatorSetID(b []byte, m *OperatorSetID) error {
	d := decoder{b: b}
	for d.more() {
		num, typ, err := d.tag()
		if err != nil {
			return err
		}
		switch num {
		case 1:
			m.Domain, err = d.str(typ)
		case 2:
			m.Version, err = d.int64(typ)
		default:
			err = d.keep(num, typ, &m.Unknown)
		}
		if err != nil {
			return fmt.Errorf("OperatorSetIdProto field %d: %w", num, err)
		}
	}
	return nil
}

func readStringStringEntry(b []byte, m *StringStringEntry) error {
	d := decoder{b: b}
	for d.more() {
		num, typ, err := d.tag()
		if err != nil {
			return err
		}
		switch num {
		case 1:
			m.Key, err = d.str(typ)
		case 2:
			m.Value, err = d.str(typ)
		default:
			err = d.keep(num, typ, &m.Unknown)
		}
		if err != nil {
			return fmt.Errorf("StringStringEntryProto field %d: %w", num, err)
		}
	}
	return nil
}
