package onnx

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"google.golang.org/protobuf/encoding/protowire"
)

// Marshal encodes a model into ONNX protobuf wire format.
// Repeated scalars are written packed. Fields the parser kept in Unknown
// follow the modeled fields of their message.
func Marshal(m *ModelProto) []byte {
	return appendModelProto(nil, m)
}

// SaveFile writes the model to path atomically (temp file + rename).
func SaveFile(m *ModelProto, path string) error {
	data := Marshal(m)

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }() // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// Clone returns a deep copy of the model.
func (m *ModelProto) Clone() (*ModelProto, error) {
	return Parse(Marshal(m))
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendRaw(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v)) //nolint:gosec // G115: two's complement varint.
}

func appendNonZero(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	return appendVarint(b, num, v)
}

func appendMessage(b []byte, num protowire.Number, encode func([]byte) []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, encode(nil))
}

func appendPackedInt64s(b []byte, num protowire.Number, vs []int64) []byte {
	if len(vs) == 0 {
		return b
	}
	var p []byte
	for _, v := range vs {
		p = protowire.AppendVarint(p, uint64(v)) //nolint:gosec // G115
	}
	return appendRaw(b, num, p)
}

func appendPackedFloat32s(b []byte, num protowire.Number, vs []float32) []byte {
	if len(vs) == 0 {
		return b
	}
	p := make([]byte, 0, 4*len(vs))
	for _, v := range vs {
		p = protowire.AppendFixed32(p, math.Float32bits(v))
	}
	return appendRaw(b, num, p)
}

func appendModelProto(b []byte, m *ModelProto) []byte {
	b = appendVarint(b, 1, m.IRVersion)
	b = appendString(b, 2, m.ProducerName)
	b = appendString(b, 3, m.ProducerVersion)
	b = appendString(b, 4, m.Domain)
	b = appendNonZero(b, 5, m.ModelVersion)
	b = appendString(b, 6, m.DocString)
	if m.Graph != nil {
		b = appendMessage(b, 7, func(b []byte) []byte { return appendGraphProto(b, m.Graph) })
	}
	for i := range m.OpsetImport {
		op := &m.OpsetImport[i]
		b = appendMessage(b, 8, func(b []byte) []byte {
			b = appendString(b, 1, op.Domain)
			b = appendVarint(b, 2, op.Version)
			return append(b, op.Unknown...)
		})
	}
	for i := range m.MetadataProps {
		b = appendMessage(b, 14, func(b []byte) []byte { return appendEntry(b, &m.MetadataProps[i]) })
	}
	return append(b, m.Unknown...)
}

func appendEntry(b []byte, e *StringStringEntry) []byte {
	b = appendString(b, 1, e.Key)
	b = appendString(b, 2, e.Value)
	return append(b, e.Unknown...)
}

func appendGraphProto(b []byte, g *GraphProto) []byte {
	for i := range g.Nodes {
		b = appendMessage(b, 1, func(b []byte) []byte { return appendNodeProto(b, &g.Nodes[i]) })
	}
	b = appendString(b, 2, g.Name)
	for i := range g.Initializers {
		b = appendMessage(b, 5, func(b []byte) []byte { return appendTensorProto(b, &g.Initializers[i]) })
	}
	b = appendString(b, 10, g.DocString)
	for i := range g.Inputs {
		b = appendMessage(b, 11, func(b []byte) []byte { return appendValueInfoProto(b, &g.Inputs[i]) })
	}
	for i := range g.Outputs {
		b = appendMessage(b, 12, func(b []byte) []byte { return appendValueInfoProto(b, &g.Outputs[i]) })
	}
	for i := range g.ValueInfo {
		b = appendMessage(b, 13, func(b []byte) []byte { return appendValueInfoProto(b, &g.ValueInfo[i]) })
	}
	return append(b, g.Unknown...)
}

func appendNodeProto(b []byte, n *NodeProto) []byte {
	// Empty names are meaningful for optional inputs, so they are always written.
	for _, in := range n.Inputs {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, in)
	}
	for _, out := range n.Outputs {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, out)
	}
	b = appendString(b, 3, n.Name)
	b = appendString(b, 4, n.OpType)
	for i := range n.Attributes {
		b = appendMessage(b, 5, func(b []byte) []byte { return appendAttributeProto(b, &n.Attributes[i]) })
	}
	b = appendString(b, 6, n.DocString)
	b = appendString(b, 7, n.Domain)
	return append(b, n.Unknown...)
}

func appendTensorProto(b []byte, t *TensorProto) []byte {
	b = appendPackedInt64s(b, 1, t.Dims)
	b = appendVarint(b, 2, int64(t.DataType))
	b = appendPackedFloat32s(b, 4, t.FloatData)
	if len(t.Int32Data) > 0 {
		vs := make([]int64, len(t.Int32Data))
		for i, v := range t.Int32Data {
			vs[i] = int64(v)
		}
		b = appendPackedInt64s(b, 5, vs)
	}
	b = appendPackedInt64s(b, 7, t.Int64Data)
	b = appendString(b, 8, t.Name)
	b = appendRaw(b, 9, t.RawData)
	if len(t.DoubleData) > 0 {
		p := make([]byte, 0, 8*len(t.DoubleData))
		for _, v := range t.DoubleData {
			p = protowire.AppendFixed64(p, math.Float64bits(v))
		}
		b = appendRaw(b, 10, p)
	}
	if len(t.Uint64Data) > 0 {
		var p []byte
		for _, v := range t.Uint64Data {
			p = protowire.AppendVarint(p, v)
		}
		b = appendRaw(b, 11, p)
	}
	b = appendString(b, 12, t.DocString)
	for i := range t.ExternalData {
		b = appendMessage(b, 13, func(b []byte) []byte { return appendEntry(b, &t.ExternalData[i]) })
	}
	b = appendNonZero(b, 14, int64(t.DataLocation))
	return append(b, t.Unknown...)
}

func appendValueInfoProto(b []byte, v *ValueInfoProto) []byte {
	b = appendString(b, 1, v.Name)
	// Sequence, map and optional types only exist as Unknown bytes.
	if v.Type != nil && (v.Type.TensorType != nil || len(v.Type.Unknown) > 0) {
		b = appendMessage(b, 2, func(b []byte) []byte { return appendTypeProto(b, v.Type) })
	}
	b = appendString(b, 3, v.DocString)
	return append(b, v.Unknown...)
}

func appendTypeProto(b []byte, t *TypeProto) []byte {
	if tt := t.TensorType; tt != nil {
		b = appendMessage(b, 1, func(b []byte) []byte {
			b = appendVarint(b, 1, int64(tt.ElemType))
			if tt.Shape != nil {
				b = appendMessage(b, 2, func(b []byte) []byte { return appendShape(b, tt.Shape) })
			}
			return append(b, tt.Unknown...)
		})
	}
	return append(b, t.Unknown...)
}

func appendShape(b []byte, s *TensorShapeProto) []byte {
	for i := range s.Dims {
		dim := &s.Dims[i]
		b = appendMessage(b, 1, func(b []byte) []byte {
			if dim.DimParam != "" {
				b = appendString(b, 2, dim.DimParam)
			} else {
				b = appendVarint(b, 1, dim.DimValue)
			}
			return append(b, dim.Unknown...)
		})
	}
	return append(b, s.Unknown...)
}

//nolint:gocyclo,cyclop // one branch per attribute type
func appendAttributeProto(b []byte, a *AttributeProto) []byte {
	b = appendString(b, 1, a.Name)
	switch a.Type {
	case AttributeProtoFloat:
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(a.F))
	case AttributeProtoInt:
		b = appendVarint(b, 3, a.I)
	case AttributeProtoString:
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, a.S)
	case AttributeProtoTensor:
		if a.T != nil {
			b = appendMessage(b, 5, func(b []byte) []byte { return appendTensorProto(b, a.T) })
		}
	case AttributeProtoGraph:
		if a.G != nil {
			b = appendMessage(b, 6, func(b []byte) []byte { return appendGraphProto(b, a.G) })
		}
	case AttributeProtoFloats:
		b = appendPackedFloat32s(b, 7, a.Floats)
	case AttributeProtoInts:
		b = appendPackedInt64s(b, 8, a.Ints)
	case AttributeProtoStrings:
		for _, s := range a.Strings {
			b = protowire.AppendTag(b, 9, protowire.BytesType)
			b = protowire.AppendBytes(b, s)
		}
	case AttributeProtoTensors:
		for i := range a.Tensors {
			b = appendMessage(b, 10, func(b []byte) []byte { return appendTensorProto(b, &a.Tensors[i]) })
		}
	}
	b = appendString(b, 13, a.DocString)
	b = appendVarint(b, 20, int64(a.Type))
	return append(b, a.Unknown...)
}
