package espdl

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Marshal encodes the model into the ESP-DL container.
// The output is deterministic: tensors keep model order and CreatedAt is
// written only when set.
func Marshal(m *Model) ([]byte, error) {
	header := Header{
		FormatVersion:   FormatVersion,
		Producer:        producerName,
		ProducerVersion: producerVersion,
		Graph: GraphMeta{
			Name:       m.Name,
			Opset:      m.Opset,
			Target:     m.Target,
			NumOfBits:  m.NumOfBits,
			Precision:  m.Precision,
			Inputs:     m.Inputs,
			Outputs:    m.Outputs,
			ValueInfos: m.ValueInfos,
			Nodes:      m.Nodes,
		},
		Metadata: m.Metadata,
	}
	if !m.CreatedAt.IsZero() {
		created := m.CreatedAt.UTC()
		header.CreatedAt = &created
	}

	type entry struct {
		role string
		t    *Tensor
	}
	entries := make([]entry, 0, len(m.Tensors)+len(m.TestInputs)+len(m.TestOutputs))
	for _, t := range m.Tensors {
		entries = append(entries, entry{RoleWeight, t})
	}
	for _, t := range m.TestInputs {
		entries = append(entries, entry{RoleTestInput, t})
	}
	for _, t := range m.TestOutputs {
		entries = append(entries, entry{RoleTestOutput, t})
	}

	var offset int64
	header.Tensors = make([]TensorMeta, 0, len(entries))
	for _, e := range entries {
		if err := ValidateTensorName(e.t.Name); err != nil {
			return nil, err
		}
		if err := e.t.Validate(); err != nil {
			return nil, err
		}
		offset = align(offset)
		header.Tensors = append(header.Tensors, TensorMeta{
			Name:      e.t.Name,
			Role:      e.role,
			DType:     e.t.DType,
			Shape:     e.t.Shape,
			Exponents: e.t.Exponents,
			Offset:    offset,
			Size:      int64(len(e.t.Data)),
		})
		offset += int64(len(e.t.Data))
	}
	dataSize := align(offset)

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal header: %w", err)
	}
	if len(headerJSON) > MaxHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrHeaderTooLarge, len(headerJSON))
	}

	data := make([]byte, dataSize)
	for i, e := range entries {
		copy(data[header.Tensors[i].Offset:], e.t.Data)
	}

	flags := uint32(0)
	if len(m.TestInputs) > 0 || len(m.TestOutputs) > 0 {
		flags |= FlagHasTestData
	}
	if m.Precision == string(Float16) {
		flags |= FlagFloat16
	}

	headerEnd := int64(FixedHeaderSize) + int64(len(headerJSON))
	dataStart := align(headerEnd)
	payloadSize := dataStart + dataSize
	if payloadSize > maxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, payloadSize)
	}

	out := make([]byte, FileHeaderSize+payloadSize)
	copy(out, MagicBytes)
	binary.LittleEndian.PutUint32(out[4:], ModePlain)
	binary.LittleEndian.PutUint32(out[8:], uint32(payloadSize)) //nolint:gosec // G115: bounded above.

	payload := out[FileHeaderSize:]
	binary.LittleEndian.PutUint32(payload[0:], FormatVersion)
	binary.LittleEndian.PutUint32(payload[4:], flags)
	binary.LittleEndian.PutUint64(payload[8:], uint64(len(headerJSON)))
	binary.LittleEndian.PutUint64(payload[16:], uint64(dataSize)) //nolint:gosec // G115
	sum := sha256.Sum256(data)
	copy(payload[ChecksumOffset:ChecksumOffset+ChecksumSize], sum[:])
	copy(payload[FixedHeaderSize:], headerJSON)
	copy(payload[dataStart:], data)

	return out, nil
}

// Write encodes the model to w.
func Write(w io.Writer, m *Model) error {
	data, err := Marshal(m)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write model: %w", err)
	}
	return nil
}

// WriteFile writes the model to path atomically (temp file + rename).
func WriteFile(path string, m *Model) error {
	data, err := Marshal(m)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }() // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
