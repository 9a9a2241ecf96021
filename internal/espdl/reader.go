package espdl

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// ReaderOptions configures decoding.
type ReaderOptions struct {
	SkipChecksumValidation bool            // faster but less safe
	ValidationLevel        ValidationLevel // default strict
}

// ReadFile decodes the ESP-DL file at path with strict validation.
func ReadFile(path string) (*Model, error) {
	return ReadFileWithOptions(path, ReaderOptions{ValidationLevel: ValidationStrict})
}

// ReadFileWithOptions decodes the file at path with custom options.
func ReadFileWithOptions(path string, opts ReaderOptions) (*Model, error) {
	//nolint:gosec // G304: path comes from the user.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	m, err := Read(data, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// ReadFrom decodes a model from r.
func ReadFrom(r io.Reader, opts ReaderOptions) (*Model, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read model: %w", err)
	}
	return Read(data, opts)
}

// ReadHeader decodes only the file's JSON header.
func ReadHeader(data []byte) (*Header, error) {
	h, _, err := parse(data, ReaderOptions{SkipChecksumValidation: true, ValidationLevel: ValidationNormal})
	return h, err
}

// Read decodes a model from an in-memory file.
func Read(data []byte, opts ReaderOptions) (*Model, error) {
	header, section, err := parse(data, opts)
	if err != nil {
		return nil, err
	}

	m := &Model{
		Name:       header.Graph.Name,
		Opset:      header.Graph.Opset,
		Target:     header.Graph.Target,
		NumOfBits:  header.Graph.NumOfBits,
		Precision:  header.Graph.Precision,
		Inputs:     header.Graph.Inputs,
		Outputs:    header.Graph.Outputs,
		ValueInfos: header.Graph.ValueInfos,
		Nodes:      header.Graph.Nodes,
		Metadata:   header.Metadata,
	}
	if header.CreatedAt != nil {
		m.CreatedAt = header.CreatedAt.In(time.UTC)
	}

	for _, meta := range header.Tensors {
		if meta.Offset < 0 || meta.Size < 0 || meta.Size > int64(len(section))-meta.Offset {
			return nil, &ValidationError{
				Type:    "out_of_bounds",
				Tensor:  meta.Name,
				Details: fmt.Sprintf("offset %d + size %d > data_size %d", meta.Offset, meta.Size, len(section)),
			}
		}
		t := &Tensor{
			Name:      meta.Name,
			DType:     meta.DType,
			Shape:     meta.Shape,
			Exponents: meta.Exponents,
			Data:      append([]byte(nil), section[meta.Offset:meta.Offset+meta.Size]...),
		}
		switch meta.Role {
		case RoleTestInput:
			m.TestInputs = append(m.TestInputs, t)
		case RoleTestOutput:
			m.TestOutputs = append(m.TestOutputs, t)
		default:
			m.Tensors = append(m.Tensors, t)
		}
	}
	return m, nil
}

// parse validates the framing and returns the header and the data section.
func parse(data []byte, opts ReaderOptions) (*Header, []byte, error) {
	if len(data) < FileHeaderSize {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrTruncated, len(data))
	}
	if string(data[:4]) != MagicBytes {
		return nil, nil, fmt.Errorf("%w: got %q, expected %q", ErrInvalidMagic, data[:4], MagicBytes)
	}
	if mode := binary.LittleEndian.Uint32(data[4:8]); mode != ModePlain {
		return nil, nil, fmt.Errorf("%w: %d", ErrUnsupportedMode, mode)
	}
	payloadSize := int64(binary.LittleEndian.Uint32(data[8:12]))
	payload := data[FileHeaderSize:]
	if int64(len(payload)) != payloadSize {
		return nil, nil, fmt.Errorf("%w: payload is %d bytes, header says %d", ErrTruncated, len(payload), payloadSize)
	}
	if len(payload) < FixedHeaderSize {
		return nil, nil, fmt.Errorf("%w: payload shorter than fixed header", ErrTruncated)
	}

	if version := binary.LittleEndian.Uint32(payload[0:4]); version != FormatVersion {
		return nil, nil, fmt.Errorf("%w: got %d, expected %d", ErrUnsupportedVersion, version, FormatVersion)
	}
	headerSize := binary.LittleEndian.Uint64(payload[8:16])
	dataSize := binary.LittleEndian.Uint64(payload[16:24])
	var stored [ChecksumSize]byte
	copy(stored[:], payload[ChecksumOffset:ChecksumOffset+ChecksumSize])

	if headerSize > MaxHeaderSize {
		return nil, nil, ErrHeaderTooLarge
	}
	headerEnd := int64(FixedHeaderSize) + int64(headerSize) //nolint:gosec // G115: bounded above.
	dataStart := align(headerEnd)
	if dataSize > uint64(len(payload)) || dataStart+int64(dataSize) != int64(len(payload)) { //nolint:gosec // G115
		return nil, nil, fmt.Errorf("%w: header %d + data %d bytes do not fill a %d byte payload",
			ErrTruncated, headerSize, dataSize, len(payload))
	}

	var header Header
	if err := json.Unmarshal(payload[FixedHeaderSize:headerEnd], &header); err != nil {
		return nil, nil, fmt.Errorf("failed to parse header JSON: %w", err)
	}
	section := payload[dataStart:]

	if !opts.SkipChecksumValidation {
		if sha256.Sum256(section) != stored {
			return nil, nil, ErrChecksumMismatch
		}
	}
	if err := ValidateHeader(&header, int64(len(section)), opts.ValidationLevel); err != nil {
		return nil, nil, fmt.Errorf("validation failed: %w", err)
	}
	return &header, section, nil
}
