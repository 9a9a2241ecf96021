package espdl

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Validation limits for untrusted files.
const (
	MaxHeaderSize    = 64 * 1024 * 1024
	MaxTensorCount   = 100_000
	MaxNodeCount     = 100_000
	MaxTensorNameLen = 4096
)

// ValidationLevel controls the strictness of validation.
type ValidationLevel int

const (
	// ValidationStrict performs all checks (default).
	ValidationStrict ValidationLevel = iota
	// ValidationNormal skips the offset and graph reference checks.
	ValidationNormal
	// ValidationNone skips validation. Use only with trusted input.
	ValidationNone
)

// ValidateTensorOffsets checks for overlapping, misaligned and out-of-bounds tensors.
func ValidateTensorOffsets(tensors []TensorMeta, dataSize int64) error {
	if len(tensors) > MaxTensorCount {
		return &ValidationError{
			Type:    "too_many_tensors",
			Details: fmt.Sprintf("got %d, max %d", len(tensors), MaxTensorCount),
		}
	}

	sorted := make([]TensorMeta, len(tensors))
	copy(sorted, tensors)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Offset < sorted[j].Offset
	})

	for i, t := range sorted {
		if t.Offset < 0 || t.Size < 0 {
			return &ValidationError{
				Type:    "negative_offset",
				Tensor:  t.Name,
				Details: fmt.Sprintf("offset=%d, size=%d", t.Offset, t.Size),
			}
		}
		if t.Offset%TensorAlignment != 0 {
			return &ValidationError{
				Type:    "misaligned",
				Tensor:  t.Name,
				Details: fmt.Sprintf("offset %d is not a multiple of %d", t.Offset, TensorAlignment),
			}
		}
		// Offset and Size are non-negative, so the subtraction cannot overflow.
		if t.Size > dataSize-t.Offset {
			return &ValidationError{
				Type:    "out_of_bounds",
				Tensor:  t.Name,
				Details: fmt.Sprintf("offset %d + size %d > data_size %d", t.Offset, t.Size, dataSize),
			}
		}
		if i < len(sorted)-1 {
			next := sorted[i+1]
			if t.Offset+t.Size > next.Offset {
				return &ValidationError{
					Type:    "offset_overlap",
					Tensor:  t.Name,
					Tensor2: next.Name,
					Details: fmt.Sprintf("regions [%d-%d] and [%d-%d] overlap",
						t.Offset, t.Offset+t.Size, next.Offset, next.Offset+next.Size),
				}
			}
		}
	}
	return nil
}

// ValidateTensorName rejects empty, oversized and NUL-containing names.
// Slashes are allowed: exported graphs name tensors like "/model.0/conv/Conv_output_0".
func ValidateTensorName(name string) error {
	if name == "" {
		return &ValidationError{Type: "invalid_name", Details: "empty tensor name"}
	}
	if len(name) > MaxTensorNameLen {
		return &ValidationError{
			Type:    "name_too_long",
			Tensor:  name[:32] + "...",
			Details: fmt.Sprintf("length %d > max %d", len(name), MaxTensorNameLen),
		}
	}
	if strings.Contains(name, "\x00") {
		return &ValidationError{Type: "invalid_name", Tensor: name, Details: "contains null byte"}
	}
	return nil
}

// ValidateTensorMeta checks that a tensor's size matches its dtype and shape.
func ValidateTensorMeta(t TensorMeta) error {
	size := t.DType.Size()
	if size == 0 {
		return &ValidationError{Type: "invalid_dtype", Tensor: t.Name, Details: fmt.Sprintf("unknown dtype %q", t.DType)}
	}
	n := int64(1)
	for _, d := range t.Shape {
		if d < 0 {
			return &ValidationError{Type: "invalid_shape", Tensor: t.Name, Details: fmt.Sprintf("negative dimension in %v", t.Shape)}
		}
		if d > 0 && n > math.MaxInt64/d {
			return &ValidationError{Type: "invalid_shape", Tensor: t.Name, Details: fmt.Sprintf("element count of %v overflows int64", t.Shape)}
		}
		n *= d
	}
	if n > math.MaxInt64/int64(size) {
		return &ValidationError{Type: "invalid_shape", Tensor: t.Name, Details: fmt.Sprintf("byte size of %v %s overflows int64", t.Shape, t.DType)}
	}
	if n*int64(size) != t.Size {
		return &ValidationError{
			Type:    "size_mismatch",
			Tensor:  t.Name,
			Details: fmt.Sprintf("size %d, shape %v of %s needs %d", t.Size, t.Shape, t.DType, n*int64(size)),
		}
	}
	switch t.Role {
	case RoleWeight, RoleTestInput, RoleTestOutput:
	default:
		return &ValidationError{Type: "invalid_role", Tensor: t.Name, Details: fmt.Sprintf("unknown role %q", t.Role)}
	}
	return nil
}

// ValidateGraph checks that every node input is produced by a graph input,
// a weight or an earlier node, and that graph outputs are produced.
func ValidateGraph(g *GraphMeta, tensors []TensorMeta) error {
	if len(g.Nodes) > MaxNodeCount {
		return &ValidationError{Type: "too_many_nodes", Details: fmt.Sprintf("got %d, max %d", len(g.Nodes), MaxNodeCount)}
	}
	known := make(map[string]bool, len(g.Inputs)+len(tensors))
	for _, vi := range g.Inputs {
		known[vi.Name] = true
	}
	for _, t := range tensors {
		if t.Role == RoleWeight {
			known[t.Name] = true
		}
	}
	for _, n := range g.Nodes {
		for _, in := range n.Inputs {
			if in != "" && !known[in] {
				return &ValidationError{Type: "dangling_input", Tensor: n.Name, Details: fmt.Sprintf("input %q is not produced before use", in)}
			}
		}
		for _, out := range n.Outputs {
			if out != "" {
				known[out] = true
			}
		}
	}
	for _, vi := range g.Outputs {
		if !known[vi.Name] {
			return &ValidationError{Type: "dangling_output", Tensor: vi.Name, Details: "graph output is never produced"}
		}
	}
	return nil
}

// ValidateHeader performs header validation at the given level.
func ValidateHeader(h *Header, dataSize int64, level ValidationLevel) error {
	if level == ValidationNone {
		return nil
	}
	if h.FormatVersion != FormatVersion {
		return fmt.Errorf("%w: header says %d", ErrUnsupportedVersion, h.FormatVersion)
	}
	if len(h.Tensors) > MaxTensorCount {
		return &ValidationError{
			Type:    "too_many_tensors",
			Details: fmt.Sprintf("got %d, max %d", len(h.Tensors), MaxTensorCount),
		}
	}

	seen := make(map[string]string, len(h.Tensors))
	for _, t := range h.Tensors {
		if err := ValidateTensorName(t.Name); err != nil {
			return err
		}
		key := t.Role + "/" + t.Name
		if _, dup := seen[key]; dup {
			return &ValidationError{Type: "duplicate_tensor", Tensor: t.Name, Tensor2: t.Name, Details: "name used twice in role " + t.Role}
		}
		seen[key] = t.Name
		if err := ValidateTensorMeta(t); err != nil {
			return err
		}
	}

	if level == ValidationStrict {
		if err := ValidateTensorOffsets(h.Tensors, dataSize); err != nil {
			return err
		}
		if err := ValidateGraph(&h.Graph, h.Tensors); err != nil {
			return err
		}
	}
	return nil
}
