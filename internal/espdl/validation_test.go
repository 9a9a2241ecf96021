package espdl

import (
	"errors"
	"math"
	"strings"
	"testing"
)

func TestValidateTensorOffsets(t *testing.T) {
	tests := []struct {
		name     string
		tensors  []TensorMeta
		dataSize int64
		wantType string
	}{
		{"ok", []TensorMeta{{Name: "a", Offset: 0, Size: 10}, {Name: "b", Offset: 16, Size: 16}}, 32, ""},
		{"overlap", []TensorMeta{{Name: "a", Offset: 0, Size: 20}, {Name: "b", Offset: 16, Size: 4}}, 32, "offset_overlap"},
		{"out of bounds", []TensorMeta{{Name: "a", Offset: 16, Size: 20}}, 32, "out_of_bounds"},
		{"negative", []TensorMeta{{Name: "a", Offset: -16, Size: 4}}, 32, "negative_offset"},
		{"misaligned", []TensorMeta{{Name: "a", Offset: 4, Size: 4}}, 32, "misaligned"},
		{"end overflows int64", []TensorMeta{{Name: "a", Offset: 1 << 62, Size: 1 << 62}}, 32, "out_of_bounds"},
		{"size overflows int64", []TensorMeta{{Name: "a", Offset: 16, Size: math.MaxInt64}}, 32, "out_of_bounds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTensorOffsets(tt.tensors, tt.dataSize)
			if tt.wantType == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Type != tt.wantType {
				t.Errorf("type = %q, want %q", verr.Type, tt.wantType)
			}
		})
	}
}

func TestValidationErrorSentinels(t *testing.T) {
	err := ValidateTensorOffsets([]TensorMeta{{Name: "a", Offset: 0, Size: 20}, {Name: "b", Offset: 16, Size: 4}}, 64)
	if !errors.Is(err, ErrOffsetOverlap) {
		t.Errorf("expected ErrOffsetOverlap, got %v", err)
	}
	if !strings.Contains(err.Error(), `"a" and "b"`) {
		t.Errorf("error should name both tensors: %v", err)
	}
	err = ValidateTensorOffsets([]TensorMeta{{Name: "a", Offset: 0, Size: 100}}, 64)
	if !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("expected ErrOutOfBounds, got %v", err)
	}
}

func TestValidateTensorName(t *testing.T) {
	valid := []string{"conv.weight", "/model.0/conv/Conv_output_0", "model.23.cv3.0.1.bn"}
	for _, name := range valid {
		if err := ValidateTensorName(name); err != nil {
			t.Errorf("ValidateTensorName(%q) = %v", name, err)
		}
	}
	invalid := []string{"", "a\x00b", strings.Repeat("x", MaxTensorNameLen+1)}
	for _, name := range invalid {
		if err := ValidateTensorName(name); err == nil {
			t.Errorf("ValidateTensorName(%.10q) should fail", name)
		}
	}
}

func TestValidateTensorMeta(t *testing.T) {
	ok := TensorMeta{Name: "w", Role: RoleWeight, DType: Float16, Shape: []int64{2, 3}, Size: 12}
	if err := ValidateTensorMeta(ok); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cases := map[string]TensorMeta{
		"invalid_dtype": {Name: "w", Role: RoleWeight, DType: "complex64", Shape: []int64{1}, Size: 8},
		"invalid_shape": {Name: "w", Role: RoleWeight, DType: Int8, Shape: []int64{-1}, Size: 1},
		"size_mismatch": {Name: "w", Role: RoleWeight, DType: Int16, Shape: []int64{4}, Size: 4},
		"invalid_role":  {Name: "w", Role: "bias", DType: Int8, Shape: []int64{4}, Size: 4},
	}
	overflow := []TensorMeta{
		{Name: "w", Role: RoleWeight, DType: Int8, Shape: []int64{1 << 32, 1 << 32}, Size: 0},
		{Name: "w", Role: RoleWeight, DType: Int64, Shape: []int64{1 << 62}, Size: 0},
	}
	for _, meta := range overflow {
		var verr *ValidationError
		if err := ValidateTensorMeta(meta); !errors.As(err, &verr) || verr.Type != "invalid_shape" {
			t.Errorf("shape %v: got %v", meta.Shape, err)
		}
	}
	for want, meta := range cases {
		var verr *ValidationError
		if err := ValidateTensorMeta(meta); !errors.As(err, &verr) || verr.Type != want {
			t.Errorf("%s: got %v", want, err)
		}
	}
}

func TestValidateGraph(t *testing.T) {
	g := GraphMeta{
		Inputs:  []ValueInfo{{Name: "x"}},
		Outputs: []ValueInfo{{Name: "y"}},
		Nodes: []Node{
			{Name: "mul", OpType: "Mul", Inputs: []string{"x", "k"}, Outputs: []string{"t"}},
			{Name: "relu", OpType: "Relu", Inputs: []string{"t"}, Outputs: []string{"y"}},
		},
	}
	weights := []TensorMeta{{Name: "k", Role: RoleWeight}}
	if err := ValidateGraph(&g, weights); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Test tensors do not count as weights.
	var verr *ValidationError
	err := ValidateGraph(&g, []TensorMeta{{Name: "k", Role: RoleTestInput}})
	if !errors.As(err, &verr) || verr.Type != "dangling_input" {
		t.Errorf("expected dangling_input, got %v", err)
	}

	g.Outputs = append(g.Outputs, ValueInfo{Name: "z"})
	err = ValidateGraph(&g, weights)
	if !errors.As(err, &verr) || verr.Type != "dangling_output" {
		t.Errorf("expected dangling_output, got %v", err)
	}
}

func TestValidateHeaderLevels(t *testing.T) {
	h := &Header{
		FormatVersion: FormatVersion,
		Tensors: []TensorMeta{
			{Name: "a", Role: RoleWeight, DType: Int8, Shape: []int64{20}, Offset: 0, Size: 20},
			{Name: "b", Role: RoleWeight, DType: Int8, Shape: []int64{4}, Offset: 16, Size: 4},
		},
	}
	if err := ValidateHeader(h, 64, ValidationStrict); !errors.Is(err, ErrOffsetOverlap) {
		t.Errorf("strict: expected overlap, got %v", err)
	}
	if err := ValidateHeader(h, 64, ValidationNormal); err != nil {
		t.Errorf("normal: unexpected error %v", err)
	}
	h.Tensors = append(h.Tensors, h.Tensors[0])
	var verr *ValidationError
	if err := ValidateHeader(h, 64, ValidationNormal); !errors.As(err, &verr) || verr.Type != "duplicate_tensor" {
		t.Errorf("normal: expected duplicate_tensor, got %v", err)
	}
	if err := ValidateHeader(h, 64, ValidationNone); err != nil {
		t.Errorf("none: unexpected error %v", err)
	}
	h.FormatVersion = 7
	if err := ValidateHeader(h, 64, ValidationNormal); !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("expected ErrUnsupportedVersion, got %v", err)
	}
}
