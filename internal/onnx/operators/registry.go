package operators

import (
	"errors"
	"fmt"
	"sort"

	"github.com/born-ml/espdl/internal/onnx"
)

// ErrUnsupported is returned for operator types without a handler.
var ErrUnsupported = errors.New("unsupported operator")

// OpHandler evaluates a node over constant inputs.
type OpHandler func(node *onnx.NodeProto, inputs []*Value) ([]*Value, error)

// Registry maps ONNX operator types to handler functions.
type Registry struct {
	handlers map[string]OpHandler
}

// NewRegistry creates a registry with all supported operators.
func NewRegistry() *Registry {
	r := &Registry{
		handlers: make(map[string]OpHandler),
	}

	r.registerMathOps()
	r.registerActivations()
	r.registerShapeOps()
	r.registerUtilityOps()

	return r
}

// Register adds or replaces an operator handler.
func (r *Registry) Register(opType string, handler OpHandler) {
	r.handlers[opType] = handler
}

// Get returns the handler for an operator type.
func (r *Registry) Get(opType string) (OpHandler, bool) {
	h, ok := r.handlers[opType]
	return h, ok
}

// Execute runs an operator with the given inputs.
func (r *Registry) Execute(node *onnx.NodeProto, inputs []*Value) ([]*Value, error) {
	if node.Domain != "" && node.Domain != "ai.onnx" {
		return nil, fmt.Errorf("%w: %s::%s", ErrUnsupported, node.Domain, node.OpType)
	}
	handler, ok := r.handlers[node.OpType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, node.OpType)
	}
	outs, err := handler(node, inputs)
	if err != nil {
		return nil, fmt.Errorf("%s %q: %w", node.OpType, node.Name, err)
	}
	return outs, nil
}

// SupportedOps returns all supported operator types, sorted.
func (r *Registry) SupportedOps() []string {
	ops := make([]string, 0, len(r.handlers))
	for op := range r.handlers {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

func one(v *Value) ([]*Value, error) {
	return []*Value{v}, nil
}

func required(inputs []*Value, n int) error {
	if len(inputs) < n {
		return fmt.Errorf("requires %d inputs, got %d", n, len(inputs))
	}
	for i := 0; i < n; i++ {
		if inputs[i] == nil {
			return fmt.Errorf("input %d is missing", i)
		}
	}
	return nil
}

func optional(inputs []*Value, i int) *Value {
	if i < len(inputs) {
		return inputs[i]
	}
	return nil
}
