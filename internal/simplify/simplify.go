package simplify

import (
	"context"
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/born-ml/espdl/internal/onnx"
	"github.com/born-ml/espdl/internal/onnx/operators"
)

// DefaultMaxIterations bounds the pass loop.
const DefaultMaxIterations = 10

// DefaultMaxFoldElements is the largest tensor constant folding materializes.
const DefaultMaxFoldElements = 1 << 20

// ErrInputShape is returned when a fixed input shape conflicts with the model.
var ErrInputShape = errors.New("input shape does not match model")

// Options control simplification.
type Options struct {
	// FixedInputShape replaces symbolic or unknown dims of every graph input
	// with the same rank. Nil leaves inputs untouched.
	FixedInputShape []int64
	// SkipConstantFolding disables constant lifting and folding.
	SkipConstantFolding bool
	// SkipFuse disables no-op elimination.
	SkipFuse bool
	// MaxIterations bounds the pass loop (DefaultMaxIterations when <= 0).
	MaxIterations int
	// MaxFoldElements skips folds producing larger tensors
	// (DefaultMaxFoldElements when <= 0).
	MaxFoldElements int64
}

// Result reports what simplification changed.
type Result struct {
	NodesBefore         int
	NodesAfter          int
	InitializersBefore  int
	InitializersAfter   int
	Iterations          int
	FixedInputs         int
	ConstantsLifted     int
	Folded              int
	Eliminated          int
	DeadNodes           int
	InitializersRemoved int
	Check               bool
}

// String renders a one-line summary.
func (r Result) String() string {
	return fmt.Sprintf("nodes %d -> %d, initializers %d -> %d, folded %d, eliminated %d, dead %d, iterations %d, check %v",
		r.NodesBefore, r.NodesAfter, r.InitializersBefore, r.InitializersAfter,
		r.Folded, r.Eliminated, r.DeadNodes, r.Iterations, r.Check)
}

type simplifier struct {
	graph    *onnx.GraphProto
	registry *operators.Registry
	opts     Options
	result   *Result
	log      klog.Logger
}

// Simplify returns a simplified copy of model. The input model is not
// modified. The returned model has passed Check.
func Simplify(ctx context.Context, model *onnx.ModelProto, opts Options) (*onnx.ModelProto, Result, error) {
	var res Result
	if model.Graph == nil {
		return nil, res, errors.New("model has no graph")
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.MaxFoldElements <= 0 {
		opts.MaxFoldElements = DefaultMaxFoldElements
	}

	out, err := model.Clone()
	if err != nil {
		return nil, res, fmt.Errorf("copying model: %w", err)
	}
	g := out.Graph
	res.NodesBefore = len(g.Nodes)
	res.InitializersBefore = len(g.Initializers)

	s := &simplifier{
		graph:    g,
		registry: operators.NewRegistry(),
		opts:     opts,
		result:   &res,
		log:      klog.FromContext(ctx).WithName("simplify"),
	}

	if opts.FixedInputShape != nil {
		if err := s.fixInputs(); err != nil {
			return nil, res, err
		}
	}
	if g.Nodes, err = onnx.TopologicalSort(g.Nodes); err != nil {
		return nil, res, err
	}

	for res.Iterations < opts.MaxIterations {
		if err := ctx.Err(); err != nil {
			return nil, res, err
		}
		res.Iterations++
		if err := s.refreshShapes(out); err != nil {
			return nil, res, err
		}

		changed := 0
		if !opts.SkipConstantFolding {
			changed += s.liftConstants()
			changed += s.fold()
		}
		if !opts.SkipFuse {
			changed += s.eliminateNoOps()
		}
		changed += s.removeDead()
		s.log.V(2).Info("Simplification pass", "iteration", res.Iterations, "changes", changed, "nodes", len(g.Nodes))
		if changed == 0 {
			break
		}
	}

	if err := s.refreshShapes(out); err != nil {
		return nil, res, err
	}
	res.NodesAfter = len(g.Nodes)
	res.InitializersAfter = len(g.Initializers)

	if err := Check(out); err != nil {
		return nil, res, err
	}
	res.Check = true
	s.log.Info("Simplified model", "nodesBefore", res.NodesBefore, "nodesAfter", res.NodesAfter,
		"folded", res.Folded, "eliminated", res.Eliminated, "iterations", res.Iterations)
	return out, res, nil
}

// fixInputs pins symbolic input dims to opts.FixedInputShape.
func (s *simplifier) fixInputs() error {
	fixed := s.opts.FixedInputShape
	for _, in := range s.graph.RealInputs() {
		if in.Type == nil || in.Type.TensorType == nil {
			continue
		}
		tt := in.Type.TensorType
		if tt.Shape == nil {
			tt.Shape = &onnx.TensorShapeProto{Dims: make([]onnx.DimensionProto, len(fixed))}
		}
		if len(tt.Shape.Dims) != len(fixed) {
			return fmt.Errorf("%w: input %q has rank %d, fixed shape %v", ErrInputShape, in.Name, len(tt.Shape.Dims), fixed)
		}
		for i := range tt.Shape.Dims {
			d := &tt.Shape.Dims[i]
			if d.DimParam == "" && d.DimValue > 0 && d.DimValue != fixed[i] {
				return fmt.Errorf("%w: input %q dim %d is %d, fixed shape %v", ErrInputShape, in.Name, i, d.DimValue, fixed)
			}
			d.DimValue, d.DimParam = fixed[i], ""
		}
		s.result.FixedInputs++
		s.log.V(2).Info("Fixed input shape", "input", in.Name, "shape", onnx.ShapeString(fixed))
	}
	return nil
}

// refreshShapes recomputes value_info from scratch.
func (s *simplifier) refreshShapes(m *onnx.ModelProto) error {
	s.graph.ValueInfo = nil
	if _, err := onnx.InferShapes(m); err != nil {
		return fmt.Errorf("shape inference: %w", err)
	}
	return nil
}

// staticShapes indexes every tensor with a fully known shape.
func (s *simplifier) staticShapes() map[string]*onnx.ValueInfoProto {
	m := make(map[string]*onnx.ValueInfoProto)
	for _, list := range [][]onnx.ValueInfoProto{s.graph.Inputs, s.graph.ValueInfo, s.graph.Outputs} {
		for i := range list {
			if _, ok := list[i].StaticDims(); ok {
				m[list[i].Name] = &list[i]
			}
		}
	}
	return m
}
