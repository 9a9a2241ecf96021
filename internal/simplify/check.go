package simplify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"k8s.io/klog/v2"

	"github.com/born-ml/espdl/internal/onnx"
	"github.com/born-ml/espdl/internal/tensor"
)

// ErrCheckFailed is returned when a model fails validation.
var ErrCheckFailed = errors.New("model check failed")

// Numeric check tolerances.
const (
	CheckRTol = 1e-3
	CheckATol = 1e-4
)

// Problem is one validation finding.
type Problem struct {
	Node    string // node name, empty for graph-level problems
	Tensor  string
	Message string
}

func (p Problem) String() string {
	var b strings.Builder
	if p.Node != "" {
		fmt.Fprintf(&b, "node %q: ", p.Node)
	}
	if p.Tensor != "" {
		fmt.Fprintf(&b, "tensor %q: ", p.Tensor)
	}
	b.WriteString(p.Message)
	return b.String()
}

// CheckError lists every problem found. It matches ErrCheckFailed.
type CheckError struct {
	Problems []Problem
}

func (e *CheckError) Error() string {
	const shown = 5
	parts := make([]string, 0, shown)
	for i, p := range e.Problems {
		if i == shown {
			parts = append(parts, fmt.Sprintf("and %d more", len(e.Problems)-shown))
			break
		}
		parts = append(parts, p.String())
	}
	return fmt.Sprintf("%s: %s", ErrCheckFailed, strings.Join(parts, "; "))
}

func (e *CheckError) Unwrap() error { return ErrCheckFailed }

// Check validates graph structure: nodes are topologically ordered, every
// input is available when consumed, tensor names have one producer, graph
// outputs are produced and initializer data matches its dims.
//
//nolint:gocyclo,cyclop // one block per rule
func Check(model *onnx.ModelProto) error {
	var problems []Problem
	add := func(node, tensorName, format string, args ...any) {
		problems = append(problems, Problem{Node: node, Tensor: tensorName, Message: fmt.Sprintf(format, args...)})
	}

	g := model.Graph
	if g == nil {
		return &CheckError{Problems: []Problem{{Message: "model has no graph"}}}
	}
	if model.OpsetVersion() == 0 {
		add("", "", "model imports no default-domain opset")
	}

	available := make(map[string]string) // tensor -> producer description
	for i := range g.Inputs {
		available[g.Inputs[i].Name] = "graph input"
	}
	for i := range g.Initializers {
		t := &g.Initializers[i]
		if t.Name == "" {
			add("", "", "initializer %d has no name", i)
			continue
		}
		if prev, ok := available[t.Name]; ok && prev != "graph input" {
			add("", t.Name, "defined by more than one initializer")
		}
		available[t.Name] = "initializer"
		if size := onnx.DataTypeSize(t.DataType); size > 0 && len(t.RawData) > 0 &&
			int64(len(t.RawData)) != t.NumElements()*int64(size) {
			add("", t.Name, "raw data has %d bytes, dims %v need %d", len(t.RawData), t.Dims, t.NumElements()*int64(size))
		}
		for _, d := range t.Dims {
			if d < 0 {
				add("", t.Name, "negative dimension in %v", t.Dims)
				break
			}
		}
	}

	if _, err := onnx.TopologicalSort(g.Nodes); err != nil {
		add("", "", "%v", err)
	}

	for i := range g.Nodes {
		node := &g.Nodes[i]
		if node.OpType == "" {
			add(node.Name, "", "node %d has no op_type", i)
		}
		for _, in := range node.Inputs {
			if in == "" {
				continue
			}
			if _, ok := available[in]; !ok {
				add(node.Name, in, "input is not produced before use")
			}
		}
		for _, out := range node.Outputs {
			if out == "" {
				continue
			}
			if prev, ok := available[out]; ok {
				add(node.Name, out, "output already defined by %s", prev)
				continue
			}
			available[out] = fmt.Sprintf("node %q", node.Name)
		}
	}

	for i := range g.Outputs {
		if _, ok := available[g.Outputs[i].Name]; !ok {
			add("", g.Outputs[i].Name, "graph output is never produced")
		}
	}
	if len(g.Outputs) == 0 {
		add("", "", "graph has no outputs")
	}

	if len(problems) > 0 {
		return &CheckError{Problems: problems}
	}
	return nil
}

// Runner executes an encoded model. Implemented by ortexec.Executor.
type Runner interface {
	Run(ctx context.Context, model []byte, inputs map[string]*tensor.Tensor, outputs []string) (map[string]*tensor.Tensor, error)
}

// CheckNumeric runs original and simplified on the same random inputs and
// compares every graph output with CheckRTol/CheckATol.
func CheckNumeric(ctx context.Context, runner Runner, original, simplified *onnx.ModelProto, seed uint64) error {
	log := klog.FromContext(ctx).WithName("simplify")

	inputs := make(map[string]*tensor.Tensor)
	rng := tensor.NewRand(seed)
	for _, in := range simplified.Graph.RealInputs() {
		dims, ok := in.StaticDims()
		if !ok {
			return fmt.Errorf("numeric check: input %q has no static shape", in.Name)
		}
		inputs[in.Name] = tensor.Randn(tensor.Shape(dims), rng)
	}
	var names []string
	for i := range simplified.Graph.Outputs {
		names = append(names, simplified.Graph.Outputs[i].Name)
	}

	want, err := runner.Run(ctx, onnx.Marshal(original), inputs, names)
	if err != nil {
		return fmt.Errorf("numeric check: running original model: %w", err)
	}
	got, err := runner.Run(ctx, onnx.Marshal(simplified), inputs, names)
	if err != nil {
		return fmt.Errorf("numeric check: running simplified model: %w", err)
	}

	var problems []Problem
	for _, name := range names {
		a, b := got[name], want[name]
		if a == nil || b == nil {
			problems = append(problems, Problem{Tensor: name, Message: "output missing from run"})
			continue
		}
		ok, worst, err := tensor.AllClose(a, b, CheckRTol, CheckATol)
		if err != nil {
			problems = append(problems, Problem{Tensor: name, Message: err.Error()})
			continue
		}
		if !ok {
			problems = append(problems, Problem{Tensor: name, Message: fmt.Sprintf("outputs differ (max abs diff %g)", worst)})
			continue
		}
		log.V(2).Info("Output matches", "output", name, "maxAbsDiff", worst)
	}
	if len(problems) > 0 {
		return &CheckError{Problems: problems}
	}
	return nil
}
