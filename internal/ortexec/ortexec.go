// Package ortexec runs ONNX models on CPU through the onnxruntime shared
// library.
package ortexec

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"k8s.io/klog/v2"

	"github.com/born-ml/espdl/internal/tensor"
)

// LibraryEnv names the environment variable consulted when Init gets no path.
const LibraryEnv = "ONNXRUNTIME_LIB"

// ErrNotInitialized is returned by Run before Init succeeded.
var ErrNotInitialized = errors.New("onnxruntime environment is not initialized")

var envMu sync.Mutex

// Init loads the onnxruntime shared library and creates the process-wide
// environment. An empty libPath falls back to $ONNXRUNTIME_LIB, then to the
// platform default name. Calling Init again is a no-op.
func Init(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if ort.IsInitialized() {
		return nil
	}
	if libPath == "" {
		libPath = os.Getenv(LibraryEnv)
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initializing onnxruntime (library %q): %w", libPath, err)
	}
	klog.V(2).InfoS("Initialized onnxruntime", "library", libPath, "version", ort.GetVersion())
	return nil
}

// Shutdown destroys the environment created by Init.
func Shutdown() error {
	envMu.Lock()
	defer envMu.Unlock()
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// Executor runs models with float32 inputs and outputs.
type Executor struct {
	threads int
}

// New returns an executor; threads <= 0 lets onnxruntime decide.
func New(threads int) (*Executor, error) {
	if !ort.IsInitialized() {
		return nil, ErrNotInitialized
	}
	return &Executor{threads: threads}, nil
}

func (e *Executor) sessionOptions() (*ort.SessionOptions, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("creating session options: %w", err)
	}
	if e.threads > 0 {
		if err := opts.SetIntraOpNumThreads(e.threads); err != nil {
			_ = opts.Destroy()
			return nil, fmt.Errorf("setting thread count: %w", err)
		}
	}
	return opts, nil
}

// Run executes the encoded model once and returns the requested outputs.
func (e *Executor) Run(ctx context.Context, model []byte, inputs map[string]*tensor.Tensor, outputs []string) (map[string]*tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ort.IsInitialized() {
		return nil, ErrNotInitialized
	}

	names := make([]string, 0, len(inputs))
	values := make([]ort.Value, 0, len(inputs))
	defer func() {
		for _, v := range values {
			_ = v.Destroy()
		}
	}()
	for name, t := range inputs {
		v, err := ort.NewTensor(ort.NewShape(t.Shape...), t.Data)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", name, err)
		}
		names = append(names, name)
		values = append(values, v)
	}

	opts, err := e.sessionOptions()
	if err != nil {
		return nil, err
	}
	defer func() { _ = opts.Destroy() }()

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(model, names, outputs, opts)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	defer func() { _ = session.Destroy() }()

	// nil outputs are allocated by onnxruntime with their runtime shape.
	results := make([]ort.Value, len(outputs))
	defer func() {
		for _, v := range results {
			if v != nil {
				_ = v.Destroy()
			}
		}
	}()
	if err := session.Run(values, results); err != nil {
		return nil, fmt.Errorf("running model: %w", err)
	}

	out := make(map[string]*tensor.Tensor, len(outputs))
	for i, name := range outputs {
		ft, ok := results[i].(*ort.Tensor[float32])
		if !ok {
			return nil, fmt.Errorf("output %q: expected float32 tensor, got %T", name, results[i])
		}
		shape := ft.GetShape()
		data := append([]float32(nil), ft.GetData()...)
		out[name] = &tensor.Tensor{Shape: tensor.Shape(shape.Clone()), Data: data}
	}
	klog.FromContext(ctx).V(3).Info("Ran model", "inputs", len(inputs), "outputs", len(outputs))
	return out, nil
}
