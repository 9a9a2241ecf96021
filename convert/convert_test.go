package convert_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/espdl/convert"
	"github.com/born-ml/espdl/internal/onnx"
	"github.com/born-ml/espdl/internal/onnx/onnxtest"
)

func TestDefaultConfig(t *testing.T) {
	cfg := convert.DefaultConfig()
	assert.Equal(t, "yolo11n.onnx", cfg.Input)
	assert.Equal(t, "yolo11n.espdl", cfg.OutputPath())
	assert.Equal(t, []int64{1, 3, 640, 640}, cfg.InputShape)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "espdl.yaml")
	require.NoError(t, os.WriteFile(path, []byte("input: net.onnx\nnum_of_bits: 8\nprecision: int\n"), 0o600))

	cfg, err := convert.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "net.onnx", cfg.Input)
	assert.Equal(t, 8, cfg.NumOfBits)
	assert.Equal(t, "esp32s3", cfg.Target)
}

func TestRunInvalid(t *testing.T) {
	cfg := convert.DefaultConfig()
	cfg.Target = "esp8266"
	_, err := convert.Run(context.Background(), cfg)
	require.ErrorIs(t, err, convert.ErrInvalidConfig)
}

func TestRunAndInspect(t *testing.T) {
	dir := t.TempDir()
	cfg := convert.DefaultConfig()
	cfg.Input = filepath.Join(dir, "detector.onnx")
	cfg.SimplifiedOutput = filepath.Join(dir, "detector.sim.onnx")
	cfg.InputShape = []int64{1, 3, 8, 8}
	cfg.OnnxRuntimeLib = "/nonexistent/libonnxruntime.so"
	require.NoError(t, onnx.SaveFile(onnxtest.Detector(), cfg.Input))

	res, err := convert.Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.False(t, res.Calibrated)
	assert.Equal(t, filepath.Join(dir, "detector.espdl"), res.Output)
	assert.Equal(t, cfg.SimplifiedOutput, res.SimplifiedPath)

	summary, err := convert.Inspect(context.Background(), res.Output)
	require.NoError(t, err)
	assert.Contains(t, summary, "ESP-DL model")
	assert.Contains(t, summary, "float16")
}
