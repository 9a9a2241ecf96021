package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/espdl/internal/config"
	"github.com/born-ml/espdl/internal/espdl"
	"github.com/born-ml/espdl/internal/onnx"
	"github.com/born-ml/espdl/internal/onnx/onnxtest"
)

const missingLib = "/nonexistent/libonnxruntime.so"

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(context.Background(), args, &out)
	return out.String(), err
}

func detectorFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "detector.onnx")
	require.NoError(t, onnx.SaveFile(onnxtest.Detector(), path))
	return path
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "espdl "+version+"\n"))
	assert.Contains(t, out, "logical cores")
}

func parseConfig(t *testing.T, input string, args ...string) (config.Config, error) {
	t.Helper()
	var f configFlags
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	f.register(fs)
	require.NoError(t, fs.Parse(args))
	return f.config(fs, input)
}

func TestConfigFlagsDefaults(t *testing.T) {
	cfg, err := parseConfig(t, "")
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestConfigFlagsOverride(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "espdl.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("target: esp32p4\ncalibration:\n  samples: 16\n"), 0o600))

	cfg, err := parseConfig(t, "model.onnx",
		"--config", cfgPath,
		"--imgsz", "320",
		"--bits", "8",
		"--precision", "int",
		"--no-numeric-check",
		"--simplified-output", "-",
	)
	require.NoError(t, err)
	assert.Equal(t, "model.onnx", cfg.Input)
	assert.Equal(t, "model.espdl", cfg.OutputPath())
	assert.Equal(t, []int64{1, 3, 320, 320}, cfg.InputShape)
	assert.Equal(t, "esp32p4", cfg.Target, "file value kept when the flag is unset")
	assert.Equal(t, 16, cfg.Calibration.Samples)
	assert.Equal(t, 8, cfg.NumOfBits)
	assert.Equal(t, "int", cfg.Precision)
	assert.False(t, cfg.Simplify.NumericCheck)
	_, write := cfg.SimplifiedPath()
	assert.False(t, write)
}

func TestConfigFlagsInvalid(t *testing.T) {
	_, err := parseConfig(t, "", "--bits", "8")
	require.ErrorIs(t, err, config.ErrInvalid)
	assert.Contains(t, err.Error(), "precision fp16 needs num_of_bits 16")
}

func TestPrintConfig(t *testing.T) {
	out, err := execute(t, "convert", "net.onnx", "--print-config", "--target", "c")
	require.NoError(t, err)

	var cfg config.Config
	require.NoError(t, cfg.UnmarshalYAMLBytes([]byte(out)))
	assert.Equal(t, "net.onnx", cfg.Input)
	assert.Equal(t, "c", cfg.Target)
}

func TestConvertWithoutRuntime(t *testing.T) {
	in := detectorFile(t)
	outPath := filepath.Join(t.TempDir(), "detector.espdl")

	out, err := execute(t, "convert", in,
		"--imgsz", "8",
		"--output", outPath,
		"--simplified-output", "-",
		"--ort-lib", missingLib,
	)
	require.NoError(t, err)
	assert.Contains(t, out, "calibration: skipped (no onnxruntime)")
	assert.Contains(t, out, "ESP-DL model saved to "+outPath)

	m, err := espdl.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, "esp32s3", m.Target)
	assert.NotEmpty(t, m.Nodes)

	summary, err := execute(t, "inspect", outPath)
	require.NoError(t, err)
	assert.Contains(t, summary, "ESP-DL model")
}

func TestSimplifyCommand(t *testing.T) {
	in := detectorFile(t)
	simplified := filepath.Join(t.TempDir(), "simplified.onnx")

	out, err := execute(t, "simplify", in,
		"--imgsz", "8",
		"--simplified-output", simplified,
		"--ort-lib", missingLib,
	)
	require.NoError(t, err)
	assert.Contains(t, out, "simplified model saved to "+simplified)

	summary, err := execute(t, "inspect", simplified)
	require.NoError(t, err)
	assert.Contains(t, summary, "ONNX model")
}

func TestConvertErrors(t *testing.T) {
	_, err := execute(t, "convert", filepath.Join(t.TempDir(), "missing.onnx"), "--ort-lib", missingLib)
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = execute(t, "inspect")
	require.Error(t, err)

	_, err = execute(t, "convert", "--precision", "int8")
	require.ErrorIs(t, err, config.ErrInvalid)
}
