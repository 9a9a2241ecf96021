package convert

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/born-ml/espdl/internal/blobs"
	"github.com/born-ml/espdl/internal/espdl"
	"github.com/born-ml/espdl/internal/onnx"
)

// Inspect describes the ONNX or ESP-DL model at location. The format is
// detected from the file magic.
func Inspect(ctx context.Context, location string) (string, error) {
	data, err := blobs.Read(ctx, location)
	if err != nil {
		return "", err
	}
	if bytes.HasPrefix(data, []byte(espdl.MagicBytes)) {
		m, err := espdl.Read(data, espdl.ReaderOptions{})
		if err != nil {
			return "", fmt.Errorf("%s: %w", location, err)
		}
		return m.Summary(), nil
	}

	model, err := onnx.Parse(data)
	if err != nil {
		return "", fmt.Errorf("%s: %w", location, err)
	}
	info := onnx.Info(model)
	var b strings.Builder
	fmt.Fprintf(&b, "ONNX model %s\n", info)
	for _, op := range info.SortedOps() {
		fmt.Fprintf(&b, "    %-20s %d\n", op, info.OpCounts[op])
	}
	return b.String(), nil
}
