package blobs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/klog/v2"
)

// LocalStore reads and writes files.
type LocalStore struct{}

var _ Store = (*LocalStore)(nil)

// Read returns the file contents.
func (s *LocalStore) Read(_ context.Context, loc Location) ([]byte, error) {
	//nolint:gosec // G304: path comes from the user.
	data, err := os.ReadFile(loc.Path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", loc.Path, err)
	}
	return data, nil
}

// Write replaces the file atomically (temp file + rename).
func (s *LocalStore) Write(ctx context.Context, loc Location, data []byte) error {
	log := klog.FromContext(ctx)

	dir := filepath.Dir(loc.Path)
	tempFile, err := os.CreateTemp(dir, filepath.Base(loc.Path)+".tmp*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	shouldDeleteTempFile := true
	defer func() {
		if shouldDeleteTempFile {
			if err := os.Remove(tempFile.Name()); err != nil {
				log.Error(err, "removing temp file", "path", tempFile.Name())
			}
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("writing %s: %w", tempFile.Name(), err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tempFile.Name(), loc.Path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	shouldDeleteTempFile = false

	log.V(2).Info("wrote file", "path", loc.Path, "bytes", len(data))
	return nil
}
