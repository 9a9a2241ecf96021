package blobs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"k8s.io/klog/v2"
)

// HTTPStore downloads artifacts with GET. It cannot write.
type HTTPStore struct {
	// Client is used when set; otherwise http.DefaultClient.
	Client *http.Client
}

var _ Store = (*HTTPStore)(nil)

// Read downloads the URL.
func (s *HTTPStore) Read(ctx context.Context, loc Location) ([]byte, error) {
	log := klog.FromContext(ctx)

	log.Info("downloading from url", "url", loc.Path)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc.Path, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	startedAt := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("doing request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("GET %q: %w", loc.Path, os.ErrNotExist)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected status from %q: %s", loc.Path, resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	log.Info("downloaded from url", "url", loc.Path, "bytes", len(data), "duration", time.Since(startedAt))
	return data, nil
}

// Write always fails.
func (s *HTTPStore) Write(_ context.Context, loc Location, _ []byte) error {
	return fmt.Errorf("writing %q: %w", loc.Path, ErrReadOnly)
}
