package blobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"k8s.io/klog/v2"
)

// GCSStore reads and writes Google Cloud Storage objects using application
// default credentials.
type GCSStore struct {
	// Client is used when set; otherwise a client is created per call.
	Client *storage.Client
}

var _ Store = (*GCSStore)(nil)

func (s *GCSStore) client(ctx context.Context) (*storage.Client, func(), error) {
	if s.Client != nil {
		return s.Client, func() {}, nil
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("creating GCS storage client: %w", err)
	}
	return client, func() { _ = client.Close() }, nil
}

// Read downloads the object.
func (s *GCSStore) Read(ctx context.Context, loc Location) ([]byte, error) {
	log := klog.FromContext(ctx)

	client, done, err := s.client(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	log.Info("downloading blob from GCS", "source", loc.String())
	startedAt := time.Now()

	r, err := client.Bucket(loc.Bucket).Object(loc.Path).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("opening %q: %w", loc.String(), os.ErrNotExist)
		}
		return nil, fmt.Errorf("opening object from GCS %q: %w", loc.String(), err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("downloading from GCS: %w", err)
	}

	log.Info("downloaded blob from GCS", "source", loc.String(), "bytes", len(data), "duration", time.Since(startedAt))
	return data, nil
}

// Write uploads the object, replacing any previous version. GCS makes the
// object visible only once the writer closes successfully.
func (s *GCSStore) Write(ctx context.Context, loc Location, data []byte) error {
	log := klog.FromContext(ctx)

	client, done, err := s.client(ctx)
	if err != nil {
		return err
	}
	defer done()

	log.Info("uploading blob to GCS", "destination", loc.String(), "bytes", len(data))
	startedAt := time.Now()

	w := client.Bucket(loc.Bucket).Object(loc.Path).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("uploading to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing GCS writer: %w", err)
	}

	log.Info("uploaded blob to GCS", "url", loc.String(), "bytes", len(data), "duration", time.Since(startedAt))
	return nil
}
