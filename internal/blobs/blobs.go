// Package blobs reads and writes model artifacts on local disk, in Google
// Cloud Storage (gs://bucket/object) or, read-only, over HTTP(S).
package blobs

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrReadOnly is returned when writing to a location that cannot be written.
var ErrReadOnly = errors.New("location is read-only")

// Scheme of a location.
const (
	SchemeFile  = "file"
	SchemeGCS   = "gs"
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

// Location is a parsed artifact address.
type Location struct {
	Scheme string
	Bucket string // gs only
	Path   string // file path, object name, or full URL for http(s)
}

// String renders the location in the form Parse accepts.
func (l Location) String() string {
	switch l.Scheme {
	case SchemeGCS:
		return "gs://" + l.Bucket + "/" + l.Path
	default:
		return l.Path
	}
}

// ReadOnly reports whether writes to the location always fail.
func (l Location) ReadOnly() bool { return l.Scheme == SchemeHTTP || l.Scheme == SchemeHTTPS }

// Parse accepts plain paths, file:// URLs, gs://bucket/object and http(s) URLs.
func Parse(location string) (Location, error) {
	if location == "" {
		return Location{}, errors.New("empty location")
	}
	scheme, rest, ok := strings.Cut(location, "://")
	if !ok {
		return Location{Scheme: SchemeFile, Path: location}, nil
	}
	switch scheme {
	case SchemeFile:
		return Location{Scheme: SchemeFile, Path: rest}, nil
	case SchemeGCS:
		bucket, object, _ := strings.Cut(rest, "/")
		if bucket == "" || object == "" {
			return Location{}, fmt.Errorf("invalid GCS location %q: want gs://bucket/object", location)
		}
		return Location{Scheme: SchemeGCS, Bucket: bucket, Path: object}, nil
	case SchemeHTTP, SchemeHTTPS:
		if _, err := url.Parse(location); err != nil {
			return Location{}, fmt.Errorf("invalid URL %q: %w", location, err)
		}
		return Location{Scheme: scheme, Path: location}, nil
	default:
		return Location{}, fmt.Errorf("unsupported location scheme %q in %q", scheme, location)
	}
}

// Store moves whole artifacts.
// If no object exists, Read returns an error for which
// errors.Is(err, os.ErrNotExist) is true.
type Store interface {
	Read(ctx context.Context, loc Location) ([]byte, error)
	Write(ctx context.Context, loc Location, data []byte) error
}

// storeFor returns the store serving loc's scheme.
func storeFor(loc Location) Store {
	switch loc.Scheme {
	case SchemeGCS:
		return &GCSStore{}
	case SchemeHTTP, SchemeHTTPS:
		return &HTTPStore{}
	default:
		return &LocalStore{}
	}
}

// Read fetches the artifact at location.
func Read(ctx context.Context, location string) ([]byte, error) {
	loc, err := Parse(location)
	if err != nil {
		return nil, err
	}
	return storeFor(loc).Read(ctx, loc)
}

// Write stores data at location, replacing any existing artifact.
func Write(ctx context.Context, location string, data []byte) error {
	loc, err := Parse(location)
	if err != nil {
		return err
	}
	return storeFor(loc).Write(ctx, loc, data)
}
