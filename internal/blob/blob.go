// Package blob stores finished backup artifacts. The interface is
// deliberately small: the pipeline streams a dump into Put and the API
// serves downloads from Open, so implementations only need atomic writes
// and name-addressed reads.
package blob

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when the named blob does not exist.
var ErrNotFound = errors.New("blob not found")

// Content types written alongside backup artifacts.
const (
	ContentTypeGzip = "application/gzip"
	ContentTypeSQL  = "application/sql"
	ContentTypeBak  = "application/octet-stream"
)

// Info describes a stored blob.
type Info struct {
	Name         string
	SizeBytes    int64
	ContentType  string
	LastModified time.Time
}

// Store is the artifact storage interface. Names are slash-separated paths
// of the form {database_type}/{database_id}/{timestamp}.{ext}.
type Store interface {
	// Put streams r into the named blob and returns the bytes written.
	// The blob must never be observable half-written: implementations write
	// to a temporary location and publish atomically.
	Put(ctx context.Context, name, contentType string, r io.Reader) (int64, error)

	// Open returns a reader over the named blob. The caller closes it.
	Open(ctx context.Context, name string) (io.ReadCloser, Info, error)

	Stat(ctx context.Context, name string) (Info, error)
	Delete(ctx context.Context, name string) error

	// List returns blobs whose name starts with prefix, name ascending.
	List(ctx context.Context, prefix string) ([]Info, error)

	// URL returns a stable locator for the named blob, recorded on the
	// backup result for operators.
	URL(name string) string
}
