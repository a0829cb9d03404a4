package storage

import (
	"context"
	"io"
	"time"
)

// Storage is the object store backing report photos. The orchestrator
// only reads; the upload endpoint only writes.
type Storage interface {
	// Put stores an object under key.
	Put(ctx context.Context, key string, reader io.Reader, contentType string) error

	// Get retrieves an object. The caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes an object. Missing objects are not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether the object is present.
	Exists(ctx context.Context, key string) (bool, error)

	// GetURL returns the public URL for a key.
	GetURL(key string) string
}

// Presigner is implemented by backends that can issue presigned PUT
// URLs for direct client uploads. Local storage does not.
type Presigner interface {
	PresignPut(ctx context.Context, key, contentType string, size int64, expires time.Duration) (string, error)
}

// FileInfo describes a stored object.
type FileInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// AllowedMimeTypes lists accepted content types per upload category.
var AllowedMimeTypes = map[string][]string{
	"report_image": {"image/jpeg", "image/png", "image/webp"},
}

// MaxFileSizes caps upload size in bytes per category.
var MaxFileSizes = map[string]int64{
	"report_image": 10 * 1024 * 1024,
}
