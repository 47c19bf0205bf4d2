package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrNotExist is returned by Stat when the object does not exist.
var ErrNotExist = errors.New("store: object does not exist")

// PutOptions describes the object being written.
type PutOptions struct {
	ContentType  string
	CacheControl string

	// Size is the object size if known, or -1. Zero is an empty object.
	Size int64
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	CacheControl string
	ModTime      time.Time
}

// Store is the object store boundary.
type Store interface {
	// Put streams r into key, replacing any existing object. It returns the
	// number of bytes written.
	Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (int64, error)

	// Stat returns object attributes, or an error wrapping ErrNotExist.
	Stat(ctx context.Context, key string) (*ObjectInfo, error)

	// Location formats key for log output, e.g. "s3://bucket/key".
	Location(key string) string

	Close() error
}

// Options selects and configures a backend.
type Options struct {
	// URL is a gocloud bucket URL. Used when Minio.Endpoint is empty.
	URL string

	Minio MinioOptions
}

// Open returns the backend selected by opts.
func Open(ctx context.Context, opts Options) (Store, error) {
	if opts.Minio.Endpoint != "" {
		return NewMinioStore(ctx, opts.Minio)
	}
	if opts.URL == "" {
		return nil, errors.New("store: no bucket URL or minio endpoint configured")
	}
	return OpenBucket(ctx, opts.URL)
}

// countingReader counts bytes read through it.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func wrapNotExist(key string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrNotExist, key, err)
}
