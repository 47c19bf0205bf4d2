package store

import (
	"context"
	"fmt"
	"io"
	"net/url"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"
)

// BlobStore is a Store backed by a gocloud.dev bucket.
type BlobStore struct {
	bucket *blob.Bucket
	base   string
	owned  bool
}

// OpenBucket opens the bucket at bucketURL.
func OpenBucket(ctx context.Context, bucketURL string) (*BlobStore, error) {
	bkt, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("store: open bucket: %w", err)
	}
	s := NewBlobStore(bkt, locationBase(bucketURL))
	s.owned = true
	return s, nil
}

// NewBlobStore wraps an already open bucket. The caller keeps ownership of
// bkt; Close is a no-op.
func NewBlobStore(bkt *blob.Bucket, base string) *BlobStore {
	return &BlobStore{bucket: bkt, base: base}
}

// Put implements Store.
func (s *BlobStore) Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (int64, error) {
	// Cancelling the writer's context before Close aborts the upload, so a
	// failed copy never leaves a truncated object behind.
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := s.bucket.NewWriter(wctx, key, &blob.WriterOptions{
		ContentType:  opts.ContentType,
		CacheControl: opts.CacheControl,
	})
	if err != nil {
		return 0, fmt.Errorf("store: new writer %s: %w", key, err)
	}

	cr := &countingReader{r: r}
	if _, err := io.Copy(w, cr); err != nil {
		cancel()
		w.Close()
		return cr.n, fmt.Errorf("store: write %s: %w", key, err)
	}

	if err := w.Close(); err != nil {
		return cr.n, fmt.Errorf("store: close %s: %w", key, err)
	}
	return cr.n, nil
}

// Stat implements Store.
func (s *BlobStore) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	attrs, err := s.bucket.Attributes(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, wrapNotExist(key, err)
		}
		return nil, fmt.Errorf("store: attributes %s: %w", key, err)
	}
	return &ObjectInfo{
		Key:          key,
		Size:         attrs.Size,
		ContentType:  attrs.ContentType,
		CacheControl: attrs.CacheControl,
		ModTime:      attrs.ModTime,
	}, nil
}

// Location implements Store.
func (s *BlobStore) Location(key string) string {
	return s.base + key
}

// Close closes the bucket if this store opened it.
func (s *BlobStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.bucket.Close()
}

// locationBase strips query parameters from a bucket URL for display.
func locationBase(bucketURL string) string {
	u, err := url.Parse(bucketURL)
	if err != nil || u.Scheme == "" {
		return bucketURL + "/"
	}
	return u.Scheme + "://" + u.Host + u.Path + "/"
}
