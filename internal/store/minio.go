package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioOptions configures a MinioStore.
type MinioOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Bucket    string
	UseSSL    bool

	// CreateBucket makes the bucket if it does not exist yet.
	CreateBucket bool
}

// MinioStore is a Store backed by an S3-compatible endpoint.
type MinioStore struct {
	client *minio.Client
	bucket string
	scheme string
}

// NewMinioStore connects to opts.Endpoint and checks the bucket.
func NewMinioStore(ctx context.Context, opts MinioOptions) (*MinioStore, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("store: minio client init: %w", err)
	}

	s := &MinioStore{client: client, bucket: opts.Bucket, scheme: "s3"}
	if err := s.ensureBucket(ctx, opts); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MinioStore) ensureBucket(ctx context.Context, opts MinioOptions) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("store: check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if !opts.CreateBucket {
		return fmt.Errorf("store: bucket %s does not exist", s.bucket)
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: opts.Region}); err != nil {
		return fmt.Errorf("store: create bucket %s: %w", s.bucket, err)
	}
	slog.Info("created bucket", "bucket", s.bucket)
	return nil
}

// streamPartSize bounds the buffer minio-go allocates per part when the
// object size is unknown. Left at zero it sizes parts for a 5 TiB object.
const streamPartSize = 16 << 20

// putArgs maps opts onto the size and options minio-go expects. An unknown
// size streams in streamPartSize parts; zero is a known empty object.
func putArgs(opts PutOptions) (int64, minio.PutObjectOptions) {
	po := minio.PutObjectOptions{
		ContentType:  opts.ContentType,
		CacheControl: opts.CacheControl,
	}
	size := opts.Size
	if size < 0 {
		size = -1
		po.PartSize = streamPartSize
	}
	return size, po
}

// Put implements Store.
func (s *MinioStore) Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (int64, error) {
	size, po := putArgs(opts)
	info, err := s.client.PutObject(ctx, s.bucket, key, r, size, po)
	if err != nil {
		return 0, fmt.Errorf("store: put %s: %w", key, err)
	}
	return info.Size, nil
}

// Stat implements Store.
func (s *MinioStore) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, wrapNotExist(key, err)
		}
		return nil, fmt.Errorf("store: stat %s: %w", key, err)
	}
	return &ObjectInfo{
		Key:          key,
		Size:         info.Size,
		ContentType:  info.ContentType,
		CacheControl: info.Metadata.Get("Cache-Control"),
		ModTime:      info.LastModified,
	}, nil
}

// Location implements Store.
func (s *MinioStore) Location(key string) string {
	return s.scheme + "://" + s.bucket + "/" + key
}

// Close implements Store. minio clients hold no resources that need closing.
func (s *MinioStore) Close() error {
	return nil
}
