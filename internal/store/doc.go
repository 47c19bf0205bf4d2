// Package store writes migrated objects to the CDN origin bucket.
//
// Two backends implement [Store]:
//   - [BlobStore] wraps a gocloud.dev/blob bucket (s3://, gs://, file://, mem://)
//   - [MinioStore] talks to an S3-compatible endpoint with minio-go
//
// Both are safe for concurrent use; one Store is shared by every worker.
// Put always overwrites an existing object under the same key.
package store
