package metadata

import (
	"context"
	"errors"
)

// ErrConflict is returned by conditional writes when the stored version does
// not match the expected version, and by the backing transaction when a
// concurrent commit invalidated the read set. Callers are expected to
// re-read and retry.
var ErrConflict = errors.New("metadata: version conflict")

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("metadata: record not found")

// PutOptions controls conditional writes.
//
// A nil *PutOptions means an unconditional write. ExpectedVersion 0 means
// the record must not exist yet (create-only); a positive value means the
// stored version must equal it exactly.
type PutOptions struct {
	ExpectedVersion uint64
}

// Store is the durable metadata store. Every Get returns the record together
// with its current version for use in a later conditional Put.
type Store interface {
	// Buckets.
	GetBucket(ctx context.Context, name string) (*BucketRecord, uint64, error)
	PutBucket(ctx context.Context, rec *BucketRecord, opts *PutOptions) error
	DeleteBucket(ctx context.Context, name string) error
	ListBuckets(ctx context.Context) ([]*BucketRecord, error)

	// Object versions. An empty versionID addresses the latest version.
	GetObjectMD(ctx context.Context, bucket, key, versionID string) (*ObjectRecord, uint64, error)
	PutObjectMD(ctx context.Context, rec *ObjectRecord, opts *PutOptions) error
	DeleteObjectMD(ctx context.Context, bucket, key, versionID string) error
	ListObjectMD(ctx context.Context, bucket string, limit int) ([]*ObjectRecord, error)

	// Multipart sessions.
	GetUpload(ctx context.Context, uploadID string) (*MultipartSession, uint64, error)
	PutUpload(ctx context.Context, sess *MultipartSession, opts *PutOptions) error
	DeleteUpload(ctx context.Context, uploadID string) error

	Close() error
}
