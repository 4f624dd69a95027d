// Package backend defines the payload storage interface for Pelican.
//
// A Backend stores opaque blobs and hands back a locator for each write.
// Object metadata records carry these locators in their location
// descriptors; the metadata layer never touches payload bytes itself.
package backend

import (
	"context"
	"errors"
	"io"
)

// ErrBlobNotFound is returned when a locator does not resolve.
var ErrBlobNotFound = errors.New("blob not found")

// PutResult describes a stored blob.
type PutResult struct {
	// BackendID is the opaque locator to read or delete the blob with.
	BackendID string

	// ETag is the hex MD5 of the stored bytes.
	ETag string

	// Size is the number of bytes written.
	Size int64
}

// Backend is the interface payload stores implement. Every put creates a new
// blob under a fresh locator, so concurrent readers of a previous version
// are never disturbed.
type Backend interface {
	// Name identifies the backend in location descriptors.
	Name() string

	// PutObject stores a whole object payload.
	PutObject(ctx context.Context, bucket, key string, reader io.Reader) (*PutResult, error)

	// PutPart stores one part of a multipart upload.
	PutPart(ctx context.Context, uploadID string, partNumber int, reader io.Reader) (*PutResult, error)

	// Get opens the blob at the given locator.
	Get(ctx context.Context, backendID string) (io.ReadCloser, error)

	// Delete removes the blob at the given locator. Deleting a missing
	// blob is not an error.
	Delete(ctx context.Context, backendID string) error

	Close() error
}
