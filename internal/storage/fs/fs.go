// Package fs implements a filesystem payload backend.
//
// Blobs are written to a temporary file first and renamed into place, so a
// locator either resolves to complete bytes or not at all. Each write gets a
// fresh locator; overwriting an object key never reuses a blob path.
package fs

import (
	"context"
	"crypto/md5" //nolint:gosec // MD5 required for S3 ETag compatibility
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/pelicanstore/pelican/internal/storage/backend"
)

const dirPermissions = 0750

// Backend stores blobs under a data directory.
type Backend struct {
	dataDir string
}

// New creates a filesystem backend rooted at dataDir.
func New(dataDir string) (*Backend, error) {
	b := &Backend{dataDir: dataDir}

	for _, sub := range []string{"blobs", "parts"} {
		if err := os.MkdirAll(filepath.Join(dataDir, sub), dirPermissions); err != nil {
			return nil, fmt.Errorf("create %s directory: %w", sub, err)
		}
	}

	return b, nil
}

func (b *Backend) Name() string {
	return "fs"
}

func (b *Backend) Close() error {
	return nil
}

// PutObject stores a whole object payload under a fresh locator.
func (b *Backend) PutObject(ctx context.Context, bucket, key string, reader io.Reader) (*backend.PutResult, error) {
	locator := filepath.Join("blobs", bucket, key+"@"+uuid.NewString())

	return b.writeBlob(locator, reader)
}

// PutPart stores one multipart part under a fresh locator.
func (b *Backend) PutPart(ctx context.Context, uploadID string, partNumber int, reader io.Reader) (*backend.PutResult, error) {
	locator := filepath.Join("parts", uploadID, fmt.Sprintf("part.%d@%s", partNumber, uuid.NewString()))

	return b.writeBlob(locator, reader)
}

func (b *Backend) writeBlob(locator string, reader io.Reader) (*backend.PutResult, error) {
	path := filepath.Join(b.dataDir, locator)

	if err := os.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}

	tmpPath := tmpFile.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	hash := md5.New() //nolint:gosec // MD5 required for S3 ETag compatibility

	written, err := io.Copy(io.MultiWriter(tmpFile, hash), reader)
	if err != nil {
		_ = tmpFile.Close()

		return nil, fmt.Errorf("write blob: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()

		return nil, fmt.Errorf("sync blob: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return nil, fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return nil, fmt.Errorf("rename blob: %w", err)
	}

	return &backend.PutResult{
		BackendID: locator,
		ETag:      hex.EncodeToString(hash.Sum(nil)),
		Size:      written,
	}, nil
}

// Get opens the blob at locator.
func (b *Backend) Get(ctx context.Context, backendID string) (io.ReadCloser, error) {
	//nolint:gosec // locators are issued by this backend, not by callers
	file, err := os.Open(filepath.Join(b.dataDir, backendID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, backend.ErrBlobNotFound
		}

		return nil, fmt.Errorf("open blob: %w", err)
	}

	return file, nil
}

// Delete removes the blob at locator, pruning emptied directories.
func (b *Backend) Delete(ctx context.Context, backendID string) error {
	path := filepath.Join(b.dataDir, backendID)

	err := os.Remove(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("delete blob: %w", err)
	}

	b.cleanEmptyDirs(filepath.Dir(path))

	return nil
}

// cleanEmptyDirs removes empty directories up to the data dir.
func (b *Backend) cleanEmptyDirs(dir string) {
	stop := filepath.Clean(b.dataDir)

	for dir != stop && dir != "." && dir != "/" {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			break
		}

		if err := os.Remove(dir); err != nil {
			break
		}

		dir = filepath.Dir(dir)
	}
}

var _ backend.Backend = (*Backend)(nil)
