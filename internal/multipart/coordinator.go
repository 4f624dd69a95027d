// Package multipart coordinates multipart uploads: session lifecycle, part
// bookkeeping, and assembly of the final object record.
package multipart

import (
	"context"
	"crypto/md5" //nolint:gosec // MD5 required for S3 ETag compatibility
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/pelicanstore/pelican/internal/acl"
	"github.com/pelicanstore/pelican/internal/metadata"
	"github.com/pelicanstore/pelican/internal/metrics"
	"github.com/pelicanstore/pelican/internal/storage/backend"
	"github.com/pelicanstore/pelican/pkg/s3errors"
)

const (
	// DefaultMinPartSize applies to every part except the last.
	DefaultMinPartSize = 5 * 1024 * 1024

	// DefaultMaxParts is the highest accepted part number.
	DefaultMaxParts = 10000

	// conflictRetries bounds the optimistic update loops under contention.
	conflictRetries = 5
)

// CompletedPart is one entry of a complete request's part list.
type CompletedPart struct {
	PartNumber int
	ETag       string
}

// Coordinator manages multipart upload sessions.
type Coordinator struct {
	store   metadata.Store
	backend backend.Backend
	logger  zerolog.Logger

	minPartSize int64
	maxParts    int
}

// Config tunes part validation. Zero values fall back to the defaults.
type Config struct {
	MinPartSize int64
	MaxParts    int
}

func NewCoordinator(store metadata.Store, be backend.Backend, cfg Config, logger zerolog.Logger) *Coordinator {
	if cfg.MinPartSize <= 0 {
		cfg.MinPartSize = DefaultMinPartSize
	}

	if cfg.MaxParts <= 0 {
		cfg.MaxParts = DefaultMaxParts
	}

	return &Coordinator{
		store:       store,
		backend:     be,
		logger:      logger,
		minPartSize: cfg.MinPartSize,
		maxParts:    cfg.MaxParts,
	}
}

// Initiate opens a new upload session and returns it. The session exists
// independently of any object under the same key until completed.
func (c *Coordinator) Initiate(ctx context.Context, bucket, key string, principal acl.Principal) (*metadata.MultipartSession, error) {
	if _, _, err := c.store.GetBucket(ctx, bucket); err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return nil, s3errors.ErrNoSuchBucket
		}

		return nil, err
	}

	sess := &metadata.MultipartSession{
		UploadID:    uuid.NewString(),
		Bucket:      bucket,
		Key:         key,
		InitiatorID: principal.CanonicalID,
		OwnerID:     principal.CanonicalID,
		CreatedAt:   time.Now().UTC(),
		Parts:       map[int]metadata.PartRecord{},
	}

	if err := c.store.PutUpload(ctx, sess, &metadata.PutOptions{ExpectedVersion: 0}); err != nil {
		return nil, fmt.Errorf("create upload session: %w", err)
	}

	c.logger.Debug().
		Str("bucket", bucket).
		Str("key", key).
		Str("upload_id", sess.UploadID).
		Msg("multipart upload initiated")

	return sess, nil
}

// PutPart stores one part's payload and records it in the session.
// Re-uploading a part number replaces the previous part; the superseded blob
// is removed once the session update commits.
func (c *Coordinator) PutPart(ctx context.Context, uploadID string, partNumber int, reader io.Reader) (*metadata.PartRecord, error) {
	if partNumber < 1 || partNumber > c.maxParts {
		return nil, s3errors.ErrInvalidPartNumber
	}

	if _, _, err := c.store.GetUpload(ctx, uploadID); err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return nil, s3errors.ErrNoSuchUpload
		}

		return nil, err
	}

	res, err := c.backend.PutPart(ctx, uploadID, partNumber, reader)
	if err != nil {
		return nil, fmt.Errorf("store part %d: %w", partNumber, err)
	}

	part := metadata.PartRecord{
		PartNumber:   partNumber,
		Size:         res.Size,
		ETag:         res.ETag,
		BackendID:    res.BackendID,
		LastModified: time.Now().UTC(),
	}

	var replaced string

	for attempt := 0; ; attempt++ {
		sess, version, err := c.store.GetUpload(ctx, uploadID)
		if err != nil {
			// The session can vanish between the blob write and the
			// commit when a complete or abort races in. The blob is
			// an orphan then; remove it before reporting.
			if errors.Is(err, metadata.ErrNotFound) {
				_ = c.backend.Delete(ctx, part.BackendID)

				return nil, s3errors.ErrNoSuchUpload
			}

			return nil, err
		}

		if sess.Parts == nil {
			sess.Parts = map[int]metadata.PartRecord{}
		}

		if prev, ok := sess.Parts[partNumber]; ok {
			replaced = prev.BackendID
		}

		sess.Parts[partNumber] = part

		err = c.store.PutUpload(ctx, sess, &metadata.PutOptions{ExpectedVersion: version})
		if err == nil {
			break
		}

		if !errors.Is(err, metadata.ErrConflict) {
			return nil, err
		}

		if attempt+1 >= conflictRetries {
			_ = c.backend.Delete(ctx, part.BackendID)

			return nil, s3errors.ErrOperationAborted
		}
	}

	if replaced != "" && replaced != part.BackendID {
		_ = c.backend.Delete(ctx, replaced)
	}

	return &part, nil
}

// ListParts returns the session's parts in part number order.
func (c *Coordinator) ListParts(ctx context.Context, uploadID string) ([]metadata.PartRecord, error) {
	sess, _, err := c.store.GetUpload(ctx, uploadID)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return nil, s3errors.ErrNoSuchUpload
		}

		return nil, err
	}

	parts := make([]metadata.PartRecord, 0, len(sess.Parts))
	for _, p := range sess.Parts {
		parts = append(parts, p)
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })

	return parts, nil
}

// Complete validates the requested part list, assembles the object record,
// and commits it as the latest version of the key. The session is claimed by
// deletion first, so of two racing completes (or a complete and an abort)
// exactly one wins and the loser sees NoSuchUpload.
func (c *Coordinator) Complete(ctx context.Context, uploadID string, parts []CompletedPart) (*metadata.ObjectRecord, error) {
	sess, _, err := c.store.GetUpload(ctx, uploadID)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return nil, s3errors.ErrNoSuchUpload
		}

		return nil, err
	}

	selected, err := c.validateParts(sess, parts)
	if err != nil {
		return nil, err
	}

	bucket, _, err := c.store.GetBucket(ctx, sess.Bucket)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return nil, s3errors.ErrNoSuchBucket
		}

		return nil, err
	}

	if err := c.store.DeleteUpload(ctx, uploadID); err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return nil, s3errors.ErrNoSuchUpload
		}

		return nil, err
	}

	rec := c.buildRecord(sess, bucket, selected)

	if err := c.commitRecord(ctx, bucket, rec); err != nil {
		// The session is already claimed, so nothing references the part
		// blobs any more.
		c.cleanupOrphans(ctx, sess, nil)

		return nil, err
	}

	c.cleanupOrphans(ctx, sess, selected)

	c.logger.Info().
		Str("bucket", rec.Bucket).
		Str("key", rec.Key).
		Str("upload_id", uploadID).
		Str("etag", rec.ETag).
		Int("parts", len(selected)).
		Msg("multipart upload completed")

	return rec, nil
}

// commitRecord writes the assembled record over the current latest under
// its observed version so a racing regular put serializes instead of being
// silently overwritten. On unversioned buckets the superseded payload is
// deleted once the new record commits.
func (c *Coordinator) commitRecord(ctx context.Context, bucket *metadata.BucketRecord, rec *metadata.ObjectRecord) error {
	for attempt := 0; ; attempt++ {
		prev, version, err := c.store.GetObjectMD(ctx, rec.Bucket, rec.Key, "")

		switch {
		case errors.Is(err, metadata.ErrNotFound):
			prev, version = nil, 0
		case err != nil:
			return err
		}

		err = c.store.PutObjectMD(ctx, rec, &metadata.PutOptions{ExpectedVersion: version})
		if err == nil {
			if prev != nil && !bucket.VersioningEnabled {
				for _, loc := range prev.Locations {
					_ = c.backend.Delete(ctx, loc.BackendID)
				}
			}

			return nil
		}

		if !errors.Is(err, metadata.ErrConflict) {
			return fmt.Errorf("commit completed object: %w", err)
		}

		metrics.ConflictRetries.WithLabelValues("CompleteMultipartUpload").Inc()

		if attempt+1 >= conflictRetries {
			return s3errors.ErrOperationAborted
		}
	}
}

// Abort discards the session and its part blobs. Aborting an upload that no
// longer exists succeeds, so retried aborts are harmless.
func (c *Coordinator) Abort(ctx context.Context, uploadID string) error {
	sess, _, err := c.store.GetUpload(ctx, uploadID)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return nil
		}

		return err
	}

	if err := c.store.DeleteUpload(ctx, uploadID); err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return nil
		}

		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, part := range sess.Parts {
		g.Go(func() error {
			return c.backend.Delete(gctx, part.BackendID)
		})
	}

	if err := g.Wait(); err != nil {
		c.logger.Warn().Err(err).Str("upload_id", uploadID).Msg("part cleanup incomplete after abort")
	}

	return nil
}

// validateParts checks the requested list against the session and returns
// the matching part records in request order. Each class of violation is
// checked across the whole list before the next: ordering first, then
// membership and etags, then the size policy.
func (c *Coordinator) validateParts(sess *metadata.MultipartSession, parts []CompletedPart) ([]metadata.PartRecord, error) {
	if len(parts) == 0 {
		return nil, s3errors.ErrInvalidRequest.WithMessage("You must specify at least one part")
	}

	for i := 1; i < len(parts); i++ {
		if parts[i].PartNumber <= parts[i-1].PartNumber {
			return nil, s3errors.ErrInvalidPartOrder
		}
	}

	selected := make([]metadata.PartRecord, 0, len(parts))

	for _, req := range parts {
		stored, ok := sess.Parts[req.PartNumber]
		if !ok || strings.Trim(req.ETag, `"`) != stored.ETag {
			return nil, s3errors.ErrInvalidPart
		}

		selected = append(selected, stored)
	}

	// Every part but the last must meet the minimum size.
	for _, stored := range selected[:len(selected)-1] {
		if stored.Size < c.minPartSize {
			return nil, s3errors.ErrEntityTooSmall
		}
	}

	return selected, nil
}

func (c *Coordinator) buildRecord(sess *metadata.MultipartSession, bucket *metadata.BucketRecord, selected []metadata.PartRecord) *metadata.ObjectRecord {
	now := time.Now().UTC()

	rec := &metadata.ObjectRecord{
		Bucket:        sess.Bucket,
		Key:           sess.Key,
		OwnerID:       sess.OwnerID,
		ETag:          compositeETag(selected),
		SchemaVersion: metadata.CurrentSchemaVersion,
		CreatedAt:     now,
		LastModified:  now,
		OriginOp:      metadata.OriginOpCompleteMultipart,
	}

	if bucket.VersioningEnabled {
		rec.VersionID = uuid.NewString()
		rec.IsLatest = true
	}

	var offset int64

	for _, part := range selected {
		rec.Locations = append(rec.Locations, metadata.Location{
			PartNumber:  part.PartNumber,
			Size:        part.Size,
			Start:       offset,
			BackendID:   part.BackendID,
			BackendETag: part.ETag,
		})
		offset += part.Size
	}

	rec.Size = offset

	return rec
}

// cleanupOrphans removes blobs of uploaded parts that the complete request
// did not reference.
func (c *Coordinator) cleanupOrphans(ctx context.Context, sess *metadata.MultipartSession, selected []metadata.PartRecord) {
	used := make(map[string]bool, len(selected))
	for _, part := range selected {
		used[part.BackendID] = true
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, part := range sess.Parts {
		if used[part.BackendID] {
			continue
		}

		g.Go(func() error {
			return c.backend.Delete(gctx, part.BackendID)
		})
	}

	if err := g.Wait(); err != nil {
		c.logger.Warn().Err(err).Str("upload_id", sess.UploadID).Msg("orphan part cleanup incomplete")
	}
}

// compositeETag is the MD5 of the concatenated binary part MD5s, suffixed
// with the part count.
func compositeETag(parts []metadata.PartRecord) string {
	hash := md5.New() //nolint:gosec // MD5 required for S3 ETag compatibility

	for _, part := range parts {
		raw, err := hex.DecodeString(part.ETag)
		if err != nil {
			// Non-hex part etags only come from a corrupted session;
			// fall back to hashing the string form.
			raw = []byte(part.ETag)
		}

		hash.Write(raw)
	}

	return fmt.Sprintf("%s-%d", hex.EncodeToString(hash.Sum(nil)), len(parts))
}
