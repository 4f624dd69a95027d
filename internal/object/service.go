// Package object implements the object data plane entry points: put, get,
// head, and delete, plus the per-object configuration operations for
// retention, legal holds, tagging, and ACLs.
package object

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pelicanstore/pelican/internal/acl"
	"github.com/pelicanstore/pelican/internal/metadata"
	"github.com/pelicanstore/pelican/internal/metrics"
	"github.com/pelicanstore/pelican/internal/retention"
	"github.com/pelicanstore/pelican/internal/storage/backend"
	"github.com/pelicanstore/pelican/pkg/s3errors"
)

// DefaultConflictRetries bounds the optimistic write loop per operation.
const DefaultConflictRetries = 5

// Service orchestrates object operations across the metadata store, the
// payload backend, and the access and retention checks.
type Service struct {
	store     metadata.Store
	backend   backend.Backend
	evaluator *acl.Evaluator
	enforcer  *retention.Enforcer
	logger    zerolog.Logger

	retries int
	now     func() time.Time
}

// Config tunes the service. Zero values fall back to the defaults.
type Config struct {
	ConflictRetries int
}

func NewService(store metadata.Store, be backend.Backend, evaluator *acl.Evaluator, enforcer *retention.Enforcer, cfg Config, logger zerolog.Logger) *Service {
	if cfg.ConflictRetries <= 0 {
		cfg.ConflictRetries = DefaultConflictRetries
	}

	return &Service{
		store:     store,
		backend:   be,
		evaluator: evaluator,
		enforcer:  enforcer,
		logger:    logger,
		retries:   cfg.ConflictRetries,
		now:       time.Now,
	}
}

// PutOptions carries the optional attributes of a put.
type PutOptions struct {
	ContentType string
	Tags        map[string]string
	CannedACL   metadata.CannedACL
	Retention   *metadata.Retention
	LegalHold   bool
}

// Put stores an object. On a versioned bucket every put creates a new
// version; otherwise the latest record is replaced and its superseded
// payload removed. Concurrent puts on the same key race on the record
// version and the loser retries against the fresh state.
func (s *Service) Put(ctx context.Context, principal acl.Principal, bucketName, key string, body io.Reader, opts PutOptions) (*metadata.ObjectRecord, error) {
	bucket, err := s.getBucket(ctx, bucketName)
	if err != nil {
		return nil, err
	}

	if err := s.evaluator.Authorize(principal, bucket, nil, acl.ActionWrite); err != nil {
		return nil, err
	}

	if err := validateTags(opts.Tags); err != nil {
		return nil, err
	}

	if opts.Retention != nil || opts.LegalHold {
		blank := &metadata.ObjectRecord{Bucket: bucketName, Key: key}
		if err := s.enforcer.ValidateChange(bucket, blank, opts.Retention, principal, false); err != nil {
			return nil, err
		}
	}

	res, err := s.backend.PutObject(ctx, bucketName, key, body)
	if err != nil {
		return nil, fmt.Errorf("store payload: %w", err)
	}

	now := s.now().UTC()

	rec := &metadata.ObjectRecord{
		Bucket:           bucketName,
		Key:              key,
		OwnerID:          principal.CanonicalID,
		OwnerDisplayName: principal.DisplayName,
		Size:             res.Size,
		ETag:             res.ETag,
		ContentType:      opts.ContentType,
		Locations: []metadata.Location{{
			PartNumber:  1,
			Size:        res.Size,
			Start:       0,
			BackendID:   res.BackendID,
			BackendETag: res.ETag,
		}},
		Tags:          opts.Tags,
		Retention:     opts.Retention,
		LegalHold:     opts.LegalHold,
		SchemaVersion: metadata.CurrentSchemaVersion,
		CreatedAt:     now,
		LastModified:  now,
		OriginOp:      metadata.OriginOpPut,
	}

	if opts.CannedACL != "" {
		rec.ACL = &metadata.ACL{
			OwnerID:          principal.CanonicalID,
			OwnerDisplayName: principal.DisplayName,
			Canned:           opts.CannedACL,
		}
	}

	if bucket.VersioningEnabled {
		rec.VersionID = uuid.NewString()
		rec.IsLatest = true
	}

	err = s.commitPut(ctx, bucket, rec)
	metrics.RecordOperation("PutObject", err)

	if err != nil {
		_ = s.backend.Delete(ctx, res.BackendID)

		return nil, err
	}

	return rec, nil
}

// commitPut writes the record, replacing the current latest under its
// observed version so racing writers serialize. On unversioned buckets the
// superseded payload is deleted once the new record is committed.
func (s *Service) commitPut(ctx context.Context, bucket *metadata.BucketRecord, rec *metadata.ObjectRecord) error {
	for attempt := 0; ; attempt++ {
		prev, version, err := s.store.GetObjectMD(ctx, rec.Bucket, rec.Key, "")

		switch {
		case errors.Is(err, metadata.ErrNotFound):
			prev, version = nil, 0
		case err != nil:
			return err
		}

		err = s.store.PutObjectMD(ctx, rec, &metadata.PutOptions{ExpectedVersion: version})
		if err == nil {
			if prev != nil && !bucket.VersioningEnabled {
				s.deletePayload(ctx, prev)
			}

			return nil
		}

		if !errors.Is(err, metadata.ErrConflict) {
			return err
		}

		metrics.ConflictRetries.WithLabelValues("PutObject").Inc()

		if attempt+1 >= s.retries {
			return s3errors.ErrOperationAborted
		}
	}
}

// Get returns the record and an assembled payload reader. Reads of archived
// objects fail until a restore completes and only succeed while the
// restored copy has not expired.
func (s *Service) Get(ctx context.Context, principal acl.Principal, bucketName, key, versionID string) (*metadata.ObjectRecord, io.ReadCloser, error) {
	rec, err := s.Head(ctx, principal, bucketName, key, versionID)
	if err != nil {
		return nil, nil, err
	}

	if rec.Archive != nil && !s.restoredAndValid(rec) {
		return nil, nil, s3errors.ErrInvalidObjectState.WithMessage("The operation is not valid for the object's storage class")
	}

	readers := make([]io.Reader, 0, len(rec.Locations))
	closers := make([]io.Closer, 0, len(rec.Locations))

	for _, loc := range rec.Locations {
		rc, err := s.backend.Get(ctx, loc.BackendID)
		if err != nil {
			for _, c := range closers {
				_ = c.Close()
			}

			return nil, nil, fmt.Errorf("open location %s: %w", loc.BackendID, err)
		}

		readers = append(readers, rc)
		closers = append(closers, rc)
	}

	return rec, &multiReadCloser{Reader: io.MultiReader(readers...), closers: closers}, nil
}

// Head returns the record without touching the payload. Archived objects
// are visible here, restore status included.
func (s *Service) Head(ctx context.Context, principal acl.Principal, bucketName, key, versionID string) (*metadata.ObjectRecord, error) {
	bucket, err := s.getBucket(ctx, bucketName)
	if err != nil {
		return nil, err
	}

	rec, _, err := s.store.GetObjectMD(ctx, bucketName, key, versionID)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return nil, s3errors.ErrNoSuchKey.WithResource(bucketName + "/" + key)
		}

		return nil, err
	}

	if err := s.evaluator.Authorize(principal, bucket, rec, acl.ActionRead); err != nil {
		return nil, err
	}

	if rec.DeleteMarker {
		if versionID == "" {
			return nil, s3errors.ErrNoSuchKey.WithResource(bucketName + "/" + key)
		}

		return nil, s3errors.ErrMethodNotAllowed
	}

	return rec, nil
}

// Delete removes an object or places a delete marker.
//
// On a versioned bucket a delete without a version id writes a delete
// marker and touches no data. A version-specific delete is permanent and
// passes the retention gate first. Deleting a key that does not exist is
// not an error.
func (s *Service) Delete(ctx context.Context, principal acl.Principal, bucketName, key, versionID string, bypassGovernance bool) (*metadata.ObjectRecord, error) {
	bucket, err := s.getBucket(ctx, bucketName)
	if err != nil {
		return nil, err
	}

	rec, _, err := s.store.GetObjectMD(ctx, bucketName, key, versionID)
	if err != nil && !errors.Is(err, metadata.ErrNotFound) {
		return nil, err
	}

	if err := s.evaluator.Authorize(principal, bucket, rec, acl.ActionDelete); err != nil {
		return nil, err
	}

	// A versioned delete without a version id places a marker, whether or
	// not the key currently exists.
	if bucket.VersioningEnabled && versionID == "" {
		return s.placeDeleteMarker(ctx, principal, bucket, key)
	}

	if rec == nil {
		return nil, nil
	}

	if err := s.enforcer.CheckDeletion(rec, principal, bypassGovernance); err != nil {
		return nil, err
	}

	err = s.store.DeleteObjectMD(ctx, bucketName, key, versionID)
	metrics.RecordOperation("DeleteObject", err)

	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return nil, nil
		}

		return nil, err
	}

	s.deletePayload(ctx, rec)

	s.logger.Info().
		Str("bucket", bucketName).
		Str("key", key).
		Str("version_id", versionID).
		Msg("object deleted")

	return nil, nil
}

// placeDeleteMarker writes a marker version. Markers carry no payload
// locations and become the latest version of the key.
func (s *Service) placeDeleteMarker(ctx context.Context, principal acl.Principal, bucket *metadata.BucketRecord, key string) (*metadata.ObjectRecord, error) {
	now := s.now().UTC()

	marker := &metadata.ObjectRecord{
		Bucket:           bucket.Name,
		Key:              key,
		VersionID:        uuid.NewString(),
		IsLatest:         true,
		OwnerID:          principal.CanonicalID,
		OwnerDisplayName: principal.DisplayName,
		DeleteMarker:     true,
		SchemaVersion:    metadata.CurrentSchemaVersion,
		CreatedAt:        now,
		LastModified:     now,
		OriginOp:         metadata.OriginOpDeleteMarkerCreated,
	}

	if err := s.commitPut(ctx, bucket, marker); err != nil {
		return nil, err
	}

	return marker, nil
}

// PutRetention replaces the retention window of an object version.
func (s *Service) PutRetention(ctx context.Context, principal acl.Principal, bucketName, key, versionID string, next *metadata.Retention, bypassGovernance bool) error {
	bucket, err := s.getBucket(ctx, bucketName)
	if err != nil {
		return err
	}

	return s.mutate(ctx, principal, bucketName, key, versionID, acl.ActionWrite, func(rec *metadata.ObjectRecord) error {
		if err := s.enforcer.ValidateChange(bucket, rec, next, principal, bypassGovernance); err != nil {
			return err
		}

		rec.Retention = next

		return nil
	})
}

// GetRetention returns the stored retention window, nil when unset.
func (s *Service) GetRetention(ctx context.Context, principal acl.Principal, bucketName, key, versionID string) (*metadata.Retention, error) {
	rec, err := s.Head(ctx, principal, bucketName, key, versionID)
	if err != nil {
		return nil, err
	}

	return rec.Retention, nil
}

// PutLegalHold toggles the legal hold flag, independent of retention.
func (s *Service) PutLegalHold(ctx context.Context, principal acl.Principal, bucketName, key, versionID string, hold bool) error {
	bucket, err := s.getBucket(ctx, bucketName)
	if err != nil {
		return err
	}

	if err := s.enforcer.ValidateLegalHold(bucket); err != nil {
		return err
	}

	return s.mutate(ctx, principal, bucketName, key, versionID, acl.ActionWrite, func(rec *metadata.ObjectRecord) error {
		rec.LegalHold = hold

		return nil
	})
}

// GetLegalHold reports the legal hold flag.
func (s *Service) GetLegalHold(ctx context.Context, principal acl.Principal, bucketName, key, versionID string) (bool, error) {
	rec, err := s.Head(ctx, principal, bucketName, key, versionID)
	if err != nil {
		return false, err
	}

	return rec.LegalHold, nil
}

// PutTagging replaces the object's tag set.
func (s *Service) PutTagging(ctx context.Context, principal acl.Principal, bucketName, key, versionID string, tags map[string]string) error {
	if err := validateTags(tags); err != nil {
		return err
	}

	return s.mutate(ctx, principal, bucketName, key, versionID, acl.ActionWrite, func(rec *metadata.ObjectRecord) error {
		rec.Tags = tags

		return nil
	})
}

// GetTagging returns the object's tags, never nil.
func (s *Service) GetTagging(ctx context.Context, principal acl.Principal, bucketName, key, versionID string) (map[string]string, error) {
	rec, err := s.Head(ctx, principal, bucketName, key, versionID)
	if err != nil {
		return nil, err
	}

	if rec.Tags == nil {
		return map[string]string{}, nil
	}

	return rec.Tags, nil
}

// DeleteTagging clears the object's tag set.
func (s *Service) DeleteTagging(ctx context.Context, principal acl.Principal, bucketName, key, versionID string) error {
	return s.mutate(ctx, principal, bucketName, key, versionID, acl.ActionWrite, func(rec *metadata.ObjectRecord) error {
		rec.Tags = nil

		return nil
	})
}

// PutACL replaces the object ACL. Ownership is preserved.
func (s *Service) PutACL(ctx context.Context, principal acl.Principal, bucketName, key, versionID string, next metadata.ACL) error {
	return s.mutate(ctx, principal, bucketName, key, versionID, acl.ActionWriteACP, func(rec *metadata.ObjectRecord) error {
		next.OwnerID = rec.OwnerID
		next.OwnerDisplayName = rec.OwnerDisplayName
		rec.ACL = &next

		return nil
	})
}

// GetACL returns the effective object ACL. Objects without their own ACL
// report a private ACL owned by the object owner.
func (s *Service) GetACL(ctx context.Context, principal acl.Principal, bucketName, key, versionID string) (*metadata.ACL, error) {
	bucket, err := s.getBucket(ctx, bucketName)
	if err != nil {
		return nil, err
	}

	rec, _, err := s.store.GetObjectMD(ctx, bucketName, key, versionID)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return nil, s3errors.ErrNoSuchKey.WithResource(bucketName + "/" + key)
		}

		return nil, err
	}

	if err := s.evaluator.Authorize(principal, bucket, rec, acl.ActionReadACP); err != nil {
		return nil, err
	}

	if rec.ACL != nil {
		return rec.ACL, nil
	}

	return &metadata.ACL{
		OwnerID:          rec.OwnerID,
		OwnerDisplayName: rec.OwnerDisplayName,
		Canned:           metadata.CannedPrivate,
	}, nil
}

// mutate applies fn to an object record under optimistic concurrency after
// an access check, retrying a bounded number of times on conflicts.
func (s *Service) mutate(ctx context.Context, principal acl.Principal, bucketName, key, versionID string, action acl.Action, fn func(*metadata.ObjectRecord) error) error {
	bucket, err := s.getBucket(ctx, bucketName)
	if err != nil {
		return err
	}

	for attempt := 0; ; attempt++ {
		rec, version, err := s.store.GetObjectMD(ctx, bucketName, key, versionID)
		if err != nil {
			if errors.Is(err, metadata.ErrNotFound) {
				return s3errors.ErrNoSuchKey.WithResource(bucketName + "/" + key)
			}

			return err
		}

		if err := s.evaluator.Authorize(principal, bucket, rec, action); err != nil {
			return err
		}

		if rec.DeleteMarker {
			return s3errors.ErrMethodNotAllowed
		}

		if err := fn(rec); err != nil {
			return err
		}

		rec.LastModified = s.now().UTC()

		err = s.store.PutObjectMD(ctx, rec, &metadata.PutOptions{ExpectedVersion: version})
		if err == nil {
			return nil
		}

		if !errors.Is(err, metadata.ErrConflict) {
			return err
		}

		metrics.ConflictRetries.WithLabelValues("object").Inc()

		if attempt+1 >= s.retries {
			return s3errors.ErrOperationAborted
		}
	}
}

func (s *Service) getBucket(ctx context.Context, name string) (*metadata.BucketRecord, error) {
	bucket, _, err := s.store.GetBucket(ctx, name)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return nil, s3errors.ErrNoSuchBucket.WithResource(name)
		}

		return nil, err
	}

	return bucket, nil
}

func (s *Service) restoredAndValid(rec *metadata.ObjectRecord) bool {
	a := rec.Archive

	return a.RestoreCompletedAt != nil &&
		a.RestoreWillExpireAt != nil &&
		s.now().Before(*a.RestoreWillExpireAt)
}

// deletePayload removes all location blobs of a record. Markers have none.
func (s *Service) deletePayload(ctx context.Context, rec *metadata.ObjectRecord) {
	for _, loc := range rec.Locations {
		if err := s.backend.Delete(ctx, loc.BackendID); err != nil {
			s.logger.Warn().Err(err).Str("backend_id", loc.BackendID).Msg("payload cleanup failed")
		}
	}
}

type multiReadCloser struct {
	io.Reader
	closers []io.Closer
}

func (m *multiReadCloser) Close() error {
	var first error

	for _, c := range m.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}

	return first
}
