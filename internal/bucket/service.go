// Package bucket implements bucket lifecycle and configuration operations.
package bucket

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/rs/zerolog"

	"github.com/pelicanstore/pelican/internal/acl"
	"github.com/pelicanstore/pelican/internal/metadata"
	"github.com/pelicanstore/pelican/internal/metrics"
	"github.com/pelicanstore/pelican/pkg/s3errors"
)

// updateRetries bounds conditional update loops on bucket records.
const updateRetries = 5

var (
	bucketNameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)
	ipAddressRegex  = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`)
)

// Service handles bucket operations.
type Service struct {
	store     metadata.Store
	evaluator *acl.Evaluator
	logger    zerolog.Logger
}

func NewService(store metadata.Store, evaluator *acl.Evaluator, logger zerolog.Logger) *Service {
	return &Service{store: store, evaluator: evaluator, logger: logger}
}

// CreateOptions configures a new bucket.
type CreateOptions struct {
	LocationConstraint string
	VersioningEnabled  bool
	ObjectLockEnabled  bool
	CannedACL          metadata.CannedACL
}

// CreateBucket creates a bucket owned by principal. Enabling object lock
// forces versioning on, and the lock flag can never be cleared afterwards.
func (s *Service) CreateBucket(ctx context.Context, principal acl.Principal, name string, opts CreateOptions) (*metadata.BucketRecord, error) {
	if principal.Anonymous() {
		return nil, s3errors.ErrAccessDenied
	}

	if err := validateBucketName(name); err != nil {
		return nil, err
	}

	canned := opts.CannedACL
	if canned == "" {
		canned = metadata.CannedPrivate
	}

	rec := &metadata.BucketRecord{
		Name:               name,
		OwnerID:            principal.CanonicalID,
		OwnerDisplayName:   principal.DisplayName,
		CreatedAt:          time.Now().UTC(),
		LocationConstraint: opts.LocationConstraint,
		VersioningEnabled:  opts.VersioningEnabled || opts.ObjectLockEnabled,
		ObjectLockEnabled:  opts.ObjectLockEnabled,
		ACL: metadata.ACL{
			OwnerID:          principal.CanonicalID,
			OwnerDisplayName: principal.DisplayName,
			Canned:           canned,
		},
	}

	err := s.store.PutBucket(ctx, rec, &metadata.PutOptions{ExpectedVersion: 0})
	metrics.RecordOperation("CreateBucket", err)

	if err != nil {
		if errors.Is(err, metadata.ErrConflict) {
			return nil, s3errors.ErrBucketAlreadyExists.WithResource(name)
		}

		return nil, fmt.Errorf("create bucket %s: %w", name, err)
	}

	s.logger.Info().Str("bucket", name).Str("owner", principal.CanonicalID).Msg("bucket created")

	return rec, nil
}

// GetBucket returns a bucket the principal may read.
func (s *Service) GetBucket(ctx context.Context, principal acl.Principal, name string) (*metadata.BucketRecord, error) {
	rec, _, err := s.store.GetBucket(ctx, name)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return nil, s3errors.ErrNoSuchBucket.WithResource(name)
		}

		return nil, err
	}

	if err := s.evaluator.Authorize(principal, rec, nil, acl.ActionRead); err != nil {
		return nil, err
	}

	return rec, nil
}

// HeadBucket checks existence and read access.
func (s *Service) HeadBucket(ctx context.Context, principal acl.Principal, name string) error {
	_, err := s.GetBucket(ctx, principal, name)

	return err
}

// DeleteBucket removes an empty bucket. Any object record, delete markers
// included, keeps the bucket alive.
func (s *Service) DeleteBucket(ctx context.Context, principal acl.Principal, name string) error {
	rec, _, err := s.store.GetBucket(ctx, name)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return s3errors.ErrNoSuchBucket.WithResource(name)
		}

		return err
	}

	if err := s.evaluator.Authorize(principal, rec, nil, acl.ActionDelete); err != nil {
		return err
	}

	objects, err := s.store.ListObjectMD(ctx, name, 1)
	if err != nil {
		return fmt.Errorf("check bucket contents: %w", err)
	}

	if len(objects) > 0 {
		return s3errors.ErrBucketNotEmpty.WithResource(name)
	}

	err = s.store.DeleteBucket(ctx, name)
	metrics.RecordOperation("DeleteBucket", err)

	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return s3errors.ErrNoSuchBucket.WithResource(name)
		}

		return fmt.Errorf("delete bucket %s: %w", name, err)
	}

	s.logger.Info().Str("bucket", name).Msg("bucket deleted")

	return nil
}

// ListBuckets returns the buckets owned by principal.
func (s *Service) ListBuckets(ctx context.Context, principal acl.Principal) ([]*metadata.BucketRecord, error) {
	if principal.Anonymous() {
		return nil, s3errors.ErrAccessDenied
	}

	all, err := s.store.ListBuckets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}

	var owned []*metadata.BucketRecord

	for _, rec := range all {
		if rec.OwnerID == principal.CanonicalID {
			owned = append(owned, rec)
		}
	}

	return owned, nil
}

// SetVersioning changes the versioning flag. Versioning cannot be switched
// off while object lock is enabled.
func (s *Service) SetVersioning(ctx context.Context, principal acl.Principal, name string, enabled bool) error {
	return s.mutate(ctx, principal, name, acl.ActionWrite, func(rec *metadata.BucketRecord) error {
		if rec.ObjectLockEnabled && !enabled {
			return s3errors.ErrInvalidRequest.WithMessage("Versioning cannot be suspended on a bucket with Object Lock")
		}

		rec.VersioningEnabled = enabled

		return nil
	})
}

// GetBucketACL returns the bucket ACL to a principal holding READ_ACP.
func (s *Service) GetBucketACL(ctx context.Context, principal acl.Principal, name string) (*metadata.ACL, error) {
	rec, _, err := s.store.GetBucket(ctx, name)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return nil, s3errors.ErrNoSuchBucket.WithResource(name)
		}

		return nil, err
	}

	if err := s.evaluator.Authorize(principal, rec, nil, acl.ActionReadACP); err != nil {
		return nil, err
	}

	return &rec.ACL, nil
}

// PutBucketACL replaces the bucket ACL. Ownership is not transferable
// through ACL writes.
func (s *Service) PutBucketACL(ctx context.Context, principal acl.Principal, name string, next metadata.ACL) error {
	return s.mutate(ctx, principal, name, acl.ActionWriteACP, func(rec *metadata.BucketRecord) error {
		next.OwnerID = rec.ACL.OwnerID
		next.OwnerDisplayName = rec.ACL.OwnerDisplayName
		rec.ACL = next

		return nil
	})
}

// mutate applies fn to the bucket record under optimistic concurrency after
// an access check, retrying a bounded number of times on conflicts.
func (s *Service) mutate(ctx context.Context, principal acl.Principal, name string, action acl.Action, fn func(*metadata.BucketRecord) error) error {
	for attempt := 0; ; attempt++ {
		rec, version, err := s.store.GetBucket(ctx, name)
		if err != nil {
			if errors.Is(err, metadata.ErrNotFound) {
				return s3errors.ErrNoSuchBucket.WithResource(name)
			}

			return err
		}

		if err := s.evaluator.Authorize(principal, rec, nil, action); err != nil {
			return err
		}

		if err := fn(rec); err != nil {
			return err
		}

		err = s.store.PutBucket(ctx, rec, &metadata.PutOptions{ExpectedVersion: version})
		if err == nil {
			return nil
		}

		if !errors.Is(err, metadata.ErrConflict) {
			return err
		}

		metrics.ConflictRetries.WithLabelValues("bucket").Inc()

		if attempt+1 >= updateRetries {
			return s3errors.ErrOperationAborted
		}
	}
}

// validateBucketName enforces S3 bucket naming rules.
func validateBucketName(name string) error {
	if len(name) < 3 || len(name) > 63 {
		return s3errors.ErrInvalidBucketName.WithMessage("bucket name must be between 3 and 63 characters")
	}

	if !bucketNameRegex.MatchString(name) {
		return s3errors.ErrInvalidBucketName.WithMessage("bucket name can only contain lowercase letters, numbers, hyphens, and periods")
	}

	if ipAddressRegex.MatchString(name) {
		return s3errors.ErrInvalidBucketName.WithMessage("bucket name cannot be formatted as an IP address")
	}

	return nil
}
