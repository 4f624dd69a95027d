// Package coldstorage manages the archive lifecycle of objects: sealing to
// a cold tier, restore requests, temporary restored copies, and expiry back
// to the archive.
package coldstorage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/pelicanstore/pelican/internal/metadata"
	"github.com/pelicanstore/pelican/internal/metrics"
	"github.com/pelicanstore/pelican/pkg/s3errors"
)

// DefaultTierName labels archives when no tier is given.
const DefaultTierName = "deep-freeze"

// updateRetries bounds the conditional write loop per mutation.
const updateRetries = 5

// Lifecycle drives archive state transitions on object records.
type Lifecycle struct {
	store  metadata.Store
	logger zerolog.Logger
	now    func() time.Time
}

func NewLifecycle(store metadata.Store, logger zerolog.Logger) *Lifecycle {
	return &Lifecycle{store: store, logger: logger, now: time.Now}
}

// WithClock overrides the time source, used by tests.
func (l *Lifecycle) WithClock(now func() time.Time) *Lifecycle {
	l.now = now

	return l
}

// Archive seals a live object into the cold tier. Payload movement is the
// tier's concern; this transition only flips the metadata state.
func (l *Lifecycle) Archive(ctx context.Context, bucket, key, versionID, tier string) (*metadata.ObjectRecord, error) {
	if tier == "" {
		tier = DefaultTierName
	}

	rec, err := l.mutate(ctx, bucket, key, versionID, func(rec *metadata.ObjectRecord) error {
		if rec.DeleteMarker {
			return s3errors.ErrMethodNotAllowed
		}

		if rec.Archive != nil {
			return s3errors.ErrInvalidObjectState.WithMessage("Object is already archived")
		}

		rec.Archive = &metadata.ArchiveState{
			SealedAt: l.now().UTC(),
			TierName: tier,
		}
		rec.Restore = nil

		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.ObjectsArchived.WithLabelValues(tier).Inc()
	l.logger.Info().Str("bucket", bucket).Str("key", key).Str("tier", tier).Msg("object archived")

	return rec, nil
}

// RequestRestore asks for a temporary readable copy of an archived object.
// A restore is requested exactly once per archived copy: repeating the call
// while one is ongoing or delivered is an invalid transition until the
// restored copy expires back to plain archived state.
func (l *Lifecycle) RequestRestore(ctx context.Context, bucket, key, versionID string, days int) (*metadata.ObjectRecord, error) {
	if days < 1 {
		return nil, s3errors.ErrInvalidArgument.WithMessage("Restore days must be at least 1")
	}

	rec, err := l.mutate(ctx, bucket, key, versionID, func(rec *metadata.ObjectRecord) error {
		if rec.Archive == nil {
			return s3errors.ErrInvalidObjectState.WithMessage("Object is not archived")
		}

		if rec.Archive.RestoreRequestedAt != nil {
			return s3errors.ErrInvalidObjectState.WithMessage("A restore is already in progress or delivered")
		}

		now := l.now().UTC()

		rec.Archive.RestoreRequestedAt = &now
		rec.Archive.RestoreRequestedDays = days
		rec.Restore = &metadata.RestoreStatus{Ongoing: true}

		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.RestoresRequested.WithLabelValues(rec.Archive.TierName).Inc()

	return rec, nil
}

// CompleteRestore marks a requested restore as delivered by the cold tier.
// The restored copy stays readable until the expiry computed from the
// requested day count.
func (l *Lifecycle) CompleteRestore(ctx context.Context, bucket, key, versionID string) (*metadata.ObjectRecord, error) {
	return l.mutate(ctx, bucket, key, versionID, func(rec *metadata.ObjectRecord) error {
		if rec.Archive == nil || rec.Archive.RestoreRequestedAt == nil {
			return s3errors.ErrInvalidObjectState.WithMessage("No restore has been requested")
		}

		if rec.Archive.RestoreCompletedAt != nil {
			return s3errors.ErrInvalidObjectState.WithMessage("Restore is already complete")
		}

		now := l.now().UTC()
		expiry := now.AddDate(0, 0, rec.Archive.RestoreRequestedDays)

		rec.Archive.RestoreCompletedAt = &now
		rec.Archive.RestoreWillExpireAt = &expiry
		rec.Restore = &metadata.RestoreStatus{Ongoing: false, ExpiryDate: &expiry}

		return nil
	})
}

// SweepExpiredRestores returns expired restored copies to plain archived
// state across all buckets and reports how many it reverted.
func (l *Lifecycle) SweepExpiredRestores(ctx context.Context) (int, error) {
	buckets, err := l.store.ListBuckets(ctx)
	if err != nil {
		return 0, fmt.Errorf("list buckets: %w", err)
	}

	var reverted int

	for _, bucket := range buckets {
		recs, err := l.store.ListObjectMD(ctx, bucket.Name, 0)
		if err != nil {
			return reverted, fmt.Errorf("list objects in %s: %w", bucket.Name, err)
		}

		for _, rec := range recs {
			if !l.restoreExpired(rec) {
				continue
			}

			_, err := l.mutate(ctx, rec.Bucket, rec.Key, rec.VersionID, func(rec *metadata.ObjectRecord) error {
				if !l.restoreExpired(rec) {
					return nil
				}

				rec.Archive.RestoreRequestedAt = nil
				rec.Archive.RestoreRequestedDays = 0
				rec.Archive.RestoreCompletedAt = nil
				rec.Archive.RestoreWillExpireAt = nil
				rec.Restore = nil

				return nil
			})
			if err != nil {
				// The record may have been deleted since listing.
				if errors.Is(err, s3errors.ErrNoSuchKey) {
					continue
				}

				return reverted, err
			}

			reverted++

			metrics.RestoresExpired.Inc()
			l.logger.Info().Str("bucket", rec.Bucket).Str("key", rec.Key).Msg("expired restore reverted to archive")
		}
	}

	return reverted, nil
}

func (l *Lifecycle) restoreExpired(rec *metadata.ObjectRecord) bool {
	return rec.Archive != nil &&
		rec.Archive.RestoreWillExpireAt != nil &&
		!l.now().Before(*rec.Archive.RestoreWillExpireAt)
}

// mutate applies fn to the record under optimistic concurrency, retrying a
// bounded number of times on version conflicts.
func (l *Lifecycle) mutate(ctx context.Context, bucket, key, versionID string, fn func(*metadata.ObjectRecord) error) (*metadata.ObjectRecord, error) {
	for attempt := 0; ; attempt++ {
		rec, version, err := l.store.GetObjectMD(ctx, bucket, key, versionID)
		if err != nil {
			if errors.Is(err, metadata.ErrNotFound) {
				return nil, s3errors.ErrNoSuchKey
			}

			return nil, err
		}

		if err := fn(rec); err != nil {
			return nil, err
		}

		rec.LastModified = l.now().UTC()

		err = l.store.PutObjectMD(ctx, rec, &metadata.PutOptions{ExpectedVersion: version})
		if err == nil {
			return rec, nil
		}

		if !errors.Is(err, metadata.ErrConflict) {
			return nil, err
		}

		metrics.ConflictRetries.WithLabelValues("coldstorage").Inc()

		if attempt+1 >= updateRetries {
			return nil, s3errors.ErrOperationAborted
		}
	}
}
