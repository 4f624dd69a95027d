// Package retention implements the object lock state machine: GOVERNANCE
// and COMPLIANCE retention windows, legal holds, and the deletion gate.
package retention

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/pelicanstore/pelican/internal/acl"
	"github.com/pelicanstore/pelican/internal/metadata"
	"github.com/pelicanstore/pelican/pkg/s3errors"
)

// Enforcer validates retention transitions and gates deletions.
type Enforcer struct {
	logger zerolog.Logger
	now    func() time.Time
}

func NewEnforcer(logger zerolog.Logger) *Enforcer {
	return &Enforcer{logger: logger, now: time.Now}
}

// WithClock overrides the time source, used by tests.
func (e *Enforcer) WithClock(now func() time.Time) *Enforcer {
	e.now = now

	return e
}

// EffectiveMode returns the retention mode currently in force on rec, or the
// empty mode when no window is active. A stored window whose retain-until
// date has elapsed no longer protects the object; the stale record is left
// in place and interpreted at read time.
func (e *Enforcer) EffectiveMode(rec *metadata.ObjectRecord) metadata.RetentionMode {
	if rec.Retention == nil {
		return ""
	}

	if !e.now().Before(rec.Retention.RetainUntilDate) {
		return ""
	}

	return rec.Retention.Mode
}

// ValidateChange decides whether principal may replace the retention of rec
// with next. A nil next clears retention.
//
// COMPLIANCE windows are terminal: while active they can only be extended in
// COMPLIANCE mode, never shortened, cleared, or downgraded, bypass or not.
// The mode stays sticky after the window elapses: an elapsed COMPLIANCE
// record no longer blocks deletion, but it can only be replaced by a new
// COMPLIANCE window, never cleared or downgraded to GOVERNANCE.
// Active GOVERNANCE windows may be extended freely; shortening, clearing, or
// escalating to COMPLIANCE requires the bypass permission together with an
// explicit bypass request.
func (e *Enforcer) ValidateChange(bucket *metadata.BucketRecord, rec *metadata.ObjectRecord, next *metadata.Retention, principal acl.Principal, bypassRequested bool) error {
	if !bucket.ObjectLockEnabled {
		return s3errors.ErrInvalidRequest.WithMessage("Bucket is missing Object Lock Configuration")
	}

	if next != nil {
		if next.Mode != metadata.RetentionGovernance && next.Mode != metadata.RetentionCompliance {
			return s3errors.ErrInvalidArgument.WithMessage("Unknown retention mode")
		}

		if !next.RetainUntilDate.After(e.now()) {
			return s3errors.ErrInvalidRetentionDate
		}
	}

	current := e.EffectiveMode(rec)
	bypass := principal.BypassGovernance && bypassRequested

	// An elapsed COMPLIANCE window keeps its mode even though it no longer
	// protects the object.
	if current == "" && rec.Retention != nil && rec.Retention.Mode == metadata.RetentionCompliance {
		if next == nil || next.Mode != metadata.RetentionCompliance {
			return s3errors.ErrAccessDenied.WithMessage("Cannot remove or downgrade COMPLIANCE retention")
		}

		return nil
	}

	switch current {
	case metadata.RetentionCompliance:
		if next == nil || next.Mode != metadata.RetentionCompliance {
			return s3errors.ErrAccessDenied.WithMessage("Cannot remove or downgrade COMPLIANCE retention")
		}

		if next.RetainUntilDate.Before(rec.Retention.RetainUntilDate) {
			return s3errors.ErrAccessDenied.WithMessage("Cannot shorten COMPLIANCE retention")
		}

		return nil

	case metadata.RetentionGovernance:
		if next == nil {
			if !bypass {
				return s3errors.ErrAccessDenied.WithMessage("Cannot remove GOVERNANCE retention without bypass")
			}

			return nil
		}

		if next.Mode == metadata.RetentionCompliance && !bypass {
			return s3errors.ErrAccessDenied.WithMessage("Cannot escalate GOVERNANCE retention without bypass")
		}

		if next.RetainUntilDate.Before(rec.Retention.RetainUntilDate) && !bypass {
			return s3errors.ErrAccessDenied.WithMessage("Cannot shorten GOVERNANCE retention without bypass")
		}

		return nil

	default:
		// No active window: any valid retention may be placed or cleared.
		return nil
	}
}

// ValidateLegalHold checks that bucket permits legal holds at all. The hold
// itself is a free toggle, independent of any retention window.
func (e *Enforcer) ValidateLegalHold(bucket *metadata.BucketRecord) error {
	if !bucket.ObjectLockEnabled {
		return s3errors.ErrInvalidRequest.WithMessage("Bucket is missing Object Lock Configuration")
	}

	return nil
}

// CheckDeletion gates permanent deletion of an object version. A legal hold
// blocks deletion unconditionally. An active COMPLIANCE window blocks it for
// everyone; an active GOVERNANCE window yields only to a principal holding
// bypass permission who also asked for the bypass.
func (e *Enforcer) CheckDeletion(rec *metadata.ObjectRecord, principal acl.Principal, bypassRequested bool) error {
	if rec.LegalHold {
		return s3errors.ErrAccessDenied.WithMessage("Object is under legal hold")
	}

	switch e.EffectiveMode(rec) {
	case metadata.RetentionCompliance:
		return s3errors.ErrAccessDenied.WithMessage("Object is protected by COMPLIANCE retention")

	case metadata.RetentionGovernance:
		if principal.BypassGovernance && bypassRequested {
			e.logger.Info().
				Str("bucket", rec.Bucket).
				Str("key", rec.Key).
				Str("principal", principal.CanonicalID).
				Msg("governance retention bypassed for deletion")

			return nil
		}

		return s3errors.ErrAccessDenied.WithMessage("Object is protected by GOVERNANCE retention")

	default:
		return nil
	}
}
