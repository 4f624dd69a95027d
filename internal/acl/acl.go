// Package acl decides whether a principal may perform an action on a bucket
// or object, combining ownership, canned ACLs, and explicit grants.
package acl

import (
	"github.com/rs/zerolog"

	"github.com/pelicanstore/pelican/internal/metadata"
	"github.com/pelicanstore/pelican/internal/metrics"
	"github.com/pelicanstore/pelican/pkg/s3errors"
)

// PublicCanonicalID is the sentinel canonical id of unauthenticated callers.
// It never matches an explicit grant or an owner id; it is only satisfied by
// the public canned ACLs.
const PublicCanonicalID = "*"

// Principal identifies the caller of an operation.
type Principal struct {
	CanonicalID string
	DisplayName string

	// BypassGovernance is true when the caller holds the
	// bypass-governance-retention permission. It has no effect on ACL
	// evaluation itself; retention checks consume it.
	BypassGovernance bool
}

// Anonymous reports whether the principal is the unauthenticated sentinel.
func (p Principal) Anonymous() bool {
	return p.CanonicalID == "" || p.CanonicalID == PublicCanonicalID
}

// Action is the access class an operation requires.
type Action string

const (
	ActionRead     Action = "READ"
	ActionWrite    Action = "WRITE"
	ActionDelete   Action = "DELETE"
	ActionReadACP  Action = "READ_ACP"
	ActionWriteACP Action = "WRITE_ACP"
)

// Evaluator answers access questions against stored ACLs.
type Evaluator struct {
	logger zerolog.Logger
}

func NewEvaluator(logger zerolog.Logger) *Evaluator {
	return &Evaluator{logger: logger}
}

// Authorize checks principal against the object ACL when present, falling
// back to the bucket ACL. It returns nil on allow and ErrAccessDenied on
// deny. The most specific resource wins: an object carrying its own ACL is
// evaluated on that ACL alone.
func (e *Evaluator) Authorize(principal Principal, bucket *metadata.BucketRecord, object *metadata.ObjectRecord, action Action) error {
	effective := &bucket.ACL
	if object != nil && object.ACL != nil {
		effective = object.ACL
	}

	if e.allowed(principal, effective, action) {
		return nil
	}

	metrics.AccessDenied.WithLabelValues(string(action)).Inc()
	e.logger.Debug().
		Str("principal", principal.CanonicalID).
		Str("bucket", bucket.Name).
		Str("action", string(action)).
		Msg("access denied")

	return s3errors.ErrAccessDenied
}

func (e *Evaluator) allowed(principal Principal, a *metadata.ACL, action Action) bool {
	// The resource owner holds FULL_CONTROL implicitly.
	if !principal.Anonymous() && principal.CanonicalID == a.OwnerID {
		return true
	}

	if cannedAllows(a.Canned, principal, action) {
		return true
	}

	if principal.Anonymous() {
		return false
	}

	for _, grant := range a.Grants {
		if grant.GranteeID != principal.CanonicalID {
			continue
		}

		if permissionCovers(grant.Permission, action) {
			return true
		}
	}

	return false
}

func cannedAllows(canned metadata.CannedACL, principal Principal, action Action) bool {
	switch canned {
	case metadata.CannedPublicRead:
		return action == ActionRead
	case metadata.CannedPublicReadWrite:
		return action == ActionRead || action == ActionWrite || action == ActionDelete
	case metadata.CannedAuthenticatedRead:
		return action == ActionRead && !principal.Anonymous()
	default:
		return false
	}
}

func permissionCovers(perm metadata.Permission, action Action) bool {
	switch perm {
	case metadata.PermFullControl:
		return true
	case metadata.PermRead:
		return action == ActionRead
	case metadata.PermWrite:
		return action == ActionWrite || action == ActionDelete
	case metadata.PermReadACP:
		return action == ActionReadACP
	case metadata.PermWriteACP:
		return action == ActionWriteACP
	default:
		return false
	}
}
