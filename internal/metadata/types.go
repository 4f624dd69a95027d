package metadata

import (
	"time"
)

// CurrentSchemaVersion is written into every new object record. Records with
// a higher version were written by a newer release and are rejected on read.
const CurrentSchemaVersion = 1

// Originating-operation tags recorded on object metadata.
const (
	OriginOpPut                 = "s3:ObjectCreated:Put"
	OriginOpCompleteMultipart   = "s3:ObjectCreated:CompleteMultipartUpload"
	OriginOpDeleteMarkerCreated = "s3:ObjectRemoved:DeleteMarkerCreated"
)

// CannedACL is a named preset expanding to a fixed grant set.
type CannedACL string

const (
	// CannedPrivate denies all non-owner access.
	CannedPrivate CannedACL = "private"
	// CannedPublicRead allows read actions to anyone.
	CannedPublicRead CannedACL = "public-read"
	// CannedPublicReadWrite additionally allows write and delete actions to anyone.
	CannedPublicReadWrite CannedACL = "public-read-write"
	// CannedAuthenticatedRead allows read actions to any authenticated principal.
	CannedAuthenticatedRead CannedACL = "authenticated-read"
)

// Permission is the grant unit of explicit ACL grants.
type Permission string

const (
	PermFullControl Permission = "FULL_CONTROL"
	PermWrite       Permission = "WRITE"
	PermWriteACP    Permission = "WRITE_ACP"
	PermRead        Permission = "READ"
	PermReadACP     Permission = "READ_ACP"
)

// Grant assigns a permission to a grantee canonical id.
type Grant struct {
	GranteeID  string     `json:"grantee_id"`
	Permission Permission `json:"permission"`
}

// ACL is an access control list: a canned token plus explicit grants.
// An empty Canned token means only explicit grants and ownership apply.
type ACL struct {
	OwnerID          string    `json:"owner_id"`
	OwnerDisplayName string    `json:"owner_display_name,omitempty"`
	Canned           CannedACL `json:"canned,omitempty"`
	Grants           []Grant   `json:"grants,omitempty"`
}

// BucketRecord is the durable metadata record of a bucket.
type BucketRecord struct {
	Name               string    `json:"name"`
	OwnerID            string    `json:"owner_id"`
	OwnerDisplayName   string    `json:"owner_display_name,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	LocationConstraint string    `json:"location_constraint,omitempty"`
	VersioningEnabled  bool      `json:"versioning_enabled,omitempty"`

	// ObjectLockEnabled is immutable once set true.
	ObjectLockEnabled bool `json:"object_lock_enabled,omitempty"`

	ACL ACL `json:"acl"`
}

// RetentionMode is the object lock retention mode.
type RetentionMode string

const (
	// RetentionGovernance allows privileged bypass.
	RetentionGovernance RetentionMode = "GOVERNANCE"
	// RetentionCompliance can never be bypassed, shortened, or cleared.
	RetentionCompliance RetentionMode = "COMPLIANCE"
)

// Retention is a WORM protection window on an object version.
type Retention struct {
	Mode            RetentionMode `json:"mode"`
	RetainUntilDate time.Time     `json:"retain_until_date"`
}

// ArchiveState records an object's presence in the cold tier.
// RestoreRequestedAt being set means a rehydration has been asked for;
// RestoreCompletedAt/RestoreWillExpireAt are set once the cold tier delivers.
type ArchiveState struct {
	SealedAt             time.Time  `json:"sealed_at"`
	TierName             string     `json:"tier_name"`
	RestoreRequestedAt   *time.Time `json:"restore_requested_at,omitempty"`
	RestoreRequestedDays int        `json:"restore_requested_days,omitempty"`
	RestoreCompletedAt   *time.Time `json:"restore_completed_at,omitempty"`
	RestoreWillExpireAt  *time.Time `json:"restore_will_expire_at,omitempty"`
}

// RestoreStatus is the client-visible restore marker, exposed on reads of
// archived objects so callers can distinguish "available until T" from
// "not yet restored".
type RestoreStatus struct {
	Ongoing    bool       `json:"ongoing"`
	ExpiryDate *time.Time `json:"expiry_date,omitempty"`
}

// Location describes one stored span of object payload.
type Location struct {
	PartNumber  int    `json:"part_number"`
	Size        int64  `json:"size"`
	Start       int64  `json:"start"`
	BackendID   string `json:"backend_id"`
	BackendETag string `json:"backend_etag"`
}

// ReplicationStatus mirrors the replication state tag of the object record.
// Orchestration of replication lives outside this core.
type ReplicationStatus string

const (
	ReplicationNone      ReplicationStatus = ""
	ReplicationPending   ReplicationStatus = "PENDING"
	ReplicationCompleted ReplicationStatus = "COMPLETED"
	ReplicationFailed    ReplicationStatus = "FAILED"
)

// ObjectRecord is the durable metadata record of an object version.
type ObjectRecord struct {
	Bucket    string `json:"bucket"`
	Key       string `json:"key"`
	VersionID string `json:"version_id,omitempty"`
	IsLatest  bool   `json:"is_latest,omitempty"`

	OwnerID          string `json:"owner_id"`
	OwnerDisplayName string `json:"owner_display_name,omitempty"`

	Size        int64      `json:"size"`
	ETag        string     `json:"etag,omitempty"`
	ContentType string     `json:"content_type,omitempty"`
	Locations   []Location `json:"locations,omitempty"`

	DeleteMarker bool              `json:"delete_marker,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
	Replication  ReplicationStatus `json:"replication,omitempty"`

	Retention *Retention `json:"retention,omitempty"`
	LegalHold bool       `json:"legal_hold,omitempty"`

	Archive *ArchiveState  `json:"archive,omitempty"`
	Restore *RestoreStatus `json:"restore,omitempty"`

	ACL *ACL `json:"acl,omitempty"`

	SchemaVersion int       `json:"schema_version"`
	CreatedAt     time.Time `json:"created_at"`
	LastModified  time.Time `json:"last_modified"`
	OriginOp      string    `json:"origin_op,omitempty"`
}

// LocationSize returns the sum of the location descriptor sizes.
func (r *ObjectRecord) LocationSize() int64 {
	var total int64
	for _, loc := range r.Locations {
		total += loc.Size
	}

	return total
}

// PartRecord is a single uploaded part of a multipart session.
type PartRecord struct {
	PartNumber   int       `json:"part_number"`
	Size         int64     `json:"size"`
	ETag         string    `json:"etag"`
	BackendID    string    `json:"backend_id"`
	LastModified time.Time `json:"last_modified"`
}

// MultipartSession is an open multipart upload. Parts are keyed by part
// number; re-uploading a number replaces the previous part (last write wins).
type MultipartSession struct {
	UploadID    string             `json:"upload_id"`
	Bucket      string             `json:"bucket"`
	Key         string             `json:"key"`
	InitiatorID string             `json:"initiator_id"`
	OwnerID     string             `json:"owner_id"`
	CreatedAt   time.Time          `json:"created_at"`
	Parts       map[int]PartRecord `json:"parts,omitempty"`
}
