package retention

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pelicanstore/pelican/internal/acl"
	"github.com/pelicanstore/pelican/internal/metadata"
	"github.com/pelicanstore/pelican/pkg/s3errors"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestEnforcer() *Enforcer {
	return NewEnforcer(zerolog.Nop()).WithClock(func() time.Time { return testNow })
}

func lockedBucket() *metadata.BucketRecord {
	return &metadata.BucketRecord{Name: "b", ObjectLockEnabled: true}
}

func objWith(ret *metadata.Retention, legalHold bool) *metadata.ObjectRecord {
	return &metadata.ObjectRecord{Bucket: "b", Key: "k", Retention: ret, LegalHold: legalHold}
}

func day(n int) time.Time {
	return testNow.AddDate(0, 0, n)
}

func TestEffectiveMode(t *testing.T) {
	e := newTestEnforcer()

	tests := []struct {
		name string
		ret  *metadata.Retention
		want metadata.RetentionMode
	}{
		{name: "no retention", ret: nil, want: ""},
		{
			name: "active governance",
			ret:  &metadata.Retention{Mode: metadata.RetentionGovernance, RetainUntilDate: day(10)},
			want: metadata.RetentionGovernance,
		},
		{
			name: "active compliance",
			ret:  &metadata.Retention{Mode: metadata.RetentionCompliance, RetainUntilDate: day(10)},
			want: metadata.RetentionCompliance,
		},
		{
			name: "elapsed window no longer protects",
			ret:  &metadata.Retention{Mode: metadata.RetentionCompliance, RetainUntilDate: day(-1)},
			want: "",
		},
		{
			name: "window expiring exactly now no longer protects",
			ret:  &metadata.Retention{Mode: metadata.RetentionGovernance, RetainUntilDate: testNow},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.EffectiveMode(objWith(tt.ret, false)); got != tt.want {
				t.Errorf("EffectiveMode = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidateChange(t *testing.T) {
	governance10 := &metadata.Retention{Mode: metadata.RetentionGovernance, RetainUntilDate: day(10)}
	compliance10 := &metadata.Retention{Mode: metadata.RetentionCompliance, RetainUntilDate: day(10)}

	plain := acl.Principal{CanonicalID: "alice"}
	privileged := acl.Principal{CanonicalID: "root", BypassGovernance: true}

	tests := []struct {
		name      string
		bucket    *metadata.BucketRecord
		current   *metadata.Retention
		next      *metadata.Retention
		principal acl.Principal
		bypass    bool
		wantErr   error
	}{
		{
			name:    "bucket without object lock",
			bucket:  &metadata.BucketRecord{Name: "b"},
			next:    governance10,
			wantErr: s3errors.ErrInvalidRequest,
		},
		{
			name:    "retain until date in the past",
			bucket:  lockedBucket(),
			next:    &metadata.Retention{Mode: metadata.RetentionGovernance, RetainUntilDate: day(-1)},
			wantErr: s3errors.ErrInvalidRetentionDate,
		},
		{
			name:    "unknown mode",
			bucket:  lockedBucket(),
			next:    &metadata.Retention{Mode: "LENIENT", RetainUntilDate: day(10)},
			wantErr: s3errors.ErrInvalidArgument,
		},
		{
			name:      "place governance on unprotected object",
			bucket:    lockedBucket(),
			next:      governance10,
			principal: plain,
		},
		{
			name:      "place compliance on unprotected object",
			bucket:    lockedBucket(),
			next:      compliance10,
			principal: plain,
		},
		{
			name:      "extend governance without bypass",
			bucket:    lockedBucket(),
			current:   governance10,
			next:      &metadata.Retention{Mode: metadata.RetentionGovernance, RetainUntilDate: day(20)},
			principal: plain,
		},
		{
			name:      "resubmit governance with same date without bypass",
			bucket:    lockedBucket(),
			current:   governance10,
			next:      governance10,
			principal: plain,
		},
		{
			name:      "shorten governance without bypass",
			bucket:    lockedBucket(),
			current:   governance10,
			next:      &metadata.Retention{Mode: metadata.RetentionGovernance, RetainUntilDate: day(5)},
			principal: plain,
			wantErr:   s3errors.ErrAccessDenied,
		},
		{
			name:      "shorten governance with permission but no request",
			bucket:    lockedBucket(),
			current:   governance10,
			next:      &metadata.Retention{Mode: metadata.RetentionGovernance, RetainUntilDate: day(5)},
			principal: privileged,
			wantErr:   s3errors.ErrAccessDenied,
		},
		{
			name:      "shorten governance with bypass",
			bucket:    lockedBucket(),
			current:   governance10,
			next:      &metadata.Retention{Mode: metadata.RetentionGovernance, RetainUntilDate: day(5)},
			principal: privileged,
			bypass:    true,
		},
		{
			name:      "clear governance without bypass",
			bucket:    lockedBucket(),
			current:   governance10,
			principal: plain,
			wantErr:   s3errors.ErrAccessDenied,
		},
		{
			name:      "clear governance with bypass",
			bucket:    lockedBucket(),
			current:   governance10,
			principal: privileged,
			bypass:    true,
		},
		{
			name:      "escalate governance to compliance without bypass",
			bucket:    lockedBucket(),
			current:   governance10,
			next:      &metadata.Retention{Mode: metadata.RetentionCompliance, RetainUntilDate: day(20)},
			principal: plain,
			wantErr:   s3errors.ErrAccessDenied,
		},
		{
			name:      "escalate governance to compliance with bypass",
			bucket:    lockedBucket(),
			current:   governance10,
			next:      &metadata.Retention{Mode: metadata.RetentionCompliance, RetainUntilDate: day(20)},
			principal: privileged,
			bypass:    true,
		},
		{
			name:      "extend compliance",
			bucket:    lockedBucket(),
			current:   compliance10,
			next:      &metadata.Retention{Mode: metadata.RetentionCompliance, RetainUntilDate: day(20)},
			principal: plain,
		},
		{
			name:      "shorten compliance with bypass still denied",
			bucket:    lockedBucket(),
			current:   compliance10,
			next:      &metadata.Retention{Mode: metadata.RetentionCompliance, RetainUntilDate: day(5)},
			principal: privileged,
			bypass:    true,
			wantErr:   s3errors.ErrAccessDenied,
		},
		{
			name:      "downgrade compliance with bypass still denied",
			bucket:    lockedBucket(),
			current:   compliance10,
			next:      &metadata.Retention{Mode: metadata.RetentionGovernance, RetainUntilDate: day(20)},
			principal: privileged,
			bypass:    true,
			wantErr:   s3errors.ErrAccessDenied,
		},
		{
			name:      "clear compliance with bypass still denied",
			bucket:    lockedBucket(),
			current:   compliance10,
			principal: privileged,
			bypass:    true,
			wantErr:   s3errors.ErrAccessDenied,
		},
		{
			name:      "elapsed compliance may be relocked in compliance",
			bucket:    lockedBucket(),
			current:   &metadata.Retention{Mode: metadata.RetentionCompliance, RetainUntilDate: day(-1)},
			next:      compliance10,
			principal: plain,
		},
		{
			name:      "elapsed compliance never downgrades to governance",
			bucket:    lockedBucket(),
			current:   &metadata.Retention{Mode: metadata.RetentionCompliance, RetainUntilDate: day(-1)},
			next:      governance10,
			principal: privileged,
			bypass:    true,
			wantErr:   s3errors.ErrAccessDenied,
		},
		{
			name:      "elapsed compliance never clears",
			bucket:    lockedBucket(),
			current:   &metadata.Retention{Mode: metadata.RetentionCompliance, RetainUntilDate: day(-1)},
			principal: privileged,
			bypass:    true,
			wantErr:   s3errors.ErrAccessDenied,
		},
		{
			name:      "elapsed governance may be replaced freely",
			bucket:    lockedBucket(),
			current:   &metadata.Retention{Mode: metadata.RetentionGovernance, RetainUntilDate: day(-1)},
			next:      governance10,
			principal: plain,
		},
	}

	e := newTestEnforcer()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.ValidateChange(tt.bucket, objWith(tt.current, false), tt.next, tt.principal, tt.bypass)

			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ValidateChange = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCheckDeletion(t *testing.T) {
	plain := acl.Principal{CanonicalID: "alice"}
	privileged := acl.Principal{CanonicalID: "root", BypassGovernance: true}

	tests := []struct {
		name      string
		obj       *metadata.ObjectRecord
		principal acl.Principal
		bypass    bool
		wantErr   error
	}{
		{
			name:      "unprotected object deletable",
			obj:       objWith(nil, false),
			principal: plain,
		},
		{
			name:      "legal hold blocks deletion",
			obj:       objWith(nil, true),
			principal: privileged,
			bypass:    true,
			wantErr:   s3errors.ErrAccessDenied,
		},
		{
			name:      "legal hold blocks even with elapsed retention",
			obj:       objWith(&metadata.Retention{Mode: metadata.RetentionGovernance, RetainUntilDate: day(-1)}, true),
			principal: privileged,
			bypass:    true,
			wantErr:   s3errors.ErrAccessDenied,
		},
		{
			name:      "compliance blocks everyone",
			obj:       objWith(&metadata.Retention{Mode: metadata.RetentionCompliance, RetainUntilDate: day(10)}, false),
			principal: privileged,
			bypass:    true,
			wantErr:   s3errors.ErrAccessDenied,
		},
		{
			name:      "governance blocks without bypass",
			obj:       objWith(&metadata.Retention{Mode: metadata.RetentionGovernance, RetainUntilDate: day(10)}, false),
			principal: plain,
			wantErr:   s3errors.ErrAccessDenied,
		},
		{
			name:      "governance blocks with request but no permission",
			obj:       objWith(&metadata.Retention{Mode: metadata.RetentionGovernance, RetainUntilDate: day(10)}, false),
			principal: plain,
			bypass:    true,
			wantErr:   s3errors.ErrAccessDenied,
		},
		{
			name:      "governance blocks with permission but no request",
			obj:       objWith(&metadata.Retention{Mode: metadata.RetentionGovernance, RetainUntilDate: day(10)}, false),
			principal: privileged,
			wantErr:   s3errors.ErrAccessDenied,
		},
		{
			name:      "governance yields to permission plus request",
			obj:       objWith(&metadata.Retention{Mode: metadata.RetentionGovernance, RetainUntilDate: day(10)}, false),
			principal: privileged,
			bypass:    true,
		},
		{
			name:      "elapsed governance deletable without bypass",
			obj:       objWith(&metadata.Retention{Mode: metadata.RetentionGovernance, RetainUntilDate: day(-1)}, false),
			principal: plain,
		},
	}

	e := newTestEnforcer()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.CheckDeletion(tt.obj, tt.principal, tt.bypass)

			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("CheckDeletion = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateLegalHold(t *testing.T) {
	e := newTestEnforcer()

	if err := e.ValidateLegalHold(lockedBucket()); err != nil {
		t.Errorf("locked bucket: %v", err)
	}

	err := e.ValidateLegalHold(&metadata.BucketRecord{Name: "b"})
	if !errors.Is(err, s3errors.ErrInvalidRequest) {
		t.Errorf("unlocked bucket err = %v, want ErrInvalidRequest", err)
	}
}
