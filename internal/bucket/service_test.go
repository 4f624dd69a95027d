package bucket

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/pelicanstore/pelican/internal/acl"
	"github.com/pelicanstore/pelican/internal/metadata"
	"github.com/pelicanstore/pelican/pkg/s3errors"
)

var (
	owner    = acl.Principal{CanonicalID: "owner-1", DisplayName: "Owner One"}
	stranger = acl.Principal{CanonicalID: "stranger"}
	anon     = acl.Principal{CanonicalID: acl.PublicCanonicalID}
)

func newTestService(t *testing.T) (*Service, *metadata.BadgerStore) {
	t.Helper()

	store, err := metadata.OpenInMemory(zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })

	return NewService(store, acl.NewEvaluator(zerolog.Nop()), zerolog.Nop()), store
}

func TestCreateBucket(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	rec, err := svc.CreateBucket(ctx, owner, "photos", CreateOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if rec.OwnerID != "owner-1" || rec.ACL.Canned != metadata.CannedPrivate {
		t.Errorf("record = %+v", rec)
	}

	// Duplicate names collide.
	_, err = svc.CreateBucket(ctx, stranger, "photos", CreateOptions{})
	if !errors.Is(err, s3errors.ErrBucketAlreadyExists) {
		t.Errorf("duplicate err = %v, want ErrBucketAlreadyExists", err)
	}

	// Anonymous callers cannot create buckets.
	_, err = svc.CreateBucket(ctx, anon, "anon-bucket", CreateOptions{})
	if !errors.Is(err, s3errors.ErrAccessDenied) {
		t.Errorf("anonymous err = %v, want ErrAccessDenied", err)
	}
}

func TestCreateBucketWithObjectLock(t *testing.T) {
	svc, _ := newTestService(t)

	rec, err := svc.CreateBucket(context.Background(), owner, "vault", CreateOptions{ObjectLockEnabled: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if !rec.ObjectLockEnabled {
		t.Error("object lock not enabled")
	}

	if !rec.VersioningEnabled {
		t.Error("object lock must force versioning on")
	}
}

func TestGetBucketAccess(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateBucket(ctx, owner, "photos", CreateOptions{}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := svc.GetBucket(ctx, owner, "photos"); err != nil {
		t.Errorf("owner get: %v", err)
	}

	if _, err := svc.GetBucket(ctx, stranger, "photos"); !errors.Is(err, s3errors.ErrAccessDenied) {
		t.Errorf("stranger get err = %v, want ErrAccessDenied", err)
	}

	if _, err := svc.GetBucket(ctx, owner, "missing"); !errors.Is(err, s3errors.ErrNoSuchBucket) {
		t.Errorf("missing get err = %v, want ErrNoSuchBucket", err)
	}
}

func TestDeleteBucket(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateBucket(ctx, owner, "photos", CreateOptions{}); err != nil {
		t.Fatalf("create: %v", err)
	}

	// A bucket holding any object record is not deletable.
	obj := &metadata.ObjectRecord{Bucket: "photos", Key: "cat.jpg", SchemaVersion: metadata.CurrentSchemaVersion}
	if err := store.PutObjectMD(ctx, obj, nil); err != nil {
		t.Fatalf("seed object: %v", err)
	}

	if err := svc.DeleteBucket(ctx, owner, "photos"); !errors.Is(err, s3errors.ErrBucketNotEmpty) {
		t.Fatalf("delete non-empty err = %v, want ErrBucketNotEmpty", err)
	}

	if err := store.DeleteObjectMD(ctx, "photos", "cat.jpg", ""); err != nil {
		t.Fatalf("clear object: %v", err)
	}

	if err := svc.DeleteBucket(ctx, stranger, "photos"); !errors.Is(err, s3errors.ErrAccessDenied) {
		t.Fatalf("stranger delete err = %v, want ErrAccessDenied", err)
	}

	if err := svc.DeleteBucket(ctx, owner, "photos"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if err := svc.DeleteBucket(ctx, owner, "photos"); !errors.Is(err, s3errors.ErrNoSuchBucket) {
		t.Errorf("second delete err = %v, want ErrNoSuchBucket", err)
	}
}

func TestListBucketsFiltersByOwner(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for _, name := range []string{"one", "two"} {
		if _, err := svc.CreateBucket(ctx, owner, name, CreateOptions{}); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}

	if _, err := svc.CreateBucket(ctx, stranger, "theirs", CreateOptions{}); err != nil {
		t.Fatalf("create theirs: %v", err)
	}

	owned, err := svc.ListBuckets(ctx, owner)
	if err != nil {
		t.Fatalf("list: %v", err)
	}

	if len(owned) != 2 {
		t.Errorf("owned = %d buckets, want 2", len(owned))
	}

	if _, err := svc.ListBuckets(ctx, anon); !errors.Is(err, s3errors.ErrAccessDenied) {
		t.Errorf("anonymous list err = %v, want ErrAccessDenied", err)
	}
}

func TestSetVersioning(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateBucket(ctx, owner, "plain", CreateOptions{}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.SetVersioning(ctx, owner, "plain", true); err != nil {
		t.Fatalf("enable: %v", err)
	}

	rec, err := svc.GetBucket(ctx, owner, "plain")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if !rec.VersioningEnabled {
		t.Error("versioning not enabled")
	}

	if err := svc.SetVersioning(ctx, owner, "plain", false); err != nil {
		t.Fatalf("suspend: %v", err)
	}

	// Object lock pins versioning on.
	if _, err := svc.CreateBucket(ctx, owner, "vault", CreateOptions{ObjectLockEnabled: true}); err != nil {
		t.Fatalf("create vault: %v", err)
	}

	err = svc.SetVersioning(ctx, owner, "vault", false)
	if !errors.Is(err, s3errors.ErrInvalidRequest) {
		t.Errorf("suspend locked err = %v, want ErrInvalidRequest", err)
	}
}

func TestBucketACL(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateBucket(ctx, owner, "photos", CreateOptions{}); err != nil {
		t.Fatalf("create: %v", err)
	}

	next := metadata.ACL{
		OwnerID: "hijacker",
		Canned:  metadata.CannedPublicRead,
		Grants: []metadata.Grant{
			{GranteeID: "stranger", Permission: metadata.PermReadACP},
		},
	}

	if err := svc.PutBucketACL(ctx, stranger, "photos", next); !errors.Is(err, s3errors.ErrAccessDenied) {
		t.Fatalf("stranger put acl err = %v, want ErrAccessDenied", err)
	}

	if err := svc.PutBucketACL(ctx, owner, "photos", next); err != nil {
		t.Fatalf("put acl: %v", err)
	}

	got, err := svc.GetBucketACL(ctx, stranger, "photos")
	if err != nil {
		t.Fatalf("granted read acp: %v", err)
	}

	// The write must not transfer ownership.
	if got.OwnerID != "owner-1" {
		t.Errorf("owner = %q, want owner-1", got.OwnerID)
	}

	if got.Canned != metadata.CannedPublicRead {
		t.Errorf("canned = %q", got.Canned)
	}

	// Anonymous read now passes the canned public-read check against the
	// bucket, but reading the ACL itself still needs READ_ACP.
	if _, err := svc.GetBucketACL(ctx, anon, "photos"); !errors.Is(err, s3errors.ErrAccessDenied) {
		t.Errorf("anonymous get acl err = %v, want ErrAccessDenied", err)
	}
}
