package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

// Key layout. Object keys embed bucket and key verbatim; bucket names cannot
// contain '/' so prefix scans stay unambiguous.
const (
	bucketPrefix  = "b/"
	objectPrefix  = "o/"
	versionPrefix = "v/"
	uploadPrefix  = "u/"
)

// envelope wraps every stored record with its write version. The version
// starts at 1 on create and increments on every successful put.
type envelope struct {
	Version uint64          `json:"version"`
	Record  json.RawMessage `json:"record"`
}

// BadgerStore implements Store on a Badger key-value database. Conditional
// writes run inside a single Badger transaction so the read-check-write is
// atomic; Badger's SSI conflict detection turns concurrent commits on the
// same key into ErrConflict as well.
type BadgerStore struct {
	db     *badger.DB
	logger zerolog.Logger
}

// Open opens or creates a Badger-backed store at dir.
func Open(dir string, logger zerolog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}

	return &BadgerStore{db: db, logger: logger}, nil
}

// OpenInMemory opens an ephemeral store, used by tests.
func OpenInMemory(logger zerolog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory metadata store: %w", err)
	}

	return &BadgerStore{db: db, logger: logger}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func bucketKey(name string) []byte {
	return []byte(bucketPrefix + name)
}

func objectKey(bucket, key, versionID string) []byte {
	if versionID == "" {
		return []byte(objectPrefix + bucket + "/" + key)
	}

	return []byte(versionPrefix + bucket + "/" + key + "/" + versionID)
}

func uploadKey(uploadID string) []byte {
	return []byte(uploadPrefix + uploadID)
}

// get reads and decodes one envelope inside txn.
func get(txn *badger.Txn, key []byte, rec any) (uint64, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, ErrNotFound
	}

	if err != nil {
		return 0, fmt.Errorf("get %q: %w", key, err)
	}

	var env envelope

	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &env)
	})
	if err != nil {
		return 0, fmt.Errorf("decode %q: %w", key, err)
	}

	if err := json.Unmarshal(env.Record, rec); err != nil {
		return 0, fmt.Errorf("decode %q record: %w", key, err)
	}

	return env.Version, nil
}

// put writes rec under key, enforcing opts inside the transaction.
func put(txn *badger.Txn, key []byte, rec any, opts *PutOptions) error {
	var current uint64

	item, err := txn.Get(key)

	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		current = 0
	case err != nil:
		return fmt.Errorf("get %q: %w", key, err)
	default:
		var env envelope

		err = item.Value(func(val []byte) error {
			return json.Unmarshal(val, &env)
		})
		if err != nil {
			return fmt.Errorf("decode %q: %w", key, err)
		}

		current = env.Version
	}

	if opts != nil && opts.ExpectedVersion != current {
		return ErrConflict
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}

	buf, err := json.Marshal(envelope{Version: current + 1, Record: raw})
	if err != nil {
		return fmt.Errorf("encode %q envelope: %w", key, err)
	}

	return txn.Set(key, buf)
}

// update runs fn in a Badger update transaction, translating transaction
// level conflicts into ErrConflict.
func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	err := s.db.Update(fn)
	if errors.Is(err, badger.ErrConflict) {
		return ErrConflict
	}

	return err
}

func (s *BadgerStore) GetBucket(ctx context.Context, name string) (*BucketRecord, uint64, error) {
	var (
		rec     BucketRecord
		version uint64
	)

	err := s.db.View(func(txn *badger.Txn) error {
		var err error

		version, err = get(txn, bucketKey(name), &rec)

		return err
	})
	if err != nil {
		return nil, 0, err
	}

	return &rec, version, nil
}

func (s *BadgerStore) PutBucket(ctx context.Context, rec *BucketRecord, opts *PutOptions) error {
	return s.update(func(txn *badger.Txn) error {
		return put(txn, bucketKey(rec.Name), rec, opts)
	})
}

func (s *BadgerStore) DeleteBucket(ctx context.Context, name string) error {
	return s.update(func(txn *badger.Txn) error {
		if _, err := txn.Get(bucketKey(name)); errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}

		return txn.Delete(bucketKey(name))
	})
}

func (s *BadgerStore) ListBuckets(ctx context.Context) ([]*BucketRecord, error) {
	var out []*BucketRecord

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(bucketPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var env envelope

			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &env)
			})
			if err != nil {
				return fmt.Errorf("decode %q: %w", it.Item().Key(), err)
			}

			var rec BucketRecord
			if err := json.Unmarshal(env.Record, &rec); err != nil {
				return fmt.Errorf("decode %q record: %w", it.Item().Key(), err)
			}

			out = append(out, &rec)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

func (s *BadgerStore) GetObjectMD(ctx context.Context, bucket, key, versionID string) (*ObjectRecord, uint64, error) {
	var (
		rec     ObjectRecord
		version uint64
	)

	err := s.db.View(func(txn *badger.Txn) error {
		var err error

		version, err = get(txn, objectKey(bucket, key, versionID), &rec)

		return err
	})
	if err != nil {
		return nil, 0, err
	}

	if rec.SchemaVersion > CurrentSchemaVersion {
		return nil, 0, fmt.Errorf("object %s/%s: unsupported schema version %d", bucket, key, rec.SchemaVersion)
	}

	return &rec, version, nil
}

func (s *BadgerStore) PutObjectMD(ctx context.Context, rec *ObjectRecord, opts *PutOptions) error {
	return s.update(func(txn *badger.Txn) error {
		// A versioned write lands both under its version key and, when
		// latest, under the unversioned latest key.
		if rec.VersionID != "" {
			if err := put(txn, objectKey(rec.Bucket, rec.Key, rec.VersionID), rec, nil); err != nil {
				return err
			}
		}

		if rec.VersionID == "" || rec.IsLatest {
			return put(txn, objectKey(rec.Bucket, rec.Key, ""), rec, opts)
		}

		return nil
	})
}

func (s *BadgerStore) DeleteObjectMD(ctx context.Context, bucket, key, versionID string) error {
	return s.update(func(txn *badger.Txn) error {
		k := objectKey(bucket, key, versionID)
		if _, err := txn.Get(k); errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}

		if err := txn.Delete(k); err != nil {
			return err
		}

		// Deleting the version behind the latest pointer promotes the
		// newest surviving version, or drops the pointer when none remain.
		if versionID == "" {
			return nil
		}

		var latest ObjectRecord

		_, err := get(txn, objectKey(bucket, key, ""), &latest)
		if errors.Is(err, ErrNotFound) {
			return nil
		}

		if err != nil {
			return err
		}

		if latest.VersionID == versionID {
			return promoteLatest(txn, bucket, key)
		}

		return nil
	})
}

// promoteLatest rewrites the latest pointer from the newest remaining
// version of key inside txn.
func promoteLatest(txn *badger.Txn, bucket, key string) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	var newest *ObjectRecord

	prefix := []byte(versionPrefix + bucket + "/" + key + "/")
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		// Object keys may contain '/'; skip versions of longer keys that
		// share this prefix.
		if strings.ContainsRune(string(it.Item().Key()[len(prefix):]), '/') {
			continue
		}

		var env envelope

		err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &env)
		})
		if err != nil {
			return fmt.Errorf("decode %q: %w", it.Item().Key(), err)
		}

		var rec ObjectRecord
		if err := json.Unmarshal(env.Record, &rec); err != nil {
			return fmt.Errorf("decode %q record: %w", it.Item().Key(), err)
		}

		if newest == nil || rec.LastModified.After(newest.LastModified) {
			newest = &rec
		}
	}

	if newest == nil {
		return txn.Delete(objectKey(bucket, key, ""))
	}

	newest.IsLatest = true

	return put(txn, objectKey(bucket, key, ""), newest, nil)
}

func (s *BadgerStore) ListObjectMD(ctx context.Context, bucket string, limit int) ([]*ObjectRecord, error) {
	var out []*ObjectRecord

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(objectPrefix + bucket + "/")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(out) >= limit {
				return nil
			}

			var env envelope

			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &env)
			})
			if err != nil {
				return fmt.Errorf("decode %q: %w", it.Item().Key(), err)
			}

			var rec ObjectRecord
			if err := json.Unmarshal(env.Record, &rec); err != nil {
				return fmt.Errorf("decode %q record: %w", it.Item().Key(), err)
			}

			out = append(out, &rec)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

func (s *BadgerStore) GetUpload(ctx context.Context, uploadID string) (*MultipartSession, uint64, error) {
	var (
		sess    MultipartSession
		version uint64
	)

	err := s.db.View(func(txn *badger.Txn) error {
		var err error

		version, err = get(txn, uploadKey(uploadID), &sess)

		return err
	})
	if err != nil {
		return nil, 0, err
	}

	return &sess, version, nil
}

func (s *BadgerStore) PutUpload(ctx context.Context, sess *MultipartSession, opts *PutOptions) error {
	if strings.TrimSpace(sess.UploadID) == "" {
		return fmt.Errorf("put upload: empty upload id")
	}

	return s.update(func(txn *badger.Txn) error {
		return put(txn, uploadKey(sess.UploadID), sess, opts)
	})
}

func (s *BadgerStore) DeleteUpload(ctx context.Context, uploadID string) error {
	return s.update(func(txn *badger.Txn) error {
		if _, err := txn.Get(uploadKey(uploadID)); errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}

		return txn.Delete(uploadKey(uploadID))
	})
}

var _ Store = (*BadgerStore)(nil)
