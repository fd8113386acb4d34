package cache

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/boltdb/bolt"

	"github.com/offlinehq/syncengine/internal/storage"
)

// Purpose identifies which partition a request/response pair belongs to.
type Purpose string

const (
	PurposeStatic  Purpose = "static"
	PurposeDynamic Purpose = "dynamic"
	PurposeImage   Purpose = "image"
	PurposeVideo   Purpose = "videos"
)

// Purposes lists every bucket purpose; exactly one bucket per purpose is
// current at any time.
var Purposes = []Purpose{PurposeStatic, PurposeDynamic, PurposeImage, PurposeVideo}

// Entry is a stored response: payload, headers and the time it was stored.
type Entry struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"stored_at"`
}

// Age returns how long ago the entry was stored.
func (e *Entry) Age() time.Duration {
	return time.Since(e.StoredAt)
}

// Manager owns the named, versioned cache buckets. Buckets are BoltDB
// buckets named "<purpose>-<version>" so partitions survive restarts and a
// version bump is just a new set of names.
type Manager struct {
	db      *bolt.DB
	path    string
	version string
}

// Open opens the bucket database and ensures the current buckets exist.
func Open(path, version string) (*Manager, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bucket database: %w", err)
	}

	m := &Manager{db: db, path: path, version: version}

	if err := m.ensureBuckets(); err != nil {
		db.Close()

		return nil, err
	}

	return m, nil
}

func (m *Manager) Close() error {
	return m.db.Close()
}

// Version returns the current cache version tag.
func (m *Manager) Version() string {
	return m.version
}

// BucketName returns the current bucket name for a purpose.
func (m *Manager) BucketName(p Purpose) string {
	return BucketName(p, m.version)
}

// BucketName builds a versioned bucket name.
func BucketName(p Purpose, version string) string {
	return string(p) + "-" + version
}

// AllowList returns the bucket names that are current for the given version.
func AllowList(version string) []string {
	names := make([]string, 0, len(Purposes))
	for _, p := range Purposes {
		names = append(names, BucketName(p, version))
	}

	return names
}

func (m *Manager) ensureBuckets() error {
	err := m.db.Update(func(tx *bolt.Tx) error {
		for _, p := range Purposes {
			if _, err := tx.CreateBucketIfNotExists([]byte(m.BucketName(p))); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", m.BucketName(p), err)
			}
		}

		return nil
	})
	if err != nil {
		return &storage.StorageError{Operation: "ensure_buckets", Table: "cache", Err: err}
	}

	return nil
}

// Put stores an entry under the canonical request key, overwriting any
// existing entry for that key.
func (m *Manager) Put(p Purpose, key string, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	err = m.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(m.BucketName(p)))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", m.BucketName(p))
		}

		return bucket.Put([]byte(key), data)
	})
	if err != nil {
		return &storage.StorageError{Operation: "put_entry", Table: m.BucketName(p), Err: err}
	}

	return nil
}

// Get returns the entry stored under key, or storage.ErrNotFound.
func (m *Manager) Get(p Purpose, key string) (*Entry, error) {
	var entry *Entry

	err := m.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(m.BucketName(p)))
		if bucket == nil {
			return storage.ErrNotFound
		}

		data := bucket.Get([]byte(key))
		if data == nil {
			return storage.ErrNotFound
		}

		return json.Unmarshal(data, &entry)
	})
	if err == storage.ErrNotFound {
		return nil, err
	}

	if err != nil {
		return nil, &storage.StorageError{Operation: "get_entry", Table: m.BucketName(p), Err: err}
	}

	return entry, nil
}

// Delete removes the entry stored under key. Deleting an absent key is not
// an error.
func (m *Manager) Delete(p Purpose, key string) error {
	err := m.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(m.BucketName(p)))
		if bucket == nil {
			return nil
		}

		return bucket.Delete([]byte(key))
	})
	if err != nil {
		return &storage.StorageError{Operation: "delete_entry", Table: m.BucketName(p), Err: err}
	}

	return nil
}

// DeleteMatching removes every entry whose key contains the given substring
// and returns how many were removed. Used for asset deletion, where any
// cached range or variant referencing the asset must go.
func (m *Manager) DeleteMatching(p Purpose, substr string) (int, error) {
	deleted := 0

	err := m.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(m.BucketName(p)))
		if bucket == nil {
			return nil
		}

		var keys [][]byte

		cursor := bucket.Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			if strings.Contains(string(k), substr) {
				keys = append(keys, append([]byte(nil), k...))
			}
		}

		for _, k := range keys {
			if err := bucket.Delete(k); err != nil {
				return err
			}

			deleted++
		}

		return nil
	})
	if err != nil {
		return deleted, &storage.StorageError{Operation: "delete_matching", Table: m.BucketName(p), Err: err}
	}

	return deleted, nil
}

// HasMatching reports whether any entry key contains the given substring.
func (m *Manager) HasMatching(p Purpose, substr string) (bool, error) {
	found := false

	err := m.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(m.BucketName(p)))
		if bucket == nil {
			return nil
		}

		cursor := bucket.Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			if strings.Contains(string(k), substr) {
				found = true

				return nil
			}
		}

		return nil
	})
	if err != nil {
		return false, &storage.StorageError{Operation: "has_matching", Table: m.BucketName(p), Err: err}
	}

	return found, nil
}

// ListBuckets returns the names of every bucket present in the database,
// current or stale.
func (m *Manager) ListBuckets() ([]string, error) {
	var names []string

	err := m.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			names = append(names, string(name))

			return nil
		})
	})
	if err != nil {
		return nil, &storage.StorageError{Operation: "list_buckets", Table: "cache", Err: err}
	}

	return names, nil
}

// PurgeExcept deletes every bucket whose name is not in the allow list and
// returns the names that were removed.
func (m *Manager) PurgeExcept(allow []string) ([]string, error) {
	allowed := make(map[string]struct{}, len(allow))
	for _, name := range allow {
		allowed[name] = struct{}{}
	}

	var purged []string

	err := m.db.Update(func(tx *bolt.Tx) error {
		var stale [][]byte

		err := tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			if _, ok := allowed[string(name)]; !ok {
				stale = append(stale, append([]byte(nil), name...))
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, name := range stale {
			if err := tx.DeleteBucket(name); err != nil {
				return fmt.Errorf("failed to delete bucket %s: %w", name, err)
			}

			purged = append(purged, string(name))
		}

		return nil
	})
	if err != nil {
		return nil, &storage.StorageError{Operation: "purge_buckets", Table: "cache", Err: err}
	}

	return purged, nil
}

// UsedBytes returns the on-disk size of the bucket database.
func (m *Manager) UsedBytes() (int64, error) {
	info, err := os.Stat(m.path)
	if err != nil {
		return 0, &storage.StorageError{Operation: "stat", Table: "cache", Err: err}
	}

	return info.Size(), nil
}
