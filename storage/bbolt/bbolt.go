// Package bbolt provides a BBolt-backed durable storage.Store.
package bbolt

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/warden/storage"
)

const defaultBucket = "warden"

// Store implements storage.Store backed by a BBolt database. Each profile
// gets its own bucket so several consoles can share one file.
type Store struct {
	db     *bbolt.DB
	bucket []byte
	now    func() time.Time
}

var _ storage.Store = (*Store)(nil)

// NewStore returns a Store that keeps its keys in the named bucket of db.
// An empty bucket name selects the default bucket.
func NewStore(db *bbolt.DB, bucket string) *Store {
	if bucket == "" {
		bucket = defaultBucket
	}
	return &Store{db: db, bucket: []byte(bucket), now: time.Now}
}

// NewStoreFromFile opens a BBolt database at the given path and returns a new Store.
func NewStoreFromFile(path, bucket string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewStore(db, bucket), nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(key string) (string, error) {
	var rec storage.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return fmt.Errorf("%s: %w", key, storage.ErrNotFound)
		}
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%s: %w", key, storage.ErrNotFound)
		}
		var err error
		rec, err = storage.UnmarshalRecord(data)
		return err
	})
	if err != nil {
		return "", err
	}
	if rec.Expired(s.now()) {
		_ = s.Delete(key)
		return "", fmt.Errorf("%s: %w", key, storage.ErrNotFound)
	}
	return rec.Value, nil
}

func (s *Store) Set(key, value string, maxAge time.Duration) error {
	data, err := storage.NewRecord(value, maxAge, s.now()).Marshal()
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(s.bucket)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

func (s *Store) Delete(key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// Keys lists every key in the store's bucket, expired or not.
func (s *Store) Keys() ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}
