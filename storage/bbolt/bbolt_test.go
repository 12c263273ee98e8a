package bbolt

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/warden/storage"
	"github.com/jmcleod/warden/storage/storagetest"
)

func newTestDB(t *testing.T) (*bbolt.DB, func()) {
	t.Helper()
	f, err := os.CreateTemp("", "warden-test-*.db")
	if err != nil {
		t.Fatalf("could not create temp file: %v", err)
	}
	path := f.Name()
	f.Close()

	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		os.Remove(path)
		t.Fatalf("could not open db: %v", err)
	}
	return db, func() {
		db.Close()
		os.Remove(path)
	}
}

func TestBBoltStore(t *testing.T) {
	db, cleanup := newTestDB(t)
	defer cleanup()

	storagetest.Run(t, NewStore(db, ""))
}

func TestBBoltStore_BucketsIsolateProfiles(t *testing.T) {
	db, cleanup := newTestDB(t)
	defer cleanup()

	a := NewStore(db, "profile-a")
	b := NewStore(db, "profile-b")
	if err := a.Set("token", "aaa", 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, err := b.Get("token"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected profile-b to be empty, got %v", err)
	}
}

func TestBBoltStore_MaxAge(t *testing.T) {
	db, cleanup := newTestDB(t)
	defer cleanup()

	s := NewStore(db, "")
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.Set("csrf", "tok", time.Hour)
	if got, err := s.Get("csrf"); err != nil || got != "tok" {
		t.Fatalf("Get before expiry = %q, %v", got, err)
	}

	now = now.Add(2 * time.Hour)
	if _, err := s.Get("csrf"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after expiry, got %v", err)
	}
	keys, err := s.Keys()
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("expected expired key to be removed, found %v", keys)
	}
}

func TestBBoltStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "durable.db")

	s, err := NewStoreFromFile(path, "", nil)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	s.Set("warden_auth_email", "a@x.com", 0)
	s.Close()

	s, err = NewStoreFromFile(path, "", nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()
	got, err := s.Get("warden_auth_email")
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if got != "a@x.com" {
		t.Fatalf("got %q, want %q", got, "a@x.com")
	}
}
