// Package storagetest holds the conformance suite every storage.Store
// backend runs in its own tests.
package storagetest

import (
	"errors"
	"testing"
	"time"

	"github.com/jmcleod/warden/storage"
)

// Run exercises the common Store contract against s.
func Run(t *testing.T, s storage.Store) {
	t.Helper()

	t.Run("SetAndGet", func(t *testing.T) {
		if err := s.Set("alpha", "one", 0); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		got, err := s.Get("alpha")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got != "one" {
			t.Fatalf("got %q, want %q", got, "one")
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		s.Set("beta", "first", 0)
		s.Set("beta", "second", 0)
		got, err := s.Get("beta")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got != "second" {
			t.Fatalf("got %q, want %q", got, "second")
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := s.Get("no-such-key")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		s.Set("gamma", "v", 0)
		if err := s.Delete("gamma"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := s.Get("gamma"); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
	})

	t.Run("DeleteMissing", func(t *testing.T) {
		if err := s.Delete("never-existed"); err != nil {
			t.Fatalf("Delete of missing key should succeed, got %v", err)
		}
	})

	t.Run("JSONValue", func(t *testing.T) {
		v := `[{"email":"a@x.com","count":2}]`
		s.Set("json", v, time.Hour)
		got, err := s.Get("json")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got != v {
			t.Fatalf("got %q, want %q", got, v)
		}
	})
}
