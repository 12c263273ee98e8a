// Package token persists the bearer credential and the small pieces of
// sign-in state that travel with it (account email, remember-me flag and
// session start time).
//
// The token value is mirrored in memory inside a memguard enclave so that the
// plaintext only exists in locked memory while a request is being built.
package token

import (
	"strconv"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/warden/internal/clock"
	"github.com/jmcleod/warden/storage"
)

// Storage keys. KeyToken is remapped to CookieName when the storage adapter
// runs in cookie mode.
const (
	KeyToken        = "warden_auth_token"
	KeyExpiresAt    = "warden_auth_expires_at"
	KeyEmail        = "warden_auth_email"
	KeyRememberMe   = "warden_auth_remember_me"
	KeySessionStart = "warden_auth_session_start"

	// CookieName is the cookie the backend reads the bearer token from.
	CookieName = "Admin-Token"
)

// Store reads and writes the AuthToken and related sign-in state.
type Store struct {
	kv    storage.KV
	clock clock.Clock

	mu      sync.Mutex
	enclave *memguard.Enclave
	cached  bool
}

// NewStore returns a Store over kv. A nil clock uses wall-clock time.
func NewStore(kv storage.KV, clk clock.Clock) *Store {
	return &Store{kv: kv, clock: clock.OrReal(clk)}
}

// SetToken stores value as the current bearer token. A zero expiresAt means
// the token carries no expiry and is treated as valid until the backend
// rejects it.
func (s *Store) SetToken(value string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.kv.Set(KeyToken, value, 0)
	if expiresAt.IsZero() {
		s.kv.Remove(KeyExpiresAt)
	} else {
		s.kv.Set(KeyExpiresAt, expiresAt.UTC().Format(time.RFC3339Nano), 0)
	}
	s.sealLocked(value)
}

// GetToken returns the current bearer token.
func (s *Store) GetToken() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached {
		if s.enclave == nil {
			return "", false
		}
		buf, err := s.enclave.Open()
		if err == nil {
			v := string(buf.Bytes())
			buf.Destroy()
			return v, true
		}
		// Fall through to storage if the enclave cannot be opened.
	}
	v, ok := s.kv.Get(KeyToken)
	if !ok || v == "" {
		return "", false
	}
	s.sealLocked(v)
	return v, true
}

// RemoveToken deletes the bearer token and its expiry.
func (s *Store) RemoveToken() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.kv.Remove(KeyToken)
	s.kv.Remove(KeyExpiresAt)
	s.enclave = nil
	s.cached = true
}

func (s *Store) sealLocked(value string) {
	s.cached = true
	if value == "" {
		s.enclave = nil
		return
	}
	s.enclave = memguard.NewEnclave([]byte(value))
}

// ExpiresAt returns the stored token expiry, if the backend supplied one.
func (s *Store) ExpiresAt() (time.Time, bool) {
	v, ok := s.kv.Get(KeyExpiresAt)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// IsExpired reports whether the token has a known expiry that has passed.
func (s *Store) IsExpired() bool {
	exp, ok := s.ExpiresAt()
	return ok && !s.clock.Now().Before(exp)
}

// NeedsRefresh reports whether the token expires within window but has not
// expired yet. Tokens without an expiry never need a refresh.
func (s *Store) NeedsRefresh(window time.Duration) bool {
	exp, ok := s.ExpiresAt()
	if !ok {
		return false
	}
	remaining := exp.Sub(s.clock.Now())
	return remaining > 0 && remaining <= window
}

func (s *Store) SetEmail(email string) { s.kv.Set(KeyEmail, email, 0) }

func (s *Store) Email() string {
	v, _ := s.kv.Get(KeyEmail)
	return v
}

func (s *Store) SetRememberMe(remember bool) {
	s.kv.Set(KeyRememberMe, strconv.FormatBool(remember), 0)
}

func (s *Store) RememberMe() bool {
	v, ok := s.kv.Get(KeyRememberMe)
	if !ok {
		return false
	}
	b, _ := strconv.ParseBool(v)
	return b
}

// SetSessionStart stamps the start of the absolute session timeout window.
func (s *Store) SetSessionStart(t time.Time) {
	s.kv.Set(KeySessionStart, strconv.FormatInt(t.UnixMilli(), 10), 0)
}

func (s *Store) SessionStart() (time.Time, bool) {
	v, ok := s.kv.Get(KeySessionStart)
	if !ok {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// Clear removes the token and every piece of sign-in state.
func (s *Store) Clear() {
	s.RemoveToken()
	s.kv.Remove(KeyEmail)
	s.kv.Remove(KeyRememberMe)
	s.kv.Remove(KeySessionStart)
}
