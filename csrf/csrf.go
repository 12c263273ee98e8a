// Package csrf manages the per-session anti-forgery token attached to every
// state-changing request.
package csrf

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/jmcleod/warden/internal/clock"
	"github.com/jmcleod/warden/internal/util"
	"github.com/jmcleod/warden/storage"
)

const (
	// HeaderName carries the token on non-idempotent requests.
	HeaderName = "X-CSRF-Token"
	// Validity is how long a minted token stays valid.
	Validity = 24 * time.Hour

	storageKey = "warden_csrf_token"
	tokenBytes = 32
)

type storedToken struct {
	Value    string    `json:"value"`
	IssuedAt time.Time `json:"issued_at"`
}

// Manager mints, persists and rotates the CSRF token. It is meant to sit on
// tab-scoped (process lifetime) storage.
type Manager struct {
	kv    storage.KV
	clock clock.Clock
	mu    sync.Mutex
}

// NewManager returns a Manager over kv. A nil clock uses wall-clock time.
func NewManager(kv storage.KV, clk clock.Clock) *Manager {
	return &Manager{kv: kv, clock: clock.OrReal(clk)}
}

// SetToken stores token as the current CSRF token, minting a new random one
// when token is empty.
func (m *Manager) SetToken(token string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setLocked(token)
}

func (m *Manager) setLocked(token string) (string, error) {
	if token == "" {
		var err error
		token, err = util.RandomHex(tokenBytes)
		if err != nil {
			return "", err
		}
	}
	data, err := json.Marshal(storedToken{Value: token, IssuedAt: m.clock.Now()})
	if err != nil {
		return "", err
	}
	m.kv.Set(storageKey, string(data), 0)
	return token, nil
}

func (m *Manager) currentLocked() (storedToken, bool) {
	raw, ok := m.kv.Get(storageKey)
	if !ok {
		return storedToken{}, false
	}
	var st storedToken
	if err := json.Unmarshal([]byte(raw), &st); err != nil || st.Value == "" {
		return storedToken{}, false
	}
	if m.clock.Now().Sub(st.IssuedAt) >= Validity {
		return storedToken{}, false
	}
	return st, true
}

// GetToken returns the stored token while it is within its validity window
// and otherwise mints and stores a new one.
func (m *Manager) GetToken() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.currentLocked(); ok {
		return st.Value, nil
	}
	return m.setLocked("")
}

// ValidateToken reports whether candidate matches the stored token and the
// token is still within its validity window.
func (m *Manager) ValidateToken(candidate string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.currentLocked()
	if !ok || candidate == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(st.Value), []byte(candidate)) == 1
}

// RotateToken discards the current token and mints a new one.
func (m *Manager) RotateToken() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv.Remove(storageKey)
	return m.setLocked("")
}

// Clear removes the stored token.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv.Remove(storageKey)
}

// RequiresToken reports whether requests with the given method must carry
// the CSRF header.
func RequiresToken(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	default:
		return true
	}
}
