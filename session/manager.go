// Package session owns the local session identity: creation, device
// validation, activity timestamps and teardown. It also provides the
// activity tracker that feeds interaction events into the manager.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/jmcleod/warden/fingerprint"
	"github.com/jmcleod/warden/internal/clock"
	"github.com/jmcleod/warden/internal/util"
	"github.com/jmcleod/warden/storage"
)

// Storage keys.
const (
	KeySessionID   = "warden_session_id"
	KeyCreatedAt   = "warden_session_created_at"
	KeyLastActive  = "warden_session_last_activity"
	KeyFingerprint = "warden_session_device_fingerprint"
	KeyHistory     = "warden_session_history"
)

const (
	// MaxAge is the absolute lifetime of a session record.
	MaxAge = 7 * 24 * time.Hour
	// DefaultIdleThreshold is used by IsSessionIdle when no threshold is given.
	DefaultIdleThreshold = 30 * time.Minute
	// ReauthAfter is how long a session may perform sensitive operations
	// before a fresh sign-in is required.
	ReauthAfter = 5 * time.Minute

	idBytes = 16
)

// Validation failure reasons.
const (
	ReasonFingerprintMismatch = "device fingerprint mismatch"
	ReasonTooOld              = "session too old"
)

// ErrNoSession is returned when an operation needs a session and none exists.
var ErrNoSession = errors.New("no active session")

// Config holds the process-wide session policy.
type Config struct {
	MaxConcurrentSessions     int
	RequireReauthForSensitive bool
	ValidateFingerprint       bool
	TrackActivity             bool
}

// DefaultConfig returns the default session policy.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentSessions:     3,
		RequireReauthForSensitive: true,
		ValidateFingerprint:       true,
		TrackActivity:             true,
	}
}

// Fingerprinter computes the device fingerprint.
type Fingerprinter interface {
	Generate(ctx context.Context) (fingerprint.Info, error)
}

// Validation is the outcome of ValidateSession.
type Validation struct {
	Valid  bool
	Reason string
}

// Record is a snapshot of the stored session.
type Record struct {
	ID           string
	CreatedAt    time.Time
	LastActivity time.Time
	Fingerprint  string
}

// Manager creates, validates and clears the session record.
type Manager struct {
	kv          storage.KV
	fingerprint Fingerprinter
	clock       clock.Clock
	logger      *slog.Logger

	mu  sync.Mutex
	cfg Config
}

// Option configures a Manager.
type Option func(*Manager)

func WithConfig(cfg Config) Option {
	return func(m *Manager) { m.cfg = cfg }
}

func WithClock(clk clock.Clock) Option {
	return func(m *Manager) { m.clock = clk }
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager returns a Manager storing its record in kv. fp may be nil, in
// which case no fingerprint is stored or checked.
func NewManager(kv storage.KV, fp Fingerprinter, opts ...Option) *Manager {
	m := &Manager{kv: kv, fingerprint: fp, cfg: DefaultConfig()}
	for _, opt := range opts {
		opt(m)
	}
	m.clock = clock.OrReal(m.clock)
	if m.logger == nil {
		m.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	m.logger = m.logger.With("component", "session")
	return m
}

// Configure replaces the session policy.
func (m *Manager) Configure(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
}

// Config returns the current session policy.
func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// CreateSession mints a new session id and stamps its creation and activity
// times. When fingerprint validation is enabled the device fingerprint is
// stored too; failing to compute it does not fail the session.
func (m *Manager) CreateSession(ctx context.Context) (string, error) {
	cfg := m.Config()

	id, err := util.RandomHex(idBytes)
	if err != nil {
		return "", fmt.Errorf("generating session id: %w", err)
	}
	now := m.clock.Now()

	m.mu.Lock()
	m.kv.Set(KeySessionID, id, 0)
	m.kv.Set(KeyCreatedAt, formatMillis(now), 0)
	m.kv.Set(KeyLastActive, formatMillis(now), 0)
	m.kv.Remove(KeyFingerprint)
	m.pushHistoryLocked(id, cfg.MaxConcurrentSessions)
	m.mu.Unlock()

	if cfg.ValidateFingerprint && m.fingerprint != nil {
		info, err := m.fingerprint.Generate(ctx)
		if err != nil {
			m.logger.Warn("device fingerprint unavailable, session created without it", "error", err)
		} else {
			m.kv.Set(KeyFingerprint, info.Fingerprint, 0)
		}
	}
	m.logger.Info("session created", "session_id", id)
	return id, nil
}

// pushHistoryLocked records id as the newest session on this device and
// drops the oldest ids beyond limit.
func (m *Manager) pushHistoryLocked(id string, limit int) {
	history := m.historyLocked()
	history = append([]string{id}, history...)
	if limit > 0 && len(history) > limit {
		history = history[:limit]
	}
	data, err := json.Marshal(history)
	if err != nil {
		return
	}
	m.kv.Set(KeyHistory, string(data), 0)
}

func (m *Manager) historyLocked() []string {
	raw, ok := m.kv.Get(KeyHistory)
	if !ok {
		return nil
	}
	var history []string
	if err := json.Unmarshal([]byte(raw), &history); err != nil {
		return nil
	}
	return history
}

// History returns the ids of the recent sessions on this device, newest
// first, capped at MaxConcurrentSessions.
func (m *Manager) History() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.historyLocked()
}

// ValidateSession checks the stored session against the current device and
// the maximum session age. Internal errors are reported as valid so that a
// transient failure never locks a legitimate user out.
func (m *Manager) ValidateSession(ctx context.Context) (v Validation) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("session validation panicked, treating session as valid", "panic", r)
			v = Validation{Valid: true}
		}
	}()

	cfg := m.Config()
	if cfg.ValidateFingerprint && m.fingerprint != nil {
		if stored, ok := m.kv.Get(KeyFingerprint); ok && stored != "" {
			info, err := m.fingerprint.Generate(ctx)
			if err != nil {
				m.logger.Warn("fingerprint check failed, treating session as valid", "error", err)
				return Validation{Valid: true}
			}
			if info.Fingerprint != stored {
				return Validation{Valid: false, Reason: ReasonFingerprintMismatch}
			}
		}
	}

	if created, ok := m.readTime(KeyCreatedAt); ok {
		if m.clock.Now().Sub(created) > MaxAge {
			return Validation{Valid: false, Reason: ReasonTooOld}
		}
	}
	return Validation{Valid: true}
}

// UpdateActivity stamps the last-activity time. It never moves the stamp
// backwards and is a no-op when activity tracking is disabled.
func (m *Manager) UpdateActivity() {
	if !m.Config().TrackActivity {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	if last, ok := m.readTime(KeyLastActive); ok && now.Before(last) {
		return
	}
	m.kv.Set(KeyLastActive, formatMillis(now), 0)
}

// ClearSession deletes the session record. The device history is kept.
func (m *Manager) ClearSession() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range []string{KeySessionID, KeyCreatedAt, KeyLastActive, KeyFingerprint} {
		m.kv.Remove(k)
	}
}

// IsSessionIdle reports whether more than threshold has passed since the last
// recorded activity. A non-positive threshold uses DefaultIdleThreshold. A
// session with no recorded activity is idle.
func (m *Manager) IsSessionIdle(threshold time.Duration) bool {
	if threshold <= 0 {
		threshold = DefaultIdleThreshold
	}
	last, ok := m.readTime(KeyLastActive)
	if !ok {
		return true
	}
	return m.clock.Now().Sub(last) > threshold
}

// RequiresReauth reports whether a sensitive operation must be preceded by a
// fresh sign-in.
func (m *Manager) RequiresReauth() bool {
	if !m.Config().RequireReauthForSensitive {
		return false
	}
	created, ok := m.readTime(KeyCreatedAt)
	if !ok {
		return true
	}
	return m.clock.Now().Sub(created) > ReauthAfter
}

// Current returns the stored session record.
func (m *Manager) Current() (Record, error) {
	id, ok := m.kv.Get(KeySessionID)
	if !ok || id == "" {
		return Record{}, ErrNoSession
	}
	rec := Record{ID: id}
	rec.CreatedAt, _ = m.readTime(KeyCreatedAt)
	rec.LastActivity, _ = m.readTime(KeyLastActive)
	rec.Fingerprint, _ = m.kv.Get(KeyFingerprint)
	return rec, nil
}

// readTime reads a millisecond timestamp.
func (m *Manager) readTime(key string) (time.Time, bool) {
	raw, ok := m.kv.Get(key)
	if !ok {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func formatMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
