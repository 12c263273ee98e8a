// Package audit keeps a bounded local log of security-relevant events and
// forwards each event to the backend on a best-effort basis.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmcleod/warden/internal/clock"
	"github.com/jmcleod/warden/internal/util"
	"github.com/jmcleod/warden/storage"
)

// EventType identifies the kind of security-relevant action being logged.
type EventType string

const (
	LoginAttempt       EventType = "login_attempt"
	LoginSuccess       EventType = "login_success"
	LoginFailure       EventType = "login_failure"
	AccountLocked      EventType = "account_locked"
	Logout             EventType = "logout"
	SuspiciousActivity EventType = "suspicious_activity"
	SessionTimeout     EventType = "session_timeout"
	TokenRefreshed     EventType = "token_refreshed"
)

// MaxEvents caps the local log. The oldest entries are evicted first.
const MaxEvents = 100

const storageKey = "warden_security_audit_log"

// Event is one audit entry. Entries are never mutated once logged.
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Email     string            `json:"email,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
}

// Logger records audit events. Remote delivery only happens in production
// mode and when an endpoint is configured.
type Logger struct {
	kv         storage.KV
	clock      clock.Clock
	logger     *slog.Logger
	userAgent  string
	production bool
	sender     *sender
	monitor    *failureMonitor

	mu sync.Mutex
	wg sync.WaitGroup
}

// Option configures a Logger.
type Option func(*Logger)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Logger) { l.logger = logger }
}

func WithClock(clk clock.Clock) Option {
	return func(l *Logger) { l.clock = clk }
}

// WithUserAgent sets the user agent stamped on every event.
func WithUserAgent(ua string) Option {
	return func(l *Logger) { l.userAgent = ua }
}

// WithProduction enables remote delivery.
func WithProduction(production bool) Option {
	return func(l *Logger) { l.production = production }
}

// WithEndpoint sets the URL events are POSTed to. client may be nil.
// authHeader is optional and uses "Header: Value" form.
func WithEndpoint(url, authHeader string, client *http.Client) Option {
	return func(l *Logger) {
		if url == "" {
			l.sender = nil
			return
		}
		l.sender = newSender(url, authHeader, client)
	}
}

// WithAlertFunc installs a callback fired when login failures spike within
// window. Zero window or threshold use the defaults.
func WithAlertFunc(fn AlertFunc, window time.Duration, threshold int) Option {
	return func(l *Logger) {
		l.monitor = newFailureMonitor(fn, window, threshold)
	}
}

// New returns a Logger persisting its entries to kv.
func New(kv storage.KV, opts ...Option) *Logger {
	l := &Logger{kv: kv}
	for _, opt := range opts {
		opt(l)
	}
	l.clock = clock.OrReal(l.clock)
	if l.logger == nil {
		l.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	l.logger = l.logger.With("component", "audit")
	if l.sender != nil {
		l.sender.logger = l.logger
		l.sender.clock = l.clock
	}
	if l.monitor != nil {
		l.monitor.clock = l.clock
	}
	return l
}

// Log stamps ev with an ID, the current time and the user agent, prepends
// it to the local log and starts remote delivery in the background. The
// returned channel is closed once delivery has been attempted; callers are
// not expected to wait on it.
func (l *Logger) Log(ctx context.Context, ev Event) <-chan struct{} {
	ev.ID = uuid.NewString()
	ev.Timestamp = l.clock.Now().UTC()
	if ev.UserAgent == "" {
		ev.UserAgent = l.userAgent
	}

	l.mu.Lock()
	events := append([]Event{ev}, l.loadLocked()...)
	if len(events) > MaxEvents {
		events = events[:MaxEvents]
	}
	l.saveLocked(events)
	l.mu.Unlock()

	attrs := []any{"event", string(ev.Type)}
	if ev.Email != "" {
		attrs = append(attrs, "email", ev.Email)
	}
	for k, v := range ev.Metadata {
		attrs = append(attrs, k, v)
	}
	l.logger.InfoContext(ctx, "audit", attrs...)

	if l.monitor != nil {
		l.monitor.record(ev)
	}

	done := make(chan struct{})
	if !l.production || l.sender == nil {
		close(done)
		return done
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer close(done)
		l.sender.send(context.WithoutCancel(ctx), ev)
	}()
	return done
}

// Wait blocks until every in-flight remote delivery has finished.
func (l *Logger) Wait() { l.wg.Wait() }

func (l *Logger) loadLocked() []Event {
	raw, ok := l.kv.Get(storageKey)
	if !ok {
		return nil
	}
	var events []Event
	if err := json.Unmarshal([]byte(raw), &events); err != nil {
		l.logger.Warn("discarding unreadable audit log", "error", err)
		return nil
	}
	return events
}

func (l *Logger) saveLocked(events []Event) {
	data, err := json.Marshal(events)
	if err != nil {
		l.logger.Warn("audit log marshal failed", "error", err)
		return
	}
	l.kv.Set(storageKey, string(data), 0)
}

func (l *Logger) LogLoginAttempt(ctx context.Context, email string) <-chan struct{} {
	return l.Log(ctx, Event{Type: LoginAttempt, Email: email})
}

func (l *Logger) LogLoginSuccess(ctx context.Context, email string) <-chan struct{} {
	return l.Log(ctx, Event{Type: LoginSuccess, Email: email})
}

func (l *Logger) LogLoginFailure(ctx context.Context, email, reason string) <-chan struct{} {
	return l.Log(ctx, Event{Type: LoginFailure, Email: email, Metadata: map[string]string{"reason": reason}})
}

// LogLockout records that email was refused locally because it is locked.
func (l *Logger) LogLockout(ctx context.Context, email string, remaining time.Duration) <-chan struct{} {
	return l.Log(ctx, Event{
		Type:     AccountLocked,
		Email:    email,
		Metadata: map[string]string{"remaining": remaining.Round(time.Second).String()},
	})
}

func (l *Logger) LogLogout(ctx context.Context, email string) <-chan struct{} {
	return l.Log(ctx, Event{Type: Logout, Email: email})
}

func (l *Logger) LogSuspiciousActivity(ctx context.Context, email, reason string, metadata map[string]string) <-chan struct{} {
	md := map[string]string{"reason": reason}
	for k, v := range metadata {
		md[k] = v
	}
	return l.Log(ctx, Event{Type: SuspiciousActivity, Email: email, Metadata: md})
}

func (l *Logger) LogSessionTimeout(ctx context.Context, email string) <-chan struct{} {
	return l.Log(ctx, Event{Type: SessionTimeout, Email: email})
}

func (l *Logger) LogTokenRefreshed(ctx context.Context, email string) <-chan struct{} {
	return l.Log(ctx, Event{Type: TokenRefreshed, Email: email})
}

// Events returns every stored entry, newest first.
func (l *Logger) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadLocked()
}

// ByType returns the stored entries of type t, newest first.
func (l *Logger) ByType(t EventType) []Event {
	return filter(l.Events(), func(ev Event) bool { return ev.Type == t })
}

// ByEmail returns the stored entries for email, newest first. Addresses are
// compared case-insensitively.
func (l *Logger) ByEmail(email string) []Event {
	key := util.FoldEmail(email)
	return filter(l.Events(), func(ev Event) bool { return util.FoldEmail(ev.Email) == key })
}

// Recent returns at most n of the newest entries.
func (l *Logger) Recent(n int) []Event {
	events := l.Events()
	if n < 0 {
		n = 0
	}
	if len(events) > n {
		events = events[:n]
	}
	return events
}

// Clear removes every stored entry.
func (l *Logger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.kv.Remove(storageKey)
}

func filter(events []Event, keep func(Event) bool) []Event {
	out := make([]Event, 0, len(events))
	for _, ev := range events {
		if keep(ev) {
			out = append(out, ev)
		}
	}
	return out
}
