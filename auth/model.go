// Package auth composes the security components into the sign-in, sign-out,
// refresh and timeout flows exposed to the console front end.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmcleod/warden/audit"
	"github.com/jmcleod/warden/captcha"
	"github.com/jmcleod/warden/client"
	"github.com/jmcleod/warden/internal/clock"
	"github.com/jmcleod/warden/ratelimit"
	"github.com/jmcleod/warden/session"
	"github.com/jmcleod/warden/token"
)

const (
	// RefreshInterval is how often the refresh timer checks the token.
	RefreshInterval = 60 * time.Second
	// RefreshWindow is how close to expiry a token is refreshed.
	RefreshWindow = 10 * time.Minute
	// SessionCheckInterval is how often the session timer runs.
	SessionCheckInterval = 10 * time.Second
	// SessionTimeout is the absolute session lifetime from sign-in or the
	// last extension.
	SessionTimeout = 30 * time.Minute
	// WarningBefore is how long before SessionTimeout the warning is raised.
	WarningBefore = 5 * time.Minute

	captchaAction = "login"
)

// State is the sign-in state of the model.
type State int

const (
	StateSignedOut State = iota
	StateSigningIn
	StateSignedIn
)

func (s State) String() string {
	switch s {
	case StateSigningIn:
		return "signing-in"
	case StateSignedIn:
		return "signed-in"
	default:
		return "signed-out"
	}
}

// Credentials are the sign-in form values.
type Credentials struct {
	Email    string
	Password string
}

// User is the signed-in principal.
type User struct {
	Email string
	Info  client.AdminInfo
}

// Warning is the session-timeout warning.
type Warning struct {
	Active    bool
	Remaining time.Duration
}

// Snapshot is the state published to observers.
type Snapshot struct {
	State   State
	User    *User
	Warning Warning
	Loading bool
}

// Backend is the subset of the API client the model calls.
type Backend interface {
	SignIn(ctx context.Context, req client.SignInRequest) (client.TokenData, error)
	Refresh(ctx context.Context) (client.TokenData, error)
	SignOut(ctx context.Context) error
	AdminInfo(ctx context.Context) (client.AdminInfo, error)
}

// Navigator moves the front end to its login view.
type Navigator interface {
	RedirectToLogin()
}

// Deps are the collaborators of a Model. Tracker, Fingerprint, Notifier,
// Navigator, Observer, Clock and Logger are optional.
type Deps struct {
	Backend     Backend
	Tokens      *token.Store
	Limiter     *ratelimit.Limiter
	Audit       *audit.Logger
	Captcha     captcha.Provider
	Sessions    *session.Manager
	Tracker     *session.Tracker
	Fingerprint session.Fingerprinter
	Notifier    client.Notifier
	Navigator   Navigator
	Observer    func(Snapshot)
	Clock       clock.Clock
	Logger      *slog.Logger
}

// Model is the auth/session orchestrator.
type Model struct {
	deps   Deps
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	user    *User
	warning Warning
	loading int

	timerMu      sync.Mutex
	cancelTimers context.CancelFunc

	refreshing atomic.Bool
	signingOut atomic.Bool
	wg         sync.WaitGroup
}

// New returns a signed-out Model. Call InitUser to restore a stored session.
func New(deps Deps) (*Model, error) {
	switch {
	case deps.Backend == nil:
		return nil, errors.New("auth: backend is required")
	case deps.Tokens == nil:
		return nil, errors.New("auth: token store is required")
	case deps.Limiter == nil:
		return nil, errors.New("auth: rate limiter is required")
	case deps.Audit == nil:
		return nil, errors.New("auth: audit logger is required")
	case deps.Captcha == nil:
		return nil, errors.New("auth: captcha provider is required")
	case deps.Sessions == nil:
		return nil, errors.New("auth: session manager is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return &Model{
		deps:   deps,
		clock:  clock.OrReal(deps.Clock),
		logger: logger.With("component", "auth"),
	}, nil
}

// State returns the current sign-in state.
func (m *Model) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// User returns the signed-in principal, or nil.
func (m *Model) User() *User {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.user == nil {
		return nil
	}
	u := *m.user
	return &u
}

// TimeoutWarning returns the session-timeout warning state.
func (m *Model) TimeoutWarning() Warning {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.warning
}

// Loading reports whether an entry point is in progress.
func (m *Model) Loading() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loading > 0
}

// Snapshot returns the full observable state.
func (m *Model) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Model) snapshotLocked() Snapshot {
	s := Snapshot{State: m.state, Warning: m.warning, Loading: m.loading > 0}
	if m.user != nil {
		u := *m.user
		s.User = &u
	}
	return s
}

// update applies fn under the lock and publishes the result.
func (m *Model) update(fn func()) {
	m.mu.Lock()
	fn()
	snap := m.snapshotLocked()
	m.mu.Unlock()
	if m.deps.Observer != nil {
		m.deps.Observer(snap)
	}
}

func (m *Model) beginLoading() { m.update(func() { m.loading++ }) }
func (m *Model) endLoading()   { m.update(func() { m.loading-- }) }

func (m *Model) notify(level client.NoticeLevel, msg string) {
	if m.deps.Notifier != nil {
		m.deps.Notifier.Notify(level, msg)
	}
}

// recoverInto turns a panic in an entry point into ErrUnexpected.
func (m *Model) recoverInto(errp *error, op string) {
	r := recover()
	if r == nil {
		return
	}
	m.logger.Error("unexpected failure", "op", op, "panic", r)
	m.update(func() {
		if m.state == StateSigningIn {
			m.state = StateSignedOut
		}
	})
	m.notify(client.NoticeError, "Something went wrong. Please try again.")
	*errp = ErrUnexpected
}

// SignIn authenticates with the backend. A locked account is refused
// without contacting the backend and returns a *LockedError.
func (m *Model) SignIn(ctx context.Context, creds Credentials, rememberMe bool) (err error) {
	m.beginLoading()
	defer m.endLoading()
	defer m.recoverInto(&err, "sign-in")

	email := strings.TrimSpace(creds.Email)
	if m.deps.Limiter.IsLocked(email) {
		remaining := m.deps.Limiter.GetRemainingLockoutTime(email)
		m.deps.Audit.LogLockout(ctx, email, remaining)
		locked := &LockedError{Email: email, Remaining: remaining}
		m.notify(client.NoticeError, locked.Error())
		return locked
	}

	m.deps.Audit.LogLoginAttempt(ctx, email)
	m.update(func() { m.state = StateSigningIn })

	proof, err := m.deps.Captcha.Execute(ctx, captchaAction)
	if err != nil {
		m.deps.Audit.LogLoginFailure(ctx, email, "captcha: "+err.Error())
		m.update(func() { m.state = StateSignedOut })
		return fmt.Errorf("%w: captcha: %w", ErrSignInFailed, err)
	}

	var fp string
	if m.deps.Fingerprint != nil {
		if info, ferr := m.deps.Fingerprint.Generate(ctx); ferr != nil {
			m.logger.Warn("sign-in without device fingerprint", "error", ferr)
		} else {
			fp = info.Fingerprint
		}
	}

	tok, err := m.deps.Backend.SignIn(ctx, client.SignInRequest{
		Email:        email,
		Password:     creds.Password,
		CaptchaToken: proof,
		Fingerprint:  fp,
		RememberMe:   rememberMe,
	})
	if err != nil {
		m.deps.Limiter.RecordAttempt(email)
		reason := failureReason(err)
		m.deps.Audit.LogLoginFailure(ctx, email, reason)
		m.update(func() { m.state = StateSignedOut })
		m.notify(client.NoticeError, reason)
		var apiErr *client.APIError
		if errors.As(err, &apiErr) {
			return fmt.Errorf("%w: %s", ErrInvalidCredentials, reason)
		}
		return fmt.Errorf("%w: %w", ErrSignInFailed, err)
	}

	expiresAt, perr := tok.Expiry()
	if perr != nil {
		m.logger.Warn("ignoring malformed token expiry", "error", perr)
	}
	m.deps.Limiter.ClearAttempts(email)
	m.deps.Audit.LogLoginSuccess(ctx, email)

	m.deps.Tokens.SetToken(tok.Token, expiresAt)
	m.deps.Tokens.SetEmail(email)
	m.deps.Tokens.SetRememberMe(rememberMe)
	m.deps.Tokens.SetSessionStart(m.clock.Now())
	if _, err := m.deps.Sessions.CreateSession(ctx); err != nil {
		m.logger.Warn("security session not created", "error", err)
	}

	user := &User{Email: email}
	if info, err := m.deps.Backend.AdminInfo(ctx); err != nil {
		m.logger.Warn("admin info unavailable", "error", err)
	} else {
		user.Info = info
	}
	m.enterSignedIn(user)
	m.notify(client.NoticeInfo, "Signed in as "+email+".")
	return nil
}

func failureReason(err error) string {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.Msg != "" {
		return apiErr.Msg
	}
	return "sign-in failed"
}

func (m *Model) enterSignedIn(user *User) {
	m.update(func() {
		m.state = StateSignedIn
		m.user = user
		m.warning = Warning{}
	})
	m.startTimers()
	if m.deps.Tracker != nil {
		m.deps.Tracker.Start()
	}
}

// SignOut clears all local auth state. With revoke set the backend is asked
// to revoke the token first; failure to revoke does not stop the sign-out.
func (m *Model) SignOut(ctx context.Context, revoke bool) (err error) {
	m.beginLoading()
	defer m.endLoading()
	defer m.recoverInto(&err, "sign-out")

	m.signOut(ctx, revoke)
	return nil
}

func (m *Model) signOut(ctx context.Context, revoke bool) {
	if !m.signingOut.CompareAndSwap(false, true) {
		return
	}
	defer m.signingOut.Store(false)

	email := m.deps.Tokens.Email()
	m.deps.Audit.LogLogout(ctx, email)
	if revoke {
		if _, ok := m.deps.Tokens.GetToken(); ok {
			if err := m.deps.Backend.SignOut(ctx); err != nil {
				m.logger.Warn("token revocation failed", "error", err)
			}
		}
	}

	m.stopTimers()
	if m.deps.Tracker != nil {
		m.deps.Tracker.Stop()
	}
	m.deps.Sessions.ClearSession()
	m.deps.Tokens.Clear()
	m.update(func() {
		m.state = StateSignedOut
		m.user = nil
		m.warning = Warning{}
	})
}

// RefreshToken exchanges the stored token for a new one. On failure the
// stored token is left untouched.
func (m *Model) RefreshToken(ctx context.Context) (td client.TokenData, err error) {
	defer m.recoverInto(&err, "refresh")
	return m.refresh(ctx)
}

func (m *Model) refresh(ctx context.Context) (client.TokenData, error) {
	if _, ok := m.deps.Tokens.GetToken(); !ok {
		return client.TokenData{}, ErrNotSignedIn
	}
	td, err := m.deps.Backend.Refresh(ctx)
	if err != nil {
		m.logger.Warn("token refresh failed", "error", err)
		return client.TokenData{}, fmt.Errorf("refreshing token: %w", err)
	}
	expiresAt, perr := td.Expiry()
	if perr != nil {
		m.logger.Warn("ignoring malformed token expiry", "error", perr)
	}
	m.deps.Tokens.SetToken(td.Token, expiresAt)
	m.deps.Audit.LogTokenRefreshed(ctx, m.deps.Tokens.Email())
	return td, nil
}

// ExtendSession restarts the absolute session timeout and refreshes the
// token. A failed refresh is reported but keeps the session.
func (m *Model) ExtendSession(ctx context.Context) (err error) {
	defer m.recoverInto(&err, "extend-session")

	if m.State() != StateSignedIn {
		return ErrNotSignedIn
	}
	m.deps.Tokens.SetSessionStart(m.clock.Now())
	m.update(func() { m.warning = Warning{} })

	if _, err := m.refresh(ctx); err != nil {
		m.notify(client.NoticeWarning, "Session extended, but the token could not be refreshed.")
		return err
	}
	return nil
}

// InitUser restores a stored session on cold start: it refreshes a token
// that is close to or past expiry, validates the security session and, when
// valid, resumes the signed-in state and timers.
func (m *Model) InitUser(ctx context.Context) (err error) {
	m.beginLoading()
	defer m.endLoading()
	defer m.recoverInto(&err, "init-user")

	if _, ok := m.deps.Tokens.GetToken(); !ok {
		return ErrNotSignedIn
	}
	if m.deps.Tokens.IsExpired() || m.deps.Tokens.NeedsRefresh(RefreshWindow) {
		if _, err := m.refresh(ctx); err != nil && m.deps.Tokens.IsExpired() {
			m.signOut(ctx, false)
			m.notify(client.NoticeWarning, "Your session has expired. Please sign in again.")
			return fmt.Errorf("%w: token expired", ErrSessionInvalid)
		}
	}

	email := m.deps.Tokens.Email()
	if v := m.deps.Sessions.ValidateSession(ctx); !v.Valid {
		m.deps.Audit.LogSuspiciousActivity(ctx, email, v.Reason, nil)
		m.signOut(ctx, false)
		m.notify(client.NoticeWarning, "Your session is no longer valid. Please sign in again.")
		return fmt.Errorf("%w: %s", ErrSessionInvalid, v.Reason)
	}

	if _, ok := m.deps.Tokens.SessionStart(); !ok {
		m.deps.Tokens.SetSessionStart(m.clock.Now())
	}

	user := &User{Email: email}
	info, err := m.deps.Backend.AdminInfo(ctx)
	switch {
	case errors.Is(err, client.ErrUnauthorized):
		m.signOut(ctx, false)
		return fmt.Errorf("%w: token rejected", ErrSessionInvalid)
	case err != nil:
		m.logger.Warn("admin info unavailable", "error", err)
	default:
		user.Info = info
		if user.Email == "" {
			user.Email = info.Email
		}
	}
	m.enterSignedIn(user)
	return nil
}

// HandleUnauthorized is the hook for 401 responses: a signed-in model signs
// out locally and redirects to the login view.
func (m *Model) HandleUnauthorized() {
	if m.State() != StateSignedIn || m.signingOut.Load() {
		return
	}
	m.signOut(context.Background(), false)
	m.notify(client.NoticeWarning, "Your session has ended. Please sign in again.")
	if m.deps.Navigator != nil {
		m.deps.Navigator.RedirectToLogin()
	}
}

// Close stops the timers and the activity tracker and waits for background
// work to finish. It does not sign out.
func (m *Model) Close() {
	m.stopTimers()
	if m.deps.Tracker != nil {
		m.deps.Tracker.Stop()
	}
	m.wg.Wait()
}
