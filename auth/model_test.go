package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/warden/audit"
	"github.com/jmcleod/warden/captcha"
	"github.com/jmcleod/warden/client"
	"github.com/jmcleod/warden/fingerprint"
	"github.com/jmcleod/warden/internal/clock"
	"github.com/jmcleod/warden/ratelimit"
	"github.com/jmcleod/warden/session"
	"github.com/jmcleod/warden/storage"
	"github.com/jmcleod/warden/storage/memory"
	"github.com/jmcleod/warden/token"
)

var (
	quiet = slog.New(slog.NewTextHandler(io.Discard, nil))
	t0    = time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)
)

type fakeBackend struct {
	mu           sync.Mutex
	clk          clock.Clock
	passwords    map[string]string
	signInCalls  int
	lastSignIn   client.SignInRequest
	refreshCalls int
	refreshErr   error
	signOutCalls int
	signOutErr   error
	infoErr      error
	tokenTTL     time.Duration
	issued       int
	panicSignIn  bool
}

func (b *fakeBackend) tokenData() client.TokenData {
	b.issued++
	td := client.TokenData{Token: "tok-" + string(rune('a'+b.issued))}
	if b.tokenTTL > 0 {
		td.ExpiresAt = b.clk.Now().Add(b.tokenTTL).UTC().Format(time.RFC3339)
	}
	return td
}

func (b *fakeBackend) SignIn(_ context.Context, req client.SignInRequest) (client.TokenData, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.panicSignIn {
		panic("backend exploded")
	}
	b.signInCalls++
	b.lastSignIn = req
	if pw, ok := b.passwords[req.Email]; !ok || pw != req.Password {
		return client.TokenData{}, &client.APIError{Code: 1001, Msg: "invalid email or password"}
	}
	return b.tokenData(), nil
}

func (b *fakeBackend) Refresh(context.Context) (client.TokenData, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshCalls++
	if b.refreshErr != nil {
		return client.TokenData{}, b.refreshErr
	}
	return b.tokenData(), nil
}

func (b *fakeBackend) SignOut(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.signOutCalls++
	return b.signOutErr
}

func (b *fakeBackend) AdminInfo(context.Context) (client.AdminInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.infoErr != nil {
		return client.AdminInfo{}, b.infoErr
	}
	return client.AdminInfo{ID: "1", Email: "a@x.com", Name: "Admin"}, nil
}

func (b *fakeBackend) calls() (signIn, refresh, signOut int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.signInCalls, b.refreshCalls, b.signOutCalls
}

func (b *fakeBackend) set(fn func(b *fakeBackend)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b)
}

type fakeFingerprint struct {
	mu    sync.Mutex
	value string
}

func (f *fakeFingerprint) Generate(context.Context) (fingerprint.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fingerprint.Info{Fingerprint: f.value}, nil
}

func (f *fakeFingerprint) set(v string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.value = v
}

type recorder struct {
	mu        sync.Mutex
	notices   []string
	redirects int
}

func (r *recorder) Notify(level client.NoticeLevel, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, level.String()+": "+msg)
}

func (r *recorder) RedirectToLogin() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.redirects++
}

func (r *recorder) redirectCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.redirects
}

type harness struct {
	m        *Model
	deps     Deps
	be       *fakeBackend
	clk      *clock.Fake
	kv       storage.KV
	tokens   *token.Store
	limiter  *ratelimit.Limiter
	audit    *audit.Logger
	sessions *session.Manager
	tracker  *session.Tracker
	bus      *session.EventBus
	fp       *fakeFingerprint
	rec      *recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.NewFake(t0)
	kv := storage.NewAdapter(storage.ModeDurable, memory.NewStore(clk), storage.WithLogger(quiet))
	fp := &fakeFingerprint{value: "device-1"}
	sessions := session.NewManager(kv, fp, session.WithClock(clk), session.WithLogger(quiet))
	bus := session.NewEventBus()
	h := &harness{
		be:       &fakeBackend{clk: clk, passwords: map[string]string{"a@x.com": "secret123"}, tokenTTL: 24 * time.Hour},
		clk:      clk,
		kv:       kv,
		tokens:   token.NewStore(kv, clk),
		limiter:  ratelimit.New(kv, clk),
		audit:    audit.New(kv, audit.WithClock(clk), audit.WithLogger(quiet)),
		sessions: sessions,
		bus:      bus,
		tracker:  session.NewTracker(bus, sessions, clk),
		fp:       fp,
		rec:      &recorder{},
	}
	h.deps = Deps{
		Backend:     h.be,
		Tokens:      h.tokens,
		Limiter:     h.limiter,
		Audit:       h.audit,
		Captcha:     captcha.NewMock(clk),
		Sessions:    sessions,
		Tracker:     h.tracker,
		Fingerprint: fp,
		Notifier:    h.rec,
		Navigator:   h.rec,
		Clock:       clk,
		Logger:      quiet,
	}
	h.m = h.newModel(t)
	return h
}

// newModel builds another model over the same storage, as a restarted
// process would.
func (h *harness) newModel(t *testing.T) *Model {
	t.Helper()
	m, err := New(h.deps)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func (h *harness) signIn(t *testing.T, remember bool) {
	t.Helper()
	require.NoError(t, h.m.SignIn(context.Background(), Credentials{Email: "a@x.com", Password: "secret123"}, remember))
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
}

func TestSignIn_Success(t *testing.T) {
	h := newHarness(t)
	h.limiter.RecordAttempt("a@x.com")
	h.limiter.RecordAttempt("a@x.com")

	h.signIn(t, false)

	tok, ok := h.tokens.GetToken()
	require.True(t, ok)
	assert.NotEmpty(t, tok)
	assert.Equal(t, "a@x.com", h.tokens.Email())
	assert.False(t, h.tokens.RememberMe())

	successes := h.audit.ByType(audit.LoginSuccess)
	require.Len(t, successes, 1)
	assert.Equal(t, "a@x.com", successes[0].Email)
	assert.Len(t, h.audit.ByType(audit.LoginAttempt), 1)
	assert.Equal(t, ratelimit.MaxAttempts, h.limiter.GetRemainingAttempts("a@x.com"))

	assert.Equal(t, StateSignedIn, h.m.State())
	require.NotNil(t, h.m.User())
	assert.Equal(t, "Admin", h.m.User().Info.Name)
	assert.False(t, h.m.Loading())
	assert.True(t, h.tracker.Running())
	assert.Equal(t, 2, h.clk.Tickers())

	rec, err := h.sessions.Current()
	require.NoError(t, err)
	assert.Equal(t, "device-1", rec.Fingerprint)

	assert.True(t, strings.HasPrefix(h.be.lastSignIn.CaptchaToken, "mock-captcha-token-login-"))
	assert.Equal(t, "device-1", h.be.lastSignIn.Fingerprint)

	for _, ev := range h.audit.Events() {
		for _, v := range ev.Metadata {
			assert.NotContains(t, v, tok, "audit must not record the token")
		}
	}
}

func TestSignIn_LockoutShortCircuits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	creds := Credentials{Email: "b@x.com", Password: "wrong"}

	for i := 0; i < ratelimit.MaxAttempts; i++ {
		err := h.m.SignIn(ctx, creds, false)
		require.ErrorIs(t, err, ErrInvalidCredentials)
		h.clk.Advance(10 * time.Second)
	}

	err := h.m.SignIn(ctx, creds, false)
	require.ErrorIs(t, err, ErrLocked)
	var locked *LockedError
	require.True(t, errors.As(err, &locked))
	assert.Greater(t, locked.Remaining, 14*time.Minute)

	signIns, _, _ := h.be.calls()
	assert.Equal(t, ratelimit.MaxAttempts, signIns, "the locked attempt never reaches the backend")
	assert.Len(t, h.audit.ByType(audit.LoginFailure), ratelimit.MaxAttempts)
	assert.Len(t, h.audit.ByType(audit.AccountLocked), 1)
	assert.Equal(t, StateSignedOut, h.m.State())
}

func TestSignIn_FailureKeepsSignedOut(t *testing.T) {
	h := newHarness(t)

	err := h.m.SignIn(context.Background(), Credentials{Email: "a@x.com", Password: "nope"}, false)
	require.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Contains(t, err.Error(), "invalid email or password")

	failures := h.audit.ByType(audit.LoginFailure)
	require.Len(t, failures, 1)
	assert.Equal(t, "invalid email or password", failures[0].Metadata["reason"])
	assert.Equal(t, StateSignedOut, h.m.State())
	_, ok := h.tokens.GetToken()
	assert.False(t, ok)
	assert.Equal(t, ratelimit.MaxAttempts-1, h.limiter.GetRemainingAttempts("a@x.com"))
	assert.Zero(t, h.clk.Tickers())
}

func TestSignIn_TransportFailure(t *testing.T) {
	h := newHarness(t)
	h.deps.Backend = failingBackend{h.be}
	m := h.newModel(t)

	err := m.SignIn(context.Background(), Credentials{Email: "a@x.com", Password: "secret123"}, false)
	require.ErrorIs(t, err, ErrSignInFailed)
	assert.Equal(t, "sign-in failed", h.audit.ByType(audit.LoginFailure)[0].Metadata["reason"])
}

type failingBackend struct{ *fakeBackend }

func (failingBackend) SignIn(context.Context, client.SignInRequest) (client.TokenData, error) {
	return client.TokenData{}, errors.New("connection refused")
}

func TestSignIn_PanicIsRecovered(t *testing.T) {
	h := newHarness(t)
	h.be.set(func(b *fakeBackend) { b.panicSignIn = true })

	err := h.m.SignIn(context.Background(), Credentials{Email: "a@x.com", Password: "secret123"}, false)
	assert.ErrorIs(t, err, ErrUnexpected)
	assert.False(t, h.m.Loading())
	assert.Equal(t, StateSignedOut, h.m.State())
}

func TestSignOut(t *testing.T) {
	h := newHarness(t)
	h.signIn(t, true)

	require.NoError(t, h.m.SignOut(context.Background(), true))

	_, _, signOuts := h.be.calls()
	assert.Equal(t, 1, signOuts)
	_, ok := h.tokens.GetToken()
	assert.False(t, ok)
	assert.Empty(t, h.tokens.Email())
	_, err := h.sessions.Current()
	assert.ErrorIs(t, err, session.ErrNoSession)
	assert.False(t, h.tracker.Running())
	assert.Equal(t, StateSignedOut, h.m.State())
	assert.Nil(t, h.m.User())
	assert.Len(t, h.audit.ByType(audit.Logout), 1)
	assert.Eventually(t, func() bool { return h.clk.Tickers() == 0 }, time.Second, time.Millisecond)
}

func TestSignOut_RevokeFailureStillClears(t *testing.T) {
	h := newHarness(t)
	h.signIn(t, false)
	h.be.set(func(b *fakeBackend) { b.signOutErr = errors.New("network down") })

	require.NoError(t, h.m.SignOut(context.Background(), true))
	_, ok := h.tokens.GetToken()
	assert.False(t, ok)
	assert.Equal(t, StateSignedOut, h.m.State())
}

func TestSignOut_WithoutRevoke(t *testing.T) {
	h := newHarness(t)
	h.signIn(t, false)

	require.NoError(t, h.m.SignOut(context.Background(), false))
	_, _, signOuts := h.be.calls()
	assert.Zero(t, signOuts)
}

func TestRefreshToken(t *testing.T) {
	h := newHarness(t)
	h.signIn(t, false)
	before, _ := h.tokens.GetToken()

	td, err := h.m.RefreshToken(context.Background())
	require.NoError(t, err)
	after, _ := h.tokens.GetToken()
	assert.Equal(t, td.Token, after)
	assert.NotEqual(t, before, after)
	assert.Len(t, h.audit.ByType(audit.TokenRefreshed), 1)
}

func TestRefreshToken_FailureLeavesTokenUntouched(t *testing.T) {
	h := newHarness(t)
	h.signIn(t, false)
	before, _ := h.tokens.GetToken()
	exp, _ := h.tokens.ExpiresAt()
	h.be.set(func(b *fakeBackend) { b.refreshErr = client.ErrServer })

	_, err := h.m.RefreshToken(context.Background())
	assert.ErrorIs(t, err, client.ErrServer)
	after, _ := h.tokens.GetToken()
	assert.Equal(t, before, after)
	afterExp, _ := h.tokens.ExpiresAt()
	assert.True(t, exp.Equal(afterExp))
	assert.Equal(t, StateSignedIn, h.m.State())
}

func TestRefreshToken_NotSignedIn(t *testing.T) {
	h := newHarness(t)
	_, err := h.m.RefreshToken(context.Background())
	assert.ErrorIs(t, err, ErrNotSignedIn)
}

func TestSessionTimer_WarningThenTimeout(t *testing.T) {
	h := newHarness(t)
	h.signIn(t, false)

	h.clk.Advance(SessionTimeout - WarningBefore)
	require.Eventually(t, func() bool { return h.m.TimeoutWarning().Active }, time.Second, time.Millisecond)
	assert.Equal(t, WarningBefore, h.m.TimeoutWarning().Remaining)
	assert.Equal(t, StateSignedIn, h.m.State())

	h.clk.Advance(WarningBefore)
	require.Eventually(t, func() bool { return h.m.State() == StateSignedOut }, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return h.rec.redirectCount() == 1 }, time.Second, time.Millisecond)
	assert.Len(t, h.audit.ByType(audit.SessionTimeout), 1)
	assert.False(t, h.m.TimeoutWarning().Active)
	_, ok := h.tokens.GetToken()
	assert.False(t, ok)
}

func TestExtendSession(t *testing.T) {
	h := newHarness(t)
	h.signIn(t, false)

	h.clk.Advance(SessionTimeout - WarningBefore + time.Minute)
	require.Eventually(t, func() bool { return h.m.TimeoutWarning().Active }, time.Second, time.Millisecond)

	require.NoError(t, h.m.ExtendSession(context.Background()))
	assert.False(t, h.m.TimeoutWarning().Active)
	start, _ := h.tokens.SessionStart()
	assert.True(t, start.Equal(h.clk.Now()))
	_, refreshes, _ := h.be.calls()
	assert.Equal(t, 1, refreshes)
}

func TestExtendSession_RefreshFailureKeepsSession(t *testing.T) {
	h := newHarness(t)
	h.signIn(t, false)
	h.be.set(func(b *fakeBackend) { b.refreshErr = client.ErrServer })

	err := h.m.ExtendSession(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StateSignedIn, h.m.State())
}

func TestExtendSession_NotSignedIn(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.m.ExtendSession(context.Background()), ErrNotSignedIn)
}

func TestRefreshTimer_RefreshesNearExpiry(t *testing.T) {
	h := newHarness(t)
	h.be.set(func(b *fakeBackend) { b.tokenTTL = 15 * time.Minute })
	h.signIn(t, false)
	before, _ := h.tokens.GetToken()

	h.clk.Advance(6 * time.Minute)
	require.Eventually(t, func() bool {
		_, refreshes, _ := h.be.calls()
		return refreshes == 1
	}, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		after, _ := h.tokens.GetToken()
		return after != before
	}, time.Second, time.Millisecond)
	assert.Equal(t, StateSignedIn, h.m.State())
}

func TestRefreshTimer_FailureSignsOutWithoutRememberMe(t *testing.T) {
	h := newHarness(t)
	h.be.set(func(b *fakeBackend) { b.tokenTTL = 15 * time.Minute; b.refreshErr = client.ErrServer })
	h.signIn(t, false)

	h.clk.Advance(6 * time.Minute)
	require.Eventually(t, func() bool { return h.m.State() == StateSignedOut }, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return h.rec.redirectCount() == 1 }, time.Second, time.Millisecond)
}

func TestRefreshTimer_FailureKeptWithRememberMe(t *testing.T) {
	h := newHarness(t)
	h.be.set(func(b *fakeBackend) { b.tokenTTL = 15 * time.Minute; b.refreshErr = client.ErrServer })
	h.signIn(t, true)

	h.clk.Advance(6 * time.Minute)
	require.Eventually(t, func() bool {
		_, refreshes, _ := h.be.calls()
		return refreshes == 1
	}, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return !h.m.refreshing.Load() }, time.Second, time.Millisecond)
	assert.Equal(t, StateSignedIn, h.m.State())
}

func TestRefreshTick_SkippedWhileInFlight(t *testing.T) {
	h := newHarness(t)
	h.be.set(func(b *fakeBackend) { b.tokenTTL = 5 * time.Minute })
	h.signIn(t, false)

	h.m.refreshing.Store(true)
	h.m.onRefreshTick(context.Background())
	_, refreshes, _ := h.be.calls()
	assert.Zero(t, refreshes)
	assert.True(t, h.m.refreshing.Load(), "the in-flight flag belongs to the running refresh")
}

func TestInitUser_RestoresSession(t *testing.T) {
	h := newHarness(t)
	h.signIn(t, false)
	h.m.Close()

	restarted := h.newModel(t)
	require.NoError(t, restarted.InitUser(context.Background()))
	assert.Equal(t, StateSignedIn, restarted.State())
	assert.Equal(t, "a@x.com", restarted.User().Email)
	assert.True(t, h.tracker.Running())
}

func TestInitUser_NoToken(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.m.InitUser(context.Background()), ErrNotSignedIn)
	assert.Equal(t, StateSignedOut, h.m.State())
}

func TestInitUser_DeviceMismatchSignsOut(t *testing.T) {
	h := newHarness(t)
	h.signIn(t, false)
	h.m.Close()
	h.fp.set("device-2")

	restarted := h.newModel(t)
	err := restarted.InitUser(context.Background())
	require.ErrorIs(t, err, ErrSessionInvalid)
	assert.Contains(t, err.Error(), session.ReasonFingerprintMismatch)

	suspicious := h.audit.ByType(audit.SuspiciousActivity)
	require.Len(t, suspicious, 1)
	assert.Equal(t, session.ReasonFingerprintMismatch, suspicious[0].Metadata["reason"])
	_, ok := h.tokens.GetToken()
	assert.False(t, ok)
	_, _, signOuts := h.be.calls()
	assert.Zero(t, signOuts, "invalid sessions are not revoked")
	assert.Equal(t, StateSignedOut, restarted.State())
}

func TestInitUser_ExpiredTokenRefreshes(t *testing.T) {
	h := newHarness(t)
	h.be.set(func(b *fakeBackend) { b.tokenTTL = time.Hour })
	h.signIn(t, true)
	h.m.Close()

	h.clk.Set(t0.Add(2 * time.Hour))
	h.be.set(func(b *fakeBackend) { b.tokenTTL = 24 * time.Hour })
	restarted := h.newModel(t)
	require.NoError(t, restarted.InitUser(context.Background()))
	assert.False(t, h.tokens.IsExpired())
}

func TestInitUser_ExpiredTokenRefreshFails(t *testing.T) {
	h := newHarness(t)
	h.be.set(func(b *fakeBackend) { b.tokenTTL = time.Hour })
	h.signIn(t, true)
	h.m.Close()

	h.clk.Set(t0.Add(2 * time.Hour))
	h.be.set(func(b *fakeBackend) { b.refreshErr = client.ErrUnauthorized })
	restarted := h.newModel(t)
	assert.ErrorIs(t, restarted.InitUser(context.Background()), ErrSessionInvalid)
	_, ok := h.tokens.GetToken()
	assert.False(t, ok)
}

func TestInitUser_RejectedToken(t *testing.T) {
	h := newHarness(t)
	h.signIn(t, false)
	h.m.Close()
	h.be.set(func(b *fakeBackend) { b.infoErr = client.ErrUnauthorized })

	restarted := h.newModel(t)
	assert.ErrorIs(t, restarted.InitUser(context.Background()), ErrSessionInvalid)
	assert.Equal(t, StateSignedOut, restarted.State())
}

func TestHandleUnauthorized(t *testing.T) {
	h := newHarness(t)
	h.m.HandleUnauthorized()
	assert.Zero(t, h.rec.redirectCount(), "no-op while signed out")

	h.signIn(t, false)
	h.m.HandleUnauthorized()
	assert.Equal(t, StateSignedOut, h.m.State())
	assert.Equal(t, 1, h.rec.redirectCount())
	_, ok := h.tokens.GetToken()
	assert.False(t, ok)
}

func TestObserverSeesTransitions(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	var states []State
	h.deps.Observer = func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if len(states) == 0 || states[len(states)-1] != s.State {
			states = append(states, s.State)
		}
	}
	h.m = h.newModel(t)

	h.signIn(t, false)
	require.NoError(t, h.m.SignOut(context.Background(), false))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateSignedOut, StateSigningIn, StateSignedIn, StateSignedOut}, states)
}

func TestActivityTrackedAfterSignIn(t *testing.T) {
	h := newHarness(t)
	h.signIn(t, false)

	h.clk.Advance(2 * time.Second)
	h.bus.Emit(session.KeyDown)
	rec, err := h.sessions.Current()
	require.NoError(t, err)
	assert.True(t, rec.LastActivity.Equal(h.clk.Now()))
}
