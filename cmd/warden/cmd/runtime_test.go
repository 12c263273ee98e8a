package cmd

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/warden/audit"
	"github.com/jmcleod/warden/auth"
	"github.com/jmcleod/warden/captcha"
	"github.com/jmcleod/warden/config"
	"github.com/jmcleod/warden/devserver"
	"github.com/jmcleod/warden/storage"
)

func testConfig(t *testing.T, mode string) *config.Config {
	t.Helper()
	srv, err := devserver.New(
		devserver.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		devserver.WithUser("admin@example.com", "changeme", "Admin", "admin"))
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	c := config.Default()
	c.APIURL = ts.URL
	c.LogLevel = "error"
	c.Storage.Mode = mode
	c.Storage.DataDir = t.TempDir()
	c.RateLimit.RequestsPerSecond = 0
	require.NoError(t, c.Validate())
	return c
}

func signIn(t *testing.T, c *config.Config) {
	t.Helper()
	var out bytes.Buffer
	rt, err := buildRuntime(context.Background(), c, &out)
	require.NoError(t, err)
	defer rt.Close()
	require.NoError(t, rt.model.SignIn(context.Background(),
		auth.Credentials{Email: "admin@example.com", Password: "changeme"}, false))
	assert.Contains(t, out.String(), "Signed in as admin@example.com")
}

func TestRuntime_SessionSurvivesRestart(t *testing.T) {
	for _, mode := range []string{config.StorageAuto, config.StorageDurable} {
		t.Run(mode, func(t *testing.T) {
			c := testConfig(t, mode)
			signIn(t, c)

			rt, err := buildRuntime(context.Background(), c, io.Discard)
			require.NoError(t, err)
			defer rt.Close()

			ok, err := rt.restore(context.Background())
			require.NoError(t, err)
			require.True(t, ok)
			report := buildStatus(rt)
			assert.True(t, report.SignedIn)
			assert.Equal(t, "Admin", report.Name)
			assert.NotEmpty(t, report.SessionID)
			assert.NotNil(t, report.TokenExpires)
		})
	}
}

func TestRuntime_AutoModePrefersCookies(t *testing.T) {
	c := testConfig(t, config.StorageAuto)
	rt, err := buildRuntime(context.Background(), c, io.Discard)
	require.NoError(t, err)
	defer rt.Close()
	assert.Equal(t, storage.ModeCookie, rt.kv.Mode())
}

func TestRuntime_SignOutEndsSession(t *testing.T) {
	c := testConfig(t, config.StorageDurable)
	signIn(t, c)

	rt, err := buildRuntime(context.Background(), c, io.Discard)
	require.NoError(t, err)
	require.NoError(t, rt.model.SignOut(context.Background(), true))
	assert.Len(t, rt.audit.ByType(audit.Logout), 1)
	rt.Close()

	rt, err = buildRuntime(context.Background(), c, io.Discard)
	require.NoError(t, err)
	defer rt.Close()
	ok, err := rt.restore(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, buildStatus(rt).SignedIn)
}

func TestRuntime_FailedSignInsAreAudited(t *testing.T) {
	c := testConfig(t, config.StorageDurable)
	var out bytes.Buffer
	rt, err := buildRuntime(context.Background(), c, &out)
	require.NoError(t, err)
	defer rt.Close()

	err = rt.model.SignIn(context.Background(), auth.Credentials{Email: "admin@example.com", Password: "nope"}, false)
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)

	failures := selectEvents(rt.audit, string(audit.LoginFailure), "admin@example.com", 0)
	require.Len(t, failures, 1)

	var listing bytes.Buffer
	printEvents(&listing, rt.audit.Events())
	assert.Contains(t, listing.String(), "login_failure")
	assert.Contains(t, listing.String(), "login_attempt")
}

func TestSelectEvents_Limit(t *testing.T) {
	c := testConfig(t, config.StorageDurable)
	rt, err := buildRuntime(context.Background(), c, io.Discard)
	require.NoError(t, err)
	defer rt.Close()

	for i := 0; i < 3; i++ {
		rt.audit.LogLoginAttempt(context.Background(), "admin@example.com")
	}
	assert.Len(t, selectEvents(rt.audit, "", "", 2), 2)
	assert.Len(t, selectEvents(rt.audit, "", "other@example.com", 0), 0)
}

func TestConsoleCommand(t *testing.T) {
	c := testConfig(t, config.StorageDurable)
	signIn(t, c)

	var out bytes.Buffer
	rt, err := buildRuntime(context.Background(), c, &out)
	require.NoError(t, err)
	defer rt.Close()
	ok, err := rt.restore(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	assert.False(t, consoleCommand(context.Background(), rt, "refresh"))
	assert.Contains(t, out.String(), "Token refreshed.")
	assert.False(t, consoleCommand(context.Background(), rt, "help"))
	assert.Contains(t, out.String(), consoleHelp)
	assert.True(t, consoleCommand(context.Background(), rt, "logout"))
	assert.Equal(t, auth.StateSignedOut, rt.model.State())
}

func TestConsole_NotifyAndRedirect(t *testing.T) {
	var out bytes.Buffer
	c := newConsole(&out)
	c.Notify(0, "hello")
	c.RedirectToLogin()
	assert.Contains(t, out.String(), "hello")
	assert.Contains(t, out.String(), "warden login")
	assert.True(t, c.Redirected())
}

func TestPrepareCaptcha_MockNeedsNothing(t *testing.T) {
	c := testConfig(t, config.StorageDurable)
	rt, err := buildRuntime(context.Background(), c, io.Discard)
	require.NoError(t, err)
	defer rt.Close()

	require.Equal(t, captcha.KindMock, rt.captcha.Kind())
	assert.NoError(t, prepareCaptcha(context.Background(), rt, nil, ""))
}

func TestPrepareCaptcha_DeliversProof(t *testing.T) {
	script := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "/* challenge */")
	}))
	defer script.Close()

	c := testConfig(t, config.StorageDurable)
	var out bytes.Buffer
	rt, err := buildRuntime(context.Background(), c, &out)
	require.NoError(t, err)
	defer rt.Close()

	rt.captcha = captcha.NewInteractive("site-key", captcha.Options{
		ScriptURL: script.URL,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ctx := context.Background()

	require.NoError(t, prepareCaptcha(ctx, rt, nil, "proof-from-flag"))
	tok, err := rt.captcha.Execute(ctx, "login")
	require.NoError(t, err)
	assert.Equal(t, "proof-from-flag", tok)

	p := &prompter{in: bufio.NewReader(strings.NewReader("typed-proof\n")), out: io.Discard}
	require.NoError(t, prepareCaptcha(ctx, rt, p, ""))
	assert.Contains(t, out.String(), "site-key")
	tok, err = rt.captcha.Execute(ctx, "login")
	require.NoError(t, err)
	assert.Equal(t, "typed-proof", tok)
}
