package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/warden/audit"
	"github.com/jmcleod/warden/auth"
	"github.com/jmcleod/warden/captcha"
	"github.com/jmcleod/warden/client"
	"github.com/jmcleod/warden/config"
	"github.com/jmcleod/warden/csrf"
	"github.com/jmcleod/warden/fingerprint"
	"github.com/jmcleod/warden/ratelimit"
	"github.com/jmcleod/warden/session"
	"github.com/jmcleod/warden/storage"
	bboltstorage "github.com/jmcleod/warden/storage/bbolt"
	"github.com/jmcleod/warden/storage/cookie"
	"github.com/jmcleod/warden/storage/memory"
	pgstorage "github.com/jmcleod/warden/storage/postgres"
	"github.com/jmcleod/warden/token"
)

// cookieJarKey holds the exported cookie jar in durable storage between runs.
const cookieJarKey = "warden_cookie_jar"

// runtime is every component of the client, built once per process and
// shared by the commands.
type runtime struct {
	cfg    *config.Config
	logger *slog.Logger
	ui     *console

	kv      *storage.Adapter
	durable storage.Store
	cookies *cookie.Store
	closeDB func()

	tokens      *token.Store
	csrf        *csrf.Manager
	limiter     *ratelimit.Limiter
	audit       *audit.Logger
	captcha     captcha.Provider
	sessions    *session.Manager
	bus         *session.EventBus
	tracker     *session.Tracker
	fingerprint *fingerprint.Generator
	client      *client.Client
	model       *auth.Model

	obsMu    sync.Mutex
	observer func(auth.Snapshot)
}

func newLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// openDurable opens the configured durable backend.
func openDurable(ctx context.Context, cfg *config.Config) (storage.Store, func(), error) {
	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		s, err := pgstorage.NewStoreFromDSN(ctx, cfg.Storage.PostgresDSN, cfg.Storage.Namespace)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres storage: %w", err)
		}
		return s, s.Close, nil
	default:
		if err := os.MkdirAll(cfg.Storage.DataDir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		path := filepath.Join(cfg.Storage.DataDir, "warden.db")
		s, err := bboltstorage.NewStoreFromFile(path, cfg.Storage.Namespace, &bbolt.Options{Timeout: time.Second})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open local storage %s (is another warden console running?): %w", path, err)
		}
		return s, func() { s.Close() }, nil
	}
}

// buildRuntime wires the client components from cfg. out receives notices.
func buildRuntime(ctx context.Context, cfg *config.Config, out io.Writer) (*runtime, error) {
	logger := newLogger(cfg.LogLevel, os.Stderr)
	rt := &runtime{cfg: cfg, logger: logger, ui: newConsole(out)}

	durable, closeDB, err := openDurable(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rt.durable, rt.closeDB = durable, closeDB

	adapterOpts := []storage.AdapterOption{
		storage.WithCookieKey(token.KeyToken, token.CookieName),
		storage.WithLogger(logger),
	}
	if cfg.Storage.Mode != config.StorageDurable {
		cookies, err := cookie.New(cfg.APIURL, nil)
		if err != nil {
			logger.Warn("cookie storage unavailable", "error", err)
		} else {
			if saved, err := durable.Get(cookieJarKey); err == nil {
				if err := cookies.Import([]byte(saved)); err != nil {
					logger.Warn("discarding saved cookies", "error", err)
				}
			}
			rt.cookies = cookies
		}
	}
	switch cfg.Storage.Mode {
	case config.StorageCookie:
		if rt.cookies == nil {
			rt.Close()
			return nil, errors.New("cookie storage requested but unavailable")
		}
		rt.kv = storage.NewAdapter(storage.ModeCookie, rt.cookies, append(adapterOpts, storage.WithDurable(durable))...)
	case config.StorageDurable:
		rt.kv = storage.NewAdapter(storage.ModeDurable, durable, adapterOpts...)
	default:
		var cookies storage.Store
		if rt.cookies != nil {
			cookies = rt.cookies
		}
		rt.kv = storage.Select(cookies, durable, adapterOpts...)
	}
	logger.Debug("storage selected", "mode", rt.kv.Mode(), "backend", cfg.Storage.Backend)

	httpClient := &http.Client{Timeout: 15 * time.Second}
	if rt.cookies != nil {
		httpClient.Jar = rt.cookies.Jar()
	}

	env := fingerprint.DetectEnvironment(cfg.UserAgent, fingerprint.Capabilities{
		Cookies: rt.cookies != nil,
		Durable: true,
		Session: true,
	})
	rt.fingerprint = fingerprint.NewGenerator(fingerprint.PinScreen(rt.kv, env), fingerprint.WithLogger(logger))

	rt.tokens = token.NewStore(rt.kv, nil)
	rt.csrf = csrf.NewManager(storage.NewAdapter(storage.ModeSession, memory.NewStore(nil), storage.WithLogger(logger)), nil)
	rt.limiter = ratelimit.New(rt.kv, nil)
	rt.sessions = session.NewManager(rt.kv, rt.fingerprint,
		session.WithConfig(cfg.SessionPolicy()),
		session.WithLogger(logger))
	rt.bus = session.NewEventBus()
	rt.tracker = session.NewTracker(rt.bus, rt.sessions, nil)

	auditOpts := []audit.Option{
		audit.WithLogger(logger),
		audit.WithUserAgent(cfg.UserAgent),
		audit.WithProduction(cfg.Production()),
		audit.WithAlertFunc(func(ev audit.AlertEvent) {
			rt.ui.Notify(client.NoticeWarning, ev.Message)
		}, time.Duration(cfg.Audit.AlertWindowSecs)*time.Second, cfg.Audit.AlertThreshold),
	}
	if cfg.Audit.Endpoint != "" {
		auditOpts = append(auditOpts, audit.WithEndpoint(cfg.Audit.Endpoint, cfg.Audit.AuthHeader, httpClient))
	}
	rt.audit = audit.New(rt.kv, auditOpts...)

	rt.captcha = captcha.New(cfg.CaptchaSiteKey, captcha.Options{HTTPClient: httpClient, Logger: logger})

	clientOpts := []client.Option{
		client.WithHTTPClient(httpClient),
		client.WithCSRF(rt.csrf),
		client.WithActivityRecorder(rt.sessions),
		client.WithNotifier(rt.ui),
		client.WithUserAgent(cfg.UserAgent),
		client.WithLogger(logger),
	}
	if cfg.RateLimit.RequestsPerSecond > 0 {
		clientOpts = append(clientOpts, client.WithRateLimit(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst))
	}
	rt.client, err = client.New(cfg.APIURL, rt.tokens, clientOpts...)
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.model, err = auth.New(auth.Deps{
		Backend:     rt.client,
		Tokens:      rt.tokens,
		Limiter:     rt.limiter,
		Audit:       rt.audit,
		Captcha:     rt.captcha,
		Sessions:    rt.sessions,
		Tracker:     rt.tracker,
		Fingerprint: rt.fingerprint,
		Notifier:    rt.ui,
		Navigator:   rt.ui,
		Observer:    rt.publish,
		Logger:      logger,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.client.OnUnauthorized(rt.model.HandleUnauthorized)
	return rt, nil
}

// observe routes model snapshots to fn. A nil fn stops delivery.
func (rt *runtime) observe(fn func(auth.Snapshot)) {
	rt.obsMu.Lock()
	defer rt.obsMu.Unlock()
	rt.observer = fn
}

func (rt *runtime) publish(s auth.Snapshot) {
	rt.obsMu.Lock()
	fn := rt.observer
	rt.obsMu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// Close stops the model, flushes audit delivery, saves the cookie jar and
// closes storage.
func (rt *runtime) Close() {
	if rt.model != nil {
		rt.model.Close()
	}
	if rt.audit != nil {
		rt.audit.Wait()
	}
	if rt.cookies != nil && rt.kv != nil && rt.kv.Mode() == storage.ModeCookie {
		if data, err := rt.cookies.Export(); err != nil {
			rt.logger.Warn("cookies not saved", "error", err)
		} else if err := rt.durable.Set(cookieJarKey, string(data), 0); err != nil {
			rt.logger.Warn("cookies not saved", "error", err)
		}
	}
	if rt.closeDB != nil {
		rt.closeDB()
	}
}

// withRuntime builds the runtime for a command and closes it afterwards.
func withRuntime(ctx context.Context, out io.Writer, fn func(*runtime) error) error {
	rt, err := buildRuntime(ctx, cfg, out)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(rt)
}

// restore loads the stored session. It reports false when nobody is signed
// in or the stored session was rejected.
func (rt *runtime) restore(ctx context.Context) (bool, error) {
	err := rt.model.InitUser(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, auth.ErrNotSignedIn), errors.Is(err, auth.ErrSessionInvalid):
		return false, nil
	default:
		return false, err
	}
}
