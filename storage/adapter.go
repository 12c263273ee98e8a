package storage

import (
	"errors"
	"log/slog"
	"os"
	"time"
)

// Mode identifies which kind of backend an Adapter is bound to.
type Mode string

const (
	// ModeCookie stores values as cookies scoped to the backend origin.
	ModeCookie Mode = "cookie"
	// ModeDurable stores values in the local durable store.
	ModeDurable Mode = "durable"
	// ModeSession stores values for the lifetime of the process only.
	ModeSession Mode = "session"
)

const (
	probeKey   = "warden_storage_probe"
	probeValue = "1"
)

// Adapter gives components a uniform get/set/remove view over one backend.
// Backend errors are logged and swallowed; callers see missing values or
// dropped writes, never errors.
//
// In cookie mode only the keys registered with WithCookieKey live in the
// cookie backend, since every cookie travels with every backend request.
// The remaining keys go to the durable store given to WithDurable (or to
// Select).
type Adapter struct {
	backend Store
	durable Store
	mode    Mode
	keys    map[string]string
	logger  *slog.Logger
}

var _ KV = (*Adapter)(nil)

// AdapterOption configures an Adapter.
type AdapterOption func(*adapterOptions)

type adapterOptions struct {
	cookieKeys map[string]string
	durable    Store
	logger     *slog.Logger
}

// WithCookieKey maps a logical key to the fixed name the backend expects.
// The mapping applies only when the adapter runs in cookie mode.
func WithCookieKey(logical, cookieName string) AdapterOption {
	return func(o *adapterOptions) {
		if o.cookieKeys == nil {
			o.cookieKeys = make(map[string]string)
		}
		o.cookieKeys[logical] = cookieName
	}
}

// WithDurable sets the store that holds non-cookie keys in cookie mode.
// Without it a cookie-mode adapter keeps every key in cookies.
func WithDurable(durable Store) AdapterOption {
	return func(o *adapterOptions) {
		o.durable = durable
	}
}

// WithLogger sets the logger used to report swallowed backend errors.
func WithLogger(logger *slog.Logger) AdapterOption {
	return func(o *adapterOptions) {
		o.logger = logger
	}
}

// NewAdapter binds an Adapter to backend in the given mode.
func NewAdapter(mode Mode, backend Store, opts ...AdapterOption) *Adapter {
	o := adapterOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	a := &Adapter{
		backend: backend,
		mode:    mode,
		keys:    map[string]string{},
		logger:  o.logger.With("component", "storage", "mode", string(mode)),
	}
	if mode == ModeCookie {
		for k, v := range o.cookieKeys {
			a.keys[k] = v
		}
		a.durable = o.durable
	}
	return a
}

// Select probes the cookie backend with a write/read/delete round trip and
// binds the adapter to it when the probe succeeds. Otherwise the durable
// backend is used. A nil cookie backend always selects durable storage. In
// cookie mode durable still holds every key without a cookie mapping.
func Select(cookies, durable Store, opts ...AdapterOption) *Adapter {
	if cookies != nil && probe(cookies) {
		return NewAdapter(ModeCookie, cookies, append([]AdapterOption{WithDurable(durable)}, opts...)...)
	}
	return NewAdapter(ModeDurable, durable, opts...)
}

func probe(s Store) bool {
	if err := s.Set(probeKey, probeValue, time.Minute); err != nil {
		return false
	}
	got, err := s.Get(probeKey)
	if err != nil || got != probeValue {
		return false
	}
	if err := s.Delete(probeKey); err != nil {
		return false
	}
	_, err = s.Get(probeKey)
	return errors.Is(err, ErrNotFound)
}

// Mode reports the backend kind selected for this adapter.
func (a *Adapter) Mode() Mode { return a.mode }

// route returns the backend and backend key holding the logical key k.
func (a *Adapter) route(k string) (Store, string) {
	if mapped, ok := a.keys[k]; ok {
		return a.backend, mapped
	}
	if a.durable != nil {
		return a.durable, k
	}
	return a.backend, k
}

func (a *Adapter) Get(key string) (string, bool) {
	s, k := a.route(key)
	v, err := s.Get(k)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			a.logger.Warn("storage get failed", "key", key, "error", err)
		}
		return "", false
	}
	return v, true
}

func (a *Adapter) Set(key, value string, maxAge time.Duration) {
	s, k := a.route(key)
	if err := s.Set(k, value, maxAge); err != nil {
		a.logger.Warn("storage set failed", "key", key, "error", err)
	}
}

func (a *Adapter) Remove(key string) {
	s, k := a.route(key)
	if err := s.Delete(k); err != nil && !errors.Is(err, ErrNotFound) {
		a.logger.Warn("storage delete failed", "key", key, "error", err)
	}
}
