// Package config loads warden settings from defaults, a TOML file, a .env
// file and WARDEN_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/jmcleod/warden/captcha"
	"github.com/jmcleod/warden/session"
)

// Runtime modes.
const (
	ModeProduction  = "production"
	ModeDevelopment = "development"
)

// Storage selection.
const (
	StorageAuto    = "auto"
	StorageCookie  = "cookie"
	StorageDurable = "durable"

	BackendBbolt    = "bbolt"
	BackendPostgres = "postgres"
)

// Config is the complete warden configuration.
type Config struct {
	APIURL         string `toml:"api_url"`
	CaptchaSiteKey string `toml:"captcha_site_key"`
	Mode           string `toml:"mode"`
	UserAgent      string `toml:"user_agent"`
	LogLevel       string `toml:"log_level"`

	Storage   StorageConfig   `toml:"storage"`
	Audit     AuditConfig     `toml:"audit"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Session   SessionConfig   `toml:"session"`
	DevServer DevServerConfig `toml:"devserver"`
}

// StorageConfig selects where client state is persisted.
type StorageConfig struct {
	Mode        string `toml:"mode"`
	Backend     string `toml:"backend"`
	DataDir     string `toml:"data_dir"`
	PostgresDSN string `toml:"postgres_dsn"`
	Namespace   string `toml:"namespace"`
}

// AuditConfig controls remote delivery and failure alerts.
type AuditConfig struct {
	Endpoint        string `toml:"endpoint"`
	AuthHeader      string `toml:"auth_header"`
	AlertThreshold  int    `toml:"alert_threshold"`
	AlertWindowSecs  int    `toml:"alert_window_secs"`
}

// RateLimitConfig bounds outbound requests to the backend. Zero disables it.
type RateLimitConfig struct {
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
}

// SessionConfig mirrors session.Config.
type SessionConfig struct {
	MaxConcurrentSessions     int  `toml:"max_concurrent_sessions"`
	RequireReauthForSensitive bool `toml:"require_reauth_for_sensitive"`
	ValidateFingerprint       bool `toml:"validate_fingerprint"`
	TrackActivity             bool `toml:"track_activity"`
}

// DevServerConfig configures the local development backend.
type DevServerConfig struct {
	Addr   string `toml:"addr"`
	Secret string `toml:"secret"`
}

// Default returns the built-in configuration.
func Default() *Config {
	sc := session.DefaultConfig()
	return &Config{
		APIURL:         "http://127.0.0.1:8790",
		CaptchaSiteKey: captcha.MockSiteKey,
		Mode:           ModeDevelopment,
		UserAgent:      "warden/1.0",
		LogLevel:       "warn",
		Storage: StorageConfig{
			Mode:      StorageAuto,
			Backend:   BackendBbolt,
			DataDir:   defaultDataDir(),
			Namespace: "default",
		},
		Audit: AuditConfig{
			AlertThreshold:  10,
			AlertWindowSecs: 60,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 10,
			Burst:             20,
		},
		Session: SessionConfig{
			MaxConcurrentSessions:     sc.MaxConcurrentSessions,
			RequireReauthForSensitive: sc.RequireReauthForSensitive,
			ValidateFingerprint:       sc.ValidateFingerprint,
			TrackActivity:             sc.TrackActivity,
		},
		DevServer: DevServerConfig{
			Addr: "127.0.0.1:8790",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".warden"
	}
	return filepath.Join(home, ".warden")
}

// DefaultPath returns $WARDEN_CONFIG or ~/.warden/config.toml.
func DefaultPath() string {
	if p := os.Getenv("WARDEN_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(defaultDataDir(), "config.toml")
}

// Load builds a Config. An empty path means DefaultPath; a missing file at
// the default path is not an error, but a missing explicit path is.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if _, err := os.Stat(path); err == nil {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, err
		}
	} else if explicit || !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML decodes the file at path over cfg.
func LoadTOML(cfg *Config, path string) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// ApplyEnvOverrides copies WARDEN_* environment variables over cfg.
func (c *Config) ApplyEnvOverrides() {
	str := map[string]*string{
		"WARDEN_API_URL":          &c.APIURL,
		"WARDEN_CAPTCHA_SITE_KEY": &c.CaptchaSiteKey,
		"WARDEN_MODE":             &c.Mode,
		"WARDEN_USER_AGENT":       &c.UserAgent,
		"WARDEN_LOG_LEVEL":        &c.LogLevel,
		"WARDEN_STORAGE":          &c.Storage.Mode,
		"WARDEN_DURABLE_BACKEND":  &c.Storage.Backend,
		"WARDEN_DATA_DIR":         &c.Storage.DataDir,
		"WARDEN_POSTGRES_DSN":     &c.Storage.PostgresDSN,
		"WARDEN_AUDIT_URL":        &c.Audit.Endpoint,
		"WARDEN_AUDIT_AUTH":       &c.Audit.AuthHeader,
		"WARDEN_DEVSERVER_ADDR":   &c.DevServer.Addr,
		"WARDEN_DEVSERVER_SECRET": &c.DevServer.Secret,
	}
	for key, field := range str {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*field = strings.TrimSpace(v)
		}
	}
	if v := os.Getenv("WARDEN_RATE_LIMIT"); v != "" {
		if rps, err := strconv.ParseFloat(v, 64); err == nil {
			c.RateLimit.RequestsPerSecond = rps
		}
	}
}

// Production reports whether remote audit delivery and the interactive
// CAPTCHA are in force.
func (c *Config) Production() bool { return c.Mode == ModeProduction }

// SessionPolicy converts the session section for session.Manager.
func (c *Config) SessionPolicy() session.Config {
	return session.Config{
		MaxConcurrentSessions:     c.Session.MaxConcurrentSessions,
		RequireReauthForSensitive: c.Session.RequireReauthForSensitive,
		ValidateFingerprint:       c.Session.ValidateFingerprint,
		TrackActivity:             c.Session.TrackActivity,
	}
}

// Validate reports every problem with the configuration.
func (c *Config) Validate() error {
	var errs []error

	if err := validateURL(c.APIURL); err != nil {
		errs = append(errs, fmt.Errorf("api_url: %w", err))
	}
	if c.Audit.Endpoint != "" {
		if err := validateURL(c.Audit.Endpoint); err != nil {
			errs = append(errs, fmt.Errorf("audit.endpoint: %w", err))
		}
	}
	switch c.Mode {
	case ModeProduction, ModeDevelopment:
	default:
		errs = append(errs, fmt.Errorf("mode: must be %q or %q, got %q", ModeProduction, ModeDevelopment, c.Mode))
	}
	switch c.Storage.Mode {
	case StorageAuto, StorageCookie, StorageDurable:
	default:
		errs = append(errs, fmt.Errorf("storage.mode: unknown mode %q", c.Storage.Mode))
	}
	switch c.Storage.Backend {
	case BackendBbolt:
		if c.Storage.DataDir == "" {
			errs = append(errs, errors.New("storage.data_dir: required for the bbolt backend"))
		}
	case BackendPostgres:
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn: required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend: unknown backend %q", c.Storage.Backend))
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate_limit: values must not be negative"))
	}
	if c.RateLimit.RequestsPerSecond > 0 && c.RateLimit.Burst == 0 {
		errs = append(errs, errors.New("rate_limit.burst: must be positive when a rate is set"))
	}
	if c.Session.MaxConcurrentSessions < 1 {
		errs = append(errs, errors.New("session.max_concurrent_sessions: must be at least 1"))
	}
	if c.Audit.AlertThreshold < 0 || c.Audit.AlertWindowSecs < 0 {
		errs = append(errs, errors.New("audit: alert settings must not be negative"))
	}
	return errors.Join(errs...)
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}
