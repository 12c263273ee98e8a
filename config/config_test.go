package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.False(t, cfg.Production())
	assert.Equal(t, 3, cfg.SessionPolicy().MaxConcurrentSessions)
}

func TestLoad_MissingDefaultFileIsFine(t *testing.T) {
	t.Setenv("WARDEN_CONFIG", filepath.Join(t.TempDir(), "absent.toml"))
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().APIURL, cfg.APIURL)
}

func TestLoad_MissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, `
api_url = "https://admin.example.com/api"
mode = "production"
captcha_site_key = "0x4AAAA"

[storage]
mode = "durable"
backend = "postgres"
postgres_dsn = "postgres://localhost/warden"

[session]
max_concurrent_sessions = 5
validate_fingerprint = false
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://admin.example.com/api", cfg.APIURL)
	assert.True(t, cfg.Production())
	assert.Equal(t, "0x4AAAA", cfg.CaptchaSiteKey)
	assert.Equal(t, BackendPostgres, cfg.Storage.Backend)
	assert.Equal(t, 5, cfg.SessionPolicy().MaxConcurrentSessions)
	assert.False(t, cfg.SessionPolicy().ValidateFingerprint)
	assert.True(t, cfg.SessionPolicy().TrackActivity, "unset keys keep their defaults")
}

func TestLoad_UnknownKeysRejected(t *testing.T) {
	path := writeFile(t, `api_ulr = "http://typo"`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "api_ulr")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, `api_url = "http://from-file:1"`)
	t.Setenv("WARDEN_API_URL", "http://from-env:2")
	t.Setenv("WARDEN_STORAGE", "cookie")
	t.Setenv("WARDEN_RATE_LIMIT", "2.5")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://from-env:2", cfg.APIURL)
	assert.Equal(t, StorageCookie, cfg.Storage.Mode)
	assert.Equal(t, 2.5, cfg.RateLimit.RequestsPerSecond)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"bad url":          func(c *Config) { c.APIURL = "ftp://x" },
		"no host":          func(c *Config) { c.APIURL = "http://" },
		"bad mode":         func(c *Config) { c.Mode = "staging" },
		"bad storage mode": func(c *Config) { c.Storage.Mode = "floppy" },
		"bad backend":      func(c *Config) { c.Storage.Backend = "sqlite" },
		"postgres no dsn":  func(c *Config) { c.Storage.Backend = BackendPostgres },
		"zero burst":       func(c *Config) { c.RateLimit.Burst = 0 },
		"session cap":      func(c *Config) { c.Session.MaxConcurrentSessions = 0 },
		"bad audit url":    func(c *Config) { c.Audit.Endpoint = "not a url" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
