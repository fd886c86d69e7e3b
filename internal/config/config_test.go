package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func validConfig() Config {
	return Config{
		Mode:            "test",
		Port:            8080,
		Secret:          "cookie",
		JWTSecret:       "jwt",
		InviteTTL:       time.Hour,
		ReadLimit:       4096,
		PingPeriod:      time.Second,
		SendBuffer:      8,
		DisconnectGrace: time.Second,
		RatingGrace:     time.Minute,
		RateLimit:       RateLimitConfig{Messages: 5, Interval: time.Second},
		Persistence:     PersistenceConfig{Backend: "memory", Timeout: time.Second},
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
mode: test
secret: s1
jwt_secret: s2
`)
	cfg, err := load(path)
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.Mode)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, int64(32768), cfg.ReadLimit)
	assert.Equal(t, 54*time.Second, cfg.PingPeriod)
	assert.Equal(t, 10*time.Second, cfg.DisconnectGrace)
	assert.Equal(t, 2*time.Minute, cfg.RatingGrace)
	assert.Equal(t, 20, cfg.RateLimit.Messages)
	assert.Equal(t, time.Second, cfg.RateLimit.Interval)
	assert.True(t, cfg.MeetingsEnabled)
	assert.False(t, cfg.AllowObservers)
	assert.Equal(t, 24*time.Hour, cfg.InviteTTL)
	assert.Equal(t, "memory", cfg.Persistence.Backend)
	assert.Equal(t, "meetsync:", cfg.Persistence.Redis.KeyPrefix)
	assert.Equal(t, 720*time.Hour, cfg.Persistence.Redis.TTL)
}

func TestLoadReadsFileValues(t *testing.T) {
	path := writeConfig(t, `
mode: debug
port: 9090
secret: s1
jwt_secret: s2
allow_observers: true
disconnect_grace: 3s
persistence:
  backend: redis
  redis:
    uri: redis://localhost:6380/2
`)
	cfg, err := load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Mode)
	assert.Equal(t, 9090, cfg.Port)
	assert.True(t, cfg.AllowObservers)
	assert.Equal(t, 3*time.Second, cfg.DisconnectGrace)
	assert.Equal(t, "redis", cfg.Persistence.Backend)
	assert.Equal(t, "redis://localhost:6380/2", cfg.Persistence.Redis.URI)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
mode: test
port: 9090
secret: s1
jwt_secret: s2
`)
	t.Setenv("MEETSYNC_PORT", "7070")
	t.Setenv("MEETSYNC_PERSISTENCE_BACKEND", "http")
	t.Setenv("MEETSYNC_PERSISTENCE_HTTP_BASE_URL", "http://sessions.local/api")

	cfg, err := load(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Port)
	assert.Equal(t, "http", cfg.Persistence.Backend)
	assert.Equal(t, "http://sessions.local/api", cfg.Persistence.HTTP.BaseURL)
}

func TestLoadMissingFileFailsWithoutSecrets(t *testing.T) {
	_, err := load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		backend bool
		invalid bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "bad mode", mutate: func(c *Config) { c.Mode = "prod" }, invalid: true},
		{name: "missing jwt secret", mutate: func(c *Config) { c.JWTSecret = "" }, invalid: true},
		{name: "tiny read limit", mutate: func(c *Config) { c.ReadLimit = 10 }, invalid: true},
		{name: "short invite ttl", mutate: func(c *Config) { c.InviteTTL = time.Second }, invalid: true},
		{name: "unknown backend", mutate: func(c *Config) { c.Persistence.Backend = "mongo" }, invalid: true},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Persistence.Backend = "postgres" }, backend: true},
		{name: "http without base url", mutate: func(c *Config) { c.Persistence.Backend = "http" }, backend: true},
		{name: "postgres with dsn", mutate: func(c *Config) {
			c.Persistence.Backend = "postgres"
			c.Persistence.Postgres.DSN = "postgres://localhost/meetsync"
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			switch {
			case tc.backend:
				assert.ErrorIs(t, err, ErrBackendConfig)
			case tc.invalid:
				require.Error(t, err)
				assert.Contains(t, err.Error(), "invalid config")
			default:
				assert.NoError(t, err)
			}
		})
	}
}
