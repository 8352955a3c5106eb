package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/girichandu/sp-transaction-signing/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{
		"SP_ENV", "SP_CLIENT_ID", "SP_REDIRECT_URI", "SP_ASSERTION_TTL", "SP_VERIFY_TIMEOUT",
		"SP_DEMO_SIGNING", "SP_BACKEND_URL", "PORT", "LOG_LEVEL", "REPLAY_BACKEND", "REDIS_ADDR",
		"REDIS_PASSWORD", "REDIS_DB", "DATABASE_URL", "OTEL_EXPORTER_OTLP_ENDPOINT",
	} {
		t.Setenv(k, "")
	}
}

func validConfig() *config.Config {
	cfg := config.Default()
	cfg.ClientID = "bank-mobile-app"
	cfg.RedirectTarget = "https://app.bank.sg/sign/callback"
	return cfg
}

// TestLoad_Defaults verifies the system boots with safe staging defaults.
func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, config.EnvStaging, cfg.Environment)
	assert.Equal(t, config.DefaultAssertionTTL, cfg.AssertionTTL)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "INFO", cfg.Server.LogLevel)
	assert.Equal(t, "memory", cfg.Replay.Backend)
	assert.False(t, cfg.DemoSigning)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("SP_ENV", "PRODUCTION")
	t.Setenv("SP_CLIENT_ID", "bank-mobile-app")
	t.Setenv("SP_REDIRECT_URI", "https://app.bank.sg/cb")
	t.Setenv("SP_ASSERTION_TTL", "90s")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("REPLAY_BACKEND", "Redis")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, config.EnvProduction, cfg.Environment)
	assert.Equal(t, "bank-mobile-app", cfg.ClientID)
	assert.Equal(t, 90*time.Second, cfg.AssertionTTL)
	assert.Equal(t, "DEBUG", cfg.Server.LogLevel)
	assert.Equal(t, "redis", cfg.Replay.Backend)
	assert.Equal(t, 3, cfg.Replay.RedisDB)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
}

func TestLoad_BadDuration(t *testing.T) {
	clearEnv(t)
	t.Setenv("SP_ASSERTION_TTL", "two minutes")

	_, err := config.Load()
	require.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("SP_CLIENT_ID", "from-env")

	path := filepath.Join(t.TempDir(), "spsign.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
environment: Production
client_id: from-file
redirect_uri: https://app.bank.sg/sign/callback
assertion_ttl: 45s
server:
  port: "9090"
replay:
  backend: sqlite
  database_url: file:replay.db
`), 0o600))

	cfg, err := config.LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, config.EnvProduction, cfg.Environment)
	assert.Equal(t, "from-env", cfg.ClientID, "env overrides file")
	assert.Equal(t, 45*time.Second, cfg.AssertionTTL)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "INFO", cfg.Server.LogLevel, "defaults survive partial files")
	assert.Equal(t, "sqlite", cfg.Replay.Backend)
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := config.LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr bool
		warns   int
	}{
		{name: "valid", mutate: func(*config.Config) {}},
		{name: "empty client id", mutate: func(c *config.Config) { c.ClientID = " " }, wantErr: true},
		{name: "empty redirect", mutate: func(c *config.Config) { c.RedirectTarget = "" }, wantErr: true},
		{name: "http redirect", mutate: func(c *config.Config) { c.RedirectTarget = "http://app.bank.sg/cb" }, wantErr: true},
		{name: "custom scheme", mutate: func(c *config.Config) { c.RedirectTarget = "bankapp://sign/cb" }, wantErr: true},
		{name: "relative redirect", mutate: func(c *config.Config) { c.RedirectTarget = "/sign/cb" }, wantErr: true},
		{name: "unparsable redirect", mutate: func(c *config.Config) { c.RedirectTarget = "https://%zz" }, wantErr: true},
		{name: "unknown env", mutate: func(c *config.Config) { c.Environment = "dev" }, wantErr: true},
		{name: "zero ttl", mutate: func(c *config.Config) { c.AssertionTTL = 0 }, wantErr: true},
		{name: "demo in production", mutate: func(c *config.Config) {
			c.Environment = config.EnvProduction
			c.DemoSigning = true
		}, wantErr: true},
		{name: "placeholder client id", mutate: func(c *config.Config) { c.ClientID = "YOUR-CLIENT-ID" }, warns: 1},
		{name: "placeholder host", mutate: func(c *config.Config) { c.RedirectTarget = "https://app.example.com/cb" }, warns: 1},
		{name: "demo in staging", mutate: func(c *config.Config) { c.DemoSigning = true }, warns: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			warnings, err := cfg.Validate()
			if tt.wantErr {
				require.ErrorIs(t, err, config.ErrInvalidConfiguration)
				return
			}
			require.NoError(t, err)
			assert.Len(t, warnings, tt.warns)
		})
	}
}

func TestEnvironmentEndpoints(t *testing.T) {
	for _, env := range []config.Environment{config.EnvStaging, config.EnvProduction} {
		ep, err := env.Endpoints()
		require.NoError(t, err)
		assert.NotEmpty(t, ep.WidgetScriptURL)
		assert.NotEmpty(t, ep.BackendBaseURL)
		assert.NotEmpty(t, ep.SessionAudience)
	}

	staging, _ := config.EnvStaging.Endpoints()
	production, _ := config.EnvProduction.Endpoints()
	assert.NotEqual(t, staging.BackendBaseURL, production.BackendBaseURL)

	_, err := config.Environment("qa").Endpoints()
	require.ErrorIs(t, err, config.ErrInvalidConfiguration)
}

func TestConfigEndpoints_BackendOverride(t *testing.T) {
	cfg := validConfig()
	cfg.BackendURL = "http://127.0.0.1:9000/"

	ep, err := cfg.Endpoints()
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:9000", ep.BackendBaseURL)

	staging, _ := config.EnvStaging.Endpoints()
	assert.Equal(t, staging.WidgetScriptURL, ep.WidgetScriptURL)
}
