package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultAssertionTTL is the validity window of a signed assertion.
const DefaultAssertionTTL = 120 * time.Second

// ErrInvalidConfiguration is wrapped by every structural validation failure.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// Config holds the signing client and backend configuration.
// It is passed explicitly to every component; nothing reads ambient state
// after Load.
type Config struct {
	Environment    Environment   `yaml:"environment" json:"environment"`
	ClientID       string        `yaml:"client_id" json:"client_id"`
	RedirectTarget string        `yaml:"redirect_uri" json:"redirect_uri"`
	AssertionTTL   time.Duration `yaml:"assertion_ttl" json:"assertion_ttl"`
	// VerifyTimeout bounds a single verification round trip.
	VerifyTimeout time.Duration `yaml:"verify_timeout" json:"verify_timeout"`
	// DemoSigning selects the unsigned assertion stand-in. Refused in production.
	DemoSigning bool `yaml:"demo_signing" json:"demo_signing"`
	// BackendURL overrides the environment's backend base URL.
	BackendURL string `yaml:"backend_url" json:"backend_url,omitempty"`

	Server    ServerConfig    `yaml:"server" json:"server"`
	Replay    ReplayConfig    `yaml:"replay" json:"replay"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
}

// ServerConfig configures the backend HTTP service.
type ServerConfig struct {
	Port           string `yaml:"port" json:"port"`
	LogLevel       string `yaml:"log_level" json:"log_level"`
	RateLimitRPS   int    `yaml:"rate_limit_rps" json:"rate_limit_rps"`
	RateLimitBurst int    `yaml:"rate_limit_burst" json:"rate_limit_burst"`
}

// ReplayConfig selects the store that tracks live states, nonces and spent sign codes.
type ReplayConfig struct {
	Backend       string `yaml:"backend" json:"backend"` // "memory" | "redis" | "sqlite" | "postgres"
	RedisAddr     string `yaml:"redis_addr" json:"redis_addr"`
	RedisPassword string `yaml:"redis_password" json:"-"`
	RedisDB       int    `yaml:"redis_db" json:"redis_db"`
	DatabaseURL   string `yaml:"database_url" json:"-"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled" json:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure" json:"insecure"`
}

// Default returns a staging configuration with safe defaults and no client
// credentials.
func Default() *Config {
	return &Config{
		Environment:   EnvStaging,
		AssertionTTL:  DefaultAssertionTTL,
		VerifyTimeout: 30 * time.Second,
		Server: ServerConfig{
			Port:           "8080",
			LogLevel:       "INFO",
			RateLimitRPS:   20,
			RateLimitBurst: 40,
		},
		Replay: ReplayConfig{
			Backend:   "memory",
			RedisAddr: "localhost:6379",
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4317",
		},
	}
}

// Load loads configuration from environment variables on top of Default.
func Load() (*Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("SP_ENV"); v != "" {
		c.Environment = Environment(strings.ToLower(v))
	}
	if v := os.Getenv("SP_CLIENT_ID"); v != "" {
		c.ClientID = v
	}
	if v := os.Getenv("SP_REDIRECT_URI"); v != "" {
		c.RedirectTarget = v
	}
	if v := os.Getenv("SP_ASSERTION_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SP_ASSERTION_TTL: %w", err)
		}
		c.AssertionTTL = d
	}
	if v := os.Getenv("SP_VERIFY_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SP_VERIFY_TIMEOUT: %w", err)
		}
		c.VerifyTimeout = d
	}
	if v := os.Getenv("SP_BACKEND_URL"); v != "" {
		c.BackendURL = v
	}
	if v := os.Getenv("SP_DEMO_SIGNING"); v != "" {
		c.DemoSigning = v == "true" || v == "1"
	}
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Server.LogLevel = strings.ToUpper(v)
	}
	if v := os.Getenv("REPLAY_BACKEND"); v != "" {
		c.Replay.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Replay.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Replay.RedisPassword = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REDIS_DB: %w", err)
		}
		c.Replay.RedisDB = n
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Replay.DatabaseURL = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.OTLPEndpoint = v
		c.Telemetry.Enabled = true
	}
	return nil
}

// Endpoints returns the fixed endpoints of the configured environment,
// with BackendURL applied when set.
func (c *Config) Endpoints() (Endpoints, error) {
	ep, err := c.Environment.Endpoints()
	if err != nil {
		return Endpoints{}, err
	}
	if c.BackendURL != "" {
		ep.BackendBaseURL = strings.TrimRight(c.BackendURL, "/")
	}
	return ep, nil
}

// Validate checks the configuration before any session starts.
// Known placeholder values are reported as warnings; structurally invalid
// values return an error wrapping ErrInvalidConfiguration.
func (c *Config) Validate() (warnings []string, err error) {
	if !c.Environment.Valid() {
		return nil, fmt.Errorf("%w: unknown environment %q (want %q or %q)",
			ErrInvalidConfiguration, c.Environment, EnvStaging, EnvProduction)
	}

	clientID := strings.TrimSpace(c.ClientID)
	if clientID == "" {
		return nil, fmt.Errorf("%w: client id is required", ErrInvalidConfiguration)
	}
	if isPlaceholder(clientID) {
		warnings = append(warnings, fmt.Sprintf("client id %q looks like a placeholder", clientID))
	}

	redirectWarnings, err := validateRedirect(c.RedirectTarget)
	if err != nil {
		return nil, err
	}
	warnings = append(warnings, redirectWarnings...)

	if c.AssertionTTL <= 0 {
		return nil, fmt.Errorf("%w: assertion ttl must be positive", ErrInvalidConfiguration)
	}
	if c.DemoSigning && c.Environment == EnvProduction {
		return nil, fmt.Errorf("%w: demo signing is not allowed in production", ErrInvalidConfiguration)
	}
	if c.DemoSigning {
		warnings = append(warnings, "demo signing enabled: assertions are unsigned and not verifiable")
	}
	return warnings, nil
}

func validateRedirect(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: redirect target is required", ErrInvalidConfiguration)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: redirect target: %v", ErrInvalidConfiguration, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("%w: redirect target %q is not an absolute URL", ErrInvalidConfiguration, raw)
	}
	if u.Scheme != "https" {
		return nil, fmt.Errorf("%w: redirect target scheme %q is not https", ErrInvalidConfiguration, u.Scheme)
	}

	var warnings []string
	if isPlaceholderHost(u.Hostname()) {
		warnings = append(warnings, fmt.Sprintf("redirect target host %q looks like a placeholder", u.Hostname()))
	}
	return warnings, nil
}

var placeholderClientIDs = map[string]bool{
	"your-client-id":     true,
	"your_client_id":     true,
	"client-id":          true,
	"changeme":           true,
	"demo-client":        true,
	"test-client-id":     true,
	"<client-id>":        true,
	"replace-with-yours": true,
}

func isPlaceholder(v string) bool {
	return placeholderClientIDs[strings.ToLower(v)]
}

func isPlaceholderHost(host string) bool {
	host = strings.ToLower(host)
	switch {
	case host == "localhost", host == "127.0.0.1":
		return true
	case host == "example.com", strings.HasSuffix(host, ".example.com"):
		return true
	case strings.HasSuffix(host, ".example"), strings.HasSuffix(host, ".test"):
		return true
	case strings.Contains(host, "your-domain"), strings.Contains(host, "yourdomain"):
		return true
	}
	return false
}
