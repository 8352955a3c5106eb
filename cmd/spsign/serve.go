package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/girichandu/sp-transaction-signing/pkg/api"
	"github.com/girichandu/sp-transaction-signing/pkg/assertion"
	"github.com/girichandu/sp-transaction-signing/pkg/config"
	"github.com/girichandu/sp-transaction-signing/pkg/observability"
	"github.com/girichandu/sp-transaction-signing/pkg/replay"
	"github.com/girichandu/sp-transaction-signing/pkg/util/resiliency"
	"github.com/girichandu/sp-transaction-signing/pkg/verify"
)

const purgeInterval = time.Minute

func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		configPath  string
		logFormat   string
		keyFile     string
		providerURL string
	)
	cmd.StringVar(&configPath, "config", "", "Path to a YAML config file")
	cmd.StringVar(&logFormat, "log-format", "json", "Log format: json or text")
	cmd.StringVar(&keyFile, "signing-key", os.Getenv("SP_SIGNING_KEY_FILE"), "PEM encoded P-256 assertion signing key")
	cmd.StringVar(&providerURL, "provider-url", os.Getenv("SP_PROVIDER_URL"), "Identity provider base URL (empty uses the demo provider)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	logger := newLogger(stderr, cfg.Server.LogLevel, logFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, keyFile, providerURL, logger); err != nil {
		logger.Error("server stopped", "error", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "spsign: shut down cleanly")
	return 0
}

func serve(ctx context.Context, cfg *config.Config, keyFile, providerURL string, logger *slog.Logger) error {
	warnings, err := cfg.Validate()
	if err != nil {
		return err
	}
	for _, w := range warnings {
		logger.Warn("configuration warning", "warning", w)
	}

	obs, err := newObservability(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	keys, err := loadKeys(keyFile, logger)
	if err != nil {
		return err
	}
	store, closeStore, err := openReplayStore(ctx, cfg.Replay, logger)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	provider, err := newProvider(cfg, providerURL, logger)
	if err != nil {
		return err
	}

	srv := api.NewServer(cfg, keys, store, provider,
		api.WithServerLogger(logger.With("component", "api")),
		api.WithServerObservability(obs),
	)
	defer srv.Close()

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.VerifyTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("signing backend listening", "addr", httpServer.Addr, "environment", cfg.Environment, "kid", keys.CurrentKeyID())
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func newObservability(ctx context.Context, cfg *config.Config) (*observability.Provider, error) {
	if !cfg.Telemetry.Enabled {
		return observability.Noop(), nil
	}
	oc := observability.DefaultConfig()
	oc.Enabled = true
	oc.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	oc.Insecure = cfg.Telemetry.Insecure
	oc.Environment = string(cfg.Environment)
	oc.ServiceVersion = version
	return observability.New(ctx, oc)
}

func loadKeys(path string, logger *slog.Logger) (*assertion.ECKeySet, error) {
	if path == "" {
		logger.Warn("no signing key configured; generated an ephemeral key")
		return assertion.NewECKeySet()
	}
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	kid := filepath.Base(path)
	return assertion.NewECKeySetFromPEM(kid, pemBytes)
}

func newProvider(cfg *config.Config, providerURL string, logger *slog.Logger) (verify.Provider, error) {
	if providerURL == "" {
		if cfg.Environment == config.EnvProduction {
			return nil, fmt.Errorf("%w: provider url is required in production", config.ErrInvalidConfiguration)
		}
		logger.Warn("no identity provider configured; using the demo provider")
		return verify.NewDemoProvider()
	}
	client := resiliency.NewEnhancedClient(
		resiliency.WithMaxRetries(0),
		resiliency.WithTimeout(cfg.VerifyTimeout),
		resiliency.WithBreaker(resiliency.NewCircuitBreaker("provider", 5, 30*time.Second)),
	)
	return verify.NewProviderClient(providerURL, client), nil
}

// openReplayStore returns the configured store and a function releasing it.
func openReplayStore(ctx context.Context, rc config.ReplayConfig, logger *slog.Logger) (replay.Store, func() error, error) {
	noop := func() error { return nil }

	switch rc.Backend {
	case "", "memory":
		return replay.NewMemoryStore(), noop, nil

	case "redis":
		rs := replay.NewRedisStore(rc.RedisAddr, rc.RedisPassword, rc.RedisDB)
		if err := rs.Ping(ctx); err != nil {
			_ = rs.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		logger.Info("replay store: redis", "addr", rc.RedisAddr)
		return rs, rs.Close, nil

	case "sqlite", "postgres":
		driver, dsn, dialect := "sqlite", rc.DatabaseURL, replay.DialectSQLite
		if rc.Backend == "postgres" {
			driver, dialect = "postgres", replay.DialectPostgres
			if dsn == "" {
				return nil, nil, fmt.Errorf("%w: DATABASE_URL is required for postgres", config.ErrInvalidConfiguration)
			}
		} else if dsn == "" {
			if err := os.MkdirAll("data", 0o750); err != nil {
				return nil, nil, fmt.Errorf("create data dir: %w", err)
			}
			dsn = filepath.Join("data", "spsign.db")
		}

		db, err := sql.Open(driver, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("open %s: %w", driver, err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("%s ping: %w", driver, err)
		}
		ss, err := replay.NewSQLStore(ctx, db, dialect)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		logger.Info("replay store: sql", "dialect", dialect)

		purgeCtx, cancel := context.WithCancel(ctx)
		go purgeLoop(purgeCtx, ss, logger)
		return ss, func() error {
			cancel()
			return db.Close()
		}, nil

	default:
		return nil, nil, fmt.Errorf("%w: unknown replay backend %q", config.ErrInvalidConfiguration, rc.Backend)
	}
}

func purgeLoop(ctx context.Context, s *replay.SQLStore, logger *slog.Logger) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Purge(ctx)
			if err != nil {
				logger.Warn("replay purge failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("replay purge", "removed", n)
			}
		}
	}
}
