package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/girichandu/sp-transaction-signing/pkg/api"
	"github.com/girichandu/sp-transaction-signing/pkg/assertion"
	"github.com/girichandu/sp-transaction-signing/pkg/config"
	"github.com/girichandu/sp-transaction-signing/pkg/replay"
	"github.com/girichandu/sp-transaction-signing/pkg/session"
	"github.com/girichandu/sp-transaction-signing/pkg/transaction"
	"github.com/girichandu/sp-transaction-signing/pkg/verify"
	"github.com/girichandu/sp-transaction-signing/pkg/widget"
)

// Used when the loaded configuration leaves them empty. Both are reported
// as placeholders by Validate.
const (
	defaultSignClientID = "demo-client"
	defaultSignRedirect = "https://app.example.com/sign/callback"
)

type signOptions struct {
	configPath   string
	logFormat    string
	simulate     string
	delay        time.Duration
	cancelAfter  time.Duration
	ttl          time.Duration
	demoSigning  bool
	backend      string
	txID         string
	instructions string
	errorID      string
	errorMessage string
}

// signResult is printed as JSON when the attempt ends.
type signResult struct {
	TransactionID string `json:"transactionId"`
	Phase         string `json:"phase"`
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	Kind          string `json:"kind,omitempty"`
	Detail        string `json:"detail,omitempty"`
	Signature     string `json:"signature,omitempty"`
	Algorithm     string `json:"algorithm,omitempty"`
	ReceiptHash   string `json:"receiptHash,omitempty"`
}

func runSignCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("sign", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var o signOptions
	cmd.StringVar(&o.configPath, "config", "", "Path to a YAML config file")
	cmd.StringVar(&o.logFormat, "log-format", "text", "Log format: json or text")
	cmd.StringVar(&o.simulate, "simulate", "success", "Widget behavior: success, error, silence, stale-state, malformed-redirect")
	cmd.DurationVar(&o.delay, "delay", 200*time.Millisecond, "Simulated user response time")
	cmd.DurationVar(&o.cancelAfter, "cancel-after", 0, "Cancel the attempt after this long (0 disables)")
	cmd.DurationVar(&o.ttl, "ttl", 0, "Override the assertion validity window")
	cmd.BoolVar(&o.demoSigning, "demo-signing", false, "Use unsigned demo assertions and the demo provider")
	cmd.StringVar(&o.backend, "backend", "", "Signing backend URL (empty starts one in-process)")
	cmd.StringVar(&o.txID, "tx", "", "Transaction ID (default: random)")
	cmd.StringVar(&o.instructions, "instructions", "Transfer SGD 100.00 to account 123-456-789", "Instructions shown to the user")
	cmd.StringVar(&o.errorID, "error-id", "NETWORK_ERROR", "Error ID reported with --simulate error")
	cmd.StringVar(&o.errorMessage, "error-message", "simulated failure", "Error message reported with --simulate error")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	behavior := widget.Behavior(o.simulate)
	switch behavior {
	case widget.BehaviorApprove, widget.BehaviorReject, widget.BehaviorSilent,
		widget.BehaviorStaleState, widget.BehaviorMalformedRedirect:
	default:
		_, _ = fmt.Fprintf(stderr, "Error: unknown --simulate value %q\n", o.simulate)
		return 2
	}

	cfg, err := loadConfig(o.configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if cfg.ClientID == "" {
		cfg.ClientID = defaultSignClientID
	}
	if cfg.RedirectTarget == "" {
		cfg.RedirectTarget = defaultSignRedirect
	}
	if o.ttl > 0 {
		cfg.AssertionTTL = o.ttl
	}
	if o.demoSigning {
		cfg.DemoSigning = true
	}
	logger := newLogger(stderr, cfg.Server.LogLevel, o.logFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sim := &widget.Simulator{
		Behavior: behavior,
		Delay:    o.delay,
		ErrorID:  o.errorID,
		Message:  o.errorMessage,
	}
	result, err := sign(ctx, cfg, o, sim, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(result)
	if !result.Success {
		return 1
	}
	return 0
}

func sign(ctx context.Context, cfg *config.Config, o signOptions, w widget.Widget, logger *slog.Logger) (*signResult, error) {
	txID := o.txID
	if txID == "" {
		txID = "TXN-" + uuid.NewString()
	}
	d, err := transaction.New(txID, o.instructions, nil)
	if err != nil {
		return nil, err
	}

	var (
		builder  assertion.Builder
		verifier verify.Verifier
	)
	if cfg.DemoSigning {
		provider, err := verify.NewDemoProvider()
		if err != nil {
			return nil, err
		}
		builder = assertion.NewDemoBuilder()
		verifier = &demoVerifier{provider: provider, contentHash: d.ContentHash}
	} else {
		backendURL := o.backend
		if backendURL == "" {
			local, shutdown, err := startLocalBackend(cfg, logger)
			if err != nil {
				return nil, err
			}
			defer shutdown()
			backendURL = local
		}
		cfg.BackendURL = backendURL
		builder = assertion.NewRemoteBuilder(backendURL, nil)
		verifier = verify.NewHTTPVerifier(backendURL, nil)
	}

	generator := session.NewGenerator(cfg, builder,
		session.WithReplayStore(replay.NewMemoryStore()),
		session.WithGeneratorLogger(logger.With("component", "params")),
	)
	machine := session.NewMachine(cfg, generator, w, verifier,
		session.WithLogger(logger.With("component", "session")),
	)

	attempt, err := machine.Start(ctx, *d)
	var sessionErr *session.Error
	if err != nil && !errors.As(err, &sessionErr) {
		return nil, err
	}
	if o.cancelAfter > 0 {
		timer := time.AfterFunc(o.cancelAfter, attempt.Cancel)
		defer timer.Stop()
	}

	outcome, err := attempt.Wait(context.Background())
	if err != nil {
		return nil, err
	}
	return newSignResult(txID, outcome), nil
}

func newSignResult(txID string, o session.Outcome) *signResult {
	r := &signResult{
		TransactionID: txID,
		Phase:         string(o.Phase),
		Success:       o.Success,
		Message:       o.Message,
	}
	if o.Failure != nil {
		r.Kind = string(o.Failure.Kind)
		r.Detail = o.Failure.Detail
	}
	if o.Signature != nil {
		r.Signature = o.Signature.Signature
		r.Algorithm = o.Signature.Algorithm
		r.ReceiptHash = o.Signature.ReceiptHash
	}
	return r
}

// startLocalBackend serves the signing backend on a loopback port with an
// ephemeral key and the demo provider.
func startLocalBackend(cfg *config.Config, logger *slog.Logger) (string, func(), error) {
	keys, err := assertion.NewECKeySet()
	if err != nil {
		return "", nil, err
	}
	provider, err := verify.NewDemoProvider()
	if err != nil {
		return "", nil, err
	}

	backendCfg := *cfg
	backendCfg.Server.RateLimitRPS = 0
	srv := api.NewServer(&backendCfg, keys, replay.NewMemoryStore(), provider,
		api.WithServerLogger(logger.With("component", "api")),
	)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		srv.Close()
		return "", nil, fmt.Errorf("listen: %w", err)
	}
	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("local backend stopped", "error", err)
		}
	}()

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctx)
		srv.Close()
	}
	return "http://" + ln.Addr().String(), shutdown, nil
}

// demoVerifier redeems codes directly with the demo provider. Demo
// assertions are unsigned, so there is no backend binding to check.
type demoVerifier struct {
	provider    *verify.DemoProvider
	contentHash string
}

func (v *demoVerifier) Verify(ctx context.Context, req verify.Request) (*verify.Signature, error) {
	return v.provider.Redeem(ctx, verify.Redemption{
		Code:          req.Code,
		ClientID:      req.ClientID,
		Nonce:         req.Nonce,
		TransactionID: req.TransactionID,
		ContentHash:   v.contentHash,
	})
}
