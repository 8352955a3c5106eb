package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/girichandu/sp-transaction-signing/pkg/assertion"
	"github.com/girichandu/sp-transaction-signing/pkg/config"
	"github.com/girichandu/sp-transaction-signing/pkg/replay"
	"github.com/girichandu/sp-transaction-signing/pkg/transaction"
)

// tokenBytes of randomness back every state and nonce (256 bits, 43 chars).
const tokenBytes = 32

const setupFailed = "signing setup failed"

// Parameters are the per-attempt correlators handed to the widget.
type Parameters struct {
	State     string
	Nonce     string
	Assertion string
	ExpiresAt time.Time
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithRandom replaces crypto/rand as the entropy source.
func WithRandom(r io.Reader) GeneratorOption {
	return func(g *Generator) { g.random = r }
}

// WithReplayStore reserves every state and nonce for the assertion window.
func WithReplayStore(s replay.Store) GeneratorOption {
	return func(g *Generator) { g.store = s }
}

// WithGeneratorLogger sets the logger.
func WithGeneratorLogger(l *slog.Logger) GeneratorOption {
	return func(g *Generator) { g.logger = l }
}

// Generator produces fresh Parameters for one signing attempt.
type Generator struct {
	cfg     *config.Config
	builder assertion.Builder
	random  io.Reader
	store   replay.Store
	logger  *slog.Logger
}

// NewGenerator creates a generator that signs through builder.
func NewGenerator(cfg *config.Config, builder assertion.Builder, opts ...GeneratorOption) *Generator {
	g := &Generator{
		cfg:     cfg,
		builder: builder,
		random:  rand.Reader,
		logger:  slog.Default().With("component", "session.generator"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate returns Parameters for d or a KindAssertionConstructionFailed
// error. It never returns partial Parameters.
func (g *Generator) Generate(ctx context.Context, d transaction.Descriptor) (*Parameters, error) {
	if g.builder == nil {
		return nil, newError(KindAssertionConstructionFailed, setupFailed, errors.New("no assertion builder configured"))
	}
	endpoints, err := g.cfg.Endpoints()
	if err != nil {
		return nil, newError(KindAssertionConstructionFailed, setupFailed, err)
	}

	state, nonce, err := g.correlators()
	if err != nil {
		return nil, newError(KindAssertionConstructionFailed, setupFailed, err)
	}

	var claimed []string
	release := func() { g.release(ctx, claimed...) }

	if g.store != nil {
		for _, c := range [][2]string{{replay.PrefixState, state}, {replay.PrefixNonce, nonce}} {
			key := c[0] + c[1]
			ok, cerr := g.store.Claim(ctx, key, []byte(d.TransactionID), g.cfg.AssertionTTL)
			if cerr == nil && !ok {
				cerr = errors.New("correlator already live")
			}
			if cerr != nil {
				release()
				return nil, newError(KindAssertionConstructionFailed, setupFailed, fmt.Errorf("reserve %s: %w", c[0], cerr))
			}
			claimed = append(claimed, key)
		}
	}

	token, err := g.builder.Build(ctx, assertion.Request{
		Descriptor: d,
		ClientID:   g.cfg.ClientID,
		Audience:   endpoints.SessionAudience,
		Nonce:      nonce,
		State:      state,
		TTL:        g.cfg.AssertionTTL,
	})
	if err == nil {
		err = assertion.ValidateFormat(token)
	}
	var expiresAt time.Time
	if err == nil {
		expiresAt, err = assertion.Expiry(token)
	}
	if err != nil {
		release()
		return nil, newError(KindAssertionConstructionFailed, setupFailed, err)
	}

	return &Parameters{State: state, Nonce: nonce, Assertion: token, ExpiresAt: expiresAt}, nil
}

// Release frees the state and nonce reserved for p. It is used when an
// attempt ends before p ever reached the widget.
func (g *Generator) Release(ctx context.Context, p *Parameters) {
	if g.store == nil || p == nil {
		return
	}
	g.release(ctx, replay.PrefixState+p.State, replay.PrefixNonce+p.Nonce)
}

func (g *Generator) release(ctx context.Context, keys ...string) {
	for _, key := range keys {
		if err := g.store.Delete(context.WithoutCancel(ctx), key); err != nil {
			g.logger.WarnContext(ctx, "failed to release replay key", "error", err)
		}
	}
}

// correlators draws independent state and nonce values. They are never
// derived from each other; an equal pair is redrawn.
func (g *Generator) correlators() (string, string, error) {
	state, err := randomToken(g.random)
	if err != nil {
		return "", "", err
	}
	for range 3 {
		nonce, err := randomToken(g.random)
		if err != nil {
			return "", "", err
		}
		if nonce != state {
			return state, nonce, nil
		}
	}
	return "", "", errors.New("random source produced identical state and nonce")
}

func randomToken(r io.Reader) (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
