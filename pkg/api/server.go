package api

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/girichandu/sp-transaction-signing/pkg/assertion"
	"github.com/girichandu/sp-transaction-signing/pkg/config"
	"github.com/girichandu/sp-transaction-signing/pkg/observability"
	"github.com/girichandu/sp-transaction-signing/pkg/replay"
	"github.com/girichandu/sp-transaction-signing/pkg/transaction"
	"github.com/girichandu/sp-transaction-signing/pkg/verify"
)

const (
	maxBodyBytes = 64 << 10
	// minCorrelatorLen matches the generator's 32 random bytes, base64url encoded.
	minCorrelatorLen = 43
)

// Binding ties a nonce to the session and transaction it was issued for.
type Binding struct {
	State         string    `json:"state"`
	ClientID      string    `json:"clientId"`
	TransactionID string    `json:"transactionId"`
	ContentHash   string    `json:"contentHash"`
	ExpiresAt     time.Time `json:"exp"`
}

// Server serves the signing backend routes.
type Server struct {
	cfg      *config.Config
	keys     assertion.KeySet
	builder  *assertion.KeySetBuilder
	store    replay.Store
	provider verify.Provider
	obs      *observability.Provider
	logger   *slog.Logger
	limiter  *RateLimiter
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithServerObservability traces every route through p.
func WithServerObservability(p *observability.Provider) ServerOption {
	return func(s *Server) { s.obs = p }
}

// WithBuilderClock overrides the assertion clock (tests).
func WithBuilderClock(clock func() time.Time) ServerOption {
	return func(s *Server) { s.builder.WithClock(clock) }
}

// NewServer creates the backend. keys sign assertions; store holds nonce
// bindings and spent sign codes; provider redeems codes.
func NewServer(cfg *config.Config, keys assertion.KeySet, store replay.Store, provider verify.Provider, opts ...ServerOption) *Server {
	s := &Server{
		cfg:      cfg,
		keys:     keys,
		builder:  assertion.NewKeySetBuilder(keys),
		store:    store,
		provider: provider,
		obs:      observability.Noop(),
		logger:   slog.Default().With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.Server.RateLimitRPS > 0 {
		s.limiter = NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
	}
	return s
}

// Close releases background resources.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Close()
	}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST "+assertion.IssuePath, s.obs.HTTPMiddleware(assertion.IssuePath, http.HandlerFunc(s.handleIssue)))
	mux.Handle("POST "+verify.VerifyPath, s.obs.HTTPMiddleware(verify.VerifyPath, http.HandlerFunc(s.handleVerify)))
	mux.HandleFunc("GET /.well-known/jwks.json", s.handleJWKS)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	h = LoggingMiddleware(s.logger, h)
	h = RecoveryMiddleware(s.logger, h)
	return RequestIDMiddleware(h)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		WriteBadRequest(w, r, "request body is not valid JSON for this endpoint")
		return false
	}
	return true
}

func (s *Server) clientMatches(clientID string) bool {
	return subtle.ConstantTimeCompare([]byte(clientID), []byte(s.cfg.ClientID)) == 1
}

func (s *Server) handleIssue(w http.ResponseWriter, r *http.Request) {
	var req assertion.IssueRequest
	if !decode(w, r, &req) {
		return
	}
	if !s.clientMatches(req.ClientID) {
		WriteForbidden(w, r, "unknown client")
		return
	}
	if len(req.State) < minCorrelatorLen || len(req.Nonce) < minCorrelatorLen || req.State == req.Nonce {
		WriteBadRequest(w, r, "state and nonce must be distinct random values")
		return
	}

	d := req.Descriptor()
	if err := d.Verify(); err != nil {
		if errors.Is(err, transaction.ErrIntegrity) {
			WriteBadRequest(w, r, "content hash does not match the transaction")
			return
		}
		WriteBadRequest(w, r, err.Error())
		return
	}

	endpoints, err := s.cfg.Endpoints()
	if err != nil {
		WriteInternal(w, r, s.logger, err)
		return
	}
	token, err := s.builder.Build(r.Context(), assertion.Request{
		Descriptor: d,
		ClientID:   s.cfg.ClientID,
		Audience:   endpoints.SessionAudience,
		Nonce:      req.Nonce,
		State:      req.State,
		TTL:        s.cfg.AssertionTTL,
	})
	if err != nil {
		WriteInternal(w, r, s.logger, err)
		return
	}
	exp, err := assertion.Expiry(token)
	if err != nil {
		WriteInternal(w, r, s.logger, err)
		return
	}
	if header, err := assertion.Header(token); err == nil {
		alg, _ := header["alg"].(string)
		kid, _ := header["kid"].(string)
		observability.AddSpanEvent(r.Context(), "assertion.signed", observability.CryptoOperation(alg, kid)...)
	}

	binding, err := json.Marshal(Binding{
		State:         req.State,
		ClientID:      req.ClientID,
		TransactionID: d.TransactionID,
		ContentHash:   d.ContentHash,
		ExpiresAt:     exp,
	})
	if err != nil {
		WriteInternal(w, r, s.logger, err)
		return
	}
	ok, err := s.store.Claim(r.Context(), replay.PrefixBinding+req.Nonce, binding, s.cfg.AssertionTTL)
	if err != nil {
		WriteInternal(w, r, s.logger, fmt.Errorf("store binding: %w", err))
		return
	}
	if !ok {
		WriteConflict(w, r, "nonce is already bound to a session")
		return
	}

	s.logger.InfoContext(r.Context(), "assertion issued",
		"transaction_id", d.TransactionID,
		"expires_at", exp,
		"request_id", GetRequestID(r.Context()),
	)
	writeJSON(w, http.StatusOK, assertion.IssueResponse{Assertion: token, ExpiresAt: exp})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verify.Request
	if !decode(w, r, &req) {
		return
	}
	if req.Code == "" || req.Nonce == "" || req.State == "" {
		WriteBadRequest(w, r, "code, nonce and state are required")
		return
	}
	if !s.clientMatches(req.ClientID) {
		WriteForbidden(w, r, "unknown client")
		return
	}

	binding, err := s.binding(r.Context(), req.Nonce)
	if errors.Is(err, replay.ErrNotFound) {
		WriteForbidden(w, r, "nonce was not issued by this service or has expired")
		return
	}
	if err != nil {
		WriteInternal(w, r, s.logger, err)
		return
	}
	if subtle.ConstantTimeCompare([]byte(binding.State), []byte(req.State)) != 1 || binding.ClientID != req.ClientID {
		s.logger.WarnContext(r.Context(), "security: verification with mismatched session binding",
			"transaction_id", binding.TransactionID,
			"request_id", GetRequestID(r.Context()),
		)
		WriteForbidden(w, r, "nonce was not issued for this state")
		return
	}

	ok, err := s.store.Claim(r.Context(), replay.PrefixCode+req.Code, []byte(req.Nonce), s.cfg.AssertionTTL)
	if err != nil {
		WriteInternal(w, r, s.logger, fmt.Errorf("claim code: %w", err))
		return
	}
	if !ok {
		WriteConflict(w, r, "sign code was already redeemed")
		return
	}

	sig, err := s.provider.Redeem(r.Context(), verify.Redemption{
		Code:          req.Code,
		ClientID:      req.ClientID,
		Nonce:         req.Nonce,
		TransactionID: binding.TransactionID,
		ContentHash:   binding.ContentHash,
	})
	if err != nil {
		if !errors.Is(err, verify.ErrCodeRejected) && !errors.Is(err, verify.ErrVerificationFailed) {
			// never redeemed; the provider stays the authority on single use
			if derr := s.store.Delete(r.Context(), replay.PrefixCode+req.Code); derr != nil {
				s.logger.WarnContext(r.Context(), "failed to release sign code", "error", derr)
			}
		}
		s.writeRedeemError(w, r, err)
		return
	}

	observability.AddSpanEvent(r.Context(), "signature.redeemed", observability.CryptoOperation(sig.Algorithm, "")...)

	sig.ReceiptHash, err = receiptHash(sig, binding, req.Nonce)
	if err != nil {
		WriteInternal(w, r, s.logger, err)
		return
	}
	if err := s.store.Delete(r.Context(), replay.PrefixBinding+req.Nonce); err != nil {
		s.logger.WarnContext(r.Context(), "failed to drop nonce binding", "error", err)
	}

	s.logger.InfoContext(r.Context(), "signature verified",
		"transaction_id", sig.TransactionID,
		"algorithm", sig.Algorithm,
		"request_id", GetRequestID(r.Context()),
	)
	writeJSON(w, http.StatusOK, sig)
}

func (s *Server) writeRedeemError(w http.ResponseWriter, r *http.Request, err error) {
	var netErr *verify.NetworkError
	switch {
	case errors.Is(err, verify.ErrCodeRejected), errors.Is(err, verify.ErrVerificationFailed):
		s.logger.InfoContext(r.Context(), "sign code rejected", "error", err)
		WriteForbidden(w, r, "sign code could not be verified")
	case errors.As(err, &netErr):
		s.logger.WarnContext(r.Context(), "identity provider unavailable", "error", err)
		WriteBadGateway(w, r, "identity provider unavailable")
	default:
		s.logger.ErrorContext(r.Context(), "redeem failed", "error", err)
		WriteBadGateway(w, r, "identity provider error")
	}
}

func (s *Server) binding(ctx context.Context, nonce string) (*Binding, error) {
	raw, err := s.store.Get(ctx, replay.PrefixBinding+nonce)
	if err != nil {
		return nil, err
	}
	var b Binding
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("corrupt binding: %w", err)
	}
	return &b, nil
}

func (s *Server) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, s.keys.JWKS())
}

// receiptHash is the SHA-256 of the RFC 8785 canonical form of the
// verification receipt.
func receiptHash(sig *verify.Signature, b *Binding, nonce string) (string, error) {
	raw, err := json.Marshal(struct {
		Signature     string    `json:"signature"`
		Algorithm     string    `json:"algorithm"`
		Timestamp     time.Time `json:"timestamp"`
		TransactionID string    `json:"transactionId"`
		ContentHash   string    `json:"contentHash"`
		Nonce         string    `json:"nonce"`
	}{sig.Signature, sig.Algorithm, sig.Timestamp, sig.TransactionID, b.ContentHash, nonce})
	if err != nil {
		return "", fmt.Errorf("marshal receipt: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize receipt: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
