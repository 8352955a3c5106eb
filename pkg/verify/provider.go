package verify

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/girichandu/sp-transaction-signing/pkg/util/resiliency"
)

// ErrCodeRejected is returned when the provider refuses a sign code.
var ErrCodeRejected = errors.New("sign code rejected by provider")

// Redemption is what the backend presents to the identity provider.
type Redemption struct {
	Code          string
	ClientID      string
	Nonce         string
	TransactionID string
	ContentHash   string
}

// Provider redeems sign codes at the identity provider.
type Provider interface {
	Redeem(ctx context.Context, r Redemption) (*Signature, error)
}

// ProviderRedeemPath is the provider route that exchanges a sign code.
const ProviderRedeemPath = "/api/v1/signatures/redeem"

type providerRequest struct {
	Code     string `json:"code"`
	ClientID string `json:"client_id"`
	Nonce    string `json:"nonce"`
}

type providerResponse struct {
	Signature     string    `json:"signature"`
	Algorithm     string    `json:"algorithm"`
	Timestamp     time.Time `json:"timestamp"`
	TransactionID string    `json:"transaction_id"`
	ContentHash   string    `json:"content_hash"`
	Nonce         string    `json:"nonce"`
}

// ProviderClient redeems codes over HTTP.
type ProviderClient struct {
	baseURL string
	client  *resiliency.EnhancedClient
}

// NewProviderClient creates a client for baseURL + ProviderRedeemPath.
func NewProviderClient(baseURL string, client *resiliency.EnhancedClient) *ProviderClient {
	if client == nil {
		client = resiliency.NewEnhancedClient(resiliency.WithMaxRetries(0))
	}
	return &ProviderClient{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (c *ProviderClient) Redeem(ctx context.Context, r Redemption) (*Signature, error) {
	body, err := json.Marshal(providerRequest{Code: r.Code, ClientID: r.ClientID, Nonce: r.Nonce})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal redemption: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+ProviderRedeemPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &NetworkError{Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, fmt.Errorf("%w: status %d: %s", ErrCodeRejected, resp.StatusCode, readErrorMessage(resp))
	default:
		return nil, &NetworkError{Status: resp.StatusCode, Message: readErrorMessage(resp)}
	}

	var out providerResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: undecodable provider response: %v", ErrVerificationFailed, err)
	}
	if out.Nonce != "" && out.Nonce != r.Nonce {
		return nil, fmt.Errorf("%w: provider nonce does not match session", ErrVerificationFailed)
	}
	if out.ContentHash != "" && out.ContentHash != r.ContentHash {
		return nil, fmt.Errorf("%w: provider content hash does not match transaction", ErrVerificationFailed)
	}

	sig := &Signature{
		Signature:     out.Signature,
		Algorithm:     out.Algorithm,
		Timestamp:     out.Timestamp,
		TransactionID: out.TransactionID,
	}
	if err := sig.check(r.TransactionID); err != nil {
		return nil, err
	}
	return sig, nil
}

// DemoProvider stands in for the identity provider in demos. It signs the
// content hash with a process-local P-256 key and accepts every code once.
type DemoProvider struct {
	key   *ecdsa.PrivateKey
	clock func() time.Time
}

// NewDemoProvider generates a fresh demo signing key.
func NewDemoProvider() (*DemoProvider, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate demo key: %w", err)
	}
	return &DemoProvider{key: key, clock: time.Now}, nil
}

// WithClock overrides the clock for deterministic testing.
func (p *DemoProvider) WithClock(clock func() time.Time) *DemoProvider {
	p.clock = clock
	return p
}

func (p *DemoProvider) Redeem(_ context.Context, r Redemption) (*Signature, error) {
	if r.Code == "" {
		return nil, fmt.Errorf("%w: empty code", ErrCodeRejected)
	}
	raw, err := jwt.SigningMethodES256.Sign(r.ContentHash, p.key)
	if err != nil {
		return nil, fmt.Errorf("demo signing: %w", err)
	}
	return &Signature{
		Signature:     base64.RawURLEncoding.EncodeToString(raw),
		Algorithm:     jwt.SigningMethodES256.Alg(),
		Timestamp:     p.clock().UTC(),
		TransactionID: r.TransactionID,
	}, nil
}

// Check verifies a signature produced by Redeem over contentHash.
func (p *DemoProvider) Check(contentHash, signature string) error {
	raw, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	if err := jwt.SigningMethodES256.Verify(contentHash, raw, &p.key.PublicKey); err != nil {
		return fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	return nil
}
