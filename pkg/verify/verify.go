// Package verify exchanges a single-use sign code for a confirmed signature.
//
// Clients use HTTPVerifier against the backend. The backend redeems the code
// at the identity provider through a Provider.
package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/girichandu/sp-transaction-signing/pkg/util/resiliency"
)

// VerifyPath is the backend route that redeems sign codes.
const VerifyPath = "/v1/signatures/verify"

// ErrVerificationFailed is returned when the code was redeemed but the
// result does not confirm the requested transaction.
var ErrVerificationFailed = errors.New("signature verification failed")

// Request binds a sign code to the session that produced it.
type Request struct {
	Code     string `json:"code"`
	ClientID string `json:"clientId"`
	Nonce    string `json:"nonce"`
	State    string `json:"state"`
	// TransactionID is checked against the response, never sent.
	TransactionID string `json:"-"`
}

// Signature is a confirmed signature over the transaction.
type Signature struct {
	Signature     string    `json:"signature"`
	Algorithm     string    `json:"algorithm"`
	Timestamp     time.Time `json:"timestamp"`
	TransactionID string    `json:"transactionId"`
	ReceiptHash   string    `json:"receiptHash,omitempty"`
}

// Verifier redeems a sign code.
type Verifier interface {
	Verify(ctx context.Context, req Request) (*Signature, error)
}

// NetworkError reports a transport failure or a non-200 response.
type NetworkError struct {
	Status  int // zero for transport failures
	Message string
}

func (e *NetworkError) Error() string {
	if e.Status == 0 {
		return "network error: " + e.Message
	}
	return fmt.Sprintf("network error: status %d: %s", e.Status, e.Message)
}

// HTTPVerifier calls the backend verification endpoint. It never retries.
type HTTPVerifier struct {
	baseURL string
	client  *resiliency.EnhancedClient
}

// NewHTTPVerifier creates a verifier for baseURL + VerifyPath. A nil client
// gets a resiliency client with retries disabled.
func NewHTTPVerifier(baseURL string, client *resiliency.EnhancedClient) *HTTPVerifier {
	if client == nil {
		client = resiliency.NewEnhancedClient(resiliency.WithMaxRetries(0))
	}
	return &HTTPVerifier{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (v *HTTPVerifier) Verify(ctx context.Context, req Request) (*Signature, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal verification request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+VerifyPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &NetworkError{Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &NetworkError{Status: resp.StatusCode, Message: readErrorMessage(resp)}
	}

	var sig Signature
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&sig); err != nil {
		return nil, fmt.Errorf("%w: undecodable response: %v", ErrVerificationFailed, err)
	}
	if err := sig.check(req.TransactionID); err != nil {
		return nil, err
	}
	return &sig, nil
}

func (s *Signature) check(transactionID string) error {
	if s.Signature == "" {
		return fmt.Errorf("%w: empty signature", ErrVerificationFailed)
	}
	if transactionID != "" && s.TransactionID != transactionID {
		return fmt.Errorf("%w: signature is for transaction %q", ErrVerificationFailed, s.TransactionID)
	}
	return nil
}

// readErrorMessage prefers the detail of an RFC 7807 body.
func readErrorMessage(resp *http.Response) string {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var problem struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}
	if json.Unmarshal(raw, &problem) == nil {
		if problem.Detail != "" {
			return problem.Detail
		}
		if problem.Title != "" {
			return problem.Title
		}
	}
	if msg := strings.TrimSpace(string(raw)); msg != "" {
		return msg
	}
	return http.StatusText(resp.StatusCode)
}
