package assertion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/girichandu/sp-transaction-signing/pkg/transaction"
	"github.com/girichandu/sp-transaction-signing/pkg/util/resiliency"
)

// IssuePath is the backend route that signs assertions.
const IssuePath = "/v1/assertions"

// IssueRequest is the body of POST /v1/assertions.
type IssueRequest struct {
	TransactionID string  `json:"transactionId"`
	Instructions  string  `json:"instructions"`
	ContentHash   string  `json:"contentHash"`
	SubjectID     *string `json:"subjectId"`
	Nonce         string  `json:"nonce"`
	State         string  `json:"state"`
	ClientID      string  `json:"clientId"`
}

// Descriptor returns the transaction part of the request.
func (r IssueRequest) Descriptor() transaction.Descriptor {
	return transaction.Descriptor{
		TransactionID: r.TransactionID,
		Instructions:  r.Instructions,
		ContentHash:   r.ContentHash,
		SubjectID:     r.SubjectID,
	}
}

// IssueResponse is returned by POST /v1/assertions.
type IssueResponse struct {
	Assertion string    `json:"assertion"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// RemoteBuilder asks the backend to sign the assertion. This is the
// production client-side Builder.
type RemoteBuilder struct {
	baseURL string
	client  *resiliency.EnhancedClient
}

// NewRemoteBuilder creates a builder that calls baseURL + IssuePath.
func NewRemoteBuilder(baseURL string, client *resiliency.EnhancedClient) *RemoteBuilder {
	if client == nil {
		client = resiliency.NewEnhancedClient(resiliency.WithMaxRetries(0))
	}
	return &RemoteBuilder{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (b *RemoteBuilder) Build(ctx context.Context, req Request) (string, error) {
	if err := req.Descriptor.Verify(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrConstruction, err)
	}

	body, err := json.Marshal(IssueRequest{
		TransactionID: req.Descriptor.TransactionID,
		Instructions:  req.Descriptor.Instructions,
		ContentHash:   req.Descriptor.ContentHash,
		SubjectID:     req.Descriptor.SubjectID,
		Nonce:         req.Nonce,
		State:         req.State,
		ClientID:      req.ClientID,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrConstruction, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+IssuePath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrConstruction, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: backend: %v", ErrConstruction, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("%w: backend status %d: %s", ErrConstruction, resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var out IssueResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode backend response: %v", ErrConstruction, err)
	}
	if err := ValidateFormat(out.Assertion); err != nil {
		return "", fmt.Errorf("%w: %v", ErrConstruction, err)
	}
	return out.Assertion, nil
}
