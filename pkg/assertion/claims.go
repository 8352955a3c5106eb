// Package assertion builds and checks the signed, time-bound JWT that
// describes a transaction to the signing provider.
//
// Signing with a real key (KeySetBuilder) belongs in the backend. Clients use
// RemoteBuilder, which asks the backend to sign. DemoBuilder produces an
// unsigned stand-in for demonstrations and is never selected implicitly.
package assertion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/girichandu/sp-transaction-signing/pkg/transaction"
)

// ErrConstruction is wrapped by every failure to produce an assertion.
var ErrConstruction = errors.New("assertion construction failed")

// Claims is the assertion payload.
type Claims struct {
	jwt.RegisteredClaims
	TransactionID string  `json:"transaction_id"`
	Instructions  string  `json:"instructions"`
	ContentHash   string  `json:"content_hash"`
	SubjectID     *string `json:"subject_id"`
	Nonce         string  `json:"nonce"`
}

// Request carries everything needed to build one assertion.
type Request struct {
	Descriptor transaction.Descriptor
	ClientID   string
	Audience   string
	Nonce      string
	// State is not part of the payload; the backend binds it to Nonce.
	State string
	TTL   time.Duration
}

// Builder turns a Request into a compact three-segment token.
type Builder interface {
	Build(ctx context.Context, req Request) (string, error)
}

// NewClaims builds the payload for req issued at now.
func NewClaims(req Request, now time.Time) (*Claims, error) {
	if err := req.Descriptor.Verify(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConstruction, err)
	}
	if req.ClientID == "" {
		return nil, fmt.Errorf("%w: client id is required", ErrConstruction)
	}
	if req.Audience == "" {
		return nil, fmt.Errorf("%w: audience is required", ErrConstruction)
	}
	if req.Nonce == "" {
		return nil, fmt.Errorf("%w: nonce is required", ErrConstruction)
	}
	if req.TTL <= 0 {
		return nil, fmt.Errorf("%w: ttl must be positive", ErrConstruction)
	}

	now = now.UTC()
	return &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    req.ClientID,
			Audience:  jwt.ClaimStrings{req.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(req.TTL)),
		},
		TransactionID: req.Descriptor.TransactionID,
		Instructions:  req.Descriptor.Instructions,
		ContentHash:   req.Descriptor.ContentHash,
		SubjectID:     req.Descriptor.SubjectID,
		Nonce:         req.Nonce,
	}, nil
}
