package assertion

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// KeySetBuilder signs assertions with an in-process KeySet.
// It must only run inside the backend that holds the private key.
type KeySetBuilder struct {
	keys  KeySet
	clock func() time.Time
}

// NewKeySetBuilder creates a builder that signs with keys.
func NewKeySetBuilder(keys KeySet) *KeySetBuilder {
	return &KeySetBuilder{keys: keys, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (b *KeySetBuilder) WithClock(clock func() time.Time) *KeySetBuilder {
	b.clock = clock
	return b
}

func (b *KeySetBuilder) Build(ctx context.Context, req Request) (string, error) {
	if b.keys == nil {
		return "", fmt.Errorf("%w: no signing key configured", ErrConstruction)
	}
	claims, err := NewClaims(req, b.clock())
	if err != nil {
		return "", err
	}
	token, err := b.keys.Sign(ctx, claims)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrConstruction, err)
	}
	if err := ValidateFormat(token); err != nil {
		return "", fmt.Errorf("%w: %v", ErrConstruction, err)
	}
	return token, nil
}

const (
	// DemoKeyID marks unsigned demonstration assertions.
	DemoKeyID = "demo-unsigned"
	// demoSignature is a fixed marker; it is not a signature.
	demoSignature = "UNSIGNED-DEMO-ASSERTION"
)

// DemoBuilder produces assertions with alg "none" and a fixed marker in the
// signature segment. No provider accepts them. IsDemo detects them.
type DemoBuilder struct {
	clock func() time.Time
}

// NewDemoBuilder creates an unsigned stand-in builder.
func NewDemoBuilder() *DemoBuilder {
	return &DemoBuilder{clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (b *DemoBuilder) WithClock(clock func() time.Time) *DemoBuilder {
	b.clock = clock
	return b
}

func (b *DemoBuilder) Build(_ context.Context, req Request) (string, error) {
	claims, err := NewClaims(req, b.clock())
	if err != nil {
		return "", err
	}

	token := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	token.Header["kid"] = DemoKeyID
	signingString, err := token.SigningString()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrConstruction, err)
	}

	compact := signingString + "." + base64.RawURLEncoding.EncodeToString([]byte(demoSignature))
	if err := ValidateFormat(compact); err != nil {
		return "", fmt.Errorf("%w: %v", ErrConstruction, err)
	}
	return compact, nil
}

// IsDemo reports whether token was produced by DemoBuilder.
func IsDemo(token string) bool {
	header, err := Header(token)
	if err != nil {
		return false
	}
	return header["alg"] == jwt.SigningMethodNone.Alg() && header["kid"] == DemoKeyID
}
