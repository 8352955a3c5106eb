// Package replay tracks short-lived correlators (states, nonces, sign codes
// and nonce bindings) so that no two live signing sessions share them and
// no sign code is redeemed twice.
//
// Every record carries a TTL no longer than the assertion window; nothing is
// kept after the in-flight session ends.
package replay

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get for missing or expired keys.
var ErrNotFound = errors.New("replay key not found")

// Store is a set-if-absent key/value store with expiry.
type Store interface {
	// Claim stores value under key unless a live record exists.
	// It reports whether this call created the record.
	Claim(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Get returns the live value stored under key.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error
}

// Key namespaces.
const (
	PrefixState   = "state:"
	PrefixNonce   = "nonce:"
	PrefixCode    = "code:"
	PrefixBinding = "binding:"
)
