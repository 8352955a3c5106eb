package assertion

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMalformed is returned by ValidateFormat.
var ErrMalformed = errors.New("malformed assertion")

var segmentEncoding = base64.RawURLEncoding.Strict()

// ValidateFormat checks that token has exactly three non-empty, strictly
// base64url encoded segments and that header and payload are JSON objects.
// It does not verify the signature.
func ValidateFormat(token string) error {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return fmt.Errorf("%w: %d segments, want 3", ErrMalformed, len(parts))
	}

	for i, part := range parts {
		if part == "" {
			return fmt.Errorf("%w: segment %d is empty", ErrMalformed, i)
		}
		decoded, err := segmentEncoding.DecodeString(part)
		if err != nil {
			return fmt.Errorf("%w: segment %d: %v", ErrMalformed, i, err)
		}
		if i < 2 && !isJSONObject(decoded) {
			return fmt.Errorf("%w: segment %d is not a JSON object", ErrMalformed, i)
		}
	}
	return nil
}

func isJSONObject(b []byte) bool {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	var obj map[string]json.RawMessage
	return json.Unmarshal(trimmed, &obj) == nil
}

// Header decodes the token header without verifying anything.
func Header(token string) (map[string]any, error) {
	if err := ValidateFormat(token); err != nil {
		return nil, err
	}
	raw, _ := segmentEncoding.DecodeString(strings.SplitN(token, ".", 2)[0])
	var header map[string]any
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformed, err)
	}
	return header, nil
}

// Unverified decodes the claims without checking the signature. Callers use
// it to read exp and nonce from a token they produced or received over a
// trusted channel.
func Unverified(token string) (*Claims, error) {
	if err := ValidateFormat(token); err != nil {
		return nil, err
	}
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return claims, nil
}

// Expiry returns the exp claim of token.
func Expiry(token string) (time.Time, error) {
	claims, err := Unverified(token)
	if err != nil {
		return time.Time{}, err
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, fmt.Errorf("%w: missing exp", ErrMalformed)
	}
	return claims.ExpiresAt.Time, nil
}
