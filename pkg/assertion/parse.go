package assertion

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ParseOptions constrain Parse.
type ParseOptions struct {
	Issuer   string
	Audience string
	Clock    func() time.Time
}

// Parse verifies an ES256 assertion against keyfunc and returns its claims.
// Demo assertions are always rejected.
func Parse(token string, keyfunc jwt.Keyfunc, opts ParseOptions) (*Claims, error) {
	if err := ValidateFormat(token); err != nil {
		return nil, err
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}
	if opts.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(opts.Audience))
	}
	if opts.Clock != nil {
		parserOpts = append(parserOpts, jwt.WithTimeFunc(opts.Clock))
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, keyfunc, parserOpts...)
	if err != nil {
		return nil, fmt.Errorf("parse assertion: %w", err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return claims, nil
}
