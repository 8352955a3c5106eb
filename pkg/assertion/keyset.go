package assertion

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// maxRetainedKeys bounds how many rotated keys stay available for verification.
const maxRetainedKeys = 5

// KeySet manages active signing keys and verification of past keys.
type KeySet interface {
	// Sign creates a signed token with the current active key.
	Sign(ctx context.Context, claims jwt.Claims) (string, error)
	// KeyFunc returns the key for verification based on the token header.
	KeyFunc() jwt.Keyfunc
	// JWKS returns the public half of every retained key.
	JWKS() JWKS
}

// ECKeySet holds ECDSA P-256 keys in memory.
type ECKeySet struct {
	mu         sync.RWMutex
	currentKID string
	keys       map[string]*ecdsa.PrivateKey
	order      []string
	seq        int
}

// NewECKeySet creates a key set with one freshly generated key.
func NewECKeySet() (*ECKeySet, error) {
	ks := &ECKeySet{keys: make(map[string]*ecdsa.PrivateKey)}
	if err := ks.Rotate(); err != nil {
		return nil, err
	}
	return ks, nil
}

// NewECKeySetFromPEM loads a PEM encoded P-256 private key (SEC 1 or PKCS #8).
func NewECKeySetFromPEM(kid string, pemBytes []byte) (*ECKeySet, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	var key *ecdsa.PrivateKey
	switch block.Type {
	case "EC PRIVATE KEY":
		k, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse EC key: %w", err)
		}
		key = k
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse PKCS#8 key: %w", err)
		}
		ek, ok := k.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("PKCS#8 key is %T, want ECDSA", k)
		}
		key = ek
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}
	if key.Curve != elliptic.P256() {
		return nil, fmt.Errorf("key curve %s is not P-256", key.Curve.Params().Name)
	}
	if kid == "" {
		kid = "key-pem"
	}

	return &ECKeySet{
		currentKID: kid,
		keys:       map[string]*ecdsa.PrivateKey{kid: key},
		order:      []string{kid},
	}, nil
}

// Rotate generates a new active key. Older keys stay available to KeyFunc
// until more than maxRetainedKeys exist.
func (ks *ECKeySet) Rotate() error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()

	ks.seq++
	kid := fmt.Sprintf("key-%d-%d", time.Now().Unix(), ks.seq)
	ks.keys[kid] = key
	ks.order = append(ks.order, kid)
	ks.currentKID = kid

	for len(ks.order) > maxRetainedKeys {
		delete(ks.keys, ks.order[0])
		ks.order = ks.order[1:]
	}
	return nil
}

// CurrentKeyID returns the kid used for new tokens.
func (ks *ECKeySet) CurrentKeyID() string {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.currentKID
}

func (ks *ECKeySet) Sign(ctx context.Context, claims jwt.Claims) (string, error) {
	ks.mu.RLock()
	key := ks.keys[ks.currentKID]
	kid := ks.currentKID
	ks.mu.RUnlock()

	if key == nil {
		return "", fmt.Errorf("no active key")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = kid
	return token.SignedString(key)
}

func (ks *ECKeySet) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}

		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("missing kid in header")
		}

		ks.mu.RLock()
		defer ks.mu.RUnlock()
		key, exists := ks.keys[kid]
		if !exists {
			return nil, fmt.Errorf("key not found: %s", kid)
		}
		return &key.PublicKey, nil
	}
}

// JWK is a public EC key in RFC 7517 form.
type JWK struct {
	KTY string `json:"kty"`
	CRV string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
	KID string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
}

// JWKS is a JSON Web Key Set.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

func (ks *ECKeySet) JWKS() JWKS {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	kids := make([]string, 0, len(ks.keys))
	for kid := range ks.keys {
		kids = append(kids, kid)
	}
	sort.Strings(kids)

	set := JWKS{Keys: make([]JWK, 0, len(kids))}
	for _, kid := range kids {
		pub, err := ks.keys[kid].PublicKey.ECDH()
		if err != nil {
			continue
		}
		raw := pub.Bytes() // 0x04 || X || Y
		set.Keys = append(set.Keys, JWK{
			KTY: "EC",
			CRV: "P-256",
			X:   base64.RawURLEncoding.EncodeToString(raw[1:33]),
			Y:   base64.RawURLEncoding.EncodeToString(raw[33:65]),
			KID: kid,
			Use: "sig",
			Alg: jwt.SigningMethodES256.Alg(),
		})
	}
	return set
}
