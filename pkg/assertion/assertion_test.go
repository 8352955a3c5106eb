package assertion

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/girichandu/sp-transaction-signing/pkg/transaction"
)

const testAudience = "https://staging.sign.singpass.gov.sg/api/v1/sessions"

func testRequest(t *testing.T) Request {
	t.Helper()
	d, err := transaction.New("TXN_1", "Pay $10", nil)
	require.NoError(t, err)
	return Request{
		Descriptor: *d,
		ClientID:   "bank-mobile-app",
		Audience:   testAudience,
		Nonce:      "nonce-0123456789abcdef0123456789abcdef",
		State:      "state-0123456789abcdef0123456789abcdef",
		TTL:        2 * time.Minute,
	}
}

func TestKeySetBuilder_SignsAndParses(t *testing.T) {
	ks, err := NewECKeySet()
	require.NoError(t, err)

	req := testRequest(t)
	token, err := NewKeySetBuilder(ks).Build(context.Background(), req)
	require.NoError(t, err)
	require.NoError(t, ValidateFormat(token))
	assert.False(t, IsDemo(token))

	header, err := Header(token)
	require.NoError(t, err)
	assert.Equal(t, "ES256", header["alg"])
	assert.Equal(t, ks.CurrentKeyID(), header["kid"])

	claims, err := Parse(token, ks.KeyFunc(), ParseOptions{Issuer: req.ClientID, Audience: testAudience})
	require.NoError(t, err)
	assert.Equal(t, "TXN_1", claims.TransactionID)
	assert.Equal(t, "Pay $10", claims.Instructions)
	assert.Equal(t, transaction.Hash("TXN_1", "Pay $10"), claims.ContentHash)
	assert.Equal(t, req.Nonce, claims.Nonce)
	assert.Nil(t, claims.SubjectID)
	assert.NotEmpty(t, claims.ID)

	window := claims.ExpiresAt.Sub(claims.IssuedAt.Time)
	assert.Equal(t, 2*time.Minute, window)
}

func TestClaims_SubjectIDSerializedAsNull(t *testing.T) {
	claims, err := NewClaims(testRequest(t), time.Now())
	require.NoError(t, err)

	raw, err := json.Marshal(claims)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"subject_id":null`)
}

func TestKeySetBuilder_RejectsTamperedDescriptor(t *testing.T) {
	ks, err := NewECKeySet()
	require.NoError(t, err)

	req := testRequest(t)
	req.Descriptor.Instructions = "Pay $10000"

	_, err = NewKeySetBuilder(ks).Build(context.Background(), req)
	require.ErrorIs(t, err, ErrConstruction)
}

func TestKeySetBuilder_MissingKey(t *testing.T) {
	_, err := NewKeySetBuilder(nil).Build(context.Background(), testRequest(t))
	require.ErrorIs(t, err, ErrConstruction)
}

func TestNewClaims_Validation(t *testing.T) {
	for name, mutate := range map[string]func(*Request){
		"client id": func(r *Request) { r.ClientID = "" },
		"audience":  func(r *Request) { r.Audience = "" },
		"nonce":     func(r *Request) { r.Nonce = "" },
		"ttl":       func(r *Request) { r.TTL = 0 },
	} {
		t.Run(name, func(t *testing.T) {
			req := testRequest(t)
			mutate(&req)
			_, err := NewClaims(req, time.Now())
			require.ErrorIs(t, err, ErrConstruction)
		})
	}
}

func TestParse_RejectsExpiredAndForeignKeys(t *testing.T) {
	ks, err := NewECKeySet()
	require.NoError(t, err)
	other, err := NewECKeySet()
	require.NoError(t, err)

	issued := time.Now().Add(-10 * time.Minute)
	token, err := NewKeySetBuilder(ks).WithClock(func() time.Time { return issued }).Build(context.Background(), testRequest(t))
	require.NoError(t, err)

	_, err = Parse(token, ks.KeyFunc(), ParseOptions{})
	require.ErrorIs(t, err, jwt.ErrTokenExpired)

	fresh, err := NewKeySetBuilder(ks).Build(context.Background(), testRequest(t))
	require.NoError(t, err)
	_, err = Parse(fresh, other.KeyFunc(), ParseOptions{})
	require.Error(t, err)

	_, err = Parse(fresh, ks.KeyFunc(), ParseOptions{Audience: "https://elsewhere"})
	require.Error(t, err)
}

func TestDemoBuilder(t *testing.T) {
	token, err := NewDemoBuilder().Build(context.Background(), testRequest(t))
	require.NoError(t, err)
	require.NoError(t, ValidateFormat(token))
	assert.True(t, IsDemo(token))

	claims, err := Unverified(token)
	require.NoError(t, err)
	assert.Equal(t, "TXN_1", claims.TransactionID)

	ks, err := NewECKeySet()
	require.NoError(t, err)
	_, err = Parse(token, ks.KeyFunc(), ParseOptions{})
	require.Error(t, err, "demo assertions never verify")
}

func TestDemoBuilder_WithClock(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	token, err := NewDemoBuilder().WithClock(func() time.Time { return now }).Build(context.Background(), testRequest(t))
	require.NoError(t, err)

	claims, err := Unverified(token)
	require.NoError(t, err)
	assert.True(t, claims.IssuedAt.Time.Equal(now))

	exp, err := Expiry(token)
	require.NoError(t, err)
	assert.True(t, exp.Equal(now.Add(2*time.Minute)))
}

func TestExpiry(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ks, err := NewECKeySet()
	require.NoError(t, err)

	token, err := NewKeySetBuilder(ks).WithClock(func() time.Time { return now }).Build(context.Background(), testRequest(t))
	require.NoError(t, err)

	exp, err := Expiry(token)
	require.NoError(t, err)
	assert.True(t, exp.Equal(now.Add(2*time.Minute)))
}

func TestValidateFormat(t *testing.T) {
	good, err := NewDemoBuilder().Build(context.Background(), testRequest(t))
	require.NoError(t, err)
	parts := strings.Split(good, ".")

	cases := map[string]string{
		"two segments":       parts[0] + "." + parts[1],
		"four segments":      good + ".x",
		"empty payload":      parts[0] + ".." + parts[2],
		"empty signature":    parts[0] + "." + parts[1] + ".",
		"padding":            parts[0] + "=." + parts[1] + "." + parts[2],
		"std alphabet":       parts[0] + "." + parts[1] + "." + parts[2] + "+/",
		"header not json":    "bm90LWpzb24." + parts[1] + "." + parts[2],
		"payload json array": parts[0] + ".WzEsMl0." + parts[2],
		"empty":              "",
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, ValidateFormat(token), ErrMalformed)
		})
	}
}

// TestValidateFormat_DetectsMutation replaces single characters of a valid
// token with characters outside the base64url alphabet.
func TestValidateFormat_DetectsMutation(t *testing.T) {
	ks, err := NewECKeySet()
	require.NoError(t, err)
	token, err := NewKeySetBuilder(ks).Build(context.Background(), testRequest(t))
	require.NoError(t, err)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("mutated character is rejected", prop.ForAll(
		func(pos int, replacement rune) bool {
			pos = pos % len(token)
			if rune(token[pos]) == replacement {
				return true
			}
			mutated := token[:pos] + string(replacement) + token[pos+1:]
			return ValidateFormat(mutated) != nil
		},
		gen.IntRange(0, 10_000),
		gen.OneConstOf('!', '.', '=', '+', '/', ' ', '*', '~', '%'),
	))

	properties.TestingRun(t)
}

func TestECKeySet_RotationKeepsOldKeys(t *testing.T) {
	ks, err := NewECKeySet()
	require.NoError(t, err)

	old, err := NewKeySetBuilder(ks).Build(context.Background(), testRequest(t))
	require.NoError(t, err)

	require.NoError(t, ks.Rotate())
	_, err = Parse(old, ks.KeyFunc(), ParseOptions{})
	require.NoError(t, err)
	assert.Len(t, ks.JWKS().Keys, 2)

	for i := 0; i < maxRetainedKeys+2; i++ {
		require.NoError(t, ks.Rotate())
	}
	assert.Len(t, ks.JWKS().Keys, maxRetainedKeys)
	_, err = Parse(old, ks.KeyFunc(), ParseOptions{})
	require.Error(t, err, "evicted key no longer verifies")
}

func TestNewECKeySetFromPEM(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	ks, err := NewECKeySetFromPEM("bank-2026", pemBytes)
	require.NoError(t, err)
	assert.Equal(t, "bank-2026", ks.CurrentKeyID())

	jwks := ks.JWKS()
	require.Len(t, jwks.Keys, 1)
	assert.Equal(t, "EC", jwks.Keys[0].KTY)
	assert.Equal(t, "P-256", jwks.Keys[0].CRV)
	assert.Len(t, jwks.Keys[0].X, 43)

	_, err = NewECKeySetFromPEM("", []byte("not pem"))
	require.Error(t, err)
}

func TestRemoteBuilder(t *testing.T) {
	ks, err := NewECKeySet()
	require.NoError(t, err)
	signer := NewKeySetBuilder(ks)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in IssueRequest
		if r.URL.Path != IssuePath || json.NewDecoder(r.Body).Decode(&in) != nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		token, err := signer.Build(r.Context(), Request{
			Descriptor: in.Descriptor(),
			ClientID:   in.ClientID,
			Audience:   testAudience,
			Nonce:      in.Nonce,
			State:      in.State,
			TTL:        time.Minute,
		})
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(IssueResponse{Assertion: token, ExpiresAt: time.Now().Add(time.Minute)})
	}))
	defer srv.Close()

	b := NewRemoteBuilder(srv.URL+"/", nil)
	token, err := b.Build(context.Background(), testRequest(t))
	require.NoError(t, err)

	claims, err := Parse(token, ks.KeyFunc(), ParseOptions{})
	require.NoError(t, err)
	assert.Equal(t, "TXN_1", claims.TransactionID)
}

func TestRemoteBuilder_BackendFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "signing key unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewRemoteBuilder(srv.URL, nil).Build(context.Background(), testRequest(t))
	require.ErrorIs(t, err, ErrConstruction)
	assert.Contains(t, err.Error(), "503")
}

func TestRemoteBuilder_RejectsMalformedToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(IssueResponse{Assertion: "only.two"})
	}))
	defer srv.Close()

	_, err := NewRemoteBuilder(srv.URL, nil).Build(context.Background(), testRequest(t))
	require.ErrorIs(t, err, ErrConstruction)
}
