package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/girichandu/sp-transaction-signing/pkg/transaction"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"SP_ENV", "SP_CLIENT_ID", "SP_REDIRECT_URI", "SP_ASSERTION_TTL", "SP_VERIFY_TIMEOUT",
		"SP_BACKEND_URL", "SP_DEMO_SIGNING", "LOG_LEVEL", "REPLAY_BACKEND", "DATABASE_URL",
		"OTEL_EXPORTER_OTLP_ENDPOINT",
	} {
		t.Setenv(k, "")
	}
	t.Setenv("LOG_LEVEL", "ERROR")
}

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"spsign"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_Help(t *testing.T) {
	code, out, _ := run(t, "help")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "sign")
	assert.Contains(t, out, "serve")
}

func TestRun_UnknownCommand(t *testing.T) {
	code, _, errOut := run(t, "frobnicate")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "Unknown command: frobnicate")

	code, _, _ = run(t)
	assert.Equal(t, 2, code)
}

func TestRun_Hash(t *testing.T) {
	code, out, _ := run(t, "hash", "TXN_1", "Pay $10")
	require.Equal(t, 0, code)
	assert.Equal(t, transaction.Hash("TXN_1", "Pay $10")+"\n", out)

	code, _, _ = run(t, "hash", "TXN_1")
	assert.Equal(t, 2, code)

	code, _, _ = run(t, "hash", "", "Pay $10")
	assert.Equal(t, 1, code)
}

func TestRun_Config(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	valid := filepath.Join(dir, "valid.yaml")
	require.NoError(t, os.WriteFile(valid, []byte(`
environment: staging
client_id: your-client-id
redirect_uri: https://app.bank.sg/sign/callback
`), 0o600))

	code, out, _ := run(t, "config", "--config", valid)
	require.Equal(t, 0, code)
	assert.Contains(t, out, "environment: staging")
	assert.Contains(t, out, "warning: client id \"your-client-id\" looks like a placeholder")

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte(`
environment: staging
client_id: bank-app
redirect_uri: http://app.bank.sg/sign/callback
`), 0o600))

	code, _, errOut := run(t, "config", "--config", invalid)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "not https")
}

func signResultFrom(t *testing.T, out string) signResult {
	t.Helper()
	var r signResult
	require.NoError(t, json.Unmarshal([]byte(out), &r), out)
	return r
}

func TestRun_Sign(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		code    int
		phase   string
		kind    string
		receipt bool
	}{
		{"approved through local backend", []string{"--simulate", "success"}, 0, "succeeded", "", true},
		{"approved with demo signing", []string{"--simulate", "success", "--demo-signing"}, 0, "succeeded", "", false},
		{"widget error", []string{"--simulate", "error", "--error-id", "NETWORK_TIMEOUT"}, 1, "failed", "NetworkError", false},
		{"user cancelled in widget", []string{"--simulate", "error", "--error-id", "USER_CANCELLED"}, 1, "failed", "UserCancelled", false},
		{"stale state", []string{"--simulate", "stale-state"}, 1, "failed", "UnknownError", false},
		{"cancel while waiting", []string{"--simulate", "silence", "--cancel-after", "50ms"}, 1, "cancelled", "UserCancelled", false},
		{"expired", []string{"--simulate", "silence", "--ttl", "1s"}, 1, "expired", "SessionExpired", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			args := append([]string{"sign", "--delay", "10ms", "--tx", "TXN_CLI"}, tt.args...)
			code, out, errOut := run(t, args...)
			require.Equal(t, tt.code, code, "stderr: %s", errOut)

			r := signResultFrom(t, out)
			assert.Equal(t, "TXN_CLI", r.TransactionID)
			assert.Equal(t, tt.phase, r.Phase)
			assert.Equal(t, tt.kind, r.Kind)
			assert.NotEmpty(t, r.Message)
			if tt.code == 0 {
				assert.Equal(t, "ES256", r.Algorithm)
				assert.NotEmpty(t, r.Signature)
			}
			if tt.receipt {
				assert.Len(t, r.ReceiptHash, 64)
			}
		})
	}
}

func TestRun_SignRejectsUnknownBehavior(t *testing.T) {
	code, _, errOut := run(t, "sign", "--simulate", "maybe")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "unknown --simulate value")
}

func TestRun_SignInvalidConfiguration(t *testing.T) {
	clearEnv(t)
	t.Setenv("SP_REDIRECT_URI", "ftp://app.bank.sg/cb")

	code, out, _ := run(t, "sign", "--delay", "10ms")
	assert.Equal(t, 1, code)
	r := signResultFrom(t, out)
	assert.Equal(t, "failed", r.Phase)
	assert.Equal(t, "InvalidConfiguration", r.Kind)
}
