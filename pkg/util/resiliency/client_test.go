package resiliency

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(c *EnhancedClient) { c.sleep = func(time.Duration) {} }

func TestDo_NoRetryWhenDisabled(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewEnhancedClient(WithMaxRetries(0), noSleep)
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := c.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDo_RetriesWithReplayableBody(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != "payload" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewEnhancedClient(WithMaxRetries(3), noSleep)
	req, err := http.NewRequest(http.MethodPost, srv.URL, bytes.NewReader([]byte("payload")))
	require.NoError(t, err)

	resp, err := c.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCircuitBreaker_Opens(t *testing.T) {
	cb := NewCircuitBreaker("test", 2, time.Hour)
	require.True(t, cb.Allow())

	cb.Failure()
	require.True(t, cb.Allow())
	cb.Failure()
	assert.False(t, cb.Allow())
	assert.Equal(t, "OPEN", cb.State())

	c := NewEnhancedClient(WithBreaker(cb))
	req, _ := http.NewRequest(http.MethodGet, "http://127.0.0.1:1", nil)
	_, err := c.Do(req)
	require.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreaker_HalfOpenRecovers(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, time.Millisecond)
	cb.Failure()
	time.Sleep(5 * time.Millisecond)

	require.True(t, cb.Allow())
	assert.Equal(t, "HALF_OPEN", cb.State())
	cb.Success()
	assert.Equal(t, "CLOSED", cb.State())
}

func TestDo_DoesNotRetryUnreplayableBody(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewEnhancedClient(WithMaxRetries(3), noSleep)
	req, err := http.NewRequest(http.MethodPost, srv.URL, io.NopCloser(bytes.NewReader([]byte("payload"))))
	require.NoError(t, err)
	req.GetBody = nil

	resp, err := c.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestBackoffGrows(t *testing.T) {
	for attempt, floor := range []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond} {
		d := backoff(attempt)
		assert.GreaterOrEqual(t, d, floor)
		assert.Less(t, d, floor+maxJitter)
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cb := NewCircuitBreaker("provider", 3, time.Minute)
	cb.now = func() time.Time { return now }

	for range 3 {
		cb.Failure()
	}
	require.False(t, cb.Allow())

	now = now.Add(2 * time.Minute)
	require.True(t, cb.Allow())
	cb.Failure()
	assert.Equal(t, "OPEN", cb.State())
	assert.False(t, cb.Allow())
}
