// Package resiliency is the outbound HTTP client shared by the assertion,
// verification and provider clients: per-call timeout, optional retries with
// jittered backoff, a circuit breaker and trace context propagation.
package resiliency

import (
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3
	baseBackoff       = 100 * time.Millisecond
	maxJitter         = 50 * time.Millisecond
)

// EnhancedClient wraps http.Client. 5xx responses and transport failures
// count against the breaker and are retried up to maxRetries times.
type EnhancedClient struct {
	client     *http.Client
	maxRetries int
	breaker    *CircuitBreaker
	sleep      func(time.Duration)
}

// Option configures an EnhancedClient.
type Option func(*EnhancedClient)

// WithMaxRetries sets how many times a 5xx or transport failure is retried.
// Zero disables retries; sign-code redemption always uses zero.
func WithMaxRetries(n int) Option {
	return func(c *EnhancedClient) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithTimeout sets the per-attempt HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *EnhancedClient) {
		if d > 0 {
			c.client.Timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *EnhancedClient) {
		if hc != nil {
			c.client = hc
		}
	}
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(cb *CircuitBreaker) Option {
	return func(c *EnhancedClient) { c.breaker = cb }
}

// NewEnhancedClient returns a client with a 30s timeout, three retries and
// a breaker that opens after five consecutive failures.
func NewEnhancedClient(opts ...Option) *EnhancedClient {
	c := &EnhancedClient{
		client:     &http.Client{Timeout: defaultTimeout},
		maxRetries: defaultMaxRetries,
		breaker:    NewCircuitBreaker("default", 5, 10*time.Second),
		sleep:      time.Sleep,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Do sends req. Responses below 500 are returned as-is, whatever their
// status. A request body is only resent when req.GetBody is set.
func (c *EnhancedClient) Do(req *http.Request) (*http.Response, error) {
	otel.GetTextMapPropagator().Inject(req.Context(), propagation.HeaderCarrier(req.Header))

	if !c.breaker.Allow() {
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, c.breaker.name)
	}

	for attempt := 0; ; attempt++ {
		resp, err := c.client.Do(req)
		if err == nil && resp.StatusCode < http.StatusInternalServerError {
			c.breaker.Success()
			return resp, nil
		}

		if attempt >= c.maxRetries || req.Context().Err() != nil || !rewind(req) {
			c.breaker.Failure()
			return resp, err
		}
		if resp != nil {
			_ = resp.Body.Close()
		}
		c.sleep(backoff(attempt))
	}
}

// rewind prepares req.Body for another attempt.
func rewind(req *http.Request) bool {
	if req.Body == nil || req.Body == http.NoBody {
		return true
	}
	if req.GetBody == nil {
		return false
	}
	body, err := req.GetBody()
	if err != nil {
		return false
	}
	req.Body = body
	return true
}

// backoff is base * 2^attempt plus up to 50ms of jitter.
func backoff(attempt int) time.Duration {
	return baseBackoff<<attempt + rand.N(maxJitter)
}
