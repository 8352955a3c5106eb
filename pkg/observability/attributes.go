package observability

import (
	"context"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Signing-specific attribute keys.
var (
	AttrTransactionID = attribute.Key("spsign.transaction.id")
	AttrEnvironment   = attribute.Key("spsign.environment")
	AttrSessionState  = attribute.Key("spsign.session.state")
	AttrFailureKind   = attribute.Key("spsign.failure.kind")
	AttrKeyID         = attribute.Key("spsign.crypto.key_id")
	AttrAlgorithm     = attribute.Key("spsign.crypto.algorithm")
	AttrHTTPRoute     = attribute.Key("http.route")
	AttrHTTPStatus    = attribute.Key("http.response.status_code")
)

// SessionOperation creates attributes for session lifecycle spans.
func SessionOperation(transactionID, environment string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTransactionID.String(transactionID),
		AttrEnvironment.String(environment),
	}
}

// OutcomeAttributes creates attributes for a terminal session outcome.
// kind is empty for successful sessions.
func OutcomeAttributes(state, kind string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{AttrSessionState.String(state)}
	if kind != "" {
		attrs = append(attrs, AttrFailureKind.String(kind))
	}
	return attrs
}

// CryptoOperation creates attributes for signing operations.
func CryptoOperation(algorithm, keyID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAlgorithm.String(algorithm),
		AttrKeyID.String(keyID),
	}
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// HTTPMiddleware tracks every request as an operation named after route.
func (p *Provider) HTTPMiddleware(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, finish := p.TrackOperation(r.Context(), "http "+route, AttrHTTPRoute.String(route))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		trace.SpanFromContext(ctx).SetAttributes(AttrHTTPStatus.Int(rec.status))
		var err error
		if rec.status >= http.StatusInternalServerError {
			err = httpStatusError(rec.status)
		}
		finish(err)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

type httpStatusError int

func (e httpStatusError) Error() string { return "http status " + strconv.Itoa(int(e)) }
