// Package api is the signing backend: it signs assertions inside the trust
// boundary, binds each nonce to its state, and redeems sign codes once.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
)

const problemTypeBase = "https://sp-transaction-signing.sg/errors/"

// ProblemDetail is an RFC 7807 error body. Every error response uses it.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// TraceID is the X-Request-ID of the failed request.
	TraceID string `json:"trace_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes a problem detail enriched with the request path and ID.
func WriteError(w http.ResponseWriter, r *http.Request, status int, detail string) {
	problem := &ProblemDetail{
		Type:     problemTypeBase + strconv.Itoa(status),
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get(RequestIDHeader),
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteBadRequest writes a 400 response.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusBadRequest, detail)
}

// WriteForbidden writes a 403 response.
func WriteForbidden(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusForbidden, detail)
}

// WriteConflict writes a 409 response.
func WriteConflict(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusConflict, detail)
}

// WriteBadGateway writes a 502 response for identity provider failures.
func WriteBadGateway(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusBadGateway, detail)
}

// WriteTooManyRequests writes a 429 response with Retry-After.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	WriteError(w, r, http.StatusTooManyRequests, "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 response. err is logged, never sent.
func WriteInternal(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	logger.ErrorContext(r.Context(), "internal server error", "error", err, "path", r.URL.Path)
	WriteError(w, r, http.StatusInternalServerError, "An unexpected error occurred. Please try again later.")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
