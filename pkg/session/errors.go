package session

import (
	"context"
	"errors"
	"strings"

	"github.com/girichandu/sp-transaction-signing/pkg/verify"
	"github.com/girichandu/sp-transaction-signing/pkg/widget"
)

// Kind is the closed set of reasons a session did not succeed.
type Kind string

const (
	KindInvalidConfiguration        Kind = "InvalidConfiguration"
	KindAssertionConstructionFailed Kind = "AssertionConstructionFailed"
	KindWidgetLoadFailed            Kind = "WidgetLoadFailed"
	KindSessionExpired              Kind = "SessionExpired"
	KindUserCancelled               Kind = "UserCancelled"
	KindNetworkError                Kind = "NetworkError"
	KindVerificationFailed          Kind = "VerificationFailed"
	KindUnknownError                Kind = "UnknownError"
)

var kindMessages = map[Kind]string{
	KindInvalidConfiguration:        "Signing is not configured correctly for this app.",
	KindAssertionConstructionFailed: "Signing setup failed. Please try again.",
	KindWidgetLoadFailed:            "The signing page could not be loaded.",
	KindSessionExpired:              "The signing session has expired. Please start again.",
	KindUserCancelled:               "Signing was cancelled.",
	KindNetworkError:                "A network error occurred. Please check your connection and try again.",
	KindVerificationFailed:          "The signature could not be verified.",
	KindUnknownError:                "Something went wrong while signing. Please try again.",
}

// Message is the user-facing text for k.
func (k Kind) Message() string {
	if msg, ok := kindMessages[k]; ok {
		return msg
	}
	return kindMessages[KindUnknownError]
}

// Error is a session failure. Detail carries diagnostics such as the raw
// widget error identifier or the network message.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so errors.Is(err, ErrSessionExpired)
// works regardless of Detail.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Kind sentinels for errors.Is.
var (
	ErrInvalidConfiguration        = &Error{Kind: KindInvalidConfiguration}
	ErrAssertionConstructionFailed = &Error{Kind: KindAssertionConstructionFailed}
	ErrWidgetLoadFailed            = &Error{Kind: KindWidgetLoadFailed}
	ErrSessionExpired              = &Error{Kind: KindSessionExpired}
	ErrUserCancelled               = &Error{Kind: KindUserCancelled}
	ErrNetworkError                = &Error{Kind: KindNetworkError}
	ErrVerificationFailed          = &Error{Kind: KindVerificationFailed}
	ErrUnknownError                = &Error{Kind: KindUnknownError}
)

func newError(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// asError keeps an existing *Error and wraps anything else as fallback.
func asError(err error, fallback Kind, detail string) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return newError(fallback, detail, err)
}

// classifyFailure maps a widget error identifier onto Kind. Classification
// only changes the surfaced message; the raw identifier is kept in Detail
// for kinds that carry no message of their own.
func classifyFailure(f widget.Failure) *Error {
	id := strings.ToUpper(f.ErrorID)
	raw := f.ErrorID
	if f.Message != "" {
		raw += ": " + f.Message
	}

	switch {
	case strings.Contains(id, "NETWORK"):
		detail := f.Message
		if detail == "" {
			detail = f.ErrorID
		}
		return newError(KindNetworkError, detail, nil)
	case strings.Contains(id, "CANCEL"):
		return newError(KindUserCancelled, raw, nil)
	case strings.Contains(id, "EXPIRE"), strings.Contains(id, "TIMEOUT"):
		return newError(KindSessionExpired, raw, nil)
	case strings.Contains(id, "CONFIG"), strings.Contains(id, "CLIENT"), strings.Contains(id, "REDIRECT_URI"):
		return newError(KindInvalidConfiguration, raw, nil)
	case strings.Contains(id, "TOKEN"), strings.Contains(id, "JWT"), strings.Contains(id, "ASSERTION"):
		return newError(KindAssertionConstructionFailed, raw, nil)
	case strings.Contains(id, "WIDGET"), strings.Contains(id, "SCRIPT"), strings.Contains(id, "LOAD"):
		return newError(KindWidgetLoadFailed, raw, nil)
	}
	return newError(KindUnknownError, raw, nil)
}

// classifyVerifyError maps a verification failure onto Kind.
func classifyVerifyError(err error) *Error {
	var netErr *verify.NetworkError
	switch {
	case errors.As(err, &netErr):
		return newError(KindNetworkError, netErr.Message, err)
	case errors.Is(err, context.DeadlineExceeded):
		return newError(KindNetworkError, "verification timed out", err)
	}
	return newError(KindVerificationFailed, "", err)
}
