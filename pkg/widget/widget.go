// Package widget is the boundary to the remote signing widget that renders
// the QR challenge. Everything that crosses the boundary is parsed into the
// closed Signal variant before it reaches the session state machine.
package widget

import (
	"context"
	"fmt"
)

// Launch is what the core hands to the widget for one attempt.
type Launch struct {
	ClientID       string
	RedirectTarget string
	ScriptURL      string
	State          string
	Nonce          string
	Assertion      string
}

// Signal is either Success or Failure.
type Signal interface {
	signal()
}

// Success is reported when the user approved and a sign code was issued.
type Success struct {
	Code  string
	State string
}

// Failure is reported by the widget when its own flow fails.
type Failure struct {
	ErrorID string
	Message string
}

func (Success) signal() {}
func (Failure) signal() {}

func (s Success) String() string { return "success" }

func (f Failure) String() string { return fmt.Sprintf("error %s: %s", f.ErrorID, f.Message) }

// Sink receives signals for one attempt. It is safe to call from any
// goroutine and more than once; only the first terminal signal counts.
type Sink func(Signal)

// Widget is the external collaborator that renders the challenge.
type Widget interface {
	// Launch starts the widget session. It must not block until the user acts.
	Launch(ctx context.Context, l Launch, sink Sink) error
	// Abort asks the widget to cancel the session identified by state.
	Abort(ctx context.Context, state string) error
}

// Error identifiers produced locally at the boundary.
const (
	ErrorMalformedRedirect = "MALFORMED_REDIRECT"
	ErrorMalformedMessage  = "MALFORMED_MESSAGE"
)
