package widget

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Behavior scripts what a Simulator does after Launch.
type Behavior string

const (
	// BehaviorApprove navigates to the redirect target with a fresh code.
	BehaviorApprove Behavior = "success"
	// BehaviorReject reports ErrorID/Message through the sink.
	BehaviorReject Behavior = "error"
	// BehaviorSilent never reports anything.
	BehaviorSilent Behavior = "silence"
	// BehaviorStaleState approves but echoes a state from another session.
	BehaviorStaleState Behavior = "stale-state"
	// BehaviorMalformedRedirect navigates to the redirect target without a code.
	BehaviorMalformedRedirect Behavior = "malformed-redirect"
)

// ErrLaunchFailed is returned by Launch when the simulator is told to fail loading.
var ErrLaunchFailed = errors.New("widget script failed to load")

// Simulator stands in for the hosted widget in demos and tests. Approval
// goes through InterceptRedirect exactly like a real redirect navigation.
type Simulator struct {
	Behavior Behavior
	Delay    time.Duration
	ErrorID  string
	Message  string
	// FailLaunch makes Launch return ErrLaunchFailed.
	FailLaunch bool
	// AbortErr is returned from Abort after recording the call.
	AbortErr error

	mu       sync.Mutex
	launches []Launch
	aborted  []string
	cancels  map[string]context.CancelFunc
	codes    []string
}

// Launch records l and, unless silent, reports one signal after Delay.
func (s *Simulator) Launch(_ context.Context, l Launch, sink Sink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.launches = append(s.launches, l)
	if s.FailLaunch {
		return ErrLaunchFailed
	}
	if s.cancels == nil {
		s.cancels = make(map[string]context.CancelFunc)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancels[l.State] = cancel

	if s.Behavior == BehaviorSilent {
		return nil
	}

	code := uuid.NewString()
	s.codes = append(s.codes, code)
	go s.respond(ctx, l, code, sink)
	return nil
}

func (s *Simulator) respond(ctx context.Context, l Launch, code string, sink Sink) {
	timer := time.NewTimer(s.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	switch s.Behavior {
	case BehaviorReject:
		sink(Failure{ErrorID: s.ErrorID, Message: s.Message})
	case BehaviorStaleState:
		if sig, ok := InterceptRedirect(l.RedirectTarget, RedirectURL(l.RedirectTarget, code, "stale-"+l.State)); ok {
			sink(sig)
		}
	case BehaviorMalformedRedirect:
		if sig, ok := InterceptRedirect(l.RedirectTarget, l.RedirectTarget+"?state="+l.State); ok {
			sink(sig)
		}
	default:
		if sig, ok := InterceptRedirect(l.RedirectTarget, RedirectURL(l.RedirectTarget, code, l.State)); ok {
			sink(sig)
		}
	}
}

// Abort stops a pending response for state.
func (s *Simulator) Abort(_ context.Context, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.aborted = append(s.aborted, state)
	if cancel, ok := s.cancels[state]; ok {
		cancel()
		delete(s.cancels, state)
	}
	return s.AbortErr
}

// Launches returns every Launch seen so far.
func (s *Simulator) Launches() []Launch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Launch(nil), s.launches...)
}

// Aborted returns the states passed to Abort.
func (s *Simulator) Aborted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.aborted...)
}

// Codes returns the sign codes issued so far.
func (s *Simulator) Codes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.codes...)
}
