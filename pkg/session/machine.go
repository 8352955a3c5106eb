// Package session runs the lifecycle of one transaction-signing attempt:
// parameter generation, widget launch, a single terminal signal, and
// verification of the returned sign code.
//
// Each Attempt is driven by one goroutine. Widget signals, cancellation, the
// expiry timer and verification results all arrive on that goroutine, so the
// attempt's state is never touched concurrently and exactly one Outcome is
// produced.
package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/girichandu/sp-transaction-signing/pkg/config"
	"github.com/girichandu/sp-transaction-signing/pkg/observability"
	"github.com/girichandu/sp-transaction-signing/pkg/transaction"
	"github.com/girichandu/sp-transaction-signing/pkg/verify"
	"github.com/girichandu/sp-transaction-signing/pkg/widget"
)

// Phase is the lifecycle position of an Attempt.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseInitializing Phase = "initializing"
	PhaseAwaitingUser Phase = "awaiting_user"
	PhaseVerifying    Phase = "verifying"
	PhaseSucceeded    Phase = "succeeded"
	PhaseCancelled    Phase = "cancelled"
	PhaseExpired      Phase = "expired"
	PhaseFailed       Phase = "failed"
)

// Terminal reports whether no further transitions can happen from p.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseSucceeded, PhaseCancelled, PhaseExpired, PhaseFailed:
		return true
	}
	return false
}

const (
	reasonUser       = "cancelled by user"
	reasonSuperseded = "superseded by a new attempt"
	reasonContext    = "caller context done"
)

// abortTimeout bounds the best-effort widget abort.
const abortTimeout = 5 * time.Second

// Outcome is the single terminal result of an Attempt.
type Outcome struct {
	Phase   Phase
	Success bool
	// SignCode is set once the widget issued a code, even if verification
	// later failed.
	SignCode  string
	State     string
	Failure   *Error
	Signature *verify.Signature
	Message   string
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// WithObservability records spans and outcome metrics through p.
func WithObservability(p *observability.Provider) Option {
	return func(m *Machine) { m.obs = p }
}

// WithClock overrides the clock used to arm the expiry timer.
func WithClock(clock func() time.Time) Option {
	return func(m *Machine) { m.clock = clock }
}

// Machine starts signing attempts. At most one attempt per transaction ID
// is live at a time.
type Machine struct {
	cfg       *config.Config
	generator *Generator
	widget    widget.Widget
	verifier  verify.Verifier
	obs       *observability.Provider
	logger    *slog.Logger
	clock     func() time.Time

	mu   sync.Mutex
	live map[string]*Attempt
}

// NewMachine wires a machine. cfg is validated on every Start.
func NewMachine(cfg *config.Config, generator *Generator, w widget.Widget, v verify.Verifier, opts ...Option) *Machine {
	m := &Machine{
		cfg:       cfg,
		generator: generator,
		widget:    w,
		verifier:  v,
		obs:       observability.Noop(),
		logger:    slog.Default().With("component", "session"),
		clock:     time.Now,
		live:      make(map[string]*Attempt),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins a signing attempt for d and returns without waiting for the
// user. When the attempt fails before anything is generated or launched
// (invalid configuration or descriptor) the returned Attempt is already
// terminal and err is its failure.
//
// A still-live attempt for the same transaction ID is cancelled and fully
// torn down before the new one starts.
func (m *Machine) Start(ctx context.Context, d transaction.Descriptor) (*Attempt, error) {
	a := m.newAttempt(ctx, d)

	if err := m.preflight(ctx, d); err != nil {
		a.logger.WarnContext(ctx, "signing attempt rejected before start", "kind", err.Kind, "error", err)
		a.resolve(ctx, failedOutcome(PhaseFailed, err, "", ""))
		a.cancelWork()
		close(a.finished)
		return a, err
	}

	m.register(a)
	a.setPhase(PhaseInitializing)
	go a.run()
	return a, nil
}

func (m *Machine) preflight(ctx context.Context, d transaction.Descriptor) *Error {
	if m.cfg == nil {
		return newError(KindInvalidConfiguration, "no configuration", nil)
	}
	warnings, err := m.cfg.Validate()
	if err != nil {
		return newError(KindInvalidConfiguration, "", err)
	}
	for _, w := range warnings {
		m.logger.WarnContext(ctx, "configuration warning", "warning", w)
	}
	if m.generator == nil || m.widget == nil || m.verifier == nil {
		return newError(KindInvalidConfiguration, "machine is missing a generator, widget or verifier", nil)
	}
	if err := d.Verify(); err != nil {
		return newError(KindAssertionConstructionFailed, "transaction descriptor rejected", err)
	}
	return nil
}

// register makes a the live attempt for its transaction, tearing down any
// predecessor first.
func (m *Machine) register(a *Attempt) {
	id := a.descriptor.TransactionID
	for {
		m.mu.Lock()
		prior := m.live[id]
		if prior == nil {
			m.live[id] = a
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		a.logger.Info("superseding live attempt", "prior_attempt_id", prior.id)
		prior.stop(reasonSuperseded)
		<-prior.finished
	}
}

func (m *Machine) release(a *Attempt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live[a.descriptor.TransactionID] == a {
		delete(m.live, a.descriptor.TransactionID)
	}
}

// Live returns the live attempt for transactionID, if any.
func (m *Machine) Live(transactionID string) (*Attempt, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.live[transactionID]
	return a, ok
}

type event interface{ isEvent() }

type signalEvent struct{ signal widget.Signal }

type verifiedEvent struct {
	signature *verify.Signature
	err       error
}

func (signalEvent) isEvent()   {}
func (verifiedEvent) isEvent() {}

// Attempt is one signing attempt.
type Attempt struct {
	id         string
	m          *Machine
	descriptor transaction.Descriptor
	logger     *slog.Logger

	ctx        context.Context
	cancelWork context.CancelFunc
	events     chan event
	done       chan Outcome
	finished   chan struct{}

	stopOnce   sync.Once
	mu         sync.Mutex
	stopReason string
	phase      Phase
	params     *Parameters
	outcome    Outcome
	resolved   bool
}

func (m *Machine) newAttempt(ctx context.Context, d transaction.Descriptor) *Attempt {
	work, cancel := context.WithCancel(ctx)
	id := uuid.NewString()
	return &Attempt{
		id:         id,
		m:          m,
		descriptor: d,
		logger:     m.logger.With("attempt_id", id, "transaction_id", d.TransactionID),
		ctx:        work,
		cancelWork: cancel,
		events:     make(chan event, 16),
		done:       make(chan Outcome, 1),
		finished:   make(chan struct{}),
		phase:      PhaseIdle,
	}
}

// ID identifies the attempt in logs.
func (a *Attempt) ID() string { return a.id }

// Phase returns the current lifecycle phase.
func (a *Attempt) Phase() Phase {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phase
}

// Parameters returns the generated parameters, or nil before generation.
func (a *Attempt) Parameters() *Parameters {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.params
}

// Done delivers the Outcome exactly once and is then closed.
func (a *Attempt) Done() <-chan Outcome { return a.done }

// Wait blocks until the attempt is terminal or ctx is done. Unlike Done it
// may be called any number of times.
func (a *Attempt) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-a.finished:
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Cancel asks the attempt to stop. It takes effect even while generation
// or verification is in flight. After a terminal outcome it does nothing.
func (a *Attempt) Cancel() {
	a.stop(reasonUser)
}

func (a *Attempt) stop(reason string) {
	a.stopOnce.Do(func() {
		a.mu.Lock()
		a.stopReason = reason
		a.mu.Unlock()
		a.cancelWork()
	})
}

func (a *Attempt) cancellation() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopReason != "" {
		return a.stopReason
	}
	return reasonContext
}

func (a *Attempt) setPhase(p Phase) {
	a.mu.Lock()
	a.phase = p
	a.mu.Unlock()
}

// post hands ev to the event loop, or drops it once the loop has exited.
func (a *Attempt) post(ev event) {
	select {
	case a.events <- ev:
	case <-a.finished:
	}
}

func (a *Attempt) sink(s widget.Signal) {
	a.post(signalEvent{signal: s})
}

func (a *Attempt) run() {
	defer close(a.finished)
	defer a.m.release(a)
	defer a.cancelWork()

	ctx, finish := a.m.obs.TrackOperation(a.ctx, "session.attempt",
		observability.SessionOperation(a.descriptor.TransactionID, string(a.m.cfg.Environment))...)

	outcome := a.loop(ctx)
	a.resolve(ctx, outcome)

	var err error
	if outcome.Failure != nil {
		err = outcome.Failure
	}
	finish(err)
}

func (a *Attempt) loop(ctx context.Context) Outcome {
	params, err := a.m.generator.Generate(ctx, a.descriptor)
	if ctx.Err() != nil {
		if err == nil {
			a.m.generator.Release(ctx, params)
		}
		return cancelledOutcome(a.cancellation(), "", "")
	}
	if err != nil {
		return failedOutcome(PhaseFailed, asError(err, KindAssertionConstructionFailed, setupFailed), "", "")
	}

	a.mu.Lock()
	a.params = params
	a.phase = PhaseAwaitingUser
	a.mu.Unlock()

	endpoints, _ := a.m.cfg.Endpoints()
	launch := widget.Launch{
		ClientID:       a.m.cfg.ClientID,
		RedirectTarget: a.m.cfg.RedirectTarget,
		ScriptURL:      endpoints.WidgetScriptURL,
		State:          params.State,
		Nonce:          params.Nonce,
		Assertion:      params.Assertion,
	}
	if err := a.m.widget.Launch(ctx, launch, a.sink); err != nil {
		a.m.generator.Release(ctx, params)
		if ctx.Err() != nil {
			return cancelledOutcome(a.cancellation(), "", params.State)
		}
		return failedOutcome(PhaseFailed, newError(KindWidgetLoadFailed, "widget failed to launch", err), "", params.State)
	}

	timer := time.NewTimer(params.ExpiresAt.Sub(a.m.clock()))
	defer timer.Stop()
	expiry := timer.C

	a.logger.InfoContext(ctx, "awaiting user",
		"state_prefix", prefix(params.State),
		"expires_at", params.ExpiresAt,
	)

	var (
		code         string
		verifyCancel context.CancelFunc = func() {}
	)
	defer func() { verifyCancel() }()

	for {
		select {
		case <-ctx.Done():
			a.abortWidget(params.State)
			return cancelledOutcome(a.cancellation(), code, params.State)

		case <-expiry:
			a.logger.InfoContext(ctx, "signing session expired")
			a.abortWidget(params.State)
			return failedOutcome(PhaseExpired, newError(KindSessionExpired, "", nil), "", params.State)

		case ev := <-a.events:
			switch e := ev.(type) {
			case signalEvent:
				if a.Phase() != PhaseAwaitingUser {
					a.logger.DebugContext(ctx, "ignoring widget signal after success", "signal", e.signal)
					continue
				}
				switch s := e.signal.(type) {
				case widget.Success:
					if subtle.ConstantTimeCompare([]byte(s.State), []byte(params.State)) != 1 {
						a.logger.WarnContext(ctx, "security: widget returned a state from another session",
							"expected_prefix", prefix(params.State),
							"received_prefix", prefix(s.State),
						)
						return failedOutcome(PhaseFailed, newError(KindUnknownError, "state mismatch", nil), "", params.State)
					}

					code = s.Code
					a.setPhase(PhaseVerifying)
					timer.Stop()
					expiry = nil

					var vctx context.Context
					vctx, verifyCancel = context.WithTimeout(ctx, a.m.verifyTimeout())
					go a.verify(vctx, verify.Request{
						Code:          s.Code,
						ClientID:      a.m.cfg.ClientID,
						Nonce:         params.Nonce,
						State:         params.State,
						TransactionID: a.descriptor.TransactionID,
					})

				case widget.Failure:
					failure := classifyFailure(s)
					a.logger.InfoContext(ctx, "widget reported failure", "error_id", s.ErrorID, "kind", failure.Kind)
					return failedOutcome(PhaseFailed, failure, "", params.State)
				}

			case verifiedEvent:
				if ctx.Err() != nil {
					// cancelled while verifying; the late result is discarded
					return cancelledOutcome(a.cancellation(), code, params.State)
				}
				if e.err != nil {
					return failedOutcome(PhaseFailed, classifyVerifyError(e.err), code, params.State)
				}
				return Outcome{
					Phase:     PhaseSucceeded,
					Success:   true,
					SignCode:  code,
					State:     params.State,
					Signature: e.signature,
					Message:   "Transaction signed.",
				}
			}
		}
	}
}

func (a *Attempt) verify(ctx context.Context, req verify.Request) {
	ctx, finish := a.m.obs.TrackOperation(ctx, "session.verify")
	sig, err := a.m.verifier.Verify(ctx, req)
	if err == nil && sig == nil {
		err = errors.New("verifier returned no signature")
	}
	finish(err)
	a.post(verifiedEvent{signature: sig, err: err})
}

func (a *Attempt) abortWidget(state string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(a.ctx), abortTimeout)
	defer cancel()
	if err := a.m.widget.Abort(ctx, state); err != nil {
		a.logger.WarnContext(ctx, "widget abort failed", "error", err)
	}
}

// resolve records o and delivers it. Only the first call has any effect.
func (a *Attempt) resolve(ctx context.Context, o Outcome) {
	a.mu.Lock()
	if a.resolved {
		a.mu.Unlock()
		return
	}
	a.resolved = true
	a.phase = o.Phase
	a.outcome = o
	a.mu.Unlock()

	a.done <- o
	close(a.done)

	kind := ""
	if o.Failure != nil {
		kind = string(o.Failure.Kind)
	}
	a.m.obs.RecordOutcome(ctx, observability.OutcomeAttributes(string(o.Phase), kind)...)

	attrs := []any{"phase", o.Phase}
	if o.Failure != nil {
		attrs = append(attrs, "kind", o.Failure.Kind, "detail", o.Failure.Detail)
	}
	a.logger.InfoContext(ctx, "signing attempt finished", attrs...)
}

func (m *Machine) verifyTimeout() time.Duration {
	if m.cfg.VerifyTimeout > 0 {
		return m.cfg.VerifyTimeout
	}
	return 30 * time.Second
}

func failedOutcome(phase Phase, err *Error, code, state string) Outcome {
	return Outcome{
		Phase:    phase,
		SignCode: code,
		State:    state,
		Failure:  err,
		Message:  err.Kind.Message(),
	}
}

func cancelledOutcome(reason, code, state string) Outcome {
	return failedOutcome(PhaseCancelled, newError(KindUserCancelled, reason, nil), code, state)
}

// prefix shortens a correlator for logs.
func prefix(s string) string {
	if len(s) <= 8 {
		return s
	}
	return s[:8]
}
