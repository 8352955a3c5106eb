package widget

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const target = "https://app.bank.sg/sign/callback"

func TestInterceptRedirect(t *testing.T) {
	tests := []struct {
		name        string
		url         string
		intercepted bool
		want        Signal
	}{
		{name: "other navigation", url: "https://sign.singpass.gov.sg/qr", intercepted: false},
		{name: "success", url: target + "?code=abc&state=xyz", intercepted: true, want: Success{Code: "abc", State: "xyz"}},
		{name: "missing code", url: target + "?state=xyz", intercepted: true,
			want: Failure{ErrorID: ErrorMalformedRedirect, Message: "redirect is missing code"}},
		{name: "missing state", url: target + "?code=abc", intercepted: true,
			want: Failure{ErrorID: ErrorMalformedRedirect, Message: "redirect is missing state"}},
		{name: "missing both", url: target, intercepted: true,
			want: Failure{ErrorID: ErrorMalformedRedirect, Message: "redirect is missing code and state"}},
		{name: "provider error", url: target + "?error=access_denied&error_description=user+declined", intercepted: true,
			want: Failure{ErrorID: "access_denied", Message: "user declined"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, ok := InterceptRedirect(target, tt.url)
			assert.Equal(t, tt.intercepted, ok)
			assert.Equal(t, tt.want, sig)
		})
	}

	_, ok := InterceptRedirect("", target)
	assert.False(t, ok, "empty redirect target never intercepts")
}

func TestRedirectURL_RoundTrip(t *testing.T) {
	u := RedirectURL(target, "c 1&x", "s/2")
	sig, ok := InterceptRedirect(target, u)
	require.True(t, ok)
	assert.Equal(t, Success{Code: "c 1&x", State: "s/2"}, sig)

	withQuery := RedirectURL(target+"?app=1", "c", "s")
	assert.Contains(t, withQuery, "?app=1&")
}

func TestParseMessage(t *testing.T) {
	sig, err := ParseMessage([]byte(`{"type":"success","code":"abc","state":"xyz"}`))
	require.NoError(t, err)
	assert.Equal(t, Success{Code: "abc", State: "xyz"}, sig)

	sig, err = ParseMessage([]byte(`{"type":"error","errorId":"NETWORK_TIMEOUT","message":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, Failure{ErrorID: "NETWORK_TIMEOUT", Message: "x"}, sig)

	for _, bad := range []string{
		`not json`,
		`[]`,
		`{"type":"success","code":"abc"}`,
		`{"type":"success","code":"","state":"xyz"}`,
		`{"type":"error","message":"no id"}`,
		`{"type":"progress"}`,
		`{"code":"abc","state":"xyz"}`,
	} {
		_, err := ParseMessage([]byte(bad))
		assert.Error(t, err, bad)
	}
}

func TestMessageSignal_MalformedBecomesFailure(t *testing.T) {
	sig := MessageSignal([]byte(`{"type":"success"}`))
	f, ok := sig.(Failure)
	require.True(t, ok)
	assert.Equal(t, ErrorMalformedMessage, f.ErrorID)
}

func launch() Launch {
	return Launch{ClientID: "bank", RedirectTarget: target, State: "state-1", Nonce: "nonce-1", Assertion: "a.b.c"}
}

func TestSimulator_Approve(t *testing.T) {
	sim := &Simulator{Behavior: BehaviorApprove}
	got := make(chan Signal, 1)
	require.NoError(t, sim.Launch(context.Background(), launch(), func(s Signal) { got <- s }))

	select {
	case sig := <-got:
		success, ok := sig.(Success)
		require.True(t, ok)
		assert.Equal(t, "state-1", success.State)
		assert.Equal(t, sim.Codes()[0], success.Code)
	case <-time.After(time.Second):
		t.Fatal("no signal")
	}
	assert.Len(t, sim.Launches(), 1)
}

func TestSimulator_AbortStopsResponse(t *testing.T) {
	sim := &Simulator{Behavior: BehaviorApprove, Delay: 50 * time.Millisecond}
	got := make(chan Signal, 1)
	require.NoError(t, sim.Launch(context.Background(), launch(), func(s Signal) { got <- s }))
	require.NoError(t, sim.Abort(context.Background(), "state-1"))

	select {
	case <-got:
		t.Fatal("aborted session responded")
	case <-time.After(150 * time.Millisecond):
	}
	assert.Equal(t, []string{"state-1"}, sim.Aborted())
}

func TestSimulator_FailLaunch(t *testing.T) {
	sim := &Simulator{FailLaunch: true}
	err := sim.Launch(context.Background(), launch(), func(Signal) {})
	require.ErrorIs(t, err, ErrLaunchFailed)
}
