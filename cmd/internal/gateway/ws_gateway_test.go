package gateway

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http/httptest"
	"testing"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"quorum/cmd/internal/coord"
)

func TestClassifyReadErr(t *testing.T) {
	t.Parallel()

	closeErr := websocket.CloseError{Code: websocket.StatusNormalClosure}

	require.Equal(t, readErrClose, classifyReadErr(closeErr))
	require.Equal(t, readErrCtxDone, classifyReadErr(context.Canceled))
	require.Equal(t, readErrCtxDone, classifyReadErr(context.DeadlineExceeded))
	require.Equal(t, readErrConnClosed, classifyReadErr(net.ErrClosed))
	require.Equal(t, readErrConnClosed, classifyReadErr(io.EOF))
	require.Equal(t, readErrBadJSON, classifyReadErr(errors.New("invalid character 'x' looking for beginning of value")))
	require.Equal(t, readErrUnknown, classifyReadErr(errors.New("boom")))
}

func TestCloseStatusReason(t *testing.T) {
	t.Parallel()

	cases := []struct {
		code websocket.StatusCode
		want string
	}{
		{websocket.StatusNormalClosure, coord.DetachReasonClientClose},
		{websocket.StatusGoingAway, coord.DetachReasonGoingAway},
		{websocket.StatusServiceRestart, coord.DetachReasonRenegotiation},
		{websocket.StatusTryAgainLater, coord.DetachReasonRenegotiation},
		{websocket.StatusPolicyViolation, coord.DetachReasonTransportError},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, closeStatusReason(websocket.CloseError{Code: tc.code}))
	}
}

func TestOriginHostOnly(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"http://localhost", "localhost"},
		{"http://localhost:5173", "localhost"},
		{"https://App.Example.com:443", "app.example.com"},
		{"localhost:8080", "localhost"},
		{"Example.com", "example.com"},
		{"", ""},
		{"http://", ""},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, originHostOnly(tc.in), tc.in)
	}
}

func TestDeriveOriginPatterns(t *testing.T) {
	t.Parallel()

	got := deriveOriginPatternsFromAllowedOrigins([]string{
		"http://localhost:5173",
		"https://app.example.com",
		"http://localhost", // duplicate host
		"*",                // wildcard is never turned into a pattern
		"",
	})
	require.Equal(t, []string{"app.example.com", "localhost"}, got)
}

func TestHubCloseReasonWhileDraining(t *testing.T) {
	t.Parallel()

	g := NewWSGateway(nil, nil, Options{})

	// Steady state: a hub-initiated close is a policy kick (logout),
	// which never yields a recovery token.
	require.Equal(t, coord.DetachReasonPolicy, g.hubCloseReason())
	require.False(t, coord.Recoverable(g.hubCloseReason()))

	g.Shutdown()
	g.Shutdown() // idempotent

	// Draining: the same close becomes a recoverable renegotiation so
	// clients can resume after the restart.
	require.Equal(t, coord.DetachReasonRenegotiation, g.hubCloseReason())
	require.True(t, coord.Recoverable(g.hubCloseReason()))
}

func TestEnforceOrigin(t *testing.T) {
	t.Parallel()

	g := &WSGateway{
		originRequired: true,
		allowedOrigins: []string{"http://localhost", "https://app.example.com"},
	}

	newReq := func(origin string) error {
		r := httptest.NewRequest("GET", "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return g.enforceOrigin(r)
	}

	require.Error(t, newReq(""))
	require.NoError(t, newReq("http://localhost"))
	// Host match ignores port and scheme.
	require.NoError(t, newReq("http://localhost:5173"))
	require.NoError(t, newReq("https://app.example.com"))
	require.Error(t, newReq("https://evil.example.com"))

	// Optional origin.
	g.originRequired = false
	require.NoError(t, newReq(""))

	// Explicit wildcard allows anything.
	g.allowedOrigins = []string{"*"}
	require.NoError(t, newReq("https://evil.example.com"))
}
