package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"quorum/cmd/internal/coord"
	v1 "quorum/shared/contracts/coord/v1"

	"github.com/coder/websocket"
)

const (
	wsSubprotocolV1 = "quorum.coord.v1"

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3
)

// Options carries the gateway's transport and security knobs. The app
// layer fills it from the environment; a nil allowlist and zero
// durations or counts fall back to the package defaults.
type Options struct {
	DevInsecure    bool
	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	HelloTimeout    time.Duration

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultOptions returns the secure defaults: origin required, only
// localhost allowed.
func DefaultOptions() Options {
	return Options{
		OriginRequired:    true,
		AllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:      wsDefaultWriteTimeout,
		ReadIdleTimeout:   wsDefaultReadIdle,
		HelloTimeout:      helloTimeout,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
	}
}

// WSGateway is the WebSocket entrypoint of the coordination layer.
//
// It enforces origin policy, subprotocol selection, rate limits and
// heartbeats, runs the hello-first attach handshake, and routes
// validated envelopes to the Hub. When a connection ends, the gateway
// classifies the cause into a detach reason, which decides whether the
// hub mints a recovery token.
type WSGateway struct {
	log *slog.Logger
	hub *coord.Hub

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	helloTimeout    time.Duration

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration

	closeOnce sync.Once
	closing   chan struct{}
}

// NewWSGateway constructs a gateway from opts, backfilling unset knobs
// with the package defaults.
func NewWSGateway(log *slog.Logger, hub *coord.Hub, opts Options) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	def := DefaultOptions()
	if opts.AllowedOrigins == nil {
		opts.AllowedOrigins = def.AllowedOrigins
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.ReadIdleTimeout <= 0 {
		opts.ReadIdleTimeout = def.ReadIdleTimeout
	}
	if opts.HelloTimeout <= 0 {
		opts.HelloTimeout = def.HelloTimeout
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = def.HeartbeatInterval
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if opts.RateEvents <= 0 {
		opts.RateEvents = def.RateEvents
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = def.RateWindow
	}

	g := &WSGateway{
		log:     log,
		hub:     hub,
		closing: make(chan struct{}),

		// NOTE: DevInsecure skips TLS verification only. It is not an
		// origin policy.
		devInsecure:    opts.DevInsecure,
		originRequired: opts.OriginRequired,
		allowedOrigins: opts.AllowedOrigins,

		writeTimeout:    opts.WriteTimeout,
		readIdleTimeout: opts.ReadIdleTimeout,
		helloTimeout:    opts.HelloTimeout,

		heartbeatEvery:   opts.HeartbeatInterval,
		heartbeatTimeout: opts.HeartbeatTimeout,

		rateEvents: opts.RateEvents,
		rateWindow: opts.RateWindow,
	}

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)
	return g
}

// Shutdown marks the gateway as draining. Connections the hub closes
// from here on detach as a renegotiation (recoverable, the client may
// resume after restart) rather than as a policy kick.
func (g *WSGateway) Shutdown() {
	g.closeOnce.Do(func() { close(g.closing) })
}

func (g *WSGateway) draining() bool {
	select {
	case <-g.closing:
		return true
	default:
		return false
	}
}

// hubCloseReason classifies a hub-initiated connection close: a logout
// or policy kick in steady state, a recoverable renegotiation while the
// server is draining.
func (g *WSGateway) hubCloseReason() string {
	if g.draining() {
		return coord.DetachReasonRenegotiation
	}
	return coord.DetachReasonPolicy
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the
// coordination loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wsSubprotocolV1},

		// Authorize allowed origin hosts for cross-origin requests.
		OriginPatterns: g.originPatterns,

		// Dev-only escape hatch.
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = ws.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := ws.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = ws.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	ws.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn, err := g.handshake(ctx, ws)
	if err != nil {
		g.log.Info("ws.hello.fail", "remote", r.RemoteAddr, "err", err)
		_ = ws.Close(websocket.StatusPolicyViolation, "hello failed")
		return
	}

	var (
		closeOnce    sync.Once
		detachReason = coord.DetachReasonTransportError
	)

	// shutdown is idempotent. It does NOT close conn.Send; broadcast
	// safety relies on the queue staying open until the hub detached the
	// connection. The first caller's reason wins.
	shutdown := func(code websocket.StatusCode, wsReason, reason string) {
		closeOnce.Do(func() {
			detachReason = reason
			_ = ws.Close(code, wsReason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-conn.Done():
				// Closed by the hub: a logout kick, or the server
				// draining for restart. Only the former is a policy
				// departure.
				if reason := g.hubCloseReason(); reason == coord.DetachReasonRenegotiation {
					shutdown(websocket.StatusServiceRestart, "server restarting", reason)
				} else {
					shutdown(websocket.StatusPolicyViolation, "session ended", reason)
				}
				return
			case env := <-conn.Send:
				if err := writeEnvelope(ctx, ws, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "connection_id", conn.ID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed", coord.DetachReasonTransportError)
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-conn.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := ws.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "connection_id", conn.ID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed", coord.DetachReasonTimeout)
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, ws)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed", closeStatusReason(err))
				break readLoop
			case readErrCtxDone:
				if ctx.Err() != nil {
					// Server-driven cancellation, not client idleness.
					shutdown(websocket.StatusGoingAway, "shutting down", coord.DetachReasonServerShutdown)
				} else {
					shutdown(websocket.StatusGoingAway, "idle timeout", coord.DetachReasonTimeout)
				}
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed", coord.DetachReasonTransportError)
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, conn, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "connection_id", conn.ID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed", coord.DetachReasonTransportError)
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(ctx, conn, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited", coord.DetachReasonPolicy)
			break readLoop
		}

		if err := g.hub.HandleMessage(ctx, conn, env); err != nil {
			var perr *coord.ProtocolError
			if errors.As(err, &perr) {
				g.trySendError(ctx, conn, perr.Code, perr.Message)
				continue readLoop
			}
			g.log.Error("ws.dispatch.fail", "connection_id", conn.ID, "type", env.Type, "err", err)
			g.trySendError(ctx, conn, "internal", "internal error")
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye", coord.DetachReasonClientClose)
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}

	// Detach runs on its own context: the request context is already
	// canceled by now, but the hub still needs the store.
	detachCtx, detachCancel := context.WithTimeout(context.Background(), g.writeTimeout)
	defer detachCancel()
	g.hub.Detach(detachCtx, conn, detachReason)
}

// handshake reads the mandatory first hello frame and attaches the
// connection. The ack is written directly, before the writer goroutine
// starts draining the queue, so it always precedes the state snapshot.
func (g *WSGateway) handshake(ctx context.Context, ws *websocket.Conn) (*coord.Conn, error) {
	helloCtx, cancel := context.WithTimeout(ctx, g.helloTimeout)
	defer cancel()

	env, err := readEnvelope(helloCtx, ws)
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("hello envelope: %w", err)
	}
	if env.Type != v1.TypeHello {
		return nil, fmt.Errorf("expected hello, got %q", env.Type)
	}

	var hello v1.HelloPayload
	if err := json.Unmarshal(env.Payload, &hello); err != nil {
		return nil, fmt.Errorf("hello payload: %w", err)
	}

	conn, ack, err := g.hub.Attach(ctx, hello)
	if err != nil {
		var perr *coord.ProtocolError
		if errors.As(err, &perr) {
			g.writeErrorDirect(ctx, ws, perr.Code, perr.Message)
		} else {
			g.writeErrorDirect(ctx, ws, "internal", "attach failed")
		}
		return nil, err
	}

	ackRaw, _ := json.Marshal(ack)
	ackEnv := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHelloAck,
		TS:      time.Now().UTC(),
		Payload: ackRaw,
	}
	if err := writeEnvelope(ctx, ws, ackEnv, g.writeTimeout); err != nil {
		detachCtx, detachCancel := context.WithTimeout(context.Background(), g.writeTimeout)
		defer detachCancel()
		g.hub.Detach(detachCtx, conn, coord.DetachReasonTransportError)
		return nil, fmt.Errorf("write hello_ack: %w", err)
	}
	return conn, nil
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, conn *coord.Conn, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	env := v1.Envelope{V: v1.Version, Type: v1.TypeError, TS: time.Now().UTC(), Payload: p}

	select {
	case <-ctx.Done():
	case <-conn.Done():
	case conn.Send <- env:
	default:
	}
}

// writeErrorDirect is used before a connection exists (handshake phase).
func (g *WSGateway) writeErrorDirect(ctx context.Context, ws *websocket.Conn, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	env := v1.Envelope{V: v1.Version, Type: v1.TypeError, TS: time.Now().UTC(), Payload: p}
	_ = writeEnvelope(ctx, ws, env, g.writeTimeout)
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, ws *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := ws.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, ws *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not ws.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// closeStatusReason maps a close frame from the peer onto a detach
// reason. A clean close is a deliberate departure; GoingAway (page
// navigation, tab refresh) is recoverable.
func closeStatusReason(err error) string {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure:
		return coord.DetachReasonClientClose
	case websocket.StatusGoingAway:
		return coord.DetachReasonGoingAway
	case websocket.StatusServiceRestart, websocket.StatusTryAgainLater:
		return coord.DetachReasonRenegotiation
	default:
		return coord.DetachReasonTransportError
	}
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	// Stable in-file sort (avoid importing sort just for this).
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}
