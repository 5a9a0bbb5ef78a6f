package realtime

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
	"strconv"
	"strings"
	"sync"
	"time"

	"courier/cmd/identity/ids"
	"courier/cmd/internal/fence"
	"courier/cmd/internal/ratelimit"
	v1 "courier/shared/contracts/session/v1"

	"github.com/coder/websocket"
)

const (
	wsDefaultSendQueueSize = 32
	wsMinSendQueueSize     = 8

	wsDefaultWriteTimeout = 5 * time.Second
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default.
	// - Hello must carry a verified token by default.
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
	wsDefaultRequireAuth    = true

	// StatusSessionDisplaced closes a connection whose session a newer login took over.
	StatusSessionDisplaced = websocket.StatusCode(v1.CloseSessionDisplaced)

	displacedReason = "signed_in_elsewhere"
)

var errBadJSON = errors.New("invalid JSON")

// WSGateway is the WebSocket entrypoint for Courier sessions.
//
// A connection attaches to an account with hello, which places a fence
// attachment for the account. Client frames count as local interaction and
// feed the attachment's heartbeat. When a newer login displaces the
// attachment the client receives session_displaced and the connection is
// closed with StatusSessionDisplaced.
type WSGateway struct {
	log   *slog.Logger
	fence *fence.Fence
	auth  Authenticator

	devInsecure    bool
	originRequired bool
	allowedOrigins []string
	requireAuth    bool

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout  time.Duration
	helloTimeout  time.Duration
	sendQueueSize int

	pingEvery   time.Duration
	pingTimeout time.Duration

	rateEvents int
	rateWindow time.Duration

	closing     chan struct{}
	closingOnce sync.Once
}

// NewWSGateway constructs a gateway with secure defaults read from the
// COURIER_WS_* environment. auth may be nil when authentication is disabled.
func NewWSGateway(log *slog.Logger, f *fence.Fence, auth Authenticator) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	g := &WSGateway{log: log, fence: f, auth: auth, closing: make(chan struct{})}

	// NOTE: InsecureSkipVerify is a dev-only knob that disables Accept's origin verification.
	g.devInsecure = envBoolWS("COURIER_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("COURIER_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("COURIER_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)
	g.requireAuth = envBoolWS("COURIER_WS_REQUIRE_AUTH", wsDefaultRequireAuth)

	// websocket.Accept enforces its own origin policy (same host, or OriginPatterns
	// for cross-origin). Patterns are derived from the allowlist so both layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("COURIER_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.helloTimeout = envDurationWS("COURIER_WS_HELLO_TIMEOUT", helloTimeout)

	g.sendQueueSize = envIntWS("COURIER_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.pingEvery = envDurationWS("COURIER_WS_PING_INTERVAL", pingInterval)
	g.pingTimeout = envDurationWS("COURIER_WS_PING_TIMEOUT", pingTimeout)

	g.rateEvents = envIntWS("COURIER_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("COURIER_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// Shutdown asks every open connection to close with StatusGoingAway.
// It does not wait for them.
func (g *WSGateway) Shutdown() {
	g.closingOnce.Do(func() { close(g.closing) })
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the session loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if g.fence == nil {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	// Non-browser clients may authenticate during the handshake.
	var preAuthAccount string
	if raw := bearerToken(r); raw != "" {
		accountID, err := g.authenticate(r.Context(), raw)
		if err != nil {
			g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		preAuthAccount = accountID
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	connID := ids.NewConnectionID()
	client := NewClient(connID, g.sendQueueSize)
	log := g.log.With("connection_id", connID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		closeOnce sync.Once
		att       *fence.Attachment
	)

	// shutdown is idempotent. It does NOT close client.Send.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := ratelimit.New(g.rateEvents, g.rateWindow, rateLimitEvents, rateLimitWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case out := <-client.Send:
				if err := writeEnvelope(ctx, conn, out.Envelope, g.writeTimeout); err != nil {
					log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
				if out.CloseCode != 0 {
					shutdown(out.CloseCode, out.CloseReason)
					return
				}
			}
		}
	}()

	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)

		t := time.NewTicker(g.pingEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-g.closing:
				shutdown(websocket.StatusGoingAway, "server shutting down")
				return
			case <-t.C:
				pingCtx, pingCancel := context.WithTimeout(ctx, g.pingTimeout)
				err := conn.Ping(pingCtx)
				pingCancel()

				if err != nil {
					failures++
					log.Info("ws.ping.fail", "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	// fail reports an error to the client and closes the connection after it is written.
	finalQueued := false
	fail := func(code websocket.StatusCode, reason, errCode, msg string) {
		if g.sendFinal(ctx, client, errorEnvelope(errCode, msg), code, reason) {
			finalQueued = true
			return
		}
		shutdown(code, reason)
	}

readLoop:
	for {
		readCtx, readCancel := ctx, context.CancelFunc(func() {})
		if att == nil {
			readCtx, readCancel = context.WithTimeout(ctx, g.helloTimeout)
		}
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				if att == nil && ctx.Err() == nil {
					// The read deadline tore the connection down already.
					log.Info("ws.hello.timeout")
					shutdown(websocket.StatusPolicyViolation, "hello timeout")
					break readLoop
				}
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				log.Info("ws.read.fail", "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now().UTC()) {
			fail(websocket.StatusPolicyViolation, "rate limited", "rate_limited", "too many events")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			if att != nil {
				g.trySendError(ctx, client, "already_attached", "hello already accepted")
				continue readLoop
			}
			a, err := g.onHello(ctx, client, env, preAuthAccount, shutdown)
			if err != nil {
				log.Info("ws.hello.fail", "err", err)
				code, reason := websocket.StatusPolicyViolation, "hello failed"
				if errors.Is(err, fence.ErrClosed) {
					code, reason = websocket.StatusGoingAway, "server shutting down"
				}
				fail(code, reason, helloErrorCode(err), err.Error())
				break readLoop
			}
			att = a
			log.Info("ws.attached", "account_id", att.AccountID())

		case v1.TypeActivity:
			if att == nil {
				g.trySendError(ctx, client, "not_attached", "hello first")
				continue readLoop
			}
			att.Touch()

		case v1.TypeLogout:
			if att != nil {
				att.Release()
				log.Info("ws.logout", "account_id", att.AccountID())
			}
			shutdown(websocket.StatusNormalClosure, "logout")
			break readLoop

		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	if finalQueued {
		select {
		case <-writerDone:
		case <-time.After(wsCloseGrace):
		}
	}
	shutdown(websocket.StatusNormalClosure, "bye")
	if att != nil {
		att.Release()
	}
	<-writerDone

	select {
	case <-pingDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *WSGateway) onHello(ctx context.Context, client *Client, env v1.Envelope, preAuthAccount string, shutdown func(websocket.StatusCode, string)) (*fence.Attachment, error) {
	var p v1.HelloPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}

	accountID := preAuthAccount
	if accountID == "" {
		var err error
		if accountID, err = g.resolveAccount(ctx, p); err != nil {
			return nil, err
		}
	}

	onForceLogout := func() {
		payload, _ := json.Marshal(v1.SessionDisplacedPayload{AccountID: accountID, Reason: displacedReason})
		out := newEnvelope(v1.TypeSessionDisplaced, payload, time.Now().UTC())
		g.log.Info("ws.session.displaced", "connection_id", client.ConnectionID, "account_id", accountID)
		if !g.sendFinal(ctx, client, out, StatusSessionDisplaced, "session displaced") {
			// The writer is gone or the queue is full: close without the envelope.
			shutdown(StatusSessionDisplaced, "session displaced")
		}
	}

	att, err := g.fence.Attach(ctx, accountID, onForceLogout)
	if err != nil {
		return nil, err
	}

	ackPayload, _ := json.Marshal(v1.HelloAckPayload{
		ConnectionID:        client.ConnectionID,
		AccountID:           accountID,
		HeartbeatIntervalMS: g.fence.Config().HeartbeatInterval.Milliseconds(),
	})
	ack := newEnvelope(v1.TypeHelloAck, ackPayload, time.Now().UTC())

	if !g.enqueue(ctx, client, Outbound{Envelope: ack}) {
		att.Release()
		return nil, errors.New("backpressure: hello_ack")
	}
	return att, nil
}

func (g *WSGateway) resolveAccount(ctx context.Context, p v1.HelloPayload) (string, error) {
	if tok := strings.TrimSpace(p.Token); tok != "" {
		return g.authenticate(ctx, tok)
	}

	if g.requireAuth {
		return "", fmt.Errorf("%w: missing token", ErrUnauthenticated)
	}

	accountID := strings.TrimSpace(p.AccountID)
	if accountID == "" {
		return "", errors.New("missing account_id")
	}
	return accountID, nil
}

func (g *WSGateway) authenticate(ctx context.Context, tok string) (string, error) {
	if g.auth == nil {
		return "", fmt.Errorf("%w: token authentication is not configured", ErrUnauthenticated)
	}
	accountID, err := g.auth.Authenticate(ctx, tok)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if strings.TrimSpace(accountID) == "" {
		return "", fmt.Errorf("%w: token has no account", ErrUnauthenticated)
	}
	return accountID, nil
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

func helloErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, fence.ErrClosed):
		return "unavailable"
	default:
		return "hello_failed"
	}
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	_ = g.enqueue(ctx, client, Outbound{Envelope: errorEnvelope(code, msg)})
}

// sendFinal queues env and asks the writer to close the connection after it.
func (g *WSGateway) sendFinal(ctx context.Context, client *Client, env v1.Envelope, code websocket.StatusCode, reason string) bool {
	return g.enqueue(ctx, client, Outbound{Envelope: env, CloseCode: code, CloseReason: reason})
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, out Outbound) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- out:
		return true
	default:
		return false
	}
}

func errorEnvelope(code, msg string) v1.Envelope {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	return newEnvelope(v1.TypeError, p, time.Now().UTC())
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	// crypto/rand does not fail on supported platforms.
	id, _ := ids.NewULID(ts)
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      ts,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
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
	if errors.Is(err, errBadJSON) {
		return readErrBadJSON
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
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
	// Only hosts extracted from the allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	out := make([]string, 0, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
