// Package main provides a CI-friendly WebSocket smoke test for the Courier
// session fence against a running server.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/ack attachment (signed token when a key is available)
//   - activity frames are accepted
//   - a second login for the same account displaces the first:
//     session_displaced followed by close code 4001
//   - the surviving connection logs out cleanly (close 1000)
//   - the account can attach again afterwards
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"courier/cmd/security/token"
	v1 "courier/shared/contracts/session/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 16

type smokeClient struct {
	name         string
	conn         *websocket.Conn
	connectionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		account = flag.String("account", "", "Account id (default: smoke-<unix nanos>)")
		issuer  = flag.String("issuer", "courier", "Token issuer expected by the server")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	acct := strings.TrimSpace(*account)
	if acct == "" {
		acct = fmt.Sprintf("smoke-%d", time.Now().UnixNano())
	}

	// With COURIER_TOKEN_HMAC_KEY set the smoke test signs its own tokens,
	// otherwise it relies on the server running with auth disabled.
	var tokens *token.Manager
	if token.HMACEnabled() {
		m, err := token.NewManagerFromEnv(*issuer, time.Minute)
		if err != nil {
			fatalf("token manager: %v", err)
		}
		tokens = m
	}

	root := context.Background()

	a := mustAttach(root, "A", *wsURL, *origin, acct, tokens, *timeout)
	defer closeWS(a.conn)
	mustWrite(root, a, v1.TypeActivity, v1.ActivityPayload{}, *timeout)

	b := mustAttach(root, "B", *wsURL, *origin, acct, tokens, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("attached: account=%s A=%s B=%s\n", acct, a.connectionID, b.connectionID)
	}

	displaced := a.mustReadUntilType(root, v1.TypeSessionDisplaced, *timeout)
	var dp v1.SessionDisplacedPayload
	if err := json.Unmarshal(displaced.Payload, &dp); err != nil {
		fatalf("unmarshal session_displaced: %v", err)
	}
	if dp.AccountID != acct {
		fatalf("session_displaced account mismatch: got=%q want=%q", dp.AccountID, acct)
	}
	a.mustClosedWith(root, websocket.StatusCode(v1.CloseSessionDisplaced), *timeout)

	mustWrite(root, b, v1.TypeActivity, v1.ActivityPayload{}, *timeout)
	mustWrite(root, b, v1.TypeLogout, v1.LogoutPayload{}, *timeout)
	b.mustClosedWith(root, websocket.StatusNormalClosure, *timeout)

	c := mustAttach(root, "C", *wsURL, *origin, acct, tokens, *timeout)
	mustWrite(root, c, v1.TypeLogout, v1.LogoutPayload{}, *timeout)
	c.mustClosedWith(root, websocket.StatusNormalClosure, *timeout)

	fmt.Printf("OK: account=%s displaced=%s survivor=%s reattached=%s\n", acct, a.connectionID, b.connectionID, c.connectionID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustAttach(parent context.Context, name, wsURL, origin, account string, tokens *token.Manager, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	assertSubprotocol(resp, v1.Subprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 64),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	hello := v1.HelloPayload{AccountID: account}
	if tokens != nil {
		raw, _, err := tokens.Issue(account)
		if err != nil {
			fatalf("issue token (%s): %v", name, err)
		}
		hello = v1.HelloPayload{Token: raw}
	}
	mustWrite(parent, c, v1.TypeHello, hello, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.ConnectionID) == "" {
		fatalf("hello_ack missing connection_id (%s)", name)
	}
	if p.AccountID != account {
		fatalf("hello_ack account mismatch (%s): got=%q want=%q", name, p.AccountID, account)
	}
	c.connectionID = p.ConnectionID
	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.errCh <- err
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.errCh <- fmt.Errorf("bad json: %w", err)
				return
			}
			if err := env.Validate(); err != nil {
				c.errCh <- fmt.Errorf("bad envelope: %w", err)
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.errCh <- errors.New("inbox overflow: consumer too slow")
				return
			}
		}
	}()
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s): %v", wantType, c.name, <-c.errCh)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

// mustClosedWith waits for the read loop to end and checks the close code.
func (c *smokeClient) mustClosedWith(parent context.Context, want websocket.StatusCode, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for close %d (%s)", want, c.name)
		case env, ok := <-c.inbox:
			if ok {
				fatalf("unexpected envelope before close (%s): %q", c.name, env.Type)
			}
			err := <-c.errCh
			if got := websocket.CloseStatus(err); got != want {
				fatalf("close status (%s): got=%d want=%d err=%v", c.name, got, want, err)
			}
			return
		}
	}
}

func mustWrite(parent context.Context, c *smokeClient, typ string, payload any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	env := v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("%s-%s-%d", c.name, typ, time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write %s (%s): %v", typ, c.name, err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
