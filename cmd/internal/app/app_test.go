package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	v1 "courier/shared/contracts/session/v1"

	"github.com/coder/websocket"
)

func TestRuntimeBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "explicit localhost", in: "127.0.0.1:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v4", in: "0.0.0.0:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v6", in: "[::]:9090", want: "http://127.0.0.1:9090"},
		{name: "port only", in: ":7070", want: "http://127.0.0.1:7070"},
		{name: "ipv6 host", in: "[2001:db8::1]:9090", want: "http://[2001:db8::1]:9090"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := runtimeBaseURL(tc.in)
			if got != tc.want {
				t.Fatalf("runtimeBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
			}
		})
	}
}

func TestWSBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
		{in: "https://courier.example.com", want: "wss://courier.example.com"},
		{in: "127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
	}

	for _, tc := range cases {
		got := wsBaseURL(tc.in)
		if got != tc.want {
			t.Fatalf("wsBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	for _, k := range []string{"COURIER_HTTP_ADDR", "COURIER_FENCE_BACKEND", "COURIER_LOG_FORMAT", "COURIER_DB_SCHEMA", "COURIER_REDIS_DB", "COURIER_WS_REQUIRE_AUTH"} {
		t.Setenv(k, "")
	}

	cfg := LoadConfig()
	if cfg.HTTPAddr != "0.0.0.0:8080" {
		t.Fatalf("HTTPAddr=%q", cfg.HTTPAddr)
	}
	if cfg.Backend != BackendMemory {
		t.Fatalf("Backend=%q", cfg.Backend)
	}
	if cfg.LogFormat != "json" {
		t.Fatalf("LogFormat=%q", cfg.LogFormat)
	}
	if cfg.DBSchema != "courier" || cfg.RedisDB != 0 || !cfg.WSRequireAuth || !cfg.ReadinessRequireStore {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("COURIER_FENCE_BACKEND", "Redis")
	t.Setenv("COURIER_LOG_FORMAT", "pretty")
	t.Setenv("COURIER_REDIS_DB", "3")
	t.Setenv("COURIER_REDIS_ADDR", "a:6379, b:6379")

	cfg := LoadConfig()
	if cfg.Backend != BackendRedis || cfg.LogFormat != "pretty" || cfg.RedisDB != 3 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if got := splitCSV(cfg.RedisAddr); len(got) != 2 || got[1] != "b:6379" {
		t.Fatalf("splitCSV=%v", got)
	}

	t.Setenv("COURIER_FENCE_BACKEND", "cassandra")
	if got := LoadConfig().Backend; got != BackendMemory {
		t.Fatalf("unknown backend should fall back to memory, got %q", got)
	}
}

func TestNewBackend_RequiresConnectionSettings(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	for _, name := range []string{BackendPostgres, BackendRedis, BackendNATS, BackendMongo} {
		_, err := newBackend(context.Background(), Config{Backend: name}, log)
		if err == nil || !strings.Contains(err.Error(), "required") {
			t.Fatalf("%s: expected missing-setting error, got %v", name, err)
		}
	}
}

func TestApp_HTTPSurfaceAndSessionLifecycle(t *testing.T) {
	t.Setenv("COURIER_WS_REQUIRE_AUTH", "false")
	t.Setenv("COURIER_WS_ORIGIN_REQUIRED", "false")
	t.Setenv("COURIER_TOKEN_HMAC_KEY", "")
	t.Setenv("COURIER_FENCE_HEARTBEAT_INTERVAL", "200ms")
	t.Setenv("COURIER_FENCE_OP_TIMEOUT", "100ms")
	t.Setenv("COURIER_FENCE_BACKEND", "memory")

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(context.Background(), LoadConfig(), log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		a.ws.Shutdown()
		srv.Close()
		a.Close(context.Background())
	})

	for path, want := range map[string]int{
		"/healthz": http.StatusOK,
		"/readyz":  http.StatusOK,
		"/metrics": http.StatusOK,
	} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != want {
			t.Fatalf("GET %s status=%d want %d", path, resp.StatusCode, want)
		}
		if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
			t.Fatalf("GET %s missing security headers", path)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{Subprotocols: []string{v1.Subprotocol}})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial through middleware: %v", err)
	}
	defer func() { _ = conn.CloseNow() }()

	payload, _ := json.Marshal(v1.HelloPayload{AccountID: "u1"})
	hello, _ := json.Marshal(v1.Envelope{V: v1.Version, Type: v1.TypeHello, ID: "h1", TS: time.Now().UTC(), Payload: payload})
	if err := conn.Write(ctx, websocket.MessageText, hello); err != nil {
		t.Fatalf("write hello: %v", err)
	}

	_, b, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read hello_ack: %v", err)
	}
	var ack v1.Envelope
	if err := json.Unmarshal(b, &ack); err != nil || ack.Type != v1.TypeHelloAck {
		t.Fatalf("unexpected frame %s (err=%v)", b, err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for a.fence.Active() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("attachment not registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	mresp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(mresp.Body)
	_ = mresp.Body.Close()
	if !strings.Contains(string(body), "courier_fence_authoritative 1") {
		t.Fatalf("metrics missing authoritative gauge:\n%s", body)
	}
}
