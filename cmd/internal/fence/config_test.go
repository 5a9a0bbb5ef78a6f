package fence

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestLoadConfigFromEnv_Defaults(t *testing.T) {
	for _, k := range []string{
		"COURIER_FENCE_HEARTBEAT_INTERVAL",
		"COURIER_FENCE_OP_TIMEOUT",
		"COURIER_FENCE_ACTIVITY_BURST",
		"COURIER_FENCE_ACTIVITY_WINDOW",
	} {
		t.Setenv(k, "")
	}

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg != DefaultConfig() {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestLoadConfigFromEnv_Overrides(t *testing.T) {
	t.Setenv("COURIER_FENCE_HEARTBEAT_INTERVAL", "10s")
	t.Setenv("COURIER_FENCE_OP_TIMEOUT", "2s")
	t.Setenv("COURIER_FENCE_ACTIVITY_BURST", "3")
	t.Setenv("COURIER_FENCE_ACTIVITY_WINDOW", "1m")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := Config{
		HeartbeatInterval: 10 * time.Second,
		OpTimeout:         2 * time.Second,
		ActivityBurst:     3,
		ActivityWindow:    time.Minute,
	}
	if cfg != want {
		t.Fatalf("got %+v want %+v", cfg, want)
	}
}

func TestLoadConfigFromEnv_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{name: "bad_interval", key: "COURIER_FENCE_HEARTBEAT_INTERVAL", val: "soon"},
		{name: "zero_interval", key: "COURIER_FENCE_HEARTBEAT_INTERVAL", val: "0s"},
		{name: "timeout_not_below_interval", key: "COURIER_FENCE_OP_TIMEOUT", val: "30s"},
		{name: "bad_burst", key: "COURIER_FENCE_ACTIVITY_BURST", val: "0"},
		{name: "bad_window", key: "COURIER_FENCE_ACTIVITY_WINDOW", val: "-1s"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.val)
			if _, err := LoadConfigFromEnv(); !errors.Is(err, ErrConfig) {
				t.Fatalf("expected ErrConfig, got %v", err)
			}
		})
	}
}

func TestNewSessionToken(t *testing.T) {
	t.Parallel()

	now := time.Now()
	a, err := NewSessionToken("u1", now)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	b, err := NewSessionToken("u1", now)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if a == b {
		t.Fatalf("tokens issued in the same millisecond must differ")
	}
	if !strings.HasPrefix(a, "u1_") || len(a) != len("u1_")+26 {
		t.Fatalf("unexpected token shape %q", a)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		s        State
		want     string
		terminal bool
	}{
		{StatePending, "pending", false},
		{StateAuthoritative, "authoritative", false},
		{StateDisplaced, "displaced", true},
		{StateReleased, "released", true},
	}
	for _, tc := range tests {
		if got := tc.s.String(); got != tc.want {
			t.Fatalf("String(%d)=%q want %q", tc.s, got, tc.want)
		}
		if got := tc.s.Terminal(); got != tc.terminal {
			t.Fatalf("Terminal(%s)=%v", tc.s, got)
		}
	}
}
