package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		got := parseLogLevel(tc.in)
		if got != tc.want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestNewHandler_Formats(t *testing.T) {
	t.Parallel()

	var jsonBuf bytes.Buffer
	slog.New(newHandler(&jsonBuf, "info", "json", false)).Info("server.start", "addr", ":8080")
	var rec map[string]any
	if err := json.Unmarshal(jsonBuf.Bytes(), &rec); err != nil {
		t.Fatalf("json handler output is not JSON: %v (%q)", err, jsonBuf.String())
	}
	if rec["msg"] != "server.start" || rec["addr"] != ":8080" {
		t.Fatalf("unexpected record: %v", rec)
	}

	var textBuf bytes.Buffer
	slog.New(newHandler(&textBuf, "info", "text", false)).Info("server.start", "addr", ":8080")
	if !strings.Contains(textBuf.String(), "msg=server.start") {
		t.Fatalf("text handler output: %q", textBuf.String())
	}

	var prettyBuf bytes.Buffer
	slog.New(newHandler(&prettyBuf, "info", "pretty", false)).Info("server.start", "addr", ":8080")
	if !strings.HasPrefix(prettyBuf.String(), "ts=") {
		t.Fatalf("pretty handler output: %q", prettyBuf.String())
	}
}
