package app

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestPrettyHandler_PlainLine(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}, false))

	log.With("account_id", "u1").WithGroup("fence").Info("fence.displaced",
		"from", "authoritative",
		"reason", "foreign token",
		"err", errors.New("boom"),
	)

	line := buf.String()
	for _, want := range []string{
		"lvl=[INFO]",
		"msg=fence.displaced",
		"account_id=u1",
		"fence.from=authoritative",
		`fence.reason="foreign token"`,
		"fence.err=boom",
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("missing %q in %q", want, line)
		}
	}
	if strings.Contains(line, "\x1b[") {
		t.Fatalf("unexpected ANSI codes without color: %q", line)
	}
}

func TestPrettyHandler_LevelFilterAndColor(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}, true))

	log.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info must be filtered at warn level: %q", buf.String())
	}

	log.Warn("fence.op.fail", "to", "displaced", "status", 503)
	line := buf.String()
	if !strings.Contains(line, ansiYellow+"[WARN]"+ansiReset) {
		t.Fatalf("missing colored level: %q", line)
	}
	if !strings.Contains(line, ansiRed+"displaced"+ansiReset) {
		t.Fatalf("missing colored state: %q", line)
	}
	if !strings.Contains(line, ansiRed+"503"+ansiReset) {
		t.Fatalf("missing colored status: %q", line)
	}
}

func TestQuoteIfNeeded(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"":        `""`,
		"plain":   "plain",
		"a b":     `"a b"`,
		`k=v`:     `"k=v"`,
		"tab\tin": `"tab\tin"`,
	}
	for in, want := range cases {
		if got := quoteIfNeeded(in); got != want {
			t.Fatalf("quoteIfNeeded(%q)=%q want %q", in, got, want)
		}
	}
}
