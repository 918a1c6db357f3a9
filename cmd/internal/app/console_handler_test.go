package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestStripANSI(t *testing.T) {
	t.Parallel()

	in := ansiBlue + "INF" + ansiReset + " plain " + ansiRed + "ERR" + ansiReset
	got := stripANSI(in)
	want := "INF plain ERR"
	if got != want {
		t.Fatalf("stripANSI()=%q want=%q", got, want)
	}
}

func TestConsoleHandler_RequestLine(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newConsoleHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, true))
	log.Warn("http.request",
		"method", "post",
		"path", "/auth/login",
		"status", 401,
		"status_class", "4xx",
		"result", "client_error",
		"duration_ms", int64(12),
		"user_agent", "curl test",
	)

	out := stripANSI(buf.String())
	for _, want := range []string{
		"WRN http    request POST /auth/login 401 12ms",
		`user_agent="curl test"`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %q", want, out)
		}
	}
	for _, gone := range []string{"status_class", "result=", "4xx"} {
		if strings.Contains(out, gone) {
			t.Fatalf("%q should be folded into the status colour: %q", gone, out)
		}
	}
	if buf.String() == out {
		t.Fatalf("expected ANSI colour codes in coloured output")
	}
}

func TestConsoleHandler_LiftsActorIDs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newConsoleHandler(&buf, nil, false))
	log.Warn("session.rotate.reuse_detected",
		"revoked", 3,
		"session_id", "01HZX3Q0R8W5D2V7Q3ZK9MD",
		"user_id", "0b8f3a52-6c1e-4d7a-9f0e-3d2b1c4a5e60",
	)

	out := buf.String()
	want := "WRN session rotate.reuse_detected user=0b8f3a52… sid=…7Q3ZK9MD revoked=3"
	if !strings.Contains(out, want) {
		t.Fatalf("missing %q in %q", want, out)
	}
	if strings.Contains(out, "user_id=") || strings.Contains(out, "session_id=") {
		t.Fatalf("actor ids should be lifted: %q", out)
	}
}

func TestConsoleHandler_GroupsAndAttrs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newConsoleHandler(&buf, nil, false)).
		With("component", "vault").
		WithGroup("share")
	log.Info("vault.share.created", "item_id", "i1", slog.Group("recipient", "id", "u2"))

	out := buf.String()
	for _, want := range []string{"INF vault   share.created", "component=vault", "share.item_id=i1", "share.recipient.id=u2"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %q", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("colour disabled but ANSI found: %q", out)
	}
}

func TestConsoleHandler_UndottedMessage(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	slog.New(newConsoleHandler(&buf, nil, false)).Error("boom", "err", "disk full")

	out := buf.String()
	if !strings.Contains(out, "ERR boom err=\"disk full\"") {
		t.Fatalf("unexpected output: %q", out)
	}
}
