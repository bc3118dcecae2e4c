package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestStripANSI(t *testing.T) {
	t.Parallel()

	in := ansiBlue + "INFO" + ansiReset + " plain " + ansiRed + "ERR" + ansiReset
	got := stripANSI(in)
	want := "INFO plain ERR"
	if got != want {
		t.Fatalf("stripANSI()=%q want=%q", got, want)
	}
}

func TestPrettyHandler_ColouredOutputStripsToPlain(t *testing.T) {
	t.Parallel()

	var colored, plain bytes.Buffer
	attrs := []any{"method", "POST", "path", "/session", "status", 401, "outcome", "invalid"}

	slog.New(newPrettyHandler(&colored, nil, true)).Warn("auth.login.fail", attrs...)
	slog.New(newPrettyHandler(&plain, nil, false)).Warn("auth.login.fail", attrs...)

	if !strings.Contains(colored.String(), "\x1b[") {
		t.Fatalf("expected escapes in %q", colored.String())
	}
	// Timestamps differ between the two records; compare everything after them.
	c := stripANSI(colored.String())
	p := plain.String()
	if c[strings.Index(c, " "):] != p[strings.Index(p, " "):] {
		t.Fatalf("stripped %q != plain %q", c, p)
	}
}

func TestPrettyHandler_GroupsAndQuoting(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false))

	log.WithGroup("room").Debug("room.join",
		"name", "support:42",
		slog.Group("client", "id", "c1"),
		"note", "two words",
		"wait", 1500*time.Millisecond,
	)

	out := buf.String()
	for _, want := range []string{"DBG", "room.name=support:42", "room.client.id=c1", `room.note="two words"`, "room.wait=1.5s"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q missing %q", out, want)
		}
	}
}

func TestPrettyHandler_RespectsLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}, false))
	log.Info("quiet")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered: %q", buf.String())
	}
}

func TestPrettyHandler_BoundAttrsKeepTheirGroup(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, false)).
		With("request_id", "r9").
		WithGroup("room").
		With("status", 101)
	log.Info("room.accept", "conn_id", "c1")

	out := buf.String()
	for _, want := range []string{" req=r9", " room.status=101", " room.conn_id=c1"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q missing %q", out, want)
		}
	}
	if strings.Contains(out, "room.req") {
		t.Fatalf("bound attr picked up a later group: %q", out)
	}
}
