package diag

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestWarnOnceLogsOnlyFirstOccurrence(t *testing.T) {
	var buf bytes.Buffer
	l := New(slog.New(slog.NewTextHandler(&buf, nil)))

	l.Warn("jitheap-mmap", "mmap writable alias failed", "err", "ENOMEM")
	l.Warn("jitheap-mmap", "mmap writable alias failed", "err", "ENOMEM")
	l.Warn("jitheap-mmap", "mmap writable alias failed", "err", "ENOMEM")

	out := buf.String()
	if n := strings.Count(out, "mmap writable alias failed"); n != 1 {
		t.Fatalf("logged %d times, want 1: %s", n, out)
	}
	if got := l.Count("jitheap-mmap"); got != 3 {
		t.Fatalf("Count() = %d, want 3", got)
	}
}

func TestWarnDistinctKeysBothLog(t *testing.T) {
	var buf bytes.Buffer
	l := New(slog.New(slog.NewTextHandler(&buf, nil)))

	l.Warn("a", "first warning")
	l.Warn("b", "second warning")

	out := buf.String()
	if !strings.Contains(out, "first warning") || !strings.Contains(out, "second warning") {
		t.Fatalf("expected both warnings logged, got: %s", out)
	}
}

func TestResetAllowsRelogging(t *testing.T) {
	var buf bytes.Buffer
	l := New(slog.New(slog.NewTextHandler(&buf, nil)))

	l.Warn("k", "dropped block, falling back to interpreter")
	l.Reset()
	l.Warn("k", "dropped block, falling back to interpreter")

	if n := strings.Count(buf.String(), "dropped block"); n != 2 {
		t.Fatalf("logged %d times after reset, want 2", n)
	}
}
