package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/fleetpack/fleetpack/internal/xerrors"
)

// newTestLogger builds a slogLogger writing to buf so we can inspect output.
func newTestLogger(t *testing.T, buf *bytes.Buffer, opts Options) Logger {
	t.Helper()
	opts.Writer = buf
	l, err := newSlog(opts)
	if err != nil {
		t.Fatalf("newSlog: %v", err)
	}
	return l
}

// jsonRecord parses the last non-empty JSON log line in buf.
func jsonRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	last := lines[len(lines)-1]
	var m map[string]any
	if err := json.Unmarshal([]byte(last), &m); err != nil {
		t.Fatalf("parse JSON log line: %v\nraw: %s", err, last)
	}
	return m
}

func TestNewSlog_DefaultWriter(t *testing.T) {
	// Should not error when Writer is nil (defaults to stdout)
	l, err := newSlog(Options{App: "test"})
	if err != nil {
		t.Fatalf("newSlog: %v", err)
	}
	if l == nil {
		t.Fatal("returned nil logger")
	}
}

func TestInfo_EmitsAppAndComponent(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "fleetpackd", Component: "daemon", JsonFormat: true})

	l.Info(context.Background(), "hello", "k", "v")

	rec := jsonRecord(t, &buf)
	if rec["app"] != "fleetpackd" {
		t.Fatalf("app = %v, want fleetpackd", rec["app"])
	}
	if rec["component"] != "daemon" {
		t.Fatalf("component = %v, want daemon", rec["component"])
	}
	if rec["k"] != "v" {
		t.Fatalf("k = %v, want v", rec["k"])
	}
	if rec["msg"] != "hello" {
		t.Fatalf("msg = %v, want hello", rec["msg"])
	}
}

func TestLevel_FiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "t", JsonFormat: true, Level: slog.LevelInfo})

	l.Debug(context.Background(), "hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug record emitted below level: %s", buf.String())
	}

	l.Info(context.Background(), "shown")
	if buf.Len() == 0 {
		t.Fatal("info record not emitted")
	}
}

func TestWith_ChildKeepsParentAttrs(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "t", JsonFormat: true})

	child := l.With("attempt_id", "abc123")
	child.Info(context.Background(), "staged")

	rec := jsonRecord(t, &buf)
	if rec["attempt_id"] != "abc123" {
		t.Fatalf("attempt_id = %v, want abc123", rec["attempt_id"])
	}
	if rec["app"] != "t" {
		t.Fatalf("app = %v, want t (parent attr lost)", rec["app"])
	}
}

func TestError_AddsTypeAndChain(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "t", JsonFormat: true})

	inner := errors.New("root cause")
	err := xerrors.Wrap(inner, "stage failed")
	l.Error(context.Background(), err, "attempt failed")

	rec := jsonRecord(t, &buf)
	if rec["err"] == nil {
		t.Fatal("err attr missing")
	}
	if rec["error_type"] == nil || rec["cause_type"] == nil {
		t.Fatalf("error classification missing: %v", rec)
	}
	chain, ok := rec["error_chain"].([]any)
	if !ok || len(chain) < 2 {
		t.Fatalf("error_chain = %v, want at least 2 entries", rec["error_chain"])
	}
}

func TestError_StackFromXerrors(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "t", JsonFormat: true, StacktraceLevel: slog.LevelError})

	err := xerrors.New("boom")
	l.Error(context.Background(), err, "failed")

	rec := jsonRecord(t, &buf)
	stack, _ := rec["stack"].(string)
	if stack == "" {
		t.Fatal("stack attr missing on error record")
	}
	if strings.Contains(stack, "/internal/xerrors.") {
		t.Fatalf("stack contains xerrors frames:\n%s", stack)
	}
}

func TestErrorChain_DeduplicatesMessages(t *testing.T) {
	inner := errors.New("same")
	got := errorChain(inner)
	if len(got) != 1 || got[0] != "same" {
		t.Fatalf("errorChain = %v, want [same]", got)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"WARN", slog.LevelWarn, false},
		{" error ", slog.LevelError, false},
		{"verbose", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseLevel(%q): want error, got nil", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseLevel(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
