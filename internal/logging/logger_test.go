// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

package logging

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"fatal", zerolog.FatalLevel},
		{"panic", zerolog.PanicLevel},
		{"disabled", zerolog.Disabled},
		{"INFO", zerolog.InfoLevel},
		{"unknown", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestInitWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Format: "json", Output: &buf})
	defer Init(DefaultConfig())

	Info().Str("issuer", "http://127.0.0.1:5556").Msg("server starting")

	out := buf.String()
	if !strings.Contains(out, `"level":"info"`) {
		t.Errorf("missing level field: %s", out)
	}
	if !strings.Contains(out, `"issuer":"http://127.0.0.1:5556"`) {
		t.Errorf("missing structured field: %s", out)
	}
	if !strings.Contains(out, `"message":"server starting"`) {
		t.Errorf("missing message field: %s", out)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "warn", Format: "json", Output: &buf})
	defer Init(DefaultConfig())

	Debug().Msg("dropped")
	Info().Msg("dropped too")
	Warn().Msg("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Errorf("debug/info output should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "kept") {
		t.Errorf("warn output missing: %s", out)
	}
}

func TestTraceIDContext(t *testing.T) {
	ctx := context.Background()
	if got := TraceIDFromContext(ctx); got != "" {
		t.Errorf("empty context returned trace ID %q", got)
	}

	ctx = ContextWithTraceID(ctx, "abc-123")
	if got := TraceIDFromContext(ctx); got != "abc-123" {
		t.Errorf("TraceIDFromContext = %q, want %q", got, "abc-123")
	}
}

func TestNewTraceIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewTraceID()
		if len(id) != 36 {
			t.Fatalf("trace ID %q is not a UUID", id)
		}
		if seen[id] {
			t.Fatalf("duplicate trace ID %q", id)
		}
		seen[id] = true
	}
}

func TestCtxIncludesTraceID(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Format: "json", Output: &buf})
	defer Init(DefaultConfig())

	ctx := ContextWithTraceID(context.Background(), "trace-xyz")
	Ctx(ctx).Info().Msg("with trace")

	if !strings.Contains(buf.String(), `"trace_id":"trace-xyz"`) {
		t.Errorf("trace_id missing from output: %s", buf.String())
	}
}

func TestLoggerFromContextFallsBack(t *testing.T) {
	var buf bytes.Buffer
	stored := NewTestLogger(&buf)

	ctx := ContextWithLogger(context.Background(), stored)
	got := LoggerFromContext(ctx)
	got.Info().Msg("stored logger")

	if !strings.Contains(buf.String(), "stored logger") {
		t.Errorf("context logger not used: %s", buf.String())
	}

	// Without a stored logger the global one is returned, which must not panic.
	global := LoggerFromContext(context.Background())
	global.Debug().Msg("global")
}

func TestConcurrentLogging(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	safe := &lockedWriter{w: &buf, mu: &mu}
	Init(Config{Level: "debug", Format: "json", Output: safe})
	defer Init(DefaultConfig())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				Info().Int("worker", n).Int("iter", j).Msg("concurrent")
			}
		}(i)
	}
	wg.Wait()

	mu.Lock()
	lines := strings.Count(buf.String(), "\n")
	mu.Unlock()
	if lines != 200 {
		t.Errorf("expected 200 log lines, got %d", lines)
	}
}

type lockedWriter struct {
	w  *bytes.Buffer
	mu *sync.Mutex
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func TestSlogLoggerRoutesToZerolog(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Format: "json", Output: &buf})
	defer Init(DefaultConfig())

	slogger := NewSlogLogger()
	slogger.Info("supervisor event", "service", "key-rotator", "restarts", 2)

	out := buf.String()
	if !strings.Contains(out, `"service":"key-rotator"`) {
		t.Errorf("slog attr missing: %s", out)
	}
	if !strings.Contains(out, `"restarts":2`) {
		t.Errorf("slog int attr missing: %s", out)
	}
	if !strings.Contains(out, `"message":"supervisor event"`) {
		t.Errorf("slog message missing: %s", out)
	}
}

func TestSlogGroupPrefixesKeys(t *testing.T) {
	var buf bytes.Buffer
	slogger := NewSlogLoggerWith(NewTestLogger(&buf))

	slogger.WithGroup("rotation").Info("done", "kid", "abc")

	if !strings.Contains(buf.String(), `"rotation.kid":"abc"`) {
		t.Errorf("group prefix missing: %s", buf.String())
	}
}

func TestRedact(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", ""},
		{"short", "secret", "[redacted]"},
		{"exact boundary", "12345678", "[redacted]"},
		{"long", "supersecretvalue", "su...ue"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Redact(tt.input); got != tt.want {
				t.Errorf("Redact(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestRedactEmail(t *testing.T) {
	if got := RedactEmail("alice@example.com"); got != "a***@example.com" {
		t.Errorf("RedactEmail = %q", got)
	}
	if got := RedactEmail("not-an-email"); got != "no...il" {
		t.Errorf("RedactEmail fallback = %q", got)
	}
}

func TestRedactToken(t *testing.T) {
	if got := RedactToken("shorttok"); got != "[redacted]" {
		t.Errorf("short token not masked: %q", got)
	}
	long := "ChlAYXVnaC5leGFtcGxlLmNvbRIEbW9jaw"
	if got := RedactToken(long); got != "ChlAYX..." {
		t.Errorf("RedactToken = %q", got)
	}
}
