package monitoring

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func captureJSON(t *testing.T, level zerolog.Level) *bytes.Buffer {
	t.Helper()
	prevLogger := Logger()
	prevLogf := Logf
	t.Cleanup(func() {
		Use(prevLogger)
		Logf = prevLogf
	})
	var buf bytes.Buffer
	Use(zerolog.New(&buf).Level(level))
	Logf = infof
	return &buf
}

func TestSetLogger(t *testing.T) {
	original := Logf
	originalLogger := Logger()
	defer func() {
		Logf = original
		Use(originalLogger)
	}()

	called := false
	SetLogger(func(format string, v ...interface{}) { called = true })
	Logf("test message")
	if !called {
		t.Error("Custom logger was not called")
	}

	called = false
	SetLogger(nil)
	Logf("test")
	Warnf("muted %d", 1)
	if called {
		t.Error("No-op logger should not have triggered callback")
	}
}

func TestLevelledHelpers(t *testing.T) {
	buf := captureJSON(t, zerolog.InfoLevel)

	Debugf("hidden %d", 1)
	Logf("info %d", 2)
	Warnf("warn %d", 3)
	Errorf("error %d", 4)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3:\n%s", len(lines), buf.String())
	}
	wantLevels := []string{"info", "warn", "error"}
	for i, line := range lines {
		var entry map[string]string
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("line %d not JSON: %v", i, err)
		}
		if entry["level"] != wantLevels[i] {
			t.Errorf("line %d level = %q, want %q", i, entry["level"], wantLevels[i])
		}
	}
}

func TestSetVerbose(t *testing.T) {
	buf := captureJSON(t, zerolog.InfoLevel)

	SetVerbose(true)
	Debugf("now visible")
	if !strings.Contains(buf.String(), "now visible") {
		t.Errorf("debug message missing after SetVerbose(true): %q", buf.String())
	}

	buf.Reset()
	SetVerbose(false)
	Debugf("hidden again")
	if buf.Len() != 0 {
		t.Errorf("debug message logged after SetVerbose(false): %q", buf.String())
	}
}

func TestSetOutput(t *testing.T) {
	captureJSON(t, zerolog.InfoLevel)

	var buf bytes.Buffer
	SetOutput(&buf)
	Logf("console %s", "line")
	if !strings.Contains(buf.String(), "console line") {
		t.Errorf("console output = %q", buf.String())
	}
}
