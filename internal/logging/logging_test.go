package logging

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Writer()
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(prev) })
	return &buf
}

func TestDebugf_SuppressedAtInfo(t *testing.T) {
	Setup(LevelInfo, "")
	buf := captureOutput(t)

	Debugf("[Test] should not appear")
	Tracef("[Test] should not appear either")

	if buf.Len() != 0 {
		t.Fatalf("expected no output at info level, got %q", buf.String())
	}
}

func TestDebugf_EmittedAtDebug(t *testing.T) {
	Setup(LevelDebug, "")
	buf := captureOutput(t)

	Debugf("[Test] debug line value=%d", 42)
	Tracef("[Test] trace line")

	out := buf.String()
	if !strings.Contains(out, "debug line value=42") {
		t.Fatalf("expected debug line, got %q", out)
	}
	if strings.Contains(out, "trace line") {
		t.Fatalf("trace line should be suppressed at debug level, got %q", out)
	}
}

func TestTracef_EmittedAtTrace(t *testing.T) {
	Setup(LevelTrace, "")
	buf := captureOutput(t)

	Tracef("[Test] trace line")

	if !strings.Contains(buf.String(), "trace line") {
		t.Fatalf("expected trace line, got %q", buf.String())
	}
	if Verbosity() != LevelTrace {
		t.Fatalf("expected verbosity %d, got %d", LevelTrace, Verbosity())
	}
}

func TestSetup_WritesToLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "booru-sync.log")
	Setup(LevelInfo, path)
	t.Cleanup(func() { Setup(LevelInfo, ""); log.SetOutput(os.Stderr) })

	log.Printf("[Test] file sink check")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "file sink check") {
		t.Fatalf("expected log line in file, got %q", string(data))
	}
}

func TestSetup_BadLogFileFallsBackToStdout(t *testing.T) {
	// A directory is not openable as a file; Setup must not panic or fatal.
	Setup(LevelInfo, t.TempDir())
	t.Cleanup(func() { log.SetOutput(os.Stderr) })
	log.Printf("[Test] still alive")
}
