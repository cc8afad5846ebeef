package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWithOutput(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "logs", "gitbakd.log")

	var stdout, stderr bytes.Buffer
	l := NewWithOutput(Options{Enabled: false, File: logFile}, &stdout, &stderr)
	l.Info("dropped")
	if _, err := os.Stat(logFile); err == nil {
		t.Error("Expected no log file to be created when file logging is disabled")
	}

	l = NewWithOutput(Options{Enabled: true, File: logFile}, &stdout, &stderr)
	defer func() { _ = l.Close() }()

	content, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("Expected log file to be created in a fresh directory: %v", err)
	}
	if !strings.Contains(string(content), "gitbakd debug logging started") {
		t.Error("Expected initial message to be logged")
	}
	if !strings.Contains(stdout.String(), logFile) {
		t.Errorf("Expected stdout to announce log file, got %q", stdout.String())
	}
}

func TestFileOnlyMessages(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "test.log")

	var stdout, stderr bytes.Buffer
	l := NewWithOutput(Options{Enabled: true, File: logFile}, &stdout, &stderr)
	stdout.Reset()

	l.Debug("debug %d", 1)
	l.Info("info %d", 2)
	l.Warning("warning %d", 3)
	l.Error("error %d", 4)
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	content, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	for _, want := range []string{"debug 1", "info 2", "warning 3", "error 4"} {
		if !strings.Contains(string(content), want) {
			t.Errorf("Expected %q in log file", want)
		}
	}

	if stdout.Len() != 0 {
		t.Errorf("Expected no stdout output without verbose, got %q", stdout.String())
	}
	if !strings.Contains(stderr.String(), "❌ error 4") {
		t.Errorf("Expected errors on stderr, got %q", stderr.String())
	}
}

func TestUserMessages(t *testing.T) {
	tests := map[string]struct {
		log     func(l *DefaultLogger)
		verbose bool
		want    string
	}{
		"InfoToUser": {
			log:  func(l *DefaultLogger) { l.InfoToUser("watching %s", "/repo") },
			want: "ℹ️  watching /repo\n",
		},
		"Success": {
			log:  func(l *DefaultLogger) { l.Success("committed %s", "abc123") },
			want: "✅ committed abc123\n",
		},
		"WarningToUser": {
			log:  func(l *DefaultLogger) { l.WarningToUser("no remote") },
			want: "⚠️  no remote\n",
		},
		"StatusMessage": {
			log:  func(l *DefaultLogger) { l.StatusMessage("Pending: %d", 3) },
			want: "Pending: 3\n",
		},
		"VerboseWarning": {
			log:     func(l *DefaultLogger) { l.Warning("push skipped") },
			verbose: true,
			want:    "⚠️  push skipped\n",
		},
		"QuietWarning": {
			log:  func(l *DefaultLogger) { l.Warning("push skipped") },
			want: "",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			l := NewWithOutput(Options{Verbose: tc.verbose}, &stdout, &stderr)
			tc.log(l)
			if stdout.String() != tc.want {
				t.Errorf("Expected %q, got %q", tc.want, stdout.String())
			}
		})
	}
}

func TestJSONFormat(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "test.jsonl")

	l := NewWithOutput(Options{Enabled: true, File: logFile, Format: "json"}, &bytes.Buffer{}, &bytes.Buffer{})
	l.Info("cycle finished")
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	content, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	var record map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &record); err != nil {
		t.Fatalf("Expected JSON log line, got %q: %v", lines[len(lines)-1], err)
	}
	if record["msg"] != "cycle finished" {
		t.Errorf("Expected msg field %q, got %v", "cycle finished", record["msg"])
	}
}

func TestSetWriters(t *testing.T) {
	l := NewDiscard()

	var stdout, stderr bytes.Buffer
	l.SetStdout(&stdout)
	l.SetStderr(&stderr)

	l.Success("done")
	l.Error("broken")

	if stdout.String() != "✅ done\n" {
		t.Errorf("Expected redirected stdout, got %q", stdout.String())
	}
	if stderr.String() != "❌ broken\n" {
		t.Errorf("Expected redirected stderr, got %q", stderr.String())
	}
	if err := l.Close(); err != nil {
		t.Errorf("Close without a file should succeed, got %v", err)
	}
}
