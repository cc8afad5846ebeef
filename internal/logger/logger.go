package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Logger defines the logging interface shared by every gitbakd component.
// File-only methods (Debug, Info, Warning, Error) feed the structured log;
// user-facing methods (InfoToUser, WarningToUser, Success, StatusMessage)
// also print to the terminal.
type Logger interface {
	// Debug logs detail that is only written when debug logging is enabled.
	Debug(format string, args ...interface{})

	// Info logs an informational message for debugging purposes.
	Info(format string, args ...interface{})

	// Warning logs a non-fatal problem. Shown on stdout in verbose mode.
	Warning(format string, args ...interface{})

	// Error logs an operational failure. Always shown on stderr.
	Error(format string, args ...interface{})

	// InfoToUser logs an informational message intended for users.
	InfoToUser(format string, args ...interface{})

	// WarningToUser logs a warning message intended for users.
	WarningToUser(format string, args ...interface{})

	// Success logs a success message to the user.
	Success(format string, args ...interface{})

	// StatusMessage prints a status line to the user without logging it.
	StatusMessage(format string, args ...interface{})

	// Close flushes and closes the log file, if any.
	Close() error
}

// Options controls where and how log records are written.
type Options struct {
	// Enabled turns on file logging to File.
	Enabled bool

	// File is the log file path used when Enabled is true.
	File string

	// Verbose echoes warnings to stdout.
	Verbose bool

	// Format selects the slog handler: "text" (default) or "json".
	Format string
}

// DefaultLogger provides structured logging capability and implements the Logger interface
type DefaultLogger struct {
	mu     sync.Mutex
	logger *slog.Logger
	opts   Options
	stdout io.Writer
	stderr io.Writer
	file   *os.File
}

// New creates a new Logger writing user output to the process streams.
func New(opts Options) Logger {
	return NewWithOutput(opts, os.Stdout, os.Stderr)
}

// NewWithOutput creates a DefaultLogger with custom output writers
func NewWithOutput(opts Options, stdout, stderr io.Writer) *DefaultLogger {
	handlerOpts := &slog.HandlerOptions{Level: slog.LevelDebug}

	var (
		logger *slog.Logger
		file   *os.File
	)

	if opts.Enabled {
		if dir := filepath.Dir(opts.File); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				_, _ = fmt.Fprintf(stderr, "⚠️ Failed to create log directory: %v\n", err)
			}
		}

		f, err := os.OpenFile(opts.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err == nil {
			file = f
			logger = slog.New(newHandler(f, opts.Format, handlerOpts))
			_, _ = fmt.Fprintf(stdout, "🔍 Debug logging enabled. Logs will be written to: %s\n", opts.File)
			logger.Info("gitbakd debug logging started")
		} else {
			logger = slog.New(newHandler(stderr, opts.Format, handlerOpts))
			_, _ = fmt.Fprintf(stderr, "⚠️ Failed to open log file: %v, using stderr instead\n", err)
		}
	} else {
		logger = slog.New(newHandler(stderr, opts.Format, handlerOpts))
	}

	return &DefaultLogger{
		logger: logger,
		opts:   opts,
		stdout: stdout,
		stderr: stderr,
		file:   file,
	}
}

// NewDiscard returns a logger that drops everything. Used by tests and
// one-shot CLI commands that report through their own output.
func NewDiscard() *DefaultLogger {
	return NewWithOutput(Options{}, io.Discard, io.Discard)
}

func newHandler(w io.Writer, format string, opts *slog.HandlerOptions) slog.Handler {
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// Debug logs a debug message (file only)
func (l *DefaultLogger) Debug(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.opts.Enabled {
		return
	}
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Info logs an informational message (file only)
func (l *DefaultLogger) Info(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.opts.Enabled {
		return
	}
	l.logger.Info(fmt.Sprintf(format, args...))
}

// InfoToUser logs an informational message to both file and stdout
func (l *DefaultLogger) InfoToUser(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg := fmt.Sprintf(format, args...)
	if l.opts.Enabled {
		l.logger.Info(msg)
	}
	_, _ = fmt.Fprintf(l.stdout, "ℹ️  %s\n", msg)
}

// Success logs a success message to both file and stdout
func (l *DefaultLogger) Success(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg := fmt.Sprintf(format, args...)
	if l.opts.Enabled {
		l.logger.Info(msg)
	}
	_, _ = fmt.Fprintf(l.stdout, "✅ %s\n", msg)
}

// Warning logs a warning message
func (l *DefaultLogger) Warning(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg := fmt.Sprintf(format, args...)
	if l.opts.Enabled {
		l.logger.Warn(msg)
	}

	// Verbose mode surfaces warnings even without file logging
	if l.opts.Verbose {
		_, _ = fmt.Fprintf(l.stdout, "⚠️  %s\n", msg)
	}
}

// WarningToUser logs a warning message to both file and stdout
func (l *DefaultLogger) WarningToUser(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg := fmt.Sprintf(format, args...)
	if l.opts.Enabled {
		l.logger.Warn(msg)
	}
	_, _ = fmt.Fprintf(l.stdout, "⚠️  %s\n", msg)
}

// Error logs an error message
func (l *DefaultLogger) Error(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg := fmt.Sprintf(format, args...)
	if l.opts.Enabled {
		l.logger.Error(msg)
	}
	_, _ = fmt.Fprintf(l.stderr, "❌ %s\n", msg)
}

// StatusMessage prints a status message to stdout only (no logging)
func (l *DefaultLogger) StatusMessage(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, _ = fmt.Fprintln(l.stdout, fmt.Sprintf(format, args...))
}

// Close ensures any buffered data is written and closes open log file handles
func (l *DefaultLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return err
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// SetStdout sets a custom writer for user-facing stdout messages only.
// NOTE: This does not affect where structured log messages from slog are directed.
func (l *DefaultLogger) SetStdout(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stdout = w
}

// SetStderr sets a custom writer for user-facing stderr messages only.
// NOTE: This does not affect where structured log messages from slog are directed.
func (l *DefaultLogger) SetStderr(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stderr = w
}
