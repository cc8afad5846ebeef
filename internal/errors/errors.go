package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors that can be used with errors.Is() for error type checking
var (
	// ErrNotGitRepository indicates the target path is not a git working tree
	ErrNotGitRepository = errors.New("not a git repository")

	// ErrLockAcquisitionFailure indicates a lock file could not be acquired
	ErrLockAcquisitionFailure = errors.New("failed to acquire lock")

	// ErrAlreadyRunning indicates another gitbakd agent is watching this working tree
	ErrAlreadyRunning = errors.New("another gitbakd agent is already running for this repository")

	// ErrGitOperationFailed indicates a git command exited non-zero
	ErrGitOperationFailed = errors.New("git operation failed")

	// ErrNothingToCommit indicates the index holds no changes relative to HEAD
	ErrNothingToCommit = errors.New("nothing to commit")

	// ErrTimeout indicates a subprocess was killed after exceeding its deadline
	ErrTimeout = errors.New("operation timed out")

	// ErrInvalidConfiguration indicates an invalid or conflicting user configuration
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrInvalidFlag indicates a command-line flag could not be parsed
	ErrInvalidFlag = errors.New("invalid flag")

	// ErrValidation indicates malformed input such as a credential without PEM markers
	ErrValidation = errors.New("validation failed")

	// ErrRateLimited indicates the actor exceeded its operation ceiling for the window
	ErrRateLimited = errors.New("rate limited")

	// ErrProtectedBranch indicates a write targeted a protected branch without force
	ErrProtectedBranch = errors.New("protected branch")

	// ErrSecretDetected indicates the staged diff matched a secret signature
	ErrSecretDetected = errors.New("secret detected in staged changes")

	// ErrAuthenticationFailed indicates the remote rejected our credentials
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrCredentialInvalid indicates pushes are suspended until the credential is revalidated
	ErrCredentialInvalid = errors.New("credential is not valid")

	// ErrNoCredential indicates no credential has been stored
	ErrNoCredential = errors.New("no credential stored")

	// ErrAgentNotRunning indicates a control request reached an agent that is stopped
	ErrAgentNotRunning = errors.New("agent is not running")
)

// New creates a new error with the given message.
// This is a convenience function that wraps errors.New.
func New(message string) error {
	return errors.New(message)
}

// Errorf creates a new formatted error.
// This is a convenience function that wraps fmt.Errorf.
func Errorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

// Wrap wraps an error with a message for better context.
func Wrap(err error, message string) error {
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted message for better context.
func Wrapf(err error, format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether target is in err's chain.
// This is a convenience function that wraps errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
// This is a convenience function that wraps errors.As.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Join returns an error that wraps the given errors.
// This is a convenience function that wraps errors.Join.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// GitError represents an error that occurred during a Git operation.
// It captures the command details, the exit code, the underlying error, and stderr.
type GitError struct {
	Operation string
	Args      []string
	ExitCode  int
	Err       error
	Output    string
}

// Error implements the error interface with a detailed, user-friendly error message.
func (e *GitError) Error() string {
	msg := fmt.Sprintf("git %s failed", e.Operation)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg = fmt.Sprintf("%s: %s", msg, out)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying error for use with errors.Is and errors.As.
func (e *GitError) Unwrap() error {
	return e.Err
}

// NewGitError creates a new GitError with the given parameters.
func NewGitError(operation string, args []string, err error, output string) *GitError {
	return &GitError{
		Operation: operation,
		Args:      args,
		ExitCode:  -1,
		Err:       err,
		Output:    output,
	}
}

// LockError represents an error that occurred when interacting with file locks.
// It includes the lock file path, process ID if available, and underlying error.
type LockError struct {
	LockFile string
	PID      int
	Err      error
}

// Error implements the error interface with details about the lock file and process.
func (e *LockError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("lock error with file %s (PID: %d): %v", e.LockFile, e.PID, e.Err)
	}
	return fmt.Sprintf("lock error with file %s: %v", e.LockFile, e.Err)
}

// Unwrap returns the underlying error for use with errors.Is and errors.As.
func (e *LockError) Unwrap() error {
	return e.Err
}

// NewLockError creates a new LockError with the given parameters.
func NewLockError(lockFile string, pid int, err error) *LockError {
	return &LockError{
		LockFile: lockFile,
		PID:      pid,
		Err:      err,
	}
}

// ConfigError represents an error in the application configuration.
// It includes the parameter name, its value if available, and the underlying error.
type ConfigError struct {
	Parameter string
	Value     interface{}
	Err       error
}

// Error implements the error interface with details about the invalid configuration.
func (e *ConfigError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("configuration error for %s = %v: %v", e.Parameter, e.Value, e.Err)
	}
	return fmt.Sprintf("configuration error for %s: %v", e.Parameter, e.Err)
}

// Unwrap returns the underlying error for use with errors.Is and errors.As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new ConfigError with the given parameters.
func NewConfigError(parameter string, value interface{}, err error) *ConfigError {
	return &ConfigError{
		Parameter: parameter,
		Value:     value,
		Err:       err,
	}
}

// RateLimitError is returned when an actor has used up its operation budget.
// RetryAfter is the time until the oldest operation leaves the window.
type RateLimitError struct {
	Actor      string
	Limit      int
	Window     time.Duration
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit of %d operations per %s exceeded for %q (retry in %s)",
		e.Limit, e.Window, e.Actor, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// BranchError is returned when a write targets a protected branch.
type BranchError struct {
	Branch string
}

func (e *BranchError) Error() string {
	return fmt.Sprintf("refusing to write to protected branch %q without force", e.Branch)
}

func (e *BranchError) Unwrap() error {
	return ErrProtectedBranch
}

// SecretFinding identifies a signature hit without carrying the matched text.
type SecretFinding struct {
	File string
	Line int
	Rule string
}

// SecretError lists every finding that blocked a commit.
type SecretError struct {
	Findings []SecretFinding
}

func (e *SecretError) Error() string {
	parts := make([]string, 0, len(e.Findings))
	for _, f := range e.Findings {
		parts = append(parts, fmt.Sprintf("%s:%d (%s)", f.File, f.Line, f.Rule))
	}
	return fmt.Sprintf("%v: %s", ErrSecretDetected, strings.Join(parts, ", "))
}

func (e *SecretError) Unwrap() error {
	return ErrSecretDetected
}
