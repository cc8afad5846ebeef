package errors

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestWrap(t *testing.T) {
	originalErr := New("original error")
	wrappedErr := Wrap(originalErr, "wrapped message")

	if !Is(wrappedErr, originalErr) {
		t.Errorf("Expected wrapped error to match original, but it didn't")
	}

	expectedMsg := "wrapped message: original error"
	if wrappedErr.Error() != expectedMsg {
		t.Errorf("Expected message %q, got %q", expectedMsg, wrappedErr.Error())
	}
}

func TestWrapf(t *testing.T) {
	wrappedErr := Wrapf(ErrTimeout, "push after %s", "60s")

	if !Is(wrappedErr, ErrTimeout) {
		t.Errorf("Expected wrapped error to match ErrTimeout")
	}

	expectedMsg := "push after 60s: operation timed out"
	if wrappedErr.Error() != expectedMsg {
		t.Errorf("Expected message %q, got %q", expectedMsg, wrappedErr.Error())
	}
}

func TestGitError(t *testing.T) {
	err := Wrap(ErrGitOperationFailed, "exit status 128")
	gitErr := NewGitError("push", []string{"origin", "main"}, err, "Permission denied (publickey).\n")
	gitErr.ExitCode = 128

	expectedMsg := "git push failed: Permission denied (publickey).: exit status 128: git operation failed"
	if gitErr.Error() != expectedMsg {
		t.Errorf("Expected message %q, got %q", expectedMsg, gitErr.Error())
	}

	if !errors.Is(gitErr, ErrGitOperationFailed) {
		t.Errorf("Expected GitError to unwrap to ErrGitOperationFailed")
	}

	var target *GitError
	if !As(Wrap(gitErr, "cycle"), &target) || target.ExitCode != 128 {
		t.Errorf("Expected As to recover GitError with exit code 128")
	}
}

func TestLockError(t *testing.T) {
	err := errors.New("file not found")
	lockErr := NewLockError("/tmp/lock.file", 1234, err)

	expectedMsg := "lock error with file /tmp/lock.file (PID: 1234): file not found"
	if lockErr.Error() != expectedMsg {
		t.Errorf("Expected message %q, got %q", expectedMsg, lockErr.Error())
	}

	lockErr = NewLockError("/tmp/lock.file", 0, err)
	expectedMsg = "lock error with file /tmp/lock.file: file not found"
	if lockErr.Error() != expectedMsg {
		t.Errorf("Expected message %q, got %q", expectedMsg, lockErr.Error())
	}
}

func TestConfigError(t *testing.T) {
	configErr := NewConfigError("debounce_ms", 0, errors.New("must be positive"))

	expectedMsg := "configuration error for debounce_ms = 0: must be positive"
	if configErr.Error() != expectedMsg {
		t.Errorf("Expected message %q, got %q", expectedMsg, configErr.Error())
	}

	configErr = NewConfigError("remote", nil, errors.New("empty"))
	expectedMsg = "configuration error for remote: empty"
	if configErr.Error() != expectedMsg {
		t.Errorf("Expected message %q, got %q", expectedMsg, configErr.Error())
	}
}

func TestTaxonomyUnwrapsToSentinels(t *testing.T) {
	tests := map[string]struct {
		err      error
		sentinel error
		contains string
	}{
		"RateLimit": {
			err:      &RateLimitError{Actor: "agent", Limit: 10, Window: time.Minute, RetryAfter: 12 * time.Second},
			sentinel: ErrRateLimited,
			contains: `10 operations per 1m0s exceeded for "agent"`,
		},
		"ProtectedBranch": {
			err:      &BranchError{Branch: "main"},
			sentinel: ErrProtectedBranch,
			contains: `protected branch "main"`,
		},
		"Secret": {
			err: &SecretError{Findings: []SecretFinding{
				{File: "config/prod.env", Line: 3, Rule: "aws-access-key-id"},
			}},
			sentinel: ErrSecretDetected,
			contains: "config/prod.env:3 (aws-access-key-id)",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			if !Is(tc.err, tc.sentinel) {
				t.Errorf("Expected %T to unwrap to %v", tc.err, tc.sentinel)
			}
			if !strings.Contains(tc.err.Error(), tc.contains) {
				t.Errorf("Expected %q to contain %q", tc.err.Error(), tc.contains)
			}
		})
	}
}

func TestJoin(t *testing.T) {
	joined := Join(ErrTimeout, ErrAuthenticationFailed)
	if !Is(joined, ErrTimeout) || !Is(joined, ErrAuthenticationFailed) {
		t.Errorf("Expected joined error to match both sentinels")
	}
}
