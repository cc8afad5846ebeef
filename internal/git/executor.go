package git

import (
	"bytes"
	"context"
	"os/exec"

	"github.com/bashhack/gitbakd/internal/errors"
)

// CommandExecutor defines an interface for executing commands
type CommandExecutor interface {
	// Execute runs a command and returns an error if it fails
	Execute(ctx context.Context, cmd *exec.Cmd) error

	// ExecuteWithOutput runs a command and returns its stdout
	ExecuteWithOutput(ctx context.Context, cmd *exec.Cmd) (string, error)
}

// ExecExecutor is the default implementation of CommandExecutor
// that delegates to the os/exec package
type ExecExecutor struct{}

// NewExecExecutor creates a new ExecExecutor
func NewExecExecutor() *ExecExecutor {
	return &ExecExecutor{}
}

// Execute implements CommandExecutor.Execute
func (e *ExecExecutor) Execute(ctx context.Context, cmd *exec.Cmd) error {
	_, err := e.ExecuteWithOutput(ctx, cmd)
	return err
}

// ExecuteWithOutput implements CommandExecutor.ExecuteWithOutput.
// On failure the returned GitError carries the exit code and everything the
// command printed, since git reports some conditions on stdout.
func (e *ExecExecutor) ExecuteWithOutput(ctx context.Context, cmd *exec.Cmd) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.String(), nil
	}

	operation, args := splitArgs(cmd.Args)
	output := stderr.String()
	if out := stdout.String(); out != "" {
		output = out + output
	}

	var cause error
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		cause = errors.Wrap(errors.ErrTimeout, err.Error())
	case ctx.Err() != nil:
		cause = errors.Wrap(ctx.Err(), err.Error())
	case matchesAny(output, authFailurePatterns):
		cause = errors.Errorf("%w: %w: %v", errors.ErrAuthenticationFailed, errors.ErrGitOperationFailed, err)
	default:
		cause = errors.Wrap(errors.ErrGitOperationFailed, err.Error())
	}

	gitErr := errors.NewGitError(operation, args, cause, output)
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		gitErr.ExitCode = exitErr.ExitCode()
	}
	return stdout.String(), gitErr
}

// splitArgs extracts the git subcommand from "git -C <repo> <sub> args..."
func splitArgs(argv []string) (string, []string) {
	if len(argv) == 0 {
		return "", nil
	}
	rest := argv[1:]
	if len(rest) >= 2 && rest[0] == "-C" {
		rest = rest[2:]
	}
	for len(rest) >= 2 && rest[0] == "-c" {
		rest = rest[2:]
	}
	if len(rest) == 0 {
		return argv[0], nil
	}
	return rest[0], rest[1:]
}
