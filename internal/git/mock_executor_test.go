package git

import (
	"context"
	"os/exec"
	"strings"
	"sync"
)

// MockCommandExecutor records commands without executing them.
type MockCommandExecutor struct {
	mu                  sync.Mutex
	Commands            []*exec.Cmd
	ExecuteWithOutputFn func(ctx context.Context, cmd *exec.Cmd) (string, error)
}

// Execute implements the CommandExecutor interface
func (m *MockCommandExecutor) Execute(ctx context.Context, cmd *exec.Cmd) error {
	_, err := m.ExecuteWithOutput(ctx, cmd)
	return err
}

// ExecuteWithOutput implements the CommandExecutor interface
func (m *MockCommandExecutor) ExecuteWithOutput(ctx context.Context, cmd *exec.Cmd) (string, error) {
	m.mu.Lock()
	m.Commands = append(m.Commands, cmd)
	fn := m.ExecuteWithOutputFn
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, cmd)
	}
	return "", nil
}

// Subcommands returns "sub args..." for every recorded invocation, without the -C prefix.
func (m *MockCommandExecutor) Subcommands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.Commands))
	for _, cmd := range m.Commands {
		op, args := splitArgs(cmd.Args)
		out = append(out, strings.TrimSpace(op+" "+strings.Join(args, " ")))
	}
	return out
}

// NewMockCommandExecutor creates a new mock executor
func NewMockCommandExecutor() *MockCommandExecutor {
	return &MockCommandExecutor{
		Commands: make([]*exec.Cmd, 0),
	}
}
