package git

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	gitbakdErrors "github.com/bashhack/gitbakd/internal/errors"
	"github.com/bashhack/gitbakd/internal/logger"
)

const (
	// DefaultPushTimeout bounds a push invocation.
	DefaultPushTimeout = 60 * time.Second

	// DefaultProbeTimeout bounds an ls-remote connectivity probe.
	DefaultProbeTimeout = 15 * time.Second
)

var authFailurePatterns = []string{
	"permission denied",
	"authentication failed",
	"could not read username",
	"could not read password",
	"invalid username or password",
	"host key verification failed",
	"the requested url returned error: 403",
	"the requested url returned error: 401",
	"repository not found",
}

var noUpstreamPatterns = []string{
	"has no upstream branch",
	"no upstream branch",
	"--set-upstream",
}

// Timeouts bounds remote operations. Zero values fall back to the defaults.
type Timeouts struct {
	Push  time.Duration
	Probe time.Duration
}

// Service runs every git operation the agent needs against one working tree.
// All invocations are `git -C <repo> <args...>` argument vectors; nothing is
// passed through a shell.
type Service struct {
	repoPath string
	executor CommandExecutor
	logger   logger.Logger
	timeouts Timeouts
}

// NewService creates a Service backed by os/exec.
func NewService(repoPath string, log logger.Logger, timeouts Timeouts) *Service {
	return NewServiceWithExecutor(repoPath, log, NewExecExecutor(), timeouts)
}

// NewServiceWithExecutor creates a Service with a custom executor
func NewServiceWithExecutor(repoPath string, log logger.Logger, executor CommandExecutor, timeouts Timeouts) *Service {
	if timeouts.Push <= 0 {
		timeouts.Push = DefaultPushTimeout
	}
	if timeouts.Probe <= 0 {
		timeouts.Probe = DefaultProbeTimeout
	}
	return &Service{
		repoPath: repoPath,
		executor: executor,
		logger:   log,
		timeouts: timeouts,
	}
}

// RepoPath returns the working tree this service operates on.
func (s *Service) RepoPath() string {
	return s.repoPath
}

// PushOptions controls a single push.
type PushOptions struct {
	Remote string

	// Branch is pushed explicitly when set; otherwise git's push.default decides.
	Branch      string
	SetUpstream bool

	// Transport, when set, becomes GIT_SSH_COMMAND for this invocation only.
	Transport string
}

// Commit is one entry of the log.
type Commit struct {
	Hash    string
	Author  string
	Date    time.Time
	Subject string
}

// IsRepository checks if the given path is a git repository
// Returns true if it is a repository, false otherwise.
// If path is not a repository due to git exit code 128, returns (false, nil).
// For other errors (git not found, permission issues, etc), returns (false, err).
func IsRepository(path string) (bool, error) {
	return NewServiceWithExecutor(path, logger.NewDiscard(), NewExecExecutor(), Timeouts{}).IsRepository(context.Background())
}

// IsRepository reports whether the service's path is inside a work tree.
func (s *Service) IsRepository(ctx context.Context) (bool, error) {
	out, err := s.output(ctx, nil, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		// Exit code 128 is git's generic fatal error code; for rev-parse it
		// almost always means "not a repository", and anything else about
		// the repository is fatal for us anyway.
		var gitErr *gitbakdErrors.GitError
		if gitbakdErrors.As(err, &gitErr) && gitErr.ExitCode == 128 {
			return false, nil
		}
		return false, err
	}
	return strings.TrimSpace(out) == "true", nil
}

// Status returns the parsed porcelain status including untracked files.
func (s *Service) Status(ctx context.Context) (Status, error) {
	out, err := s.output(ctx, nil, "status", "--porcelain", "-z", "--untracked-files=all")
	if err != nil {
		return Status{}, err
	}
	return parsePorcelainZ(out), nil
}

// AddAll stages every change in the working tree, deletions included.
func (s *Service) AddAll(ctx context.Context) error {
	return s.run(ctx, nil, "add", "--all")
}

// StagedFiles lists the paths currently staged relative to HEAD.
func (s *Service) StagedFiles(ctx context.Context) ([]string, error) {
	out, err := s.output(ctx, nil, "diff", "--cached", "--name-only", "-z")
	if err != nil {
		return nil, err
	}
	return splitZ(out), nil
}

// StagedDiff returns the staged patch with no context lines.
func (s *Service) StagedDiff(ctx context.Context) (string, error) {
	return s.output(ctx, nil, "diff", "--cached", "--no-color", "--no-ext-diff", "--unified=0")
}

// HasStagedChanges reports whether the index differs from HEAD.
func (s *Service) HasStagedChanges(ctx context.Context) (bool, error) {
	err := s.run(ctx, nil, "diff", "--cached", "--quiet")
	if err == nil {
		return false, nil
	}
	var gitErr *gitbakdErrors.GitError
	if gitbakdErrors.As(err, &gitErr) && gitErr.ExitCode == 1 {
		return true, nil
	}
	return false, err
}

// Commit records the index and returns the new HEAD hash.
// An index identical to HEAD yields ErrNothingToCommit.
func (s *Service) Commit(ctx context.Context, message string, skipHooks bool) (string, error) {
	staged, err := s.HasStagedChanges(ctx)
	if err != nil {
		return "", err
	}
	if !staged {
		return "", gitbakdErrors.ErrNothingToCommit
	}

	args := []string{"commit", "-m", message}
	if skipHooks {
		args = append(args, "--no-verify")
	}
	if err := s.run(ctx, nil, args...); err != nil {
		return "", err
	}

	hash, err := s.output(ctx, nil, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(hash), nil
}

// Push pushes to the configured remote under the push timeout.
func (s *Service) Push(ctx context.Context, opts PushOptions) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeouts.Push)
	defer cancel()

	args := []string{"push"}
	if opts.SetUpstream {
		args = append(args, "--set-upstream")
	}
	args = append(args, opts.Remote)
	if opts.Branch != "" {
		args = append(args, opts.Branch)
	}
	return s.run(ctx, remoteEnv(opts.Transport), args...)
}

// RemoteReachable probes the remote with ls-remote under the probe timeout.
// A nil error means the remote answered and accepted the transport.
func (s *Service) RemoteReachable(ctx context.Context, remote, transport string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeouts.Probe)
	defer cancel()

	return s.run(ctx, remoteEnv(transport), "ls-remote", "--heads", remote)
}

// HasRemote reports whether the named remote is configured.
func (s *Service) HasRemote(ctx context.Context, remote string) (bool, error) {
	out, err := s.output(ctx, nil, "remote")
	if err != nil {
		return false, err
	}
	for _, name := range strings.Fields(out) {
		if name == remote {
			return true, nil
		}
	}
	return false, nil
}

// CurrentBranch returns the checked-out branch, or "" on a detached HEAD.
func (s *Service) CurrentBranch(ctx context.Context) (string, error) {
	out, err := s.output(ctx, nil, "branch", "--show-current")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// HasHead reports whether the current branch has at least one commit.
func (s *Service) HasHead(ctx context.Context) (bool, error) {
	err := s.run(ctx, nil, "rev-parse", "--verify", "--quiet", "HEAD")
	if err == nil {
		return true, nil
	}
	var gitErr *gitbakdErrors.GitError
	if gitbakdErrors.As(err, &gitErr) && gitErr.ExitCode == 1 {
		return false, nil
	}
	return false, err
}

// Log returns up to limit commits from HEAD, newest first.
func (s *Service) Log(ctx context.Context, limit int) ([]Commit, error) {
	hasHead, err := s.HasHead(ctx)
	if err != nil || !hasHead {
		return nil, err
	}

	out, err := s.output(ctx, nil, "log", "-n", strconv.Itoa(limit), "--format=%H%x1f%an%x1f%aI%x1f%s%x1e")
	if err != nil {
		return nil, err
	}

	var commits []Commit
	for _, rec := range strings.Split(out, "\x1e") {
		rec = strings.TrimSpace(rec)
		if rec == "" {
			continue
		}
		parts := strings.SplitN(rec, "\x1f", 4)
		if len(parts) != 4 {
			continue
		}
		date, _ := time.Parse(time.RFC3339, parts[2])
		commits = append(commits, Commit{Hash: parts[0], Author: parts[1], Date: date, Subject: parts[3]})
	}
	return commits, nil
}

// Stash saves local modifications, untracked files included.
// It returns false when there was nothing to stash.
func (s *Service) Stash(ctx context.Context, message string) (bool, error) {
	args := []string{"stash", "push", "--include-untracked"}
	if message != "" {
		args = append(args, "-m", message)
	}
	out, err := s.output(ctx, nil, args...)
	if err != nil {
		return false, err
	}
	return !strings.Contains(out, "No local changes to save"), nil
}

// StashPop re-applies the most recent stash.
func (s *Service) StashPop(ctx context.Context) error {
	return s.run(ctx, nil, "stash", "pop")
}

// RollbackLastCommit undoes HEAD while keeping its changes staged.
func (s *Service) RollbackLastCommit(ctx context.Context) error {
	return s.run(ctx, nil, "reset", "--soft", "HEAD~1")
}

// ResetIndex unstages everything without touching the working tree.
func (s *Service) ResetIndex(ctx context.Context) error {
	hasHead, err := s.HasHead(ctx)
	if err != nil {
		return err
	}
	if !hasHead {
		return s.run(ctx, nil, "read-tree", "--empty")
	}
	return s.run(ctx, nil, "reset", "--quiet", "HEAD")
}

// IsAuthFailure reports whether err looks like the remote rejected our credentials.
func IsAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	if gitbakdErrors.Is(err, gitbakdErrors.ErrAuthenticationFailed) {
		return true
	}
	return matchesAny(errorText(err), authFailurePatterns)
}

// IsNoUpstream reports whether a push failed because the branch has no upstream.
func IsNoUpstream(err error) bool {
	if err == nil {
		return false
	}
	return matchesAny(errorText(err), noUpstreamPatterns)
}

func errorText(err error) string {
	var gitErr *gitbakdErrors.GitError
	if gitbakdErrors.As(err, &gitErr) {
		return gitErr.Output + "\n" + err.Error()
	}
	return err.Error()
}

func matchesAny(text string, patterns []string) bool {
	lower := strings.ToLower(text)
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// remoteEnv builds the per-invocation environment for network operations.
func remoteEnv(transport string) []string {
	env := []string{"GIT_TERMINAL_PROMPT=0"}
	if transport != "" {
		env = append(env, "GIT_SSH_COMMAND="+transport)
	}
	return env
}

func (s *Service) command(ctx context.Context, extraEnv []string, args ...string) *exec.Cmd {
	allArgs := append([]string{"-C", s.repoPath}, args...)
	cmd := exec.CommandContext(ctx, "git", allArgs...)
	if len(extraEnv) > 0 {
		cmd.Env = append(os.Environ(), extraEnv...)
	}
	return cmd
}

// run executes a git command in the repository
func (s *Service) run(ctx context.Context, extraEnv []string, args ...string) error {
	s.logger.Debug("git %s", strings.Join(args, " "))
	return s.executor.Execute(ctx, s.command(ctx, extraEnv, args...))
}

// output executes a git command in the repository and returns its stdout
func (s *Service) output(ctx context.Context, extraEnv []string, args ...string) (string, error) {
	s.logger.Debug("git %s", strings.Join(args, " "))
	return s.executor.ExecuteWithOutput(ctx, s.command(ctx, extraEnv, args...))
}
