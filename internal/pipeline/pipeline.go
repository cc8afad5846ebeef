// Package pipeline gates every commit and push behind a rate limit, a
// protected-branch guard, a staged-diff secret scan and optional pre-flight
// checks.
package pipeline

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	gitbakdErrors "github.com/bashhack/gitbakd/internal/errors"
	"github.com/bashhack/gitbakd/internal/git"
	"github.com/bashhack/gitbakd/internal/logger"
	"github.com/bashhack/gitbakd/internal/observability"
)

// DefaultActor is used when an operation names no actor.
const DefaultActor = "agent"

// Git is the subset of git.Service the pipeline drives.
type Git interface {
	CurrentBranch(ctx context.Context) (string, error)
	AddAll(ctx context.Context) error
	StagedFiles(ctx context.Context) ([]string, error)
	StagedDiff(ctx context.Context) (string, error)
	ResetIndex(ctx context.Context) error
	Commit(ctx context.Context, message string, skipHooks bool) (string, error)
	Push(ctx context.Context, opts git.PushOptions) error
}

// Options configures a Pipeline. Nil gates fall back to defaults, except
// Preflight which stays disabled when nil.
type Options struct {
	Git       Git
	Limiter   *RateLimiter
	Guard     *BranchGuard
	Scanner   *Scanner
	Preflight *Preflight
	Remote    string
	Logger    logger.Logger
}

// CommitOptions are per-call commit settings.
type CommitOptions struct {
	Actor     string
	SkipHooks bool
	Force     bool
}

// CommitOutcome describes a commit the pipeline created.
type CommitOutcome struct {
	Hash     string
	Branch   string
	Files    []string
	Warnings []string
}

// PushOptions are per-call push settings.
type PushOptions struct {
	Actor     string
	Transport string
	Branch    string
	Force     bool
}

// PushOutcome describes a completed push.
type PushOutcome struct {
	Branch string

	// Retried is set when the first push lacked an upstream and was
	// repeated with --set-upstream.
	Retried bool
}

// Pipeline runs commits and pushes through the safety gates.
type Pipeline struct {
	git       Git
	limiter   *RateLimiter
	guard     *BranchGuard
	scanner   *Scanner
	preflight *Preflight
	remote    string
	logger    logger.Logger
}

// New creates a Pipeline.
func New(opts Options) *Pipeline {
	if opts.Limiter == nil {
		opts.Limiter = NewRateLimiter(DefaultRateLimit, DefaultRateWindow)
	}
	if opts.Guard == nil {
		opts.Guard = NewBranchGuard(nil)
	}
	if opts.Scanner == nil {
		opts.Scanner = NewScanner()
	}
	if opts.Remote == "" {
		opts.Remote = "origin"
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewDiscard()
	}
	return &Pipeline{
		git:       opts.Git,
		limiter:   opts.Limiter,
		guard:     opts.Guard,
		scanner:   opts.Scanner,
		preflight: opts.Preflight,
		remote:    opts.Remote,
		logger:    opts.Logger,
	}
}

// Guard returns the branch guard in use.
func (p *Pipeline) Guard() *BranchGuard {
	return p.guard
}

// SecureCommit stages every change and commits it with message, in the order
// rate limit, branch guard, stage, secret scan, pre-flight, commit. A secret
// hit restores the index and creates no commit.
func (p *Pipeline) SecureCommit(ctx context.Context, message string, opts CommitOptions) (outcome CommitOutcome, err error) {
	ctx, span := observability.StartSpan(ctx, "pipeline.secure_commit")
	defer func() { observability.EndSpan(span, err) }()

	if opts.Actor == "" {
		opts.Actor = DefaultActor
	}
	if message == "" {
		return outcome, gitbakdErrors.Errorf("%w: commit message is empty", gitbakdErrors.ErrValidation)
	}

	if err = p.limiter.Allow(opts.Actor); err != nil {
		return outcome, err
	}

	branch, err := p.git.CurrentBranch(ctx)
	if err != nil {
		return outcome, err
	}
	outcome.Branch = branch
	if err = p.guard.Check(branch, opts.Force); err != nil {
		return outcome, err
	}

	if err = p.git.AddAll(ctx); err != nil {
		return outcome, err
	}
	files, err := p.git.StagedFiles(ctx)
	if err != nil {
		return outcome, err
	}
	if len(files) == 0 {
		return outcome, gitbakdErrors.ErrNothingToCommit
	}
	outcome.Files = files
	span.SetAttributes(attribute.Int("files", len(files)), attribute.String("branch", branch))

	diff, err := p.git.StagedDiff(ctx)
	if err != nil {
		return outcome, err
	}
	if findings := p.scanner.ScanDiff(diff); len(findings) > 0 {
		if resetErr := p.git.ResetIndex(ctx); resetErr != nil {
			p.logger.Error("Failed to restore index after secret detection: %v", resetErr)
		}
		err = &gitbakdErrors.SecretError{Findings: findings}
		return outcome, err
	}

	if p.preflight != nil {
		outcome.Warnings = p.preflight.Run(ctx)
		for _, w := range outcome.Warnings {
			p.logger.Warning("%s", w)
		}
	}

	outcome.Hash, err = p.git.Commit(ctx, message, opts.SkipHooks)
	if err != nil {
		return outcome, err
	}
	p.logger.Info("Committed %s on %s (%d files)", outcome.Hash, branch, len(files))
	return outcome, nil
}

// SecurePush pushes the current branch through the push rate limit and the
// branch guard. A missing upstream is fixed by one retry with --set-upstream.
func (p *Pipeline) SecurePush(ctx context.Context, opts PushOptions) (outcome PushOutcome, err error) {
	ctx, span := observability.StartSpan(ctx, "pipeline.secure_push", attribute.String("remote", p.remote))
	defer func() { observability.EndSpan(span, err) }()

	if opts.Actor == "" {
		opts.Actor = DefaultActor
	}
	if err = p.limiter.Allow("push:" + opts.Actor); err != nil {
		return outcome, err
	}

	branch := opts.Branch
	if branch == "" {
		if branch, err = p.git.CurrentBranch(ctx); err != nil {
			return outcome, err
		}
	}
	outcome.Branch = branch
	if err = p.guard.Check(branch, opts.Force); err != nil {
		return outcome, err
	}

	err = p.git.Push(ctx, git.PushOptions{Remote: p.remote, Branch: opts.Branch, Transport: opts.Transport})
	if err == nil || !git.IsNoUpstream(err) || branch == "" {
		return outcome, err
	}

	p.logger.Info("No upstream for %s, retrying with --set-upstream %s", branch, p.remote)
	outcome.Retried = true
	err = p.git.Push(ctx, git.PushOptions{
		Remote:      p.remote,
		Branch:      branch,
		SetUpstream: true,
		Transport:   opts.Transport,
	})
	return outcome, err
}
