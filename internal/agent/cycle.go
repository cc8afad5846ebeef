package agent

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	gitbakdErrors "github.com/bashhack/gitbakd/internal/errors"
	"github.com/bashhack/gitbakd/internal/git"
	"github.com/bashhack/gitbakd/internal/history"
	"github.com/bashhack/gitbakd/internal/notify"
	"github.com/bashhack/gitbakd/internal/observability"
	"github.com/bashhack/gitbakd/internal/pipeline"
	"github.com/bashhack/gitbakd/internal/watcher"
)

// worker runs one commit cycle per trigger. Cycles never overlap: there is a
// single worker and every cycle holds opMu.
func (a *Agent) worker(ctx context.Context) {
	defer a.wg.Done()

	// In-flight cycles finish even when ctx is cancelled by Stop.
	opCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.trigger:
			if ctx.Err() != nil {
				return
			}
			a.runCycle(opCtx)
		}
	}
}

// runCycle evaluates the pending changes and commits them when a strategy
// opts in. Panics are recovered and reported; the agent keeps running.
func (a *Agent) runCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			a.mu.Lock()
			a.metrics.Panics++
			a.mu.Unlock()
			a.logger.Error("Commit cycle panicked: %v\n%s", r, debug.Stack())
			a.bus.Publish(notify.TypeError, notify.SeverityHigh,
				fmt.Sprintf("Commit cycle crashed: %v", r), nil)
		}
	}()

	a.mu.Lock()
	paused := a.status == StatusPaused
	a.mu.Unlock()
	if paused {
		return
	}

	a.opMu.Lock()
	defer a.opMu.Unlock()

	a.mu.Lock()
	batch := a.pending.Batch()
	a.metrics.Cycles++
	a.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	decision := a.strategy.Evaluate(batch)
	if !decision.ShouldCommit {
		a.logger.Debug("No strategy accepted %d pending changes", len(batch))
		return
	}

	_, err := a.commitLocked(ctx, batch, decision.Message, string(decision.Strategy), false)
	a.tryOperation(err)
}

// tryOperation tracks identical consecutive cycle errors. Once the same error
// repeats more than MaxRetries times a critical notification is published,
// once per streak. A nil error resets the streak.
func (a *Agent) tryOperation(err error) {
	if err == nil || gitbakdErrors.Is(err, gitbakdErrors.ErrRateLimited) {
		a.errState = errorState{}
		return
	}

	msg := err.Error()
	if msg == a.errState.lastErrorMsg {
		a.errState.consecutiveErrors++
	} else {
		a.errState.consecutiveErrors = 1
		a.errState.lastErrorMsg = msg
	}

	if a.cfg.MaxRetries > 0 && a.errState.consecutiveErrors == a.cfg.MaxRetries+1 {
		a.logger.Error("Same error occurred %d times in a row: %v", a.errState.consecutiveErrors, err)
		a.bus.Publish(notify.TypeError, notify.SeverityCritical,
			fmt.Sprintf("Commit keeps failing (%d times): %v", a.errState.consecutiveErrors, err),
			map[string]any{"consecutiveErrors": a.errState.consecutiveErrors})
	}
}

// commitLocked runs batch through the pipeline. The caller holds opMu.
// Changes are consumed only when a commit was created, or when the pipeline
// found nothing to commit.
func (a *Agent) commitLocked(ctx context.Context, batch watcher.Batch, message, strategyName string, forced bool) (result CommitResult, err error) {
	ctx, span := observability.StartSpan(ctx, "agent.commit_cycle",
		attribute.Int("changes", len(batch)),
		attribute.String("strategy", strategyName),
		attribute.Bool("forced", forced),
	)
	defer func() { observability.EndSpan(span, err) }()

	result = CommitResult{
		ID:          uuid.NewString(),
		Message:     message,
		ChangeCount: len(batch),
		Timestamp:   time.Now(),
		Forced:      forced,
		Strategy:    strategyName,
	}

	outcome, err := a.pipeline.SecureCommit(ctx, message, pipeline.CommitOptions{
		Actor:     a.cfg.Actor,
		SkipHooks: a.cfg.SkipHooks,
		Force:     a.cfg.ForceProtected,
	})
	result.Branch = outcome.Branch
	result.Warnings = outcome.Warnings

	if gitbakdErrors.Is(err, gitbakdErrors.ErrNothingToCommit) {
		// The changes cancelled out, e.g. a file edited and reverted.
		a.mu.Lock()
		a.pending.Consume(batch)
		a.mu.Unlock()
		a.logger.Debug("Changes to %d paths left nothing to commit", len(batch))
		return result, err
	}
	if err != nil {
		a.recordFailure(&result, err)
		return result, err
	}

	result.Success = true
	result.Hash = outcome.Hash

	a.mu.Lock()
	a.pending.Consume(batch)
	if outcome.Branch != "" {
		a.branch = outcome.Branch
	}
	now := result.Timestamp
	a.metrics.CommitsTotal++
	a.metrics.ChangesCommitted += len(batch)
	a.metrics.LastCommitAt = &now
	pushEnabled := a.pushEnabled
	a.mu.Unlock()

	a.logger.Success("Commit %s: %s", shortHash(outcome.Hash), message)
	for _, w := range outcome.Warnings {
		a.bus.Publish(notify.TypeWarning, notify.SeverityLow, w, map[string]any{"hash": outcome.Hash})
	}
	a.bus.Publish(notify.TypeCommit, notify.SeverityLow, message, map[string]any{
		"hash":     outcome.Hash,
		"branch":   outcome.Branch,
		"files":    outcome.Files,
		"strategy": strategyName,
		"forced":   forced,
	})
	a.record(ctx, history.Entry{
		Kind:    history.KindCommit,
		Message: message,
		Hash:    outcome.Hash,
		Branch:  outcome.Branch,
		Files:   outcome.Files,
		Details: map[string]any{"strategy": strategyName, "forced": forced},
	})

	if pushEnabled {
		result.Pushed = a.pushLocked(ctx, outcome.Branch)
	}

	a.setLastResult(result)
	return result, nil
}

// recordFailure classifies a failed commit. The pending changes stay put.
func (a *Agent) recordFailure(result *CommitResult, err error) {
	result.Error = err.Error()

	severity := notify.SeverityMedium
	kind := notify.TypeError
	var retryAfter time.Duration

	a.mu.Lock()
	a.metrics.CommitsFailed++
	switch {
	case gitbakdErrors.Is(err, gitbakdErrors.ErrRateLimited):
		a.metrics.RateLimited++
		kind = notify.TypeWarning
		var rl *gitbakdErrors.RateLimitError
		if gitbakdErrors.As(err, &rl) {
			retryAfter = rl.RetryAfter
		}
	case gitbakdErrors.Is(err, gitbakdErrors.ErrProtectedBranch):
		a.metrics.ProtectedBlocked++
		kind = notify.TypeWarning
		severity = notify.SeverityHigh
	case gitbakdErrors.Is(err, gitbakdErrors.ErrSecretDetected):
		a.metrics.SecretsBlocked++
		severity = notify.SeverityHigh
	}
	a.mu.Unlock()

	a.logger.Error("Commit failed: %v", err)
	a.bus.Publish(kind, severity, fmt.Sprintf("Commit failed: %v", err), map[string]any{
		"changes": result.ChangeCount,
		"branch":  result.Branch,
	})
	a.record(context.Background(), history.Entry{
		Kind:    history.KindError,
		Message: result.Error,
		Branch:  result.Branch,
		Details: map[string]any{"operation": "commit"},
	})
	a.setLastResult(*result)

	if retryAfter > 0 {
		time.AfterFunc(retryAfter, a.signal)
	}
}

// pushLocked pushes the branch after a commit. Failures never undo the local
// commit. The caller holds opMu.
func (a *Agent) pushLocked(ctx context.Context, branch string) bool {
	transport := ""
	if a.creds != nil {
		if !a.creds.PushAllowed() {
			a.mu.Lock()
			a.metrics.PushesSkipped++
			a.mu.Unlock()
			a.logger.WarningToUser("Skipping push: stored credential is invalid")
			return false
		}
		if a.creds.HasCredential() {
			transport = a.creds.TransportOverride()
		}
	}

	outcome, err := a.pipeline.SecurePush(ctx, pipeline.PushOptions{
		Actor:     a.cfg.Actor,
		Transport: transport,
		Branch:    branch,
		Force:     a.cfg.ForceProtected,
	})
	if err != nil {
		a.mu.Lock()
		a.metrics.PushesFailed++
		auth := git.IsAuthFailure(err)
		if auth {
			a.metrics.AuthFailures++
		}
		a.mu.Unlock()

		if auth {
			if a.creds != nil {
				a.creds.MarkFailure()
			}
			a.logger.Error("Push rejected: %v", err)
			a.bus.Publish(notify.TypeAuthFailure, notify.SeverityHigh,
				"Push rejected by remote: authentication failed", map[string]any{"branch": branch, "error": err.Error()})
		} else {
			a.logger.WarningToUser("Push failed, commit kept locally: %v", err)
			a.bus.Publish(notify.TypeWarning, notify.SeverityMedium,
				"Push failed; commit kept locally", map[string]any{"branch": branch, "error": err.Error()})
		}
		a.record(ctx, history.Entry{
			Kind:    history.KindError,
			Message: err.Error(),
			Branch:  branch,
			Details: map[string]any{"operation": "push"},
		})
		return false
	}

	if a.creds != nil {
		a.creds.MarkSuccess()
	}
	a.mu.Lock()
	a.metrics.PushesTotal++
	a.mu.Unlock()

	a.logger.Info("Pushed %s", outcome.Branch)
	a.record(ctx, history.Entry{
		Kind:    history.KindPush,
		Message: "push " + outcome.Branch,
		Branch:  outcome.Branch,
		Details: map[string]any{"setUpstream": outcome.Retried},
	})
	return true
}

func (a *Agent) setLastResult(r CommitResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastResult = &r
}

func (a *Agent) record(ctx context.Context, e history.Entry) {
	if a.history == nil {
		return
	}
	if err := a.history.Record(ctx, e); err != nil {
		a.logger.Warning("Failed to record history: %v", err)
	}
}

func shortHash(h string) string {
	if len(h) > 7 {
		return h[:7]
	}
	return h
}
