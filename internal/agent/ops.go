package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	gitbakdErrors "github.com/bashhack/gitbakd/internal/errors"
	"github.com/bashhack/gitbakd/internal/git"
	"github.com/bashhack/gitbakd/internal/history"
	"github.com/bashhack/gitbakd/internal/notify"
	"github.com/bashhack/gitbakd/internal/watcher"
)

// ForceCommit commits everything pending now, bypassing the strategies.
// An empty message is generated from the changes. It works while paused.
func (a *Agent) ForceCommit(ctx context.Context, message string) (CommitResult, error) {
	if err := a.requireActive(); err != nil {
		return CommitResult{}, err
	}

	// Move anything still debouncing into pending first.
	if w := a.currentWatcher(); w != nil {
		w.Flush()
	}

	a.opMu.Lock()
	defer a.opMu.Unlock()

	a.mu.Lock()
	batch := a.pending.Batch()
	a.mu.Unlock()

	if len(batch) == 0 {
		fromStatus, err := a.statusBatch(ctx)
		if err != nil {
			return CommitResult{}, err
		}
		batch = fromStatus
	}
	if len(batch) == 0 {
		return CommitResult{
			ID:        uuid.NewString(),
			Timestamp: time.Now(),
			Forced:    true,
			Error:     gitbakdErrors.ErrNothingToCommit.Error(),
		}, gitbakdErrors.ErrNothingToCommit
	}

	if message == "" {
		message = a.strategy.GenerateMessage(batch)
	}
	return a.commitLocked(ctx, batch, message, "manual", true)
}

// statusBatch builds a batch from `git status` for changes made before the
// watcher saw them.
func (a *Agent) statusBatch(ctx context.Context) (watcher.Batch, error) {
	st, err := a.git.Status(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	set := make(watcher.Set)
	for _, e := range st.Entries {
		action := watcher.Modified
		switch {
		case e.Untracked() || e.Index == 'A':
			action = watcher.Added
		case e.Index == 'D' || e.Worktree == 'D':
			action = watcher.Deleted
		}
		set.Add(watcher.NewFileChange(action, e.Path, now))
	}
	return set.Batch(), nil
}

// UndoLastCommit removes HEAD and keeps its changes staged. It returns the
// commit that was undone.
func (a *Agent) UndoLastCommit(ctx context.Context) (git.Commit, error) {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	commits, err := a.git.Log(ctx, 2)
	if err != nil {
		return git.Commit{}, err
	}
	if len(commits) < 2 {
		return git.Commit{}, gitbakdErrors.Errorf("%w: no commit to undo", gitbakdErrors.ErrValidation)
	}
	undone := commits[0]

	if err := a.git.RollbackLastCommit(ctx); err != nil {
		a.bus.Publish(notify.TypeError, notify.SeverityMedium, fmt.Sprintf("Undo failed: %v", err), nil)
		return git.Commit{}, err
	}

	a.logger.InfoToUser("Undid commit %s: %s", shortHash(undone.Hash), undone.Subject)
	a.bus.Publish(notify.TypeInfo, notify.SeverityLow, "Undid last commit", map[string]any{
		"hash":    undone.Hash,
		"subject": undone.Subject,
	})
	a.record(ctx, history.Entry{Kind: history.KindUndo, Message: undone.Subject, Hash: undone.Hash, Branch: a.currentBranch()})
	return undone, nil
}

// Stash shelves every local change, untracked files included. Pending
// changes are dropped since the working tree no longer has them. It returns
// false when there was nothing to stash.
func (a *Agent) Stash(ctx context.Context, message string) (bool, error) {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	if message == "" {
		message = "gitbakd stash " + time.Now().Format("2006-01-02 15:04:05")
	}
	stashed, err := a.git.Stash(ctx, message)
	if err != nil {
		return false, err
	}
	if !stashed {
		return false, nil
	}

	a.mu.Lock()
	a.pending = make(watcher.Set)
	a.mu.Unlock()
	if w := a.currentWatcher(); w != nil {
		w.ClearPendingChanges()
	}

	a.bus.Publish(notify.TypeInfo, notify.SeverityLow, "Stashed local changes", map[string]any{"message": message})
	a.record(ctx, history.Entry{Kind: history.KindStash, Message: message, Branch: a.currentBranch()})
	return true, nil
}

// StashPop restores the most recent stash. The watcher reports the restored
// files as ordinary changes.
func (a *Agent) StashPop(ctx context.Context) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	if err := a.git.StashPop(ctx); err != nil {
		a.bus.Publish(notify.TypeError, notify.SeverityMedium, fmt.Sprintf("Stash pop failed: %v", err), nil)
		return err
	}
	a.bus.Publish(notify.TypeInfo, notify.SeverityLow, "Restored stashed changes", nil)
	a.record(ctx, history.Entry{Kind: history.KindStash, Message: "stash pop", Branch: a.currentBranch()})
	return nil
}

func (a *Agent) requireActive() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status != StatusRunning && a.status != StatusPaused {
		return gitbakdErrors.Errorf("%w (%s)", gitbakdErrors.ErrAgentNotRunning, a.status)
	}
	return nil
}
