package agent

import (
	"context"
	"time"
)

// PrintSummary prints session statistics and the recent commit graph.
func (a *Agent) PrintSummary() {
	m := a.Metrics()
	duration := time.Since(m.StartedAt)
	if m.StartedAt.IsZero() {
		duration = 0
	}
	hours := int(duration.Hours())
	minutes := int(duration.Minutes()) % 60
	seconds := int(duration.Seconds()) % 60

	a.logger.StatusMessage("")
	a.logger.StatusMessage("---------------------------------------------")
	a.logger.StatusMessage("📊 gitbakd Session Summary")
	a.logger.StatusMessage("---------------------------------------------")
	a.logger.StatusMessage("✅ Total commits made: %d (%d changes)", m.CommitsTotal, m.ChangesCommitted)
	if m.CommitsFailed > 0 {
		a.logger.StatusMessage("⚠️  Failed commit attempts: %d (rate limited %d, protected %d, secrets %d)",
			m.CommitsFailed, m.RateLimited, m.ProtectedBlocked, m.SecretsBlocked)
	}
	if a.cfg.AutoPush {
		a.logger.StatusMessage("⬆️  Pushes: %d ok, %d failed, %d skipped", m.PushesTotal, m.PushesFailed, m.PushesSkipped)
	}
	a.logger.StatusMessage("⏱️  Session duration: %dh %dm %ds", hours, minutes, seconds)
	a.logger.StatusMessage("🌿 Working branch: %s", a.currentBranch())

	a.showRecentCommits()

	a.logger.StatusMessage("---------------------------------------------")
	a.logger.StatusMessage("🛑 gitbakd terminated at %s", time.Now().Format("2006-01-02 15:04:05"))
}

func (a *Agent) showRecentCommits() {
	// Display only; not tied to the agent's lifecycle.
	commits, err := a.git.Log(context.Background(), 10)
	if err != nil || len(commits) == 0 {
		return
	}
	a.logger.StatusMessage("")
	a.logger.StatusMessage("🔍 Recent commits:")
	a.logger.StatusMessage("---------------------------------------------")
	for _, c := range commits {
		a.logger.StatusMessage("%s %s", shortHash(c.Hash), c.Subject)
	}
}
