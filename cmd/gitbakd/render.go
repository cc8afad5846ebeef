package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/term"

	"github.com/bashhack/gitbakd/internal/agent"
	"github.com/bashhack/gitbakd/internal/credential"
	"github.com/bashhack/gitbakd/internal/history"
	"github.com/bashhack/gitbakd/internal/notify"
)

// printer renders command output, styled only when w is a terminal.
type printer struct {
	w      io.Writer
	styled bool

	header  lipgloss.Style
	label   lipgloss.Style
	dim     lipgloss.Style
	good    lipgloss.Style
	warn    lipgloss.Style
	bad     lipgloss.Style
	hash    lipgloss.Style
	eventTs lipgloss.Style
}

func newPrinter(w io.Writer) *printer {
	r := lipgloss.NewRenderer(w)
	return &printer{
		w:       w,
		styled:  isTerminal(w),
		header:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("86")),
		label:   r.NewStyle().Foreground(lipgloss.Color("33")).Width(18),
		dim:     r.NewStyle().Foreground(lipgloss.Color("240")),
		good:    r.NewStyle().Foreground(lipgloss.Color("82")).Bold(true),
		warn:    r.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
		bad:     r.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		hash:    r.NewStyle().Foreground(lipgloss.Color("205")),
		eventTs: r.NewStyle().Foreground(lipgloss.Color("178")),
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(f.Fd())
}

func (p *printer) render(s lipgloss.Style, text string) string {
	if !p.styled {
		return text
	}
	return s.Render(text)
}

func (p *printer) line(format string, args ...any) {
	_, _ = fmt.Fprintf(p.w, format+"\n", args...)
}

func (p *printer) field(name string, value any) {
	label := name + ":"
	if p.styled {
		label = p.label.Render(label)
	} else {
		label = fmt.Sprintf("%-18s", label)
	}
	p.line("%s %v", label, value)
}

func (p *printer) statusText(s agent.Status) string {
	switch s {
	case agent.StatusRunning:
		return p.render(p.good, string(s))
	case agent.StatusPaused, agent.StatusStarting, agent.StatusStopping:
		return p.render(p.warn, string(s))
	default:
		return p.render(p.bad, string(s))
	}
}

func (p *printer) severityText(s notify.Severity) string {
	switch s {
	case notify.SeverityCritical, notify.SeverityHigh:
		return p.render(p.bad, string(s))
	case notify.SeverityMedium:
		return p.render(p.warn, string(s))
	default:
		return p.render(p.dim, string(s))
	}
}

func (p *printer) state(s agent.State) {
	p.line("%s", p.render(p.header, "gitbakd"))
	p.field("Status", p.statusText(s.Status))
	p.field("Repository", s.RepoPath)
	p.field("Branch", s.Branch)
	p.field("Pending changes", s.PendingChanges)
	for _, path := range s.Pending {
		p.line("  %s", p.render(p.dim, path))
	}
	if s.Strategies != "" {
		p.field("Strategies", s.Strategies)
	}
	if s.Credential != "" {
		p.field("Credential", s.Credential)
	}
	if r := s.LastResult; r != nil {
		if r.Success {
			p.field("Last commit", fmt.Sprintf("%s %s", p.render(p.hash, shortHash(r.Hash)), r.Message))
		} else {
			p.field("Last error", p.render(p.bad, r.Error))
		}
	}
}

func (p *printer) metrics(m agent.Metrics) {
	p.line("%s", p.render(p.header, "gitbakd metrics"))
	p.field("Uptime", m.Uptime.Round(time.Second))
	p.field("Cycles", m.Cycles)
	p.field("Commits", m.CommitsTotal)
	p.field("Failed commits", m.CommitsFailed)
	p.field("Files committed", m.ChangesCommitted)
	p.field("Pushes", m.PushesTotal)
	p.field("Failed pushes", m.PushesFailed)
	p.field("Skipped pushes", m.PushesSkipped)
	p.field("Auth failures", m.AuthFailures)
	p.field("Rate limited", m.RateLimited)
	p.field("Protected blocks", m.ProtectedBlocked)
	p.field("Secrets blocked", m.SecretsBlocked)
	if m.Panics > 0 {
		p.field("Recovered panics", p.render(p.bad, fmt.Sprint(m.Panics)))
	}
	if m.LastCommitAt != nil {
		p.field("Last commit", m.LastCommitAt.Local().Format(time.RFC3339))
	}
}

func (p *printer) commit(r agent.CommitResult) {
	p.line("✅ %s %s", p.render(p.hash, shortHash(r.Hash)), r.Message)
	p.field("Branch", r.Branch)
	p.field("Files", r.ChangeCount)
	if r.Pushed {
		p.field("Pushed", "yes")
	}
	for _, w := range r.Warnings {
		p.line("⚠️  %s", p.render(p.warn, w))
	}
}

func (p *printer) event(e notify.Event) {
	p.line("%s %-8s %-12s %s",
		p.render(p.eventTs, e.Timestamp.Local().Format("15:04:05")),
		p.severityText(e.Severity),
		string(e.Type),
		e.Message)
}

func (p *printer) credentialStatus(s credential.Status) {
	p.line("%s", p.render(p.header, "Credential"))
	p.field("State", s.State)
	if rec := s.Record; rec != nil {
		p.field("Fingerprint", rec.Fingerprint)
		p.field("Stored", rec.CreatedAt.Local().Format(time.RFC3339))
		if rec.LastValidatedAt != nil {
			p.field("Last validated", rec.LastValidatedAt.Local().Format(time.RFC3339))
		}
		p.field("Failures", rec.ConsecutiveFailures)
	}
	p.field("Backups", s.Backups)
}

func (p *printer) backups(backups []credential.Backup) {
	if len(backups) == 0 {
		p.line("no backups")
		return
	}
	for _, b := range backups {
		p.line("%s  %s  %d bytes", b.Name, p.render(p.dim, b.CreatedAt.Local().Format(time.RFC3339)), b.Size)
	}
}

func (p *printer) history(entries []history.Entry) {
	if len(entries) == 0 {
		p.line("no matching history")
		return
	}
	for _, e := range entries {
		ref := ""
		if e.Hash != "" {
			ref = p.render(p.hash, shortHash(e.Hash)) + " "
		}
		p.line("%s %-6s %s%s",
			p.render(p.eventTs, e.Timestamp.Local().Format("2006-01-02 15:04:05")),
			string(e.Kind), ref, e.Message)
	}
}

func shortHash(h string) string {
	if len(h) > 7 {
		return h[:7]
	}
	return h
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
