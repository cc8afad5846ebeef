package strategy

import (
	"path"
	"sort"
	"strings"

	"github.com/bashhack/gitbakd/internal/watcher"
)

// Kind tags one of the built-in strategies.
type Kind string

const (
	// KindUrgent commits as soon as a critical file changes.
	KindUrgent Kind = "urgent"

	// KindThreshold waits for a minimum number of changed paths.
	KindThreshold Kind = "threshold"

	// KindDefault commits any non-empty batch.
	KindDefault Kind = "default"
)

// Priorities of the built-in strategies. Higher is evaluated first.
const (
	PriorityUrgent    = 100
	PriorityThreshold = 50
	PriorityDefault   = 0
)

// DefaultUrgentPatterns mark files whose changes should not wait for the debounce window.
var DefaultUrgentPatterns = []string{
	"*.env.example",
	"SECURITY.md",
}

// Decision is the outcome of evaluating a batch.
type Decision struct {
	ShouldCommit bool
	Message      string
	Category     Category
	Strategy     Kind
}

// Strategy is one member of the closed set of commit policies.
type Strategy struct {
	Kind     Kind
	Priority int

	// Patterns are the critical globs for KindUrgent.
	Patterns []string

	// MinChanges is the path count KindThreshold requires.
	MinChanges int
}

// ShouldCommit reports whether this strategy opts in for the batch.
func (s Strategy) ShouldCommit(b watcher.Batch) bool {
	if len(b) == 0 {
		return false
	}
	switch s.Kind {
	case KindUrgent:
		for _, c := range b {
			if s.matches(c.Path) {
				return true
			}
		}
		return false
	case KindThreshold:
		return len(b) >= s.MinChanges
	case KindDefault:
		return true
	}
	return false
}

// GenerateMessage renders the commit message for a batch this strategy accepted.
func (s Strategy) GenerateMessage(b watcher.Batch) string {
	msg, _ := GenerateMessage(b)
	return msg
}

func (s Strategy) matches(p string) bool {
	base := path.Base(p)
	for _, pattern := range s.Patterns {
		if ok, _ := path.Match(pattern, base); ok {
			return true
		}
		if ok, _ := path.Match(pattern, p); ok {
			return true
		}
	}
	return false
}

// Options configures an Engine.
type Options struct {
	// UrgentPatterns are added to DefaultUrgentPatterns.
	UrgentPatterns []string

	// MinChanges > 0 replaces the default strategy with a threshold.
	MinChanges int
}

// Engine evaluates strategies in descending priority; the first that opts in decides.
type Engine struct {
	strategies []Strategy
}

// NewEngine builds the strategy set for opts.
func NewEngine(opts Options) *Engine {
	urgent := append(append([]string{}, DefaultUrgentPatterns...), opts.UrgentPatterns...)

	strategies := []Strategy{{Kind: KindUrgent, Priority: PriorityUrgent, Patterns: urgent}}
	if opts.MinChanges > 0 {
		strategies = append(strategies, Strategy{Kind: KindThreshold, Priority: PriorityThreshold, MinChanges: opts.MinChanges})
	} else {
		strategies = append(strategies, Strategy{Kind: KindDefault, Priority: PriorityDefault})
	}
	return NewEngineWith(strategies...)
}

// NewEngineWith builds an engine from an explicit strategy list.
func NewEngineWith(strategies ...Strategy) *Engine {
	sorted := append([]Strategy{}, strategies...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })
	return &Engine{strategies: sorted}
}

// Strategies returns the strategies in evaluation order.
func (e *Engine) Strategies() []Strategy {
	return append([]Strategy{}, e.strategies...)
}

// Evaluate decides whether to commit the batch and with which message.
func (e *Engine) Evaluate(b watcher.Batch) Decision {
	for _, s := range e.strategies {
		if s.ShouldCommit(b) {
			msg, category := GenerateMessage(b)
			return Decision{ShouldCommit: true, Message: msg, Category: category, Strategy: s.Kind}
		}
	}
	return Decision{}
}

// ShouldCommit reports whether any strategy opts in.
func (e *Engine) ShouldCommit(b watcher.Batch) bool {
	return e.Evaluate(b).ShouldCommit
}

// GenerateMessage renders the commit message for b regardless of policy.
func (e *Engine) GenerateMessage(b watcher.Batch) string {
	msg, _ := GenerateMessage(b)
	return msg
}

// IsUrgent reports whether a single change should bypass the debounce window.
func (e *Engine) IsUrgent(c watcher.FileChange) bool {
	for _, s := range e.strategies {
		if s.Kind == KindUrgent && s.matches(c.Path) {
			return true
		}
	}
	return false
}

// Describe lists the strategies in evaluation order, e.g. "urgent > default".
func (e *Engine) Describe() string {
	parts := make([]string, 0, len(e.strategies))
	for _, s := range e.strategies {
		parts = append(parts, string(s.Kind))
	}
	return strings.Join(parts, " > ")
}
