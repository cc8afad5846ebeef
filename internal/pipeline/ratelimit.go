package pipeline

import (
	"sync"
	"time"

	gitbakdErrors "github.com/bashhack/gitbakd/internal/errors"
)

// Defaults for the per-actor sliding window.
const (
	DefaultRateLimit  = 10
	DefaultRateWindow = 60 * time.Second
)

// RateLimiter enforces a sliding window of at most limit operations per actor.
// Windows are pruned on every check.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	actors map[string][]time.Time
	now    func() time.Time
}

// NewRateLimiter creates a limiter. A limit <= 0 disables limiting.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = DefaultRateWindow
	}
	return &RateLimiter{
		limit:  limit,
		window: window,
		actors: map[string][]time.Time{},
		now:    time.Now,
	}
}

// Allow records an operation for actor, or returns a *RateLimitError when
// the window is already full. A rejected attempt is not recorded.
func (l *RateLimiter) Allow(actor string) error {
	if l == nil || l.limit <= 0 {
		return nil
	}
	if actor == "" {
		actor = "default"
	}

	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	history := trimCutoff(l.actors[actor], now.Add(-l.window))
	if len(history) >= l.limit {
		l.actors[actor] = history
		return &gitbakdErrors.RateLimitError{
			Actor:      actor,
			Limit:      l.limit,
			Window:     l.window,
			RetryAfter: history[0].Add(l.window).Sub(now),
		}
	}
	l.actors[actor] = append(history, now)
	return nil
}

// Remaining returns how many operations actor may still perform in the current window.
func (l *RateLimiter) Remaining(actor string) int {
	if l == nil || l.limit <= 0 {
		return -1
	}
	if actor == "" {
		actor = "default"
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	history := trimCutoff(l.actors[actor], l.now().Add(-l.window))
	l.actors[actor] = history
	return l.limit - len(history)
}

func trimCutoff(in []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(in) && !in[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return in
	}
	out := make([]time.Time, len(in)-i)
	copy(out, in[i:])
	return out
}
