// Package history records what the agent did (commits, pushes, undos,
// stashes) and lets the CLI search it.
package history

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind classifies an entry.
type Kind string

const (
	KindCommit Kind = "commit"
	KindPush   Kind = "push"
	KindUndo   Kind = "undo"
	KindStash  Kind = "stash"
	KindError  Kind = "error"
)

// DefaultSearchLimit caps Search when the query sets no limit.
const DefaultSearchLimit = 50

// Entry is one recorded operation.
type Entry struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	Message   string         `json:"message"`
	Hash      string         `json:"hash,omitempty"`
	Branch    string         `json:"branch,omitempty"`
	Files     []string       `json:"files,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// Query filters Search. Zero fields match everything.
type Query struct {
	// Text matches message, hash or file paths, case-insensitively.
	Text  string
	Kind  Kind
	Since time.Time
	Limit int
}

// Store persists entries. Search returns newest first.
type Store interface {
	Record(ctx context.Context, e Entry) error
	Search(ctx context.Context, q Query) ([]Entry, error)
	Close() error
}

// normalize fills the ID and timestamp of a new entry.
func normalize(e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.Timestamp = e.Timestamp.UTC()
	return e
}

func limitOf(q Query) int {
	if q.Limit <= 0 {
		return DefaultSearchLimit
	}
	return q.Limit
}

// MemoryStore keeps at most max entries in memory.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
	max     int
}

// NewMemoryStore creates a store retaining max entries (1000 when max <= 0).
func NewMemoryStore(max int) *MemoryStore {
	if max <= 0 {
		max = 1000
	}
	return &MemoryStore{max: max}
}

// Record implements Store.
func (m *MemoryStore) Record(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = append(m.entries, normalize(e))
	if over := len(m.entries) - m.max; over > 0 {
		m.entries = append([]Entry(nil), m.entries[over:]...)
	}
	return nil
}

// Search implements Store.
func (m *MemoryStore) Search(_ context.Context, q Query) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	text := strings.ToLower(q.Text)
	var out []Entry
	for _, e := range m.entries {
		if q.Kind != "" && e.Kind != q.Kind {
			continue
		}
		if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
			continue
		}
		if text != "" && !matchesText(e, text) {
			continue
		}
		out = append(out, e)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit := limitOf(q); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	return nil
}

func matchesText(e Entry, text string) bool {
	if strings.Contains(strings.ToLower(e.Message), text) || strings.Contains(strings.ToLower(e.Hash), text) {
		return true
	}
	for _, f := range e.Files {
		if strings.Contains(strings.ToLower(f), text) {
			return true
		}
	}
	return false
}
