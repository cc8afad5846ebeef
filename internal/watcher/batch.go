package watcher

import (
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Action is what happened to a path.
type Action string

const (
	Added    Action = "added"
	Modified Action = "modified"
	Deleted  Action = "deleted"
)

// FileChange is one observed change to a repository-relative path.
type FileChange struct {
	Action    Action    `json:"action"`
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
	Extension string    `json:"extension"`
}

// NewFileChange builds a FileChange with a normalized path.
func NewFileChange(action Action, rel string, at time.Time) FileChange {
	p := NormalizePath(rel)
	return FileChange{
		Action:    action,
		Path:      p,
		Timestamp: at,
		Extension: path.Ext(p),
	}
}

// NormalizePath converts rel to a slash-separated NFC path so the same file
// keys identically whatever form the filesystem reported it in.
func NormalizePath(rel string) string {
	p := filepath.ToSlash(rel)
	p = strings.TrimPrefix(path.Clean("/"+p), "/")
	return norm.NFC.String(p)
}

// Batch is a set of changes keyed by path and ordered by path.
type Batch []FileChange

// Paths returns the paths in batch order.
func (b Batch) Paths() []string {
	paths := make([]string, len(b))
	for i, c := range b {
		paths[i] = c.Path
	}
	return paths
}

// Count returns how many changes carry the given action.
func (b Batch) Count(a Action) int {
	n := 0
	for _, c := range b {
		if c.Action == a {
			n++
		}
	}
	return n
}

// Merge folds an incoming change into an existing one for the same path.
// The latest action wins, except that a file added in this window and then
// written stays added: fsnotify reports one creation as Create then Write.
func Merge(existing, incoming FileChange) FileChange {
	if existing.Action == Added && incoming.Action == Modified {
		incoming.Action = Added
	}
	return incoming
}

// Set accumulates changes keyed by path.
type Set map[string]FileChange

// Add merges c into the set.
func (s Set) Add(c FileChange) {
	if existing, ok := s[c.Path]; ok {
		c = Merge(existing, c)
	}
	s[c.Path] = c
}

// AddBatch merges every change of b into the set.
func (s Set) AddBatch(b Batch) {
	for _, c := range b {
		s.Add(c)
	}
}

// Batch returns the set's contents ordered by path.
func (s Set) Batch() Batch {
	b := make(Batch, 0, len(s))
	for _, c := range s {
		b = append(b, c)
	}
	sort.Slice(b, func(i, j int) bool { return b[i].Path < b[j].Path })
	return b
}

// Consume removes the changes of b that were not superseded by a later
// change to the same path.
func (s Set) Consume(b Batch) {
	for _, c := range b {
		if cur, ok := s[c.Path]; ok && !cur.Timestamp.After(c.Timestamp) {
			delete(s, c.Path)
		}
	}
}
