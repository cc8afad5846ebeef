package git

import (
	"strings"
)

// StatusEntry is one line of `git status --porcelain`.
type StatusEntry struct {
	// Index and Worktree are the two porcelain status letters (' ' when unchanged).
	Index    byte
	Worktree byte
	Path     string

	// OrigPath is set for renames and copies.
	OrigPath string
}

// Untracked reports whether git does not know the path yet.
func (e StatusEntry) Untracked() bool {
	return e.Index == '?' && e.Worktree == '?'
}

// Status is the parsed working tree state.
type Status struct {
	Entries []StatusEntry
}

// Clean reports whether there is nothing to stage or commit.
func (s Status) Clean() bool {
	return len(s.Entries) == 0
}

// Paths returns every path mentioned by the status, in git's order.
func (s Status) Paths() []string {
	paths := make([]string, 0, len(s.Entries))
	for _, e := range s.Entries {
		paths = append(paths, e.Path)
	}
	return paths
}

// parsePorcelainZ parses `git status --porcelain -z` output. Rename and copy
// records are followed by a second NUL-terminated field holding the source.
func parsePorcelainZ(out string) Status {
	var st Status
	fields := strings.Split(out, "\x00")
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		if len(f) < 4 {
			continue
		}
		entry := StatusEntry{Index: f[0], Worktree: f[1], Path: f[3:]}
		if entry.Index == 'R' || entry.Index == 'C' {
			if i+1 < len(fields) {
				entry.OrigPath = fields[i+1]
				i++
			}
		}
		st.Entries = append(st.Entries, entry)
	}
	return st
}

// splitZ splits NUL-terminated output such as `--name-only -z`.
func splitZ(out string) []string {
	var items []string
	for _, f := range strings.Split(out, "\x00") {
		if f != "" {
			items = append(items, f)
		}
	}
	return items
}
