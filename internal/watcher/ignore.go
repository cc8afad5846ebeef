package watcher

import (
	"bufio"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// DefaultIgnorePatterns are never watched.
var DefaultIgnorePatterns = []string{
	".git",
	"node_modules",
	"dist",
	"build",
	"coverage",
	".next",
	"*.swp",
	"*~",
	".DS_Store",
}

// Matcher decides whether a repository-relative path is ignored.
type Matcher struct {
	patterns []string
	dirs     []string
}

// NewMatcher builds a matcher from glob patterns and absolute directories.
// Patterns match the base name, the whole relative path, or any leading
// directory of it, so "dist" and "node_modules/**" both exclude whole trees.
func NewMatcher(patterns []string, dirs []string) *Matcher {
	m := &Matcher{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" || strings.HasPrefix(p, "#") || strings.HasPrefix(p, "!") {
			continue
		}
		p = strings.TrimPrefix(p, "/")
		p = strings.TrimPrefix(p, "**/")
		p = strings.TrimSuffix(p, "/**")
		p = strings.TrimSuffix(p, "/")
		if p != "" {
			m.patterns = append(m.patterns, p)
		}
	}
	for _, d := range dirs {
		if d != "" {
			m.dirs = append(m.dirs, filepath.Clean(d))
		}
	}
	return m
}

// Match reports whether rel (slash-separated, relative to root) is ignored.
func (m *Matcher) Match(rel string) bool {
	if rel == "" || rel == "." {
		return false
	}
	segments := strings.Split(rel, "/")
	base := segments[len(segments)-1]

	for _, p := range m.patterns {
		if ok, _ := path.Match(p, base); ok {
			return true
		}
		if ok, _ := path.Match(p, rel); ok {
			return true
		}
		for i := 0; i < len(segments)-1; i++ {
			if ok, _ := path.Match(p, segments[i]); ok {
				return true
			}
			if ok, _ := path.Match(p, strings.Join(segments[:i+1], "/")); ok {
				return true
			}
		}
	}
	return false
}

// MatchAbs reports whether an absolute path lies inside an ignored directory.
func (m *Matcher) MatchAbs(abs string) bool {
	abs = filepath.Clean(abs)
	for _, d := range m.dirs {
		if abs == d || strings.HasPrefix(abs, d+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// readPatternFile reads a gitignore-style file and returns non-empty, non-comment lines.
func readPatternFile(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	return patterns, scanner.Err()
}
