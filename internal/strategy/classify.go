package strategy

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/bashhack/gitbakd/internal/watcher"
)

// Category is the conventional-commit class of a batch.
type Category string

const (
	CategoryFeature Category = "feature"
	CategoryTest    Category = "test"
	CategoryDocs    Category = "docs"
	CategoryBuild   Category = "build"
	CategoryStyle   Category = "style"
	CategoryFix     Category = "fix"
	CategoryChore   Category = "chore"
)

// Prefix returns the commit message type for the category.
func (c Category) Prefix() string {
	if c == CategoryFeature {
		return "feat"
	}
	return string(c)
}

// maxNamesInSummary is how many file names a message lists before "and N more".
const maxNamesInSummary = 3

var sourceDirs = map[string]bool{
	"src": true, "lib": true, "app": true, "pkg": true,
	"internal": true, "cmd": true, "components": true,
}

var sourceExts = map[string]bool{
	".go": true, ".ts": true, ".tsx": true, ".js": true, ".jsx": true, ".mjs": true, ".cjs": true,
	".py": true, ".rb": true, ".rs": true, ".java": true, ".kt": true, ".swift": true,
	".c": true, ".cc": true, ".cpp": true, ".h": true, ".hpp": true, ".cs": true,
	".php": true, ".vue": true, ".svelte": true, ".scala": true, ".ex": true, ".exs": true,
	".sh": true, ".sql": true,
}

var docExts = map[string]bool{".md": true, ".mdx": true, ".rst": true, ".adoc": true, ".txt": true}

var docNames = map[string]bool{"readme": true, "changelog": true, "license": true, "contributing": true, "authors": true}

var styleExts = map[string]bool{".css": true, ".scss": true, ".sass": true, ".less": true, ".styl": true, ".pcss": true}

var configNames = map[string]bool{
	"package.json": true, "package-lock.json": true, "yarn.lock": true, "pnpm-lock.yaml": true,
	"go.mod": true, "go.sum": true, "makefile": true, "dockerfile": true,
	"cargo.toml": true, "cargo.lock": true, "requirements.txt": true, "pyproject.toml": true,
	"gemfile": true, "gemfile.lock": true, "tsconfig.json": true, ".gitignore": true,
	".editorconfig": true, ".nvmrc": true,
}

var configExts = map[string]bool{
	".json": true, ".yaml": true, ".yml": true, ".toml": true, ".ini": true,
	".cfg": true, ".conf": true, ".lock": true, ".env": true, ".example": true,
}

var testDirs = map[string]bool{"test": true, "tests": true, "__tests__": true, "spec": true, "e2e": true}

func segments(p string) []string {
	return strings.Split(p, "/")
}

func isTest(p string) bool {
	base := strings.ToLower(path.Base(p))
	switch {
	case strings.HasSuffix(base, "_test.go"),
		strings.Contains(base, ".test."),
		strings.Contains(base, ".spec."),
		strings.HasPrefix(base, "test_") && strings.HasSuffix(base, ".py"),
		strings.HasSuffix(base, "_test.py"),
		strings.HasSuffix(base, "_spec.rb"):
		return true
	}
	segs := segments(p)
	for _, s := range segs[:len(segs)-1] {
		if testDirs[strings.ToLower(s)] {
			return true
		}
	}
	return false
}

func isSource(p string) bool {
	return sourceExts[strings.ToLower(path.Ext(p))] && !isTest(p)
}

func underSourceDir(p string) bool {
	segs := segments(p)
	for _, s := range segs[:len(segs)-1] {
		if sourceDirs[s] {
			return true
		}
	}
	return false
}

func isDocs(p string) bool {
	base := strings.ToLower(path.Base(p))
	if configNames[base] {
		return false
	}
	stem := strings.TrimSuffix(base, path.Ext(base))
	if docNames[stem] || docExts[path.Ext(base)] {
		return true
	}
	return segments(p)[0] == "docs"
}

func isBuild(p string) bool {
	base := strings.ToLower(path.Base(p))
	if configNames[base] || configExts[path.Ext(base)] {
		return true
	}
	if strings.HasPrefix(base, "dockerfile") || strings.HasPrefix(base, "docker-compose") {
		return true
	}
	return strings.HasPrefix(p, ".github/")
}

func isStyle(p string) bool {
	return styleExts[strings.ToLower(path.Ext(p))]
}

// Classify picks the category of a batch using a fixed precedence:
// new source files, tests, docs, build/config, styles, modified source, chore.
// It returns the changes the category was derived from.
func Classify(b watcher.Batch) (Category, watcher.Batch) {
	rules := []struct {
		category Category
		match    func(watcher.FileChange) bool
	}{
		{CategoryFeature, func(c watcher.FileChange) bool {
			return c.Action == watcher.Added && isSource(c.Path) && underSourceDir(c.Path)
		}},
		{CategoryTest, func(c watcher.FileChange) bool { return isTest(c.Path) }},
		{CategoryDocs, func(c watcher.FileChange) bool { return isDocs(c.Path) }},
		{CategoryBuild, func(c watcher.FileChange) bool { return isBuild(c.Path) }},
		{CategoryStyle, func(c watcher.FileChange) bool { return isStyle(c.Path) }},
		{CategoryFix, func(c watcher.FileChange) bool {
			return c.Action == watcher.Modified && isSource(c.Path)
		}},
	}

	for _, r := range rules {
		var matched watcher.Batch
		for _, c := range b {
			if r.match(c) {
				matched = append(matched, c)
			}
		}
		if len(matched) > 0 {
			return r.category, matched
		}
	}
	return CategoryChore, b
}

// GenerateMessage renders `<type>: <summary>` for a batch. The result depends
// only on the set of paths and actions, never on order or timestamps.
func GenerateMessage(b watcher.Batch) (string, Category) {
	category, matched := Classify(b)

	if category == CategoryChore {
		return choreMessage(b), category
	}

	verb := "update"
	switch {
	case category == CategoryFeature || allActions(matched, watcher.Added):
		verb = "add"
	case allActions(matched, watcher.Deleted):
		verb = "remove"
	}
	return fmt.Sprintf("%s: %s %s", category.Prefix(), verb, summarizeNames(matched)), category
}

func choreMessage(b watcher.Batch) string {
	total := len(uniquePaths(b))
	noun := "files"
	if total == 1 {
		noun = "file"
	}

	var parts []string
	for _, a := range []watcher.Action{watcher.Added, watcher.Modified, watcher.Deleted} {
		if n := b.Count(a); n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, a))
		}
	}
	if len(parts) == 0 {
		return "chore: no changes"
	}
	return fmt.Sprintf("chore: update %d %s (%s)", total, noun, strings.Join(parts, ", "))
}

func allActions(b watcher.Batch, a watcher.Action) bool {
	for _, c := range b {
		if c.Action != a {
			return false
		}
	}
	return len(b) > 0
}

func uniquePaths(b watcher.Batch) map[string]struct{} {
	set := make(map[string]struct{}, len(b))
	for _, c := range b {
		set[c.Path] = struct{}{}
	}
	return set
}

// summarizeNames lists sorted, deduplicated base names, at most three.
func summarizeNames(b watcher.Batch) string {
	seen := map[string]bool{}
	var names []string
	for _, c := range b {
		name := path.Base(c.Path)
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)

	if len(names) <= maxNamesInSummary {
		return strings.Join(names, ", ")
	}
	return fmt.Sprintf("%s and %d more", strings.Join(names[:maxNamesInSummary], ", "), len(names)-maxNamesInSummary)
}
