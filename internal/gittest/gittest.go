// Package gittest creates throwaway git repositories for tests.
package gittest

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

// RequireGit skips the test when no git binary is available.
func RequireGit(t testing.TB) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

// NewRepo creates a repository on branch main with one initial commit and a
// local identity so commits work without global configuration.
func NewRepo(t testing.TB) string {
	t.Helper()
	dir := NewEmptyRepo(t)

	WriteFile(t, dir, "initial.txt", "Initial content")
	Git(t, dir, "add", "initial.txt")
	Git(t, dir, "commit", "-m", "Initial commit")
	return dir
}

// NewEmptyRepo creates a repository on branch main with no commits.
func NewEmptyRepo(t testing.TB) string {
	t.Helper()
	RequireGit(t)

	dir := t.TempDir()
	Git(t, dir, "init", "--quiet")
	Git(t, dir, "symbolic-ref", "HEAD", "refs/heads/main")
	Git(t, dir, "config", "user.email", "test@example.com")
	Git(t, dir, "config", "user.name", "Test User")
	Git(t, dir, "config", "commit.gpgsign", "false")
	return dir
}

// AddBareRemote creates a bare repository and registers it as remote name.
func AddBareRemote(t testing.TB, repo, name string) string {
	t.Helper()
	bare := filepath.Join(t.TempDir(), name+".git")
	Git(t, "", "init", "--quiet", "--bare", bare)
	Git(t, repo, "remote", "add", name, bare)
	return bare
}

// Git runs git in dir (or the process directory when dir is empty) and
// returns trimmed stdout, failing the test on error.
func Git(t testing.TB, dir string, args ...string) string {
	t.Helper()
	if dir != "" {
		args = append([]string{"-C", dir}, args...)
	}
	out, err := exec.Command("git", args...).CombinedOutput()
	if err != nil {
		t.Fatalf("git %s failed: %v\n%s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

// WriteFile writes content to a repository-relative path, creating parents.
func WriteFile(t testing.TB, repo, rel, content string) string {
	t.Helper()
	path := filepath.Join(repo, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create directory for %s: %v", rel, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", rel, err)
	}
	return path
}

// CommitCount returns the number of commits reachable from HEAD.
func CommitCount(t testing.TB, repo string) int {
	t.Helper()
	n, err := strconv.Atoi(Git(t, repo, "rev-list", "--count", "HEAD"))
	if err != nil {
		t.Fatalf("Failed to count commits: %v", err)
	}
	return n
}
