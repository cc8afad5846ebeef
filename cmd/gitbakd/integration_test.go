//go:build integration

package main

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bashhack/gitbakd/internal/gittest"
)

func buildGitbakd(t *testing.T) string {
	t.Helper()

	bin := filepath.Join(t.TempDir(), "gitbakd")
	build := exec.Command("go", "build", "-o", bin, ".")
	if out, err := build.CombinedOutput(); err != nil {
		t.Fatalf("Failed to build gitbakd binary: %v\n%s", err, out)
	}
	return bin
}

// TestAgentProcess runs the real binary against a scratch repository, drives
// it through the control commands and stops it with SIGINT.
func TestAgentProcess(t *testing.T) {
	if os.Getenv("GITBAKD_INTEGRATION_TESTS") != "1" {
		t.Skip("Skipping integration test. Set GITBAKD_INTEGRATION_TESTS=1 to run")
	}
	gittest.RequireGit(t)

	repo := gittest.NewRepo(t)
	gittest.Git(t, repo, "checkout", "-q", "-b", "work")
	bin := buildGitbakd(t)
	env := append(os.Environ(), "XDG_DATA_HOME="+t.TempDir())

	var stdout, stderr bytes.Buffer
	agentCmd := exec.Command(bin, "--repo", repo, "--debounce-ms", "100", "--history-db", "memory")
	agentCmd.Env = env
	agentCmd.Stdout = &stdout
	agentCmd.Stderr = &stderr
	require.NoError(t, agentCmd.Start())
	t.Cleanup(func() { _ = agentCmd.Process.Kill() })

	ctl := func(args ...string) string {
		t.Helper()
		c := exec.Command(bin, append([]string{"--repo", repo}, args...)...)
		c.Env = env
		out, err := c.CombinedOutput()
		require.NoError(t, err, string(out))
		return string(out)
	}

	require.Eventually(t, func() bool {
		c := exec.Command(bin, "--repo", repo, "status")
		c.Env = env
		out, err := c.CombinedOutput()
		return err == nil && strings.Contains(string(out), "running")
	}, 10*time.Second, 100*time.Millisecond)

	before := gittest.CommitCount(t, repo)
	gittest.WriteFile(t, repo, "src/app.go", "package app\n")
	require.Eventually(t, func() bool { return gittest.CommitCount(t, repo) > before }, 10*time.Second, 100*time.Millisecond)
	assert.Contains(t, gittest.Git(t, repo, "log", "-1", "--format=%s"), "app.go")

	ctl("pause")
	gittest.WriteFile(t, repo, "README.md", "# app\n")
	time.Sleep(500 * time.Millisecond)
	paused := gittest.CommitCount(t, repo)
	assert.Contains(t, ctl("commit", "-m", "docs: readme"), "docs: readme")
	assert.Equal(t, paused+1, gittest.CommitCount(t, repo))

	assert.Contains(t, ctl("undo"), "docs: readme")
	assert.Equal(t, paused, gittest.CommitCount(t, repo))

	require.NoError(t, agentCmd.Process.Signal(syscall.SIGINT))
	done := make(chan error, 1)
	go func() { done <- agentCmd.Wait() }()
	select {
	case err := <-done:
		require.NoError(t, err, stderr.String())
	case <-time.After(forceExitAfter):
		t.Fatal("gitbakd did not exit after SIGINT")
	}

	assert.Contains(t, stdout.String(), "Session Summary")
}
