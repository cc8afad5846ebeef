package lock

import (
	"os"
	"strconv"
	"testing"

	gitbakdErrors "github.com/bashhack/gitbakd/internal/errors"
)

func TestIsProcessRunning(t *testing.T) {
	nonExistentPID := 999999
	for pid := nonExistentPID; pid > 900000; pid-- {
		if !isProcessRunning(pid) {
			nonExistentPID = pid
			break
		}
	}

	tests := map[string]struct {
		pid      int
		expected bool
	}{
		"CurrentProcess": {os.Getpid(), true},
		"NonExistentPID": {nonExistentPID, false},
		"NegativePID":    {-1, false},
		"ZeroPID":        {0, false},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			if result := isProcessRunning(test.pid); result != test.expected {
				t.Errorf("Expected isProcessRunning(%d) to be %v, got %v", test.pid, test.expected, result)
			}
		})
	}
}

func TestAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()
	repo := "/work/project"

	first, err := New(repo, dir)
	if err != nil {
		t.Fatalf("Failed to create locker: %v", err)
	}
	if err := first.Acquire(); err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}

	info, ok := Holder(repo, dir)
	if !ok {
		t.Fatal("Expected Holder to report the live agent")
	}
	if info.PID != os.Getpid() || info.RepoPath != repo || info.StartedAt.IsZero() {
		t.Errorf("Unexpected holder info %+v", info)
	}

	second, _ := New(repo, dir)
	err = second.Acquire()
	if !gitbakdErrors.Is(err, gitbakdErrors.ErrAlreadyRunning) {
		t.Fatalf("Expected ErrAlreadyRunning for a second agent, got %v", err)
	}
	var lockErr *gitbakdErrors.LockError
	if !gitbakdErrors.As(err, &lockErr) || lockErr.PID != os.Getpid() {
		t.Errorf("Expected LockError naming PID %d, got %v", os.Getpid(), err)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := first.Release(); err != nil {
		t.Errorf("Second release should be a no-op, got %v", err)
	}
	if _, err := os.Stat(first.File()); !os.IsNotExist(err) {
		t.Errorf("Expected lock file to be removed, stat err=%v", err)
	}
	if _, ok := Holder(repo, dir); ok {
		t.Error("Expected no holder after release")
	}

	if err := second.Acquire(); err != nil {
		t.Fatalf("Expected lock to be free after release, got %v", err)
	}
	_ = second.Release()
}

func TestStaleLockRecovery(t *testing.T) {
	tests := map[string]string{
		"DeadPIDJSON":      `{"pid":999999,"repo":"/old","startedAt":"2024-01-01T00:00:00Z"}`,
		"LegacyBarePID":    "999999",
		"InvalidPIDFormat": "not-a-pid",
		"EmptyLockFile":    "",
		"CurrentPID":       strconv.Itoa(os.Getpid()),
	}

	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			locker, err := New("/work/stale", dir)
			if err != nil {
				t.Fatalf("Failed to create locker: %v", err)
			}
			if err := os.WriteFile(locker.File(), []byte(content), 0o600); err != nil {
				t.Fatalf("Failed to create lock file: %v", err)
			}
			t.Cleanup(func() { _ = locker.Release() })

			// No process holds the flock, so the file is reclaimed whatever it says.
			if err := locker.Acquire(); err != nil {
				t.Fatalf("Expected to acquire lock despite stale lock file, got error: %v", err)
			}

			info, err := ReadInfo(locker.File())
			if err != nil {
				t.Fatalf("ReadInfo failed: %v", err)
			}
			if info.PID != os.Getpid() || info.RepoPath != "/work/stale" {
				t.Errorf("Expected lock file to be restamped, got %+v", info)
			}
		})
	}
}

func TestReadInfoLegacyFormat(t *testing.T) {
	path := Path("/repo", t.TempDir())
	if err := os.WriteFile(path, []byte("4242\n"), 0o600); err != nil {
		t.Fatalf("Failed to write lock file: %v", err)
	}

	info, err := ReadInfo(path)
	if err != nil {
		t.Fatalf("ReadInfo failed: %v", err)
	}
	if info.PID != 4242 {
		t.Errorf("Expected PID 4242, got %d", info.PID)
	}
}
