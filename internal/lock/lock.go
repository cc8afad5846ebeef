package lock

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	gitbakdErrors "github.com/bashhack/gitbakd/internal/errors"
)

// Info is written into the lock file so other invocations can tell who holds it.
type Info struct {
	PID       int       `json:"pid"`
	RepoPath  string    `json:"repo"`
	StartedAt time.Time `json:"startedAt"`
}

// Locker keeps a single gitbakd agent per working tree using flock(2).
type Locker struct {
	lockFile string
	repoPath string
	lockFd   *os.File
	pid      int
}

// New creates a Locker for repoPath with its lock file in dir.
// An empty dir means os.TempDir().
func New(repoPath, dir string) (*Locker, error) {
	if runtime.GOOS == "windows" {
		return nil, gitbakdErrors.NewLockError("", 0,
			gitbakdErrors.Wrap(gitbakdErrors.ErrLockAcquisitionFailure,
				"gitbakd only supports Unix-like operating systems"))
	}

	return &Locker{
		lockFile: Path(repoPath, dir),
		repoPath: repoPath,
		pid:      os.Getpid(),
	}, nil
}

// Path returns the lock file used for repoPath.
func Path(repoPath, dir string) string {
	if dir == "" {
		dir = os.TempDir()
	}
	repoHash := fmt.Sprintf("%x", sha256.Sum256([]byte(repoPath)))[:16]
	return filepath.Join(dir, fmt.Sprintf("gitbakd-%s.lock", repoHash))
}

// File returns the lock file path.
func (l *Locker) File() string {
	return l.lockFile
}

// Acquire takes the lock. A lock held by a live process yields ErrAlreadyRunning;
// a lock left behind by a dead process is reclaimed.
func (l *Locker) Acquire() error {
	if l.lockFd != nil {
		return nil
	}

	fd, err := os.OpenFile(l.lockFile, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err == nil {
		return l.lockAndStamp(fd)
	}
	if !os.IsExist(err) {
		return gitbakdErrors.NewLockError(l.lockFile, 0,
			gitbakdErrors.Wrap(err, "failed to create lock file"))
	}

	fd, err = os.OpenFile(l.lockFile, os.O_RDWR, 0o600)
	if err != nil {
		return gitbakdErrors.NewLockError(l.lockFile, 0,
			gitbakdErrors.Wrap(err, "failed to open existing lock file"))
	}

	if err := flock(fd); err != nil {
		_ = fd.Close()

		// EWOULDBLOCK and EAGAIN are distinct on some older Unix systems
		if gitbakdErrors.Is(err, syscall.EWOULDBLOCK) || gitbakdErrors.Is(err, syscall.EAGAIN) {
			return l.handleBlockedLock()
		}
		return gitbakdErrors.NewLockError(l.lockFile, 0,
			gitbakdErrors.Wrap(gitbakdErrors.ErrLockAcquisitionFailure, err.Error()))
	}

	// The previous holder exited without removing the file.
	if err := fd.Truncate(0); err != nil {
		_ = fd.Close()
		return gitbakdErrors.NewLockError(l.lockFile, 0,
			gitbakdErrors.Wrap(err, "failed to truncate lock file"))
	}
	l.lockFd = fd
	return l.stamp()
}

func (l *Locker) lockAndStamp(fd *os.File) error {
	if err := flock(fd); err != nil {
		_ = fd.Close()
		return gitbakdErrors.NewLockError(l.lockFile, 0,
			gitbakdErrors.Wrap(gitbakdErrors.ErrLockAcquisitionFailure, err.Error()))
	}
	l.lockFd = fd
	return l.stamp()
}

// handleBlockedLock reports the live holder, or reclaims the lock when the
// recorded process is gone.
func (l *Locker) handleBlockedLock() error {
	info, err := ReadInfo(l.lockFile)
	if err != nil {
		return gitbakdErrors.NewLockError(l.lockFile, 0,
			gitbakdErrors.Wrap(gitbakdErrors.ErrAlreadyRunning, "holder could not be identified"))
	}

	if isProcessRunning(info.PID) {
		return gitbakdErrors.NewLockError(l.lockFile, info.PID, gitbakdErrors.ErrAlreadyRunning)
	}

	if err := os.Remove(l.lockFile); err != nil {
		return gitbakdErrors.NewLockError(l.lockFile, info.PID,
			gitbakdErrors.Wrapf(err, "found stale lock file from PID %d, but failed to remove it", info.PID))
	}

	fd, err := os.OpenFile(l.lockFile, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return gitbakdErrors.NewLockError(l.lockFile, 0,
				gitbakdErrors.Wrap(gitbakdErrors.ErrAlreadyRunning, "another agent took the lock after the stale lock was removed"))
		}
		return gitbakdErrors.NewLockError(l.lockFile, 0,
			gitbakdErrors.Wrap(err, "failed to recreate lock file"))
	}
	return l.lockAndStamp(fd)
}

// stamp writes the holder metadata into the locked file.
func (l *Locker) stamp() error {
	data, err := json.Marshal(Info{PID: l.pid, RepoPath: l.repoPath, StartedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	if _, err := l.lockFd.WriteAt(data, 0); err != nil {
		_ = l.Release()
		return gitbakdErrors.NewLockError(l.lockFile, l.pid,
			gitbakdErrors.Wrap(err, "failed to write lock metadata"))
	}
	return nil
}

// Release unlocks and removes the lock file. It is safe to call more than once.
func (l *Locker) Release() error {
	if l.lockFd == nil {
		return nil
	}

	var err error
	if flockErr := syscall.Flock(int(l.lockFd.Fd()), syscall.LOCK_UN); flockErr != nil {
		err = gitbakdErrors.NewLockError(l.lockFile, l.pid,
			gitbakdErrors.Wrap(flockErr, "failed to release lock"))
	}

	// Remove before close so no other process can flock the file we are deleting.
	if removeErr := os.Remove(l.lockFile); removeErr != nil && !os.IsNotExist(removeErr) && err == nil {
		err = gitbakdErrors.NewLockError(l.lockFile, l.pid,
			gitbakdErrors.Wrap(removeErr, "failed to remove lock file"))
	}
	if closeErr := l.lockFd.Close(); closeErr != nil && err == nil {
		err = gitbakdErrors.NewLockError(l.lockFile, l.pid,
			gitbakdErrors.Wrap(closeErr, "failed to close lock file"))
	}

	l.lockFd = nil
	return err
}

// ReadInfo reads holder metadata from a lock file. Bare PIDs written by
// older releases are accepted too.
func ReadInfo(lockFile string) (Info, error) {
	data, err := os.ReadFile(lockFile)
	if err != nil {
		return Info{}, gitbakdErrors.Wrap(err, "failed to read lock file")
	}

	var info Info
	if jsonErr := json.Unmarshal(data, &info); jsonErr == nil && info.PID > 0 {
		return info, nil
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return Info{}, gitbakdErrors.Wrap(err, "invalid PID in lock file")
	}
	return Info{PID: pid}, nil
}

// Holder returns the live agent holding the lock for repoPath, if any.
func Holder(repoPath, dir string) (Info, bool) {
	info, err := ReadInfo(Path(repoPath, dir))
	if err != nil || !isProcessRunning(info.PID) {
		return Info{}, false
	}
	return info, true
}

// flock gets an exclusive non-blocking lock
func flock(fd *os.File) error {
	return syscall.Flock(int(fd.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
}

// isProcessRunning checks if a process exists using signal 0
func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
