package lock

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmhodges/clock"
)

// DefaultStaleAfter is how long a runner may go without a heartbeat before
// its lock file is considered abandoned.
const DefaultStaleAfter = 120 * time.Second

var (
	// ErrLocked means another live runner holds the lock file.
	ErrLocked = errors.New("runner lock held by another process")
	// ErrLost means the lock file was removed or taken over by someone else.
	ErrLost = errors.New("runner lock file lost")
)

// FileLock guards a continuous runner on one host. The file holds the
// owner's pid and a per-acquisition token; its mtime is the heartbeat.
type FileLock struct {
	path  string
	token string
	clk   clock.Clock
}

// AcquireFile creates path exclusively. It fails with ErrLocked if the file
// already exists, stale or not; stale files are removed by ClearStale.
func AcquireFile(path string, clk clock.Clock) (*FileLock, error) {
	if clk == nil {
		clk = clock.New()
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) {
		return nil, ErrLocked
	}
	if err != nil {
		return nil, fmt.Errorf("create lock file: %w", err)
	}
	token := uuid.NewString()
	_, werr := f.WriteString(strconv.Itoa(os.Getpid()) + "\n" + token)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("write lock file: %w", werr)
	}

	l := &FileLock{path: path, token: token, clk: clk}
	return l, l.Heartbeat()
}

func (l *FileLock) Path() string {
	return l.path
}

// Heartbeat refreshes the lock file's mtime. It returns ErrLost once the
// file no longer belongs to this lock.
func (l *FileLock) Heartbeat() error {
	if err := l.owned(); err != nil {
		return err
	}
	now := l.clk.Now()
	if err := os.Chtimes(l.path, now, now); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// Release removes the lock file unless it has since been replaced.
func (l *FileLock) Release() error {
	if err := l.owned(); errors.Is(err, ErrLost) {
		return nil
	} else if err != nil {
		return err
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

func (l *FileLock) owned() error {
	raw, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return ErrLost
	}
	if err != nil {
		return fmt.Errorf("read lock file: %w", err)
	}
	_, token, _ := strings.Cut(string(raw), "\n")
	if strings.TrimSpace(token) != l.token {
		return ErrLost
	}
	return nil
}

// FileStatus describes a lock file as seen by the health check.
type FileStatus struct {
	Exists bool
	PID    int
	Age    time.Duration
	Stale  bool
}

func Inspect(path string, staleAfter time.Duration, clk clock.Clock) (FileStatus, error) {
	if clk == nil {
		clk = clock.New()
	}
	fi, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return FileStatus{}, nil
	}
	if err != nil {
		return FileStatus{}, fmt.Errorf("stat lock file: %w", err)
	}

	st := FileStatus{Exists: true, Age: clk.Now().Sub(fi.ModTime())}
	st.Stale = st.Age > staleAfter
	if raw, err := os.ReadFile(path); err == nil {
		pid, _, _ := strings.Cut(string(raw), "\n")
		st.PID, _ = strconv.Atoi(strings.TrimSpace(pid))
	}
	return st, nil
}

// ClearStale removes path if its heartbeat is older than staleAfter and
// reports whether it did.
func ClearStale(path string, staleAfter time.Duration, clk clock.Clock) (bool, error) {
	st, err := Inspect(path, staleAfter, clk)
	if err != nil || !st.Stale {
		return false, err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("remove stale lock file: %w", err)
	}
	return true, nil
}
