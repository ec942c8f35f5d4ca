// Package lockfile guards a PulsePipe state directory against a second instance.
//
// The SQLite database, the whatsmeow session store and the job queue all live in the
// state directory, and two processes writing them concurrently would corrupt them.
// The lock is an flock on a file in that directory, so the kernel drops it when the
// process exits, even on a crash.
package lockfile

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory.
const LockFileName = "pulsepipe.lock"

// Info is the owner record written into the lock file.
type Info struct {
	PID       int
	StartedAt time.Time
	Addr      string
}

func (i Info) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pid=%d\n", i.PID)
	if !i.StartedAt.IsZero() {
		fmt.Fprintf(&b, "started_at=%s\n", i.StartedAt.UTC().Format(time.RFC3339))
	}
	if i.Addr != "" {
		fmt.Fprintf(&b, "addr=%s\n", i.Addr)
	}
	return b.String()
}

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// AcquireLock takes the state directory lock without blocking. addr is recorded
// for the error message a second instance prints. When another process holds the
// lock a *LockError describing it is returned.
func AcquireLock(stateDir, addr string) (*Lock, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}
	path := filepath.Join(stateDir, LockFileName)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		owner, _ := readInfo(path)
		slog.Error("lockfile.AcquireLock: state directory is locked", "path", path, "ownerPID", owner.PID, "error", err)
		return nil, &LockError{Path: path, Owner: owner, Cause: err}
	}

	info := Info{PID: os.Getpid(), StartedAt: time.Now(), Addr: addr}
	if err := writeInfo(file, info); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock file %s: %w", path, err)
	}

	slog.Info("lockfile.AcquireLock: state directory locked", "path", path, "pid", info.PID)
	return &Lock{file: file, path: path}, nil
}

// Release drops the lock and removes the lock file. Calling it more than once is safe.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("lockfile.Release: failed to remove lock file", "path", l.path, "error", err)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("lockfile.Release: failed to unlock", "path", l.path, "error", err)
	}
	err := l.file.Close()
	l.file = nil
	slog.Debug("lockfile.Release: state directory unlocked", "path", l.path)
	return err
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// LockError reports a state directory held by another process.
type LockError struct {
	Path  string
	Owner Info
	Cause error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("state directory is in use by another PulsePipe instance (lock file %s", e.Path)
	if e.Owner.PID > 0 {
		state := "running"
		if !processAlive(e.Owner.PID) {
			state = "not running, stale lock"
		}
		msg += fmt.Sprintf(", pid %d %s", e.Owner.PID, state)
	}
	if e.Owner.Addr != "" {
		msg += ", serving " + e.Owner.Addr
	}
	return msg + "); stop it or point PULSEPIPE_STATE_DIR elsewhere"
}

func (e *LockError) Unwrap() error { return e.Cause }

func writeInfo(file *os.File, info Info) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt([]byte(info.String()), 0); err != nil {
		return err
	}
	return file.Sync()
}

// readInfo parses the key=value owner record of a lock file.
func readInfo(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer f.Close()
	return parseInfo(bufio.NewScanner(f)), nil
}

func parseInfo(sc *bufio.Scanner) Info {
	var info Info
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			info.PID, _ = strconv.Atoi(value)
		case "started_at":
			info.StartedAt, _ = time.Parse(time.RFC3339, value)
		case "addr":
			info.Addr = value
		}
	}
	return info
}

// processAlive checks pid with signal 0.
func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
