package lockfile

import (
	"bufio"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquireLock_WritesOwner(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir, ":8080")
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	defer lock.Release()

	info, err := readInfo(filepath.Join(dir, LockFileName))
	if err != nil {
		t.Fatalf("readInfo failed: %v", err)
	}
	if info.PID != os.Getpid() || info.Addr != ":8080" || info.StartedAt.IsZero() {
		t.Errorf("unexpected owner info: %+v", info)
	}
}

func TestAcquireLock_Conflict(t *testing.T) {
	dir := t.TempDir()
	first, err := AcquireLock(dir, ":8080")
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	defer first.Release()

	_, err = AcquireLock(dir, ":9090")
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected *LockError, got %v", err)
	}
	if lockErr.Owner.PID != os.Getpid() {
		t.Errorf("expected owner pid %d, got %d", os.Getpid(), lockErr.Owner.PID)
	}
	msg := err.Error()
	if !strings.Contains(msg, "another PulsePipe instance") || !strings.Contains(msg, "running") || !strings.Contains(msg, ":8080") {
		t.Errorf("unexpected message: %s", msg)
	}
}

func TestRelease_AllowsReacquire(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir, "")
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release should be a no-op, got %v", err)
	}
	if _, err := os.Stat(lock.Path()); !os.IsNotExist(err) {
		t.Error("lock file should be removed on release")
	}

	again, err := AcquireLock(dir, "")
	if err != nil {
		t.Fatalf("reacquire failed: %v", err)
	}
	again.Release()
}

func TestAcquireLock_CreatesStateDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	lock, err := AcquireLock(dir, "")
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	defer lock.Release()
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("state directory not created: %v", err)
	}
}

func TestParseInfo(t *testing.T) {
	tests := []struct {
		name    string
		content string
		pid     int
		addr    string
	}{
		{"full", "pid=4242\nstarted_at=2026-01-02T03:04:05Z\naddr=:8080\n", 4242, ":8080"},
		{"pid only", "pid=17\n", 17, ""},
		{"garbage", "not a lock file", 0, ""},
		{"bad pid", "pid=abc\n", 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := parseInfo(bufio.NewScanner(strings.NewReader(tt.content)))
			if info.PID != tt.pid || info.Addr != tt.addr {
				t.Errorf("parseInfo() = %+v, want pid=%d addr=%q", info, tt.pid, tt.addr)
			}
		})
	}
}

func TestProcessAlive(t *testing.T) {
	if !processAlive(os.Getpid()) {
		t.Error("current process should be alive")
	}
	if processAlive(999999) {
		t.Error("pid 999999 should not be alive")
	}
}
