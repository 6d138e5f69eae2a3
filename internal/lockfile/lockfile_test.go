package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquireWritesHolder(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}
	defer lock.Release()

	if lock.Path() != filepath.Join(dir, LockFileName) {
		t.Errorf("Path() = %q", lock.Path())
	}
	holder := ReadHolder(lock.Path())
	if holder.PID != os.Getpid() || !holder.Running {
		t.Errorf("holder = %+v, want our own running pid", holder)
	}
	if holder.Started == "" {
		t.Error("holder should record a start time")
	}
}

func TestSecondAcquireFails(t *testing.T) {
	dir := t.TempDir()

	first, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("first AcquireLock() error = %v", err)
	}
	defer first.Release()

	second, err := AcquireLock(dir)
	if err == nil {
		second.Release()
		t.Fatal("second AcquireLock() should fail while the first is held")
	}

	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("error type = %T, want *LockError", err)
	}
	if lockErr.Holder.PID != os.Getpid() {
		t.Errorf("holder pid = %d, want %d", lockErr.Holder.PID, os.Getpid())
	}
	if !strings.Contains(err.Error(), lockErr.Path) || !strings.Contains(err.Error(), "running") {
		t.Errorf("error should name the lock path and holder: %s", err)
	}

	// The failed attempt must not clobber the holder record.
	if holder := ReadHolder(first.Path()); holder.PID != os.Getpid() {
		t.Errorf("holder record lost after failed acquire: %+v", holder)
	}
}

func TestReleaseAndReacquire(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(lock.Path()); !os.IsNotExist(err) {
		t.Errorf("lock file should be removed, stat err = %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}

	again, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("reacquire error = %v", err)
	}
	again.Release()
}

func TestAcquireCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state", "nested")
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}
	defer lock.Release()

	if _, err := os.Stat(dir); err != nil {
		t.Errorf("state directory not created: %v", err)
	}
}

func TestParseHolder(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    Holder
	}{
		{"full record", "pid=4242\nhost=box\nstarted=2024-01-10T12:00:00Z\n",
			Holder{PID: 4242, Host: "box", Started: "2024-01-10T12:00:00Z", Readable: true}},
		{"pid only", "pid=17", Holder{PID: 17, Readable: true}},
		{"bad pid", "pid=abc\nhost=box", Holder{Host: "box", Readable: true}},
		{"negative pid", "pid=-4", Holder{Readable: true}},
		{"empty", "", Holder{Readable: true}},
		{"no separator", "pid4242", Holder{Readable: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseHolder(tt.content); got != tt.want {
				t.Errorf("parseHolder(%q) = %+v, want %+v", tt.content, got, tt.want)
			}
		})
	}
}

func TestHolderString(t *testing.T) {
	tests := []struct {
		holder Holder
		want   string
	}{
		{Holder{}, "unknown holder"},
		{Holder{Readable: true}, "holder did not record a pid"},
		{Holder{PID: 9, Running: true, Readable: true, Host: "box"}, "pid 9 (running) on box"},
		{Holder{PID: 9, Readable: true}, "pid 9 (not running, stale lock)"},
	}
	for _, tt := range tests {
		if got := tt.holder.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestReadHolderMissingFile(t *testing.T) {
	h := ReadHolder(filepath.Join(t.TempDir(), "missing.lock"))
	if h.Readable {
		t.Errorf("missing file should be unreadable, got %+v", h)
	}
}

func TestIsProcessRunning(t *testing.T) {
	if !isProcessRunning(os.Getpid()) {
		t.Error("own process should be running")
	}
}
