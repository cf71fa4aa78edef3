package fsx

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notebook.txt")

	if err := WriteFileAtomic(path, []byte("first"), 0o644); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	if err := WriteFileAtomic(path, []byte("second"), 0o644); err != nil {
		t.Fatalf("failed to overwrite: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read back: %v", err)
	}
	if string(data) != "second" {
		t.Errorf("expected %q, got %q", "second", string(data))
	}

	// No temp files may survive a successful write.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to list dir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected 1 entry, found %d", len(entries))
	}
}

func TestAcquireLock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lock")

	l, err := AcquireLock(path)
	if err != nil {
		t.Fatalf("failed to acquire lock: %v", err)
	}

	// A second acquisition from the same process must fail: flock is held
	// by a different descriptor.
	if _, err := AcquireLock(path); err == nil {
		t.Error("expected second acquisition to fail while lock is held")
	}

	if err := l.Release(); err != nil {
		t.Fatalf("failed to release lock: %v", err)
	}

	l2, err := AcquireLock(path)
	if err != nil {
		t.Fatalf("failed to re-acquire released lock: %v", err)
	}
	defer l2.Release()
}
