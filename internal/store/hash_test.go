package store

import (
	"os"
	"path/filepath"
	"testing"
)

func TestHashTreeFiles(t *testing.T) {
	dir := t.TempDir()

	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")
	if err := os.WriteFile(a, []byte("content"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("content"), 0o644); err != nil {
		t.Fatal(err)
	}

	ha, err := HashTree(a)
	if err != nil {
		t.Fatalf("failed to hash: %v", err)
	}
	hb, err := HashTree(b)
	if err != nil {
		t.Fatalf("failed to hash: %v", err)
	}

	// Content-addressed: the name does not participate in a file's hash.
	if ha != hb {
		t.Errorf("identical files hashed differently: %s vs %s", ha, hb)
	}
}

func TestHashTreeDirectories(t *testing.T) {
	build := func(t *testing.T, contents map[string]string) string {
		t.Helper()
		dir := t.TempDir()
		for name, data := range contents {
			path := filepath.Join(dir, name)
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
				t.Fatal(err)
			}
		}
		return dir
	}

	d1 := build(t, map[string]string{"x": "1", "sub/y": "2"})
	d2 := build(t, map[string]string{"x": "1", "sub/y": "2"})
	d3 := build(t, map[string]string{"x": "1", "sub/y": "changed"})

	h1, err := HashTree(d1)
	if err != nil {
		t.Fatalf("failed to hash: %v", err)
	}
	h2, err := HashTree(d2)
	if err != nil {
		t.Fatalf("failed to hash: %v", err)
	}
	h3, err := HashTree(d3)
	if err != nil {
		t.Fatalf("failed to hash: %v", err)
	}

	if h1 != h2 {
		t.Errorf("identical trees hashed differently")
	}
	if h1 == h3 {
		t.Errorf("different trees produced the same hash")
	}
}

func TestHashTreeRejectsSymlinks(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "link")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	if _, err := HashTree(link); err == nil {
		t.Error("expected error hashing a symlink")
	}
}

func TestValidHash(t *testing.T) {
	if !ValidHash(HashString("x")) {
		t.Error("sha256 hex digest should validate")
	}
	for _, bad := range []string{"", "abc", "h_" + HashString("x"), HashString("x")[:63] + "z"} {
		if ValidHash(bad) {
			t.Errorf("%q should not validate", bad)
		}
	}
}
