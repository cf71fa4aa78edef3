package store

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// HashString returns the hex sha256 of a string. Used for preamble and code
// hashes as well as value content.
func HashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashTree hashes a file or directory tree into a content hash.
//
// Files hash as "FILE\n" followed by the raw content. Directories hash as
// "DIR\n" followed by one line per child in sorted order: the base64 of the
// child name, a newline, the child's recursive hash, a newline. Identical
// trees always produce identical hashes regardless of where they live.
func HashTree(path string) (string, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", path, err)
	}

	if info.Mode()&os.ModeSymlink != 0 {
		return "", fmt.Errorf("unexpected symlink: %s", path)
	}
	if info.IsDir() {
		return hashDir(path)
	}
	return hashFile(path)
}

func hashFile(path string) (string, error) {
	h := sha256.New()
	h.Write([]byte("FILE\n"))

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashDir(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to read dir %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	h := sha256.New()
	h.Write([]byte("DIR\n"))
	for _, name := range names {
		childHash, err := HashTree(filepath.Join(dir, name))
		if err != nil {
			return "", err
		}
		h.Write([]byte(base64.StdEncoding.EncodeToString([]byte(name))))
		h.Write([]byte("\n"))
		h.Write([]byte(childHash))
		h.Write([]byte("\n"))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ValidHash reports whether s looks like a hex sha256 digest.
func ValidHash(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
