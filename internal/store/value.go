package store

import (
	"fmt"
	"os"
	"path/filepath"

	starjson "go.starlark.net/lib/json"
	"go.starlark.net/starlark"
)

// PutBlob stores a Starlark value as an opaque blob: JSON-encoded data plus a
// repr preview. Values outside the JSON-encodable subset (functions, opaque
// handles) fail here; callers wrap the error with the variable name.
func PutBlob(s *Store, v starlark.Value) (string, error) {
	thread := &starlark.Thread{Name: "store.encode"}
	encoded, err := starlark.Call(thread, starjson.Module.Members["encode"], starlark.Tuple{v}, nil)
	if err != nil {
		return "", fmt.Errorf("value is not serializable: %w", err)
	}
	text, ok := starlark.AsString(encoded)
	if !ok {
		return "", fmt.Errorf("unexpected encode result %s", encoded.Type())
	}

	return s.Put(func(dir string) error {
		if err := os.WriteFile(filepath.Join(dir, BlobFile), []byte(text), 0o644); err != nil {
			return fmt.Errorf("failed to write blob: %w", err)
		}
		if err := os.WriteFile(filepath.Join(dir, PreviewFile), []byte(v.String()), 0o644); err != nil {
			return fmt.Errorf("failed to write preview: %w", err)
		}
		return writeMeta(dir, KindBlob)
	})
}

// GetBlob loads a blob value back into Starlark form. Table values cannot be
// materialized this way; dialects resolve them through TablePath instead.
func GetBlob(s *Store, hash string) (starlark.Value, error) {
	m, err := s.Meta(hash)
	if err != nil {
		return nil, err
	}
	if m.Kind != KindBlob {
		return nil, fmt.Errorf("variable %s is not a blob (kind %s)", hash, m.Kind)
	}

	data, err := os.ReadFile(filepath.Join(s.Path(hash), BlobFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", hash, err)
	}

	thread := &starlark.Thread{Name: "store.decode"}
	v, err := starlark.Call(thread, starjson.Module.Members["decode"], starlark.Tuple{starlark.String(data)}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decode blob %s: %w", hash, err)
	}
	return v, nil
}
