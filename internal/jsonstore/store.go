// Package jsonstore persists mutable JSON state with atomic replacement and
// a .bak fallback, so a reader concurrent with a writer sees either the old
// or the new content, never a torn file.
package jsonstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// BackupPath returns the backup companion for path.
func BackupPath(path string) string {
	return path + ".bak"
}

// Read returns the raw contents of path, falling back to path.bak when the
// primary file is missing or unreadable. Returns (nil, nil) when neither
// exists.
func Read(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return data, nil
	}
	bak, bakErr := os.ReadFile(BackupPath(path))
	if bakErr == nil {
		return bak, nil
	}
	if errors.Is(err, os.ErrNotExist) && errors.Is(bakErr, os.ErrNotExist) {
		return nil, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", BackupPath(path), bakErr)
	}
	return nil, fmt.Errorf("read %s: %w", path, err)
}

// ReadJSON decodes path into v, retrying on the backup when the primary
// file is missing or does not parse. The bool reports whether any content
// was found.
func ReadJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if jsonErr := json.Unmarshal(data, v); jsonErr == nil {
			return true, nil
		}
	}
	bak, bakErr := os.ReadFile(BackupPath(path))
	if bakErr == nil {
		if jsonErr := json.Unmarshal(bak, v); jsonErr == nil {
			return true, nil
		}
		return false, fmt.Errorf("parse %s and backup: invalid JSON", path)
	}
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	return false, fmt.Errorf("parse %s: invalid JSON, no backup", path)
}

// WriteAtomic writes data to path via a temp file, rotating the current
// content to path.bak first. Parent directories are created on demand.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp := fmt.Sprintf("%s.tmp-%d-%d", path, os.Getpid(), time.Now().UnixNano())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}

	if _, err := os.Stat(path); err == nil {
		bak := BackupPath(path)
		_ = os.Remove(bak)
		if err := os.Rename(path, bak); err != nil {
			// Rename can fail while another process holds the file open
			// (notably on Windows); fall back to copying.
			if copyErr := copyFile(path, bak); copyErr != nil {
				_ = os.Remove(tmp)
				return fmt.Errorf("backup %s: %w", path, err)
			}
		}
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// WriteJSON marshals v with indentation and writes it atomically.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	return WriteAtomic(path, data)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
