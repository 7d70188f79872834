package publish

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"

	"github.com/koltyakov/edgeman/internal/domain"
)

// Changed reports whether path does not already hold data.
func Changed(path string, data []byte) (bool, error) {
	cur, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, &domain.FatalIOError{Op: "read config", Path: path, Err: err}
	}
	return !bytes.Equal(cur, data), nil
}

// WriteIfChanged replaces path with data through a temp file and rename.
// It does nothing when the file already holds data.
func WriteIfChanged(path string, data []byte) (bool, error) {
	changed, err := Changed(path, data)
	if err != nil || !changed {
		return false, err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, &domain.FatalIOError{Op: "create config dir", Path: dir, Err: err}
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return false, &domain.FatalIOError{Op: "create temp config", Path: dir, Err: err}
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return false, &domain.FatalIOError{Op: "write config", Path: tmpName, Err: err}
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return false, &domain.FatalIOError{Op: "close config", Path: tmpName, Err: err}
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return false, &domain.FatalIOError{Op: "chmod config", Path: tmpName, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return false, &domain.FatalIOError{Op: "replace config", Path: path, Err: err}
	}
	return true, nil
}
