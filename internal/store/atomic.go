package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/oriys/heroquote/internal/logging"
)

// AtomicWriteFile writes data to a temp file in the target directory, syncs
// it and renames it over filename, so readers see either the old or the new
// content and never a partial file.
func AtomicWriteFile(filename string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(filename)+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	var success bool
	defer func() {
		if !success {
			if err := os.Remove(tmp.Name()); err != nil && !os.IsNotExist(err) {
				logging.Op().Warn("failed to remove temporary file", "path", tmp.Name(), "error", err)
			}
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file %q: %w", tmp.Name(), err)
	}
	if err := os.Chmod(tmp.Name(), perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filename); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	success = true
	return nil
}
