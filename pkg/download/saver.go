package download

import (
	"fmt"
	"os"
	"path/filepath"
)

// Saver persists a downloaded report and returns where it was written.
type Saver interface {
	Save(name string, data []byte) (string, error)
}

// DirSaver writes reports into Dir (the working directory when empty).
// Files appear atomically: a partially written report is never visible
// under its final name.
type DirSaver struct {
	Dir string
}

// Save writes data to Dir/name, replacing any existing file.
func (s DirSaver) Save(name string, data []byte) (string, error) {
	dir := s.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}
	dest := filepath.Join(dir, filepath.Base(name))

	tmp, err := os.CreateTemp(dir, ".cev-report-*")
	if err != nil {
		return "", fmt.Errorf("create temp report: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		return "", fmt.Errorf("chmod report: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("sync report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close report: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return "", fmt.Errorf("rename report: %w", err)
	}
	success = true
	return dest, nil
}
