package localstorage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"tubebroker/internal/core/domain"
	"tubebroker/internal/core/ports"
)

// LocalStorage implements ports.Storage for the local filesystem.
type LocalStorage struct {
	BaseDir string
}

// NewLocalStorage creates the base directory if needed.
func NewLocalStorage(baseDir string) (*LocalStorage, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create download directory %s: %w", baseDir, err)
	}
	return &LocalStorage{BaseDir: baseDir}, nil
}

// ArtifactPath returns <base>/<token>.<format>.
func (s *LocalStorage) ArtifactPath(token string, format domain.Format) string {
	return filepath.Join(s.BaseDir, token+"."+string(format))
}

// Open opens a finished artifact.
func (s *LocalStorage) Open(path string) (*ports.Artifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to stat artifact %s: %w", path, err)
	}
	return &ports.Artifact{
		Content: f,
		Name:    filepath.Base(path),
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}, nil
}

// Delete removes one artifact. A file that is already gone is fine.
func (s *LocalStorage) Delete(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete artifact %s: %w", path, err)
	}
	return nil
}

// PurgeToken removes every file named after token, such as yt-dlp partials
// (<token>.mp4.part, <token>.f137.mp4). It returns how many were removed.
func (s *LocalStorage) PurgeToken(token string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(s.BaseDir, token+".*"))
	if err != nil {
		return 0, fmt.Errorf("failed to list files for %s: %w", token, err)
	}
	removed := 0
	var errs []error
	for _, m := range matches {
		if err := os.Remove(m); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
