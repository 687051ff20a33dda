package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileBackend stores records as JSON files under a state directory.
// It is the default backend and the one the settings watcher observes.
type FileBackend struct {
	mu  sync.Mutex
	dir string
}

// NewFileBackend creates the state directory if needed and returns a backend
// rooted at it.
func NewFileBackend(dir string) (*FileBackend, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("file store: directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("file store: create directory: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

// Path returns the absolute path of the file backing the named record.
func (s *FileBackend) Path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

// Load reads the named record from disk.
func (s *FileBackend) Load(ctx context.Context, name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.Path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("file store: read %s: %w", name, err)
	}
	return data, nil
}

// Save writes the record atomically by writing to a temp file and renaming.
func (s *FileBackend) Save(ctx context.Context, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.Path(name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("file store: write %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("file store: replace %s: %w", name, err)
	}
	return nil
}

// Delete removes the record file if present.
func (s *FileBackend) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.Path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("file store: delete %s: %w", name, err)
	}
	return nil
}

// Close is a no-op for the file backend.
func (s *FileBackend) Close() error { return nil }
