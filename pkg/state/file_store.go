package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// stateVersion enables forward migration of the on-disk document.
const stateVersion = 1

// fileDocument is the persisted YAML shape of a FileStore.
type fileDocument struct {
	StateVersion int               `yaml:"stateVersion"`
	SavedAt      time.Time         `yaml:"savedAt"`
	Entries      map[string]string `yaml:"entries"`
}

// FileStore is a YAML-backed KVStore. Every operation reads the file, so a
// freshly constructed store observes what a previous process wrote.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore returns a store persisting to path. An empty path selects
// DefaultStatePath().
func NewFileStore(path string) *FileStore {
	if path == "" {
		path = DefaultStatePath()
	}
	return &FileStore{path: path}
}

// Path returns the backing file location.
func (s *FileStore) Path() string { return s.path }

// Get implements KVStore.Get.
func (s *FileStore) Get(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return "", err
	}
	v, ok := doc.Entries[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// Set implements KVStore.Set.
func (s *FileStore) Set(key, value string) error {
	if key == "" {
		return errors.New("state: key cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return err
	}
	doc.Entries[key] = value
	return s.save(doc)
}

// Delete implements KVStore.Delete.
func (s *FileStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := doc.Entries[key]; !ok {
		return nil
	}
	delete(doc.Entries, key)
	return s.save(doc)
}

func (s *FileStore) load() (*fileDocument, error) {
	data, err := os.ReadFile(filepath.Clean(s.path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &fileDocument{StateVersion: stateVersion, Entries: map[string]string{}}, nil
		}
		return nil, fmt.Errorf("state: read failed: %w", err)
	}
	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("state: parse failed: %w", err)
	}
	if doc.StateVersion <= 0 {
		doc.StateVersion = stateVersion
	}
	if doc.Entries == nil {
		doc.Entries = map[string]string{}
	}
	return &doc, nil
}

// save persists the document atomically (temp file + rename).
func (s *FileStore) save(doc *fileDocument) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("state: mkdir failed: %w", err)
	}
	doc.SavedAt = time.Now().UTC()

	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("state: marshal failed: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state.tmp-*")
	if err != nil {
		return fmt.Errorf("state: temp create failed: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(out); err != nil {
		return fmt.Errorf("state: temp write failed: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		return fmt.Errorf("state: chmod failed: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("state: sync failed: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("state: close failed: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("state: atomic rename failed: %w", err)
	}
	return nil
}

// DefaultStatePath returns the OS-specific default path for durable state.
func DefaultStatePath() string {
	return filepath.Join(userConfigDir(), "cev", "state.yaml")
}

// userConfigDir attempts to resolve a configuration directory in a portable way.
func userConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".config")
	}
	return "."
}
