// Package file provides a prefs.Store backed by a single TOML document.
package file

import (
	"maps"
	"os"
	"path/filepath"
	"sync"

	"github.com/pelletier/go-toml/v2"

	"github.com/lycold/multidex/prefs"
)

// Store keeps the record in one TOML file. Writes replace the whole
// document through a temp file in the same directory followed by a rename,
// with an fsync in between, so a crash mid-write leaves either the old or
// the new record but never a torn one.
//
// A document that cannot be parsed reads as empty. The extraction record
// protects itself against that: unreadable values look like a changed
// archive and trigger a fresh extraction.
type Store struct {
	path string
	mu   sync.Mutex
}

// New returns a store persisting to the TOML document at path. The file is
// created on first write.
func New(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Int64(key string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	values := s.read()
	v, ok := values[key]
	return v, ok
}

func (s *Store) SetAll(values map[string]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := s.read()
	maps.Copy(merged, values)

	data, err := toml.Marshal(merged)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "prefs-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

func (s *Store) read() map[string]int64 {
	values := make(map[string]int64)
	data, err := os.ReadFile(s.path)
	if err != nil {
		return values
	}
	_ = toml.Unmarshal(data, &values)
	return values
}

var _ prefs.Store = (*Store)(nil)
