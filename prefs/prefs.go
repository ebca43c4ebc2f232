// Package prefs defines the persistent record store the extraction cache
// writes its state through, plus an in-memory implementation. File-backed
// implementations live in the file and bolt subpackages.
package prefs

import (
	"maps"
	"sync"
)

// Store persists the extraction record as named 64-bit values.
//
// SetAll must be durable before it returns: the extraction cache writes
// the record while holding the cache lock and relies on the values being
// visible to the next process that acquires it. Int64 reports false for
// keys that were never written.
type Store interface {
	Int64(key string) (int64, bool)
	SetAll(values map[string]int64) error
}

// Memory is a Store whose record dies with the process, forcing a fresh
// extraction on every start. Useful for tests and throwaway environments.
type Memory struct {
	mu     sync.RWMutex
	values map[string]int64
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{values: make(map[string]int64)}
}

func (m *Memory) Int64(key string) (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *Memory) SetAll(values map[string]int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	maps.Copy(m.values, values)
	return nil
}

var _ Store = (*Memory)(nil)
