// Package cache persists model outputs keyed by raw record id so that work
// done against external services survives restarts.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Store maps record ids to a previously computed value.
// An id present in the store is never sent to a service again.
type Store[V any] struct {
	mu      sync.Mutex
	path    string
	entries map[string]V
}

// Open loads the store at path; a missing file yields an empty store
func Open[V any](path string) (*Store[V], error) {
	s := &Store[V]{path: path, entries: make(map[string]V)}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cache: %w", err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.entries); err != nil {
		return nil, fmt.Errorf("decode cache %s: %w", path, err)
	}
	if s.entries == nil {
		s.entries = make(map[string]V)
	}
	return s, nil
}

// Path returns the backing file path
func (s *Store[V]) Path() string {
	return s.path
}

// Get returns the cached value for id
func (s *Store[V]) Get(id string) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.entries[id]
	return v, ok
}

// Put records value for id in memory; call Flush to persist
func (s *Store[V]) Put(id string, value V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = value
}

// Len returns the number of cached ids
func (s *Store[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Missing returns the ids not yet cached, preserving input order and dropping duplicates
func (s *Store[V]) Missing(ids []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(ids))
	var missing []string
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if _, ok := s.entries[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

// Snapshot returns a copy of the values for ids that are cached
func (s *Store[V]) Snapshot(ids []string) map[string]V {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]V, len(ids))
	for _, id := range ids {
		if v, ok := s.entries[id]; ok {
			out[id] = v
		}
	}
	return out
}

// PutAll records every value and flushes in one step
func (s *Store[V]) PutAll(values map[string]V) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, v := range values {
		s.entries[id] = v
	}
	return s.flushLocked()
}

// Flush persists the store. The file on disk is left either fully old or
// fully new: the data goes to a temp file that is renamed over the target.
func (s *Store[V]) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *Store[V]) flushLocked() error {
	data, err := json.Marshal(s.entries)
	if err != nil {
		return fmt.Errorf("encode cache: %w", err)
	}
	return WriteFileAtomic(s.path, data)
}

// WriteFileAtomic writes data to path via a temp file in the same directory
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
