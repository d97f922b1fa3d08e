package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
)

var ErrItemExists = errors.New("item already exists")

// Store is a JSON-array file holding one entity collection (decisoes.json,
// autonomy_mandates.json, ...). Items are keyed by their "id" field. Writes
// follow the gateway-wide atomic protocol: tmp then rename.
type Store struct {
	path string

	mu    sync.RWMutex
	items []map[string]any
	index map[string]int
}

// OpenStore loads the collection at path, starting empty when absent.
func OpenStore(path string) (*Store, error) {
	s := &Store{path: path, index: make(map[string]int)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, &s.items); err != nil {
		return nil, fmt.Errorf("corrupt entity store %s: %w", path, err)
	}
	for i, item := range s.items {
		if id, ok := item["id"].(string); ok {
			s.index[id] = i
		}
	}
	return s, nil
}

func itemID(item map[string]any) string {
	id, _ := item["id"].(string)
	return id
}

// Get returns the item with the given id.
func (s *Store) Get(id string) (map[string]any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[id]
	if !ok {
		return nil, false
	}
	return s.items[i], true
}

// Exists reports whether an item with the id is stored.
func (s *Store) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[id]
	return ok
}

// Append adds a new item. Appending over an existing id fails: entity stores
// are append-only from the gateway's point of view.
func (s *Store) Append(item map[string]any) error {
	id := itemID(item)
	if id == "" {
		return errors.New("item has no id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[id]; ok {
		return fmt.Errorf("%w: %s", ErrItemExists, id)
	}
	s.items = append(s.items, item)
	s.index[id] = len(s.items) - 1
	if err := s.persistLocked(); err != nil {
		// Memory must keep mirroring the file; undo the append.
		s.items = s.items[:len(s.items)-1]
		delete(s.index, id)
		return err
	}
	return nil
}

// Update replaces an existing item in place. Only the core's own state
// machine calls this (e.g. closing an episode).
func (s *Store) Update(item map[string]any) error {
	id := itemID(item)
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[id]
	if !ok {
		return fmt.Errorf("no such item: %s", id)
	}
	prev := s.items[i]
	s.items[i] = item
	if err := s.persistLocked(); err != nil {
		s.items[i] = prev
		return err
	}
	return nil
}

// All returns a copy of every item in insertion order.
func (s *Store) All() []map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]map[string]any, len(s.items))
	copy(out, s.items)
	return out
}

// Count returns the number of stored items.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.items, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
