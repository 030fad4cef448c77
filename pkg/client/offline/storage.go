package offline

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
)

// Storage persists a whole queue under a key.
type Storage interface {
	Load(key string) ([]Action, error)
	Save(key string, actions []Action) error
}

type MemoryStorage struct {
	mu sync.RWMutex
	m  map[string][]Action
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{m: make(map[string][]Action)}
}

func (s *MemoryStorage) Load(key string) ([]Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Action(nil), s.m[key]...), nil
}

func (s *MemoryStorage) Save(key string, actions []Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = append([]Action(nil), actions...)
	return nil
}

// FileStorage keeps one JSON file per key under Dir, replaced atomically.
type FileStorage struct {
	Dir string
}

func (f FileStorage) path(key string) string {
	return filepath.Join(f.Dir, filepath.Base(key)+".json")
}

func (f FileStorage) Load(key string) ([]Action, error) {
	b, err := os.ReadFile(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Action
	if len(b) == 0 {
		return nil, nil
	}
	return out, json.Unmarshal(b, &out)
}

func (f FileStorage) Save(key string, actions []Action) error {
	if actions == nil {
		actions = []Action{}
	}
	b, err := json.MarshalIndent(actions, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(f.Dir, 0o700); err != nil {
		return err
	}
	p := f.path(key)
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}
