// Package tokens keeps the client's access/refresh pair.
package tokens

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type Pair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	UserID       int64     `json:"user_id,omitempty"`
}

func (p Pair) Empty() bool { return p.AccessToken == "" && p.RefreshToken == "" }

// Storage persists the pair for a warm start.
type Storage interface {
	Load() (Pair, error)
	Save(Pair) error
	Clear() error
}

// Store is safe for concurrent use. Every Set and Clear bumps the
// generation; a caller holding an older generation knows the pair moved on.
type Store struct {
	mu      sync.RWMutex
	pair    Pair
	gen     uint64
	storage Storage
}

// New loads any persisted pair. storage may be nil for a memory only store.
func New(storage Storage) (*Store, error) {
	s := &Store{storage: storage}
	if storage == nil {
		return s, nil
	}
	p, err := storage.Load()
	if err != nil {
		return nil, err
	}
	s.pair = p
	return s, nil
}

func (s *Store) Get() Pair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pair
}

// Snapshot returns the pair and the generation it belongs to.
func (s *Store) Snapshot() (Pair, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pair, s.gen
}

func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

func (s *Store) Set(p Pair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setLocked(p)
}

// SetIf replaces the pair only while the generation is still gen. It
// reports false when a logout or another Set got there first.
func (s *Store) SetIf(gen uint64, p Pair) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return false, nil
	}
	return true, s.setLocked(p)
}

func (s *Store) setLocked(p Pair) error {
	s.pair = p
	s.gen++
	if s.storage != nil {
		return s.storage.Save(p)
	}
	return nil
}

func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pair = Pair{}
	s.gen++
	if s.storage != nil {
		return s.storage.Clear()
	}
	return nil
}

// FileStorage keeps the pair as JSON readable only by the owner.
type FileStorage struct {
	Path string
}

func (f FileStorage) Load() (Pair, error) {
	var p Pair
	b, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return p, err
	}
	if len(b) == 0 {
		return p, nil
	}
	return p, json.Unmarshal(b, &p)
}

func (f FileStorage) Save(p Pair) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o700); err != nil {
		return err
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.Path)
}

func (f FileStorage) Clear() error {
	err := os.Remove(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
