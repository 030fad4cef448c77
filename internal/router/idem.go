package router

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryIdempotency is the single node stand-in for the redis idempotency keys.
type MemoryIdempotency struct {
	mu sync.Mutex
	m  map[string]idemEntry
}

type idemEntry struct {
	msgID int64
	exp   time.Time
}

func NewMemoryIdempotency() *MemoryIdempotency {
	return &MemoryIdempotency{m: make(map[string]idemEntry)}
}

func idemKey(fromUID int64, clientMsgID string) string {
	return strconv.FormatInt(fromUID, 10) + ":" + clientMsgID
}

func (s *MemoryIdempotency) GetIdem(_ context.Context, fromUID int64, clientMsgID string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[idemKey(fromUID, clientMsgID)]
	if !ok || time.Now().After(e.exp) {
		return 0, false, nil
	}
	return e.msgID, true, nil
}

func (s *MemoryIdempotency) SetIdem(_ context.Context, fromUID int64, clientMsgID string, msgID int64, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	s.mu.Lock()
	s.m[idemKey(fromUID, clientMsgID)] = idemEntry{msgID: msgID, exp: time.Now().Add(ttl)}
	s.mu.Unlock()
	return nil
}
