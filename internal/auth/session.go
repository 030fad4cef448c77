package auth

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Sessions persists refresh sessions. Each session remembers the jti of the
// only refresh token that may still be exchanged.
type Sessions interface {
	Create(ctx context.Context, uid int64, sessionID, refreshID string, ttl time.Duration) error
	// Rotate swaps current for next and returns the jti to issue. Within grace
	// of a rotation the jti it replaced is still accepted and yields the live
	// jti again, so a client that lost the response can retry. Any other
	// mismatch means an old refresh token was replayed: the session is revoked
	// and ErrRevoked returned.
	Rotate(ctx context.Context, sessionID, current, next string, ttl, grace time.Duration) (string, error)
	Exists(ctx context.Context, sessionID string) (bool, error)
	Revoke(ctx context.Context, sessionID string) error
}

// SessionStore keeps sessions as Redis hashes: prefix+sid -> {uid, refresh}.
type SessionStore struct {
	RedisPrefix string
	Client      redis.Cmdable
}

func (s *SessionStore) key(sessionID string) string {
	return s.RedisPrefix + sessionID
}

func (s *SessionStore) Create(ctx context.Context, uid int64, sessionID, refreshID string, ttl time.Duration) error {
	if sessionID == "" {
		return fmt.Errorf("session id empty")
	}
	key := s.key(sessionID)
	pipe := s.Client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"uid":     strconv.FormatInt(uid, 10),
		"refresh": refreshID,
	})
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// KEYS[1]=session key, ARGV[1]=current, ARGV[2]=next, ARGV[3]=ttl ms,
// ARGV[4]=now ms, ARGV[5]=grace deadline ms.
// Returns {1, jti} on rotation or grace retry, {0} when the session is missing,
// {-1} on reuse (session deleted).
var rotateScript = redis.NewScript(`
local h = redis.call("HMGET", KEYS[1], "refresh", "prev", "prev_until")
local cur = h[1]
if not cur then
  return {0, ""}
end
if cur == ARGV[1] then
  redis.call("HSET", KEYS[1], "refresh", ARGV[2], "prev", ARGV[1], "prev_until", ARGV[5])
  redis.call("PEXPIRE", KEYS[1], ARGV[3])
  return {1, ARGV[2]}
end
if h[2] == ARGV[1] and tonumber(h[3]) ~= nil and tonumber(h[3]) >= tonumber(ARGV[4]) then
  return {1, cur}
end
redis.call("DEL", KEYS[1])
return {-1, ""}
`)

func (s *SessionStore) Rotate(ctx context.Context, sessionID, current, next string, ttl, grace time.Duration) (string, error) {
	now := time.Now()
	res, err := rotateScript.Run(ctx, s.Client, []string{s.key(sessionID)},
		current, next, ttl.Milliseconds(), now.UnixMilli(), now.Add(grace).UnixMilli()).Slice()
	if err != nil {
		return "", err
	}
	if len(res) != 2 {
		return "", fmt.Errorf("rotate: unexpected reply %v", res)
	}
	if n, _ := res[0].(int64); n != 1 {
		return "", ErrRevoked
	}
	jti, _ := res[1].(string)
	return jti, nil
}

func (s *SessionStore) Exists(ctx context.Context, sessionID string) (bool, error) {
	n, err := s.Client.Exists(ctx, s.key(sessionID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SessionStore) Revoke(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	return s.Client.Del(ctx, s.key(sessionID)).Err()
}

// MemorySessions is a process local Sessions for single node and tests.
type MemorySessions struct {
	mu sync.Mutex
	m  map[string]memSession
}

type memSession struct {
	uid       int64
	refresh   string
	prev      string
	prevUntil time.Time
	exp       time.Time
}

func NewMemorySessions() *MemorySessions {
	return &MemorySessions{m: make(map[string]memSession)}
}

func (s *MemorySessions) Create(_ context.Context, uid int64, sessionID, refreshID string, ttl time.Duration) error {
	s.mu.Lock()
	s.m[sessionID] = memSession{uid: uid, refresh: refreshID, exp: time.Now().Add(ttl)}
	s.mu.Unlock()
	return nil
}

func (s *MemorySessions) Rotate(_ context.Context, sessionID, current, next string, ttl, grace time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	ss, ok := s.m[sessionID]
	if !ok || now.After(ss.exp) {
		delete(s.m, sessionID)
		return "", ErrRevoked
	}
	switch {
	case ss.refresh == current:
		ss.prev, ss.prevUntil = current, now.Add(grace)
		ss.refresh = next
		ss.exp = now.Add(ttl)
		s.m[sessionID] = ss
		return next, nil
	case ss.prev == current && !now.After(ss.prevUntil):
		return ss.refresh, nil
	}
	delete(s.m, sessionID)
	return "", ErrRevoked
}

func (s *MemorySessions) Exists(_ context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ss, ok := s.m[sessionID]
	if !ok {
		return false, nil
	}
	if time.Now().After(ss.exp) {
		delete(s.m, sessionID)
		return false, nil
	}
	return true, nil
}

func (s *MemorySessions) Revoke(_ context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.m, sessionID)
	s.mu.Unlock()
	return nil
}
