package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrInvalidArgument = errors.New("invalid argument")

type Settings struct {
	Addr     string
	Password string
	Database int
	Timeout  time.Duration
	PoolSize int
}

// Store wraps the shared redis client and the small key families the realtime
// core keeps there (send idempotency, ingest dedupe).
//
// Keys:
//   - im:idem:{from_uid}:{client_msg_id} -> msg_id
//   - im:dedupe:{key}
type Store struct {
	cli *redis.Client
}

func New(cfg Settings) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis: missing addr")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.Database,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	return &Store{cli: redis.NewClient(opts)}, nil
}

// NewFromClient is used when the caller owns the client.
func NewFromClient(cli *redis.Client) *Store { return &Store{cli: cli} }

func (s *Store) Client() *redis.Client { return s.cli }

func (s *Store) Ping(ctx context.Context) error { return s.cli.Ping(ctx).Err() }

func (s *Store) Close() error { return s.cli.Close() }

func idemKey(fromUID int64, clientMsgID string) string {
	return fmt.Sprintf("im:idem:%d:%s", fromUID, clientMsgID)
}

func (s *Store) GetIdem(ctx context.Context, fromUID int64, clientMsgID string) (int64, bool, error) {
	v, err := s.cli.Get(ctx, idemKey(fromUID, clientMsgID)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return 0, false, nil
	}
	return n, true, nil
}

func (s *Store) SetIdem(ctx context.Context, fromUID int64, clientMsgID string, msgID int64, ttl time.Duration) error {
	if clientMsgID == "" || msgID <= 0 {
		return ErrInvalidArgument
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return s.cli.Set(ctx, idemKey(fromUID, clientMsgID), strconv.FormatInt(msgID, 10), ttl).Err()
}

// Dedupe returns true if key is seen for the first time within ttl.
func (s *Store) Dedupe(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, ErrInvalidArgument
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return s.cli.SetNX(ctx, "im:dedupe:"+key, "1", ttl).Result()
}

// Release forgets a Dedupe key so a failed handler can be redelivered.
func (s *Store) Release(ctx context.Context, key string) error {
	if key == "" {
		return ErrInvalidArgument
	}
	return s.cli.Del(ctx, "im:dedupe:"+key).Err()
}
