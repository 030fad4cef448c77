// Package broker carries room frames between realtime nodes so a publish on
// one node reaches connections held by the others.
package broker

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lzyats/yuim/internal/metrics"
)

// DeliverFunc hands a remote frame to the local fan-out.
type DeliverFunc func(room string, frame []byte)

type Broker interface {
	Publish(ctx context.Context, room string, frame []byte) error
	// Run consumes remote frames until ctx is done.
	Run(ctx context.Context, deliver DeliverFunc) error
}

type envelope struct {
	Node  string          `json:"node"`
	Room  string          `json:"room"`
	Frame json.RawMessage `json:"frame"`
}

// Redis fans frames out over one pub/sub channel. Frames published by this
// node are skipped on the way back in.
type Redis struct {
	cli     *redis.Client
	channel string
	node    string
	log     *zap.Logger
}

func NewRedis(cli *redis.Client, channel string, log *zap.Logger) *Redis {
	if log == nil {
		log = zap.NewNop()
	}
	return &Redis{cli: cli, channel: channel, node: uuid.NewString(), log: log}
}

func (b *Redis) Node() string { return b.node }

func (b *Redis) Publish(ctx context.Context, room string, frame []byte) error {
	payload, err := json.Marshal(envelope{Node: b.node, Room: room, Frame: frame})
	if err != nil {
		return err
	}
	return b.cli.Publish(ctx, b.channel, payload).Err()
}

func (b *Redis) Run(ctx context.Context, deliver DeliverFunc) error {
	sub := b.cli.Subscribe(ctx, b.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			room, frame, ok := b.decode(m.Payload)
			if !ok {
				continue
			}
			metrics.BrokerIn.Inc()
			deliver(room, frame)
		}
	}
}

func (b *Redis) decode(payload string) (string, []byte, bool) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.log.Warn("broker decode failed", zap.Error(err))
		return "", nil, false
	}
	if env.Node == b.node || env.Room == "" {
		return "", nil, false
	}
	return env.Room, env.Frame, true
}
