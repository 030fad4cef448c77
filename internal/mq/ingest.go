package mq

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	rmq "github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/consumer"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"go.uber.org/zap"

	"github.com/lzyats/yuim/internal/event"
	"github.com/lzyats/yuim/internal/metrics"
	"github.com/lzyats/yuim/internal/router"
	"github.com/lzyats/yuim/internal/store"
)

// Notifier creates and pushes one notification.
type Notifier interface {
	Notify(ctx context.Context, in router.NotifyInput) (*store.Notification, error)
}

// Deduper is a first-seen check with an undo for failed handling.
type Deduper interface {
	Dedupe(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Ingest turns notify_create events published by other services into
// notifications. Delivery from the MQ is at-least-once; producers that set
// a dedupe key get exactly one notification per receiver.
type Ingest struct {
	notify    Notifier
	dedupe    Deduper
	dedupeTTL time.Duration
	log       *zap.Logger
}

func NewIngest(n Notifier, d Deduper, ttl time.Duration, log *zap.Logger) *Ingest {
	if log == nil {
		log = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Ingest{notify: n, dedupe: d, dedupeTTL: ttl, log: log}
}

// Handle processes one MQ body. A non-nil error asks for redelivery; bad
// payloads are dropped with a log line instead.
func (g *Ingest) Handle(ctx context.Context, body []byte) error {
	metrics.IngestConsumed.Inc()

	var evt event.ImEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		g.log.Warn("ingest decode failed", zap.Error(err))
		return nil
	}
	if evt.Event != event.NotifyCreate || evt.Notification == nil {
		g.log.Debug("ingest skip", zap.String("event", evt.Event))
		return nil
	}
	n := evt.Notification

	receivers := evt.ToUIDs
	if len(receivers) == 0 && n.UserID > 0 {
		receivers = []int64{n.UserID}
	}

	var failed error
	for _, uid := range receivers {
		if uid <= 0 {
			continue
		}
		key := ""
		if n.DedupeKey != "" {
			key = "notify:" + n.DedupeKey + ":" + strconv.FormatInt(uid, 10)
			first, err := g.dedupe.Dedupe(ctx, key, g.dedupeTTL)
			switch {
			case err != nil:
				// redis down: keep going, a duplicate beats a lost notification
				g.log.Warn("ingest dedupe failed", zap.String("key", key), zap.Error(err))
				key = ""
			case !first:
				metrics.IngestDuplicates.Inc()
				continue
			}
		}

		_, err := g.notify.Notify(ctx, router.NotifyInput{
			UserID: uid,
			Kind:   n.Kind,
			Title:  n.Title,
			Body:   n.Body,
			Data:   n.Data,
		})
		if err == nil {
			continue
		}
		if errors.Is(err, router.ErrInvalidArgument) {
			g.log.Warn("ingest invalid notification", zap.Int64("uid", uid), zap.String("trace", evt.TraceID))
			continue
		}
		if key != "" {
			if rerr := g.dedupe.Release(ctx, key); rerr != nil {
				g.log.Warn("ingest dedupe release failed", zap.String("key", key), zap.Error(rerr))
			}
		}
		g.log.Warn("ingest notify failed", zap.Int64("uid", uid), zap.Error(err))
		failed = err
	}
	return failed
}

type ConsumerOptions struct {
	Topic string
	Tag   string
}

// Consumer is the RocketMQ push consumer feeding an Ingest.
type Consumer struct {
	c rmq.PushConsumer
}

func NewConsumer(cfg Settings, opt ConsumerOptions, ing *Ingest, log *zap.Logger) (*Consumer, error) {
	if cfg.NameServer == "" || cfg.ConsumerGroup == "" || opt.Topic == "" {
		return nil, errors.New("rocketmq: consumer needs name-server, group and topic")
	}
	if log == nil {
		log = zap.NewNop()
	}
	opts := []consumer.Option{
		consumer.WithNameServer([]string{cfg.NameServer}),
		consumer.WithGroupName(cfg.ConsumerGroup),
		consumer.WithConsumerModel(consumer.Clustering),
		consumer.WithConsumeFromWhere(consumer.ConsumeFromLastOffset),
	}
	if cred, ok := cfg.credentials(); ok {
		opts = append(opts, consumer.WithCredentials(cred))
	}
	c, err := rmq.NewPushConsumer(opts...)
	if err != nil {
		return nil, err
	}

	selector := consumer.MessageSelector{Type: consumer.TAG, Expression: "*"}
	if opt.Tag != "" {
		selector.Expression = opt.Tag
	}
	err = c.Subscribe(opt.Topic, selector, func(ctx context.Context, msgs ...*primitive.MessageExt) (consumer.ConsumeResult, error) {
		for _, m := range msgs {
			if err := ing.Handle(ctx, m.Body); err != nil {
				log.Warn("ingest retry later", zap.String("msg_id", m.MsgId), zap.Error(err))
				return consumer.ConsumeRetryLater, nil
			}
		}
		return consumer.ConsumeSuccess, nil
	})
	if err != nil {
		return nil, err
	}
	return &Consumer{c: c}, nil
}

func (c *Consumer) Start() error { return c.c.Start() }

func (c *Consumer) Close() error { return c.c.Shutdown() }
