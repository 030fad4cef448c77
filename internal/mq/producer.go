// Package mq connects the realtime node to RocketMQ: persisted events go out
// through the outbox, notification requests from other services come in.
package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	rmq "github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/apache/rocketmq-client-go/v2/producer"

	"github.com/lzyats/yuim/internal/event"
)

type Settings struct {
	NameServer    string
	ProducerGroup string
	ConsumerGroup string
	AccessKey     string
	SecretKey     string
}

func (s Settings) credentials() (primitive.Credentials, bool) {
	if s.AccessKey == "" && s.SecretKey == "" {
		return primitive.Credentials{}, false
	}
	return primitive.Credentials{AccessKey: s.AccessKey, SecretKey: s.SecretKey}, true
}

// Producer publishes outbox events. Topic and tag come from the outbox
// record, so one producer serves every event kind.
type Producer struct {
	p rmq.Producer
}

func NewProducer(cfg Settings) (*Producer, error) {
	if cfg.NameServer == "" {
		return nil, fmt.Errorf("rocketmq: missing name-server")
	}
	if cfg.ProducerGroup == "" {
		return nil, fmt.Errorf("rocketmq: missing producer group")
	}
	opts := []producer.Option{
		producer.WithNameServer([]string{cfg.NameServer}),
		producer.WithGroupName(cfg.ProducerGroup),
		producer.WithRetry(2),
	}
	if cred, ok := cfg.credentials(); ok {
		opts = append(opts, producer.WithCredentials(cred))
	}
	prd, err := rmq.NewProducer(opts...)
	if err != nil {
		return nil, err
	}
	if err := prd.Start(); err != nil {
		return nil, err
	}
	return &Producer{p: prd}, nil
}

func (p *Producer) Publish(ctx context.Context, topic, tag string, evt *event.ImEvent) error {
	msg, err := newMessage(topic, tag, evt)
	if err != nil {
		return err
	}
	_, err = p.p.SendSync(ctx, msg)
	return err
}

func newMessage(topic, tag string, evt *event.ImEvent) (*primitive.Message, error) {
	if evt == nil {
		return nil, errors.New("nil event")
	}
	if topic == "" {
		return nil, errors.New("rocketmq: missing topic")
	}
	if evt.TS == 0 {
		evt.TS = time.Now().Unix()
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	m := primitive.NewMessage(topic, b)
	if tag != "" {
		m.WithTag(tag)
	}
	if evt.ConvID != "" {
		m.WithKeys([]string{evt.ConvID})
	}
	return m, nil
}

func (p *Producer) Close() error {
	if p.p != nil {
		return p.p.Shutdown()
	}
	return nil
}
