package outbox

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lzyats/yuim/internal/event"
	"github.com/lzyats/yuim/internal/metrics"
)

// Source is the slice of Repo the worker drives.
type Source interface {
	FetchDue(ctx context.Context, limit int) ([]Record, error)
	MarkSent(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, retryCount int, lastErr string, backoff time.Duration) error
}

type Producer interface {
	Publish(ctx context.Context, topic, tag string, evt *event.ImEvent) error
}

type Worker struct {
	src  Source
	prod Producer
	log  *zap.Logger

	tick  time.Duration
	batch int

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

type Options struct {
	Tick  time.Duration
	Batch int
}

func NewWorker(src Source, prod Producer, log *zap.Logger, opt Options) *Worker {
	if opt.Tick <= 0 {
		opt.Tick = 1 * time.Second
	}
	if opt.Batch <= 0 {
		opt.Batch = 200
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		src:   src,
		prod:  prod,
		log:   log,
		tick:  opt.Tick,
		batch: opt.Batch,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (w *Worker) Start() {
	go func() {
		defer close(w.done)
		t := time.NewTicker(w.tick)
		defer t.Stop()
		for {
			select {
			case <-w.stop:
				return
			case <-t.C:
				w.RunOnce(context.Background())
			}
		}
	}()
}

// Stop waits for the running batch to finish.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}

// RunOnce publishes one batch of due records in id order.
func (w *Worker) RunOnce(ctx context.Context) int {
	fctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	recs, err := w.src.FetchDue(fctx, w.batch)
	cancel()
	if err != nil {
		w.log.Warn("outbox fetch failed", zap.Error(err))
		return 0
	}

	sent := 0
	for _, r := range recs {
		var evt event.ImEvent
		if err := json.Unmarshal([]byte(r.PayloadJSON), &evt); err != nil {
			// undecodable payloads never get better; park them far out
			_ = w.src.MarkFailed(ctx, r.ID, r.RetryCount+1, "decode:"+err.Error(), time.Hour)
			continue
		}

		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := w.prod.Publish(pctx, r.Topic, r.Tag, &evt)
		cancel()
		if err == nil {
			if err := w.src.MarkSent(ctx, r.ID); err != nil {
				w.log.Warn("outbox mark sent failed", zap.Int64("id", r.ID), zap.Error(err))
			}
			metrics.OutboxSent.Inc()
			sent++
			continue
		}

		rc := r.RetryCount + 1
		backoff := calcBackoff(rc)
		_ = w.src.MarkFailed(ctx, r.ID, rc, err.Error(), backoff)
		metrics.OutboxRetry.Inc()
		if rc == 1 || rc%10 == 0 {
			w.log.Warn("outbox publish retry", zap.Int64("id", r.ID), zap.Int("retry", rc), zap.Duration("backoff", backoff), zap.Error(err))
		}
	}
	return sent
}

func calcBackoff(retry int) time.Duration {
	if retry <= 0 {
		return 1 * time.Second
	}
	if retry > 8 {
		retry = 8
	}
	d := time.Duration(1<<retry) * time.Second
	if d > 60*time.Second {
		d = 60 * time.Second
	}
	return d
}
