// Package offline queues mutating calls that could not reach the server
// and replays them, oldest first, once connectivity is back.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type State string

const (
	StatePending   State = "pending"
	StateAttempted State = "attempted"
)

// Action is one queued request. ID doubles as the idempotency key on replay.
type Action struct {
	ID        string          `json:"id"`
	CreatedAt time.Time       `json:"created_at"`
	Method    string          `json:"method"`
	URL       string          `json:"url"`
	Body      json.RawMessage `json:"body,omitempty"`
	State     State           `json:"state"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
}

// ReplayFunc re-sends one action. A nil error removes it from the queue.
type ReplayFunc func(ctx context.Context, a Action) error

type Options struct {
	// Key names the queue inside Storage.
	Key string
	// Replay is used by the automatic flush on reconnect.
	Replay ReplayFunc
	// Offline reports whether a replay error means the server is unreachable.
	// Such a failure puts the queue back offline so the next SetOnline(true)
	// flushes again.
	Offline func(error) bool
	Log     *zap.Logger
}

// Queue is an ordered, durable, at-least-once action queue. Flushes never
// overlap; Enqueue may run concurrently with a flush.
type Queue struct {
	mu      sync.Mutex
	actions []Action
	online  bool

	flushMu sync.Mutex
	wg      sync.WaitGroup

	storage   Storage
	key       string
	replay    ReplayFunc
	isOffline func(error) bool
	now       func() time.Time
	log       *zap.Logger
}

// New restores any persisted actions. The queue starts offline.
func New(storage Storage, opt Options) (*Queue, error) {
	if storage == nil {
		storage = NewMemoryStorage()
	}
	if opt.Key == "" {
		opt.Key = "offline-actions"
	}
	if opt.Log == nil {
		opt.Log = zap.NewNop()
	}
	actions, err := storage.Load(opt.Key)
	if err != nil {
		return nil, err
	}
	return &Queue{
		actions:   actions,
		storage:   storage,
		key:       opt.Key,
		replay:    opt.Replay,
		isOffline: opt.Offline,
		now:       time.Now,
		log:       opt.Log,
	}, nil
}

var ErrInvalidAction = errors.New("offline: action needs method and url")

// Enqueue appends a. Missing ID, CreatedAt and State are filled in.
func (q *Queue) Enqueue(a Action) (Action, error) {
	if a.Method == "" || a.URL == "" {
		return Action{}, ErrInvalidAction
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = q.now()
	}
	if a.State == "" {
		a.State = StatePending
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.actions = append(q.actions, a)
	if err := q.saveLocked(); err != nil {
		q.actions = q.actions[:len(q.actions)-1]
		return Action{}, err
	}
	return a, nil
}

// Pending returns a copy of the queue in replay order.
func (q *Queue) Pending() []Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Action(nil), q.actions...)
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.actions)
}

func (q *Queue) saveLocked() error {
	return q.storage.Save(q.key, q.actions)
}

// Flush replays every queued action in creation order. A failed action stays
// in the queue and the flush moves on to the next one. The remaining queue
// is returned; actions enqueued during the flush wait for the next one.
func (q *Queue) Flush(ctx context.Context, replay ReplayFunc) ([]Action, error) {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	batch := q.Pending()
	var saveErr error
	for _, a := range batch {
		if ctx.Err() != nil {
			break
		}
		err := replay(ctx, a)

		q.mu.Lock()
		idx := q.indexLocked(a.ID)
		if idx >= 0 {
			if err == nil {
				q.actions = append(q.actions[:idx], q.actions[idx+1:]...)
			} else {
				q.actions[idx].State = StateAttempted
				q.actions[idx].Attempts++
				q.actions[idx].LastError = err.Error()
			}
			if serr := q.saveLocked(); serr != nil {
				saveErr = serr
			}
		}
		if err != nil && q.isOffline != nil && q.isOffline(err) {
			q.online = false
		}
		q.mu.Unlock()

		if err != nil {
			q.log.Info("replay failed, kept in queue", zap.String("id", a.ID), zap.String("url", a.URL), zap.Error(err))
		}
	}
	return q.Pending(), saveErr
}

func (q *Queue) indexLocked(id string) int {
	for i := range q.actions {
		if q.actions[i].ID == id {
			return i
		}
	}
	return -1
}

// Remove drops an action without replaying it.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexLocked(id)
	if idx < 0 {
		return false
	}
	q.actions = append(q.actions[:idx], q.actions[idx+1:]...)
	if err := q.saveLocked(); err != nil {
		q.log.Warn("offline queue save failed", zap.Error(err))
	}
	return true
}

func (q *Queue) Online() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

// SetOnline records connectivity. The offline to online edge starts a
// background flush with the configured ReplayFunc.
func (q *Queue) SetOnline(online bool) {
	q.mu.Lock()
	was := q.online
	q.online = online
	q.mu.Unlock()

	if online && !was && q.replay != nil {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			left, err := q.Flush(context.Background(), q.replay)
			if err != nil {
				q.log.Warn("offline queue save failed", zap.Error(err))
			}
			q.log.Debug("offline flush done", zap.Int("remaining", len(left)))
		}()
	}
}

// Wait blocks until background flushes started by SetOnline finish.
func (q *Queue) Wait() { q.wg.Wait() }
