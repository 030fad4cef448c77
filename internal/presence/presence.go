// Package presence derives online/offline from the number of live
// connections a user holds.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lzyats/yuim/internal/hub"
	"github.com/lzyats/yuim/pkg/protocol"
)

// Room is joined by connections that want everyone's presence changes.
const Room = "presence"

type Publisher interface {
	Publish(ctx context.Context, room, typ string, payload any) error
}

type Entry struct {
	UserID   int64     `json:"user_id"`
	Count    int       `json:"count"`
	LastSeen time.Time `json:"last_seen"`
}

func (e Entry) Online() bool { return e.Count > 0 }

// Tracker implements hub.Listener. Only the 0->1 and 1->0 edges are
// broadcast; a second tab opening or closing says nothing.
type Tracker struct {
	mu      sync.Mutex
	entries map[int64]*Entry

	pub Publisher
	now func() time.Time
	log *zap.Logger
}

func New(pub Publisher, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{entries: make(map[int64]*Entry), pub: pub, now: time.Now, log: log}
}

var _ hub.Listener = (*Tracker)(nil)

func (t *Tracker) OnConnectionAdded(uid int64) {
	t.mu.Lock()
	e, ok := t.entries[uid]
	if !ok {
		e = &Entry{UserID: uid}
		t.entries[uid] = e
	}
	e.Count++
	e.LastSeen = t.now()
	cameOnline := e.Count == 1
	t.mu.Unlock()

	if cameOnline {
		t.broadcast(uid, protocol.PresenceUserOnline)
	}
}

func (t *Tracker) OnConnectionRemoved(uid int64) {
	t.mu.Lock()
	e, ok := t.entries[uid]
	if !ok || e.Count == 0 {
		t.mu.Unlock()
		t.log.Debug("presence remove without add", zap.Int64("uid", uid))
		return
	}
	e.Count--
	e.LastSeen = t.now()
	wentOffline := e.Count == 0
	t.mu.Unlock()

	if wentOffline {
		t.broadcast(uid, protocol.PresenceUserOffline)
	}
}

func (t *Tracker) broadcast(uid int64, typ string) {
	if t.pub == nil {
		return
	}
	ctx := context.Background()
	ref := protocol.UserRef{UserID: uid}
	for _, room := range []string{Room, hub.UserRoom(uid)} {
		if err := t.pub.Publish(ctx, room, typ, ref); err != nil {
			t.log.Warn("presence publish failed", zap.Int64("uid", uid), zap.String("type", typ), zap.Error(err))
		}
	}
}

func (t *Tracker) IsOnline(uid int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[uid]
	return ok && e.Count > 0
}

// Get returns the entry for uid; offline users keep their last seen time
// until the process restarts.
func (t *Tracker) Get(uid int64) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[uid]
	if !ok {
		return Entry{UserID: uid}, false
	}
	return *e, true
}

// Snapshot lists users currently online, ordered by id.
func (t *Tracker) Snapshot() []Entry {
	t.mu.Lock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		if e.Count > 0 {
			out = append(out, *e)
		}
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
