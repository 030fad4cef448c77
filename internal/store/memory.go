package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process Store for single node deployments and tests.
type Memory struct {
	mu     sync.RWMutex
	seq    map[string]int64
	msgs   map[string][]Message // conv -> ordered by seq
	sent   map[string]msgRef    // sender:client_msg_id
	notifs map[int64][]Notification
	users  map[int64]string
}

func NewMemory() *Memory {
	return &Memory{
		seq:    make(map[string]int64),
		msgs:   make(map[string][]Message),
		sent:   make(map[string]msgRef),
		notifs: make(map[int64][]Notification),
		users:  make(map[int64]string),
	}
}

type msgRef struct {
	conv string
	idx  int
}

func clientKey(senderID int64, clientMsgID string) string {
	return strconv.FormatInt(senderID, 10) + ":" + clientMsgID
}

// PutUser registers a password hash for login.
func (s *Memory) PutUser(uid int64, hash string) {
	s.mu.Lock()
	s.users[uid] = hash
	s.mu.Unlock()
}

func (s *Memory) PasswordHash(_ context.Context, uid int64) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.users[uid]
	if !ok {
		return "", ErrNotFound
	}
	return h, nil
}

func (s *Memory) CreateMessage(ctx context.Context, m *Message) error {
	if err := validateMessage(m); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ClientMsgID != "" {
		if _, ok := s.sent[clientKey(m.SenderID, m.ClientMsgID)]; ok {
			return ErrDuplicate
		}
	}
	s.seq[m.ConvID]++
	m.Seq = s.seq[m.ConvID]
	m.CreatedAt = time.Now()
	s.msgs[m.ConvID] = append(s.msgs[m.ConvID], *m)
	if m.ClientMsgID != "" {
		s.sent[clientKey(m.SenderID, m.ClientMsgID)] = msgRef{conv: m.ConvID, idx: len(s.msgs[m.ConvID]) - 1}
	}
	return nil
}

func (s *Memory) MessageByClientID(_ context.Context, senderID int64, clientMsgID string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.sent[clientKey(senderID, clientMsgID)]
	if !ok || clientMsgID == "" {
		return nil, ErrNotFound
	}
	m := s.msgs[ref.conv][ref.idx]
	return &m, nil
}

func (s *Memory) ListMessages(_ context.Context, uid int64, convID string, afterSeq int64, limit int) ([]Message, error) {
	limit = clampLimit(limit)
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.msgs[convID]
	i := sort.Search(len(list), func(i int) bool { return list[i].Seq > afterSeq })
	out := make([]Message, 0, limit)
	for ; i < len(list) && len(out) < limit; i++ {
		m := list[i]
		if m.SenderID != uid && m.ReceiverID != uid {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Memory) MarkConversationRead(_ context.Context, uid int64, convID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	list := s.msgs[convID]
	for i := range list {
		if list[i].ReceiverID == uid && !list[i].Read {
			list[i].Read = true
			n++
		}
	}
	return n, nil
}

func (s *Memory) CreateNotification(ctx context.Context, n *Notification) error {
	if err := validateNotification(n); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n.CreatedAt = time.Now()
	s.notifs[n.UserID] = append(s.notifs[n.UserID], *n)
	return nil
}

func (s *Memory) ListNotifications(_ context.Context, uid, afterID int64, limit int) ([]Notification, error) {
	limit = clampLimit(limit)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Notification, 0, limit)
	for _, n := range s.notifs[uid] {
		if n.ID <= afterID {
			continue
		}
		out = append(out, n)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Memory) MarkNotificationRead(_ context.Context, uid, id int64) (*Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.notifs[uid]
	for i := range list {
		if list[i].ID == id {
			list[i].Read = true
			n := list[i]
			return &n, nil
		}
	}
	return nil, ErrNotFound
}

func (s *Memory) Unread(_ context.Context, uid int64) (Unread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var u Unread
	for _, list := range s.msgs {
		for _, m := range list {
			if m.ReceiverID == uid && !m.Read {
				u.Messages++
			}
		}
	}
	for _, n := range s.notifs[uid] {
		if !n.Read {
			u.Notifications++
		}
	}
	return u, nil
}
