// Package router turns domain events into frames and fans them out to rooms.
// Records that must survive a disconnect are persisted before any fan-out.
package router

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lzyats/yuim/internal/breaker"
	"github.com/lzyats/yuim/internal/broker"
	"github.com/lzyats/yuim/internal/hub"
	"github.com/lzyats/yuim/internal/idgen"
	"github.com/lzyats/yuim/internal/metrics"
	"github.com/lzyats/yuim/internal/store"
	"github.com/lzyats/yuim/pkg/protocol"
)

var ErrInvalidArgument = errors.New("invalid argument")

// Registry is the part of the connection registry the router needs.
type Registry interface {
	RoomMembers(room string) []*hub.Conn
	JoinRoom(connID, room string) error
	LeaveRoom(connID, room string) error
}

// Idempotency remembers client_msg_id -> msg_id so replayed sends are not
// persisted twice.
type Idempotency interface {
	GetIdem(ctx context.Context, fromUID int64, clientMsgID string) (int64, bool, error)
	SetIdem(ctx context.Context, fromUID int64, clientMsgID string, msgID int64, ttl time.Duration) error
}

// ConversationRoom is the room of the one-to-one conversation between a and b.
// Argument order does not matter.
func ConversationRoom(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return "conv:p2p:" + strconv.FormatInt(a, 10) + ":" + strconv.FormatInt(b, 10)
}

const roomLockStripes = 256

type Router struct {
	reg   Registry
	store store.Store
	ids   idgen.Generator
	idem  Idempotency

	broker  broker.Broker
	brk     *breaker.Breaker
	fwd     chan forward
	idemTTL time.Duration

	roomLocks [roomLockStripes]sync.Mutex
	log       *zap.Logger
}

type forward struct {
	room  string
	frame []byte
}

type Options struct {
	Registry Registry
	Store    store.Store
	IDs      idgen.Generator

	// optional
	Idempotency Idempotency
	IdemTTL     time.Duration
	Broker      broker.Broker
	Breaker     *breaker.Breaker
	Log         *zap.Logger
}

func New(opt Options) *Router {
	if opt.Log == nil {
		opt.Log = zap.NewNop()
	}
	if opt.Broker != nil && opt.Breaker == nil {
		opt.Breaker = breaker.New(breaker.Options{})
	}
	r := &Router{
		reg:     opt.Registry,
		store:   opt.Store,
		ids:     opt.IDs,
		idem:    opt.Idempotency,
		idemTTL: opt.IdemTTL,
		broker:  opt.Broker,
		brk:     opt.Breaker,
		log:     opt.Log,
	}
	if r.broker != nil {
		r.fwd = make(chan forward, 4096)
	}
	return r
}

func (r *Router) roomLock(room string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(room))
	return &r.roomLocks[h.Sum32()%roomLockStripes]
}

// Publish delivers one event to every connection joined to room. Publishes
// to the same room are serialized so each connection sees them in order.
// Delivery is best effort: offline or saturated connections reconcile by fetch.
func (r *Router) Publish(ctx context.Context, room, typ string, payload any) error {
	frame, err := protocol.Encode(typ, payload)
	if err != nil {
		return err
	}
	l := r.roomLock(room)
	l.Lock()
	r.deliverLocal(room, frame)
	if r.fwd != nil {
		select {
		case r.fwd <- forward{room: room, frame: frame}:
		default:
			metrics.BreakerDrop.Inc()
		}
	}
	l.Unlock()
	metrics.Published.WithLabelValues(typ).Inc()
	return nil
}

func (r *Router) PublishToUser(ctx context.Context, uid int64, typ string, payload any) error {
	return r.Publish(ctx, hub.UserRoom(uid), typ, payload)
}

func (r *Router) deliverLocal(room string, frame []byte) {
	for _, c := range r.reg.RoomMembers(room) {
		switch err := c.Send(frame); {
		case err == nil:
			metrics.FramesOut.Inc()
		case errors.Is(err, hub.ErrBackpressure):
			metrics.Backpressure.Inc()
			r.log.Debug("drop frame on full queue", zap.String("conn", c.ID), zap.String("room", room))
		}
	}
}

// deliverRemote handles frames another node published.
func (r *Router) deliverRemote(room string, frame []byte) {
	l := r.roomLock(room)
	l.Lock()
	r.deliverLocal(room, frame)
	l.Unlock()
}

// Run forwards local publishes to the broker and feeds remote frames into the
// local fan-out until ctx is done. No-op without a broker.
func (r *Router) Run(ctx context.Context) {
	if r.broker == nil {
		<-ctx.Done()
		return
	}
	go func() {
		for {
			err := r.broker.Run(ctx, r.deliverRemote)
			if ctx.Err() != nil {
				return
			}
			r.log.Warn("broker subscription ended, resubscribing", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}()
	const key = "broker"
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-r.fwd:
			if !r.brk.Allow(key) {
				metrics.BreakerDrop.Inc()
				continue
			}
			pctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
			err := r.broker.Publish(pctx, f.room, f.frame)
			cancel()
			if err != nil {
				if r.brk.Failure(key) {
					metrics.BreakerOpen.Inc()
					r.log.Warn("broker breaker opened", zap.Error(err))
				}
				continue
			}
			r.brk.Success(key)
			metrics.BrokerOut.Inc()
		}
	}
}

// Subscription is a room membership that can be cancelled.
type Subscription struct {
	r      *Router
	ConnID string
	Room   string
	once   sync.Once
}

func (s *Subscription) Cancel() error {
	var err error
	s.once.Do(func() { err = s.r.reg.LeaveRoom(s.ConnID, s.Room) })
	return err
}

// Subscribe joins connID to room.
func (r *Router) Subscribe(connID, room string) (*Subscription, error) {
	if room == "" {
		return nil, ErrInvalidArgument
	}
	if err := r.reg.JoinRoom(connID, room); err != nil {
		return nil, err
	}
	return &Subscription{r: r, ConnID: connID, Room: room}, nil
}

type SendInput struct {
	From        int64
	To          int64
	Content     string
	ClientMsgID string
}

type SendResult struct {
	Message store.Message
	// Duplicate is set when ClientMsgID was already accepted. Message is the
	// original record; nothing was persisted or published again.
	Duplicate bool
}

// SendMessage persists a direct message, then publishes messages:new to the
// conversation room and the new unread counts to the receiver. The store's
// (sender, client_msg_id) uniqueness decides between concurrent duplicates;
// the idempotency keys only short-cut replays that arrive later.
func (r *Router) SendMessage(ctx context.Context, in SendInput) (*SendResult, error) {
	if in.From <= 0 || in.To <= 0 || in.From == in.To || in.Content == "" {
		return nil, ErrInvalidArgument
	}
	if in.ClientMsgID != "" && r.idem != nil {
		_, ok, err := r.idem.GetIdem(ctx, in.From, in.ClientMsgID)
		if err != nil {
			r.log.Warn("idempotency lookup failed", zap.Int64("uid", in.From), zap.Error(err))
		}
		if ok {
			orig, err := r.store.MessageByClientID(ctx, in.From, in.ClientMsgID)
			switch {
			case err == nil:
				return &SendResult{Message: *orig, Duplicate: true}, nil
			case !errors.Is(err, store.ErrNotFound):
				return nil, fmt.Errorf("load original: %w", err)
			}
		}
	}

	id, err := r.ids.NextID()
	if err != nil {
		return nil, fmt.Errorf("id: %w", err)
	}
	m := store.Message{
		MsgID:       id,
		ConvID:      ConversationRoom(in.From, in.To),
		SenderID:    in.From,
		ReceiverID:  in.To,
		Content:     in.Content,
		ClientMsgID: in.ClientMsgID,
	}
	if err := r.store.CreateMessage(ctx, &m); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			orig, lerr := r.store.MessageByClientID(ctx, in.From, in.ClientMsgID)
			if lerr != nil {
				return nil, fmt.Errorf("load original: %w", lerr)
			}
			r.remember(ctx, in.From, in.ClientMsgID, orig.MsgID)
			return &SendResult{Message: *orig, Duplicate: true}, nil
		}
		metrics.PersistFail.Inc()
		return nil, fmt.Errorf("persist message: %w", err)
	}
	r.remember(ctx, in.From, in.ClientMsgID, m.MsgID)

	_ = r.Publish(ctx, m.ConvID, protocol.MessagesNew, MessagePayload(m))
	r.pushUnread(ctx, in.To)
	return &SendResult{Message: m}, nil
}

func (r *Router) remember(ctx context.Context, from int64, clientMsgID string, msgID int64) {
	if clientMsgID == "" || r.idem == nil {
		return
	}
	if err := r.idem.SetIdem(ctx, from, clientMsgID, msgID, r.idemTTL); err != nil {
		r.log.Warn("idempotency save failed", zap.Int64("msg_id", msgID), zap.Error(err))
	}
}

func (r *Router) pushUnread(ctx context.Context, uid int64) {
	u, err := r.store.Unread(ctx, uid)
	if err != nil {
		r.log.Warn("unread count failed", zap.Int64("uid", uid), zap.Error(err))
		return
	}
	_ = r.PublishToUser(ctx, uid, protocol.NotificationsUnread, protocol.Unread{Messages: u.Messages, Notifications: u.Notifications})
}

// Typing is ephemeral and goes straight to the receiver.
func (r *Router) Typing(ctx context.Context, from, to int64) error {
	if from <= 0 || to <= 0 {
		return ErrInvalidArgument
	}
	return r.PublishToUser(ctx, to, protocol.MessagesUserTyping, protocol.UserRef{UserID: from})
}

type NotifyInput struct {
	UserID int64
	Kind   string
	Title  string
	Body   string
	Data   []byte
}

// Notify persists a notification, then pushes notifications:new to every
// live connection of the user.
func (r *Router) Notify(ctx context.Context, in NotifyInput) (*store.Notification, error) {
	if in.UserID <= 0 || in.Kind == "" {
		return nil, ErrInvalidArgument
	}
	id, err := r.ids.NextID()
	if err != nil {
		return nil, fmt.Errorf("id: %w", err)
	}
	n := store.Notification{ID: id, UserID: in.UserID, Kind: in.Kind, Title: in.Title, Body: in.Body, Data: in.Data}
	if err := r.store.CreateNotification(ctx, &n); err != nil {
		metrics.PersistFail.Inc()
		return nil, fmt.Errorf("persist notification: %w", err)
	}
	_ = r.PublishToUser(ctx, n.UserID, protocol.NotificationsNew, NotificationPayload(n))
	r.pushUnread(ctx, n.UserID)
	return &n, nil
}

// MarkRead flips a notification to read and tells the user's other devices.
func (r *Router) MarkRead(ctx context.Context, uid, id int64) (*store.Notification, error) {
	n, err := r.store.MarkNotificationRead(ctx, uid, id)
	if err != nil {
		return nil, err
	}
	_ = r.PublishToUser(ctx, uid, protocol.NotificationsUpdated, NotificationPayload(*n))
	r.pushUnread(ctx, uid)
	return n, nil
}

// MarkConversationRead clears uid's unread messages from peer.
func (r *Router) MarkConversationRead(ctx context.Context, uid, peer int64) (int64, error) {
	if uid <= 0 || peer <= 0 {
		return 0, ErrInvalidArgument
	}
	n, err := r.store.MarkConversationRead(ctx, uid, ConversationRoom(uid, peer))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.pushUnread(ctx, uid)
	}
	return n, nil
}

func MessagePayload(m store.Message) protocol.Message {
	return protocol.Message{
		MsgID:       m.MsgID,
		Seq:         m.Seq,
		ConvID:      m.ConvID,
		SenderID:    m.SenderID,
		ReceiverID:  m.ReceiverID,
		Content:     m.Content,
		ClientMsgID: m.ClientMsgID,
		CreatedAt:   m.CreatedAt.UnixMilli(),
	}
}

func NotificationPayload(n store.Notification) protocol.Notification {
	return protocol.Notification{
		ID:        n.ID,
		UserID:    n.UserID,
		Kind:      n.Kind,
		Title:     n.Title,
		Body:      n.Body,
		Data:      n.Data,
		Read:      n.Read,
		CreatedAt: n.CreatedAt.UnixMilli(),
	}
}
