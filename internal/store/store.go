// Package store is the durable side of the realtime core: messages and
// notifications are written here before any fan-out happens.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrDuplicate is returned by CreateMessage when the sender already has a
	// message with the same ClientMsgID.
	ErrDuplicate = errors.New("duplicate client message id")
)

type Message struct {
	MsgID       int64
	Seq         int64
	ConvID      string
	SenderID    int64
	ReceiverID  int64
	Content     string
	ClientMsgID string
	Read        bool
	CreatedAt   time.Time
}

type Notification struct {
	ID        int64
	UserID    int64
	Kind      string
	Title     string
	Body      string
	Data      json.RawMessage
	Read      bool
	CreatedAt time.Time
}

type Unread struct {
	Messages      int64
	Notifications int64
}

// Store persists the records the router fans out. Create* must not return
// before the record is durable.
type Store interface {
	// CreateMessage assigns Seq (per conversation) and CreatedAt. MsgID is set by the caller.
	CreateMessage(ctx context.Context, m *Message) error
	// MessageByClientID returns ErrNotFound when the sender never used clientMsgID.
	MessageByClientID(ctx context.Context, senderID int64, clientMsgID string) (*Message, error)
	ListMessages(ctx context.Context, uid int64, convID string, afterSeq int64, limit int) ([]Message, error)
	MarkConversationRead(ctx context.Context, uid int64, convID string) (int64, error)

	// CreateNotification sets CreatedAt. ID is set by the caller.
	CreateNotification(ctx context.Context, n *Notification) error
	ListNotifications(ctx context.Context, uid, afterID int64, limit int) ([]Notification, error)
	MarkNotificationRead(ctx context.Context, uid, id int64) (*Notification, error)

	Unread(ctx context.Context, uid int64) (Unread, error)
}

// Users is the slice of the external user directory the core needs for login.
type Users interface {
	PasswordHash(ctx context.Context, uid int64) (string, error)
}

func validateMessage(m *Message) error {
	if m == nil || m.MsgID <= 0 || m.SenderID <= 0 || m.ReceiverID <= 0 || m.ConvID == "" {
		return ErrInvalidArgument
	}
	return nil
}

func validateNotification(n *Notification) error {
	if n == nil || n.ID <= 0 || n.UserID <= 0 || n.Kind == "" {
		return ErrInvalidArgument
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}
