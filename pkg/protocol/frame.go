package protocol

import (
	"encoding/json"
	"errors"
)

// Frame is the envelope of every websocket text frame, in both directions.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Inbound (client -> server).
const (
	NotificationsSubscribe   = "notifications:subscribe"
	NotificationsMarkRead    = "notifications:mark_read"
	MessagesJoinConversation = "messages:join_conversation"
	MessagesSend             = "messages:send"
	MessagesTyping           = "messages:typing"
	PresenceOnline           = "presence:online"
	Ping                     = "ping"
)

// Outbound (server -> client).
const (
	Authenticated        = "authenticated"
	NotificationsNew     = "notifications:new"
	NotificationsUpdated = "notifications:updated"
	NotificationsUnread  = "notifications:unread"
	MessagesNew          = "messages:new"
	MessagesUserTyping   = "messages:user_typing"
	PresenceUserOnline   = "presence:user_online"
	PresenceUserOffline  = "presence:user_offline"
	Pong                 = "pong"
	Error                = "error"
)

var ErrEmptyType = errors.New("protocol: frame type required")

// Encode marshals payload (may be nil) into a frame and returns the wire bytes.
func Encode(typ string, payload any) ([]byte, error) {
	return EncodeReply(typ, "", payload)
}

// EncodeReply is Encode with the id of the inbound frame being answered.
func EncodeReply(typ, id string, payload any) ([]byte, error) {
	if typ == "" {
		return nil, ErrEmptyType
	}
	f := Frame{Type: typ, ID: id}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		f.Payload = b
	}
	return json.Marshal(f)
}

func Decode(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return f, err
	}
	if f.Type == "" {
		return f, ErrEmptyType
	}
	return f, nil
}

// DecodePayload unmarshals the frame payload into v. An empty payload leaves v untouched.
func (f Frame) DecodePayload(v any) error {
	if len(f.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(f.Payload, v)
}

type UserRef struct {
	UserID int64 `json:"userId"`
}

type MarkRead struct {
	ID int64 `json:"id"`
}

type JoinConversation struct {
	OtherUserID int64 `json:"otherUserId"`
}

type Send struct {
	ReceiverID  int64  `json:"receiverId"`
	Content     string `json:"content"`
	ClientMsgID string `json:"clientMsgId,omitempty"`
}

type Typing struct {
	ReceiverID int64 `json:"receiverId"`
}

type Unread struct {
	Messages      int64 `json:"messages"`
	Notifications int64 `json:"notifications"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Message is the payload of messages:new and of the paginated message fetch.
type Message struct {
	MsgID       int64  `json:"msgId"`
	Seq         int64  `json:"seq"`
	ConvID      string `json:"convId"`
	SenderID    int64  `json:"senderId"`
	ReceiverID  int64  `json:"receiverId"`
	Content     string `json:"content"`
	ClientMsgID string `json:"clientMsgId,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
}

// Notification is the payload of notifications:new / notifications:updated.
type Notification struct {
	ID        int64           `json:"id"`
	UserID    int64           `json:"userId"`
	Kind      string          `json:"kind"`
	Title     string          `json:"title"`
	Body      string          `json:"body,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Read      bool            `json:"read"`
	CreatedAt int64           `json:"createdAt"`
}
