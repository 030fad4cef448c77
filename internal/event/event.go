package event

import "encoding/json"

// Event names carried on the MQ.
const (
	MsgNew       = "msg_new"
	NotifyNew    = "notify_new"
	NotifyRead   = "notify_read"
	NotifyCreate = "notify_create" // ingest: another service asks us to create + push
)

// ImEvent is the MQ envelope shared with downstream consumers (search, push,
// analytics) and with services that ingest notifications.
// Treat this as a contract (version it when breaking changes are required).
type ImEvent struct {
	Event        string            `json:"event"`
	TraceID      string            `json:"trace_id"`
	TS           int64             `json:"ts"` // unix seconds
	FromUID      int64             `json:"from_uid"`
	ToUIDs       []int64           `json:"to_uids"`
	ConvID       string            `json:"conv_id,omitempty"`
	Msg          *Message          `json:"msg,omitempty"`
	Notification *Notification     `json:"notification,omitempty"`
	Meta         map[string]string `json:"meta,omitempty"`
}

type Message struct {
	MsgID       int64  `json:"msg_id"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
	Seq         int64  `json:"seq"`
	Content     string `json:"content"`
}

type Notification struct {
	ID     int64           `json:"id"`
	UserID int64           `json:"user_id"`
	Kind   string          `json:"kind"`
	Title  string          `json:"title"`
	Body   string          `json:"body,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	// DedupeKey lets producers retry without creating duplicates.
	DedupeKey string `json:"dedupe_key,omitempty"`
}
