package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/lzyats/yuim/internal/event"
	"github.com/lzyats/yuim/internal/outbox"
)

// MySQL is the production Store. Every create also writes an outbox row in the
// same transaction so downstream consumers see exactly the committed records.
type MySQL struct {
	db     *sql.DB
	outbox *outbox.Repo
	topic  string
	tag    string
}

type MySQLOptions struct {
	// Outbox may be nil to skip event emission.
	Outbox *outbox.Repo
	Topic  string
	Tag    string
}

func NewMySQL(db *sql.DB, opt MySQLOptions) *MySQL {
	return &MySQL{db: db, outbox: opt.Outbox, topic: opt.Topic, tag: opt.Tag}
}

func (s *MySQL) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *MySQL) enqueue(ctx context.Context, tx *sql.Tx, evt *event.ImEvent, refID int64) error {
	if s.outbox == nil {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = s.outbox.EnqueueTx(ctx, tx, evt.Event, refID, evt.ConvID, s.topic, s.tag, string(b))
	return err
}

func (s *MySQL) CreateMessage(ctx context.Context, m *Message) error {
	if err := validateMessage(m); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		seq, err := nextConvSeq(ctx, tx, m.ConvID)
		if err != nil {
			return err
		}
		m.Seq = seq
		m.CreatedAt = time.Now().UTC().Truncate(time.Second)
		_, err = tx.ExecContext(ctx, `
INSERT INTO im_msg (msg_id, conv_id, seq, sender_id, receiver_id, content, client_msg_id, is_read, create_time)
VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
`, m.MsgID, m.ConvID, m.Seq, m.SenderID, m.ReceiverID, m.Content, nullString(m.ClientMsgID), m.CreatedAt)
		if isDuplicateClientID(err) {
			return ErrDuplicate
		}
		if err != nil {
			return err
		}
		return s.enqueue(ctx, tx, &event.ImEvent{
			Event:   event.MsgNew,
			TS:      m.CreatedAt.Unix(),
			FromUID: m.SenderID,
			ToUIDs:  []int64{m.ReceiverID},
			ConvID:  m.ConvID,
			Msg: &event.Message{
				MsgID:       m.MsgID,
				ClientMsgID: m.ClientMsgID,
				Seq:         m.Seq,
				Content:     m.Content,
			},
		}, m.MsgID)
	})
}

// isDuplicateClientID matches a 1062 raised by uk_sender_client. A losing
// insert waits on the winner's row lock, so the winner is committed by then.
func isDuplicateClientID(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1062 && strings.Contains(me.Message, "uk_sender_client")
}

func (s *MySQL) MessageByClientID(ctx context.Context, senderID int64, clientMsgID string) (*Message, error) {
	if clientMsgID == "" {
		return nil, ErrNotFound
	}
	var m Message
	var cmid sql.NullString
	err := s.db.QueryRowContext(ctx, `
SELECT msg_id, conv_id, seq, sender_id, receiver_id, content, client_msg_id, is_read, create_time
FROM im_msg
WHERE sender_id = ? AND client_msg_id = ?
`, senderID, clientMsgID).Scan(&m.MsgID, &m.ConvID, &m.Seq, &m.SenderID, &m.ReceiverID, &m.Content, &cmid, &m.Read, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.ClientMsgID = cmid.String
	return &m, nil
}

func (s *MySQL) ListMessages(ctx context.Context, uid int64, convID string, afterSeq int64, limit int) ([]Message, error) {
	limit = clampLimit(limit)
	rows, err := s.db.QueryContext(ctx, `
SELECT msg_id, conv_id, seq, sender_id, receiver_id, content, client_msg_id, is_read, create_time
FROM im_msg
WHERE conv_id = ? AND seq > ? AND (sender_id = ? OR receiver_id = ?)
ORDER BY seq ASC
LIMIT ?
`, convID, afterSeq, uid, uid, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		var cmid sql.NullString
		if err := rows.Scan(&m.MsgID, &m.ConvID, &m.Seq, &m.SenderID, &m.ReceiverID, &m.Content, &cmid, &m.Read, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.ClientMsgID = cmid.String
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *MySQL) MarkConversationRead(ctx context.Context, uid int64, convID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE im_msg SET is_read=1 WHERE conv_id=? AND receiver_id=? AND is_read=0`, convID, uid)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *MySQL) CreateNotification(ctx context.Context, n *Notification) error {
	if err := validateNotification(n); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		n.CreatedAt = time.Now().UTC().Truncate(time.Second)
		_, err := tx.ExecContext(ctx, `
INSERT INTO im_notification (id, user_id, kind, title, body, data_json, is_read, create_time)
VALUES (?, ?, ?, ?, ?, ?, 0, ?)
`, n.ID, n.UserID, n.Kind, n.Title, n.Body, nullJSON(n.Data), n.CreatedAt)
		if err != nil {
			return err
		}
		return s.enqueue(ctx, tx, &event.ImEvent{
			Event:  event.NotifyNew,
			TS:     n.CreatedAt.Unix(),
			ToUIDs: []int64{n.UserID},
			Notification: &event.Notification{
				ID:     n.ID,
				UserID: n.UserID,
				Kind:   n.Kind,
				Title:  n.Title,
				Body:   n.Body,
				Data:   n.Data,
			},
		}, n.ID)
	})
}

func (s *MySQL) ListNotifications(ctx context.Context, uid, afterID int64, limit int) ([]Notification, error) {
	limit = clampLimit(limit)
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, kind, title, body, data_json, is_read, create_time
FROM im_notification
WHERE user_id = ? AND id > ?
ORDER BY id ASC
LIMIT ?
`, uid, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Notification, 0, limit)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNotification(sc scanner) (*Notification, error) {
	var n Notification
	var data sql.NullString
	if err := sc.Scan(&n.ID, &n.UserID, &n.Kind, &n.Title, &n.Body, &data, &n.Read, &n.CreatedAt); err != nil {
		return nil, err
	}
	if data.Valid && data.String != "" {
		n.Data = json.RawMessage(data.String)
	}
	return &n, nil
}

func (s *MySQL) MarkNotificationRead(ctx context.Context, uid, id int64) (*Notification, error) {
	var out *Notification
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE im_notification SET is_read=1 WHERE id=? AND user_id=?`, id, uid)
		if err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx, `
SELECT id, user_id, kind, title, body, data_json, is_read, create_time
FROM im_notification WHERE id=? AND user_id=?`, id, uid)
		n, err := scanNotification(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		out = n
		if changed, _ := res.RowsAffected(); changed == 0 {
			return nil
		}
		return s.enqueue(ctx, tx, &event.ImEvent{
			Event:        event.NotifyRead,
			TS:           time.Now().Unix(),
			FromUID:      uid,
			ToUIDs:       []int64{uid},
			Notification: &event.Notification{ID: n.ID, UserID: n.UserID, Kind: n.Kind},
		}, n.ID)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MySQL) Unread(ctx context.Context, uid int64) (Unread, error) {
	var u Unread
	err := s.db.QueryRowContext(ctx, `
SELECT
  (SELECT COUNT(*) FROM im_msg WHERE receiver_id=? AND is_read=0),
  (SELECT COUNT(*) FROM im_notification WHERE user_id=? AND is_read=0)
`, uid, uid).Scan(&u.Messages, &u.Notifications)
	return u, err
}

func (s *MySQL) PasswordHash(ctx context.Context, uid int64) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT password FROM im_user WHERE user_id=? AND deleted=0 LIMIT 1`, uid).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return hash, err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullJSON(b json.RawMessage) sql.NullString {
	return sql.NullString{String: string(b), Valid: len(b) > 0}
}
