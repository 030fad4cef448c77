package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lzyats/yuim/internal/auth"
	"github.com/lzyats/yuim/internal/hub"
	"github.com/lzyats/yuim/internal/metrics"
	"github.com/lzyats/yuim/internal/presence"
	"github.com/lzyats/yuim/internal/router"
	"github.com/lzyats/yuim/internal/store"
	"github.com/lzyats/yuim/pkg/protocol"
)

func rejectReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrMissingToken):
		return "missing"
	case errors.Is(err, auth.ErrExpiredToken):
		return "expired"
	case errors.Is(err, auth.ErrRevoked):
		return "revoked"
	case errors.Is(err, auth.ErrInvalidToken):
		return "invalid"
	}
	return "error"
}

// GET /ws. The token is checked before the upgrade; a rejected handshake
// never becomes a connection.
func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	claims, err := s.hub.Authenticate(r)
	if err != nil {
		reason := rejectReason(err)
		metrics.HandshakeRejected.WithLabelValues(reason).Inc()
		s.log.Debug("handshake rejected", zap.String("reason", reason), zap.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := hub.NewConn(claims.UserID, claims.SessionID, s.cfg.WS.OutQueue)
	hello, _ := protocol.Encode(protocol.Authenticated, protocol.UserRef{UserID: c.UID})
	_ = c.Send(hello)
	s.hub.Register(c)

	go s.writeLoop(ws, c)
	s.readLoop(ws, c)
}

func (s *server) readLoop(ws *websocket.Conn, c *hub.Conn) {
	defer func() {
		s.hub.Unregister(c.ID)
		_ = ws.Close()
	}()

	ws.SetReadLimit(s.cfg.WS.MaxMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(s.cfg.WS.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.cfg.WS.PongWait))
	})

	for {
		typ, b, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("ws read failed", zap.String("conn", c.ID), zap.Error(err))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(s.cfg.WS.PongWait))
		if typ != websocket.TextMessage {
			continue
		}
		f, err := protocol.Decode(b)
		if err != nil {
			s.reply(c, protocol.Error, "", protocol.ErrorPayload{Code: "bad_frame", Message: err.Error()})
			continue
		}
		metrics.FramesIn.WithLabelValues(f.Type).Inc()
		s.dispatch(c, f)

		select {
		case <-c.Done():
			return
		default:
		}
	}
}

func (s *server) writeLoop(ws *websocket.Conn, c *hub.Conn) {
	ticker := time.NewTicker(s.cfg.WS.PingInterval)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
		s.hub.Unregister(c.ID)
	}()
	for {
		select {
		case b := <-c.Out:
			_ = ws.SetWriteDeadline(time.Now().Add(s.cfg.WS.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(s.cfg.WS.WriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.cfg.WS.WriteTimeout))
			return
		}
	}
}

func (s *server) reply(c *hub.Conn, typ, id string, payload any) {
	b, err := protocol.EncodeReply(typ, id, payload)
	if err != nil {
		s.log.Warn("encode reply failed", zap.String("type", typ), zap.Error(err))
		return
	}
	if err := c.Send(b); errors.Is(err, hub.ErrBackpressure) {
		metrics.Backpressure.Inc()
	}
}

func (s *server) replyErr(c *hub.Conn, id string, err error) {
	code := "internal"
	switch {
	case errors.Is(err, router.ErrInvalidArgument), errors.Is(err, store.ErrInvalidArgument):
		code = "invalid_argument"
	case errors.Is(err, store.ErrNotFound):
		code = "not_found"
	case errors.Is(err, hub.ErrUnknownConn):
		code = "gone"
	default:
		s.log.Warn("frame handling failed", zap.String("conn", c.ID), zap.Error(err))
	}
	s.reply(c, protocol.Error, id, protocol.ErrorPayload{Code: code, Message: err.Error()})
}

// dispatch handles one inbound frame. Frames of one connection are handled
// in arrival order on its read goroutine.
func (s *server) dispatch(c *hub.Conn, f protocol.Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()

	switch f.Type {
	case protocol.Ping:
		s.reply(c, protocol.Pong, f.ID, nil)

	case protocol.NotificationsSubscribe:
		u, err := s.store.Unread(ctx, c.UID)
		if err != nil {
			s.replyErr(c, f.ID, err)
			return
		}
		s.reply(c, protocol.NotificationsUnread, f.ID, protocol.Unread{Messages: u.Messages, Notifications: u.Notifications})

	case protocol.NotificationsMarkRead:
		var p protocol.MarkRead
		if err := f.DecodePayload(&p); err != nil || p.ID <= 0 {
			s.replyErr(c, f.ID, router.ErrInvalidArgument)
			return
		}
		if _, err := s.router.MarkRead(ctx, c.UID, p.ID); err != nil {
			s.replyErr(c, f.ID, err)
		}

	case protocol.MessagesJoinConversation:
		var p protocol.JoinConversation
		if err := f.DecodePayload(&p); err != nil || p.OtherUserID <= 0 || p.OtherUserID == c.UID {
			s.replyErr(c, f.ID, router.ErrInvalidArgument)
			return
		}
		if _, err := s.router.Subscribe(c.ID, router.ConversationRoom(c.UID, p.OtherUserID)); err != nil {
			s.replyErr(c, f.ID, err)
		}

	case protocol.MessagesSend:
		var p protocol.Send
		if err := f.DecodePayload(&p); err != nil {
			s.replyErr(c, f.ID, router.ErrInvalidArgument)
			return
		}
		_, err := s.router.SendMessage(ctx, router.SendInput{
			From:        c.UID,
			To:          p.ReceiverID,
			Content:     p.Content,
			ClientMsgID: p.ClientMsgID,
		})
		if err != nil {
			s.replyErr(c, f.ID, err)
		}

	case protocol.MessagesTyping:
		var p protocol.Typing
		if err := f.DecodePayload(&p); err != nil || p.ReceiverID <= 0 {
			s.replyErr(c, f.ID, router.ErrInvalidArgument)
			return
		}
		_ = s.router.Typing(ctx, c.UID, p.ReceiverID)

	case protocol.PresenceOnline:
		if _, err := s.router.Subscribe(c.ID, presence.Room); err != nil {
			s.replyErr(c, f.ID, err)
			return
		}
		for _, e := range s.presence.Snapshot() {
			if e.UserID == c.UID {
				continue
			}
			s.reply(c, protocol.PresenceUserOnline, "", protocol.UserRef{UserID: e.UserID})
		}

	default:
		s.reply(c, protocol.Error, f.ID, protocol.ErrorPayload{Code: "unknown_type", Message: f.Type})
	}
}
