package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lzyats/yuim/internal/auth"
	"github.com/lzyats/yuim/internal/config"
	"github.com/lzyats/yuim/internal/hub"
	"github.com/lzyats/yuim/internal/presence"
	"github.com/lzyats/yuim/internal/router"
	"github.com/lzyats/yuim/internal/store"
)

// server holds everything the handlers need. Built once in main.
type server struct {
	cfg      *config.Config
	log      *zap.Logger
	auth     *auth.Service
	users    store.Users
	store    store.Store
	hub      *hub.Hub
	router   *router.Router
	presence *presence.Tracker
	upgrader websocket.Upgrader
	ping     func(ctx context.Context) error
}

func (s *server) tokenConfig() auth.Config {
	return auth.Config{
		Header:       s.cfg.Auth.Token.Header,
		BearerPrefix: s.cfg.Auth.Token.BearerPrefix,
		QueryKey:     s.cfg.Auth.Token.QueryKey,
		PublicPaths: []string{
			"/ws", // authenticates itself before upgrade
			"/metrics",
			"/healthz",
			"/v1/auth/login",
			"/v1/auth/refresh",
			"/internal/",
		},
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWS)

	mux.HandleFunc("/v1/auth/login", s.handleLogin)
	mux.HandleFunc("/v1/auth/refresh", s.handleRefresh)
	mux.HandleFunc("/v1/auth/logout", s.handleLogout)

	mux.HandleFunc("/v1/notifications", s.handleNotifications)
	mux.HandleFunc("/v1/notifications/", s.handleNotificationRead)
	mux.HandleFunc("/v1/messages", s.handleMessages)
	mux.HandleFunc("/v1/messages/read", s.handleConversationRead)
	mux.HandleFunc("/v1/presence", s.handlePresence)

	mux.HandleFunc("/internal/notify", s.handleInternalNotify)

	return auth.Wrap(s.tokenConfig(), s.auth, mux)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *server) opCtx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.cfg.Timeout)
}

// storeErr maps domain errors onto status codes; anything else is a 500.
func (s *server) storeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeErr(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrInvalidArgument), errors.Is(err, router.ErrInvalidArgument):
		writeErr(w, http.StatusBadRequest, "invalid argument")
	default:
		s.log.Error("request failed", zap.Error(err))
		writeErr(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *server) limit(r *http.Request) int {
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if n <= 0 {
		return s.cfg.Sync.DefaultLimit
	}
	if n > s.cfg.Sync.MaxLimit {
		return s.cfg.Sync.MaxLimit
	}
	return n
}

func queryInt64(r *http.Request, key string) int64 {
	n, _ := strconv.ParseInt(r.URL.Query().Get(key), 10, 64)
	return n
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ping != nil {
		ctx, cancel := s.opCtx(r)
		defer cancel()
		if err := s.ping(ctx); err != nil {
			writeErr(w, http.StatusServiceUnavailable, "redis unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "conns": s.hub.Len()})
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		UserID   int64  `json:"user_id"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID <= 0 {
		writeErr(w, http.StatusBadRequest, "bad request")
		return
	}
	ctx, cancel := s.opCtx(r)
	defer cancel()

	hash, err := s.users.PasswordHash(ctx, req.UserID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.storeErr(w, err)
		return
	}
	if err != nil || auth.CheckPassword(hash, req.Password) != nil {
		writeErr(w, http.StatusUnauthorized, auth.ErrBadCredentials.Error())
		return
	}
	pair, err := s.auth.Login(ctx, req.UserID)
	if err != nil {
		s.storeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeErr(w, http.StatusBadRequest, "bad request")
		return
	}
	ctx, cancel := s.opCtx(r)
	defer cancel()

	pair, err := s.auth.Refresh(ctx, req.RefreshToken)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, pair)
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken), errors.Is(err, auth.ErrRevoked):
		writeErr(w, http.StatusUnauthorized, err.Error())
	default:
		s.storeErr(w, err)
	}
}

func (s *server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sid := auth.SessionFromContext(r.Context())
	ctx, cancel := s.opCtx(r)
	defer cancel()
	if err := s.auth.Logout(ctx, sid); err != nil {
		s.storeErr(w, err)
		return
	}
	kicked := s.hub.KickSession(sid)
	s.log.Info("logout", zap.Int64("uid", auth.UIDFromContext(r.Context())), zap.Int("kicked", kicked))
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	uid := auth.UIDFromContext(r.Context())
	ctx, cancel := s.opCtx(r)
	defer cancel()

	list, err := s.store.ListNotifications(ctx, uid, queryInt64(r, "after_id"), s.limit(r))
	if err != nil {
		s.storeErr(w, err)
		return
	}
	items := make([]any, 0, len(list))
	for _, n := range list {
		items = append(items, router.NotificationPayload(n))
	}
	unread, err := s.store.Unread(ctx, uid)
	if err != nil {
		s.storeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "unread": unread})
}

// POST /v1/notifications/{id}/read
func (s *server) handleNotificationRead(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/notifications/")
	idStr, action, _ := strings.Cut(rest, "/")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || id <= 0 || action != "read" {
		writeErr(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx, cancel := s.opCtx(r)
	defer cancel()
	n, err := s.router.MarkRead(ctx, auth.UIDFromContext(r.Context()), id)
	if err != nil {
		s.storeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, router.NotificationPayload(*n))
}

func (s *server) handleMessages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listMessages(w, r)
	case http.MethodPost:
		s.sendMessage(w, r)
	default:
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *server) listMessages(w http.ResponseWriter, r *http.Request) {
	uid := auth.UIDFromContext(r.Context())
	peer := queryInt64(r, "peer_id")
	if peer <= 0 || peer == uid {
		writeErr(w, http.StatusBadRequest, "peer_id required")
		return
	}
	ctx, cancel := s.opCtx(r)
	defer cancel()
	list, err := s.store.ListMessages(ctx, uid, router.ConversationRoom(uid, peer), queryInt64(r, "after_seq"), s.limit(r))
	if err != nil {
		s.storeErr(w, err)
		return
	}
	items := make([]any, 0, len(list))
	for _, m := range list {
		items = append(items, router.MessagePayload(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReceiverID  int64  `json:"receiver_id"`
		Content     string `json:"content"`
		ClientMsgID string `json:"client_msg_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "bad request")
		return
	}
	if req.ClientMsgID == "" {
		req.ClientMsgID = r.Header.Get("Idempotency-Key")
	}
	ctx, cancel := s.opCtx(r)
	defer cancel()
	res, err := s.router.SendMessage(ctx, router.SendInput{
		From:        auth.UIDFromContext(r.Context()),
		To:          req.ReceiverID,
		Content:     req.Content,
		ClientMsgID: req.ClientMsgID,
	})
	if err != nil {
		s.storeErr(w, err)
		return
	}
	code := http.StatusCreated
	if res.Duplicate {
		code = http.StatusOK
	}
	writeJSON(w, code, map[string]any{"message": router.MessagePayload(res.Message), "duplicate": res.Duplicate})
}

// POST /v1/messages/read {peer_id}
func (s *server) handleConversationRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		PeerID int64 `json:"peer_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "bad request")
		return
	}
	ctx, cancel := s.opCtx(r)
	defer cancel()
	n, err := s.router.MarkConversationRead(ctx, auth.UIDFromContext(r.Context()), req.PeerID)
	if err != nil {
		s.storeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": n})
}

func (s *server) handlePresence(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if uid := queryInt64(r, "uid"); uid > 0 {
		e, _ := s.presence.Get(uid)
		resp := map[string]any{"user_id": uid, "online": e.Online()}
		if !e.LastSeen.IsZero() {
			resp["last_seen"] = e.LastSeen.UnixMilli()
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"online": s.presence.Snapshot()})
}

// POST /internal/notify, for trusted services. Guarded by a shared key, not a user token.
func (s *server) handleInternalNotify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	key := s.cfg.Auth.InternalKey
	got := r.Header.Get("X-Internal-Key")
	if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(got)) != 1 {
		writeErr(w, http.StatusForbidden, "forbidden")
		return
	}
	var req struct {
		UserID int64           `json:"user_id"`
		Kind   string          `json:"kind"`
		Title  string          `json:"title"`
		Body   string          `json:"body"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "bad request")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*s.cfg.Timeout)
	defer cancel()
	n, err := s.router.Notify(ctx, router.NotifyInput{
		UserID: req.UserID,
		Kind:   req.Kind,
		Title:  req.Title,
		Body:   req.Body,
		Data:   req.Data,
	})
	if err != nil {
		s.storeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, router.NotificationPayload(*n))
}

// drainTimeout bounds how long shutdown waits for in-flight requests.
const drainTimeout = 10 * time.Second
