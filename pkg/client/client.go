// Package client ties the token store, request gateway, offline queue and
// realtime connection into one session.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lzyats/yuim/pkg/client/gateway"
	"github.com/lzyats/yuim/pkg/client/offline"
	"github.com/lzyats/yuim/pkg/client/realtime"
	"github.com/lzyats/yuim/pkg/client/tokens"
)

// ErrQueued is a soft failure: the call was stored for replay.
var ErrQueued = errors.New("client: request queued for replay")

// QueuedError carries the id of the queued action. errors.Is(err, ErrQueued) holds.
type QueuedError struct {
	ActionID string
	Cause    error
}

func (e *QueuedError) Error() string {
	return fmt.Sprintf("client: queued as %s: %v", e.ActionID, e.Cause)
}

func (e *QueuedError) Is(target error) bool { return target == ErrQueued }

func (e *QueuedError) Unwrap() error { return e.Cause }

type Config struct {
	BaseURL string
	WSURL   string
	// TokenFile keeps the pair across restarts; empty keeps it in memory.
	TokenFile string
	// QueueDir keeps queued actions across restarts; empty keeps them in memory.
	QueueDir string

	HTTP     *http.Client
	Realtime realtime.Config // URL and Token are filled in
	Log      *zap.Logger
}

type Session struct {
	cfg    Config
	http   *http.Client
	tokens *tokens.Store
	gw     *gateway.Gateway
	qs     offline.Storage
	log    *zap.Logger

	mu     sync.Mutex
	rt     *realtime.Client
	queue  *offline.Queue
	owner  int64 // user the current queue belongs to
	queues map[int64]*offline.Queue
}

// errOtherUser keeps a parked queue from replaying under the next user's token.
var errOtherUser = errors.New("client: action queued by another user")

func Open(cfg Config) (*Session, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("client: base url required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.HTTP == nil {
		cfg.HTTP = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.WSURL == "" {
		cfg.WSURL = "ws" + strings.TrimPrefix(strings.TrimRight(cfg.BaseURL, "/"), "http") + "/ws"
	}

	var ts tokens.Storage
	if cfg.TokenFile != "" {
		ts = tokens.FileStorage{Path: cfg.TokenFile}
	}
	st, err := tokens.New(ts)
	if err != nil {
		return nil, fmt.Errorf("client: load tokens: %w", err)
	}

	s := &Session{cfg: cfg, http: cfg.HTTP, tokens: st, log: cfg.Log, queues: make(map[int64]*offline.Queue)}
	s.gw = gateway.New(cfg.BaseURL, st,
		gateway.HTTPRefresher{BaseURL: cfg.BaseURL, HTTP: cfg.HTTP},
		gateway.WithHTTPClient(cfg.HTTP),
		gateway.WithLogger(cfg.Log.Named("gateway")),
		gateway.WithOnLogout(s.onLogout),
	)

	s.qs = offline.NewMemoryStorage()
	if cfg.QueueDir != "" {
		s.qs = offline.FileStorage{Dir: cfg.QueueDir}
	}
	if _, err := s.useQueue(st.Get().UserID); err != nil {
		return nil, fmt.Errorf("client: load queue: %w", err)
	}
	return s, nil
}

func (s *Session) Tokens() *tokens.Store     { return s.tokens }
func (s *Session) Gateway() *gateway.Gateway { return s.gw }

// Queue returns the offline queue of the logged in user.
func (s *Session) Queue() *offline.Queue {
	q, _ := s.currentQueue()
	return q
}

func (s *Session) currentQueue() (*offline.Queue, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue, s.owner
}

// useQueue makes uid's queue current and parks the previous one offline.
// Queues are keyed by user, so actions only ever replay under the token of
// the user who queued them. The replaced queue is returned.
func (s *Session) useQueue(uid int64) (*offline.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil && s.owner == uid {
		return nil, nil
	}
	q, ok := s.queues[uid]
	if !ok {
		var err error
		q, err = offline.New(s.qs, offline.Options{
			Key:     "actions:" + strconv.FormatInt(uid, 10),
			Replay:  s.replayAs(uid),
			Offline: func(err error) bool { return errors.Is(err, gateway.ErrTransient) },
			Log:     s.log.Named("offline"),
		})
		if err != nil {
			return nil, err
		}
		s.queues[uid] = q
	}
	prev := s.queue
	if prev != nil {
		prev.SetOnline(false)
	}
	s.queue, s.owner = q, uid
	return prev, nil
}

func (s *Session) LoggedIn() bool { return !s.tokens.Get().Empty() }

// Login exchanges credentials for a token pair. It bypasses the gateway: a
// 401 here is a wrong password, not an expired token.
func (s *Session) Login(ctx context.Context, userID int64, password string) error {
	b, _ := json.Marshal(map[string]any{"user_id": userID, "password": password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(s.cfg.BaseURL, "/")+"/v1/auth/login", bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", gateway.ErrTransient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &gateway.StatusError{Status: resp.StatusCode, Body: string(msg)}
	}
	pair, err := gateway.DecodePair(resp.Body)
	if err != nil {
		return err
	}
	pair.UserID = userID
	prev, err := s.useQueue(userID)
	if err != nil {
		return fmt.Errorf("client: load queue: %w", err)
	}
	if prev != nil {
		prev.Wait()
	}
	if err := s.tokens.Set(pair); err != nil {
		return err
	}
	s.Queue().SetOnline(true)
	return nil
}

// Logout revokes the session server side (best effort), forgets the tokens
// and closes the realtime connection. The user's queued actions are kept for
// their next login.
func (s *Session) Logout(ctx context.Context) error {
	var err error
	if s.tokens.Get().AccessToken != "" {
		var resp *gateway.Response
		resp, err = s.gw.Do(ctx, gateway.Request{Method: http.MethodPost, Path: "/v1/auth/logout"})
		if err == nil && !resp.OK() {
			err = &gateway.StatusError{Status: resp.Status, Body: string(resp.Body)}
		}
	}
	if cerr := s.tokens.Clear(); cerr != nil && err == nil {
		err = cerr
	}
	if _, qerr := s.useQueue(0); qerr != nil && err == nil {
		err = qerr
	}
	s.closeRealtime()
	return err
}

// onLogout may run inside a replay, so it parks the queue without waiting.
func (s *Session) onLogout(reason error) {
	s.log.Info("session ended", zap.Error(reason))
	if _, err := s.useQueue(0); err != nil {
		s.log.Warn("switch offline queue failed", zap.Error(err))
	}
	s.closeRealtime()
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// Do sends a JSON call through the gateway. A mutating call that cannot
// reach the server is queued and reported as a QueuedError. Every mutating
// call carries an Idempotency-Key, the same one its replay will use.
func (s *Session) Do(ctx context.Context, method, path string, in any) (*gateway.Response, error) {
	req := gateway.Request{Method: method, Path: path}
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		req.Body = b
	}
	if mutating(method) {
		req.IdempotencyKey = uuid.NewString()
	}

	resp, err := s.gw.Do(ctx, req)
	q := s.Queue()
	if err == nil {
		q.SetOnline(true)
		return resp, nil
	}
	if !errors.Is(err, gateway.ErrTransient) || !mutating(method) {
		return nil, err
	}

	q.SetOnline(false)
	a, qerr := q.Enqueue(offline.Action{
		ID:     req.IdempotencyKey,
		Method: method,
		URL:    path,
		Body:   req.Body,
	})
	if qerr != nil {
		return nil, errors.Join(err, qerr)
	}
	s.log.Info("request queued", zap.String("id", a.ID), zap.String("method", method), zap.String("path", path))
	return nil, &QueuedError{ActionID: a.ID, Cause: err}
}

// JSON is Do that decodes a 2xx body into out and turns other statuses into
// a gateway.StatusError.
func (s *Session) JSON(ctx context.Context, method, path string, in, out any) error {
	resp, err := s.Do(ctx, method, path, in)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return &gateway.StatusError{Status: resp.Status, Body: string(resp.Body)}
	}
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Body, out)
}

func (s *Session) replayAs(uid int64) offline.ReplayFunc {
	return func(ctx context.Context, a offline.Action) error {
		if s.tokens.Get().UserID != uid {
			return errOtherUser
		}
		return s.replay(ctx, a)
	}
}

func (s *Session) replay(ctx context.Context, a offline.Action) error {
	resp, err := s.gw.Do(ctx, gateway.Request{
		Method:         a.Method,
		Path:           a.URL,
		Body:           a.Body,
		IdempotencyKey: a.ID,
	})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return &gateway.StatusError{Status: resp.Status, Body: string(resp.Body)}
	}
	return nil
}

// Flush replays the offline queue now.
func (s *Session) Flush(ctx context.Context) ([]offline.Action, error) {
	q, uid := s.currentQueue()
	return q.Flush(ctx, s.replayAs(uid))
}

// Realtime returns the session's websocket client, creating it on first use
// or after a logout closed the previous one.
func (s *Session) Realtime() *realtime.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rt != nil {
		return s.rt
	}
	cfg := s.cfg.Realtime
	cfg.URL = s.cfg.WSURL
	cfg.Token = func() string { return s.tokens.Get().AccessToken }
	cfg.OnUnauthorized = func(ctx context.Context) error {
		_, err := s.gw.Refresh(ctx)
		return err
	}
	onState := cfg.OnState
	cfg.OnState = func(st realtime.State) {
		switch st {
		case realtime.StateConnected:
			s.Queue().SetOnline(true)
		case realtime.StateReconnecting:
			s.Queue().SetOnline(false)
		}
		if onState != nil {
			onState(st)
		}
	}
	if cfg.Log == nil {
		cfg.Log = s.log.Named("realtime")
	}
	s.rt = realtime.New(cfg)
	return s.rt
}

// Connect opens the realtime channel. A refused handshake gets one token
// refresh before giving up.
func (s *Session) Connect(ctx context.Context) error {
	rt := s.Realtime()
	err := rt.Connect(ctx)
	if !errors.Is(err, realtime.ErrUnauthorized) {
		return err
	}
	if _, rerr := s.gw.Refresh(ctx); rerr != nil {
		return errors.Join(err, rerr)
	}
	return rt.Connect(ctx)
}

func (s *Session) closeRealtime() {
	s.mu.Lock()
	rt := s.rt
	s.rt = nil
	s.mu.Unlock()
	if rt != nil {
		_ = rt.Close()
	}
}

// Close drops the realtime connection and waits for background flushes.
func (s *Session) Close() error {
	s.closeRealtime()
	s.mu.Lock()
	queues := make([]*offline.Queue, 0, len(s.queues))
	for _, q := range s.queues {
		queues = append(queues, q)
	}
	s.mu.Unlock()
	for _, q := range queues {
		q.Wait()
	}
	return nil
}
