package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lzyats/yuim/pkg/client/gateway"
	"github.com/lzyats/yuim/pkg/client/offline"
)

// flakyTransport fails every round trip while down is set.
type flakyTransport struct {
	down atomic.Bool
}

func (f *flakyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if f.down.Load() {
		return nil, errors.New("dial tcp: network is unreachable")
	}
	return http.DefaultTransport.RoundTrip(r)
}

type apiServer struct {
	mu      sync.Mutex
	posts   []string // Idempotency-Key of every POST /v1/messages
	logouts int
}

func newAPIServer(t *testing.T) (*apiServer, *httptest.Server) {
	a := &apiServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UserID   int64  `json:"user_id"`
			Password string `json:"password"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Password != "pw" {
			http.Error(w, "bad credentials", http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "a1", "refresh_token": "r1", "expires_in": 900})
	})
	mux.HandleFunc("/v1/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		a.logouts++
		a.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/v1/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer a1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Method == http.MethodPost {
			a.mu.Lock()
			a.posts = append(a.posts, r.Header.Get("Idempotency-Key"))
			a.mu.Unlock()
			w.WriteHeader(http.StatusCreated)
		}
		_, _ = w.Write([]byte(`{"items":[]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return a, srv
}

func (a *apiServer) postKeys() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.posts...)
}

func newSession(t *testing.T, srv *httptest.Server, cfg Config) (*Session, *flakyTransport) {
	t.Helper()
	ft := &flakyTransport{}
	cfg.BaseURL = srv.URL
	cfg.HTTP = &http.Client{Transport: ft}
	s, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, ft
}

func TestLogin(t *testing.T) {
	_, srv := newAPIServer(t)
	s, _ := newSession(t, srv, Config{})

	err := s.Login(context.Background(), 1, "wrong")
	var se *gateway.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.Status)
	assert.False(t, s.LoggedIn())

	require.NoError(t, s.Login(context.Background(), 1, "pw"))
	p := s.Tokens().Get()
	assert.Equal(t, "a1", p.AccessToken)
	assert.Equal(t, int64(1), p.UserID)
}

func TestOfflineMutationIsQueuedAndReplayedWithSameKey(t *testing.T) {
	a, srv := newAPIServer(t)
	s, ft := newSession(t, srv, Config{})
	require.NoError(t, s.Login(context.Background(), 1, "pw"))

	ft.down.Store(true)
	_, err := s.Do(context.Background(), http.MethodPost, "/v1/messages", map[string]any{"receiver_id": 2, "content": "hi"})
	require.ErrorIs(t, err, ErrQueued)
	require.ErrorIs(t, err, gateway.ErrTransient)
	var qe *QueuedError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, 1, s.Queue().Len())

	// reads are never queued
	_, err = s.Do(context.Background(), http.MethodGet, "/v1/messages?peer_id=2", nil)
	assert.ErrorIs(t, err, gateway.ErrTransient)
	assert.NotErrorIs(t, err, ErrQueued)
	assert.Equal(t, 1, s.Queue().Len())

	ft.down.Store(false)
	left, err := s.Flush(context.Background())
	require.NoError(t, err)
	assert.Empty(t, left)
	assert.Equal(t, []string{qe.ActionID}, a.postKeys(), "replay reuses the queued id as Idempotency-Key")
}

func TestRecoveryFlushesInBackground(t *testing.T) {
	a, srv := newAPIServer(t)
	s, ft := newSession(t, srv, Config{QueueDir: t.TempDir()})
	require.NoError(t, s.Login(context.Background(), 1, "pw"))

	ft.down.Store(true)
	_, err := s.Do(context.Background(), http.MethodPost, "/v1/messages", map[string]any{"receiver_id": 2, "content": "a"})
	require.ErrorIs(t, err, ErrQueued)
	_, err = s.Do(context.Background(), http.MethodPost, "/v1/messages", map[string]any{"receiver_id": 2, "content": "b"})
	require.ErrorIs(t, err, ErrQueued)
	assert.False(t, s.Queue().Online())

	ft.down.Store(false)
	var out struct {
		Items []any `json:"items"`
	}
	require.NoError(t, s.JSON(context.Background(), http.MethodGet, "/v1/messages?peer_id=2", nil, &out))
	s.Queue().Wait()

	assert.Equal(t, 0, s.Queue().Len())
	assert.Len(t, a.postKeys(), 2)
}

func TestQueueSurvivesSessionRestart(t *testing.T) {
	_, srv := newAPIServer(t)
	dir := t.TempDir()
	cfg := Config{QueueDir: dir, TokenFile: filepath.Join(dir, "tokens.json")}

	s, ft := newSession(t, srv, cfg)
	require.NoError(t, s.Login(context.Background(), 1, "pw"))
	ft.down.Store(true)
	_, err := s.Do(context.Background(), http.MethodDelete, "/v1/messages", nil)
	require.ErrorIs(t, err, ErrQueued)
	require.NoError(t, s.Close())

	again, _ := newSession(t, srv, cfg)
	assert.True(t, again.LoggedIn())
	require.Equal(t, 1, again.Queue().Len())
	assert.Equal(t, http.MethodDelete, again.Queue().Pending()[0].Method)
}

func TestLogout(t *testing.T) {
	a, srv := newAPIServer(t)
	s, _ := newSession(t, srv, Config{})
	require.NoError(t, s.Login(context.Background(), 1, "pw"))

	require.NoError(t, s.Logout(context.Background()))
	assert.False(t, s.LoggedIn())
	a.mu.Lock()
	assert.Equal(t, 1, a.logouts)
	a.mu.Unlock()
}

func TestQueuedActionsStayWithTheirUser(t *testing.T) {
	a, srv := newAPIServer(t)
	s, ft := newSession(t, srv, Config{})
	ctx := context.Background()
	require.NoError(t, s.Login(ctx, 1, "pw"))

	ft.down.Store(true)
	_, err := s.Do(ctx, http.MethodPost, "/v1/messages", map[string]any{"receiver_id": 2, "content": "from 1"})
	var qe *QueuedError
	require.ErrorAs(t, err, &qe)
	ft.down.Store(false)

	require.NoError(t, s.Logout(ctx))
	require.NoError(t, s.Login(ctx, 7, "pw"))
	s.Queue().Wait()
	assert.Empty(t, a.postKeys(), "user 1's action must not replay under user 7")
	assert.Equal(t, 0, s.Queue().Len())

	_, err = s.Flush(ctx)
	require.NoError(t, err)
	assert.Empty(t, a.postKeys())

	require.NoError(t, s.Logout(ctx))
	require.NoError(t, s.Login(ctx, 1, "pw"))
	s.Queue().Wait()
	assert.Equal(t, []string{qe.ActionID}, a.postKeys())
}

func TestFailedReplayPutsQueueOffline(t *testing.T) {
	a, srv := newAPIServer(t)
	s, ft := newSession(t, srv, Config{})
	ctx := context.Background()
	require.NoError(t, s.Login(ctx, 1, "pw"))
	s.Queue().Wait()
	require.True(t, s.Queue().Online())

	_, err := s.Queue().Enqueue(offline.Action{Method: http.MethodPost, URL: "/v1/messages", Body: []byte(`{"receiver_id":2,"content":"x"}`)})
	require.NoError(t, err)

	ft.down.Store(true)
	left, err := s.Flush(ctx)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.False(t, s.Queue().Online())

	// the next successful call flushes on its own
	ft.down.Store(false)
	var out struct {
		Items []any `json:"items"`
	}
	require.NoError(t, s.JSON(ctx, http.MethodGet, "/v1/messages?peer_id=2", nil, &out))
	s.Queue().Wait()
	assert.Equal(t, 0, s.Queue().Len())
	assert.Len(t, a.postKeys(), 1)
}
