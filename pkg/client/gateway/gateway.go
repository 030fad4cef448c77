// Package gateway is the client's HTTP entry point. It attaches the access
// token, refreshes it once on an auth failure shared by every caller that
// hit the same failure, and retries the original call exactly once.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/lzyats/yuim/pkg/client/tokens"
)

var (
	// ErrRefreshExhausted: there was nothing to refresh with, or the server
	// refused the refresh. The session is over.
	ErrRefreshExhausted = errors.New("gateway: refresh exhausted")
	// ErrUnauthorized: the retry after a successful refresh was refused too.
	ErrUnauthorized = errors.New("gateway: unauthorized")
	// ErrTransient: the request never got an answer from the server.
	ErrTransient = errors.New("gateway: transient failure")
)

// Refresher exchanges a refresh token for a new pair.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (tokens.Pair, error)
}

type Request struct {
	Method string
	Path   string // joined to the base URL; absolute URLs are used as is
	Body   []byte
	Header http.Header

	// IdempotencyKey is sent as Idempotency-Key; queued replays set it.
	IdempotencyKey string
}

type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

func (r *Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

// StatusError is returned by JSON for non 2xx answers.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway: status %d: %s", e.Status, strings.TrimSpace(e.Body))
}

type Option func(*Gateway)

func WithHTTPClient(c *http.Client) Option { return func(g *Gateway) { g.http = c } }

func WithLogger(l *zap.Logger) Option { return func(g *Gateway) { g.log = l } }

// WithOnLogout is called once per terminal auth failure, after tokens were cleared.
func WithOnLogout(fn func(error)) Option { return func(g *Gateway) { g.onLogout = fn } }

func WithRefreshTimeout(d time.Duration) Option { return func(g *Gateway) { g.refreshTimeout = d } }

type Gateway struct {
	baseURL   string
	http      *http.Client
	tokens    *tokens.Store
	refresher Refresher

	flight         singleflight.Group
	refreshTimeout time.Duration
	onLogout       func(error)
	log            *zap.Logger
}

func New(baseURL string, store *tokens.Store, r Refresher, opts ...Option) *Gateway {
	g := &Gateway{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           &http.Client{Timeout: 15 * time.Second},
		tokens:         store,
		refresher:      r,
		refreshTimeout: 10 * time.Second,
		log:            zap.NewNop(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Gateway) Tokens() *tokens.Store { return g.tokens }

func needsRefresh(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

// Do sends req with the current access token. Non auth HTTP errors are
// returned as a Response, not an error.
func (g *Gateway) Do(ctx context.Context, req Request) (*Response, error) {
	pair, gen := g.tokens.Snapshot()
	resp, err := g.send(ctx, req, pair.AccessToken)
	if err != nil {
		return nil, err
	}
	if !needsRefresh(resp.Status) {
		return resp, nil
	}

	access, err := g.refresh(ctx, gen)
	if err != nil {
		return nil, err
	}

	resp, err = g.send(ctx, req, access)
	if err != nil {
		return nil, err
	}
	if needsRefresh(resp.Status) {
		g.logout(ErrUnauthorized)
		return nil, ErrUnauthorized
	}
	return resp, nil
}

// Request is Do for a raw body.
func (g *Gateway) Request(ctx context.Context, method, path string, body []byte) (*Response, error) {
	return g.Do(ctx, Request{Method: method, Path: path, Body: body})
}

// Refresh forces a token exchange outside a failed request, e.g. after the
// websocket handshake was refused.
func (g *Gateway) Refresh(ctx context.Context) (string, error) {
	return g.refresh(ctx, g.tokens.Generation())
}

// refresh returns an access token newer than generation seen. Concurrent
// callers share one exchange.
func (g *Gateway) refresh(ctx context.Context, seen uint64) (string, error) {
	cur, gen := g.tokens.Snapshot()
	if gen != seen && cur.AccessToken != "" {
		// someone refreshed (or logged in) since our request went out
		return cur.AccessToken, nil
	}
	if cur.RefreshToken == "" {
		g.logout(ErrRefreshExhausted)
		return "", ErrRefreshExhausted
	}

	ch := g.flight.DoChan("refresh", func() (any, error) {
		if now, nowGen := g.tokens.Snapshot(); nowGen != gen {
			// a flight that just settled already moved the pair on
			if now.AccessToken == "" {
				return nil, ErrRefreshExhausted
			}
			return now.AccessToken, nil
		}
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.refreshTimeout)
		defer cancel()

		next, err := g.refresher.Refresh(fctx, cur.RefreshToken)
		if err != nil {
			if errors.Is(err, ErrTransient) {
				return nil, err
			}
			g.log.Info("refresh rejected", zap.Error(err))
			if g.tokens.Generation() == gen {
				g.logout(ErrRefreshExhausted)
			}
			return nil, fmt.Errorf("%w: %w", ErrRefreshExhausted, err)
		}
		if next.UserID == 0 {
			next.UserID = cur.UserID
		}
		ok, err := g.tokens.SetIf(gen, next)
		if err != nil {
			g.log.Warn("token save failed", zap.Error(err))
		}
		if !ok {
			// logged out (or re-logged in) while the exchange was in flight
			now := g.tokens.Get()
			if now.AccessToken == "" {
				return nil, ErrRefreshExhausted
			}
			return now.AccessToken, nil
		}
		return next.AccessToken, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (g *Gateway) logout(reason error) {
	if err := g.tokens.Clear(); err != nil {
		g.log.Warn("token clear failed", zap.Error(err))
	}
	if g.onLogout != nil {
		g.onLogout(reason)
	}
}

func (g *Gateway) url(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return g.baseURL + "/" + strings.TrimLeft(path, "/")
}

func (g *Gateway) send(ctx context.Context, req Request, access string) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	hr, err := http.NewRequestWithContext(ctx, req.Method, g.url(req.Path), body)
	if err != nil {
		return nil, fmt.Errorf("gateway: build request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hr.Header.Add(k, v)
		}
	}
	if req.Body != nil && hr.Header.Get("Content-Type") == "" {
		hr.Header.Set("Content-Type", "application/json")
	}
	if access != "" {
		hr.Header.Set("Authorization", "Bearer "+access)
	}
	if req.IdempotencyKey != "" {
		hr.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}
	hr.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := g.http.Do(hr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", ErrTransient, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrTransient, err)
	}
	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: b}, nil
}

// JSON is Do with JSON in and out. out may be nil.
func (g *Gateway) JSON(ctx context.Context, method, path string, in, out any) error {
	req := Request{Method: method, Path: path}
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		req.Body = b
	}
	resp, err := g.Do(ctx, req)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return &StatusError{Status: resp.Status, Body: string(resp.Body)}
	}
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Body, out)
}

// HTTPRefresher calls the server's refresh endpoint.
type HTTPRefresher struct {
	BaseURL string
	Path    string // default /v1/auth/refresh
	HTTP    *http.Client
}

func (r HTTPRefresher) Refresh(ctx context.Context, refreshToken string) (tokens.Pair, error) {
	path := r.Path
	if path == "" {
		path = "/v1/auth/refresh"
	}
	cli := r.HTTP
	if cli == nil {
		cli = http.DefaultClient
	}
	b, _ := json.Marshal(map[string]string{"refresh_token": refreshToken})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(r.BaseURL, "/")+path, bytes.NewReader(b))
	if err != nil {
		return tokens.Pair{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := cli.Do(req)
	if err != nil {
		return tokens.Pair{}, fmt.Errorf("%w: %w", ErrTransient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := &StatusError{Status: resp.StatusCode, Body: string(msg)}
		if resp.StatusCode >= 500 {
			return tokens.Pair{}, fmt.Errorf("%w: %w", ErrTransient, err)
		}
		return tokens.Pair{}, err
	}
	return DecodePair(resp.Body)
}

// DecodePair reads the server's token pair body.
func DecodePair(r io.Reader) (tokens.Pair, error) {
	var tp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(r).Decode(&tp); err != nil {
		return tokens.Pair{}, fmt.Errorf("decode token pair: %w", err)
	}
	if tp.AccessToken == "" {
		return tokens.Pair{}, errors.New("decode token pair: empty access token")
	}
	p := tokens.Pair{AccessToken: tp.AccessToken, RefreshToken: tp.RefreshToken}
	if tp.ExpiresIn > 0 {
		p.ExpiresAt = time.Now().Add(time.Duration(tp.ExpiresIn) * time.Second)
	}
	return p, nil
}
