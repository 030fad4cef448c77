// Package realtime is the client side of the /ws channel: it authenticates
// the handshake with the current access token, dispatches typed frames to
// subscribers and reconnects with jittered exponential backoff, restoring
// joined conversations and presence interest on every new connection.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/lzyats/yuim/pkg/protocol"
)

var (
	ErrClosed           = errors.New("realtime: client closed")
	ErrNotConnected     = errors.New("realtime: not connected")
	ErrUnauthorized     = errors.New("realtime: handshake unauthorized")
	ErrNotAuthenticated = errors.New("realtime: server did not confirm authentication")
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// AnyType subscribes to every frame type.
const AnyType = "*"

type Config struct {
	URL string
	// Token returns the access token used for each handshake.
	Token func() string
	// OnUnauthorized runs when a reconnect handshake is refused, typically
	// to refresh the token. An error stops reconnecting.
	OnUnauthorized func(ctx context.Context) error
	OnState        func(State)

	BaseDelay   time.Duration // default 1s
	MaxDelay    time.Duration // default 30s
	MaxAttempts int           // 0 retries forever
	// StableAfter resets the backoff once a connection lived this long.
	StableAfter time.Duration // default 60s
	Heartbeat   time.Duration // default 25s, <0 disables
	DialTimeout time.Duration // default 10s
	ReadLimit   int64         // default 64KiB

	Log *zap.Logger
}

func (cfg *Config) defaults() {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = time.Minute
	}
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = 25 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 64 << 10
	}
	if cfg.Token == nil {
		cfg.Token = func() string { return "" }
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
}

// Handler receives frames on the client's read goroutine, in arrival order.
// It must not block for long.
type Handler func(protocol.Frame)

type Client struct {
	cfg Config

	writeMu sync.Mutex

	mu          sync.Mutex
	conn        *websocket.Conn
	connCancel  context.CancelFunc
	connectedAt time.Time
	state       State
	userID      int64
	closed      bool
	done        chan struct{}
	attempts    int
	reconnect   bool

	handlers map[string]map[uint64]Handler
	nextSub  uint64
	pending  map[string]chan struct{}
	joined   map[int64]struct{}
	presence bool
	notify   bool
}

func New(cfg Config) *Client {
	cfg.defaults()
	return &Client{
		cfg:      cfg,
		state:    StateDisconnected,
		done:     make(chan struct{}),
		handlers: make(map[string]map[uint64]Handler),
		pending:  make(map[string]chan struct{}),
		joined:   make(map[int64]struct{}),
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UserID is the identity confirmed by the last handshake.
func (c *Client) UserID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed && c.cfg.OnState != nil {
		c.cfg.OnState(s)
	}
}

// Connect dials once. Later drops are recovered in the background.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	c.setState(StateConnecting)
	if err := c.dial(ctx); err != nil {
		c.setState(StateDisconnected)
		return err
	}
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	hdr := http.Header{}
	if tok := c.cfg.Token(); tok != "" {
		hdr.Set("Authorization", "Bearer "+tok)
	}
	conn, resp, err := websocket.Dial(ctx, c.cfg.URL, &websocket.DialOptions{HTTPHeader: hdr})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return fmt.Errorf("realtime: dial: %w", err)
	}
	conn.SetReadLimit(c.cfg.ReadLimit)

	// the server speaks first
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusProtocolError, "no greeting")
		return fmt.Errorf("realtime: read greeting: %w", err)
	}
	hello, err := protocol.Decode(data)
	if err != nil || hello.Type != protocol.Authenticated {
		conn.Close(websocket.StatusProtocolError, "unexpected greeting")
		return ErrNotAuthenticated
	}
	var who protocol.UserRef
	_ = hello.DecodePayload(&who)

	lctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "")
		return ErrClosed
	}
	c.conn = conn
	c.connCancel = cancel
	c.connectedAt = time.Now()
	c.reconnect = false
	c.userID = who.UserID
	joins := make([]int64, 0, len(c.joined))
	for uid := range c.joined {
		joins = append(joins, uid)
	}
	wantPresence, wantNotify := c.presence, c.notify
	c.mu.Unlock()

	c.setState(StateConnected)
	c.cfg.Log.Info("realtime connected", zap.Int64("uid", who.UserID))
	c.dispatch(hello)

	go c.readLoop(lctx, conn)
	if c.cfg.Heartbeat > 0 {
		go c.heartbeatLoop(lctx, conn)
	}

	for _, uid := range joins {
		if err := c.write(lctx, protocol.MessagesJoinConversation, "", protocol.JoinConversation{OtherUserID: uid}); err != nil {
			c.cfg.Log.Warn("rejoin failed", zap.Int64("peer", uid), zap.Error(err))
		}
	}
	if wantNotify {
		_ = c.write(lctx, protocol.NotificationsSubscribe, "", nil)
	}
	if wantPresence {
		_ = c.write(lctx, protocol.PresenceOnline, "", nil)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.lost(conn, err)
			return
		}
		f, err := protocol.Decode(data)
		if err != nil {
			c.cfg.Log.Debug("bad frame", zap.Error(err))
			continue
		}
		if f.Type == protocol.Pong && f.ID != "" {
			c.mu.Lock()
			if ch, ok := c.pending[f.ID]; ok {
				delete(c.pending, f.ID)
				close(ch)
			}
			c.mu.Unlock()
		}
		c.dispatch(f)
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(c.cfg.Heartbeat)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, c.cfg.Heartbeat)
			err := c.Ping(pctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				c.cfg.Log.Info("heartbeat missed", zap.Error(err))
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// lost handles the end of conn. Only the current connection schedules a
// reconnect, and never after Close.
func (c *Client) lost(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connCancel()
	if time.Since(c.connectedAt) >= c.cfg.StableAfter {
		c.attempts = 0
	}
	closed := c.closed
	start := !closed && !c.reconnect
	if start {
		c.reconnect = true
	}
	c.mu.Unlock()

	if closed {
		c.setState(StateDisconnected)
		return
	}
	c.cfg.Log.Info("realtime connection lost", zap.Error(err))
	if start {
		c.setState(StateReconnecting)
		go c.reconnectLoop()
	}
}

// Backoff is the wait before reconnect attempt n (0 based): the base delay
// doubled per attempt, capped, plus up to half a base delay of jitter.
func Backoff(base, maxDelay time.Duration, attempt int) time.Duration {
	d := maxDelay
	if attempt < 32 {
		if f := float64(base) * math.Pow(2, float64(attempt)); f < float64(maxDelay) {
			d = time.Duration(f)
		}
	}
	if j := int64(base / 2); j > 0 {
		d += time.Duration(rand.Int63n(j))
	}
	return d
}

// reconnectLoop runs until a dial succeeds (dial clears c.reconnect) or it
// gives up.
func (c *Client) reconnectLoop() {
	giveUp := func() {
		c.mu.Lock()
		c.reconnect = false
		c.mu.Unlock()
		c.setState(StateDisconnected)
	}
	for {
		c.mu.Lock()
		attempt := c.attempts
		if c.cfg.MaxAttempts > 0 && attempt >= c.cfg.MaxAttempts {
			c.mu.Unlock()
			c.cfg.Log.Warn("realtime reconnect gave up", zap.Int("attempts", attempt))
			giveUp()
			return
		}
		c.attempts++
		c.mu.Unlock()

		select {
		case <-c.done:
			return
		case <-time.After(Backoff(c.cfg.BaseDelay, c.cfg.MaxDelay, attempt)):
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
		err := c.dial(ctx)
		cancel()
		switch {
		case err == nil:
			return
		case errors.Is(err, ErrClosed):
			return
		case errors.Is(err, ErrUnauthorized) && c.cfg.OnUnauthorized != nil:
			rctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
			rerr := c.cfg.OnUnauthorized(rctx)
			cancel()
			if rerr != nil {
				c.cfg.Log.Warn("realtime auth lost", zap.Error(rerr))
				giveUp()
				return
			}
		default:
			c.cfg.Log.Debug("reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
		}
	}
}

// Subscription removes its handler on Cancel. Cancel is idempotent.
type Subscription struct {
	once   sync.Once
	cancel func()
}

func (s *Subscription) Cancel() { s.once.Do(s.cancel) }

// Subscribe registers h for frames of typ, or AnyType for all.
func (c *Client) Subscribe(typ string, h Handler) *Subscription {
	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	if c.handlers[typ] == nil {
		c.handlers[typ] = make(map[uint64]Handler)
	}
	c.handlers[typ][id] = h
	c.mu.Unlock()

	return &Subscription{cancel: func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[typ], id)
		if len(c.handlers[typ]) == 0 {
			delete(c.handlers, typ)
		}
	}}
}

func (c *Client) dispatch(f protocol.Frame) {
	c.mu.Lock()
	hs := make([]Handler, 0, len(c.handlers[f.Type])+len(c.handlers[AnyType]))
	for _, h := range c.handlers[f.Type] {
		hs = append(hs, h)
	}
	for _, h := range c.handlers[AnyType] {
		hs = append(hs, h)
	}
	c.mu.Unlock()

	for _, h := range hs {
		h(f)
	}
}

func (c *Client) write(ctx context.Context, typ, id string, payload any) error {
	b, err := protocol.EncodeReply(typ, id, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.Write(ctx, websocket.MessageText, b)
}

// Ping round trips a ping frame and waits for the matching pong.
func (c *Client) Ping(ctx context.Context) error {
	id := uuid.NewString()
	ch := make(chan struct{})
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, protocol.Ping, id, nil); err != nil {
		return err
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// JoinConversation joins the room shared with peer. The join is replayed
// after every reconnect; while disconnected it is only recorded.
func (c *Client) JoinConversation(ctx context.Context, peer int64) error {
	c.mu.Lock()
	c.joined[peer] = struct{}{}
	c.mu.Unlock()
	err := c.write(ctx, protocol.MessagesJoinConversation, "", protocol.JoinConversation{OtherUserID: peer})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// SubscribeNotifications asks for the unread counters now and after every reconnect.
func (c *Client) SubscribeNotifications(ctx context.Context) error {
	c.mu.Lock()
	c.notify = true
	c.mu.Unlock()
	err := c.write(ctx, protocol.NotificationsSubscribe, "", nil)
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// WatchPresence subscribes to presence changes of every user.
func (c *Client) WatchPresence(ctx context.Context) error {
	c.mu.Lock()
	c.presence = true
	c.mu.Unlock()
	err := c.write(ctx, protocol.PresenceOnline, "", nil)
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

func (c *Client) SendMessage(ctx context.Context, m protocol.Send) error {
	return c.write(ctx, protocol.MessagesSend, m.ClientMsgID, m)
}

func (c *Client) Typing(ctx context.Context, receiver int64) error {
	return c.write(ctx, protocol.MessagesTyping, "", protocol.Typing{ReceiverID: receiver})
}

func (c *Client) MarkRead(ctx context.Context, notificationID int64) error {
	return c.write(ctx, protocol.NotificationsMarkRead, "", protocol.MarkRead{ID: notificationID})
}

// Close stops reconnecting and closes the current connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		c.setState(StateDisconnected)
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "bye")
}
