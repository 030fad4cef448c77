// Package hub is the connection registry: who is connected, from how many
// places, and which rooms each connection has joined.
package hub

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/lzyats/yuim/internal/auth"
	"github.com/lzyats/yuim/internal/metrics"
)

var ErrUnknownConn = errors.New("unknown connection")

// Authenticator validates an access token (signature, expiry, live session).
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*auth.Claims, error)
}

// Listener observes per user occupancy. Calls for one user arrive in order.
type Listener interface {
	OnConnectionAdded(uid int64)
	OnConnectionRemoved(uid int64)
}

// UserRoom is the personal room every connection of uid joins on register.
func UserRoom(uid int64) string { return "user:" + strconv.FormatInt(uid, 10) }

const userLockStripes = 64

type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Conn
	users map[int64]map[string]*Conn
	rooms map[string]map[string]*Conn

	// per user ordering of register/unregister + listener callbacks
	userLocks [userLockStripes]sync.Mutex

	authn    Authenticator
	tokenCfg auth.Config
	listener Listener
	log      *zap.Logger
}

type Options struct {
	Auth  Authenticator
	Token auth.Config
	Log   *zap.Logger
}

func New(opt Options) *Hub {
	if opt.Log == nil {
		opt.Log = zap.NewNop()
	}
	return &Hub{
		conns:    make(map[string]*Conn),
		users:    make(map[int64]map[string]*Conn),
		rooms:    make(map[string]map[string]*Conn),
		authn:    opt.Auth,
		tokenCfg: opt.Token,
		log:      opt.Log,
	}
}

// SetListener wires the presence tracker. Call before serving traffic.
func (h *Hub) SetListener(l Listener) { h.listener = l }

func (h *Hub) userLock(uid int64) *sync.Mutex {
	return &h.userLocks[uint64(uid)%userLockStripes]
}

// Authenticate runs once per connection attempt, before upgrade. Any error
// wraps auth.ErrHandshake and means the handshake must be refused.
func (h *Hub) Authenticate(r *http.Request) (*auth.Claims, error) {
	if h.authn == nil {
		return nil, auth.ErrHandshake
	}
	tok := auth.ExtractToken(r, h.tokenCfg.Header, h.tokenCfg.BearerPrefix, h.tokenCfg.QueryKey)
	return h.authn.Authenticate(r.Context(), tok)
}

// Register admits c and joins it to its personal room.
func (h *Hub) Register(c *Conn) {
	ul := h.userLock(c.UID)
	ul.Lock()
	defer ul.Unlock()

	h.mu.Lock()
	h.conns[c.ID] = c
	set, ok := h.users[c.UID]
	if !ok {
		set = make(map[string]*Conn)
		h.users[c.UID] = set
	}
	set[c.ID] = c
	h.joinLocked(c, UserRoom(c.UID))
	nConns, nUsers := len(h.conns), len(h.users)
	h.mu.Unlock()

	metrics.OnlineConns.Set(float64(nConns))
	metrics.OnlineUsers.Set(float64(nUsers))
	h.log.Debug("conn registered", zap.String("conn", c.ID), zap.Int64("uid", c.UID))
	if h.listener != nil {
		h.listener.OnConnectionAdded(c.UID)
	}
}

// Unregister removes the connection from every set it is in. Unknown ids are
// a no-op: socket errors and explicit closes race to get here.
func (h *Hub) Unregister(connID string) bool {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	ul := h.userLock(c.UID)
	ul.Lock()
	defer ul.Unlock()

	h.mu.Lock()
	if _, still := h.conns[connID]; !still {
		h.mu.Unlock()
		return false
	}
	delete(h.conns, connID)
	for room := range c.rooms {
		h.leaveLocked(c, room)
	}
	if set := h.users[c.UID]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(h.users, c.UID)
		}
	}
	nConns, nUsers := len(h.conns), len(h.users)
	h.mu.Unlock()

	c.Close()
	metrics.OnlineConns.Set(float64(nConns))
	metrics.OnlineUsers.Set(float64(nUsers))
	h.log.Debug("conn unregistered", zap.String("conn", connID), zap.Int64("uid", c.UID))
	if h.listener != nil {
		h.listener.OnConnectionRemoved(c.UID)
	}
	return true
}

func (h *Hub) JoinRoom(connID, room string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok {
		return ErrUnknownConn
	}
	h.joinLocked(c, room)
	return nil
}

func (h *Hub) LeaveRoom(connID, room string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok {
		return ErrUnknownConn
	}
	h.leaveLocked(c, room)
	return nil
}

func (h *Hub) joinLocked(c *Conn, room string) {
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*Conn)
		h.rooms[room] = members
	}
	members[c.ID] = c
	c.rooms[room] = struct{}{}
}

func (h *Hub) leaveLocked(c *Conn, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, c.ID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(c.rooms, room)
}

// ConnectionsFor returns the ids of uid's live connections, sorted.
func (h *Hub) ConnectionsFor(uid int64) []string {
	h.mu.RLock()
	set := h.users[uid]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	h.mu.RUnlock()
	sort.Strings(out)
	return out
}

// RoomMembers snapshots the connections joined to room.
func (h *Hub) RoomMembers(room string) []*Conn {
	h.mu.RLock()
	members := h.rooms[room]
	out := make([]*Conn, 0, len(members))
	for _, c := range members {
		out = append(out, c)
	}
	h.mu.RUnlock()
	return out
}

func (h *Hub) Rooms(connID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[connID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func (h *Hub) Get(connID string) (*Conn, bool) {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	return c, ok
}

// KickSession closes every connection opened with sessionID (server side
// logout). The transports unregister them as their loops exit.
func (h *Hub) KickSession(sessionID string) int {
	h.mu.RLock()
	var victims []*Conn
	for _, c := range h.conns {
		if c.SessionID == sessionID {
			victims = append(victims, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range victims {
		c.Close()
	}
	return len(victims)
}

// Kick closes every connection of uid.
func (h *Hub) Kick(uid int64) int {
	h.mu.RLock()
	set := h.users[uid]
	victims := make([]*Conn, 0, len(set))
	for _, c := range set {
		victims = append(victims, c)
	}
	h.mu.RUnlock()
	for _, c := range victims {
		c.Close()
	}
	return len(victims)
}

// CloseAll is used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	all := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		all = append(all, c)
	}
	h.mu.RUnlock()
	for _, c := range all {
		c.Close()
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	n := len(h.conns)
	h.mu.RUnlock()
	return n
}
