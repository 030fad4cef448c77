package hub

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrBackpressure = errors.New("outbound queue full")
	ErrClosed       = errors.New("connection closed")
)

// Conn is one live realtime connection. The transport drains Out until Done
// is closed.
type Conn struct {
	ID          string
	UID         int64
	SessionID   string
	ConnectedAt time.Time

	// bounded outbound queue (backpressure)
	Out chan []byte

	rooms     map[string]struct{} // guarded by Hub.mu
	closeOnce sync.Once
	done      chan struct{}
}

func NewConn(uid int64, sessionID string, queue int) *Conn {
	if queue <= 0 {
		queue = 256
	}
	return &Conn{
		ID:          uuid.NewString(),
		UID:         uid,
		SessionID:   sessionID,
		ConnectedAt: time.Now(),
		Out:         make(chan []byte, queue),
		rooms:       make(map[string]struct{}),
		done:        make(chan struct{}),
	}
}

// Send queues b without blocking.
func (c *Conn) Send(b []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.Out <- b:
		return nil
	default:
		return ErrBackpressure
	}
}

// Close asks the transport to tear the connection down. Safe to call many times.
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Conn) Done() <-chan struct{} { return c.done }
