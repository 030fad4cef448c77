package breaker

import (
	"sync"
	"time"
)

// Breaker is a per key circuit breaker (key = broker channel, remote node...).
// Threshold failures inside Window open the key for OpenFor; any success closes it.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	openFor   time.Duration
	now       func() time.Time

	state map[string]*keyState
}

type keyState struct {
	fails     int
	firstFail time.Time
	openUntil time.Time
}

type Options struct {
	Threshold int
	Window    time.Duration
	OpenFor   time.Duration
}

func New(opt Options) *Breaker {
	if opt.Threshold <= 0 {
		opt.Threshold = 5
	}
	if opt.Window <= 0 {
		opt.Window = 10 * time.Second
	}
	if opt.OpenFor <= 0 {
		opt.OpenFor = 5 * time.Second
	}
	return &Breaker{
		threshold: opt.Threshold,
		window:    opt.Window,
		openFor:   opt.OpenFor,
		now:       time.Now,
		state:     make(map[string]*keyState),
	}
}

// Allow reports whether a call for key may go through. After OpenFor one
// probe is let through; its outcome decides whether the key stays open.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.state[key]
	if !ok {
		return true
	}
	return s.openUntil.IsZero() || !b.now().Before(s.openUntil)
}

func (b *Breaker) Success(key string) {
	b.mu.Lock()
	delete(b.state, key)
	b.mu.Unlock()
}

// Failure records a failed call and reports whether it opened the breaker.
func (b *Breaker) Failure(key string) (opened bool) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.state[key]
	if !ok || now.Sub(s.firstFail) > b.window {
		s = &keyState{firstFail: now}
		b.state[key] = s
	}
	s.fails++
	if s.fails >= b.threshold {
		s.openUntil = now.Add(b.openFor)
		s.fails = 0
		s.firstFail = now
		return true
	}
	return false
}
