package server

import (
	"sync"
	"time"
)

// idleTimer runs expire once no request has touched a session for ttl.
// A zero ttl never expires.
type idleTimer struct {
	ttl time.Duration

	mu     sync.Mutex
	t      *time.Timer
	paused bool
	done   bool
}

func newIdleTimer(ttl time.Duration, expire func()) *idleTimer {
	it := &idleTimer{ttl: ttl}
	if ttl > 0 {
		it.t = time.AfterFunc(ttl, expire)
	}
	return it
}

// touch restarts the countdown unless it is paused.
func (it *idleTimer) touch() {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.t != nil && !it.paused && !it.done {
		it.t.Reset(it.ttl)
	}
}

// pause holds the countdown while a client is attached; resume restarts it.
func (it *idleTimer) pause() {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.paused = true
	if it.t != nil {
		it.t.Stop()
	}
}

func (it *idleTimer) resume() {
	it.mu.Lock()
	it.paused = false
	it.mu.Unlock()
	it.touch()
}

func (it *idleTimer) stop() {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.done = true
	if it.t != nil {
		it.t.Stop()
	}
}
