// Package camera provides frame sources and the exclusive-ownership discipline
// that enrollment and verification sessions use to share one camera.
package camera

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/andresmejia3/facegate/internal/types"
)

// Source opens live frame streams.
type Source interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream is an open camera. Frame returns the most recent JPEG frame.
type Stream interface {
	Frame(ctx context.Context) ([]byte, error)
	Close() error
}

// Manager hands out the camera to one owner at a time.
type Manager struct {
	src Source

	mu    sync.Mutex
	owner string
}

// NewManager wraps src with single-owner leasing.
func NewManager(src Source) *Manager {
	return &Manager{src: src}
}

// Acquire opens the camera for owner. It fails with types.ErrResourceUnavailable
// when another owner holds the camera or the device cannot be opened.
func (m *Manager) Acquire(ctx context.Context, owner string) (*Lease, error) {
	m.mu.Lock()
	if m.owner != "" {
		held := m.owner
		m.mu.Unlock()
		return nil, fmt.Errorf("held by %s: %w", held, types.ErrResourceUnavailable)
	}
	m.owner = owner
	m.mu.Unlock()

	stream, err := m.src.Open(ctx)
	if err != nil {
		m.mu.Lock()
		m.owner = ""
		m.mu.Unlock()
		return nil, fmt.Errorf("%v: %w", err, types.ErrResourceUnavailable)
	}

	slog.Debug("camera acquired", "owner", owner)
	return &Lease{m: m, owner: owner, stream: stream}, nil
}

// Owner returns the current holder, or "" when the camera is free.
func (m *Manager) Owner() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner
}

// Lease is a live camera held by one session.
type Lease struct {
	m      *Manager
	owner  string
	stream Stream
	once   sync.Once
}

// Frame grabs the current frame.
func (l *Lease) Frame(ctx context.Context) ([]byte, error) {
	return l.stream.Frame(ctx)
}

// Release closes the stream and frees the camera. Only the first call has an effect.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		if err := l.stream.Close(); err != nil {
			slog.Warn("camera close failed", "owner", l.owner, "error", err)
		}
		l.m.mu.Lock()
		if l.m.owner == l.owner {
			l.m.owner = ""
		}
		l.m.mu.Unlock()
		slog.Debug("camera released", "owner", l.owner)
	})
}
