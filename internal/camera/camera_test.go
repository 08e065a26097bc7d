package camera

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/andresmejia3/facegate/internal/types"
)

// countingSource records how often the camera was opened and closed.
type countingSource struct {
	opens   atomic.Int32
	closes  atomic.Int32
	openErr error
}

func (c *countingSource) Open(ctx context.Context) (Stream, error) {
	if c.openErr != nil {
		return nil, c.openErr
	}
	c.opens.Add(1)
	return &countingStream{src: c}, nil
}

type countingStream struct{ src *countingSource }

func (s *countingStream) Frame(ctx context.Context) ([]byte, error) { return []byte{0xFF, 0xD8}, nil }
func (s *countingStream) Close() error {
	s.src.closes.Add(1)
	return nil
}

func TestManager_ExclusiveOwnership(t *testing.T) {
	src := &countingSource{}
	m := NewManager(src)
	ctx := context.Background()

	lease, err := m.Acquire(ctx, "enroll-1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if m.Owner() != "enroll-1" {
		t.Errorf("Expected owner enroll-1, got %q", m.Owner())
	}

	if _, err := m.Acquire(ctx, "verify-1"); !errors.Is(err, types.ErrResourceUnavailable) {
		t.Fatalf("Expected ErrResourceUnavailable while held, got %v", err)
	}

	lease.Release()
	if m.Owner() != "" {
		t.Errorf("Expected camera free after release, got owner %q", m.Owner())
	}

	second, err := m.Acquire(ctx, "verify-1")
	if err != nil {
		t.Fatalf("Acquire after release failed: %v", err)
	}
	second.Release()
}

func TestLease_ReleaseIsIdempotent(t *testing.T) {
	src := &countingSource{}
	m := NewManager(src)

	lease, err := m.Acquire(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	lease.Release()
	lease.Release()
	lease.Release()

	if got := src.closes.Load(); got != 1 {
		t.Errorf("Expected exactly 1 close, got %d", got)
	}

	var nilLease *Lease
	nilLease.Release() // must not panic
}

func TestLease_StaleReleaseKeepsNewOwner(t *testing.T) {
	m := NewManager(&countingSource{})
	ctx := context.Background()

	first, _ := m.Acquire(ctx, "a")
	first.Release()
	second, err := m.Acquire(ctx, "b")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	first.Release()
	if m.Owner() != "b" {
		t.Errorf("Stale release cleared the new owner, got %q", m.Owner())
	}
	second.Release()
}

func TestManager_OpenFailure(t *testing.T) {
	m := NewManager(&countingSource{openErr: errors.New("permission denied")})

	_, err := m.Acquire(context.Background(), "s1")
	if !errors.Is(err, types.ErrResourceUnavailable) {
		t.Fatalf("Expected ErrResourceUnavailable, got %v", err)
	}
	if m.Owner() != "" {
		t.Errorf("Failed open must not keep ownership, got %q", m.Owner())
	}
}

func TestStillSource(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.jpg")
	b := filepath.Join(dir, "b.jpg")
	os.WriteFile(a, []byte{0xFF, 0xD8, 0x01, 0xFF, 0xD9}, 0644)
	os.WriteFile(b, []byte{0xFF, 0xD8, 0x02, 0xFF, 0xD9}, 0644)

	src, err := NewStillSourceFromFiles(a, b)
	if err != nil {
		t.Fatalf("NewStillSourceFromFiles failed: %v", err)
	}

	ctx := context.Background()
	st, err := src.Open(ctx)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	want := []byte{0x01, 0x02, 0x01}
	for i, w := range want {
		f, err := st.Frame(ctx)
		if err != nil {
			t.Fatalf("Frame %d failed: %v", i, err)
		}
		if f[2] != w {
			t.Errorf("Frame %d: expected marker %X, got %X", i, w, f[2])
		}
	}

	st.Close()
	if _, err := st.Frame(ctx); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("Expected ErrStreamClosed after close, got %v", err)
	}
}

func TestStillSource_Empty(t *testing.T) {
	if _, err := (&StillSource{}).Open(context.Background()); err == nil {
		t.Error("Expected error opening empty still source")
	}
	if _, err := NewStillSourceFromFiles("does-not-exist.jpg"); err == nil {
		t.Error("Expected error for missing file")
	}
}
