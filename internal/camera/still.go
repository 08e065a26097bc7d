package camera

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
)

// StillSource serves fixed images in rotation. The CLI uses it to enroll or
// verify from photos instead of a live device.
type StillSource struct {
	Frames [][]byte
}

// NewStillSourceFromFiles loads each path as one frame.
func NewStillSourceFromFiles(paths ...string) (*StillSource, error) {
	src := &StillSource{}
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", p, err)
		}
		src.Frames = append(src.Frames, data)
	}
	return src, nil
}

func (s *StillSource) Open(ctx context.Context) (Stream, error) {
	if len(s.Frames) == 0 {
		return nil, errors.New("still source has no frames")
	}
	return &stillStream{frames: s.Frames}, nil
}

type stillStream struct {
	mu     sync.Mutex
	frames [][]byte
	next   int
	closed bool
}

func (st *stillStream) Frame(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil, ErrStreamClosed
	}
	f := st.frames[st.next%len(st.frames)]
	st.next++
	return f, nil
}

func (st *stillStream) Close() error {
	st.mu.Lock()
	st.closed = true
	st.mu.Unlock()
	return nil
}
