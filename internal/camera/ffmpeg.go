package camera

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/andresmejia3/facegate/internal/utils"
)

const megabyte = 1024 * 1024

// ErrStreamClosed is returned by Frame after the stream ended.
var ErrStreamClosed = errors.New("camera stream closed")

// FFmpegSource reads a capture device through ffmpeg's image2pipe MJPEG output.
type FFmpegSource struct {
	Format string // ffmpeg input driver, e.g. v4l2
	Device string // e.g. /dev/video0
	FPS    int
	Warmup time.Duration // how long Open waits for the first frame
}

// Open starts ffmpeg and blocks until the first frame arrives, so a missing
// or permission-denied device fails here rather than on the first capture.
func (s *FFmpegSource) Open(ctx context.Context) (Stream, error) {
	runCtx, cancel := context.WithCancel(context.Background())
	cmd := utils.NewFFmpegCameraCmd(runCtx, s.Format, s.Device, s.FPS)

	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	out, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	st := &ffmpegStream{
		cancel: cancel,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	go func() {
		st.pump(out)
		waitErr := cmd.Wait()
		st.finish(waitErr, stderrBuf.String())
	}()

	warmup := s.Warmup
	if warmup <= 0 {
		warmup = 5 * time.Second
	}
	timer := time.NewTimer(warmup)
	defer timer.Stop()

	select {
	case <-st.ready:
		return st, nil
	case <-st.done:
		st.cancel()
		return nil, st.err
	case <-timer.C:
		st.Close()
		return nil, fmt.Errorf("no frame from %s within %s", s.Device, warmup)
	case <-ctx.Done():
		st.Close()
		return nil, ctx.Err()
	}
}

type ffmpegStream struct {
	cancel context.CancelFunc

	mu     sync.Mutex
	latest []byte
	err    error

	readyOnce sync.Once
	ready     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func (st *ffmpegStream) pump(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)

	for scanner.Scan() {
		frame := make([]byte, len(scanner.Bytes()))
		copy(frame, scanner.Bytes())

		st.mu.Lock()
		st.latest = frame
		st.mu.Unlock()
		st.readyOnce.Do(func() { close(st.ready) })
	}
}

func (st *ffmpegStream) finish(waitErr error, stderr string) {
	st.mu.Lock()
	switch {
	case waitErr != nil && stderr != "":
		st.err = fmt.Errorf("ffmpeg: %w: %s", waitErr, stderr)
	case waitErr != nil:
		st.err = fmt.Errorf("ffmpeg: %w", waitErr)
	default:
		st.err = ErrStreamClosed
	}
	st.mu.Unlock()
	close(st.done)
}

func (st *ffmpegStream) Frame(ctx context.Context) ([]byte, error) {
	select {
	case <-st.ready:
	case <-st.done:
		return nil, st.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	select {
	case <-st.done:
		return nil, st.err
	default:
	}
	frame := make([]byte, len(st.latest))
	copy(frame, st.latest)
	return frame, nil
}

func (st *ffmpegStream) Close() error {
	st.closeOnce.Do(func() {
		st.cancel()
		<-st.done
	})
	return nil
}
