package verify

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/facegate/internal/camera"
	"github.com/andresmejia3/facegate/internal/types"
)

type fakeSource struct {
	opens  atomic.Int32
	closes atomic.Int32
	gate   chan struct{} // when set, Open blocks until it is closed
}

func (f *fakeSource) Open(ctx context.Context) (camera.Stream, error) {
	f.opens.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	return &fakeStream{src: f}, nil
}

type fakeStream struct{ src *fakeSource }

func (s *fakeStream) Frame(ctx context.Context) ([]byte, error) { return []byte{0xFF, 0xD8, 0xFF, 0xD9}, nil }
func (s *fakeStream) Close() error {
	s.src.closes.Add(1)
	return nil
}

// queueEmbedder returns its scripted results in order, then repeats the last one.
type queueEmbedder struct {
	results []result
	calls   atomic.Int32
}

type result struct {
	det *types.Detection
	err error
}

func (q *queueEmbedder) Detect(ctx context.Context, frame []byte) (*types.Detection, error) {
	i := int(q.calls.Add(1)) - 1
	if i >= len(q.results) {
		i = len(q.results) - 1
	}
	r := q.results[i]
	return r.det, r.err
}

func face(d ...float64) result {
	return result{det: &types.Detection{Descriptor: types.FaceDescriptor(d)}}
}

var reference = types.NewReferenceSet("p1", []types.FaceDescriptor{{0, 0}, {1, 1}})

func TestStart_EmptyReferenceDoesNotTouchCamera(t *testing.T) {
	tests := []struct {
		name string
		ref  *types.ReferenceSet
	}{
		{"Nil set", nil},
		{"Empty set", types.NewReferenceSet("p1", nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeSource{}
			s := New(Config{}, tt.ref, camera.NewManager(src), &queueEmbedder{})

			if err := s.Start(context.Background()); !errors.Is(err, types.ErrNoReference) {
				t.Fatalf("Expected ErrNoReference, got %v", err)
			}
			if src.opens.Load() != 0 {
				t.Error("Camera must not be opened without references")
			}
			if s.State() != Idle {
				t.Errorf("Expected idle, got %s", s.State())
			}
		})
	}
}

func TestCapture_Match(t *testing.T) {
	src := &fakeSource{}
	mgr := camera.NewManager(src)
	s := New(Config{Grace: 20 * time.Millisecond}, reference, mgr, &queueEmbedder{results: []result{face(0, 0)}})

	var got []types.Verdict
	s.OnVerdict(func(v types.Verdict) { got = append(got, v) })

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	v, err := s.Capture(context.Background())
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if !v.IsValid || v.Confidence != 100 || v.Distance != 0 {
		t.Errorf("Expected exact match, got %+v", v)
	}
	if v.Message != "Identity verified with 100.00% confidence." {
		t.Errorf("Unexpected message %q", v.Message)
	}
	if len(got) != 1 || got[0] != v {
		t.Errorf("Expected the verdict to be emitted once, got %+v", got)
	}
	if s.State() != Decided {
		t.Errorf("Expected decided, got %s", s.State())
	}

	// The camera stays live for the grace delay, then is released exactly once.
	if mgr.Owner() == "" {
		t.Error("Camera released before the grace delay")
	}
	deadline := time.Now().Add(time.Second)
	for mgr.Owner() != "" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if mgr.Owner() != "" {
		t.Fatal("Camera not released after the grace delay")
	}
	s.Cancel()
	if src.closes.Load() != 1 {
		t.Errorf("Expected exactly one close, got %d", src.closes.Load())
	}
}

func TestCapture_NoMatchReleasesImmediately(t *testing.T) {
	src := &fakeSource{}
	mgr := camera.NewManager(src)
	// Distance 1 from {1,1}: confidence 0.
	s := New(Config{}, reference, mgr, &queueEmbedder{results: []result{face(2, 1)}})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	v, err := s.Capture(context.Background())
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if v.IsValid || v.Confidence != 0 {
		t.Errorf("Expected rejection with 0 confidence, got %+v", v)
	}
	if v.Message != "Verification failed. Confidence: 0.00%." {
		t.Errorf("Unexpected message %q", v.Message)
	}
	if mgr.Owner() != "" || src.closes.Load() != 1 {
		t.Error("Failed match should release the camera immediately")
	}
	if _, err := s.Capture(context.Background()); !errors.Is(err, types.ErrInvalidState) {
		t.Errorf("Capture after decision should fail with ErrInvalidState, got %v", err)
	}
}

func TestCapture_NoFaceAllowsRetry(t *testing.T) {
	emb := &queueEmbedder{results: []result{
		{},                        // no face
		{err: types.ErrDetection}, // undecodable frame
		{err: errors.New("boom")}, // engine failure
		face(math.NaN(), 0),       // unusable descriptor
		face(0.1, 0),
	}}
	s := New(Config{}, reference, camera.NewManager(&fakeSource{}), emb)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Cancel()

	wantMsgs := []string{MsgNoFace, MsgNoFace, MsgError, MsgNoFace}
	for i, want := range wantMsgs {
		v, err := s.Capture(context.Background())
		if err != nil {
			t.Fatalf("Attempt %d: unexpected error %v", i, err)
		}
		if v.IsValid || v.Confidence != 0 || v.Message != want {
			t.Errorf("Attempt %d: expected %q, got %+v", i, want, v)
		}
		if s.State() != Awaiting {
			t.Errorf("Attempt %d: expected awaiting, got %s", i, s.State())
		}
	}

	v, err := s.Capture(context.Background())
	if err != nil || !v.IsValid {
		t.Fatalf("Expected a match on the last attempt, got %+v, %v", v, err)
	}
}

func TestCapture_DimensionMismatchAborts(t *testing.T) {
	src := &fakeSource{}
	mgr := camera.NewManager(src)
	s := New(Config{}, reference, mgr, &queueEmbedder{results: []result{face(0, 0, 0)}})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if _, err := s.Capture(context.Background()); !errors.Is(err, types.ErrDimensionMismatch) {
		t.Fatalf("Expected ErrDimensionMismatch, got %v", err)
	}
	if s.State() != Decided || mgr.Owner() != "" {
		t.Errorf("Expected decided with camera released, got %s owner=%q", s.State(), mgr.Owner())
	}
}

func TestCancel_Idempotent(t *testing.T) {
	src := &fakeSource{}
	mgr := camera.NewManager(src)
	s := New(Config{Grace: time.Hour}, reference, mgr, &queueEmbedder{results: []result{face(0, 0)}})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := s.Capture(context.Background()); err != nil {
		t.Fatalf("Capture failed: %v", err)
	}

	s.Cancel()
	s.Cancel()
	if src.closes.Load() != 1 || mgr.Owner() != "" {
		t.Errorf("Expected one release, got closes=%d owner=%q", src.closes.Load(), mgr.Owner())
	}

	fresh := New(Config{}, reference, mgr, &queueEmbedder{results: []result{face(0, 0)}})
	fresh.Cancel()
	if fresh.State() != Cancelled {
		t.Errorf("Expected cancelled, got %s", fresh.State())
	}
	if err := fresh.Start(context.Background()); !errors.Is(err, types.ErrInvalidState) {
		t.Errorf("Start after cancel should fail, got %v", err)
	}
}

func TestStart_CameraBusy(t *testing.T) {
	mgr := camera.NewManager(&fakeSource{})
	held, _ := mgr.Acquire(context.Background(), "enroll:x")
	defer held.Release()

	s := New(Config{}, reference, mgr, &queueEmbedder{results: []result{face(0, 0)}})
	err := s.Start(context.Background())
	if !errors.Is(err, types.ErrResourceUnavailable) {
		t.Fatalf("Expected ErrResourceUnavailable, got %v", err)
	}
	if !strings.Contains(err.Error(), "enroll:x") {
		t.Errorf("Error should name the current owner, got %v", err)
	}
	if s.State() != Idle {
		t.Errorf("Expected idle, got %s", s.State())
	}
}

func TestStart_ResolvesDeferredSet(t *testing.T) {
	emb := &queueEmbedder{results: []result{face(0, 0), {}, face(0, 0)}}
	ref := types.NewDeferredReferenceSet("p1", [][]byte{{1}, {2}})
	s := New(Config{}, ref, camera.NewManager(&fakeSource{}), emb)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Cancel()

	v, err := s.Capture(context.Background())
	if err != nil || !v.IsValid {
		t.Fatalf("Expected a match against the resolved set, got %+v, %v", v, err)
	}
}

func TestStart_DeferredWithoutFaces(t *testing.T) {
	src := &fakeSource{}
	ref := types.NewDeferredReferenceSet("p1", [][]byte{{1}})
	s := New(Config{}, ref, camera.NewManager(src), &queueEmbedder{results: []result{{}}})

	if err := s.Start(context.Background()); !errors.Is(err, types.ErrNoReference) {
		t.Fatalf("Expected ErrNoReference, got %v", err)
	}
	if src.opens.Load() != 0 {
		t.Error("Camera must not be opened when no reference resolves")
	}
}

func TestStart_CancelWhileOpening(t *testing.T) {
	src := &fakeSource{gate: make(chan struct{})}
	mgr := camera.NewManager(src)
	s := New(Config{}, reference, mgr, &queueEmbedder{results: []result{face(0, 0)}})

	started := make(chan error, 1)
	go func() { started <- s.Start(context.Background()) }()
	deadline := time.Now().Add(2 * time.Second)
	for src.opens.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Camera never opened")
		}
		time.Sleep(2 * time.Millisecond)
	}

	done := make(chan struct{})
	go func() {
		s.State()
		s.Cancel()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Cancel blocked while the camera was opening")
	}

	close(src.gate)
	if err := <-started; !errors.Is(err, types.ErrInvalidState) {
		t.Fatalf("Expected ErrInvalidState from a cancelled start, got %v", err)
	}
	if s.State() != Cancelled || mgr.Owner() != "" || src.closes.Load() != 1 {
		t.Errorf("Expected cancelled with camera released, got %s owner=%q closes=%d", s.State(), mgr.Owner(), src.closes.Load())
	}
}
