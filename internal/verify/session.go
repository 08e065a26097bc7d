// Package verify runs a single face verification attempt against an enrolled
// ReferenceSet.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andresmejia3/facegate/internal/camera"
	"github.com/andresmejia3/facegate/internal/embedder"
	"github.com/andresmejia3/facegate/internal/matcher"
	"github.com/andresmejia3/facegate/internal/types"
)

type State int

const (
	Idle State = iota
	Awaiting
	Processing
	Decided
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Awaiting:
		return "awaiting"
	case Processing:
		return "processing"
	case Decided:
		return "decided"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// DefaultGrace is how long the camera stays live after a successful match.
const DefaultGrace = 2 * time.Second

const (
	MsgNoFace = "No face detected. Please position your face clearly in the camera."
	MsgError  = "An error occurred during verification. Please try again."
)

type Config struct {
	Threshold float64
	Grace     time.Duration
}

// Session is one verification attempt. Capture may be retried until a face is found.
type Session struct {
	id      string
	cfg     Config
	ref     *types.ReferenceSet
	cam     *camera.Manager
	emb     embedder.Embedder
	matcher *matcher.Matcher

	mu        sync.Mutex
	state     State
	lease     *camera.Lease
	grace     *time.Timer
	epoch     uint64
	onVerdict func(types.Verdict)
}

func New(cfg Config, ref *types.ReferenceSet, cam *camera.Manager, emb embedder.Embedder) *Session {
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	return &Session{
		id:      uuid.NewString(),
		cfg:     cfg,
		ref:     ref,
		cam:     cam,
		emb:     emb,
		matcher: matcher.New(cfg.Threshold),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) PassengerID() string {
	if s.ref == nil {
		return ""
	}
	return s.ref.PassengerID
}

// OnVerdict registers the callback that receives every verdict.
func (s *Session) OnVerdict(fn func(types.Verdict)) {
	s.mu.Lock()
	s.onVerdict = fn
	s.mu.Unlock()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start checks the reference set and opens the camera. An empty set fails
// with types.ErrNoReference before the camera is touched.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Idle {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("start from %s: %w", st, types.ErrInvalidState)
	}
	ref := s.ref
	s.mu.Unlock()

	if ref.Empty() {
		return types.ErrNoReference
	}
	if ref.Deferred() {
		resolved, err := embedder.Resolve(ctx, s.emb, ref)
		if err != nil {
			return err
		}
		ref = resolved
	}

	lease, err := s.cam.Acquire(ctx, "verify:"+s.id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Idle {
		lease.Release()
		return fmt.Errorf("start from %s: %w", s.state, types.ErrInvalidState)
	}
	s.ref = ref
	s.lease = lease
	s.state = Awaiting

	slog.Info("verification started", "session", s.id, "passenger", ref.PassengerID, "references", ref.Len())
	return nil
}

// Capture grabs one frame and decides. With no face in frame it reports a
// failed verdict and leaves the session ready for another attempt.
// types.ErrDimensionMismatch is returned as an error and ends the session.
func (s *Session) Capture(ctx context.Context) (types.Verdict, error) {
	s.mu.Lock()
	if s.state != Awaiting {
		st := s.state
		s.mu.Unlock()
		return types.Verdict{}, fmt.Errorf("capture from %s: %w", st, types.ErrInvalidState)
	}
	s.state = Processing
	epoch, lease, ref := s.epoch, s.lease, s.ref
	s.mu.Unlock()

	frame, err := lease.Frame(ctx)
	if err != nil {
		slog.Warn("frame grab failed", "session", s.id, "error", err)
		return s.retry(epoch, types.Verdict{Message: MsgError})
	}

	det, err := s.emb.Detect(ctx, frame)
	switch {
	case errors.Is(err, types.ErrDetection):
		slog.Debug("detection failed", "session", s.id, "error", err)
		return s.retry(epoch, types.Verdict{Message: MsgNoFace})
	case err != nil:
		slog.Warn("embedder error", "session", s.id, "error", err)
		return s.retry(epoch, types.Verdict{Message: MsgError})
	case det == nil:
		return s.retry(epoch, types.Verdict{Message: MsgNoFace})
	}

	res, err := s.matcher.Match(det.Descriptor, ref)
	if errors.Is(err, types.ErrDetection) {
		slog.Warn("unusable descriptor", "session", s.id, "error", err)
		return s.retry(epoch, types.Verdict{Message: MsgNoFace})
	}
	if err != nil {
		s.mu.Lock()
		if epoch == s.epoch {
			s.decideLocked(false)
		}
		s.mu.Unlock()
		slog.Error("match aborted", "session", s.id, "error", err)
		return types.Verdict{}, err
	}

	verdict := types.Verdict{
		IsValid:    res.IsMatch,
		Confidence: res.Confidence,
		Distance:   res.Distance,
	}
	if res.IsMatch {
		verdict.Message = fmt.Sprintf("Identity verified with %.2f%% confidence.", res.Confidence)
	} else {
		verdict.Message = fmt.Sprintf("Verification failed. Confidence: %.2f%%.", res.Confidence)
	}

	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return types.Verdict{}, fmt.Errorf("verification cancelled: %w", types.ErrInvalidState)
	}
	s.decideLocked(res.IsMatch)
	s.mu.Unlock()

	slog.Info("verification decided", "session", s.id, "passenger", ref.PassengerID,
		"valid", verdict.IsValid, "distance", verdict.Distance, "confidence", verdict.Confidence)
	s.emit(verdict)
	return verdict, nil
}

// retry returns the session to Awaiting after an attempt that found no usable face.
func (s *Session) retry(epoch uint64, v types.Verdict) (types.Verdict, error) {
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return types.Verdict{}, fmt.Errorf("verification cancelled: %w", types.ErrInvalidState)
	}
	s.state = Awaiting
	s.mu.Unlock()

	s.emit(v)
	return v, nil
}

// decideLocked ends the attempt. A match keeps the camera live for the grace
// delay; anything else releases it now.
func (s *Session) decideLocked(matched bool) {
	s.state = Decided
	lease := s.lease
	if matched {
		s.grace = time.AfterFunc(s.cfg.Grace, lease.Release)
		return
	}
	lease.Release()
}

// Cancel stops the grace timer and releases the camera. It always succeeds.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}
	s.lease.Release()
	s.epoch++
	if s.state != Decided && s.state != Cancelled {
		s.state = Cancelled
		slog.Info("verification cancelled", "session", s.id)
	}
}

func (s *Session) emit(v types.Verdict) {
	s.mu.Lock()
	fn := s.onVerdict
	s.mu.Unlock()
	if fn != nil {
		fn(v)
	}
}
