// Package capture implements the enrollment session: hold-to-capture sampling
// from a live camera into a passenger's ReferenceSet.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andresmejia3/facegate/internal/camera"
	"github.com/andresmejia3/facegate/internal/embedder"
	"github.com/andresmejia3/facegate/internal/types"
)

// State is the enrollment session state.
type State int

const (
	Idle State = iota
	Acquiring
	Holding
	Finalized
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Acquiring:
		return "acquiring"
	case Holding:
		return "holding"
	case Finalized:
		return "finalized"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == Finalized || s == Cancelled }

// Strategy selects when the embedder runs.
type Strategy int

const (
	// EmbedAtCapture detects and embeds every frame as it is captured.
	EmbedAtCapture Strategy = iota
	// EmbedDeferred keeps raw frames; they are embedded at verification time.
	EmbedDeferred
)

const (
	DefaultMaxSamples    = 5
	DefaultCadence       = time.Second
	DefaultThumbnailSize = 160
)

// Config parameterises one enrollment.
type Config struct {
	PassengerID   string
	MaxSamples    int
	Cadence       time.Duration
	Strategy      Strategy
	ThumbnailSize int // longest side in px; negative disables thumbnails
}

// Event is emitted after every state or sample-count change.
type Event struct {
	State State `json:"-"`
	Count int   `json:"count"`
	Max   int   `json:"max"`
}

// Session collects up to MaxSamples faces for one passenger.
type Session struct {
	id       string
	cfg      Config
	cam      *camera.Manager
	emb      embedder.Embedder
	onChange func(Event)

	mu        sync.Mutex
	state     State
	samples   []types.CapturedSample
	lease     *camera.Lease
	epoch     uint64
	inflight  int
	runCtx    context.Context
	runCancel context.CancelFunc
	stopHold  context.CancelFunc
}

// New creates an idle session. emb may be nil with EmbedDeferred.
func New(cfg Config, cam *camera.Manager, emb embedder.Embedder) *Session {
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = DefaultMaxSamples
	}
	if cfg.Cadence <= 0 {
		cfg.Cadence = DefaultCadence
	}
	if cfg.ThumbnailSize == 0 {
		cfg.ThumbnailSize = DefaultThumbnailSize
	}
	return &Session{
		id:  uuid.NewString(),
		cfg: cfg,
		cam: cam,
		emb: emb,
	}
}

// OnChange registers the notification callback. It is called outside the session lock.
func (s *Session) OnChange(fn func(Event)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *Session) ID() string          { return s.id }
func (s *Session) PassengerID() string { return s.cfg.PassengerID }
func (s *Session) Max() int            { return s.cfg.MaxSamples }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Count returns the number of collected samples.
func (s *Session) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}

// Samples returns a snapshot of the collected samples.
func (s *Session) Samples() []types.CapturedSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.CapturedSample, len(s.samples))
	copy(out, s.samples)
	return out
}

// Start opens the camera and begins acquiring. On failure the session stays Idle.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	if st != Idle {
		return fmt.Errorf("start from %s: %w", st, types.ErrInvalidState)
	}

	// Opening the device can take seconds; Cancel and the accessors stay
	// responsive meanwhile.
	lease, err := s.cam.Acquire(ctx, "enroll:"+s.id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != Idle {
		st = s.state
		s.mu.Unlock()
		lease.Release()
		return fmt.Errorf("start from %s: %w", st, types.ErrInvalidState)
	}
	s.lease = lease
	s.samples = nil
	s.inflight = 0
	s.epoch++
	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	s.state = Acquiring
	ev := s.eventLocked()
	s.mu.Unlock()

	slog.Info("enrollment started", "session", s.id, "passenger", s.cfg.PassengerID, "max", s.cfg.MaxSamples)
	s.notify(ev)
	return nil
}

// HoldBegin captures immediately and then once per cadence until HoldEnd,
// Cancel, Finalize, or MaxSamples is reached.
func (s *Session) HoldBegin() error {
	s.mu.Lock()
	if s.state != Acquiring {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("hold from %s: %w", st, types.ErrInvalidState)
	}
	if len(s.samples) >= s.cfg.MaxSamples {
		s.mu.Unlock()
		return fmt.Errorf("maximum of %d samples reached: %w", s.cfg.MaxSamples, types.ErrInvalidState)
	}

	holdCtx, stop := context.WithCancel(s.runCtx)
	s.stopHold = stop
	s.state = Holding
	epoch := s.epoch
	ev := s.eventLocked()
	s.mu.Unlock()

	s.notify(ev)
	go s.runCadence(holdCtx, epoch)
	return nil
}

// HoldEnd stops the cadence and keeps the collected samples. It is a no-op
// when the session is acquiring but not holding.
func (s *Session) HoldEnd() error {
	s.mu.Lock()
	switch s.state {
	case Acquiring:
		s.mu.Unlock()
		return nil
	case Holding:
	default:
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("release from %s: %w", st, types.ErrInvalidState)
	}
	s.endHoldLocked()
	ev := s.eventLocked()
	s.mu.Unlock()

	s.notify(ev)
	return nil
}

// CaptureOnce performs a single manual capture and reports whether a sample was added.
func (s *Session) CaptureOnce(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.state != Acquiring && s.state != Holding {
		st := s.state
		s.mu.Unlock()
		return false, fmt.Errorf("capture from %s: %w", st, types.ErrInvalidState)
	}
	if !s.reserveLocked(s.epoch) {
		s.mu.Unlock()
		return false, nil
	}
	epoch, lease := s.epoch, s.lease
	runCtx, cancel := context.WithCancel(s.runCtx)
	s.mu.Unlock()

	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return s.attempt(runCtx, epoch, lease), nil
}

// RemoveSample deletes one collected sample.
func (s *Session) RemoveSample(id string) error {
	s.mu.Lock()
	if s.state != Acquiring && s.state != Holding {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("remove from %s: %w", st, types.ErrInvalidState)
	}
	idx := -1
	for i, smp := range s.samples {
		if smp.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", id, types.ErrSampleNotFound)
	}
	s.samples = append(s.samples[:idx], s.samples[idx+1:]...)
	ev := s.eventLocked()
	s.mu.Unlock()

	s.notify(ev)
	return nil
}

// Finalize freezes the samples into a ReferenceSet and releases the camera.
// With no samples it fails with types.ErrEmptyCapture and changes nothing.
func (s *Session) Finalize() (*types.ReferenceSet, error) {
	s.mu.Lock()
	if s.state != Acquiring && s.state != Holding {
		st := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("finalize from %s: %w", st, types.ErrInvalidState)
	}
	if len(s.samples) == 0 {
		s.mu.Unlock()
		return nil, types.ErrEmptyCapture
	}

	var ref *types.ReferenceSet
	if s.cfg.Strategy == EmbedDeferred {
		frames := make([][]byte, len(s.samples))
		for i, smp := range s.samples {
			frames[i] = smp.Frame
		}
		ref = types.NewDeferredReferenceSet(s.cfg.PassengerID, frames)
	} else {
		descs := make([]types.FaceDescriptor, len(s.samples))
		for i, smp := range s.samples {
			descs[i] = smp.Descriptor
		}
		ref = types.NewReferenceSet(s.cfg.PassengerID, descs)
	}

	s.shutdownLocked(Finalized)
	ev := s.eventLocked()
	s.mu.Unlock()

	slog.Info("enrollment finalized", "session", s.id, "passenger", s.cfg.PassengerID, "samples", ev.Count)
	s.notify(ev)
	return ref, nil
}

// Cancel discards all samples and releases the camera. It is idempotent and
// safe from any state.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.shutdownLocked(Cancelled)
	ev := s.eventLocked()
	s.mu.Unlock()

	slog.Info("enrollment cancelled", "session", s.id, "passenger", s.cfg.PassengerID)
	s.notify(ev)
}

// shutdownLocked stops the cadence, invalidates in-flight captures, and frees the camera.
func (s *Session) shutdownLocked(final State) {
	if s.stopHold != nil {
		s.stopHold()
		s.stopHold = nil
	}
	if s.runCancel != nil {
		s.runCancel()
	}
	s.epoch++
	s.lease.Release()
	s.lease = nil
	s.samples = nil
	s.state = final
}

func (s *Session) endHoldLocked() {
	if s.stopHold != nil {
		s.stopHold()
		s.stopHold = nil
	}
	s.state = Acquiring
}

// reserveLocked claims a capture slot so that in-flight attempts never push
// the session past MaxSamples.
func (s *Session) reserveLocked(epoch uint64) bool {
	if epoch != s.epoch || (s.state != Acquiring && s.state != Holding) {
		return false
	}
	if len(s.samples)+s.inflight >= s.cfg.MaxSamples {
		return false
	}
	s.inflight++
	return true
}

func (s *Session) runCadence(ctx context.Context, epoch uint64) {
	ticker := time.NewTicker(s.cfg.Cadence)
	defer ticker.Stop()

	s.issue(ctx, epoch)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.issue(ctx, epoch)
		}
	}
}

// issue starts one capture in the background if the session still wants samples.
func (s *Session) issue(ctx context.Context, epoch uint64) {
	s.mu.Lock()
	if ctx.Err() != nil || s.state != Holding || !s.reserveLocked(epoch) {
		s.mu.Unlock()
		return
	}
	lease := s.lease
	runCtx := s.runCtx
	s.mu.Unlock()

	// Detach from the hold context: a capture in flight when the operator
	// releases still lands. Only terminal transitions (runCtx) abort it.
	go s.attempt(runCtx, epoch, lease)
}

// attempt grabs and embeds one frame, then hands the sample to appendSample.
func (s *Session) attempt(ctx context.Context, epoch uint64, lease *camera.Lease) bool {
	frame, err := lease.Frame(ctx)
	if err != nil {
		slog.Warn("frame grab failed", "session", s.id, "error", err)
		s.appendSample(epoch, nil)
		return false
	}

	sample := types.CapturedSample{
		ID:         uuid.NewString(),
		Frame:      frame,
		CapturedAt: time.Now(),
	}

	var region *types.Region
	if s.cfg.Strategy == EmbedAtCapture {
		det, err := s.emb.Detect(ctx, frame)
		if err != nil {
			slog.Warn("detection failed, skipping sample", "session", s.id, "error", err)
			s.appendSample(epoch, nil)
			return false
		}
		if det == nil {
			slog.Debug("no face in frame", "session", s.id)
			s.appendSample(epoch, nil)
			return false
		}
		if !det.Descriptor.Finite() {
			slog.Warn("non-finite descriptor, skipping sample", "session", s.id)
			s.appendSample(epoch, nil)
			return false
		}
		sample.Descriptor = det.Descriptor.Clone()
		region = &det.Region
	}

	if s.cfg.ThumbnailSize > 0 {
		if thumb, err := thumbnail(frame, region, s.cfg.ThumbnailSize); err == nil {
			sample.Thumbnail = thumb
		} else {
			slog.Debug("thumbnail failed", "session", s.id, "error", err)
		}
	}

	return s.appendSample(epoch, &sample)
}

// appendSample releases the reservation taken for an attempt and, if the
// session is still live and under its limit, stores the sample. Completions
// from a previous epoch are discarded.
func (s *Session) appendSample(epoch uint64, sample *types.CapturedSample) bool {
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		if sample != nil {
			slog.Debug("discarding late capture", "session", s.id)
		}
		return false
	}
	s.inflight--
	if sample == nil || len(s.samples) >= s.cfg.MaxSamples {
		s.mu.Unlock()
		return false
	}

	s.samples = append(s.samples, *sample)
	if len(s.samples) >= s.cfg.MaxSamples && s.state == Holding {
		s.endHoldLocked()
	}
	ev := s.eventLocked()
	s.mu.Unlock()

	s.notify(ev)
	return true
}

func (s *Session) eventLocked() Event {
	return Event{State: s.state, Count: len(s.samples), Max: s.cfg.MaxSamples}
}

func (s *Session) notify(ev Event) {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}
