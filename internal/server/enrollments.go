package server

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/andresmejia3/facegate/internal/capture"
	"github.com/andresmejia3/facegate/internal/types"
)

const eventChannelBuffer = 32

// enrollment is a live capture session plus the SSE listeners following it.
type enrollment struct {
	session *capture.Session
	idle    *idleTimer

	// finalizeMu serializes finalize; pending holds a finalized set until
	// it is stored, so a failed save can be retried.
	finalizeMu sync.Mutex
	pending    *types.ReferenceSet

	mu        sync.Mutex
	listeners []chan capture.Event
}

// addListener also pauses the idle countdown: an open event stream keeps the
// session alive.
func (e *enrollment) addListener() chan capture.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := make(chan capture.Event, eventChannelBuffer)
	e.listeners = append(e.listeners, ch)
	e.idle.pause()
	return ch
}

func (e *enrollment) removeListener(ch chan capture.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, l := range e.listeners {
		if l == ch {
			e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
			break
		}
	}
	if len(e.listeners) == 0 {
		e.idle.resume()
	}
}

// send never blocks the session; a slow listener misses intermediate counts.
func (e *enrollment) send(ev capture.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
}

type eventPayload struct {
	State string `json:"state"`
	Count int    `json:"count"`
	Max   int    `json:"max"`
}

func payload(ev capture.Event) eventPayload {
	return eventPayload{State: ev.State.String(), Count: ev.Count, Max: ev.Max}
}

type sampleView struct {
	ID         string    `json:"id"`
	CapturedAt time.Time `json:"captured_at"`
	Embedded   bool      `json:"embedded"`
	Thumbnail  []byte    `json:"thumbnail,omitempty"`
}

type createEnrollmentRequest struct {
	PassengerID string `json:"passenger_id"`
	MaxSamples  int    `json:"max_samples"`
}

func (s *Server) createEnrollment(w http.ResponseWriter, r *http.Request) {
	var req createEnrollmentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.PassengerID = strings.TrimSpace(req.PassengerID)
	if req.PassengerID == "" {
		respondError(w, http.StatusBadRequest, "passenger_id is required")
		return
	}
	if req.MaxSamples <= 0 {
		req.MaxSamples = s.cfg.Enrollment.MaxSamples
	}

	strategy := capture.EmbedAtCapture
	if s.cfg.Enrollment.Strategy == "deferred" {
		strategy = capture.EmbedDeferred
	}
	sess := capture.New(capture.Config{
		PassengerID: req.PassengerID,
		MaxSamples:  req.MaxSamples,
		Cadence:     s.cfg.Enrollment.Cadence,
		Strategy:    strategy,
	}, s.cam, s.emb)

	e := &enrollment{session: sess}
	sess.OnChange(e.send)

	if err := sess.Start(r.Context()); err != nil {
		respondFailure(w, r, err)
		return
	}

	s.mu.Lock()
	s.enrollments[sess.ID()] = e
	e.idle = newIdleTimer(s.cfg.Server.SessionTTL, func() { s.expireEnrollment(e) })
	s.mu.Unlock()

	respondJSON(w, http.StatusCreated, map[string]any{
		"id":           sess.ID(),
		"passenger_id": req.PassengerID,
		"state":        sess.State().String(),
		"max":          sess.Max(),
	})
}

func (s *Server) lookupEnrollment(w http.ResponseWriter, r *http.Request) *enrollment {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	e := s.enrollments[id]
	s.mu.Unlock()
	if e == nil {
		respondError(w, http.StatusNotFound, "enrollment not found")
		return nil
	}
	e.idle.touch()
	return e
}

// dropEnrollment removes e from the registry. It reports false when e was
// already gone.
func (s *Server) dropEnrollment(e *enrollment) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enrollments[e.session.ID()] != e {
		return false
	}
	delete(s.enrollments, e.session.ID())
	e.idle.stop()
	return true
}

// expireEnrollment cancels a session nobody has touched within the TTL,
// releasing the camera it holds.
func (s *Server) expireEnrollment(e *enrollment) {
	if !s.dropEnrollment(e) {
		return
	}
	slog.Info("enrollment expired", "session", e.session.ID(), "passenger", e.session.PassengerID())
	e.session.Cancel()
}

func (s *Server) getEnrollment(w http.ResponseWriter, r *http.Request) {
	e := s.lookupEnrollment(w, r)
	if e == nil {
		return
	}
	samples := e.session.Samples()
	views := make([]sampleView, len(samples))
	for i, smp := range samples {
		views[i] = sampleView{
			ID:         smp.ID,
			CapturedAt: smp.CapturedAt,
			Embedded:   smp.Descriptor != nil,
			Thumbnail:  smp.Thumbnail,
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"id":           e.session.ID(),
		"passenger_id": e.session.PassengerID(),
		"state":        e.session.State().String(),
		"count":        len(samples),
		"max":          e.session.Max(),
		"samples":      views,
	})
}

func (s *Server) enrollmentStatus(w http.ResponseWriter, e *enrollment) {
	respondJSON(w, http.StatusOK, eventPayload{
		State: e.session.State().String(),
		Count: e.session.Count(),
		Max:   e.session.Max(),
	})
}

func (s *Server) holdEnrollment(w http.ResponseWriter, r *http.Request) {
	e := s.lookupEnrollment(w, r)
	if e == nil {
		return
	}
	if err := e.session.HoldBegin(); err != nil {
		respondFailure(w, r, err)
		return
	}
	s.enrollmentStatus(w, e)
}

func (s *Server) releaseEnrollment(w http.ResponseWriter, r *http.Request) {
	e := s.lookupEnrollment(w, r)
	if e == nil {
		return
	}
	if err := e.session.HoldEnd(); err != nil {
		respondFailure(w, r, err)
		return
	}
	s.enrollmentStatus(w, e)
}

func (s *Server) captureEnrollment(w http.ResponseWriter, r *http.Request) {
	e := s.lookupEnrollment(w, r)
	if e == nil {
		return
	}
	added, err := e.session.CaptureOnce(r.Context())
	if err != nil {
		respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"added": added,
		"state": e.session.State().String(),
		"count": e.session.Count(),
		"max":   e.session.Max(),
	})
}

func (s *Server) removeSample(w http.ResponseWriter, r *http.Request) {
	e := s.lookupEnrollment(w, r)
	if e == nil {
		return
	}
	if err := e.session.RemoveSample(chi.URLParam(r, "sampleID")); err != nil {
		respondFailure(w, r, err)
		return
	}
	s.enrollmentStatus(w, e)
}

func (s *Server) finalizeEnrollment(w http.ResponseWriter, r *http.Request) {
	e := s.lookupEnrollment(w, r)
	if e == nil {
		return
	}
	e.finalizeMu.Lock()
	defer e.finalizeMu.Unlock()

	ref := e.pending
	if ref == nil {
		var err error
		ref, err = e.session.Finalize()
		if err != nil {
			respondFailure(w, r, err)
			return
		}
		e.pending = ref
	}

	resp := map[string]any{
		"passenger_id": ref.PassengerID,
		"deferred":     ref.Deferred(),
	}
	if ref.Deferred() {
		resp["count"] = len(ref.Images())
	} else {
		resp["count"] = ref.Len()
		dup, err := s.gallery.Duplicate(ref)
		if err != nil {
			slog.Warn("duplicate check failed", "passenger", ref.PassengerID, "error", err)
		} else if dup != nil {
			slog.Warn("face already enrolled under another passenger",
				"passenger", ref.PassengerID, "existing", dup.PassengerID, "distance", dup.Distance)
			resp["possible_duplicate"] = dup.PassengerID
		}
	}

	if err := s.repo.Save(r.Context(), ref); err != nil {
		// The session stays registered so the client can retry the finalize.
		respondFailure(w, r, err)
		return
	}
	e.pending = nil
	s.dropEnrollment(e)

	if !ref.Deferred() {
		if err := s.gallery.Add(ref); err != nil {
			slog.Warn("gallery not updated", "passenger", ref.PassengerID, "error", err)
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) cancelEnrollment(w http.ResponseWriter, r *http.Request) {
	e := s.lookupEnrollment(w, r)
	if e == nil {
		return
	}
	s.dropEnrollment(e)
	e.session.Cancel()
	w.WriteHeader(http.StatusNoContent)
}

// enrollmentEvents streams count and state changes until the session ends
// or the client disconnects.
func (s *Server) enrollmentEvents(w http.ResponseWriter, r *http.Request) {
	e := s.lookupEnrollment(w, r)
	if e == nil {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := e.addListener()
	defer e.removeListener(ch)

	state := e.session.State()
	sendSSEEvent(w, flusher, "status", eventPayload{State: state.String(), Count: e.session.Count(), Max: e.session.Max()})
	if state.Terminal() {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			sendSSEEvent(w, flusher, "status", payload(ev))
			if ev.State.Terminal() {
				return
			}
		}
	}
}
