package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/andresmejia3/facegate/internal/store"
	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/verify"
)

const maxUploadSize = 10 << 20

type createVerificationRequest struct {
	PassengerID string `json:"passenger_id"`
}

func (s *Server) createVerification(w http.ResponseWriter, r *http.Request) {
	var req createVerificationRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.PassengerID = strings.TrimSpace(req.PassengerID)
	if req.PassengerID == "" {
		respondError(w, http.StatusBadRequest, "passenger_id is required")
		return
	}

	ref, err := s.repo.Load(r.Context(), req.PassengerID)
	if err != nil {
		respondFailure(w, r, err)
		return
	}

	sess := verify.New(verify.Config{
		Threshold: s.cfg.Matching.Threshold,
		Grace:     s.cfg.Matching.Grace,
	}, ref, s.cam, s.emb)
	if err := sess.Start(r.Context()); err != nil {
		respondFailure(w, r, err)
		return
	}

	v := &verification{session: sess}
	s.mu.Lock()
	s.verifications[sess.ID()] = v
	v.idle = newIdleTimer(s.cfg.Server.SessionTTL, func() { s.expireVerification(v) })
	s.mu.Unlock()

	respondJSON(w, http.StatusCreated, map[string]any{
		"id":           sess.ID(),
		"passenger_id": req.PassengerID,
		"state":        sess.State().String(),
	})
}

// verification is a live verification session and its idle countdown.
type verification struct {
	session *verify.Session
	idle    *idleTimer
}

func (s *Server) lookupVerification(w http.ResponseWriter, r *http.Request) *verification {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	v := s.verifications[id]
	s.mu.Unlock()
	if v == nil {
		respondError(w, http.StatusNotFound, "verification not found")
		return nil
	}
	v.idle.touch()
	return v
}

func (s *Server) dropVerification(v *verification) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.verifications[v.session.ID()] != v {
		return false
	}
	delete(s.verifications, v.session.ID())
	v.idle.stop()
	return true
}

func (s *Server) expireVerification(v *verification) {
	if !s.dropVerification(v) {
		return
	}
	slog.Info("verification expired", "session", v.session.ID(), "passenger", v.session.PassengerID())
	v.session.Cancel()
}

func (s *Server) captureVerification(w http.ResponseWriter, r *http.Request) {
	v := s.lookupVerification(w, r)
	if v == nil {
		return
	}

	verdict, err := v.session.Capture(r.Context())
	state := v.session.State()
	if state == verify.Decided {
		// The session releases the camera itself once the grace delay passes.
		s.dropVerification(v)
	}
	if err != nil {
		respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"state":   state.String(),
		"verdict": verdict,
	})
}

func (s *Server) cancelVerification(w http.ResponseWriter, r *http.Request) {
	v := s.lookupVerification(w, r)
	if v == nil {
		return
	}
	s.dropVerification(v)
	v.session.Cancel()
	w.WriteHeader(http.StatusNoContent)
}

// identify runs a 1:N search for the face in a JPEG request body.
func (s *Server) identify(w http.ResponseWriter, r *http.Request) {
	frame, err := io.ReadAll(io.LimitReader(r.Body, maxUploadSize))
	if err != nil || len(frame) == 0 {
		respondError(w, http.StatusBadRequest, "request body must be a JPEG image")
		return
	}
	k := 3
	if q := r.URL.Query().Get("k"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 && n <= 50 {
			k = n
		}
	}

	det, err := s.emb.Detect(r.Context(), frame)
	if errors.Is(err, types.ErrDetection) || (err == nil && det == nil) {
		respondError(w, http.StatusUnprocessableEntity, verify.MsgNoFace)
		return
	}
	if err != nil {
		respondFailure(w, r, err)
		return
	}

	cands, err := s.gallery.Identify(det.Descriptor, k)
	if errors.Is(err, types.ErrDetection) {
		respondError(w, http.StatusUnprocessableEntity, verify.MsgNoFace)
		return
	}
	if err != nil {
		respondFailure(w, r, err)
		return
	}
	resp := map[string]any{"candidates": cands}
	if len(cands) > 0 && cands[0].IsMatch {
		resp["match"] = cands[0]
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) listPassengers(w http.ResponseWriter, r *http.Request) {
	list, err := s.repo.List(r.Context())
	if err != nil {
		respondFailure(w, r, err)
		return
	}
	if list == nil {
		list = []store.Passenger{}
	}
	respondJSON(w, http.StatusOK, list)
}

func (s *Server) deletePassenger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.repo.Delete(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "passenger not found")
			return
		}
		respondFailure(w, r, err)
		return
	}
	s.gallery.Remove(id)
	w.WriteHeader(http.StatusNoContent)
}
