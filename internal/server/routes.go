package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.health)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/enrollments", s.createEnrollment)
		r.Get("/enrollments/{id}", s.getEnrollment)
		r.Delete("/enrollments/{id}", s.cancelEnrollment)
		r.Post("/enrollments/{id}/hold", s.holdEnrollment)
		r.Post("/enrollments/{id}/release", s.releaseEnrollment)
		r.Post("/enrollments/{id}/capture", s.captureEnrollment)
		r.Delete("/enrollments/{id}/samples/{sampleID}", s.removeSample)
		r.Post("/enrollments/{id}/finalize", s.finalizeEnrollment)
		r.Get("/enrollments/{id}/events", s.enrollmentEvents)

		r.Post("/verifications", s.createVerification)
		r.Post("/verifications/{id}/capture", s.captureVerification)
		r.Delete("/verifications/{id}", s.cancelVerification)

		r.Post("/identify", s.identify)

		r.Get("/passengers", s.listPassengers)
		r.Delete("/passengers/{id}", s.deletePassenger)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"camera_busy": s.cam != nil && s.cam.Owner() != "",
		"gallery":     s.gallery.Len(),
	})
}
