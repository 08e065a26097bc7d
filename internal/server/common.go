package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/andresmejia3/facegate/internal/store"
	"github.com/andresmejia3/facegate/internal/types"
)

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondFailure maps a domain error onto a status and a passenger-facing
// message. Unknown errors are logged and reported generically.
func respondFailure(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, types.ErrEmptyCapture):
		respondError(w, http.StatusUnprocessableEntity, "No face samples were captured. Please look at the camera and try again.")
	case errors.Is(err, types.ErrNoReference):
		respondError(w, http.StatusUnprocessableEntity, "No enrolled face is available for this passenger.")
	case errors.Is(err, types.ErrDetection):
		respondError(w, http.StatusUnprocessableEntity, "No usable face was detected. Please try again.")
	case errors.Is(err, types.ErrResourceUnavailable):
		respondError(w, http.StatusConflict, "The camera is in use or unavailable.")
	case errors.Is(err, types.ErrInvalidState):
		respondError(w, http.StatusConflict, "That action is not available right now.")
	case errors.Is(err, types.ErrSampleNotFound), errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "Not found.")
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		respondError(w, http.StatusInternalServerError, "An internal error occurred.")
	}
}

// decodeJSON reads an optional JSON body into dst. An empty body is not an error.
func decodeJSON(r *http.Request, dst any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}

// sendSSEEvent writes one server-sent event and flushes it.
func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) {
	jsonData, _ := json.Marshal(data)
	_, _ = io.WriteString(w, "event: "+eventType+"\n")
	_, _ = io.WriteString(w, "data: ")
	_, _ = io.Copy(w, bytes.NewReader(jsonData))
	_, _ = io.WriteString(w, "\n\n")
	flusher.Flush()
}
