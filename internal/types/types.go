package types

import (
	"errors"
	"math"
	"time"
)

var (
	// ErrDetection means the embedder could not process a frame.
	ErrDetection = errors.New("face detection failed")
	// ErrEmptyCapture is returned by Finalize when no samples were collected.
	ErrEmptyCapture = errors.New("no face samples captured")
	// ErrNoReference is returned when verification has nothing to compare against.
	ErrNoReference = errors.New("no reference faces available")
	// ErrDimensionMismatch signals descriptors from incompatible embedding providers.
	ErrDimensionMismatch = errors.New("descriptor dimension mismatch")
	// ErrResourceUnavailable means the camera could not be opened or is held by another session.
	ErrResourceUnavailable = errors.New("camera unavailable")
	// ErrInvalidState is returned for operations that are illegal in the current session state.
	ErrInvalidState = errors.New("operation not allowed in current state")
	// ErrSampleNotFound is returned when removing a sample id that is not in the session.
	ErrSampleNotFound = errors.New("sample not found")
)

// FaceDescriptor is the fixed-length embedding the face model produces (e.g. 128-d or 512-d).
type FaceDescriptor []float64

// Clone returns a copy that does not alias the receiver.
func (d FaceDescriptor) Clone() FaceDescriptor {
	if d == nil {
		return nil
	}
	out := make(FaceDescriptor, len(d))
	copy(out, d)
	return out
}

// Finite reports whether every component is a real number (no NaN or Inf).
func (d FaceDescriptor) Finite() bool {
	for _, v := range d {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Region is a face bounding box in pixel coordinates: [top, right, bottom, left].
type Region [4]int

// Detection is what an embedder returns for a frame that contains a face.
type Detection struct {
	Descriptor FaceDescriptor
	Region     Region
	Quality    float64
}

// CapturedSample is one successful capture held by an enrollment session.
type CapturedSample struct {
	ID         string
	Descriptor FaceDescriptor // nil when embedding is deferred
	Frame      []byte         // source JPEG, kept for deferred embedding and audit
	Thumbnail  []byte         // downscaled JPEG for UI previews
	CapturedAt time.Time
}

// MatchResult is the outcome of comparing one descriptor to a ReferenceSet.
type MatchResult struct {
	IsMatch    bool    `json:"is_match"`
	Distance   float64 `json:"distance"`
	Confidence float64 `json:"confidence"`
}

// Verdict is reported to the booking flow after a verification attempt.
type Verdict struct {
	IsValid    bool    `json:"is_valid"`
	Confidence float64 `json:"confidence"`
	Message    string  `json:"message"`
	Distance   float64 `json:"distance,omitempty"`
}
