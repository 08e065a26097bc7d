package types

import (
	"encoding/json"
	"fmt"
)

// ReferenceSet holds the enrolled faces of one passenger. It is built once by
// an enrollment session and treated as read-only afterwards.
//
// A set produced with deferred embedding carries Images instead of
// Descriptors until it is resolved by an embedder.
type ReferenceSet struct {
	PassengerID string
	descriptors []FaceDescriptor
	images      [][]byte
}

// NewReferenceSet copies descs into a new set.
func NewReferenceSet(passengerID string, descs []FaceDescriptor) *ReferenceSet {
	rs := &ReferenceSet{PassengerID: passengerID}
	for _, d := range descs {
		rs.descriptors = append(rs.descriptors, d.Clone())
	}
	return rs
}

// NewDeferredReferenceSet builds a set of reference images awaiting embedding.
func NewDeferredReferenceSet(passengerID string, images [][]byte) *ReferenceSet {
	rs := &ReferenceSet{PassengerID: passengerID}
	for _, img := range images {
		cp := make([]byte, len(img))
		copy(cp, img)
		rs.images = append(rs.images, cp)
	}
	return rs
}

// Len is the number of descriptors in the set.
func (r *ReferenceSet) Len() int {
	if r == nil {
		return 0
	}
	return len(r.descriptors)
}

// Empty reports whether the set has neither descriptors nor images.
func (r *ReferenceSet) Empty() bool {
	return r == nil || (len(r.descriptors) == 0 && len(r.images) == 0)
}

// Deferred reports whether the set still needs embedding.
func (r *ReferenceSet) Deferred() bool {
	return r != nil && len(r.descriptors) == 0 && len(r.images) > 0
}

// Descriptor returns the i-th descriptor. Callers must not modify it.
func (r *ReferenceSet) Descriptor(i int) FaceDescriptor {
	return r.descriptors[i]
}

// Descriptors returns copies of every descriptor.
func (r *ReferenceSet) Descriptors() []FaceDescriptor {
	if r == nil {
		return nil
	}
	out := make([]FaceDescriptor, len(r.descriptors))
	for i, d := range r.descriptors {
		out[i] = d.Clone()
	}
	return out
}

// Images returns the reference images of a deferred set.
func (r *ReferenceSet) Images() [][]byte {
	if r == nil {
		return nil
	}
	return r.images
}

// Dim is the descriptor dimension, 0 for an empty or deferred set.
func (r *ReferenceSet) Dim() int {
	if r.Len() == 0 {
		return 0
	}
	return len(r.descriptors[0])
}

type referenceSetJSON struct {
	PassengerID string      `json:"passenger_id"`
	Descriptors [][]float64 `json:"descriptors,omitempty"`
	Images      [][]byte    `json:"images,omitempty"`
}

// MarshalJSON encodes the set as an ordered list of numeric vectors.
func (r *ReferenceSet) MarshalJSON() ([]byte, error) {
	out := referenceSetJSON{PassengerID: r.PassengerID, Images: r.images}
	for _, d := range r.descriptors {
		out.Descriptors = append(out.Descriptors, d)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a set and checks that every descriptor has the same dimension.
func (r *ReferenceSet) UnmarshalJSON(data []byte) error {
	var in referenceSetJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	r.PassengerID = in.PassengerID
	r.descriptors = nil
	r.images = in.Images
	for i, d := range in.Descriptors {
		if i > 0 && len(d) != len(in.Descriptors[0]) {
			return fmt.Errorf("descriptor %d has %d values, want %d: %w", i, len(d), len(in.Descriptors[0]), ErrDimensionMismatch)
		}
		r.descriptors = append(r.descriptors, FaceDescriptor(d))
	}
	return nil
}
