// Package matcher decides whether a fresh face descriptor belongs to the
// identity described by a ReferenceSet.
package matcher

import (
	"fmt"
	"math"

	"github.com/andresmejia3/facegate/internal/types"
)

// DefaultThreshold is the maximum Euclidean distance still treated as the same face.
const DefaultThreshold = 0.6

// Matcher compares descriptors against reference sets. It is safe for concurrent use.
type Matcher struct {
	Threshold float64
}

// New returns a matcher using threshold, or DefaultThreshold when threshold <= 0.
func New(threshold float64) *Matcher {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Matcher{Threshold: threshold}
}

// Match returns the nearest-reference result for d.
//
// An empty set yields types.ErrNoReference. A descriptor whose dimension
// differs from the references yields types.ErrDimensionMismatch; callers must
// abort rather than report a verdict. Non-finite components on either side
// yield types.ErrDetection.
func (m *Matcher) Match(d types.FaceDescriptor, ref *types.ReferenceSet) (types.MatchResult, error) {
	dists, err := Distances(d, ref)
	if err != nil {
		return types.MatchResult{}, err
	}

	minDist := dists[0]
	for _, dist := range dists[1:] {
		if dist < minDist {
			minDist = dist
		}
	}

	return types.MatchResult{
		IsMatch:    minDist < m.Threshold,
		Distance:   minDist,
		Confidence: Confidence(minDist),
	}, nil
}

// Distances returns the distance from d to every descriptor in ref, in set order.
func Distances(d types.FaceDescriptor, ref *types.ReferenceSet) ([]float64, error) {
	if ref.Len() == 0 {
		return nil, types.ErrNoReference
	}
	out := make([]float64, ref.Len())
	for i := range out {
		dist, err := Euclidean(d, ref.Descriptor(i))
		if err != nil {
			return nil, err
		}
		out[i] = dist
	}
	return out, nil
}

// Euclidean is the L2 distance between two descriptors of equal dimension.
func Euclidean(a, b types.FaceDescriptor) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%d vs %d: %w", len(a), len(b), types.ErrDimensionMismatch)
	}
	var sum float64
	for i := range a {
		diff := a[i] - b[i]
		sum += diff * diff
	}
	if math.IsNaN(sum) || math.IsInf(sum, 0) {
		return 0, fmt.Errorf("non-finite descriptor distance: %w", types.ErrDetection)
	}
	return math.Sqrt(sum), nil
}

// Confidence maps a distance onto a 0-100 display score. It is not a probability.
func Confidence(distance float64) float64 {
	return math.Max(0, math.Min(100, (1-distance)*100))
}
