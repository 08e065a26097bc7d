// Package gallery indexes every enrolled passenger for 1:N identification.
package gallery

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"github.com/coder/hnsw"

	"github.com/andresmejia3/facegate/internal/matcher"
	"github.com/andresmejia3/facegate/internal/types"
)

const maxNeighbors = 16

// Candidate is one passenger close to a query descriptor.
type Candidate struct {
	PassengerID string  `json:"passenger_id"`
	Distance    float64 `json:"distance"`
	Confidence  float64 `json:"confidence"`
	IsMatch     bool    `json:"is_match"`
}

// Gallery is an HNSW index over reference descriptors. Distances reported to
// callers are recomputed exactly, the graph only narrows the search.
type Gallery struct {
	matcher *matcher.Matcher

	mu          sync.RWMutex
	graph       *hnsw.Graph[string]
	descs       map[string]types.FaceDescriptor // node key -> descriptor
	owner       map[string]string               // node key -> passenger
	byPassenger map[string][]string
	dim         int
}

// New returns an empty gallery that flags matches below threshold.
func New(threshold float64) *Gallery {
	g := &Gallery{matcher: matcher.New(threshold)}
	g.reset()
	return g
}

func newGraph() *hnsw.Graph[string] {
	graph := hnsw.NewGraph[string]()
	graph.M = maxNeighbors
	graph.Ml = 1.0 / float64(maxNeighbors)
	graph.Distance = hnsw.EuclideanDistance
	return graph
}

func (g *Gallery) reset() {
	g.graph = newGraph()
	g.descs = make(map[string]types.FaceDescriptor)
	g.owner = make(map[string]string)
	g.byPassenger = make(map[string][]string)
	g.dim = 0
}

// Build indexes sets. Deferred sets have no descriptors and are skipped.
func Build(threshold float64, sets []*types.ReferenceSet) (*Gallery, error) {
	g := New(threshold)
	for _, set := range sets {
		if set.Deferred() {
			slog.Debug("gallery skips deferred enrollment", "passenger", set.PassengerID)
			continue
		}
		err := g.Add(set)
		if errors.Is(err, types.ErrDetection) {
			slog.Warn("gallery skips unusable enrollment", "passenger", set.PassengerID, "error", err)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("passenger %s: %w", set.PassengerID, err)
		}
	}
	return g, nil
}

// Add indexes set, replacing any earlier enrollment of the same passenger.
func (g *Gallery) Add(set *types.ReferenceSet) error {
	if set.Len() == 0 {
		return types.ErrNoReference
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	for i := 0; i < set.Len(); i++ {
		if !set.Descriptor(i).Finite() {
			return fmt.Errorf("descriptor %d of %s: %w", i, set.PassengerID, types.ErrDetection)
		}
	}

	dim := set.Dim()
	if g.dim != 0 && dim != g.dim {
		return fmt.Errorf("gallery holds %d-d descriptors, got %d-d: %w", g.dim, dim, types.ErrDimensionMismatch)
	}

	g.removeLocked(set.PassengerID)
	if g.dim == 0 {
		g.dim = dim
	}

	keys := make([]string, set.Len())
	nodes := make([]hnsw.Node[string], set.Len())
	for i := range keys {
		d := set.Descriptor(i).Clone()
		key := set.PassengerID + "#" + strconv.Itoa(i)
		keys[i] = key
		nodes[i] = hnsw.MakeNode(key, toFloat32(d))
		g.descs[key] = d
		g.owner[key] = set.PassengerID
	}
	g.graph.Add(nodes...)
	g.byPassenger[set.PassengerID] = keys
	return nil
}

// Remove drops a passenger from the index.
func (g *Gallery) Remove(passengerID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeLocked(passengerID)
}

func (g *Gallery) removeLocked(passengerID string) {
	for _, key := range g.byPassenger[passengerID] {
		g.graph.Delete(key)
		delete(g.descs, key)
		delete(g.owner, key)
	}
	delete(g.byPassenger, passengerID)

	// An hnsw graph emptied by Delete cannot take new nodes.
	if g.graph.Len() == 0 {
		g.graph = newGraph()
	}
	if len(g.byPassenger) == 0 {
		g.dim = 0
	}
}

// Len is the number of indexed passengers.
func (g *Gallery) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.byPassenger)
}

// Identify returns up to k passengers nearest to d, closest first.
func (g *Gallery) Identify(d types.FaceDescriptor, k int) ([]Candidate, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(g.byPassenger) == 0 {
		return nil, types.ErrNoReference
	}
	if len(d) != g.dim {
		return nil, fmt.Errorf("query is %d-d, gallery is %d-d: %w", len(d), g.dim, types.ErrDimensionMismatch)
	}
	if !d.Finite() {
		return nil, fmt.Errorf("non-finite query descriptor: %w", types.ErrDetection)
	}

	// Several nodes belong to one passenger, so over-fetch before grouping.
	fetch := k * 4
	if n := len(g.descs); fetch > n {
		fetch = n
	}
	nodes := g.graph.Search(toFloat32(d), fetch)

	best := make(map[string]float64)
	for _, n := range nodes {
		pid, ok := g.owner[n.Key]
		if !ok {
			continue
		}
		dist, err := matcher.Euclidean(d, g.descs[n.Key])
		if err != nil {
			return nil, err
		}
		if cur, seen := best[pid]; !seen || dist < cur {
			best[pid] = dist
		}
	}

	out := make([]Candidate, 0, len(best))
	for pid, dist := range best {
		out = append(out, Candidate{
			PassengerID: pid,
			Distance:    dist,
			Confidence:  matcher.Confidence(dist),
			IsMatch:     dist < g.matcher.Threshold,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance == out[j].Distance {
			return out[i].PassengerID < out[j].PassengerID
		}
		return out[i].Distance < out[j].Distance
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// Duplicate reports the closest other passenger that set already matches, if any.
func (g *Gallery) Duplicate(set *types.ReferenceSet) (*Candidate, error) {
	if g.Len() == 0 || set.Len() == 0 {
		return nil, nil
	}
	var found *Candidate
	for i := 0; i < set.Len(); i++ {
		cands, err := g.Identify(set.Descriptor(i), 2)
		if err != nil {
			return nil, err
		}
		for _, c := range cands {
			if c.PassengerID == set.PassengerID || !c.IsMatch {
				continue
			}
			if found == nil || c.Distance < found.Distance {
				cp := c
				found = &cp
			}
			break
		}
	}
	return found, nil
}

func toFloat32(d types.FaceDescriptor) []float32 {
	out := make([]float32, len(d))
	for i, v := range d {
		out[i] = float32(v)
	}
	return out
}
