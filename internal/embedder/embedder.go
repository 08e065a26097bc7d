// Package embedder defines the face detection/embedding capability the
// sessions depend on, plus an HTTP implementation and a worker pool.
package embedder

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/andresmejia3/facegate/internal/types"
)

// Embedder finds at most one face in a JPEG frame and returns its descriptor.
// It returns (nil, nil) when the frame contains no face. Failures to process a
// frame wrap types.ErrDetection. Implementations must be safe for concurrent use.
type Embedder interface {
	Detect(ctx context.Context, frame []byte) (*types.Detection, error)
}

// Resolve embeds every image of a deferred reference set. Images without a
// detectable face are skipped; if none resolve the result is types.ErrNoReference.
func Resolve(ctx context.Context, e Embedder, ref *types.ReferenceSet) (*types.ReferenceSet, error) {
	if ref.Empty() {
		return nil, types.ErrNoReference
	}
	if !ref.Deferred() {
		return ref, nil
	}

	var descs []types.FaceDescriptor
	for i, img := range ref.Images() {
		det, err := e.Detect(ctx, img)
		if err != nil {
			if errors.Is(err, types.ErrDetection) {
				continue
			}
			return nil, fmt.Errorf("reference image %d: %w", i, err)
		}
		if det == nil || !det.Descriptor.Finite() {
			continue
		}
		descs = append(descs, det.Descriptor)
	}
	if len(descs) == 0 {
		return nil, fmt.Errorf("no faces in %d reference images: %w", len(ref.Images()), types.ErrNoReference)
	}
	return types.NewReferenceSet(ref.PassengerID, descs), nil
}

// Pool spreads detections over several non-reentrant embedders (e.g. one
// Python process each). Each member handles one frame at a time.
type Pool struct {
	idle    chan Embedder
	members []Embedder
}

// NewPool returns a pool over members.
func NewPool(members ...Embedder) *Pool {
	p := &Pool{idle: make(chan Embedder, len(members)), members: members}
	for _, m := range members {
		p.idle <- m
	}
	return p
}

// Detect waits for an idle member and runs the detection on it.
func (p *Pool) Detect(ctx context.Context, frame []byte) (*types.Detection, error) {
	if len(p.members) == 0 {
		return nil, errors.New("embedder pool is empty")
	}
	var m Embedder
	select {
	case m = <-p.idle:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { p.idle <- m }()
	return m.Detect(ctx, frame)
}

// Close closes every member that implements io.Closer.
func (p *Pool) Close() error {
	var errs []error
	for _, m := range p.members {
		if c, ok := m.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
