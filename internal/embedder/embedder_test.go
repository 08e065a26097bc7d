package embedder

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/facegate/internal/types"
)

func TestHTTPClient_Detect_PicksLargestFace(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embed/face" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			t.Errorf("Missing multipart file: %v", err)
			return
		}
		data, _ := io.ReadAll(file)
		if len(data) != 4 {
			t.Errorf("Expected 4 frame bytes, got %d", len(data))
		}

		json.NewEncoder(w).Encode(faceResponse{
			FacesCount: 2,
			Faces: []faceDetection{
				{FaceIndex: 0, Dim: 2, Embedding: []float32{0.1, 0.2}, BBox: []float64{0, 0, 10, 10}, DetScore: 0.9},
				{FaceIndex: 1, Dim: 2, Embedding: []float32{0.5, 0.5}, BBox: []float64{10, 20, 110, 220}, DetScore: 0.8},
			},
		})
	}))
	defer server.Close()

	c := NewHTTPClient(server.URL+"/", time.Second)
	det, err := c.Detect(context.Background(), []byte{0xFF, 0xD8, 0xFF, 0xD9})
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if det == nil {
		t.Fatal("Expected a detection")
	}
	if det.Descriptor[0] != 0.5 {
		t.Errorf("Expected the larger face, got descriptor %v", det.Descriptor)
	}
	if det.Region != (types.Region{20, 110, 220, 10}) {
		t.Errorf("Unexpected region %v", det.Region)
	}
}

func TestHTTPClient_Detect_NoFace(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"faces_count":0,"faces":[]}`))
	}))
	defer server.Close()

	det, err := NewHTTPClient(server.URL, time.Second).Detect(context.Background(), []byte("frame"))
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if det != nil {
		t.Errorf("Expected no detection, got %+v", det)
	}
}

func TestHTTPClient_Detect_Errors(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantDetection bool
	}{
		{"Malformed image", http.StatusUnprocessableEntity, `{"detail":"cannot decode"}`, true},
		{"Garbage JSON", http.StatusOK, `not json`, true},
		{"Server failure", http.StatusInternalServerError, `boom`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewHTTPClient(server.URL, time.Second).Detect(context.Background(), []byte("frame"))
			if err == nil {
				t.Fatal("Expected error")
			}
			if got := errors.Is(err, types.ErrDetection); got != tt.wantDetection {
				t.Errorf("errors.Is(ErrDetection) = %v, want %v (err: %v)", got, tt.wantDetection, err)
			}
		})
	}
}

// scriptedEmbedder returns detections keyed by the first byte of the frame.
type scriptedEmbedder struct {
	byMarker map[byte]*types.Detection
	errs     map[byte]error
}

func (s *scriptedEmbedder) Detect(ctx context.Context, frame []byte) (*types.Detection, error) {
	if err := s.errs[frame[0]]; err != nil {
		return nil, err
	}
	return s.byMarker[frame[0]], nil
}

func TestResolve(t *testing.T) {
	e := &scriptedEmbedder{
		byMarker: map[byte]*types.Detection{
			1: {Descriptor: types.FaceDescriptor{1, 0}},
			3: {Descriptor: types.FaceDescriptor{0, 1}},
		},
		errs: map[byte]error{4: types.ErrDetection},
	}
	ref := types.NewDeferredReferenceSet("p1", [][]byte{{1}, {2}, {3}, {4}})

	got, err := Resolve(context.Background(), e, ref)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got.Len() != 2 || got.PassengerID != "p1" {
		t.Fatalf("Expected 2 descriptors for p1, got %d for %q", got.Len(), got.PassengerID)
	}
}

func TestResolve_NothingDetected(t *testing.T) {
	e := &scriptedEmbedder{}
	ref := types.NewDeferredReferenceSet("p1", [][]byte{{1}, {2}})

	if _, err := Resolve(context.Background(), e, ref); !errors.Is(err, types.ErrNoReference) {
		t.Fatalf("Expected ErrNoReference, got %v", err)
	}
	if _, err := Resolve(context.Background(), e, nil); !errors.Is(err, types.ErrNoReference) {
		t.Fatalf("Expected ErrNoReference for nil set, got %v", err)
	}
}

func TestResolve_PassesThroughEmbeddedSet(t *testing.T) {
	ref := types.NewReferenceSet("p1", []types.FaceDescriptor{{1, 2}})
	got, err := Resolve(context.Background(), &scriptedEmbedder{}, ref)
	if err != nil || got != ref {
		t.Fatalf("Expected the same set back, got %v, %v", got, err)
	}
}

// serialEmbedder fails the test if it is entered concurrently.
type serialEmbedder struct {
	t      *testing.T
	active atomic.Int32
	calls  atomic.Int32
}

func (s *serialEmbedder) Detect(ctx context.Context, frame []byte) (*types.Detection, error) {
	if s.active.Add(1) > 1 {
		s.t.Error("Embedder entered concurrently")
	}
	defer s.active.Add(-1)
	s.calls.Add(1)
	time.Sleep(time.Millisecond)
	return &types.Detection{Descriptor: types.FaceDescriptor{1}}, nil
}

func TestPool_SerializesEachMember(t *testing.T) {
	a := &serialEmbedder{t: t}
	b := &serialEmbedder{t: t}
	pool := NewPool(a, b)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := pool.Detect(context.Background(), []byte{1}); err != nil {
				t.Errorf("Detect failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if total := a.calls.Load() + b.calls.Load(); total != 20 {
		t.Errorf("Expected 20 detections, got %d", total)
	}
}

func TestPool_Empty(t *testing.T) {
	if _, err := NewPool().Detect(context.Background(), []byte{1}); err == nil {
		t.Error("Expected error from empty pool")
	}
}
