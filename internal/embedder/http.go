package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/andresmejia3/facegate/internal/types"
)

const defaultEmbeddingURL = "http://localhost:8000"

// HTTPClient calls an embedding server's /embed/face endpoint.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a client for baseURL (default http://localhost:8000).
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if baseURL == "" {
		baseURL = defaultEmbeddingURL
	}
	return &HTTPClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// faceDetection is a single face in the server's response.
type faceDetection struct {
	FaceIndex int       `json:"face_index"`
	Dim       int       `json:"dim"`
	Embedding []float32 `json:"embedding"`
	BBox      []float64 `json:"bbox"` // [x1, y1, x2, y2]
	DetScore  float64   `json:"det_score"`
}

type faceResponse struct {
	FacesCount int             `json:"faces_count"`
	Faces      []faceDetection `json:"faces"`
	Model      string          `json:"model"`
}

// Detect posts the frame and returns the largest face, or nil when none was found.
func (c *HTTPClient) Detect(ctx context.Context, frame []byte) (*types.Detection, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(frame); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed/face", &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	// 4xx means the server rejected this frame, not that the server is broken.
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return nil, fmt.Errorf("embedding server rejected frame (status %d): %s: %w", resp.StatusCode, string(body), types.ErrDetection)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var faceResp faceResponse
	if err := json.Unmarshal(body, &faceResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %v: %w", err, types.ErrDetection)
	}

	return largestFace(faceResp.Faces), nil
}

func largestFace(faces []faceDetection) *types.Detection {
	var best *faceDetection
	bestArea := -1.0
	for i := range faces {
		f := &faces[i]
		if len(f.Embedding) == 0 || len(f.BBox) < 4 {
			continue
		}
		area := (f.BBox[2] - f.BBox[0]) * (f.BBox[3] - f.BBox[1])
		if area > bestArea {
			bestArea = area
			best = f
		}
	}
	if best == nil {
		return nil
	}

	desc := make(types.FaceDescriptor, len(best.Embedding))
	for i, v := range best.Embedding {
		desc[i] = float64(v)
	}
	return &types.Detection{
		Descriptor: desc,
		Region: types.Region{
			int(best.BBox[1]), int(best.BBox[2]), int(best.BBox[3]), int(best.BBox[0]),
		},
		Quality: best.DetScore,
	}
}
