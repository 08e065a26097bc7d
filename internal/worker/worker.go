package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/utils"
)

// Config controls how the Python engine is launched.
type Config struct {
	Script             string
	Dim                int // embedding length the model emits
	DetectionThreshold float64
	ReadTimeout        time.Duration
}

// Face is one face as reported by the Python engine.
type Face struct {
	Loc     types.Region // [top, right, bottom, left]
	Vec     []float64
	Quality float64
	Thumb   []byte // JPEG crop of the face
}

// WorkerError is a logic error reported by the engine for a single frame
// (e.g. a frame it could not decode). It counts as a detection failure.
type WorkerError struct {
	Msg string
}

func (e *WorkerError) Error() string { return "python worker error: " + e.Msg }

func (e *WorkerError) Is(target error) bool { return target == types.ErrDetection }

type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// PythonWorker drives one Python face engine process.
type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	dim         int
	readTimeout time.Duration
	mu          sync.Mutex
}

// NewPythonWorker spawns the engine. Frames go in over stdin; results come back over FD 3.
func NewPythonWorker(ctx context.Context, id int, cfg Config) (*PythonWorker, error) {
	if cfg.Script == "" {
		cfg.Script = "python/worker.py"
	}
	if cfg.Dim <= 0 {
		cfg.Dim = 512
	}

	py := utils.NewSafeCommand(ctx, "python3", "-u", cfg.Script,
		"--dim", strconv.Itoa(cfg.Dim),
		"--detection-threshold", strconv.FormatFloat(cfg.DetectionThreshold, 'f', -1, 64),
	)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:          id,
		Cmd:         py,
		Stdin:       stdin,
		DataPipe:    r,
		dim:         cfg.Dim,
		readTimeout: cfg.ReadTimeout,
	}, nil
}

// ProcessFrame sends one JPEG and returns every face the engine found.
//
// Protocol: request [Len:u32][JPEG]; response [Len:u32][Body] where Body is
// [Status:u8=0][NumFaces:u32] then per face [Box:4×i32][Vec:dim×f32][Quality:f32][ImgLen:u32][Img],
// or [Status:u8=1][MsgLen:u32][Msg] on error.
func (w *PythonWorker) ProcessFrame(data []byte) ([]Face, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	if d, ok := w.DataPipe.(deadliner); ok && w.readTimeout > 0 {
		d.SetReadDeadline(time.Now().Add(w.readTimeout))
		defer d.SetReadDeadline(time.Time{})
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch the "ModuleNotFoundError" crash
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, respBody); err != nil {
		return nil, err
	}

	return parseFaces(respBody, w.dimOrDefault())
}

func (w *PythonWorker) dimOrDefault() int {
	if w.dim <= 0 {
		return 512
	}
	return w.dim
}

func parseFaces(body []byte, dim int) ([]Face, error) {
	r := bytes.NewReader(body)

	status, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("empty worker response: %w", err)
	}

	if status != 0 {
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("truncated worker error: %w", err)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("truncated worker error: %w", err)
		}
		return nil, &WorkerError{Msg: string(msg)}
	}

	var numFaces uint32
	if err := binary.Read(r, binary.BigEndian, &numFaces); err != nil {
		return nil, fmt.Errorf("truncated face count: %w", err)
	}

	faces := make([]Face, 0, numFaces)
	vec32 := make([]float32, dim)
	for i := uint32(0); i < numFaces; i++ {
		var box [4]int32
		if err := binary.Read(r, binary.BigEndian, &box); err != nil {
			return nil, fmt.Errorf("face %d: truncated box: %w", i, err)
		}
		if err := binary.Read(r, binary.BigEndian, vec32); err != nil {
			return nil, fmt.Errorf("face %d: truncated vector: %w", i, err)
		}
		var quality float32
		if err := binary.Read(r, binary.BigEndian, &quality); err != nil {
			return nil, fmt.Errorf("face %d: truncated quality: %w", i, err)
		}
		var imgLen uint32
		if err := binary.Read(r, binary.BigEndian, &imgLen); err != nil {
			return nil, fmt.Errorf("face %d: truncated thumbnail length: %w", i, err)
		}
		thumb := make([]byte, imgLen)
		if _, err := io.ReadFull(r, thumb); err != nil {
			return nil, fmt.Errorf("face %d: truncated thumbnail: %w", i, err)
		}

		vec := make([]float64, dim)
		for j, v := range vec32 {
			vec[j] = float64(v)
		}
		faces = append(faces, Face{
			Loc:     types.Region{int(box[0]), int(box[1]), int(box[2]), int(box[3])},
			Vec:     vec,
			Quality: float64(quality),
			Thumb:   thumb,
		})
	}
	return faces, nil
}

// Detect implements embedder.Embedder. When several faces are in frame the largest one wins.
func (w *PythonWorker) Detect(ctx context.Context, frame []byte) (*types.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	faces, err := w.ProcessFrame(frame)
	if err != nil {
		return nil, err
	}
	if len(faces) == 0 {
		return nil, nil
	}

	best := faces[0]
	maxArea := area(best.Loc)
	for _, f := range faces[1:] {
		if a := area(f.Loc); a > maxArea {
			maxArea = a
			best = f
		}
	}
	return &types.Detection{Descriptor: best.Vec, Region: best.Loc, Quality: best.Quality}, nil
}

func area(loc types.Region) int {
	return (loc[2] - loc[0]) * (loc[1] - loc[3])
}

// Close shuts the engine down and waits for the process to exit.
func (w *PythonWorker) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil {
		return w.Cmd.Wait()
	}
	return nil
}
