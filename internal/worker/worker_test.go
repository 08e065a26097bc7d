package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/andresmejia3/facegate/internal/types"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

const testDim = 128

type fakeFace struct {
	box   [4]int32
	first float32
}

// writeFacesResponse writes a framed OK response containing faces.
func writeFacesResponse(dst *MockCloser, faces ...fakeFace) {
	payload := new(bytes.Buffer)
	payload.WriteByte(0)                                        // Status OK
	binary.Write(payload, binary.BigEndian, uint32(len(faces))) // NumFaces

	for _, f := range faces {
		binary.Write(payload, binary.BigEndian, f.box)

		vec := make([]float32, testDim)
		vec[0] = f.first
		binary.Write(payload, binary.BigEndian, vec)

		binary.Write(payload, binary.BigEndian, float32(0.99)) // Quality

		imgData := []byte{0xCA, 0xFE}
		binary.Write(payload, binary.BigEndian, uint32(len(imgData)))
		payload.Write(imgData)
	}

	binary.Write(dst, binary.BigEndian, uint32(payload.Len()))
	dst.Write(payload.Bytes())
}

func newMockWorker() (*PythonWorker, *MockCloser, *MockCloser) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	w := &PythonWorker{
		ID:       1,
		Stdin:    stdinMock,
		DataPipe: dataPipeMock,
		dim:      testDim,
		// Cmd is nil because we aren't testing process management, just the protocol
	}
	return w, stdinMock, dataPipeMock
}

func TestProcessFrame(t *testing.T) {
	w, stdinMock, dataPipeMock := newMockWorker()
	writeFacesResponse(dataPipeMock, fakeFace{box: [4]int32{10, 20, 20, 10}, first: 0.5})

	inputFrame := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	resp, err := w.ProcessFrame(inputFrame)
	if err != nil {
		t.Fatalf("ProcessFrame failed: %v", err)
	}

	// Verify Go sent the correct data TO Python
	sentData := stdinMock.Bytes()
	if len(sentData) != 4+len(inputFrame) {
		t.Errorf("Expected %d bytes sent, got %d", 4+len(inputFrame), len(sentData))
	}
	if binary.BigEndian.Uint32(sentData[:4]) != uint32(len(inputFrame)) {
		t.Errorf("Length header mismatch: %X", sentData[:4])
	}

	if len(resp) != 1 {
		t.Fatalf("Expected 1 face, got %d", len(resp))
	}
	if math.Abs(resp[0].Vec[0]-0.5) > 1e-9 {
		t.Errorf("Expected vector[0] approx 0.5, got %f", resp[0].Vec[0])
	}
	if len(resp[0].Vec) != testDim {
		t.Errorf("Expected %d-d vector, got %d", testDim, len(resp[0].Vec))
	}
	if !bytes.Equal(resp[0].Thumb, []byte{0xCA, 0xFE}) {
		t.Errorf("Unexpected thumbnail %X", resp[0].Thumb)
	}
}

func TestProcessFrame_Error(t *testing.T) {
	w, _, dataPipeMock := newMockWorker()

	// Protocol: [Status:1] [MsgLen] [Msg]
	payload := new(bytes.Buffer)
	payload.WriteByte(1) // Status ERROR

	errMsg := "Python Exception: cannot decode image"
	binary.Write(payload, binary.BigEndian, uint32(len(errMsg)))
	payload.WriteString(errMsg)

	binary.Write(dataPipeMock, binary.BigEndian, uint32(payload.Len()))
	dataPipeMock.Write(payload.Bytes())

	_, err := w.ProcessFrame([]byte("frame"))
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Error() != "python worker error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "python worker error: "+errMsg, err)
	}
	if !errors.Is(err, types.ErrDetection) {
		t.Error("Worker logic errors should count as detection failures")
	}
}

func TestProcessFrame_Truncated(t *testing.T) {
	w, _, dataPipeMock := newMockWorker()

	payload := []byte{0, 0, 0, 0, 1} // OK, 1 face, then nothing
	binary.Write(dataPipeMock, binary.BigEndian, uint32(len(payload)))
	dataPipeMock.Write(payload)

	if _, err := w.ProcessFrame([]byte("frame")); err == nil {
		t.Fatal("Expected error for truncated face payload")
	}
}

func TestProcessFrame_PipeClosed(t *testing.T) {
	w, _, _ := newMockWorker()
	if _, err := w.ProcessFrame([]byte("frame")); err == nil {
		t.Fatal("Expected error when the engine returns nothing")
	}
}

func TestDetect_LargestFace(t *testing.T) {
	w, _, dataPipeMock := newMockWorker()
	writeFacesResponse(dataPipeMock,
		fakeFace{box: [4]int32{0, 10, 10, 0}, first: 0.1},      // 10x10
		fakeFace{box: [4]int32{50, 150, 150, 50}, first: 0.7},  // 100x100
		fakeFace{box: [4]int32{200, 230, 230, 200}, first: 0.3}, // 30x30
	)

	det, err := w.Detect(context.Background(), []byte("frame"))
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if det == nil {
		t.Fatal("Expected a detection")
	}
	if math.Abs(det.Descriptor[0]-0.7) > 1e-6 {
		t.Errorf("Expected the largest face (0.7), got %f", det.Descriptor[0])
	}
	if det.Region != (types.Region{50, 150, 150, 50}) {
		t.Errorf("Unexpected region %v", det.Region)
	}
}

func TestDetect_NoFace(t *testing.T) {
	w, _, dataPipeMock := newMockWorker()
	writeFacesResponse(dataPipeMock)

	det, err := w.Detect(context.Background(), []byte("frame"))
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if det != nil {
		t.Errorf("Expected nil detection, got %+v", det)
	}
}
