package utils

import (
	"bufio"
	"bytes"
	"context"
	"slices"
	"testing"
)

func TestSplitJpeg(t *testing.T) {
	// Construct a stream containing: [Garbage] [JPEG] [Garbage]
	// SOI (Start of Image): FF D8
	// EOI (End of Image):   FF D9

	jpegData := []byte{0xFF, 0xD8, 0x01, 0x02, 0x03, 0xFF, 0xD9}

	streamData := []byte{0x00, 0x00} // Garbage at start
	streamData = append(streamData, jpegData...)
	streamData = append(streamData, []byte{0x00, 0x00}...) // Garbage at end

	scanner := bufio.NewScanner(bytes.NewReader(streamData))
	scanner.Split(SplitJpeg)

	if !scanner.Scan() {
		t.Fatal("Expected to find a token, got EOF")
	}

	if !bytes.Equal(scanner.Bytes(), jpegData) {
		t.Errorf("Expected %X, got %X", jpegData, scanner.Bytes())
	}

	// Trailing garbage is not a JPEG
	if scanner.Scan() {
		t.Error("Expected only one token, found more")
	}
}

func TestSplitJpeg_BackToBackFrames(t *testing.T) {
	a := []byte{0xFF, 0xD8, 0xAA, 0xFF, 0xD9}
	b := []byte{0xFF, 0xD8, 0xBB, 0xBB, 0xFF, 0xD9}
	stream := append(append([]byte{}, a...), b...)

	scanner := bufio.NewScanner(bytes.NewReader(stream))
	scanner.Split(SplitJpeg)

	var got [][]byte
	for scanner.Scan() {
		got = append(got, append([]byte(nil), scanner.Bytes()...))
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 frames, got %d", len(got))
	}
	if !bytes.Equal(got[0], a) || !bytes.Equal(got[1], b) {
		t.Errorf("Frames split incorrectly: %X", got)
	}
}

func TestNewFFmpegCameraCmd(t *testing.T) {
	cmd := NewFFmpegCameraCmd(context.Background(), "v4l2", "/dev/video0", 15)

	for _, want := range []string{"v4l2", "/dev/video0", "15", "image2pipe", "mjpeg"} {
		if !slices.Contains(cmd.Args, want) {
			t.Errorf("Expected %q in ffmpeg args %v", want, cmd.Args)
		}
	}

	noRate := NewFFmpegCameraCmd(context.Background(), "v4l2", "/dev/video0", 0)
	if slices.Contains(noRate.Args, "-framerate") {
		t.Error("Did not expect -framerate when fps is 0")
	}
}
