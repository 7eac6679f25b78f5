package proctor

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
)

// Capture defaults mirror the constraints requested from the candidate's camera.
const (
	CaptureWidth   = 640
	CaptureHeight  = 480
	CaptureQuality = 80
)

// ErrNoStream is returned when a capture is requested without an open camera.
var ErrNoStream = errors.New("no active camera stream")

// Display drives the candidate's fullscreen state. The fullscreen element is
// a shared browser resource: implementations only request and release it.
type Display interface {
	RequestFullscreen(ctx context.Context) error
	ExitFullscreen(ctx context.Context) error
}

// Camera opens the candidate's webcam.
type Camera interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream is an open camera. The monitor owns it exclusively until Close.
type Stream interface {
	Frame() (image.Image, error)
	Close() error
}

// EncodeDataURI renders img as a JPEG data URI.
func EncodeDataURI(img image.Image, quality int) (string, error) {
	if img == nil {
		return "", errors.New("nil frame")
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return "", fmt.Errorf("encode jpeg: %w", err)
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
