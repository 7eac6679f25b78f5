package websocket

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/session"
)

var (
	ErrNotConnected  = errors.New("client not connected")
	ErrCameraDenied  = errors.New("camera permission denied")
	ErrNoFrame       = errors.New("no camera frame received yet")
	errFrameEncoding = errors.New("frame is not a base64 JPEG data URI")
)

// ClientLink is the server side of one candidate's browser. It drives
// fullscreen and the camera by sending commands, and carries notices back.
// A link outlives individual connections: reconnecting binds a new conn.
type ClientLink struct {
	log zerolog.Logger

	writeMu sync.Mutex

	mu     sync.Mutex
	conn   *websocket.Conn
	bound  chan struct{}
	frame  []byte
	camera chan CameraStatusRequest
}

var (
	_ proctor.Display = (*ClientLink)(nil)
	_ proctor.Camera  = (*ClientLink)(nil)
	_ session.Notifier = (*ClientLink)(nil)
)

// NewClientLink creates an unbound link.
func NewClientLink(log zerolog.Logger) *ClientLink {
	return &ClientLink{
		log:    log.With().Str("component", "client_link").Logger(),
		bound:  make(chan struct{}),
		camera: make(chan CameraStatusRequest, 1),
	}
}

// Bind attaches conn. A previously bound connection is told it was replaced
// and closed, so only one browser tab drives an attempt.
func (l *ClientLink) Bind(conn *websocket.Conn) {
	l.mu.Lock()
	old := l.conn
	l.conn = conn
	select {
	case <-l.bound:
	default:
		close(l.bound)
	}
	l.mu.Unlock()

	if old != nil && old != conn {
		l.writeMu.Lock()
		_ = WriteError(old, "session opened in another window")
		_ = old.Close()
		l.writeMu.Unlock()
	}
}

// Unbind detaches conn if it is still the bound connection.
func (l *ClientLink) Unbind(conn *websocket.Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != conn {
		return
	}
	l.conn = nil
	l.frame = nil
	l.bound = make(chan struct{})
}

// Connected reports whether a connection is bound.
func (l *ClientLink) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

// Send writes v to the bound connection.
func (l *ClientLink) Send(v interface{}) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return WriteTyped(conn, v)
}

// Notify delivers a notice. Undeliverable notices are dropped.
func (l *ClientLink) Notify(n session.Notice) {
	if err := l.Send(NoticeResponse{Event: EventNotice, Notice: n}); err != nil {
		l.log.Debug().Err(err).Str("code", n.Code).Msg("Notice dropped")
	}
}

// RequestFullscreen asks the browser to enter fullscreen. The browser's
// answer arrives later as a fullscreenchange signal.
func (l *ClientLink) RequestFullscreen(context.Context) error {
	return l.Send(CommandResponse{Event: EventCommand, Command: CommandFullscreenEnter})
}

// ExitFullscreen asks the browser to leave fullscreen.
func (l *ClientLink) ExitFullscreen(context.Context) error {
	return l.Send(CommandResponse{Event: EventCommand, Command: CommandFullscreenExit})
}

// Open asks the browser for the camera and waits for its answer. It waits
// for a connection first when none is bound yet.
func (l *ClientLink) Open(ctx context.Context) (proctor.Stream, error) {
	for {
		l.mu.Lock()
		bound, connected := l.bound, l.conn != nil
		l.mu.Unlock()
		if connected {
			break
		}
		select {
		case <-bound:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrNotConnected, ctx.Err())
		}
	}

	// Drop an answer left over from an earlier request.
	select {
	case <-l.camera:
	default:
	}

	err := l.Send(CommandResponse{
		Event:   EventCommand,
		Command: CommandCameraOpen,
		Width:   proctor.CaptureWidth,
		Height:  proctor.CaptureHeight,
	})
	if err != nil {
		return nil, err
	}

	select {
	case status := <-l.camera:
		if !status.Granted {
			if status.Error != "" {
				return nil, fmt.Errorf("%w: %s", ErrCameraDenied, status.Error)
			}
			return nil, ErrCameraDenied
		}
		return &clientStream{link: l}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CameraStatus records the browser's answer to a camera_open command.
func (l *ClientLink) CameraStatus(status CameraStatusRequest) {
	select {
	case l.camera <- status:
	default:
		l.log.Debug().Msg("Unsolicited camera status dropped")
	}
}

// PushFrame stores the latest camera frame, a base64 JPEG data URI.
func (l *ClientLink) PushFrame(dataURI string) error {
	raw, err := decodeDataURI(dataURI)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.frame = raw
	l.mu.Unlock()
	return nil
}

func (l *ClientLink) latestFrame() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.frame
}

type clientStream struct {
	link *ClientLink
	once sync.Once
}

func (s *clientStream) Frame() (image.Image, error) {
	raw := s.link.latestFrame()
	if raw == nil {
		return nil, ErrNoFrame
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return img, nil
}

func (s *clientStream) Close() error {
	var err error
	s.once.Do(func() {
		s.link.mu.Lock()
		s.link.frame = nil
		s.link.mu.Unlock()

		err = s.link.Send(CommandResponse{Event: EventCommand, Command: CommandCameraClose})
		if errors.Is(err, ErrNotConnected) {
			err = nil
		}
	})
	return err
}

func decodeDataURI(uri string) ([]byte, error) {
	header, payload, ok := strings.Cut(uri, ",")
	if !ok || !strings.HasPrefix(header, "data:image/jpeg") || !strings.HasSuffix(header, ";base64") {
		return nil, errFrameEncoding
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errFrameEncoding, err)
	}
	return raw, nil
}
