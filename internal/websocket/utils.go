package websocket

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	// readWait bounds silence from the client; the client pings well inside it.
	readWait = 2 * time.Minute
	// MaxMessageSize fits a 640x480 JPEG frame as a base64 data URI.
	MaxMessageSize = 512 * 1024
)

// WriteTyped sends a strongly-typed response payload over the WebSocket.
// Callers serialize writes; gorilla connections allow one concurrent writer.
func WriteTyped(conn *websocket.Conn, v interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

// WriteError sends a typed ErrorResponse over the WebSocket.
func WriteError(conn *websocket.Conn, errMsg string) error {
	return WriteTyped(conn, ErrorResponse{
		Event: EventError,
		Error: errMsg,
	})
}

// ReadMessage reads one frame and peeks at its action. The raw bytes stay on
// the envelope so the caller can decode the action-specific request.
func ReadMessage(conn *websocket.Conn) (*RequestEnvelope, error) {
	conn.SetReadDeadline(time.Now().Add(readWait))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	env := &RequestEnvelope{Raw: data}
	if err := json.Unmarshal(data, env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// Decode unmarshals the envelope's raw message into v.
func (e *RequestEnvelope) Decode(v interface{}) error {
	return json.Unmarshal(e.Raw, v)
}
