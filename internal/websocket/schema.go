package websocket

import (
	"encoding/json"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/session"
	"github.com/stemsi/exstem-proctor/internal/timer"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionSignal       Action = "signal"
	ActionAnswer       Action = "answer"
	ActionFrame        Action = "frame"
	ActionCameraStatus Action = "camera_status"
	ActionSubmit       Action = "submit"
	ActionPing         Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action          `json:"action"`
	Raw    json.RawMessage `json:"-"`
}

// SignalRequest reports one browser event. A rejected fullscreen request is
// reported as fullscreenchange with fullscreen=false and has_focus=false.
type SignalRequest struct {
	Action     Action `json:"action"`
	Type       string `json:"type" binding:"required,signal_type"`
	Hidden     bool   `json:"hidden"`
	Fullscreen bool   `json:"fullscreen"`
	HasFocus   bool   `json:"has_focus"`
	Key        string `json:"key" binding:"max=32"`
	Ctrl       bool   `json:"ctrl"`
	Shift      bool   `json:"shift"`
}

// Signal converts the request into a bus signal.
func (r SignalRequest) Signal() proctor.Signal {
	return proctor.Signal{
		Type:       proctor.SignalType(r.Type),
		Hidden:     r.Hidden,
		Fullscreen: r.Fullscreen,
		HasFocus:   r.HasFocus,
		Key:        r.Key,
		Ctrl:       r.Ctrl,
		Shift:      r.Shift,
	}
}

// AnswerRequest autosaves a single answer.
type AnswerRequest struct {
	Action Action          `json:"action"`
	QID    string          `json:"q_id" binding:"required,uuid"`
	Answer json.RawMessage `json:"ans" binding:"required"`
}

// FrameRequest carries the latest camera frame as a JPEG data URI.
type FrameRequest struct {
	Action Action `json:"action"`
	Data   string `json:"data" binding:"required"`
}

// CameraStatusRequest answers a camera_open command.
type CameraStatusRequest struct {
	Action  Action `json:"action"`
	Granted bool   `json:"granted"`
	Error   string `json:"error,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventError     Event = "error"
	EventAck       Event = "ack"
	EventNotice    Event = "notice"
	EventTick      Event = "tick"
	EventCommand   Event = "command"
	EventState     Event = "state"
	EventSubmitted Event = "submitted"
	EventPong      Event = "pong"
)

// Command names sent with EventCommand.
type Command string

const (
	CommandFullscreenEnter Command = "fullscreen_enter"
	CommandFullscreenExit  Command = "fullscreen_exit"
	CommandCameraOpen      Command = "camera_open"
	CommandCameraClose     Command = "camera_close"
)

type AckResponse struct {
	Event     Event  `json:"event"`
	Action    Action `json:"action"`
	Status    string `json:"status,omitempty"`
	Prevented bool   `json:"prevented,omitempty"`
}

type NoticeResponse struct {
	Event  Event          `json:"event"`
	Notice session.Notice `json:"notice"`
}

type TickResponse struct {
	Event Event          `json:"event"`
	Timer timer.Snapshot `json:"timer"`
}

type CommandResponse struct {
	Event   Event   `json:"event"`
	Command Command `json:"command"`
	Width   int     `json:"width,omitempty"`
	Height  int     `json:"height,omitempty"`
}

type StateResponse struct {
	Event Event         `json:"event"`
	State session.State `json:"state"`
}

type SubmittedResponse struct {
	Event   Event         `json:"event"`
	Attempt model.Attempt `json:"attempt"`
}

type ErrorResponse struct {
	Event  Event             `json:"event"`
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
