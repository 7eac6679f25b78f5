package model

import (
	"time"

	"github.com/google/uuid"
)

// ViolationKind classifies a proctoring signal.
type ViolationKind string

const (
	ViolationTabSwitch      ViolationKind = "tab_switch"
	ViolationFullscreenExit ViolationKind = "fullscreen_exit"
	ViolationCopyPaste      ViolationKind = "copy_paste"
	ViolationRightClick     ViolationKind = "right_click"
	ViolationWebcam         ViolationKind = "webcam_violation"
	ViolationMultipleFaces  ViolationKind = "multiple_faces"
	ViolationNoFace         ViolationKind = "no_face"
	ViolationIPChange       ViolationKind = "ip_change"
)

// CountsAsWarning reports whether the kind increments the attempt's warning counter.
// multiple_faces is declared but nothing emits it until a vision-analysis collaborator exists.
func (k ViolationKind) CountsAsWarning() bool {
	switch k {
	case ViolationTabSwitch, ViolationFullscreenExit, ViolationCopyPaste, ViolationMultipleFaces:
		return true
	}
	return false
}

// Severity grades a violation for examiner review.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Severity returns the review severity recorded for the kind.
func (k ViolationKind) Severity() Severity {
	switch k {
	case ViolationTabSwitch, ViolationFullscreenExit, ViolationCopyPaste:
		return SeverityMedium
	case ViolationMultipleFaces:
		return SeverityHigh
	default:
		return SeverityLow
	}
}

// Valid reports whether k is a known kind.
func (k ViolationKind) Valid() bool {
	switch k {
	case ViolationTabSwitch, ViolationFullscreenExit, ViolationCopyPaste, ViolationRightClick,
		ViolationWebcam, ViolationMultipleFaces, ViolationNoFace, ViolationIPChange:
		return true
	}
	return false
}

// ViolationEvent is an immutable record of one proctoring signal.
type ViolationEvent struct {
	Kind      ViolationKind `json:"kind"`
	Timestamp time.Time     `json:"timestamp"`
	Detail    string        `json:"detail,omitempty"`
}

// ProctorLog is a persisted violation event belonging to an attempt.
type ProctorLog struct {
	ID        int64         `json:"id"`
	AttemptID uuid.UUID     `json:"attempt_id"`
	ExamID    uuid.UUID     `json:"exam_id"`
	Kind      ViolationKind `json:"kind"`
	Severity  Severity      `json:"severity"`
	Detail    string        `json:"detail,omitempty"`
	Warnings  int           `json:"warnings"`
	// Offset is the number of seconds since the attempt started.
	Offset     int       `json:"offset"`
	RecordedAt time.Time `json:"recorded_at"`
}
