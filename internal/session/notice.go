package session

import (
	"fmt"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
)

// NoticeLevel is how urgently the candidate's client should surface a notice.
type NoticeLevel string

const (
	LevelInfo     NoticeLevel = "info"
	LevelWarning  NoticeLevel = "warning"
	LevelCritical NoticeLevel = "critical"
	// LevelBanner is a persistent environmental notice rather than a toast.
	LevelBanner NoticeLevel = "banner"
)

// Notice codes.
const (
	CodeViolation          = "violation"
	CodeHighRisk           = "high_risk"
	CodeFullscreenRequired = "fullscreen_required"
	CodeFullscreenRestored = "fullscreen_restored"
	CodeCameraUnavailable  = "camera_unavailable"
	CodeTimeUp             = "time_up"
	CodeSubmitted          = "submitted"
	CodeTerminated         = "terminated"
	CodeExamPaused         = "exam_paused"
	CodeExamResumed        = "exam_resumed"
	CodeExaminerWarning    = "examiner_warning"
)

// Notice is a user-visible message for the candidate.
type Notice struct {
	Level    NoticeLevel         `json:"level"`
	Code     string              `json:"code"`
	Message  string              `json:"message,omitempty"`
	Kind     model.ViolationKind `json:"kind,omitempty"`
	Warnings int                 `json:"warnings,omitempty"`
	// Scale is the upper bound of the warning indicator.
	Scale int `json:"scale,omitempty"`
}

// Notifier delivers notices to the candidate. Implementations must not block.
type Notifier interface {
	Notify(n Notice)
}

// NopNotifier discards every notice.
type NopNotifier struct{}

func (NopNotifier) Notify(Notice) {}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

// violationNotice maps a monitor report to a toast. Counted violations escalate
// with the warning count and turn critical at highRisk; informational ones stay
// at info level.
func violationNotice(r proctor.Report, highRisk int) Notice {
	n := Notice{
		Level:   LevelInfo,
		Code:    CodeViolation,
		Kind:    r.Event.Kind,
		Message: r.Event.Detail,
	}
	if !r.Counted {
		return n
	}

	n.Warnings = r.Warnings
	n.Scale = WarningDisplayMax
	n.Level = LevelWarning
	if r.Warnings >= highRisk {
		n.Level = LevelCritical
	}
	n.Message = fmt.Sprintf("Warning %d/%d: %s", r.Warnings, WarningDisplayMax, r.Event.Detail)
	return n
}
