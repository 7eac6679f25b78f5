package model

import "time"

// DefaultWebcamInterval is used when a config leaves the capture interval unset.
const DefaultWebcamInterval = 30

// ProctoringConfig gates each monitor listener independently.
// Enabled=false disables every listener regardless of the sub-flags.
type ProctoringConfig struct {
	Enabled               bool `json:"enabled"`
	FullscreenEnforcement bool `json:"fullscreen_enforcement"`
	TabSwitchDetection    bool `json:"tab_switch_detection"`
	CopyPastePrevention   bool `json:"copy_paste_prevention"`
	RightClickPrevention  bool `json:"right_click_prevention"`
	WebcamCapture         bool `json:"webcam_capture"`
	// WebcamInterval is the number of seconds between captures.
	WebcamInterval int `json:"webcam_interval" binding:"omitempty,min=1,max=3600"`
}

// DefaultProctoringConfig enables every safeguard except the webcam.
func DefaultProctoringConfig() ProctoringConfig {
	return ProctoringConfig{
		Enabled:               true,
		FullscreenEnforcement: true,
		TabSwitchDetection:    true,
		CopyPastePrevention:   true,
		RightClickPrevention:  true,
		WebcamCapture:         false,
		WebcamInterval:        DefaultWebcamInterval,
	}
}

// Fullscreen reports whether fullscreen enforcement is active.
func (c ProctoringConfig) Fullscreen() bool { return c.Enabled && c.FullscreenEnforcement }

// TabSwitch reports whether visibility changes are observed.
func (c ProctoringConfig) TabSwitch() bool { return c.Enabled && c.TabSwitchDetection }

// Clipboard reports whether copy/cut/paste are observed.
func (c ProctoringConfig) Clipboard() bool { return c.Enabled && c.CopyPastePrevention }

// ContextMenu reports whether right-clicks are observed.
func (c ProctoringConfig) ContextMenu() bool { return c.Enabled && c.RightClickPrevention }

// Webcam reports whether the camera is opened.
func (c ProctoringConfig) Webcam() bool { return c.Enabled && c.WebcamCapture }

// CaptureInterval returns the webcam capture period, falling back to the default.
func (c ProctoringConfig) CaptureInterval() time.Duration {
	if c.WebcamInterval <= 0 {
		return DefaultWebcamInterval * time.Second
	}
	return time.Duration(c.WebcamInterval) * time.Second
}
