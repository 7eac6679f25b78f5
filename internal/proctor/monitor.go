// Package proctor observes integrity signals for one exam attempt, classifies
// them into violation events and owns the fullscreen and webcam side effects.
package proctor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"k8s.io/utils/clock"
)

// DefaultCameraTimeout bounds how long the monitor waits for camera permission.
const DefaultCameraTimeout = 10 * time.Second

// Report is delivered to the host for every classified signal. Warnings
// already includes the event when Counted is true.
type Report struct {
	Event    model.ViolationEvent
	Warnings int
	Counted  bool
}

// EventHandler is invoked synchronously for every classified signal.
type EventHandler func(Report)

// Snapshot is one periodic webcam capture.
type Snapshot struct {
	TakenAt time.Time
	DataURI string
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock replaces the wall clock used for timestamps and capture scheduling.
func WithClock(c clock.WithTicker) Option {
	return func(m *Monitor) { m.clock = c }
}

// WithLogger sets the diagnostic logger.
func WithLogger(log zerolog.Logger) Option {
	return func(m *Monitor) { m.log = log.With().Str("component", "proctor").Logger() }
}

// WithSnapshotHandler receives every periodic webcam capture.
func WithSnapshotHandler(fn func(Snapshot)) Option {
	return func(m *Monitor) { m.onSnapshot = fn }
}

// WithCameraTimeout bounds the camera permission wait.
func WithCameraTimeout(d time.Duration) Option {
	return func(m *Monitor) { m.cameraTimeout = d }
}

// Monitor is the proctoring state for one attempt.
type Monitor struct {
	cfg           model.ProctoringConfig
	bus           *Bus
	display       Display
	camera        Camera
	onEvent       EventHandler
	onSnapshot    func(Snapshot)
	clock         clock.WithTicker
	log           zerolog.Logger
	cameraTimeout time.Duration

	// emitMu serializes record-then-notify so reports reach the host in emission order.
	emitMu sync.Mutex

	mu         sync.Mutex
	active     bool
	events     []model.ViolationEvent
	warnings   int
	fullscreen bool
	banner     bool
	unsubs     []func()
	stream     Stream
	cancelCam  context.CancelFunc
}

// New creates an inactive monitor. display and camera may be nil when the
// transport cannot drive them; the monitor degrades as if the API were missing.
func New(cfg model.ProctoringConfig, bus *Bus, display Display, camera Camera, onEvent EventHandler, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:           cfg,
		bus:           bus,
		display:       display,
		camera:        camera,
		onEvent:       onEvent,
		clock:         clock.RealClock{},
		log:           zerolog.Nop(),
		cameraTimeout: DefaultCameraTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the configuration the monitor was built with.
func (m *Monitor) Config() model.ProctoringConfig { return m.cfg }

// StartProctoring resets the event log and warning counter, attaches every
// enabled listener and, when configured, requests fullscreen and opens the camera.
// Calling it again starts a fresh cycle.
func (m *Monitor) StartProctoring(ctx context.Context) {
	m.mu.Lock()
	m.teardownLocked()
	m.events = nil
	m.warnings = 0
	m.active = true
	if m.cfg.Enabled {
		m.attachLocked()
	}
	var camCtx context.Context
	if m.cfg.Webcam() {
		camCtx, m.cancelCam = context.WithCancel(context.Background())
	}
	m.mu.Unlock()

	if m.cfg.Fullscreen() {
		m.RequestFullscreen(ctx)
	}
	if camCtx != nil {
		go m.initWebcam(camCtx)
	}
}

// StopProctoring detaches every listener, releases the camera and exits
// fullscreen if it is engaged. It is safe to call at any time, repeatedly.
func (m *Monitor) StopProctoring(ctx context.Context) {
	m.mu.Lock()
	m.active = false
	m.teardownLocked()
	wasFullscreen := m.fullscreen
	m.mu.Unlock()

	if wasFullscreen {
		m.ExitFullscreen(ctx)
	}
}

// Dispose is the single teardown for every exit path.
func (m *Monitor) Dispose() {
	m.StopProctoring(context.Background())
}

// teardownLocked releases listeners and the camera. Callers hold m.mu.
func (m *Monitor) teardownLocked() {
	for _, unsub := range m.unsubs {
		unsub()
	}
	m.unsubs = nil

	if m.cancelCam != nil {
		m.cancelCam()
		m.cancelCam = nil
	}
	if m.stream != nil {
		if err := m.stream.Close(); err != nil {
			m.log.Warn().Err(err).Msg("Camera stream close failed")
		}
		m.stream = nil
	}
}

func (m *Monitor) attachLocked() {
	if m.cfg.Fullscreen() {
		m.subscribeLocked(SignalFullscreen, m.handleFullscreen)
	}
	if m.cfg.TabSwitch() {
		m.subscribeLocked(SignalVisibility, m.handleVisibility)
	}
	if m.cfg.Clipboard() {
		m.subscribeLocked(SignalCopy, m.handleClipboard)
		m.subscribeLocked(SignalCut, m.handleClipboard)
		m.subscribeLocked(SignalPaste, m.handleClipboard)
	}
	if m.cfg.ContextMenu() {
		m.subscribeLocked(SignalContextMenu, m.handleContextMenu)
	}
	m.subscribeLocked(SignalKeyDown, m.handleKeyDown)
}

func (m *Monitor) subscribeLocked(t SignalType, fn Listener) {
	m.unsubs = append(m.unsubs, m.bus.Subscribe(t, fn))
}

func (m *Monitor) handleVisibility(s Signal) bool {
	if s.Hidden {
		m.addEvent(model.ViolationTabSwitch, "User switched to another tab/window")
	}
	return false
}

func (m *Monitor) handleFullscreen(s Signal) bool {
	m.mu.Lock()
	m.fullscreen = s.Fullscreen
	m.banner = !s.Fullscreen
	m.mu.Unlock()

	if !s.Fullscreen && s.HasFocus {
		m.addEvent(model.ViolationFullscreenExit, "User exited fullscreen mode")
	}
	return false
}

func (m *Monitor) handleClipboard(s Signal) bool {
	m.addEvent(model.ViolationCopyPaste, fmt.Sprintf("Attempted %s", s.Type))
	return true
}

func (m *Monitor) handleContextMenu(Signal) bool {
	m.addEvent(model.ViolationRightClick, "Right-click attempted")
	return true
}

// handleKeyDown suppresses devtools shortcuts without recording anything.
func (m *Monitor) handleKeyDown(s Signal) bool {
	return IsDevtoolsShortcut(s)
}

// IsDevtoolsShortcut matches F12, Ctrl+Shift+I, Ctrl+Shift+J and Ctrl+U.
func IsDevtoolsShortcut(s Signal) bool {
	switch {
	case s.Key == "F12":
		return true
	case s.Ctrl && s.Shift && (strings.EqualFold(s.Key, "I") || strings.EqualFold(s.Key, "J")):
		return true
	case s.Ctrl && strings.EqualFold(s.Key, "U"):
		return true
	}
	return false
}

// addEvent records the event, updates the counter, then notifies the host.
func (m *Monitor) addEvent(kind model.ViolationKind, detail string) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	ev := model.ViolationEvent{Kind: kind, Timestamp: m.clock.Now(), Detail: detail}
	m.events = append(m.events, ev)
	counted := kind.CountsAsWarning()
	if counted {
		m.warnings++
	}
	r := Report{Event: ev, Warnings: m.warnings, Counted: counted}
	m.mu.Unlock()

	m.log.Debug().
		Str("kind", string(kind)).
		Int("warnings", r.Warnings).
		Msg("Violation recorded")

	if m.onEvent != nil {
		m.onEvent(r)
	}
}

// RequestFullscreen asks the client to enter fullscreen. Failure raises the
// fullscreen banner and is only logged.
func (m *Monitor) RequestFullscreen(ctx context.Context) {
	if m.display == nil {
		m.log.Warn().Msg("Fullscreen unavailable: no display")
		m.setBanner(true)
		return
	}
	if err := m.display.RequestFullscreen(ctx); err != nil {
		m.log.Warn().Err(err).Msg("Fullscreen request failed")
		m.setBanner(true)
		return
	}

	m.mu.Lock()
	m.fullscreen = true
	m.banner = false
	m.mu.Unlock()
}

// ExitFullscreen asks the client to leave fullscreen. Failure is only logged.
func (m *Monitor) ExitFullscreen(ctx context.Context) {
	if m.display == nil {
		return
	}
	if err := m.display.ExitFullscreen(ctx); err != nil {
		m.log.Warn().Err(err).Msg("Exit fullscreen failed")
		return
	}

	m.mu.Lock()
	m.fullscreen = false
	m.mu.Unlock()
}

func (m *Monitor) setBanner(v bool) {
	m.mu.Lock()
	m.banner = v
	m.mu.Unlock()
}

func (m *Monitor) initWebcam(ctx context.Context) {
	if m.camera == nil {
		m.addEvent(model.ViolationWebcam, "Webcam access denied or not available")
		return
	}

	openCtx, cancel := context.WithTimeout(ctx, m.cameraTimeout)
	stream, err := m.camera.Open(openCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.log.Warn().Err(err).Msg("Webcam access denied")
		m.addEvent(model.ViolationWebcam, "Webcam access denied or not available")
		return
	}

	m.mu.Lock()
	if !m.active || ctx.Err() != nil {
		m.mu.Unlock()
		if err := stream.Close(); err != nil {
			m.log.Warn().Err(err).Msg("Camera stream close failed")
		}
		return
	}
	m.stream = stream
	m.mu.Unlock()

	m.captureLoop(ctx)
}

func (m *Monitor) captureLoop(ctx context.Context) {
	ticker := m.clock.NewTicker(m.cfg.CaptureInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			uri, ok := m.CaptureScreenshot()
			if ok && m.onSnapshot != nil {
				m.onSnapshot(Snapshot{TakenAt: m.clock.Now(), DataURI: uri})
			}
		}
	}
}

// CaptureScreenshot encodes the current camera frame as a JPEG data URI.
// It returns false when no stream is open or the capture fails.
func (m *Monitor) CaptureScreenshot() (string, bool) {
	m.mu.Lock()
	stream := m.stream
	m.mu.Unlock()

	if stream == nil {
		return "", false
	}
	frame, err := stream.Frame()
	if err != nil {
		m.log.Debug().Err(err).Msg("Screenshot capture failed")
		return "", false
	}
	uri, err := EncodeDataURI(frame, CaptureQuality)
	if err != nil {
		m.log.Debug().Err(err).Msg("Screenshot encode failed")
		return "", false
	}
	return uri, true
}

// Events returns a copy of the event log in emission order.
func (m *Monitor) Events() []model.ViolationEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.ViolationEvent, len(m.events))
	copy(out, m.events)
	return out
}

// Warnings returns the current warning count.
func (m *Monitor) Warnings() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.warnings
}

// Active reports whether a proctoring cycle is running.
func (m *Monitor) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// IsFullscreen reports the last known fullscreen state.
func (m *Monitor) IsFullscreen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fullscreen
}

// FullscreenBanner reports whether the host should show the "please enable
// fullscreen" banner. It clears once fullscreen is entered again.
func (m *Monitor) FullscreenBanner() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Fullscreen() && m.banner
}

// CameraOpen reports whether the monitor currently holds a camera stream.
func (m *Monitor) CameraOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream != nil
}

// ListenerCount returns the number of listeners this monitor has attached.
func (m *Monitor) ListenerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.unsubs)
}
