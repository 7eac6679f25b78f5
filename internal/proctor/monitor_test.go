package proctor

import (
	"context"
	"errors"
	"image"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

type fakeDisplay struct {
	mu         sync.Mutex
	requestErr error
	exitErr    error
	requests   int
	exits      int
}

func (d *fakeDisplay) RequestFullscreen(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests++
	return d.requestErr
}

func (d *fakeDisplay) ExitFullscreen(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.exits++
	return d.exitErr
}

func (d *fakeDisplay) counts() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requests, d.exits
}

type fakeStream struct {
	closed atomic.Int32
}

func (s *fakeStream) Frame() (image.Image, error) {
	if s.closed.Load() > 0 {
		return nil, errors.New("stream closed")
	}
	return image.NewRGBA(image.Rect(0, 0, CaptureWidth, CaptureHeight)), nil
}

func (s *fakeStream) Close() error {
	s.closed.Add(1)
	return nil
}

type fakeCamera struct {
	stream *fakeStream
	err    error
}

func (c *fakeCamera) Open(context.Context) (Stream, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.stream, nil
}

type recorder struct {
	mu      sync.Mutex
	reports []Report
}

func (r *recorder) handle(rep Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, rep)
}

func (r *recorder) all() []Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Report, len(r.reports))
	copy(out, r.reports)
	return out
}

func allOn() model.ProctoringConfig {
	return model.ProctoringConfig{
		Enabled:               true,
		FullscreenEnforcement: true,
		TabSwitchDetection:    true,
		CopyPastePrevention:   true,
		RightClickPrevention:  true,
		WebcamInterval:        30,
	}
}

func newTestMonitor(cfg model.ProctoringConfig, display Display, camera Camera, opts ...Option) (*Monitor, *Bus, *recorder) {
	bus := NewBus()
	rec := &recorder{}
	m := New(cfg, bus, display, camera, rec.handle, opts...)
	return m, bus, rec
}

func TestMonitor_TabSwitchCountsAsWarning(t *testing.T) {
	m, bus, rec := newTestMonitor(allOn(), &fakeDisplay{}, nil)
	m.StartProctoring(context.Background())
	defer m.Dispose()

	bus.Emit(Signal{Type: SignalVisibility, Hidden: true})

	reports := rec.all()
	require.Len(t, reports, 1)
	assert.Equal(t, model.ViolationTabSwitch, reports[0].Event.Kind)
	assert.True(t, reports[0].Counted)
	assert.Equal(t, 1, reports[0].Warnings)
	assert.Equal(t, 1, m.Warnings())

	// Becoming visible again is not a violation.
	bus.Emit(Signal{Type: SignalVisibility, Hidden: false})
	assert.Len(t, rec.all(), 1)
}

func TestMonitor_RightClickIsInformational(t *testing.T) {
	m, bus, rec := newTestMonitor(allOn(), &fakeDisplay{}, nil)
	m.StartProctoring(context.Background())
	defer m.Dispose()

	prevented := bus.Emit(Signal{Type: SignalContextMenu})

	assert.True(t, prevented)
	reports := rec.all()
	require.Len(t, reports, 1)
	assert.Equal(t, model.ViolationRightClick, reports[0].Event.Kind)
	assert.False(t, reports[0].Counted)
	assert.Equal(t, 0, m.Warnings())
}

func TestMonitor_ConfigGating(t *testing.T) {
	cfg := allOn()
	cfg.TabSwitchDetection = false
	cfg.RightClickPrevention = false
	m, bus, rec := newTestMonitor(cfg, &fakeDisplay{}, nil)
	m.StartProctoring(context.Background())
	defer m.Dispose()

	bus.Emit(Signal{Type: SignalVisibility, Hidden: true})
	assert.False(t, bus.Emit(Signal{Type: SignalContextMenu}))

	assert.Empty(t, rec.all())
	assert.Equal(t, 0, m.Warnings())
}

func TestMonitor_DisabledAttachesNothing(t *testing.T) {
	cfg := allOn()
	cfg.Enabled = false
	cfg.WebcamCapture = true
	display := &fakeDisplay{}
	m, bus, rec := newTestMonitor(cfg, display, &fakeCamera{err: errors.New("denied")})
	m.StartProctoring(context.Background())
	defer m.Dispose()

	assert.Equal(t, 0, m.ListenerCount())
	assert.Equal(t, 0, bus.ListenerCount())

	bus.Emit(Signal{Type: SignalVisibility, Hidden: true})
	bus.Emit(Signal{Type: SignalCopy})
	assert.False(t, bus.Emit(Signal{Type: SignalKeyDown, Key: "F12"}))

	requests, _ := display.counts()
	assert.Equal(t, 0, requests)
	assert.Empty(t, rec.all())
	assert.False(t, m.FullscreenBanner())
}

func TestMonitor_ClipboardOperations(t *testing.T) {
	m, bus, rec := newTestMonitor(allOn(), &fakeDisplay{}, nil)
	m.StartProctoring(context.Background())
	defer m.Dispose()

	for _, typ := range []SignalType{SignalCopy, SignalCut, SignalPaste} {
		assert.True(t, bus.Emit(Signal{Type: typ}))
	}

	reports := rec.all()
	require.Len(t, reports, 3)
	assert.Equal(t, "Attempted copy", reports[0].Event.Detail)
	assert.Equal(t, "Attempted cut", reports[1].Event.Detail)
	assert.Equal(t, "Attempted paste", reports[2].Event.Detail)
	for i, r := range reports {
		assert.Equal(t, model.ViolationCopyPaste, r.Event.Kind)
		assert.Equal(t, i+1, r.Warnings)
	}
}

func TestMonitor_FullscreenExit(t *testing.T) {
	m, bus, rec := newTestMonitor(allOn(), &fakeDisplay{}, nil)
	m.StartProctoring(context.Background())
	defer m.Dispose()

	require.True(t, m.IsFullscreen())
	assert.False(t, m.FullscreenBanner())

	// Losing fullscreen without focus (e.g. OS switch) only raises the banner.
	bus.Emit(Signal{Type: SignalFullscreen, Fullscreen: false, HasFocus: false})
	assert.Empty(t, rec.all())
	assert.True(t, m.FullscreenBanner())

	bus.Emit(Signal{Type: SignalFullscreen, Fullscreen: true, HasFocus: true})
	assert.False(t, m.FullscreenBanner())

	bus.Emit(Signal{Type: SignalFullscreen, Fullscreen: false, HasFocus: true})
	reports := rec.all()
	require.Len(t, reports, 1)
	assert.Equal(t, model.ViolationFullscreenExit, reports[0].Event.Kind)
	assert.Equal(t, 1, m.Warnings())
	assert.False(t, m.IsFullscreen())
}

func TestMonitor_DevtoolsShortcutsSuppressedSilently(t *testing.T) {
	m, bus, rec := newTestMonitor(allOn(), &fakeDisplay{}, nil)
	m.StartProctoring(context.Background())
	defer m.Dispose()

	assert.True(t, bus.Emit(Signal{Type: SignalKeyDown, Key: "F12"}))
	assert.True(t, bus.Emit(Signal{Type: SignalKeyDown, Key: "I", Ctrl: true, Shift: true}))
	assert.False(t, bus.Emit(Signal{Type: SignalKeyDown, Key: "a"}))

	assert.Empty(t, rec.all())
	assert.Equal(t, 0, m.Warnings())
}

func TestIsDevtoolsShortcut(t *testing.T) {
	cases := []struct {
		sig  Signal
		want bool
	}{
		{Signal{Key: "F12"}, true},
		{Signal{Key: "I", Ctrl: true, Shift: true}, true},
		{Signal{Key: "j", Ctrl: true, Shift: true}, true},
		{Signal{Key: "U", Ctrl: true}, true},
		{Signal{Key: "u", Ctrl: true}, true},
		{Signal{Key: "I", Ctrl: true}, false},
		{Signal{Key: "J", Shift: true}, false},
		{Signal{Key: "c", Ctrl: true}, false},
		{Signal{Key: "F5"}, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, IsDevtoolsShortcut(tc.sig), "%+v", tc.sig)
	}
}

func TestMonitor_ListenersReleasedOnEveryExit(t *testing.T) {
	m, bus, _ := newTestMonitor(allOn(), &fakeDisplay{}, nil)

	m.StartProctoring(context.Background())
	attached := m.ListenerCount()
	// fullscreen + visibility + copy/cut/paste + contextmenu + keydown
	assert.Equal(t, 7, attached)
	assert.Equal(t, attached, bus.ListenerCount())

	// Restarting must not stack a second set of listeners.
	m.StartProctoring(context.Background())
	assert.Equal(t, attached, bus.ListenerCount())

	m.StopProctoring(context.Background())
	assert.Equal(t, 0, bus.ListenerCount())
	assert.Equal(t, 0, m.ListenerCount())

	m.StartProctoring(context.Background())
	m.Dispose()
	m.Dispose()
	assert.Equal(t, 0, bus.ListenerCount())
}

func TestMonitor_StartResetsLogAndStopDropsLateSignals(t *testing.T) {
	m, bus, rec := newTestMonitor(allOn(), &fakeDisplay{}, nil)

	m.StartProctoring(context.Background())
	bus.Emit(Signal{Type: SignalVisibility, Hidden: true})
	require.Equal(t, 1, m.Warnings())

	m.StartProctoring(context.Background())
	assert.Equal(t, 0, m.Warnings())
	assert.Empty(t, m.Events())

	m.StopProctoring(context.Background())
	bus.Emit(Signal{Type: SignalVisibility, Hidden: true})
	assert.Equal(t, 0, m.Warnings())
	assert.Len(t, rec.all(), 1)
}

func TestMonitor_CounterUpdatedBeforeNotify(t *testing.T) {
	bus := NewBus()
	var m *Monitor
	var seen []int
	m = New(allOn(), bus, &fakeDisplay{}, nil, func(r Report) {
		seen = append(seen, m.Warnings())
	})
	m.StartProctoring(context.Background())
	defer m.Dispose()

	bus.Emit(Signal{Type: SignalVisibility, Hidden: true})
	bus.Emit(Signal{Type: SignalContextMenu})
	bus.Emit(Signal{Type: SignalPaste})

	assert.Equal(t, []int{1, 1, 2}, seen)
	events := m.Events()
	require.Len(t, events, 3)
	assert.Equal(t, model.ViolationTabSwitch, events[0].Kind)
	assert.Equal(t, model.ViolationRightClick, events[1].Kind)
	assert.Equal(t, model.ViolationCopyPaste, events[2].Kind)
}

func TestMonitor_FullscreenFailureIsNotFatal(t *testing.T) {
	display := &fakeDisplay{requestErr: errors.New("not allowed")}
	m, _, rec := newTestMonitor(allOn(), display, nil)

	m.StartProctoring(context.Background())
	defer m.Dispose()

	assert.True(t, m.Active())
	assert.False(t, m.IsFullscreen())
	assert.True(t, m.FullscreenBanner())
	assert.Empty(t, rec.all())

	// Retry recovers.
	display.mu.Lock()
	display.requestErr = nil
	display.mu.Unlock()
	m.RequestFullscreen(context.Background())
	assert.True(t, m.IsFullscreen())
	assert.False(t, m.FullscreenBanner())
}

func TestMonitor_MissingDisplayRaisesBanner(t *testing.T) {
	m, _, _ := newTestMonitor(allOn(), nil, nil)
	m.StartProctoring(context.Background())
	defer m.Dispose()

	assert.True(t, m.FullscreenBanner())
	m.ExitFullscreen(context.Background())
}

func TestMonitor_StopExitsFullscreen(t *testing.T) {
	display := &fakeDisplay{}
	m, _, _ := newTestMonitor(allOn(), display, nil)

	m.StartProctoring(context.Background())
	m.StopProctoring(context.Background())
	m.StopProctoring(context.Background())

	requests, exits := display.counts()
	assert.Equal(t, 1, requests)
	assert.Equal(t, 1, exits)
	assert.False(t, m.IsFullscreen())
}

func TestMonitor_WebcamDeniedIsLoggedViolation(t *testing.T) {
	cfg := allOn()
	cfg.WebcamCapture = true
	m, _, rec := newTestMonitor(cfg, &fakeDisplay{}, &fakeCamera{err: errors.New("permission denied")})

	m.StartProctoring(context.Background())
	defer m.Dispose()

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, 5*time.Millisecond)
	r := rec.all()[0]
	assert.Equal(t, model.ViolationWebcam, r.Event.Kind)
	assert.False(t, r.Counted)
	assert.Equal(t, 0, m.Warnings())
	assert.True(t, m.Active())
}

func TestMonitor_WebcamCaptureAndRelease(t *testing.T) {
	cfg := allOn()
	cfg.WebcamCapture = true
	cfg.WebcamInterval = 15
	fc := testingclock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	stream := &fakeStream{}

	var snaps atomic.Int32
	var lastURI atomic.Value
	m, _, _ := newTestMonitor(cfg, &fakeDisplay{}, &fakeCamera{stream: stream},
		WithClock(fc),
		WithSnapshotHandler(func(s Snapshot) {
			lastURI.Store(s.DataURI)
			snaps.Add(1)
		}),
	)

	m.StartProctoring(context.Background())
	require.Eventually(t, m.CameraOpen, time.Second, 5*time.Millisecond)

	uri, ok := m.CaptureScreenshot()
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(uri, "data:image/jpeg;base64,"))

	require.Eventually(t, func() bool {
		fc.Step(15 * time.Second)
		return snaps.Load() > 0
	}, time.Second, 10*time.Millisecond)
	assert.True(t, strings.HasPrefix(lastURI.Load().(string), "data:image/jpeg;base64,"))

	m.StopProctoring(context.Background())
	assert.Equal(t, int32(1), stream.closed.Load())
	assert.False(t, m.CameraOpen())

	_, ok = m.CaptureScreenshot()
	assert.False(t, ok)
}

func TestMonitor_CaptureWithoutStream(t *testing.T) {
	m, _, _ := newTestMonitor(allOn(), &fakeDisplay{}, nil)
	uri, ok := m.CaptureScreenshot()
	assert.False(t, ok)
	assert.Empty(t, uri)
}
