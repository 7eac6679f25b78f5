// Package timer implements the per-attempt exam countdown.
//
// Remaining time is derived from a wall-clock deadline rather than from the
// number of ticks delivered, so a slow or throttled caller can never make the
// countdown run slower than real time. The time-up callback is latched per
// attempt id: it fires at most once no matter how many ticks observe the
// expired deadline.
package timer

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// DefaultWarningThreshold is the remaining time at which IsWarning turns true.
const DefaultWarningThreshold = 300 * time.Second

// TickInterval is how often the run loop evaluates the deadline.
const TickInterval = time.Second

// State is the countdown lifecycle: Idle → Running ⇄ Paused → Stopped.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateStopped State = "stopped"
)

// Option configures a Timer.
type Option func(*Timer)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.WithTicker) Option {
	return func(t *Timer) { t.clock = c }
}

// WithWarningThreshold overrides the warning-zone threshold.
func WithWarningThreshold(d time.Duration) Option {
	return func(t *Timer) { t.warning = d }
}

// WithAttemptID scopes the time-up latch to an attempt.
func WithAttemptID(id string) Option {
	return func(t *Timer) { t.attemptID = id }
}

// Timer is a single authoritative countdown for one exam attempt.
type Timer struct {
	mu       sync.Mutex
	clock    clock.WithTicker
	onTimeUp func()
	warning  time.Duration

	attemptID string
	duration  time.Duration
	state     State
	deadline  time.Time
	// remaining is authoritative whenever state != StateRunning.
	remaining time.Duration
	fired     bool
	done      chan struct{}
}

// New creates an idle timer. onTimeUp may be nil.
func New(duration time.Duration, onTimeUp func(), opts ...Option) *Timer {
	t := &Timer{
		clock:    clock.RealClock{},
		onTimeUp: onTimeUp,
		warning:  DefaultWarningThreshold,
		duration: duration,
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.remaining = clampZero(duration)
	return t
}

// Start moves Idle or Paused to Running. It is a no-op in any other state.
// A paused timer with no time left expires. A non-positive duration fires
// time-up immediately and leaves the timer Stopped without ever running.
func (t *Timer) Start() {
	t.mu.Lock()
	if t.state != StateIdle && t.state != StatePaused {
		t.mu.Unlock()
		return
	}
	if t.duration <= 0 {
		t.state = StateStopped
		t.remaining = 0
		fire := t.latchLocked()
		t.mu.Unlock()
		t.fire(fire)
		return
	}
	if t.remaining <= 0 {
		fire := t.expireLocked()
		t.mu.Unlock()
		t.fire(fire)
		return
	}

	t.deadline = t.clock.Now().Add(t.remaining)
	t.state = StateRunning
	t.done = make(chan struct{})
	go t.run(t.clock.NewTicker(TickInterval), t.done)
	t.mu.Unlock()
}

// Resume has the same contract as Start.
func (t *Timer) Resume() { t.Start() }

// Pause freezes the remaining time. Only a running timer can be paused.
// A deadline that already passed expires the timer instead.
func (t *Timer) Pause() {
	t.mu.Lock()
	if t.state != StateRunning {
		t.mu.Unlock()
		return
	}
	if t.remainingLocked() <= 0 {
		fire := t.expireLocked()
		t.mu.Unlock()
		t.fire(fire)
		return
	}
	t.remaining = t.remainingLocked()
	t.state = StatePaused
	t.stopLoopLocked()
	t.mu.Unlock()
}

// Stop halts the countdown for good. Calling it again has no effect.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == StateStopped {
		return
	}
	t.remaining = t.remainingLocked()
	t.state = StateStopped
	t.stopLoopLocked()
}

// Tick evaluates the deadline. The run loop calls it every TickInterval;
// extra calls are harmless.
func (t *Timer) Tick() {
	t.mu.Lock()
	if t.state != StateRunning {
		t.mu.Unlock()
		return
	}
	if t.clock.Now().Before(t.deadline) {
		t.mu.Unlock()
		return
	}

	fire := t.expireLocked()
	t.mu.Unlock()
	t.fire(fire)
}

// Reset prepares the timer for a new attempt. The time-up latch is re-armed
// only when attemptID differs from the attempt the timer was serving.
func (t *Timer) Reset(attemptID string, duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopLoopLocked()
	if attemptID != t.attemptID {
		t.fired = false
	}
	t.attemptID = attemptID
	t.duration = duration
	t.remaining = clampZero(duration)
	t.state = StateIdle
}

// State returns the current lifecycle state.
func (t *Timer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// AttemptID returns the attempt the latch is scoped to.
func (t *Timer) AttemptID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attemptID
}

// Duration returns the total allotted time.
func (t *Timer) Duration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.duration
}

// Remaining returns whole seconds left, rounded up and never negative.
func (t *Timer) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return seconds(t.remainingLocked())
}

// Elapsed returns the whole seconds consumed so far.
func (t *Timer) Elapsed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.elapsedLocked()
}

// Formatted renders the remaining time as H:MM:SS or MM:SS.
func (t *Timer) Formatted() string {
	return Format(t.Remaining())
}

// Progress returns the completion percentage in [0, 100].
func (t *Timer) Progress() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progressLocked()
}

// IsWarning reports whether the remaining time is inside the warning zone.
func (t *Timer) IsWarning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return seconds(t.remainingLocked()) <= seconds(t.warning)
}

// TimedOut reports whether the time-up latch has fired for the current attempt.
func (t *Timer) TimedOut() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}

// Snapshot is a consistent read of every derived value.
type Snapshot struct {
	AttemptID        string  `json:"attempt_id,omitempty"`
	State            State   `json:"state"`
	RemainingSeconds int     `json:"remaining_seconds"`
	ElapsedSeconds   int     `json:"elapsed_seconds"`
	Formatted        string  `json:"formatted"`
	Progress         float64 `json:"progress"`
	Warning          bool    `json:"warning"`
}

// Snapshot returns all derived values under one lock.
func (t *Timer) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	rem := seconds(t.remainingLocked())
	return Snapshot{
		AttemptID:        t.attemptID,
		State:            t.state,
		RemainingSeconds: rem,
		ElapsedSeconds:   t.elapsedLocked(),
		Formatted:        Format(rem),
		Progress:         t.progressLocked(),
		Warning:          rem <= seconds(t.warning),
	}
}

func (t *Timer) run(ticker clock.Ticker, done <-chan struct{}) {
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C():
			t.Tick()
		}
	}
}

func (t *Timer) stopLoopLocked() {
	if t.done != nil {
		close(t.done)
		t.done = nil
	}
}

// expireLocked stops the timer at zero and claims the time-up latch.
func (t *Timer) expireLocked() bool {
	t.remaining = 0
	t.state = StateStopped
	t.stopLoopLocked()
	return t.latchLocked()
}

// latchLocked claims the time-up notification. It returns true exactly once per attempt.
func (t *Timer) latchLocked() bool {
	if t.fired {
		return false
	}
	t.fired = true
	return true
}

// fire runs outside the lock so the callback may call back into the timer.
func (t *Timer) fire(ok bool) {
	if ok && t.onTimeUp != nil {
		t.onTimeUp()
	}
}

func (t *Timer) remainingLocked() time.Duration {
	if t.state != StateRunning {
		return t.remaining
	}
	return clampZero(t.deadline.Sub(t.clock.Now()))
}

func (t *Timer) elapsedLocked() int {
	total := seconds(clampZero(t.duration))
	return total - seconds(t.remainingLocked())
}

func (t *Timer) progressLocked() float64 {
	total := seconds(clampZero(t.duration))
	if total == 0 {
		return 100
	}
	return float64(total-seconds(t.remainingLocked())) / float64(total) * 100
}

func clampZero(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

func seconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
