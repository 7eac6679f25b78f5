// Package session wires one attempt's countdown and proctoring monitor to a
// single idempotent submission.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/timer"
	"k8s.io/utils/clock"
)

// Warning policy. The monitor only counts; the controller decides what a count means.
const (
	// HighRiskThreshold is the warning count at which the session is treated as high-risk.
	HighRiskThreshold = 3
	// WarningDisplayMax is the scale of the candidate's warning indicator.
	WarningDisplayMax = 5
)

const defaultPersistTimeout = 10 * time.Second

var (
	ErrNotStarted       = errors.New("attempt has not started")
	ErrAlreadyStarted   = errors.New("attempt already started")
	ErrAlreadyFinalized = errors.New("attempt already finalized")
)

// AttemptStore is the persistence collaborator.
type AttemptStore interface {
	CreateAttempt(ctx context.Context, a *model.Attempt) error
	UpdateAttempt(ctx context.Context, id uuid.UUID, u model.AttemptUpdate) error
	SaveAnswer(ctx context.Context, a model.Answer) error
}

// AuditSink forwards attempt activity to the realtime/audit channel.
// Delivery is never confirmed back to the session.
type AuditSink interface {
	PublishJoined(ctx context.Context, a model.Attempt) error
	PublishViolation(ctx context.Context, log model.ProctorLog) error
	PublishSnapshot(ctx context.Context, a model.Attempt, snap proctor.Snapshot) error
	PublishSubmission(ctx context.Context, a model.Attempt) error
}

// Options carries a controller's collaborators and policy.
type Options struct {
	Store    AttemptStore
	Audit    AuditSink
	Notifier Notifier
	Display  proctor.Display
	Camera   proctor.Camera

	Clock             clock.WithTicker
	Logger            zerolog.Logger
	HighRiskThreshold int
	WarningThreshold  time.Duration
	CameraTimeout     time.Duration
	PersistTimeout    time.Duration
}

// Controller owns one attempt from begin to submission or termination.
type Controller struct {
	store    AttemptStore
	audit    AuditSink
	notifier Notifier
	clock    clock.WithTicker
	log      zerolog.Logger
	highRisk int
	persist  time.Duration

	bus     *proctor.Bus
	timer   *timer.Timer
	monitor *proctor.Monitor

	// finalizing is the at-most-once submission guard.
	finalizing atomic.Bool
	done       chan struct{}

	mu               sync.Mutex
	attempt          model.Attempt
	highRiskNotified bool
	banner           bool
}

// New builds a controller for a fresh attempt at exam by candidateID.
func New(exam *model.Exam, candidateID string, opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Notifier == nil {
		opts.Notifier = NopNotifier{}
	}
	if opts.HighRiskThreshold <= 0 {
		opts.HighRiskThreshold = HighRiskThreshold
	}
	if opts.WarningThreshold <= 0 {
		opts.WarningThreshold = timer.DefaultWarningThreshold
	}
	if opts.CameraTimeout <= 0 {
		opts.CameraTimeout = proctor.DefaultCameraTimeout
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = defaultPersistTimeout
	}

	attempt := model.Attempt{
		ID:              uuid.New(),
		ExamID:          exam.ID,
		CandidateID:     candidateID,
		Status:          model.AttemptStatusNotStarted,
		DurationSeconds: int(exam.Duration() / time.Second),
	}

	c := &Controller{
		store:    opts.Store,
		audit:    opts.Audit,
		notifier: opts.Notifier,
		clock:    opts.Clock,
		highRisk: opts.HighRiskThreshold,
		persist:  opts.PersistTimeout,
		bus:      proctor.NewBus(),
		done:     make(chan struct{}),
		attempt:  attempt,
		log: opts.Logger.With().
			Str("component", "session").
			Str("attempt_id", attempt.ID.String()).
			Str("exam_id", exam.ID.String()).
			Str("candidate_id", candidateID).
			Logger(),
	}

	c.timer = timer.New(exam.Duration(), c.handleTimeUp,
		timer.WithClock(opts.Clock),
		timer.WithAttemptID(attempt.ID.String()),
		timer.WithWarningThreshold(opts.WarningThreshold),
	)
	c.monitor = proctor.New(exam.Proctoring, c.bus, opts.Display, opts.Camera, c.handleViolation,
		proctor.WithClock(opts.Clock),
		proctor.WithLogger(c.log),
		proctor.WithCameraTimeout(opts.CameraTimeout),
		proctor.WithSnapshotHandler(c.handleSnapshot),
	)
	return c
}

// ID returns the attempt id.
func (c *Controller) ID() uuid.UUID { return c.attempt.ID }

// ExamID returns the exam the attempt belongs to.
func (c *Controller) ExamID() uuid.UUID { return c.attempt.ExamID }

// CandidateID returns the candidate taking the attempt.
func (c *Controller) CandidateID() string { return c.attempt.CandidateID }

// Attempt returns a copy of the attempt record.
func (c *Controller) Attempt() model.Attempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// Timer exposes the countdown for read-only use by transports.
func (c *Controller) Timer() *timer.Timer { return c.timer }

// Monitor exposes the proctoring monitor for read-only use by transports.
func (c *Controller) Monitor() *proctor.Monitor { return c.monitor }

// Done is closed once the attempt is submitted or terminated.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Begin persists the attempt, then starts the monitor and the timer, in that
// order, so an already-expired timer finalizes a running monitor.
func (c *Controller) Begin(ctx context.Context) error {
	c.mu.Lock()
	if c.attempt.Status != model.AttemptStatusNotStarted {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	now := c.clock.Now()
	c.attempt.Status = model.AttemptStatusInProgress
	c.attempt.StartedAt = &now
	snapshot := c.attempt
	c.mu.Unlock()

	if err := c.store.CreateAttempt(ctx, &snapshot); err != nil {
		c.mu.Lock()
		c.attempt.Status = model.AttemptStatusNotStarted
		c.attempt.StartedAt = nil
		c.mu.Unlock()
		return fmt.Errorf("create attempt: %w", err)
	}

	c.log.Info().Int("duration_seconds", snapshot.DurationSeconds).Msg("Attempt started")

	c.monitor.StartProctoring(ctx)
	c.syncBanner()
	c.timer.Start()

	c.publish(func(ctx context.Context) error { return c.audit.PublishJoined(ctx, snapshot) }, "joined")
	return nil
}

// HandleSignal feeds one client-reported browser signal to the monitor and
// reports whether the client should prevent the default action.
func (c *Controller) HandleSignal(s proctor.Signal) bool {
	if c.finalizing.Load() {
		return false
	}
	prevented := c.bus.Emit(s)
	c.syncBanner()
	return prevented
}

// Reconnected is called when the candidate's transport is bound again.
// A pending fullscreen banner triggers a new fullscreen request.
func (c *Controller) Reconnected(ctx context.Context) {
	if c.finalizing.Load() || !c.monitor.Active() {
		return
	}
	if c.monitor.FullscreenBanner() {
		c.monitor.RequestFullscreen(ctx)
	}
	c.syncBanner()
}

// SaveAnswer records one answer while the attempt is in progress.
func (c *Controller) SaveAnswer(ctx context.Context, questionID uuid.UUID, value []byte) error {
	if err := c.requireInProgress(); err != nil {
		return err
	}
	return c.store.SaveAnswer(ctx, model.Answer{
		AttemptID:  c.attempt.ID,
		QuestionID: questionID,
		Value:      value,
	})
}

// Pause freezes the countdown on examiner request.
func (c *Controller) Pause() error {
	if err := c.requireInProgress(); err != nil {
		return err
	}
	c.timer.Pause()
	if c.timer.State() != timer.StatePaused {
		// The deadline passed before the pause landed; time-up submitted the attempt.
		return ErrAlreadyFinalized
	}
	c.notifier.Notify(Notice{Level: LevelInfo, Code: CodeExamPaused, Message: "The examiner paused the exam."})
	return nil
}

// Resume restarts a paused countdown.
func (c *Controller) Resume() error {
	if err := c.requireInProgress(); err != nil {
		return err
	}
	c.timer.Resume()
	c.notifier.Notify(Notice{Level: LevelInfo, Code: CodeExamResumed, Message: "The exam has resumed."})
	return nil
}

// Warn relays an examiner message to the candidate.
func (c *Controller) Warn(message string) {
	if c.finalizing.Load() {
		return
	}
	c.notifier.Notify(Notice{Level: LevelWarning, Code: CodeExaminerWarning, Message: message})
}

// Submit finalizes the attempt as submitted. Only the first caller among
// Submit, Terminate and time-up proceeds; the rest get ErrAlreadyFinalized.
func (c *Controller) Submit(ctx context.Context) (model.Attempt, error) {
	return c.finalize(ctx, model.AttemptStatusSubmitted, "")
}

// Terminate finalizes the attempt as terminated by the examiner.
func (c *Controller) Terminate(ctx context.Context, reason string) (model.Attempt, error) {
	return c.finalize(ctx, model.AttemptStatusTerminated, reason)
}

// Dispose stops the timer and the monitor without finalizing the attempt.
// It is used when the process shuts down under a live session.
func (c *Controller) Dispose() {
	c.timer.Stop()
	c.monitor.Dispose()
}

func (c *Controller) handleTimeUp() {
	c.log.Info().Msg("Time is up, submitting")
	c.notifier.Notify(Notice{
		Level:   LevelCritical,
		Code:    CodeTimeUp,
		Message: "Time is up! Your exam will be submitted automatically.",
	})

	ctx, cancel := context.WithTimeout(context.Background(), c.persist)
	defer cancel()
	if _, err := c.Submit(ctx); err != nil && !errors.Is(err, ErrAlreadyFinalized) {
		c.log.Error().Err(err).Msg("Automatic submission failed")
	}
}

// finalize always stops the timer, then the monitor, before the persistence
// write, whatever the outcome of that write.
func (c *Controller) finalize(ctx context.Context, status model.AttemptStatus, reason string) (model.Attempt, error) {
	c.mu.Lock()
	if c.attempt.Status == model.AttemptStatusNotStarted {
		c.mu.Unlock()
		return model.Attempt{}, ErrNotStarted
	}
	c.mu.Unlock()

	if !c.finalizing.CompareAndSwap(false, true) {
		return c.Attempt(), ErrAlreadyFinalized
	}

	c.timer.Stop()
	c.monitor.StopProctoring(ctx)

	now := c.clock.Now()
	c.mu.Lock()
	c.attempt.Status = status
	c.attempt.TimeSpent = c.timer.Elapsed()
	// WarningCount stays at the last audited report so it matches the proctor logs.
	c.attempt.SubmittedAt = &now
	c.attempt.TerminateReason = reason
	final := c.attempt
	c.mu.Unlock()
	close(c.done)

	c.log.Info().
		Str("status", string(status)).
		Int("time_spent", final.TimeSpent).
		Int("warnings", final.WarningCount).
		Msg("Attempt finalized")

	update := model.AttemptUpdate{
		Status:          status,
		TimeSpent:       final.TimeSpent,
		SubmittedAt:     now,
		WarningCount:    final.WarningCount,
		TerminateReason: reason,
	}
	var err error
	if werr := c.store.UpdateAttempt(ctx, final.ID, update); werr != nil {
		c.log.Error().Err(werr).Msg("Persist final attempt state failed")
		err = fmt.Errorf("update attempt: %w", werr)
	}

	c.publish(func(ctx context.Context) error { return c.audit.PublishSubmission(ctx, final) }, "submission")

	if status == model.AttemptStatusTerminated {
		c.notifier.Notify(Notice{Level: LevelCritical, Code: CodeTerminated, Message: reason})
	} else {
		c.notifier.Notify(Notice{Level: LevelInfo, Code: CodeSubmitted, Message: "Exam submitted successfully!"})
	}
	return final, err
}

func (c *Controller) handleViolation(r proctor.Report) {
	c.mu.Lock()
	if c.finalizing.Load() {
		c.mu.Unlock()
		return
	}
	c.attempt.WarningCount = r.Warnings
	escalate := r.Counted && r.Warnings >= c.highRisk && !c.highRiskNotified
	if escalate {
		c.highRiskNotified = true
	}
	attempt := c.attempt
	c.mu.Unlock()

	c.notifier.Notify(violationNotice(r, c.highRisk))
	if r.Event.Kind == model.ViolationWebcam {
		c.notifier.Notify(Notice{Level: LevelBanner, Code: CodeCameraUnavailable, Message: "Camera unavailable."})
	}
	if escalate {
		c.log.Warn().Int("warnings", r.Warnings).Msg("Attempt reached high-risk threshold")
		c.notifier.Notify(Notice{
			Level:    LevelCritical,
			Code:     CodeHighRisk,
			Message:  "Too many violations. The examiner has been notified.",
			Warnings: r.Warnings,
		})
	}

	var offset int
	if attempt.StartedAt != nil {
		offset = int(r.Event.Timestamp.Sub(*attempt.StartedAt) / time.Second)
	}
	entry := model.ProctorLog{
		AttemptID:  attempt.ID,
		ExamID:     attempt.ExamID,
		Kind:       r.Event.Kind,
		Severity:   r.Event.Kind.Severity(),
		Detail:     r.Event.Detail,
		Warnings:   r.Warnings,
		Offset:     offset,
		RecordedAt: r.Event.Timestamp,
	}
	c.publish(func(ctx context.Context) error { return c.audit.PublishViolation(ctx, entry) }, "violation")
}

func (c *Controller) handleSnapshot(snap proctor.Snapshot) {
	if c.finalizing.Load() {
		return
	}
	attempt := c.Attempt()
	c.publish(func(ctx context.Context) error { return c.audit.PublishSnapshot(ctx, attempt, snap) }, "snapshot")
}

// syncBanner notifies the candidate when the fullscreen banner appears or clears.
func (c *Controller) syncBanner() {
	show := c.monitor.FullscreenBanner()

	c.mu.Lock()
	changed := show != c.banner
	c.banner = show
	c.mu.Unlock()

	if !changed {
		return
	}
	if show {
		c.notifier.Notify(Notice{Level: LevelBanner, Code: CodeFullscreenRequired, Message: "Please enable fullscreen to continue."})
	} else {
		c.notifier.Notify(Notice{Level: LevelBanner, Code: CodeFullscreenRestored})
	}
}

func (c *Controller) requireInProgress() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.attempt.Status == model.AttemptStatusNotStarted:
		return ErrNotStarted
	case c.attempt.Status.Final() || c.finalizing.Load():
		return ErrAlreadyFinalized
	}
	return nil
}

// publish runs an audit call with its own deadline and only logs failures.
func (c *Controller) publish(fn func(context.Context) error, what string) {
	if c.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.persist)
	defer cancel()
	if err := fn(ctx); err != nil {
		c.log.Warn().Err(err).Str("audit", what).Msg("Audit publish failed")
	}
}

// State is a consistent view of the attempt for transports and examiners.
type State struct {
	Attempt          model.Attempt          `json:"attempt"`
	Timer            timer.Snapshot         `json:"timer"`
	Events           []model.ViolationEvent `json:"events"`
	Warnings         int                    `json:"warnings"`
	WarningDisplay   int                    `json:"warning_display_max"`
	HighRisk         bool                   `json:"high_risk"`
	Fullscreen       bool                   `json:"fullscreen"`
	FullscreenBanner bool                   `json:"fullscreen_banner"`
	Proctoring       model.ProctoringConfig `json:"proctoring"`
}

// State returns the current view of the attempt.
func (c *Controller) State() State {
	attempt := c.Attempt()
	warnings := c.monitor.Warnings()
	if attempt.Status.Final() {
		warnings = attempt.WarningCount
	}
	return State{
		Attempt:          attempt,
		Timer:            c.timer.Snapshot(),
		Events:           c.monitor.Events(),
		Warnings:         warnings,
		WarningDisplay:   WarningDisplayMax,
		HighRisk:         warnings >= c.highRisk,
		Fullscreen:       c.monitor.IsFullscreen(),
		FullscreenBanner: c.monitor.FullscreenBanner(),
		Proctoring:       c.monitor.Config(),
	}
}

// Live returns the examiner-facing summary.
func (c *Controller) Live() model.LiveAttempt {
	st := c.State()
	return model.LiveAttempt{
		AttemptID:        st.Attempt.ID,
		CandidateID:      st.Attempt.CandidateID,
		Status:           st.Attempt.Status,
		TimerState:       string(st.Timer.State),
		RemainingSeconds: st.Timer.RemainingSeconds,
		Warnings:         st.Warnings,
		HighRisk:         st.HighRisk,
		Fullscreen:       st.Fullscreen,
		StartedAt:        st.Attempt.StartedAt,
	}
}
