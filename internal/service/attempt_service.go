package service

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/session"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"
)

// Domain Errors
var (
	ErrAttemptNotFound   = errors.New("attempt not found")
	ErrNotAttemptOwner   = errors.New("attempt belongs to another candidate")
	ErrInvalidEntryToken = errors.New("invalid entry token")
	ErrAttemptFinalized  = errors.New("attempt already finalized")
	// ErrAttemptNotLive means the attempt is in progress in the database but
	// no session on this instance drives it.
	ErrAttemptNotLive = errors.New("attempt is not live on this server")
)

const pgUniqueViolation = "23505"

// AttemptStore is the attempt persistence the service needs.
type AttemptStore interface {
	Create(ctx context.Context, a *model.Attempt) error
	Finalize(ctx context.Context, id uuid.UUID, u model.AttemptUpdate) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Attempt, error)
	GetByExamAndCandidate(ctx context.Context, examID uuid.UUID, candidateID string) (*model.Attempt, error)
}

// LiveSession pairs a running attempt with the link to its candidate's browser.
type LiveSession struct {
	Controller *session.Controller
	Link       *ws.ClientLink
}

// AttemptService starts, resumes and finalizes attempts. It is also the
// persistence collaborator of every controller it creates.
type AttemptService struct {
	attempts AttemptStore
	exams    *ExamService
	audit    session.AuditSink
	rdb      redis.Cmdable
	manager  *session.Manager
	cfg      *config.Config
	clock    clock.WithTicker
	log      zerolog.Logger

	begins singleflight.Group
	links  sync.Map // uuid.UUID → *ws.ClientLink
}

// NewAttemptService creates a new AttemptService.
func NewAttemptService(
	attempts AttemptStore,
	exams *ExamService,
	audit session.AuditSink,
	rdb redis.Cmdable,
	manager *session.Manager,
	cfg *config.Config,
	log zerolog.Logger,
) *AttemptService {
	return &AttemptService{
		attempts: attempts,
		exams:    exams,
		audit:    audit,
		rdb:      rdb,
		manager:  manager,
		cfg:      cfg,
		clock:    clock.RealClock{},
		log:      log.With().Str("component", "attempt_service").Logger(),
	}
}

// WithClock replaces the clock used by new sessions.
func (s *AttemptService) WithClock(c clock.WithTicker) *AttemptService {
	s.clock = c
	return s
}

// Begin starts the candidate's attempt at an exam, or returns the running
// one. Concurrent calls for the same candidate share one outcome.
func (s *AttemptService) Begin(ctx context.Context, examID uuid.UUID, candidateID, entryToken string) (*LiveSession, error) {
	exam, err := s.exams.GetByID(ctx, examID)
	if err != nil {
		return nil, err
	}
	if !exam.Open() {
		return nil, ErrExamNotAvailable
	}
	if exam.EntryToken != "" && subtle.ConstantTimeCompare([]byte(entryToken), []byte(exam.EntryToken)) != 1 {
		return nil, ErrInvalidEntryToken
	}

	v, err, _ := s.begins.Do(examID.String()+":"+candidateID, func() (interface{}, error) {
		return s.begin(ctx, exam, candidateID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*LiveSession), nil
}

func (s *AttemptService) begin(ctx context.Context, exam *model.Exam, candidateID string) (*LiveSession, error) {
	if ctrl, ok := s.manager.Find(exam.ID, candidateID); ok {
		return s.liveSession(ctrl)
	}

	existing, err := s.attempts.GetByExamAndCandidate(ctx, exam.ID, candidateID)
	switch {
	case err == nil:
		if existing.Status.Final() {
			return nil, ErrAttemptFinalized
		}
		return nil, ErrAttemptNotLive
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, fmt.Errorf("get attempt: %w", err)
	}

	link := ws.NewClientLink(s.log)
	ctrl := session.New(exam, candidateID, session.Options{
		Store:             s,
		Audit:             s.audit,
		Notifier:          link,
		Display:           link,
		Camera:            link,
		Clock:             s.clock,
		Logger:            s.log,
		HighRiskThreshold: s.cfg.HighRiskWarnings,
		WarningThreshold:  s.cfg.TimerWarning,
		CameraTimeout:     s.cfg.CameraOpenTimeout,
		PersistTimeout:    s.cfg.PersistTimeout,
	})

	if err := ctrl.Begin(ctx); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, ErrAttemptNotLive
		}
		return nil, err
	}

	s.links.Store(ctrl.ID(), link)
	s.manager.Register(ctrl)
	go func() {
		<-ctrl.Done()
		s.links.Delete(ctrl.ID())
	}()

	if err := s.exams.MarkInProgress(ctx, exam); err != nil {
		s.log.Warn().Err(err).Str("exam_id", exam.ID.String()).Msg("Exam status update failed")
	}
	return &LiveSession{Controller: ctrl, Link: link}, nil
}

// Live returns the running session of an attempt owned by candidateID.
func (s *AttemptService) Live(ctx context.Context, attemptID uuid.UUID, candidateID string) (*LiveSession, error) {
	if ctrl, ok := s.manager.Get(attemptID); ok {
		if ctrl.CandidateID() != candidateID {
			return nil, ErrNotAttemptOwner
		}
		return s.liveSession(ctrl)
	}

	a, err := s.stored(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if a.CandidateID != candidateID {
		return nil, ErrNotAttemptOwner
	}
	if a.Status.Final() {
		return nil, ErrAttemptFinalized
	}
	return nil, ErrAttemptNotLive
}

// State returns the live view of an attempt, or its stored record once it
// no longer runs here.
func (s *AttemptService) State(ctx context.Context, attemptID uuid.UUID, candidateID string) (session.State, error) {
	if ctrl, ok := s.manager.Get(attemptID); ok {
		if ctrl.CandidateID() != candidateID {
			return session.State{}, ErrNotAttemptOwner
		}
		return ctrl.State(), nil
	}

	a, err := s.stored(ctx, attemptID)
	if err != nil {
		return session.State{}, err
	}
	if a.CandidateID != candidateID {
		return session.State{}, ErrNotAttemptOwner
	}
	return session.State{
		Attempt:        *a,
		Warnings:       a.WarningCount,
		WarningDisplay: session.WarningDisplayMax,
		HighRisk:       a.WarningCount >= s.cfg.HighRiskWarnings,
	}, nil
}

// Submit finalizes the attempt as submitted. Submitting a finalized attempt
// returns its final record without error.
func (s *AttemptService) Submit(ctx context.Context, attemptID uuid.UUID, candidateID string) (model.Attempt, error) {
	if ctrl, ok := s.manager.Get(attemptID); ok {
		if ctrl.CandidateID() != candidateID {
			return model.Attempt{}, ErrNotAttemptOwner
		}
		a, err := ctrl.Submit(ctx)
		if errors.Is(err, session.ErrAlreadyFinalized) {
			return a, nil
		}
		return a, err
	}

	a, err := s.stored(ctx, attemptID)
	if err != nil {
		return model.Attempt{}, err
	}
	if a.CandidateID != candidateID {
		return model.Attempt{}, ErrNotAttemptOwner
	}
	if a.Status.Final() {
		return *a, nil
	}
	return s.finalizeOrphan(ctx, a, model.AttemptStatusSubmitted, "")
}

// Terminate ends an attempt on behalf of the exam's examiner.
func (s *AttemptService) Terminate(ctx context.Context, attemptID uuid.UUID, examinerID, reason string) (model.Attempt, error) {
	ctrl, live := s.manager.Get(attemptID)

	var examID uuid.UUID
	var stored *model.Attempt
	if live {
		examID = ctrl.ExamID()
	} else {
		a, err := s.stored(ctx, attemptID)
		if err != nil {
			return model.Attempt{}, err
		}
		examID, stored = a.ExamID, a
	}

	if _, err := s.exams.Authorize(ctx, examID, examinerID); err != nil {
		return model.Attempt{}, err
	}

	if live {
		a, err := ctrl.Terminate(ctx, reason)
		if errors.Is(err, session.ErrAlreadyFinalized) {
			return a, ErrAttemptFinalized
		}
		if err == nil {
			s.log.Warn().
				Str("attempt_id", attemptID.String()).
				Str("examiner_id", examinerID).
				Str("reason", reason).
				Msg("Attempt terminated by examiner")
		}
		return a, err
	}

	if stored.Status.Final() {
		return *stored, ErrAttemptFinalized
	}
	return s.finalizeOrphan(ctx, stored, model.AttemptStatusTerminated, reason)
}

// finalizeOrphan closes an in-progress attempt that no session drives, for
// example after a restart. Time spent is bounded by the attempt's duration.
func (s *AttemptService) finalizeOrphan(ctx context.Context, a *model.Attempt, status model.AttemptStatus, reason string) (model.Attempt, error) {
	now := s.clock.Now()
	var spent int
	if a.StartedAt != nil {
		spent = int(now.Sub(*a.StartedAt) / time.Second)
	}
	spent = max(0, min(spent, a.DurationSeconds))

	update := model.AttemptUpdate{
		Status:          status,
		TimeSpent:       spent,
		SubmittedAt:     now,
		WarningCount:    a.WarningCount,
		TerminateReason: reason,
	}
	if err := s.attempts.Finalize(ctx, a.ID, update); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Finalized concurrently; report what the store holds.
			latest, gerr := s.stored(ctx, a.ID)
			if gerr != nil {
				return model.Attempt{}, gerr
			}
			return *latest, nil
		}
		return model.Attempt{}, fmt.Errorf("finalize attempt: %w", err)
	}

	a.Status = status
	a.TimeSpent = spent
	a.SubmittedAt = &now
	a.TerminateReason = reason

	s.log.Info().
		Str("attempt_id", a.ID.String()).
		Str("status", string(status)).
		Msg("Orphaned attempt finalized")
	if err := s.audit.PublishSubmission(ctx, *a); err != nil {
		s.log.Warn().Err(err).Msg("Audit publish failed")
	}
	return *a, nil
}

func (s *AttemptService) stored(ctx context.Context, attemptID uuid.UUID) (*model.Attempt, error) {
	a, err := s.attempts.GetByID(ctx, attemptID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	return a, nil
}

func (s *AttemptService) liveSession(ctrl *session.Controller) (*LiveSession, error) {
	v, ok := s.links.Load(ctrl.ID())
	if !ok {
		return nil, ErrAttemptFinalized
	}
	return &LiveSession{Controller: ctrl, Link: v.(*ws.ClientLink)}, nil
}

// ─── session.AttemptStore ───────────────────────────────────────────

// CreateAttempt inserts the attempt row when a session begins.
func (s *AttemptService) CreateAttempt(ctx context.Context, a *model.Attempt) error {
	return s.attempts.Create(ctx, a)
}

// UpdateAttempt writes a session's final state.
func (s *AttemptService) UpdateAttempt(ctx context.Context, id uuid.UUID, u model.AttemptUpdate) error {
	if err := s.attempts.Finalize(ctx, id, u); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("attempt %s is not in progress: %w", id, err)
		}
		return err
	}
	return nil
}

// SaveAnswer stores the answer in the attempt's Redis hash and queues it
// for the answer writer.
func (s *AttemptService) SaveAnswer(ctx context.Context, a model.Answer) error {
	key := config.CacheKey.AttemptAnswersKey(a.AttemptID.String())
	if err := s.rdb.HSet(ctx, key, a.QuestionID.String(), string(a.Value)).Err(); err != nil {
		return fmt.Errorf("cache answer: %w", err)
	}

	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal answer: %w", err)
	}
	if err := s.rdb.RPush(ctx, config.WorkerKey.PersistAnswersQueue, payload).Err(); err != nil {
		return fmt.Errorf("queue answer: %w", err)
	}
	return nil
}

var _ session.AttemptStore = (*AttemptService)(nil)
