package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// Domain Errors
var (
	ErrExamNotFound     = errors.New("exam not found")
	ErrNotExamAuthor    = errors.New("not the author of this exam")
	ErrExamNotAvailable = errors.New("exam is not open for attempts")
)

const examCacheTTL = 5 * time.Minute

// ExamStore is the exam persistence the service needs.
type ExamStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, bool, error)
	MarkInProgress(ctx context.Context, id uuid.UUID) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status model.ExamStatus) error
}

// cachedExam keeps the entry token, which the public JSON of an exam omits.
type cachedExam struct {
	model.Exam
	EntryToken string `json:"entry_token"`
}

// ExamService reads exam definitions through a Redis cache.
type ExamService struct {
	exams    ExamStore
	rdb      redis.Cmdable
	defaults model.ProctoringConfig
	log      zerolog.Logger
}

// NewExamService creates a new ExamService. Exams stored without a proctoring
// configuration get cfg.Proctoring.
func NewExamService(exams ExamStore, rdb redis.Cmdable, cfg *config.Config, log zerolog.Logger) *ExamService {
	return &ExamService{
		exams:    exams,
		rdb:      rdb,
		defaults: cfg.Proctoring,
		log:      log.With().Str("component", "exam_service").Logger(),
	}
}

// GetByID retrieves an exam, preferring the cached copy.
func (s *ExamService) GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, error) {
	key := config.CacheKey.ExamPayloadKey(id.String())

	raw, err := s.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var cached cachedExam
		if err := json.Unmarshal(raw, &cached); err == nil {
			exam := cached.Exam
			exam.EntryToken = cached.EntryToken
			return &exam, nil
		}
		s.log.Warn().Str("exam_id", id.String()).Msg("Corrupt exam cache entry ignored")
	case !errors.Is(err, redis.Nil):
		s.log.Warn().Err(err).Str("exam_id", id.String()).Msg("Exam cache read failed")
	}

	exam, hasProctoring, err := s.exams.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrExamNotFound
		}
		return nil, fmt.Errorf("get exam: %w", err)
	}
	if !hasProctoring {
		exam.Proctoring = s.defaults
	}

	payload, err := json.Marshal(cachedExam{Exam: *exam, EntryToken: exam.EntryToken})
	if err == nil {
		if err := s.rdb.Set(ctx, key, payload, examCacheTTL).Err(); err != nil {
			s.log.Warn().Err(err).Str("exam_id", id.String()).Msg("Exam cache write failed")
		}
	}
	return exam, nil
}

// Authorize checks that examinerID authored the exam.
func (s *ExamService) Authorize(ctx context.Context, examID uuid.UUID, examinerID string) (*model.Exam, error) {
	exam, err := s.GetByID(ctx, examID)
	if err != nil {
		return nil, err
	}
	if exam.ExaminerID != examinerID {
		return nil, ErrNotExamAuthor
	}
	return exam, nil
}

// MarkInProgress records that a published exam has its first attempt.
func (s *ExamService) MarkInProgress(ctx context.Context, exam *model.Exam) error {
	if exam.Status != model.ExamStatusPublished {
		return nil
	}
	if err := s.exams.MarkInProgress(ctx, exam.ID); err != nil {
		return fmt.Errorf("mark in progress: %w", err)
	}
	s.invalidate(ctx, exam.ID)
	return nil
}

// Complete closes an exam to new attempts.
func (s *ExamService) Complete(ctx context.Context, examID uuid.UUID) error {
	if err := s.exams.UpdateStatus(ctx, examID, model.ExamStatusCompleted); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrExamNotFound
		}
		return fmt.Errorf("complete exam: %w", err)
	}
	s.invalidate(ctx, examID)
	s.log.Info().Str("exam_id", examID.String()).Msg("Exam completed")
	return nil
}

func (s *ExamService) invalidate(ctx context.Context, examID uuid.UUID) {
	if err := s.rdb.Del(ctx, config.CacheKey.ExamPayloadKey(examID.String())).Err(); err != nil {
		s.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Exam cache invalidation failed")
	}
}
