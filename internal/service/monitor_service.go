package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/session"
	"golang.org/x/sync/errgroup"
)

// MonitorStore provides the aggregate counts shown on the live monitor.
type MonitorStore interface {
	GetAnsweredCounts(ctx context.Context, examID uuid.UUID) (map[uuid.UUID]int64, error)
	GetViolationCounts(ctx context.Context, examID uuid.UUID) (map[uuid.UUID]int64, error)
	ListProctorLogs(ctx context.Context, attemptID uuid.UUID) ([]model.ProctorLog, error)
}

// AttemptLister lists an exam's stored attempts.
type AttemptLister interface {
	ListByExam(ctx context.Context, examID uuid.UUID) ([]model.Attempt, error)
}

// AttemptProgress is one row of the live monitor.
type AttemptProgress struct {
	model.Attempt
	Live       *model.LiveAttempt `json:"live,omitempty"`
	Answered   int64              `json:"answered"`
	Violations int64              `json:"violations"`
}

// ExamProgress is the live monitor snapshot of one exam.
type ExamProgress struct {
	ExamID          uuid.UUID         `json:"exam_id"`
	Attempts        []AttemptProgress `json:"attempts"`
	LiveCount       int               `json:"live_count"`
	HighRiskCount   int               `json:"high_risk_count"`
	TotalViolations int64             `json:"total_violations"`
}

// MonitorService orchestrates live exam monitoring business logic.
type MonitorService struct {
	monitorRepo MonitorStore
	attempts    AttemptLister
	manager     *session.Manager
	sub         Subscriber
	log         zerolog.Logger
}

// NewMonitorService creates a new MonitorService.
func NewMonitorService(monitorRepo MonitorStore, attempts AttemptLister, manager *session.Manager, sub Subscriber, log zerolog.Logger) *MonitorService {
	return &MonitorService{
		monitorRepo: monitorRepo,
		attempts:    attempts,
		manager:     manager,
		sub:         sub,
		log:         log.With().Str("component", "monitor_service").Logger(),
	}
}

// Snapshot merges stored attempts with the live sessions of this instance.
// The three reads run concurrently; violation counts are best-effort.
func (s *MonitorService) Snapshot(ctx context.Context, examID uuid.UUID) (*ExamProgress, error) {
	var (
		attempts   []model.Attempt
		answered   map[uuid.UUID]int64
		violations map[uuid.UUID]int64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		attempts, err = s.attempts.ListByExam(gctx, examID)
		if err != nil {
			return fmt.Errorf("list attempts: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		answered, err = s.monitorRepo.GetAnsweredCounts(gctx, examID)
		if err != nil {
			return fmt.Errorf("answered counts: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		violations, err = s.monitorRepo.GetViolationCounts(gctx, examID)
		if err != nil {
			s.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Violation counts unavailable")
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	live := make(map[uuid.UUID]model.LiveAttempt)
	for _, ctrl := range s.manager.ForExam(examID) {
		live[ctrl.ID()] = ctrl.Live()
	}

	progress := &ExamProgress{ExamID: examID, Attempts: make([]AttemptProgress, 0, len(attempts))}
	for _, a := range attempts {
		row := AttemptProgress{
			Attempt:    a,
			Answered:   answered[a.ID],
			Violations: violations[a.ID],
		}
		if l, ok := live[a.ID]; ok {
			row.Live = &l
			row.Status = l.Status
			row.WarningCount = l.Warnings
			progress.LiveCount++
			if l.HighRisk {
				progress.HighRiskCount++
			}
		}
		progress.TotalViolations += row.Violations
		progress.Attempts = append(progress.Attempts, row)
	}
	return progress, nil
}

// ProctorLogs returns an attempt's recorded violations.
func (s *MonitorService) ProctorLogs(ctx context.Context, attemptID uuid.UUID) ([]model.ProctorLog, error) {
	logs, err := s.monitorRepo.ListProctorLogs(ctx, attemptID)
	if err != nil {
		return nil, fmt.Errorf("list proctor logs: %w", err)
	}
	if logs == nil {
		logs = []model.ProctorLog{}
	}
	return logs, nil
}

// Subscribe opens the exam's monitor channel. The caller closes it.
func (s *MonitorService) Subscribe(ctx context.Context, examID uuid.UUID) *redis.PubSub {
	return s.sub.Subscribe(ctx, config.CacheKey.ExamMonitorChannel(examID.String()))
}
