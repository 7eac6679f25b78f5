package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/session"
)

// Monitor channel message types.
const (
	MonitorStudentJoined = "student-joined"
	MonitorProctorAlert  = "proctor-alert"
	MonitorSnapshot      = "snapshot"
	MonitorExamSubmitted = "exam-submitted"
	MonitorExamControl   = "exam-control"
	// MonitorProgress is sent by the monitor stream itself, never published.
	MonitorProgress = "progress"
	MonitorPing     = "ping"
)

// MonitorMessage is the envelope published on an exam's monitor channel.
type MonitorMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// SnapshotMessage is the webcam evidence published for examiners.
type SnapshotMessage struct {
	AttemptID   uuid.UUID `json:"attempt_id"`
	CandidateID string    `json:"candidate_id"`
	Image       string    `json:"image"`
	TakenAt     time.Time `json:"taken_at"`
}

// AuditService publishes attempt activity to the exam monitor channel and
// queues violations for durable persistence.
type AuditService struct {
	rdb redis.Cmdable
	log zerolog.Logger
}

var _ session.AuditSink = (*AuditService)(nil)

// NewAuditService creates a new AuditService.
func NewAuditService(rdb redis.Cmdable, log zerolog.Logger) *AuditService {
	return &AuditService{
		rdb: rdb,
		log: log.With().Str("component", "audit_service").Logger(),
	}
}

// PublishJoined announces a started attempt.
func (s *AuditService) PublishJoined(ctx context.Context, a model.Attempt) error {
	return s.publish(ctx, a.ExamID, MonitorStudentJoined, a)
}

// PublishViolation queues the violation for the proctor_logs writer, then
// broadcasts it. The queue write is the durable one.
func (s *AuditService) PublishViolation(ctx context.Context, entry model.ProctorLog) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal violation: %w", err)
	}
	if err := s.rdb.RPush(ctx, config.WorkerKey.PersistViolationsQueue, payload).Err(); err != nil {
		return fmt.Errorf("queue violation: %w", err)
	}
	return s.publish(ctx, entry.ExamID, MonitorProctorAlert, entry)
}

// PublishSnapshot forwards a webcam capture to the monitor.
func (s *AuditService) PublishSnapshot(ctx context.Context, a model.Attempt, snap proctor.Snapshot) error {
	return s.publish(ctx, a.ExamID, MonitorSnapshot, SnapshotMessage{
		AttemptID:   a.ID,
		CandidateID: a.CandidateID,
		Image:       snap.DataURI,
		TakenAt:     snap.TakenAt,
	})
}

// PublishSubmission announces a finalized attempt.
func (s *AuditService) PublishSubmission(ctx context.Context, a model.Attempt) error {
	return s.publish(ctx, a.ExamID, MonitorExamSubmitted, a)
}

// PublishControl echoes an examiner broadcast to the monitor.
func (s *AuditService) PublishControl(ctx context.Context, msg model.ExamControlMessage) error {
	return s.publish(ctx, msg.ExamID, MonitorExamControl, msg)
}

func (s *AuditService) publish(ctx context.Context, examID uuid.UUID, typ string, data interface{}) error {
	payload, err := json.Marshal(MonitorMessage{Type: typ, Data: data})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", typ, err)
	}
	channel := config.CacheKey.ExamMonitorChannel(examID.String())
	if err := s.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", typ, err)
	}
	s.log.Debug().Str("type", typ).Str("exam_id", examID.String()).Msg("Monitor message published")
	return nil
}
