package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/session"
	"k8s.io/utils/clock"
)

// Subscriber opens Redis Pub/Sub subscriptions. *redis.Client satisfies it.
type Subscriber interface {
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
	PSubscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// ControlService broadcasts examiner control messages and applies them to
// the live sessions of this instance. Every instance runs the subscriber, so
// a message reaches sessions wherever they are hosted.
type ControlService struct {
	rdb     redis.Cmdable
	sub     Subscriber
	exams   *ExamService
	audit   *AuditService
	manager *session.Manager
	cfg     *config.Config
	clock   clock.PassiveClock
	log     zerolog.Logger
}

// NewControlService creates a new ControlService.
func NewControlService(
	rdb redis.Cmdable,
	sub Subscriber,
	exams *ExamService,
	audit *AuditService,
	manager *session.Manager,
	cfg *config.Config,
	log zerolog.Logger,
) *ControlService {
	return &ControlService{
		rdb:     rdb,
		sub:     sub,
		exams:   exams,
		audit:   audit,
		manager: manager,
		cfg:     cfg,
		clock:   clock.RealClock{},
		log:     log.With().Str("component", "control_service").Logger(),
	}
}

// Publish broadcasts an examiner's control request. Ending an exam also
// closes it to new attempts.
func (s *ControlService) Publish(ctx context.Context, examID uuid.UUID, examinerID string, req model.ExamControlRequest) (model.ExamControlMessage, error) {
	if _, err := s.exams.Authorize(ctx, examID, examinerID); err != nil {
		return model.ExamControlMessage{}, err
	}

	msg := model.ExamControlMessage{
		ExamID:  examID,
		Action:  req.Action,
		Message: req.Message,
		SentBy:  examinerID,
		SentAt:  s.clock.Now(),
	}

	if msg.Action == model.ExamControlEnd {
		if err := s.exams.Complete(ctx, examID); err != nil {
			return model.ExamControlMessage{}, err
		}
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return model.ExamControlMessage{}, fmt.Errorf("marshal control: %w", err)
	}
	if err := s.rdb.Publish(ctx, config.CacheKey.ExamControlChannel(examID.String()), payload).Err(); err != nil {
		return model.ExamControlMessage{}, fmt.Errorf("publish control: %w", err)
	}
	if err := s.audit.PublishControl(ctx, msg); err != nil {
		s.log.Warn().Err(err).Msg("Monitor echo of control message failed")
	}

	s.log.Info().
		Str("exam_id", examID.String()).
		Str("action", string(msg.Action)).
		Str("examiner_id", examinerID).
		Msg("Exam control published")
	return msg, nil
}

// Run applies control messages from every exam until ctx is cancelled.
func (s *ControlService) Run(ctx context.Context) error {
	pubsub := s.sub.PSubscribe(ctx, config.CacheKey.ExamControlPattern())
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe control: %w", err)
	}
	s.log.Info().Msg("Exam control subscriber started")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Exam control subscriber stopped")
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var msg model.ExamControlMessage
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				s.log.Warn().Err(err).Str("channel", m.Channel).Msg("Malformed control message")
				continue
			}
			s.Apply(ctx, msg)
		}
	}
}

// Apply executes a control message against this instance's live sessions of
// the exam and returns how many sessions it reached.
func (s *ControlService) Apply(ctx context.Context, msg model.ExamControlMessage) int {
	sessions := s.manager.ForExam(msg.ExamID)
	for _, ctrl := range sessions {
		var err error
		switch msg.Action {
		case model.ExamControlPause:
			err = ctrl.Pause()
		case model.ExamControlResume:
			err = ctrl.Resume()
		case model.ExamControlWarn:
			ctrl.Warn(msg.Message)
		case model.ExamControlEnd:
			submitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PersistTimeout)
			_, err = ctrl.Submit(submitCtx)
			cancel()
		default:
			s.log.Warn().Str("action", string(msg.Action)).Msg("Unknown control action")
			return 0
		}
		if err != nil && !errors.Is(err, session.ErrAlreadyFinalized) {
			s.log.Error().Err(err).
				Str("attempt_id", ctrl.ID().String()).
				Str("action", string(msg.Action)).
				Msg("Control action failed")
		}
	}

	if len(sessions) > 0 {
		s.log.Info().
			Str("exam_id", msg.ExamID.String()).
			Str("action", string(msg.Action)).
			Int("sessions", len(sessions)).
			Msg("Exam control applied")
	}
	return len(sessions)
}
