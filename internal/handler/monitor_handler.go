package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

const (
	refreshInterval   = 15 * time.Second
	keepAliveInterval = 30 * time.Second
	refreshTimeout    = 5 * time.Second // prevent slow queries from blocking the SSE loop
)

// ExamAuthorizer checks that an examiner supervises an exam.
type ExamAuthorizer interface {
	Authorize(ctx context.Context, examID uuid.UUID, examinerID string) (*model.Exam, error)
}

// ExamMonitor reads exam progress and the live monitor channel.
type ExamMonitor interface {
	Snapshot(ctx context.Context, examID uuid.UUID) (*service.ExamProgress, error)
	ProctorLogs(ctx context.Context, attemptID uuid.UUID) ([]model.ProctorLog, error)
	Subscribe(ctx context.Context, examID uuid.UUID) *redis.PubSub
}

// ExamController broadcasts exam-wide control messages.
type ExamController interface {
	Publish(ctx context.Context, examID uuid.UUID, examinerID string, req model.ExamControlRequest) (model.ExamControlMessage, error)
}

// AttemptTerminator ends a single attempt for its examiner.
type AttemptTerminator interface {
	Terminate(ctx context.Context, attemptID uuid.UUID, examinerID, reason string) (model.Attempt, error)
}

// MonitorHandler serves the examiner's live view and controls.
type MonitorHandler struct {
	exams    ExamAuthorizer
	monitor  ExamMonitor
	control  ExamController
	attempts AttemptTerminator
	log      zerolog.Logger
}

func NewMonitorHandler(
	exams ExamAuthorizer,
	monitor ExamMonitor,
	control ExamController,
	attempts AttemptTerminator,
	log zerolog.Logger,
) *MonitorHandler {
	return &MonitorHandler{
		exams:    exams,
		monitor:  monitor,
		control:  control,
		attempts: attempts,
		log:      log.With().Str("component", "monitor_handler").Logger(),
	}
}

// authorizeExam resolves :exam_id and checks the caller supervises it.
func (h *MonitorHandler) authorizeExam(c *gin.Context) (*model.Exam, string, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return nil, "", false
	}

	examID, ok := paramUUID(c, "exam_id")
	if !ok {
		return nil, "", false
	}

	exam, err := h.exams.Authorize(c.Request.Context(), examID, claims.UserID())
	if err != nil {
		failService(c, h.log, err, "Authorize exam error")
		return nil, "", false
	}
	return exam, claims.UserID(), true
}

// MonitorExamSSE godoc
// GET /api/v1/examiner/exams/:exam_id/monitor
// Streams a progress snapshot, then every monitor channel message.
func (h *MonitorHandler) MonitorExamSSE(c *gin.Context) {
	exam, examinerID, ok := h.authorizeExam(c)
	if !ok {
		return
	}

	reqCtx := c.Request.Context()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	// Subscribe before the snapshot so nothing published in between is lost.
	pubsub := h.monitor.Subscribe(reqCtx, exam.ID)
	defer pubsub.Close()
	ch := pubsub.Channel()

	active := h.sendProgress(c, exam)

	keepAliveTicker := time.NewTicker(keepAliveInterval)
	defer keepAliveTicker.Stop()

	refreshTicker := time.NewTicker(refreshInterval)
	defer refreshTicker.Stop()

	wsLog := h.log.With().Str("exam_id", exam.ID.String()).Str("examiner_id", examinerID).Logger()
	wsLog.Info().Msg("Examiner attached to live monitor SSE")

	pingPayload, _ := json.Marshal(service.MonitorMessage{Type: service.MonitorPing})

	for {
		select {
		case <-reqCtx.Done():
			wsLog.Info().Msg("Examiner disconnected from live monitor SSE")
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			// Forward raw JSON directly, no deserialization needed.
			writeSSE(c, []byte(msg.Payload))
			active = true

		case <-refreshTicker.C:
			if !active {
				continue // nobody has joined yet
			}
			active = h.sendProgress(c, exam)

		case <-keepAliveTicker.C:
			writeSSE(c, pingPayload)
		}
	}
}

// sendProgress writes a progress snapshot and reports whether the exam has attempts.
func (h *MonitorHandler) sendProgress(c *gin.Context, exam *model.Exam) bool {
	ctx, cancel := context.WithTimeout(c.Request.Context(), refreshTimeout)
	defer cancel()

	progress, err := h.monitor.Snapshot(ctx, exam.ID)
	if err != nil {
		h.log.Warn().Err(err).Str("exam_id", exam.ID.String()).Msg("Failed to fetch exam progress")
		return true
	}

	data, err := json.Marshal(service.MonitorMessage{
		Type: service.MonitorProgress,
		Data: gin.H{"exam": exam, "progress": progress},
	})
	if err != nil {
		return true
	}
	writeSSE(c, data)
	return len(progress.Attempts) > 0
}

func writeSSE(c *gin.Context, payload []byte) {
	c.Writer.Write([]byte("data: "))
	c.Writer.Write(payload)
	c.Writer.Write([]byte("\n\n"))
	c.Writer.Flush()
}

// GetExamProgress godoc
// GET /api/v1/examiner/exams/:exam_id/progress
func (h *MonitorHandler) GetExamProgress(c *gin.Context) {
	exam, _, ok := h.authorizeExam(c)
	if !ok {
		return
	}

	progress, err := h.monitor.Snapshot(c.Request.Context(), exam.ID)
	if err != nil {
		failService(c, h.log, err, "Exam progress error")
		return
	}
	response.Success(c, http.StatusOK, progress)
}

// ControlExam godoc
// POST /api/v1/examiner/exams/:exam_id/control
// Broadcasts pause, resume, warn or end to every live attempt of the exam.
func (h *MonitorHandler) ControlExam(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	examID, ok := paramUUID(c, "exam_id")
	if !ok {
		return
	}

	var req model.ExamControlRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	msg, err := h.control.Publish(c.Request.Context(), examID, claims.UserID(), req)
	if err != nil {
		failService(c, h.log, err, "Exam control error")
		return
	}
	response.Success(c, http.StatusAccepted, msg)
}

// TerminateAttempt godoc
// POST /api/v1/examiner/attempts/:attempt_id/terminate
func (h *MonitorHandler) TerminateAttempt(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	attemptID, ok := paramUUID(c, "attempt_id")
	if !ok {
		return
	}

	var req model.TerminateAttemptRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	a, err := h.attempts.Terminate(c.Request.Context(), attemptID, claims.UserID(), req.Reason)
	if err != nil {
		failService(c, h.log, err, "Terminate attempt error")
		return
	}
	response.Success(c, http.StatusOK, a)
}

// ListProctorLogs godoc
// GET /api/v1/examiner/exams/:exam_id/attempts/:attempt_id/logs
func (h *MonitorHandler) ListProctorLogs(c *gin.Context) {
	exam, _, ok := h.authorizeExam(c)
	if !ok {
		return
	}

	attemptID, ok := paramUUID(c, "attempt_id")
	if !ok {
		return
	}

	logs, err := h.monitor.ProctorLogs(c.Request.Context(), attemptID)
	if err != nil {
		failService(c, h.log, err, "List proctor logs error")
		return
	}

	// Only logs of the authorized exam are visible.
	visible := logs[:0]
	for _, l := range logs {
		if l.ExamID == exam.ID {
			visible = append(visible, l)
		}
	}
	response.Success(c, http.StatusOK, visible)
}
