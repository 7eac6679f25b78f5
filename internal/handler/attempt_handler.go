package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/session"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

// AttemptFlow is the candidate side of the attempt service.
type AttemptFlow interface {
	Begin(ctx context.Context, examID uuid.UUID, candidateID, entryToken string) (*service.LiveSession, error)
	State(ctx context.Context, attemptID uuid.UUID, candidateID string) (session.State, error)
	Submit(ctx context.Context, attemptID uuid.UUID, candidateID string) (model.Attempt, error)
}

// AttemptHandler serves the candidate's attempt lifecycle over REST.
type AttemptHandler struct {
	attempts AttemptFlow
	log      zerolog.Logger
}

// NewAttemptHandler creates a new AttemptHandler.
func NewAttemptHandler(attempts AttemptFlow, log zerolog.Logger) *AttemptHandler {
	return &AttemptHandler{
		attempts: attempts,
		log:      log.With().Str("component", "attempt_handler").Logger(),
	}
}

type beginAttemptResponse struct {
	session.State
	StreamPath string `json:"stream_path"`
}

// BeginAttempt godoc
// POST /api/v1/candidate/exams/:exam_id/attempts
// Starts the attempt, or returns the running one for the same candidate.
func (h *AttemptHandler) BeginAttempt(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	examID, ok := paramUUID(c, "exam_id")
	if !ok {
		return
	}

	var req model.BeginAttemptRequest
	if c.Request.ContentLength != 0 {
		if fields := validator.Bind(c, &req); fields != nil {
			response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
			return
		}
	}

	live, err := h.attempts.Begin(c.Request.Context(), examID, claims.UserID(), req.EntryToken)
	if err != nil {
		failService(c, h.log, err, "Begin attempt error")
		return
	}

	state := live.Controller.State()
	response.Success(c, http.StatusCreated, beginAttemptResponse{
		State:      state,
		StreamPath: "/ws/v1/candidate/attempts/" + state.Attempt.ID.String() + "/stream",
	})
}

// GetAttemptState godoc
// GET /api/v1/candidate/attempts/:attempt_id
func (h *AttemptHandler) GetAttemptState(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	attemptID, ok := paramUUID(c, "attempt_id")
	if !ok {
		return
	}

	state, err := h.attempts.State(c.Request.Context(), attemptID, claims.UserID())
	if err != nil {
		failService(c, h.log, err, "Get attempt state error")
		return
	}
	response.Success(c, http.StatusOK, state)
}

// SubmitAttempt godoc
// POST /api/v1/candidate/attempts/:attempt_id/submit
// Submitting twice returns the first submission's result.
func (h *AttemptHandler) SubmitAttempt(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	attemptID, ok := paramUUID(c, "attempt_id")
	if !ok {
		return
	}

	a, err := h.attempts.Submit(c.Request.Context(), attemptID, claims.UserID())
	if err != nil {
		failService(c, h.log, err, "Submit attempt error")
		return
	}

	response.Success(c, http.StatusOK, model.SubmitAttemptResponse{
		AttemptID:    a.ID,
		Status:       a.Status,
		TimeSpent:    a.TimeSpent,
		WarningCount: a.WarningCount,
	})
}
