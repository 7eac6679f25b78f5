package model

import (
	"time"

	"github.com/google/uuid"
)

// AttemptStatus enumerates attempt states. Transitions only move forward:
// NOT_STARTED → IN_PROGRESS → {SUBMITTED, TERMINATED}.
type AttemptStatus string

const (
	AttemptStatusNotStarted AttemptStatus = "not_started"
	AttemptStatusInProgress AttemptStatus = "in_progress"
	AttemptStatusSubmitted  AttemptStatus = "submitted"
	AttemptStatusTerminated AttemptStatus = "terminated"
)

// Final reports whether no further transition is allowed.
func (s AttemptStatus) Final() bool {
	return s == AttemptStatusSubmitted || s == AttemptStatusTerminated
}

// CanTransition reports whether moving from s to next is a forward step.
func (s AttemptStatus) CanTransition(next AttemptStatus) bool {
	switch s {
	case AttemptStatusNotStarted:
		return next == AttemptStatusInProgress
	case AttemptStatusInProgress:
		return next == AttemptStatusSubmitted || next == AttemptStatusTerminated
	default:
		return false
	}
}

// Attempt represents one candidate's pass through one exam instance.
type Attempt struct {
	ID              uuid.UUID     `json:"id"`
	ExamID          uuid.UUID     `json:"exam_id"`
	CandidateID     string        `json:"candidate_id"`
	Status          AttemptStatus `json:"status"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	SubmittedAt     *time.Time    `json:"submitted_at,omitempty"`
	DurationSeconds int           `json:"duration_seconds"`
	WarningCount    int           `json:"warning_count"`
	TimeSpent       int           `json:"time_spent"`
	TerminateReason string        `json:"terminate_reason,omitempty"`
}

// AttemptUpdate is the partial write sent to the store when an attempt is finalized.
type AttemptUpdate struct {
	Status          AttemptStatus `json:"status"`
	TimeSpent       int           `json:"time_spent"`
	SubmittedAt     time.Time     `json:"submitted_at"`
	WarningCount    int           `json:"warning_count"`
	TerminateReason string        `json:"terminate_reason,omitempty"`
}

// BeginAttemptRequest is the payload for starting an attempt.
type BeginAttemptRequest struct {
	EntryToken string `json:"entry_token" binding:"omitempty,min=4,max=20"`
}

// SubmitAttemptResponse is returned by the explicit submit endpoint.
type SubmitAttemptResponse struct {
	AttemptID    uuid.UUID     `json:"attempt_id"`
	Status       AttemptStatus `json:"status"`
	TimeSpent    int           `json:"time_spent"`
	WarningCount int           `json:"warning_count"`
}

// TerminateAttemptRequest is the examiner payload for terminating an attempt.
type TerminateAttemptRequest struct {
	Reason string `json:"reason" binding:"required,min=3,max=255"`
}
