package model

import (
	"time"

	"github.com/google/uuid"
)

// LiveAttempt is the examiner-facing view of a running attempt.
type LiveAttempt struct {
	AttemptID        uuid.UUID     `json:"attempt_id"`
	CandidateID      string        `json:"candidate_id"`
	Status           AttemptStatus `json:"status"`
	TimerState       string        `json:"timer_state"`
	RemainingSeconds int           `json:"remaining_seconds"`
	Warnings         int           `json:"warnings"`
	HighRisk         bool          `json:"high_risk"`
	Fullscreen       bool          `json:"fullscreen"`
	StartedAt        *time.Time    `json:"started_at,omitempty"`
}
