package model

import (
	"time"

	"github.com/google/uuid"
)

// ExamStatus enumerates the possible states of an exam.
type ExamStatus string

const (
	ExamStatusDraft      ExamStatus = "DRAFT"
	ExamStatusPublished  ExamStatus = "PUBLISHED"
	ExamStatusInProgress ExamStatus = "IN_PROGRESS"
	ExamStatusCompleted  ExamStatus = "COMPLETED"
)

// Exam is the slice of an exam definition the proctoring core needs.
type Exam struct {
	ID              uuid.UUID        `json:"id"`
	Title           string           `json:"title"`
	ExaminerID      string           `json:"examiner_id"`
	DurationMinutes int              `json:"duration_minutes"`
	EntryToken      string           `json:"-"`
	QuestionCount   int              `json:"question_count"`
	Proctoring      ProctoringConfig `json:"proctoring"`
	Status          ExamStatus       `json:"status"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Duration returns the allotted time for one attempt.
func (e *Exam) Duration() time.Duration {
	return time.Duration(e.DurationMinutes) * time.Minute
}

// Open reports whether candidates may begin attempts.
func (e *Exam) Open() bool {
	return e.Status == ExamStatusPublished || e.Status == ExamStatusInProgress
}

// ExamControlAction enumerates examiner broadcasts applied to every live attempt of an exam.
type ExamControlAction string

const (
	ExamControlPause  ExamControlAction = "pause"
	ExamControlResume ExamControlAction = "resume"
	ExamControlEnd    ExamControlAction = "end"
	ExamControlWarn   ExamControlAction = "warn"
)

// ExamControlRequest is the examiner payload for an exam-wide control message.
type ExamControlRequest struct {
	Action  ExamControlAction `json:"action" binding:"required,oneof=pause resume end warn"`
	Message string            `json:"message" binding:"required_if=Action warn,max=500"`
}

// ExamControlMessage is the Pub/Sub envelope for exam-wide control.
type ExamControlMessage struct {
	ExamID  uuid.UUID         `json:"exam_id"`
	Action  ExamControlAction `json:"action"`
	Message string            `json:"message,omitempty"`
	SentBy  string            `json:"sent_by"`
	SentAt  time.Time         `json:"sent_at"`
}
