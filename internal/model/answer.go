package model

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Answer is a single candidate answer; the value is opaque to the proctoring core.
type Answer struct {
	AttemptID  uuid.UUID       `json:"attempt_id"`
	QuestionID uuid.UUID       `json:"question_id"`
	Value      json.RawMessage `json:"value"`
}
