package model

import (
	"time"

	"github.com/google/uuid"
)

// AttemptEventType names a change pushed to realtime subscribers.
type AttemptEventType string

const (
	AttemptEventStarted   AttemptEventType = "attempt_started"
	AttemptEventResponse  AttemptEventType = "response_saved"
	AttemptEventViolation AttemptEventType = "violation"
	AttemptEventFinalized AttemptEventType = "attempt_finalized"
)

// AttemptEvent is published on every attempt change. Supervisors' monitors
// consume it, and so does the session runner owning the attempt, which is
// how it learns about a finalize that happened elsewhere.
type AttemptEvent struct {
	Type            AttemptEventType `json:"type"`
	AttemptID       uuid.UUID        `json:"attempt_id"`
	ExamID          uuid.UUID        `json:"exam_id"`
	StudentID       int              `json:"student_id"`
	Status          AttemptStatus    `json:"status"`
	Score           *float64         `json:"score,omitempty"`
	Percentage      *int             `json:"percentage,omitempty"`
	ViolationsCount int              `json:"violations_count"`
	Violation       *Violation       `json:"violation,omitempty"`
	QuestionID      *uuid.UUID       `json:"question_id,omitempty"`
	ForcedBy        *int             `json:"forced_by,omitempty"`
	Timestamp       time.Time        `json:"timestamp"`
}
