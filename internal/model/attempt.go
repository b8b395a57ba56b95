package model

import (
	"time"

	"github.com/google/uuid"
)

// AttemptStatus enumerates attempt lifecycle states. Every status other than
// in_progress is terminal.
type AttemptStatus string

const (
	AttemptStatusInProgress AttemptStatus = "in_progress"
	AttemptStatusSubmitted  AttemptStatus = "submitted"
	AttemptStatusTimeout    AttemptStatus = "timeout"
	AttemptStatusViolation  AttemptStatus = "violation"
)

// Terminal reports whether the status can no longer change.
func (s AttemptStatus) Terminal() bool {
	return s != AttemptStatusInProgress
}

// FinalizeReason is the trigger that ended an attempt.
type FinalizeReason string

const (
	FinalizeManual    FinalizeReason = "manual"
	FinalizeTimeout   FinalizeReason = "timeout"
	FinalizeViolation FinalizeReason = "violation"
)

// Status maps a finalize reason onto the terminal status it commits.
func (r FinalizeReason) Status() AttemptStatus {
	switch r {
	case FinalizeTimeout:
		return AttemptStatusTimeout
	case FinalizeViolation:
		return AttemptStatusViolation
	default:
		return AttemptStatusSubmitted
	}
}

// Attempt is one student's single run through one exam.
type Attempt struct {
	ID               uuid.UUID     `json:"id"`
	ExamID           uuid.UUID     `json:"exam_id"`
	StudentID        int           `json:"student_id"`
	ClassID          *int          `json:"class_id,omitempty"`
	Status           AttemptStatus `json:"status"`
	StartedAt        time.Time     `json:"started_at"`
	SubmittedAt      *time.Time    `json:"submitted_at,omitempty"`
	TimeSpentSeconds int           `json:"time_spent_seconds"`
	Score            *float64      `json:"score,omitempty"`
	Percentage       *int          `json:"percentage,omitempty"`
	ViolationsCount  int           `json:"violations_count"`
	Violations       []Violation   `json:"violations"`
	QuestionOrder    []uuid.UUID   `json:"question_order,omitempty"`
	ForcedBy         *int          `json:"forced_by,omitempty"`
}

// Actor identifies who requested a finalize. Supervisors skip the ownership
// guard a student's own submission goes through.
type Actor struct {
	UserID     int
	Supervisor bool
}

// SystemActor is used by the expiry sweeper.
var SystemActor = Actor{Supervisor: true}

// FinalizeResult is what a finalize call reports back. AlreadyFinalized is
// set when another trigger won the race; the remaining fields then describe
// the persisted winner.
type FinalizeResult struct {
	AttemptID        uuid.UUID     `json:"attempt_id"`
	Status           AttemptStatus `json:"status"`
	Score            float64       `json:"score"`
	Percentage       int           `json:"percentage"`
	TimeSpentSeconds int           `json:"time_spent_seconds"`
	AlreadyFinalized bool          `json:"already_finalized"`
}

// AttemptDeadlineRow is an in-progress attempt joined with every timing
// source the expiry sweeper needs.
type AttemptDeadlineRow struct {
	AttemptID       uuid.UUID
	ExamID          uuid.UUID
	StudentID       int
	StartedAt       time.Time
	DurationMinutes int
	ExamStart       *time.Time
	ExamEnd         *time.Time
	AssignmentStart *time.Time
	AssignmentEnd   *time.Time
}

// SuspendRequest is the payload a supervisor sends to force-end an attempt.
type SuspendRequest struct {
	Reason string `json:"reason" binding:"omitempty,max=500"`
}

// AttemptState is returned on page reload so the tab can restore its answers,
// countdown and violation banner history.
type AttemptState struct {
	AttemptID        uuid.UUID         `json:"attempt_id"`
	ExamID           uuid.UUID         `json:"exam_id"`
	Status           AttemptStatus     `json:"status"`
	RemainingSeconds int               `json:"remaining_seconds"`
	DraftAnswers     map[string]string `json:"draft_answers"`
	ViolationsCount  int               `json:"violations_count"`
	Violations       []Violation       `json:"violations"`
}
