package model

import (
	"time"

	"github.com/google/uuid"
)

// Assignment binds an exam to a single student or to a whole class. Its own
// window, when set, supersedes the exam window for the students it covers.
type Assignment struct {
	ID        int        `json:"id"`
	ExamID    uuid.UUID  `json:"exam_id"`
	StudentID *int       `json:"student_id,omitempty"`
	ClassID   *int       `json:"class_id,omitempty"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
}
