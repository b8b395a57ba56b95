package model

import (
	"time"

	"github.com/google/uuid"
)

// Response is a captured answer. A true_false_multi question produces one
// Response per sub-item, keyed by SubItemID; other types use uuid.Nil.
type Response struct {
	ID               uuid.UUID  `json:"id"`
	AttemptID        uuid.UUID  `json:"attempt_id"`
	QuestionID       uuid.UUID  `json:"question_id"`
	SubItemID        uuid.UUID  `json:"sub_item_id"`
	SelectedAnswerID *uuid.UUID `json:"selected_answer_id,omitempty"`
	BoolChoice       *bool      `json:"bool_choice,omitempty"`
	TextAnswer       *string    `json:"text_answer,omitempty"`
	IsCorrect        *bool      `json:"is_correct,omitempty"`
	PointsEarned     float64    `json:"points_earned"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// DraftKey is the field name used for this response in the Redis draft hash.
func (r *Response) DraftKey() string {
	if r.SubItemID == uuid.Nil {
		return r.QuestionID.String()
	}
	return r.QuestionID.String() + ":" + r.SubItemID.String()
}

// MaxTextAnswerLen is the width of responses.text_answer, in characters,
// checked after markup is stripped.
const MaxTextAnswerLen = 64

// RecordResponseRequest is the payload for saving one answer. Exactly one of
// AnswerID (multiple_choice), Choice (true_false_multi, with SubItemID) or
// Text (short_answer) is expected.
type RecordResponseRequest struct {
	QuestionID string  `json:"question_id" binding:"required,uuid"`
	SubItemID  string  `json:"sub_item_id" binding:"omitempty,uuid"`
	AnswerID   string  `json:"answer_id" binding:"omitempty,uuid"`
	Choice     *bool   `json:"choice" binding:"omitempty"`
	Text       *string `json:"text" binding:"omitempty,max=512"`
}

// GradedResponse carries the derived grading fields written back at finalize.
type GradedResponse struct {
	ResponseID   uuid.UUID
	IsCorrect    bool
	PointsEarned float64
}
