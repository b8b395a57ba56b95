package model

import (
	"github.com/google/uuid"
)

// QuestionType enumerates the gradable question categories. Each type is a
// separately weighted section of the exam.
type QuestionType string

const (
	QuestionTypeMultipleChoice QuestionType = "multiple_choice"
	QuestionTypeTrueFalseMulti QuestionType = "true_false_multi"
	QuestionTypeShortAnswer    QuestionType = "short_answer"
)

// QuestionTypes lists every section in a stable order.
var QuestionTypes = []QuestionType{
	QuestionTypeMultipleChoice,
	QuestionTypeTrueFalseMulti,
	QuestionTypeShortAnswer,
}

// Question represents a single exam question with its answer key.
type Question struct {
	ID            uuid.UUID    `json:"id"`
	ExamID        uuid.UUID    `json:"exam_id"`
	QuestionType  QuestionType `json:"question_type"`
	Content       string       `json:"content"`
	CorrectAnswer *string      `json:"correct_answer,omitempty"` // short_answer only
	OrderNum      int          `json:"order_num"`
	Answers       []Answer     `json:"answers,omitempty"`
}

// Answer is an option of a multiple_choice question or a sub-item of a
// true_false_multi question.
type Answer struct {
	ID         uuid.UUID `json:"id"`
	QuestionID uuid.UUID `json:"question_id"`
	Content    string    `json:"content"`
	IsCorrect  bool      `json:"is_correct"`
	OrderNum   int       `json:"order_num"`
}

// FindAnswer returns the answer with the given id, or nil.
func (q *Question) FindAnswer(id uuid.UUID) *Answer {
	for i := range q.Answers {
		if q.Answers[i].ID == id {
			return &q.Answers[i]
		}
	}
	return nil
}
