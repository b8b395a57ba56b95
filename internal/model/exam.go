package model

import (
	"time"

	"github.com/google/uuid"
)

// DefaultMaxViolations is the escalation threshold used when an exam does not set one.
const DefaultMaxViolations = 5

// Exam is the read model of an authored exam. Authoring happens elsewhere;
// this service only reads exams to admit, time and grade attempts.
type Exam struct {
	ID                  uuid.UUID  `json:"id"`
	Title               string     `json:"title"`
	AuthorID            int        `json:"author_id"`
	DurationMinutes     int        `json:"duration_minutes"`
	StartTime           *time.Time `json:"start_time,omitempty"`
	EndTime             *time.Time `json:"end_time,omitempty"`
	MultipleChoiceScore float64    `json:"multiple_choice_score"`
	TrueFalseMultiScore float64    `json:"true_false_multi_score"`
	ShortAnswerScore    float64    `json:"short_answer_score"`
	TotalScore          float64    `json:"total_score"`
	PassingScore        float64    `json:"passing_score"`
	ShuffleQuestions    bool       `json:"shuffle_questions"`
	ShuffleAnswers      bool       `json:"shuffle_answers"`
	RequireFullscreen   bool       `json:"require_fullscreen"`
	MaxViolations       int        `json:"max_violations"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// SectionWeight returns the points allocated to all questions of the given type.
func (e *Exam) SectionWeight(t QuestionType) float64 {
	switch t {
	case QuestionTypeMultipleChoice:
		return e.MultipleChoiceScore
	case QuestionTypeTrueFalseMulti:
		return e.TrueFalseMultiScore
	case QuestionTypeShortAnswer:
		return e.ShortAnswerScore
	default:
		return 0
	}
}

// ViolationLimit returns the configured escalation threshold, falling back to the default.
func (e *Exam) ViolationLimit() int {
	if e.MaxViolations <= 0 {
		return DefaultMaxViolations
	}
	return e.MaxViolations
}

// ExamPaper is the Redis-cached, student-facing copy of an exam (no answer key).
type ExamPaper struct {
	ExamID           uuid.UUID       `json:"exam_id"`
	Title            string          `json:"title"`
	DurationMinutes  int             `json:"duration_minutes"`
	ShuffleQuestions bool            `json:"shuffle_questions"`
	ShuffleAnswers   bool            `json:"shuffle_answers"`
	Questions        []PaperQuestion `json:"questions"`
}

// PaperQuestion is a question without its correct answer.
type PaperQuestion struct {
	ID           uuid.UUID     `json:"id"`
	QuestionType QuestionType  `json:"question_type"`
	Content      string        `json:"content"`
	OrderNum     int           `json:"order_num"`
	Answers      []PaperAnswer `json:"answers,omitempty"`
}

// PaperAnswer is an answer option without its is_correct flag.
type PaperAnswer struct {
	ID       uuid.UUID `json:"id"`
	Content  string    `json:"content"`
	OrderNum int       `json:"order_num"`
}
