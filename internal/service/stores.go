package service

import (
	"context"

	"github.com/google/uuid"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

// The services depend on these narrow views of the repositories so tests can
// substitute in-memory fakes. The pgx repositories satisfy them as-is.

// ExamReader loads exams.
type ExamReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, error)
}

// AssignmentReader resolves the assignment covering a student.
type AssignmentReader interface {
	FindForStudent(ctx context.Context, examID uuid.UUID, studentID int, classID *int) (*model.Assignment, error)
}

// QuestionReader loads an exam's questions with their answer keys.
type QuestionReader interface {
	ListByExam(ctx context.Context, examID uuid.UUID) ([]model.Question, error)
}

// AttemptStore reads and conditionally writes attempts.
type AttemptStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Attempt, error)
	GetLatest(ctx context.Context, examID uuid.UUID, studentID int) (*model.Attempt, error)
	Create(ctx context.Context, a *model.Attempt) error
	Finalize(ctx context.Context, attemptID uuid.UUID, grade repository.GradeFunc) (*model.Attempt, bool, error)
	ListInProgressDeadlines(ctx context.Context) ([]model.AttemptDeadlineRow, error)
	LoadViolations(ctx context.Context, attemptID uuid.UUID) ([]model.Violation, error)
	SaveViolations(ctx context.Context, attemptID uuid.UUID, violations []model.Violation) (prev int, applied bool, err error)
}

// ResponseWriter conditionally upserts responses.
type ResponseWriter interface {
	Upsert(ctx context.Context, resp *model.Response) error
}

var (
	_ ExamReader       = (*repository.ExamRepository)(nil)
	_ AssignmentReader = (*repository.AssignmentRepository)(nil)
	_ QuestionReader   = (*repository.QuestionRepository)(nil)
	_ AttemptStore     = (*repository.AttemptRepository)(nil)
	_ ResponseWriter   = (*repository.ResponseRepository)(nil)
)
