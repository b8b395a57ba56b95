package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// ExamRepository handles exam data access.
type ExamRepository struct {
	pool *pgxpool.Pool
}

// NewExamRepository creates a new ExamRepository.
func NewExamRepository(pool *pgxpool.Pool) *ExamRepository {
	return &ExamRepository{pool: pool}
}

const examColumns = `id, title, author_id, duration_minutes, start_time, end_time,
	multiple_choice_score, true_false_multi_score, short_answer_score, total_score, passing_score,
	shuffle_questions, shuffle_answers, require_fullscreen, max_violations, created_at, updated_at`

func scanExam(row pgx.Row) (*model.Exam, error) {
	e := &model.Exam{}
	err := row.Scan(&e.ID, &e.Title, &e.AuthorID, &e.DurationMinutes, &e.StartTime, &e.EndTime,
		&e.MultipleChoiceScore, &e.TrueFalseMultiScore, &e.ShortAnswerScore, &e.TotalScore, &e.PassingScore,
		&e.ShuffleQuestions, &e.ShuffleAnswers, &e.RequireFullscreen, &e.MaxViolations, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// GetByID retrieves an exam by its UUID.
func (r *ExamRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, error) {
	return scanExam(r.pool.QueryRow(ctx,
		`SELECT `+examColumns+` FROM exams WHERE id = $1`, id,
	))
}

// ListUpcoming returns exams whose window has not closed by now, including
// exams without an end time.
func (r *ExamRepository) ListUpcoming(ctx context.Context, now time.Time) ([]model.Exam, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+examColumns+` FROM exams
		 WHERE end_time IS NULL OR end_time > $1
		 ORDER BY start_time NULLS FIRST`, now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var exams []model.Exam
	for rows.Next() {
		e, err := scanExam(rows)
		if err != nil {
			return nil, err
		}
		exams = append(exams, *e)
	}
	return exams, rows.Err()
}
