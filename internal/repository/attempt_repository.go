package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// AttemptRepository handles attempt data access. Every write that depends on
// the attempt still being live is a conditional statement on
// status = 'in_progress'; "no rows" means another writer got there first.
type AttemptRepository struct {
	pool *pgxpool.Pool
}

// NewAttemptRepository creates a new AttemptRepository.
func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

// FinalizeParams is the terminal write of one attempt.
type FinalizeParams struct {
	Status           model.AttemptStatus
	SubmittedAt      time.Time
	TimeSpentSeconds int
	Score            float64
	Percentage       int
	ForcedBy         *int
}

const attemptColumns = `id, exam_id, student_id, class_id, status, started_at, submitted_at,
	time_spent_seconds, score, percentage, violations_count, violations, question_order, forced_by`

func scanAttempt(row pgx.Row) (*model.Attempt, error) {
	a := &model.Attempt{}
	var violations []byte
	err := row.Scan(&a.ID, &a.ExamID, &a.StudentID, &a.ClassID, &a.Status, &a.StartedAt, &a.SubmittedAt,
		&a.TimeSpentSeconds, &a.Score, &a.Percentage, &a.ViolationsCount, &violations, &a.QuestionOrder, &a.ForcedBy)
	if err != nil {
		return nil, err
	}
	if len(violations) > 0 {
		if err := json.Unmarshal(violations, &a.Violations); err != nil {
			return nil, fmt.Errorf("decode violations: %w", err)
		}
	}
	return a, nil
}

// GetByID retrieves an attempt by its UUID.
func (r *AttemptRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Attempt, error) {
	return scanAttempt(r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE id = $1`, id))
}

// GetLatest retrieves the newest attempt of a student on an exam, whatever
// its status.
func (r *AttemptRepository) GetLatest(ctx context.Context, examID uuid.UUID, studentID int) (*model.Attempt, error) {
	return scanAttempt(r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+`
		 FROM attempts
		 WHERE exam_id = $1 AND student_id = $2
		 ORDER BY started_at DESC
		 LIMIT 1`, examID, studentID))
}

// Create inserts a new in-progress attempt. If another in-progress attempt
// for the same (exam, student) already exists, pgx.ErrNoRows is returned and
// the caller should load the existing one.
func (r *AttemptRepository) Create(ctx context.Context, a *model.Attempt) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO attempts (exam_id, student_id, class_id, status, started_at, question_order)
		 VALUES ($1, $2, $3, 'in_progress', $4, $5)
		 ON CONFLICT (exam_id, student_id) WHERE status = 'in_progress' DO NOTHING
		 RETURNING id, status, started_at`,
		a.ExamID, a.StudentID, a.ClassID, a.StartedAt, a.QuestionOrder,
	).Scan(&a.ID, &a.Status, &a.StartedAt)
}

// GradeFunc scores a locked, in-progress attempt from the responses read in
// the same transaction.
type GradeFunc func(a *model.Attempt, responses []model.Response) (FinalizeParams, []model.GradedResponse)

// Finalize locks the attempt row, grades it from a consistent snapshot of its
// responses and commits the terminal status, the score and the graded
// responses in one transaction. If the attempt is no longer in progress
// nothing is written: the persisted attempt is returned with false.
func (r *AttemptRepository) Finalize(ctx context.Context, attemptID uuid.UUID, grade GradeFunc) (*model.Attempt, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	a, err := scanAttempt(tx.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE id = $1 FOR UPDATE`, attemptID))
	if err != nil {
		return nil, false, err
	}
	if a.Status.Terminal() {
		return a, false, nil
	}

	responses, err := listResponses(ctx, tx, attemptID)
	if err != nil {
		return nil, false, fmt.Errorf("list responses: %w", err)
	}
	p, graded := grade(a, responses)

	tag, err := tx.Exec(ctx,
		`UPDATE attempts
		 SET status = $2,
		     submitted_at = $3,
		     time_spent_seconds = $4,
		     score = $5,
		     percentage = $6,
		     forced_by = $7,
		     updated_at = NOW()
		 WHERE id = $1 AND status = 'in_progress'`,
		attemptID, p.Status, p.SubmittedAt, p.TimeSpentSeconds, p.Score, p.Percentage, p.ForcedBy,
	)
	if err != nil {
		return nil, false, fmt.Errorf("update attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return a, false, nil
	}

	if len(graded) > 0 {
		n := len(graded)
		ids := make([]uuid.UUID, n)
		correct := make([]bool, n)
		points := make([]float64, n)
		for i, g := range graded {
			ids[i] = g.ResponseID
			correct[i] = g.IsCorrect
			points[i] = g.PointsEarned
		}

		_, err = tx.Exec(ctx,
			`UPDATE responses AS r
			 SET is_correct = t.is_correct,
			     points_earned = t.points_earned
			 FROM (
				SELECT u.id, u.is_correct, u.points_earned
				FROM UNNEST($1::uuid[], $2::bool[], $3::float8[]) AS u (id, is_correct, points_earned)
			 ) AS t
			 WHERE r.id = t.id AND r.attempt_id = $4`,
			ids, correct, points, attemptID,
		)
		if err != nil {
			return nil, false, fmt.Errorf("grade responses: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}

	a.Status = p.Status
	a.SubmittedAt = &p.SubmittedAt
	a.TimeSpentSeconds = p.TimeSpentSeconds
	a.Score = &p.Score
	a.Percentage = &p.Percentage
	a.ForcedBy = p.ForcedBy
	return a, true, nil
}

// LoadViolations returns the persisted violation log.
func (r *AttemptRepository) LoadViolations(ctx context.Context, attemptID uuid.UUID) ([]model.Violation, error) {
	var raw []byte
	if err := r.pool.QueryRow(ctx,
		`SELECT violations FROM attempts WHERE id = $1`, attemptID,
	).Scan(&raw); err != nil {
		return nil, err
	}

	var out []model.Violation
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decode violations: %w", err)
		}
	}
	return out, nil
}

// SaveViolations replaces the violation log and returns how many entries
// were stored before. The log is append-only, so a write carrying fewer
// entries than already stored is not applied (applied is false). It is not
// gated on status: violations detected right before a finalize still land.
func (r *AttemptRepository) SaveViolations(ctx context.Context, attemptID uuid.UUID, violations []model.Violation) (prev int, applied bool, err error) {
	raw, err := json.Marshal(violations)
	if err != nil {
		return 0, false, fmt.Errorf("encode violations: %w", err)
	}

	err = r.pool.QueryRow(ctx,
		`UPDATE attempts AS a
		 SET violations = $2, violations_count = $3, updated_at = NOW()
		 FROM (SELECT id, violations_count FROM attempts WHERE id = $1 FOR UPDATE) AS old
		 WHERE a.id = old.id AND old.violations_count <= $3
		 RETURNING old.violations_count`,
		attemptID, raw, len(violations),
	).Scan(&prev)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return prev, true, nil
}

// ListInProgressDeadlines returns every live attempt joined with its exam
// and the most specific assignment covering the student.
func (r *AttemptRepository) ListInProgressDeadlines(ctx context.Context) ([]model.AttemptDeadlineRow, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT a.id, a.exam_id, a.student_id, a.started_at,
		        e.duration_minutes, e.start_time, e.end_time,
		        asg.start_time, asg.end_time
		 FROM attempts a
		 JOIN exams e ON e.id = a.exam_id
		 LEFT JOIN LATERAL (
			SELECT ea.start_time, ea.end_time
			FROM exam_assignments ea
			WHERE ea.exam_id = a.exam_id
			  AND (ea.student_id = a.student_id OR (a.class_id IS NOT NULL AND ea.class_id = a.class_id))
			ORDER BY (ea.student_id IS NOT NULL) DESC, ea.id DESC
			LIMIT 1
		 ) asg ON TRUE
		 WHERE a.status = 'in_progress'
		 ORDER BY a.started_at`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AttemptDeadlineRow
	for rows.Next() {
		var d model.AttemptDeadlineRow
		if err := rows.Scan(&d.AttemptID, &d.ExamID, &d.StudentID, &d.StartedAt,
			&d.DurationMinutes, &d.ExamStart, &d.ExamEnd,
			&d.AssignmentStart, &d.AssignmentEnd); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
