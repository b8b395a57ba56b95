package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// AssignmentRepository handles exam assignment data access.
type AssignmentRepository struct {
	pool *pgxpool.Pool
}

// NewAssignmentRepository creates a new AssignmentRepository.
func NewAssignmentRepository(pool *pgxpool.Pool) *AssignmentRepository {
	return &AssignmentRepository{pool: pool}
}

// FindForStudent returns the assignment that binds the exam to the student.
// A direct student assignment wins over a class assignment; among equals the
// newest wins. Returns pgx.ErrNoRows when the exam is not assigned.
func (r *AssignmentRepository) FindForStudent(ctx context.Context, examID uuid.UUID, studentID int, classID *int) (*model.Assignment, error) {
	a := &model.Assignment{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, exam_id, student_id, class_id, start_time, end_time
		 FROM exam_assignments
		 WHERE exam_id = $1
		   AND (student_id = $2 OR ($3::int IS NOT NULL AND class_id = $3))
		 ORDER BY (student_id IS NOT NULL) DESC, id DESC
		 LIMIT 1`,
		examID, studentID, classID,
	).Scan(&a.ID, &a.ExamID, &a.StudentID, &a.ClassID, &a.StartTime, &a.EndTime)
	if err != nil {
		return nil, err
	}
	return a, nil
}
