package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// QuestionRepository handles question data access.
type QuestionRepository struct {
	pool *pgxpool.Pool
}

// NewQuestionRepository creates a new QuestionRepository.
func NewQuestionRepository(pool *pgxpool.Pool) *QuestionRepository {
	return &QuestionRepository{pool: pool}
}

// ListByExam retrieves all questions for a given exam with their answers,
// both ordered by order_num.
func (r *QuestionRepository) ListByExam(ctx context.Context, examID uuid.UUID) ([]model.Question, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, exam_id, question_type, content, correct_answer, order_num
		 FROM questions WHERE exam_id = $1
		 ORDER BY order_num, id`, examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var questions []model.Question
	index := make(map[uuid.UUID]int)
	for rows.Next() {
		var q model.Question
		if err := rows.Scan(&q.ID, &q.ExamID, &q.QuestionType, &q.Content, &q.CorrectAnswer, &q.OrderNum); err != nil {
			return nil, err
		}
		index[q.ID] = len(questions)
		questions = append(questions, q)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	answerRows, err := r.pool.Query(ctx,
		`SELECT a.id, a.question_id, a.content, a.is_correct, a.order_num
		 FROM answers a
		 JOIN questions q ON q.id = a.question_id
		 WHERE q.exam_id = $1
		 ORDER BY a.question_id, a.order_num, a.id`, examID,
	)
	if err != nil {
		return nil, err
	}
	defer answerRows.Close()

	for answerRows.Next() {
		var a model.Answer
		if err := answerRows.Scan(&a.ID, &a.QuestionID, &a.Content, &a.IsCorrect, &a.OrderNum); err != nil {
			return nil, err
		}
		if i, ok := index[a.QuestionID]; ok {
			questions[i].Answers = append(questions[i].Answers, a)
		}
	}
	return questions, answerRows.Err()
}
