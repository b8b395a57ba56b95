package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ResponseRepository handles response data access.
type ResponseRepository struct {
	pool *pgxpool.Pool
}

// NewResponseRepository creates a new ResponseRepository.
func NewResponseRepository(pool *pgxpool.Pool) *ResponseRepository {
	return &ResponseRepository{pool: pool}
}

// ErrStaleResponse is returned by Upsert when a newer write for the same
// question is already stored.
var ErrStaleResponse = errors.New("a newer response is already stored")

// IsPermanent reports whether err is a Postgres data exception or
// constraint violation (SQLSTATE class 22 or 23). Retrying such a write
// fails the same way.
func IsPermanent(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return strings.HasPrefix(pgErr.Code, "22") || strings.HasPrefix(pgErr.Code, "23")
}

// Upsert writes a response only while its attempt is in progress. It
// returns pgx.ErrNoRows when the attempt is missing or already terminal, and
// ErrStaleResponse when the stored row has a later updated_at, so a retried
// write never overwrites a newer answer.
func (r *ResponseRepository) Upsert(ctx context.Context, resp *model.Response) error {
	var (
		live      bool
		id        *uuid.UUID
		updatedAt *time.Time
	)
	err := r.pool.QueryRow(ctx,
		`WITH live AS (
			SELECT id FROM attempts WHERE id = $1 AND status = 'in_progress' FOR SHARE
		 ), upserted AS (
			INSERT INTO responses (attempt_id, question_id, sub_item_id, selected_answer_id, bool_choice, text_answer, updated_at)
			SELECT live.id, $2::uuid, $3::uuid, $4::uuid, $5::bool, $6::text, $7::timestamptz
			FROM live
			ON CONFLICT (attempt_id, question_id, sub_item_id) DO UPDATE
			SET selected_answer_id = EXCLUDED.selected_answer_id,
			    bool_choice = EXCLUDED.bool_choice,
			    text_answer = EXCLUDED.text_answer,
			    updated_at = EXCLUDED.updated_at
			WHERE responses.updated_at <= EXCLUDED.updated_at
			RETURNING id, updated_at
		 )
		 SELECT EXISTS (SELECT 1 FROM live), u.id, u.updated_at
		 FROM (SELECT 1) AS one
		 LEFT JOIN upserted AS u ON TRUE`,
		resp.AttemptID, resp.QuestionID, resp.SubItemID, resp.SelectedAnswerID, resp.BoolChoice, resp.TextAnswer, resp.UpdatedAt,
	).Scan(&live, &id, &updatedAt)
	if err != nil {
		return err
	}
	if !live {
		return pgx.ErrNoRows
	}
	if id == nil {
		return ErrStaleResponse
	}
	resp.ID = *id
	resp.UpdatedAt = *updatedAt
	return nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func listResponses(ctx context.Context, q querier, attemptID uuid.UUID) ([]model.Response, error) {
	rows, err := q.Query(ctx,
		`SELECT id, attempt_id, question_id, sub_item_id, selected_answer_id, bool_choice, text_answer,
		        is_correct, points_earned, updated_at
		 FROM responses
		 WHERE attempt_id = $1
		 ORDER BY updated_at`, attemptID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Response
	for rows.Next() {
		var resp model.Response
		if err := rows.Scan(&resp.ID, &resp.AttemptID, &resp.QuestionID, &resp.SubItemID, &resp.SelectedAnswerID,
			&resp.BoolChoice, &resp.TextAnswer, &resp.IsCorrect, &resp.PointsEarned, &resp.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, resp)
	}
	return out, rows.Err()
}
