package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/microcosm-cc/bluemonday"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/observability"
	"github.com/stemsi/exstem-proctor/internal/realtime"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

// RecordResult reports where a response ended up. A response that could not
// reach Postgres is kept in the draft and queued for retry.
type RecordResult struct {
	AttemptID  uuid.UUID `json:"attempt_id"`
	QuestionID uuid.UUID `json:"question_id"`
	Saved      bool      `json:"saved"`
	Queued     bool      `json:"queued"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// AnswerStore captures student responses. Each write lands in the Redis
// draft (reload recovery) and is upserted in Postgres only while the attempt
// is in progress.
type AnswerStore struct {
	responses ResponseWriter
	papers    *PaperService
	meta      *metaCache
	rdb       *redis.Client
	publisher realtime.Publisher
	policy    *bluemonday.Policy
	clock     func() time.Time
	log       zerolog.Logger
}

// NewAnswerStore creates a new AnswerStore.
func NewAnswerStore(
	responses ResponseWriter,
	attempts AttemptStore,
	papers *PaperService,
	rdb *redis.Client,
	publisher realtime.Publisher,
	log zerolog.Logger,
) *AnswerStore {
	if publisher == nil {
		publisher = realtime.Nop{}
	}
	return &AnswerStore{
		responses: responses,
		papers:    papers,
		meta:      &metaCache{rdb: rdb, attempts: attempts},
		rdb:       rdb,
		publisher: publisher,
		policy:    bluemonday.StrictPolicy(),
		clock:     time.Now,
		log:       log.With().Str("component", "answer_store").Logger(),
	}
}

// RecordResponse validates and stores one answer of the caller's attempt.
// Writes to a terminal attempt fail with model.ErrAlreadyFinalized. When
// Postgres is unavailable the write is queued and reported with Queued set;
// that is not an error.
func (s *AnswerStore) RecordResponse(ctx context.Context, actor model.Actor, attemptID uuid.UUID, req model.RecordResponseRequest) (*RecordResult, error) {
	meta, err := s.meta.get(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if meta.StudentID != actor.UserID {
		return nil, model.ErrUnauthorized
	}

	paper, err := s.papers.Paper(ctx, meta.ExamID)
	if err != nil {
		return nil, fmt.Errorf("load paper: %w", err)
	}

	resp, draft, err := s.buildResponse(paper, attemptID, req)
	if err != nil {
		return nil, err
	}

	result := &RecordResult{AttemptID: attemptID, QuestionID: resp.QuestionID}

	// Conditional upsert, only while the attempt is in progress. The draft
	// is written afterwards so a rejected write never recreates the hash
	// Finalize deleted.
	err = s.responses.Upsert(ctx, resp)
	switch {
	case err == nil:
		result.Saved = true
		result.UpdatedAt = resp.UpdatedAt
		observability.ResponsesSaved().WithLabelValues("saved").Inc()

	case errors.Is(err, repository.ErrStaleResponse):
		// A later write for the same question already landed.
		result.Saved = true
		result.UpdatedAt = resp.UpdatedAt
		observability.ResponsesSaved().WithLabelValues("stale").Inc()

	case errors.Is(err, pgx.ErrNoRows):
		observability.ResponsesSaved().WithLabelValues("rejected").Inc()
		return nil, model.ErrAlreadyFinalized

	case repository.IsPermanent(err):
		observability.ResponsesSaved().WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: %w", model.ErrInvalidResponse, err)

	default:
		s.log.Warn().Err(err).
			Str("attempt_id", attemptID.String()).
			Str("question_id", resp.QuestionID.String()).
			Msg("Response upsert failed, queueing for retry")
		if qerr := s.enqueue(ctx, resp); qerr != nil {
			observability.ResponsesSaved().WithLabelValues("lost").Inc()
			return nil, fmt.Errorf("%w: upsert: %w; queue: %w", model.ErrPersistenceUnavailable, err, qerr)
		}
		result.Queued = true
		result.UpdatedAt = resp.UpdatedAt
		observability.ResponsesSaved().WithLabelValues("queued").Inc()
	}

	s.writeDraft(ctx, attemptID, resp.DraftKey(), draft)

	questionID := resp.QuestionID
	if err := s.publisher.Publish(ctx, model.AttemptEvent{
		Type:       model.AttemptEventResponse,
		AttemptID:  attemptID,
		ExamID:     meta.ExamID,
		StudentID:  meta.StudentID,
		Status:     model.AttemptStatusInProgress,
		QuestionID: &questionID,
		Timestamp:  s.clock(),
	}); err != nil {
		s.log.Debug().Err(err).Msg("Realtime publish failed")
	}
	return result, nil
}

// buildResponse checks the request against the question type and returns
// the response plus its draft value. An empty draft value clears the answer.
func (s *AnswerStore) buildResponse(paper *model.ExamPaper, attemptID uuid.UUID, req model.RecordResponseRequest) (*model.Response, string, error) {
	questionID, err := uuid.Parse(req.QuestionID)
	if err != nil {
		return nil, "", fmt.Errorf("%w: question_id", model.ErrInvalidResponse)
	}
	q := findQuestion(paper, questionID)
	if q == nil {
		return nil, "", fmt.Errorf("%w: question does not belong to this exam", model.ErrInvalidResponse)
	}

	resp := &model.Response{
		AttemptID:  attemptID,
		QuestionID: questionID,
		UpdatedAt:  s.clock(),
	}
	var draft string

	switch q.QuestionType {
	case model.QuestionTypeMultipleChoice:
		if req.AnswerID != "" {
			answerID, err := parseOption(q, req.AnswerID)
			if err != nil {
				return nil, "", err
			}
			resp.SelectedAnswerID = &answerID
			draft = answerID.String()
		}

	case model.QuestionTypeTrueFalseMulti:
		if req.SubItemID == "" {
			return nil, "", fmt.Errorf("%w: sub_item_id is required", model.ErrInvalidResponse)
		}
		subItemID, err := parseOption(q, req.SubItemID)
		if err != nil {
			return nil, "", err
		}
		resp.SubItemID = subItemID
		if req.Choice != nil {
			choice := *req.Choice
			resp.BoolChoice = &choice
			draft = strconv.FormatBool(choice)
		}

	case model.QuestionTypeShortAnswer:
		if req.Text != nil {
			// Tags are stripped, the remaining text is stored literally.
			text := strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(*req.Text)))
			if utf8.RuneCountInString(text) > model.MaxTextAnswerLen {
				return nil, "", fmt.Errorf("%w: text is longer than %d characters", model.ErrInvalidResponse, model.MaxTextAnswerLen)
			}
			if text != "" {
				resp.TextAnswer = &text
				draft = text
			}
		}

	default:
		return nil, "", fmt.Errorf("%w: unknown question type %q", model.ErrInvalidResponse, q.QuestionType)
	}
	return resp, draft, nil
}

// writeDraft mirrors the answer into the draft hash a reloaded tab restores
// from. An empty value clears it. The hash expires on its own in case a
// write races Finalize.
func (s *AnswerStore) writeDraft(ctx context.Context, attemptID uuid.UUID, field, value string) {
	key := config.CacheKey.AttemptDraftKey(attemptID.String())
	pipe := s.rdb.TxPipeline()
	if value == "" {
		pipe.HDel(ctx, key, field)
	} else {
		pipe.HSet(ctx, key, field, value)
	}
	pipe.Expire(ctx, key, config.DraftTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", attemptID.String()).Msg("Draft write failed")
	}
}

func parseOption(q *model.PaperQuestion, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: malformed option id", model.ErrInvalidResponse)
	}
	for _, a := range q.Answers {
		if a.ID == id {
			return id, nil
		}
	}
	return uuid.Nil, fmt.Errorf("%w: option does not belong to this question", model.ErrInvalidResponse)
}

func (s *AnswerStore) enqueue(ctx context.Context, resp *model.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return s.rdb.RPush(ctx, config.WorkerKey.PersistResponsesQueue, data).Err()
}
