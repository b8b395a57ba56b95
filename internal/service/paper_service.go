package service

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// QuestionOrderPayload is queued for the question order worker.
type QuestionOrderPayload struct {
	AttemptID string   `json:"attempt_id"`
	Order     []string `json:"order"`
}

// PaperService serves the student-facing exam paper: questions without
// their answer key, in a per-attempt order when the exam shuffles.
type PaperService struct {
	exams     ExamReader
	questions QuestionReader
	attempts  AttemptStore
	rdb       *redis.Client
	ttl       time.Duration
	log       zerolog.Logger
}

// NewPaperService creates a new PaperService.
func NewPaperService(exams ExamReader, questions QuestionReader, attempts AttemptStore, rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *PaperService {
	return &PaperService{
		exams:     exams,
		questions: questions,
		attempts:  attempts,
		rdb:       rdb,
		ttl:       ttl,
		log:       log.With().Str("component", "paper_service").Logger(),
	}
}

// Paper returns the cached paper of an exam, building it on a miss.
func (s *PaperService) Paper(ctx context.Context, examID uuid.UUID) (*model.ExamPaper, error) {
	data, err := s.rdb.Get(ctx, config.CacheKey.ExamPaperKey(examID.String())).Bytes()
	if err == nil {
		var paper model.ExamPaper
		if err := json.Unmarshal(data, &paper); err == nil {
			return &paper, nil
		}
		s.log.Warn().Str("exam_id", examID.String()).Msg("Discarding corrupt cached paper")
	} else if !errors.Is(err, redis.Nil) {
		s.log.Warn().Err(err).Msg("Paper cache read failed, falling back to database")
	}

	exam, err := s.exams.GetByID(ctx, examID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrExamNotFound
		}
		return nil, fmt.Errorf("%w: get exam: %w", model.ErrPersistenceUnavailable, err)
	}
	return s.WarmPaper(ctx, exam)
}

// WarmPaper builds the paper of exam from the database and caches it.
func (s *PaperService) WarmPaper(ctx context.Context, exam *model.Exam) (*model.ExamPaper, error) {
	questions, err := s.questions.ListByExam(ctx, exam.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: list questions: %w", model.ErrPersistenceUnavailable, err)
	}
	if len(questions) == 0 {
		return nil, model.ErrNoQuestions
	}

	paper := &model.ExamPaper{
		ExamID:           exam.ID,
		Title:            exam.Title,
		DurationMinutes:  exam.DurationMinutes,
		ShuffleQuestions: exam.ShuffleQuestions,
		ShuffleAnswers:   exam.ShuffleAnswers,
		Questions:        make([]model.PaperQuestion, len(questions)),
	}
	for i, q := range questions {
		pq := model.PaperQuestion{
			ID:           q.ID,
			QuestionType: q.QuestionType,
			Content:      q.Content,
			OrderNum:     q.OrderNum,
		}
		for _, a := range q.Answers {
			pq.Answers = append(pq.Answers, model.PaperAnswer{ID: a.ID, Content: a.Content, OrderNum: a.OrderNum})
		}
		paper.Questions[i] = pq
	}

	if data, err := json.Marshal(paper); err == nil {
		if err := s.rdb.Set(ctx, config.CacheKey.ExamPaperKey(exam.ID.String()), data, s.ttl).Err(); err != nil {
			s.log.Warn().Err(err).Str("exam_id", exam.ID.String()).Msg("Failed to cache paper")
		}
	}

	s.log.Debug().
		Str("exam_id", exam.ID.String()).
		Int("questions", len(questions)).
		Msg("Paper cache warmed")
	return paper, nil
}

// Prewarm caches the paper of every exam so the first wave of students at
// the window opening does not hit Postgres. Exams without questions are
// skipped.
func (s *PaperService) Prewarm(ctx context.Context, exams []model.Exam) (int, error) {
	warmed := 0
	var errs []error
	for i := range exams {
		if _, err := s.WarmPaper(ctx, &exams[i]); err != nil {
			if errors.Is(err, model.ErrNoQuestions) {
				continue
			}
			errs = append(errs, fmt.Errorf("exam %s: %w", exams[i].ID, err))
			continue
		}
		warmed++
	}
	return warmed, errors.Join(errs...)
}

// AttemptPaper returns the paper as the owner of attemptID sees it. Shuffled
// orders are seeded by the attempt id, so a reload always shows the same
// order even if the cached copy was lost.
func (s *PaperService) AttemptPaper(ctx context.Context, attemptID uuid.UUID, actor model.Actor) (*model.ExamPaper, error) {
	attempt, err := s.attempts.GetByID(ctx, attemptID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrAttemptNotFound
		}
		return nil, fmt.Errorf("%w: get attempt: %w", model.ErrPersistenceUnavailable, err)
	}
	if !actor.Supervisor && attempt.StudentID != actor.UserID {
		return nil, model.ErrUnauthorized
	}
	if !actor.Supervisor && attempt.Status.Terminal() {
		return nil, model.ErrAlreadyFinalized
	}

	paper, err := s.Paper(ctx, attempt.ExamID)
	if err != nil {
		return nil, err
	}

	out := *paper
	out.Questions = make([]model.PaperQuestion, len(paper.Questions))
	copy(out.Questions, paper.Questions)

	if paper.ShuffleQuestions {
		out.Questions = applyOrder(out.Questions, s.questionOrder(ctx, attempt, paper))
	}
	if paper.ShuffleAnswers {
		for i := range out.Questions {
			q := &out.Questions[i]
			if q.QuestionType != model.QuestionTypeMultipleChoice || len(q.Answers) < 2 {
				continue
			}
			answers := make([]model.PaperAnswer, len(q.Answers))
			copy(answers, q.Answers)
			rng := seededRand(attempt.ID, q.ID)
			rng.Shuffle(len(answers), func(a, b int) { answers[a], answers[b] = answers[b], answers[a] })
			q.Answers = answers
		}
	}
	return &out, nil
}

// questionOrder returns the attempt's question order, computing and queueing
// it for persistence on first use.
func (s *PaperService) questionOrder(ctx context.Context, attempt *model.Attempt, paper *model.ExamPaper) []uuid.UUID {
	if len(attempt.QuestionOrder) > 0 {
		return attempt.QuestionOrder
	}

	key := config.CacheKey.AttemptQuestionOrderKey(attempt.ID.String())
	if data, err := s.rdb.Get(ctx, key).Bytes(); err == nil {
		var order []uuid.UUID
		if err := json.Unmarshal(data, &order); err == nil && len(order) > 0 {
			return order
		}
	}

	order := ShuffledOrder(attempt.ID, paper.Questions)

	strOrder := make([]string, len(order))
	for i, id := range order {
		strOrder[i] = id.String()
	}
	cached, _ := json.Marshal(order)
	payload, _ := json.Marshal(QuestionOrderPayload{AttemptID: attempt.ID.String(), Order: strOrder})

	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, key, cached, s.ttl)
	pipe.RPush(ctx, config.WorkerKey.PersistQuestionOrderQueue, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", attempt.ID.String()).Msg("Failed to queue question order")
	}
	return order
}

// ShuffledOrder is the deterministic question order of an attempt.
func ShuffledOrder(attemptID uuid.UUID, questions []model.PaperQuestion) []uuid.UUID {
	order := make([]uuid.UUID, len(questions))
	for i, q := range questions {
		order[i] = q.ID
	}
	rng := seededRand(attemptID, uuid.Nil)
	rng.Shuffle(len(order), func(a, b int) { order[a], order[b] = order[b], order[a] })
	return order
}

func seededRand(attemptID, salt uuid.UUID) *rand.Rand {
	hi := binary.BigEndian.Uint64(attemptID[:8]) ^ binary.BigEndian.Uint64(salt[:8])
	lo := binary.BigEndian.Uint64(attemptID[8:]) ^ binary.BigEndian.Uint64(salt[8:])
	return rand.New(rand.NewPCG(hi, lo))
}

// applyOrder sorts questions by order. Questions missing from order keep
// their relative position after the ordered ones.
func applyOrder(questions []model.PaperQuestion, order []uuid.UUID) []model.PaperQuestion {
	byID := make(map[uuid.UUID]model.PaperQuestion, len(questions))
	for _, q := range questions {
		byID[q.ID] = q
	}

	out := make([]model.PaperQuestion, 0, len(questions))
	for _, id := range order {
		if q, ok := byID[id]; ok {
			out = append(out, q)
			delete(byID, id)
		}
	}
	for _, q := range questions {
		if _, ok := byID[q.ID]; ok {
			out = append(out, q)
		}
	}
	return out
}

// findQuestion looks a question up in a paper.
func findQuestion(paper *model.ExamPaper, id uuid.UUID) *model.PaperQuestion {
	for i := range paper.Questions {
		if paper.Questions[i].ID == id {
			return &paper.Questions[i]
		}
	}
	return nil
}
