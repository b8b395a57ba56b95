package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

func paperIDs(p *model.ExamPaper) []uuid.UUID {
	ids := make([]uuid.UUID, len(p.Questions))
	for i, q := range p.Questions {
		ids[i] = q.ID
	}
	return ids
}

func TestPaperHidesAnswerKeyAndIsCached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	paper, err := f.paperSvc.Paper(ctx, f.exam.ID)
	require.NoError(t, err)
	require.Len(t, paper.Questions, len(f.questions))

	raw, err := f.mr.Get(config.CacheKey.ExamPaperKey(f.exam.ID.String()))
	require.NoError(t, err)
	require.NotContains(t, raw, "is_correct")
	require.NotContains(t, raw, "correct_answer")

	// Served from Redis once the source disappears.
	delete(f.exams, f.exam.ID)
	again, err := f.paperSvc.Paper(ctx, f.exam.ID)
	require.NoError(t, err)
	require.Equal(t, paperIDs(paper), paperIDs(again))
}

func TestPaperUnknownExam(t *testing.T) {
	f := newFixture(t)
	_, err := f.paperSvc.Paper(context.Background(), uuid.New())
	require.ErrorIs(t, err, model.ErrExamNotFound)
}

func TestAttemptPaperKeepsAuthoredOrderWithoutShuffle(t *testing.T) {
	f := newFixture(t)
	a := f.admit(t)

	paper, err := f.paperSvc.AttemptPaper(context.Background(), a.ID, model.Actor{UserID: 7})
	require.NoError(t, err)
	for i, q := range paper.Questions {
		require.Equal(t, f.questions[i].ID, q.ID)
	}
	require.False(t, f.mr.Exists(config.WorkerKey.PersistQuestionOrderQueue))
}

func TestAttemptPaperShuffleIsStablePerAttempt(t *testing.T) {
	f := newFixture(t)
	f.exam.ShuffleQuestions = true
	f.exam.ShuffleAnswers = true
	ctx := context.Background()
	a := f.admit(t)
	student := model.Actor{UserID: 7}

	first, err := f.paperSvc.AttemptPaper(ctx, a.ID, student)
	require.NoError(t, err)
	require.ElementsMatch(t, paperIDs(first), []uuid.UUID{
		f.questions[0].ID, f.questions[1].ID, f.questions[2].ID, f.questions[3].ID,
	})

	// The computed order is cached and queued for persistence exactly once.
	queued, err := f.rdb.LRange(ctx, config.WorkerKey.PersistQuestionOrderQueue, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, queued, 1)
	var payload QuestionOrderPayload
	require.NoError(t, json.Unmarshal([]byte(queued[0]), &payload))
	require.Equal(t, a.ID.String(), payload.AttemptID)
	require.Len(t, payload.Order, 4)

	second, err := f.paperSvc.AttemptPaper(ctx, a.ID, student)
	require.NoError(t, err)
	require.Equal(t, paperIDs(first), paperIDs(second))
	for i := range first.Questions {
		require.Equal(t, first.Questions[i].Answers, second.Questions[i].Answers)
	}

	// Losing the cache recomputes the same order from the attempt id.
	f.mr.Del(config.CacheKey.AttemptQuestionOrderKey(a.ID.String()))
	third, err := f.paperSvc.AttemptPaper(ctx, a.ID, student)
	require.NoError(t, err)
	require.Equal(t, paperIDs(first), paperIDs(third))
}

func TestAttemptPaperUsesPersistedOrder(t *testing.T) {
	f := newFixture(t)
	f.exam.ShuffleQuestions = true
	order := []uuid.UUID{f.questions[3].ID, f.questions[2].ID, f.questions[1].ID, f.questions[0].ID}
	a := &model.Attempt{ExamID: f.exam.ID, StudentID: 7, StartedAt: f.now, QuestionOrder: order}
	f.attempts.put(a)

	paper, err := f.paperSvc.AttemptPaper(context.Background(), a.ID, model.Actor{UserID: 7})
	require.NoError(t, err)
	require.Equal(t, order, paperIDs(paper))
}

func TestAttemptPaperAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.admit(t)

	_, err := f.paperSvc.AttemptPaper(ctx, a.ID, model.Actor{UserID: 8})
	require.ErrorIs(t, err, model.ErrUnauthorized)

	_, err = f.attemptSvc.Finalize(ctx, a.ID, model.FinalizeManual, model.Actor{UserID: 7})
	require.NoError(t, err)

	_, err = f.paperSvc.AttemptPaper(ctx, a.ID, model.Actor{UserID: 7})
	require.ErrorIs(t, err, model.ErrAlreadyFinalized)

	_, err = f.paperSvc.AttemptPaper(ctx, a.ID, model.Actor{UserID: 99, Supervisor: true})
	require.NoError(t, err)
}

func TestShuffledOrderDependsOnAttempt(t *testing.T) {
	questions := make([]model.PaperQuestion, 12)
	for i := range questions {
		questions[i] = model.PaperQuestion{ID: uuid.New()}
	}

	a, b := uuid.New(), uuid.New()
	require.Equal(t, ShuffledOrder(a, questions), ShuffledOrder(a, questions))
	require.NotEqual(t, ShuffledOrder(a, questions), ShuffledOrder(b, questions))
}

func TestPrewarmSkipsExamsWithoutQuestions(t *testing.T) {
	f := newFixture(t)
	empty := model.Exam{ID: uuid.New(), Title: "Empty"}

	warmed, err := f.paperSvc.Prewarm(context.Background(), []model.Exam{*f.exam, empty})
	require.NoError(t, err)
	require.Equal(t, 1, warmed)
	require.True(t, f.mr.Exists(config.CacheKey.ExamPaperKey(f.exam.ID.String())))
	require.False(t, f.mr.Exists(config.CacheKey.ExamPaperKey(empty.ID.String())))
}
