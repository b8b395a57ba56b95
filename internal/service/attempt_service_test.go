package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

func TestAdmitCreatesAttemptWhenOpen(t *testing.T) {
	f := newFixture(t)

	adm, err := f.attemptSvc.Admit(context.Background(), f.exam.ID, 7, nil)
	require.NoError(t, err)
	require.Equal(t, clock.PhaseActive, adm.Phase)
	require.False(t, adm.Resumed)
	require.NotNil(t, adm.Attempt)
	require.Equal(t, model.AttemptStatusInProgress, adm.Attempt.Status)
	require.Equal(t, f.now, adm.Attempt.StartedAt)
	require.Equal(t, 5, adm.Exam.ViolationLimit())

	meta := f.mr.HGet(config.CacheKey.AttemptMetaKey(adm.Attempt.ID.String()), "student_id")
	require.Equal(t, "7", meta)
	require.Len(t, f.pub.ofType(model.AttemptEventStarted), 1)
}

func TestAdmitWaitingRoomCreatesNothing(t *testing.T) {
	f := newFixture(t)
	f.now = examStart.Add(-3 * time.Minute)

	adm, err := f.attemptSvc.Admit(context.Background(), f.exam.ID, 7, nil)
	require.NoError(t, err)
	require.Equal(t, clock.PhaseWaiting, adm.Phase)
	require.Nil(t, adm.Attempt)
	require.Equal(t, 3*time.Minute, adm.Window.WaitFor(f.now))
	require.Empty(t, f.attempts.byID)
}

func TestAdmitRefusals(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(f *fixture) uuid.UUID
		wantErr error
	}{
		{
			name:    "unknown exam",
			setup:   func(f *fixture) uuid.UUID { return uuid.New() },
			wantErr: model.ErrExamNotFound,
		},
		{
			name: "not assigned",
			setup: func(f *fixture) uuid.UUID {
				delete(f.assigns, f.exam.ID)
				return f.exam.ID
			},
			wantErr: model.ErrNotAssigned,
		},
		{
			name: "more than five minutes early",
			setup: func(f *fixture) uuid.UUID {
				f.now = examStart.Add(-6 * time.Minute)
				return f.exam.ID
			},
			wantErr: model.ErrNotYetOpen,
		},
		{
			name: "window closed",
			setup: func(f *fixture) uuid.UUID {
				f.now = examStart.Add(4 * time.Hour)
				return f.exam.ID
			},
			wantErr: model.ErrWindowClosed,
		},
		{
			name: "assignment window overrides exam window",
			setup: func(f *fixture) uuid.UUID {
				asgEnd := examStart.Add(5 * time.Minute)
				f.assigns[f.exam.ID].EndTime = &asgEnd
				return f.exam.ID
			},
			wantErr: model.ErrWindowClosed,
		},
		{
			name: "already finalized",
			setup: func(f *fixture) uuid.UUID {
				f.attempts.put(&model.Attempt{
					ExamID: f.exam.ID, StudentID: 7, StartedAt: examStart,
					Status: model.AttemptStatusSubmitted,
				})
				return f.exam.ID
			},
			wantErr: model.ErrAlreadyFinalized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			examID := tt.setup(f)

			_, err := f.attemptSvc.Admit(context.Background(), examID, 7, nil)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestAdmitResumesLiveAttempt(t *testing.T) {
	f := newFixture(t)
	first := f.admit(t)

	f.now = f.now.Add(5 * time.Minute)
	adm, err := f.attemptSvc.Admit(context.Background(), f.exam.ID, 7, nil)
	require.NoError(t, err)
	require.True(t, adm.Resumed)
	require.Equal(t, first.ID, adm.Attempt.ID)
	require.Equal(t, first.StartedAt, adm.Attempt.StartedAt)
	require.Len(t, f.attempts.byID, 1)
}

func TestAdmitResumesExpiredAttemptAfterWindowClosed(t *testing.T) {
	f := newFixture(t)
	first := f.admit(t)

	// The runner finalizes it as timeout as soon as it becomes active.
	f.now = examStart.Add(4 * time.Hour)
	adm, err := f.attemptSvc.Admit(context.Background(), f.exam.ID, 7, nil)
	require.NoError(t, err)
	require.Equal(t, first.ID, adm.Attempt.ID)
	require.True(t, adm.Window.Expired(f.now, adm.Attempt.StartedAt))
}

func TestFinalizeGradesAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.admit(t)
	student := model.Actor{UserID: 7}

	record := func(req model.RecordResponseRequest) {
		t.Helper()
		res, err := f.answers.RecordResponse(ctx, student, a.ID, req)
		require.NoError(t, err)
		require.True(t, res.Saved)
	}
	choice := func(b bool) *bool { return &b }
	text := "  42 "

	record(model.RecordResponseRequest{QuestionID: f.questions[0].ID.String(), AnswerID: f.correctOption(0)})
	record(model.RecordResponseRequest{QuestionID: f.questions[1].ID.String(), AnswerID: f.wrongOption(1)})
	record(model.RecordResponseRequest{QuestionID: f.questions[2].ID.String(), SubItemID: f.questions[2].Answers[0].ID.String(), Choice: choice(true)})
	record(model.RecordResponseRequest{QuestionID: f.questions[2].ID.String(), SubItemID: f.questions[2].Answers[1].ID.String(), Choice: choice(true)})
	record(model.RecordResponseRequest{QuestionID: f.questions[3].ID.String(), Text: &text})

	f.now = f.now.Add(20 * time.Minute)
	res, err := f.attemptSvc.Finalize(ctx, a.ID, model.FinalizeManual, student)
	require.NoError(t, err)
	require.False(t, res.AlreadyFinalized)
	require.Equal(t, model.AttemptStatusSubmitted, res.Status)
	// 2 (mc) + 0 (mc) + 2 (one of two sub-items) + 2 (short answer).
	require.InDelta(t, 6.0, res.Score, 1e-9)
	require.Equal(t, 60, res.Percentage)
	require.Equal(t, 20*60, res.TimeSpentSeconds)

	stored := f.attempts.get(a.ID)
	require.Equal(t, model.AttemptStatusSubmitted, stored.Status)
	require.NotNil(t, stored.SubmittedAt)
	require.Equal(t, f.now, *stored.SubmittedAt)
	for _, r := range f.attempts.responses[a.ID] {
		require.NotNil(t, r.IsCorrect, "graded fields are written back")
	}

	again, err := f.attemptSvc.Finalize(ctx, a.ID, model.FinalizeTimeout, model.SystemActor)
	require.NoError(t, err)
	require.True(t, again.AlreadyFinalized)
	require.Equal(t, model.AttemptStatusSubmitted, again.Status)
	require.InDelta(t, 6.0, again.Score, 1e-9)

	require.Len(t, f.pub.ofType(model.AttemptEventFinalized), 1)
	require.False(t, f.mr.Exists(config.CacheKey.AttemptDraftKey(a.ID.String())))
}

func TestSupervisorSuspendDoesNotOverwriteTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.admit(t)

	f.now = f.now.Add(61 * time.Minute)
	res, err := f.attemptSvc.Finalize(ctx, a.ID, model.FinalizeTimeout, model.Actor{UserID: 7})
	require.NoError(t, err)
	require.Equal(t, model.AttemptStatusTimeout, res.Status)
	require.Equal(t, 60*60, res.TimeSpentSeconds, "time spent is capped by the duration")

	suspend, err := f.attemptSvc.Finalize(ctx, a.ID, model.FinalizeViolation, model.Actor{UserID: 99, Supervisor: true})
	require.NoError(t, err)
	require.True(t, suspend.AlreadyFinalized)
	require.Equal(t, model.AttemptStatusTimeout, suspend.Status)
	require.Nil(t, f.attempts.get(a.ID).ForcedBy)
}

func TestFinalizeOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.admit(t)

	_, err := f.attemptSvc.Finalize(ctx, a.ID, model.FinalizeManual, model.Actor{UserID: 8})
	require.ErrorIs(t, err, model.ErrUnauthorized)
	require.Equal(t, model.AttemptStatusInProgress, f.attempts.get(a.ID).Status)

	_, err = f.attemptSvc.Finalize(ctx, uuid.New(), model.FinalizeManual, model.Actor{UserID: 7})
	require.ErrorIs(t, err, model.ErrAttemptNotFound)

	res, err := f.attemptSvc.Finalize(ctx, a.ID, model.FinalizeViolation, model.Actor{UserID: 99, Supervisor: true})
	require.NoError(t, err)
	require.Equal(t, model.AttemptStatusViolation, res.Status)
	stored := f.attempts.get(a.ID)
	require.NotNil(t, stored.ForcedBy)
	require.Equal(t, 99, *stored.ForcedBy)

	events := f.pub.ofType(model.AttemptEventFinalized)
	require.Len(t, events, 1)
	require.Equal(t, model.AttemptStatusViolation, events[0].Status)
}

func TestConcurrentFinalizeHasOneWinner(t *testing.T) {
	f := newFixture(t)
	a := f.admit(t)

	reasons := []model.FinalizeReason{model.FinalizeManual, model.FinalizeTimeout, model.FinalizeViolation}
	results := make([]*model.FinalizeResult, 12)
	errs := make([]error, len(results))
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.attemptSvc.Finalize(context.Background(), a.ID, reasons[i%len(reasons)], model.SystemActor)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	winners := 0
	final := f.attempts.get(a.ID).Status
	for _, res := range results {
		if !res.AlreadyFinalized {
			winners++
		}
		require.Equal(t, final, res.Status, "every caller reports the persisted status")
	}
	require.Equal(t, 1, winners)
	require.Len(t, f.pub.ofType(model.AttemptEventFinalized), 1)
}

func TestStateRestoresDraftsAndCountdown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.admit(t)
	student := model.Actor{UserID: 7}

	_, err := f.answers.RecordResponse(ctx, student, a.ID, model.RecordResponseRequest{
		QuestionID: f.questions[0].ID.String(), AnswerID: f.correctOption(0),
	})
	require.NoError(t, err)
	_, _, err = f.attempts.SaveViolations(ctx, a.ID, []model.Violation{{Type: model.ViolationCopy, Timestamp: f.now}})
	require.NoError(t, err)

	f.now = f.now.Add(15 * time.Minute)
	state, err := f.attemptSvc.State(ctx, a.ID, student)
	require.NoError(t, err)
	require.Equal(t, model.AttemptStatusInProgress, state.Status)
	require.Equal(t, 45*60, state.RemainingSeconds)
	require.Equal(t, f.correctOption(0), state.DraftAnswers[f.questions[0].ID.String()])
	require.Equal(t, 1, state.ViolationsCount)
	require.Len(t, state.Violations, 1)

	_, err = f.attemptSvc.State(ctx, a.ID, model.Actor{UserID: 8})
	require.ErrorIs(t, err, model.ErrUnauthorized)
}

func TestSweepExpiredFinalizesOnlyPastDeadline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stale := &model.Attempt{ExamID: f.exam.ID, StudentID: 7, StartedAt: examStart}
	fresh := &model.Attempt{ExamID: f.exam.ID, StudentID: 8, StartedAt: examStart.Add(40 * time.Minute)}
	edge := &model.Attempt{ExamID: f.exam.ID, StudentID: 9, StartedAt: examStart.Add(10 * time.Minute)}
	f.attempts.put(stale)
	f.attempts.put(fresh)
	f.attempts.put(edge)

	// stale: deadline 09:00 + 30s grace has passed.
	// edge: deadline 09:10, still inside the grace period.
	f.now = examStart.Add(70*time.Minute + 10*time.Second)

	done, err := f.attemptSvc.SweepExpired(ctx)
	require.NoError(t, err)
	require.Len(t, done, 1)
	require.Equal(t, stale.ID, done[0].AttemptID)
	require.Equal(t, model.AttemptStatusTimeout, done[0].Status)
	require.Equal(t, 60*60, done[0].TimeSpentSeconds)

	require.Equal(t, model.AttemptStatusInProgress, f.attempts.get(fresh.ID).Status)
	require.Equal(t, model.AttemptStatusInProgress, f.attempts.get(edge.ID).Status)

	again, err := f.attemptSvc.SweepExpired(ctx)
	require.NoError(t, err)
	require.Empty(t, again, "a second pass finalizes nothing new")
}

func TestSweepRespectsWindowEnd(t *testing.T) {
	f := newFixture(t)

	// Started late: the window end (11:00) comes before the duration budget.
	late := &model.Attempt{ExamID: f.exam.ID, StudentID: 7, StartedAt: examStart.Add(150 * time.Minute)}
	f.attempts.put(late)

	f.now = examStart.Add(3*time.Hour + time.Minute)
	done, err := f.attemptSvc.SweepExpired(context.Background())
	require.NoError(t, err)
	require.Len(t, done, 1)
	require.Equal(t, model.AttemptStatusTimeout, f.attempts.get(late.ID).Status)
}

func TestSweepHonoursLaterAssignmentEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The exam-level end (08:30) is stale; the assignment runs until 11:00.
	staleEnd := examStart.Add(30 * time.Minute)
	assignEnd := examStart.Add(3 * time.Hour)
	f.exam.EndTime = &staleEnd
	f.assigns[f.exam.ID].StartTime = &examStart
	f.assigns[f.exam.ID].EndTime = &assignEnd

	a := &model.Attempt{ExamID: f.exam.ID, StudentID: 7, StartedAt: examStart}
	f.attempts.put(a)

	f.now = examStart.Add(45 * time.Minute)
	done, err := f.attemptSvc.SweepExpired(ctx)
	require.NoError(t, err)
	require.Empty(t, done)
	require.Equal(t, model.AttemptStatusInProgress, f.attempts.get(a.ID).Status)

	// The duration budget still applies: 09:00 plus the 30s grace.
	f.now = examStart.Add(61 * time.Minute)
	done, err = f.attemptSvc.SweepExpired(ctx)
	require.NoError(t, err)
	require.Len(t, done, 1)
	require.Equal(t, model.AttemptStatusTimeout, f.attempts.get(a.ID).Status)
}

func TestSweepSkipsAttemptsFinalizedByATab(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.admit(t)

	f.now = f.now.Add(2 * time.Hour)
	_, err := f.attemptSvc.Finalize(ctx, a.ID, model.FinalizeManual, model.Actor{UserID: 7})
	require.NoError(t, err)

	done, err := f.attemptSvc.SweepExpired(ctx)
	require.NoError(t, err)
	require.Empty(t, done)
	require.Equal(t, model.AttemptStatusSubmitted, f.attempts.get(a.ID).Status)
}
