package service

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

type fakeMonitor struct {
	rows   []repository.MonitorRow
	drafts map[uuid.UUID]int64
	asked  []uuid.UUID
}

func (f *fakeMonitor) ListByExam(context.Context, uuid.UUID) ([]repository.MonitorRow, error) {
	return f.rows, nil
}

func (f *fakeMonitor) DraftCounts(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]int64, error) {
	f.asked = ids
	return f.drafts, nil
}

func TestMonitorSnapshotMergesDraftCounts(t *testing.T) {
	f := newFixture(t)
	live, done := uuid.New(), uuid.New()
	repo := &fakeMonitor{
		rows: []repository.MonitorRow{
			{AttemptID: live, StudentID: 7, Status: model.AttemptStatusInProgress, ViolationsCount: 2, AnsweredCount: 1},
			{AttemptID: done, StudentID: 8, Status: model.AttemptStatusSubmitted, ViolationsCount: 1, AnsweredCount: 4},
		},
		drafts: map[uuid.UUID]int64{live: 3},
	}

	snap, err := NewMonitorService(repo, f.exams, fakeQuestions{f.exam.ID: f.questions}).Snapshot(context.Background(), f.exam.ID)
	require.NoError(t, err)
	require.Equal(t, f.exam.ID, snap.Exam.ID)
	require.Equal(t, len(f.questions), snap.TotalQuestions)
	require.Equal(t, 1, snap.InProgress)
	require.Equal(t, 1, snap.Finalized)
	require.Equal(t, 3, snap.TotalViolations)
	require.Equal(t, []uuid.UUID{live}, repo.asked, "only live attempts have drafts")
	require.EqualValues(t, 3, snap.Attempts[0].AnsweredCount)
	require.EqualValues(t, 4, snap.Attempts[1].AnsweredCount)
}

func TestMonitorSnapshotUnknownExam(t *testing.T) {
	f := newFixture(t)
	_, err := NewMonitorService(&fakeMonitor{}, f.exams, fakeQuestions{}).Snapshot(context.Background(), uuid.New())
	require.ErrorIs(t, err, model.ErrExamNotFound)
}
