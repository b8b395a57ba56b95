package handler

import (
	"context"

	"github.com/google/uuid"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/session"
)

// AttemptEngine is the attempt lifecycle as seen by HTTP handlers.
type AttemptEngine interface {
	session.Backend
	State(ctx context.Context, attemptID uuid.UUID, actor model.Actor) (*model.AttemptState, error)
}

// PaperReader serves an attempt's question paper.
type PaperReader interface {
	AttemptPaper(ctx context.Context, attemptID uuid.UUID, actor model.Actor) (*model.ExamPaper, error)
}

// ResponseRecorder stores one answer.
type ResponseRecorder interface {
	RecordResponse(ctx context.Context, actor model.Actor, attemptID uuid.UUID, req model.RecordResponseRequest) (*service.RecordResult, error)
}

// Sweeper finalizes every expired attempt.
type Sweeper interface {
	SweepExpired(ctx context.Context) ([]model.FinalizeResult, error)
}

// Snapshotter builds the supervisor's view of an exam.
type Snapshotter interface {
	Snapshot(ctx context.Context, examID uuid.UUID) (*service.MonitorSnapshot, error)
}

var (
	_ AttemptEngine    = (*service.AttemptService)(nil)
	_ PaperReader      = (*service.PaperService)(nil)
	_ ResponseRecorder = (*service.AnswerStore)(nil)
	_ Sweeper          = (*service.AttemptService)(nil)
	_ Snapshotter      = (*service.MonitorService)(nil)
)
