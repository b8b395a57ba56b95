package service

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

// MonitorReader is the monitor repository as seen by MonitorService.
type MonitorReader interface {
	ListByExam(ctx context.Context, examID uuid.UUID) ([]repository.MonitorRow, error)
	DraftCounts(ctx context.Context, attemptIDs []uuid.UUID) (map[uuid.UUID]int64, error)
}

// MonitorService orchestrates live exam monitoring business logic.
type MonitorService struct {
	monitorRepo MonitorReader
	exams       ExamReader
	questions   QuestionReader
}

// NewMonitorService creates a new MonitorService.
func NewMonitorService(monitorRepo MonitorReader, exams ExamReader, questions QuestionReader) *MonitorService {
	return &MonitorService{monitorRepo: monitorRepo, exams: exams, questions: questions}
}

// MonitorSnapshot is what a supervisor sees when attaching to an exam.
type MonitorSnapshot struct {
	Exam            *model.Exam             `json:"exam"`
	TotalQuestions  int                     `json:"total_questions"`
	Attempts        []repository.MonitorRow `json:"attempts"`
	InProgress      int                     `json:"in_progress"`
	Finalized       int                     `json:"finalized"`
	TotalViolations int                     `json:"total_violations"`
}

// Snapshot returns every attempt of the exam with its progress. The exam,
// its questions and the attempt rows are fetched in parallel; live draft
// counts from Redis then override persisted counts that lag behind.
func (s *MonitorService) Snapshot(ctx context.Context, examID uuid.UUID) (*MonitorSnapshot, error) {
	var (
		exam         *model.Exam
		questions    []model.Question
		rows         []repository.MonitorRow
		examErr      error
		questionsErr error
		rowsErr      error
		wg           sync.WaitGroup
	)

	wg.Add(3)
	go func() {
		defer wg.Done()
		exam, examErr = s.exams.GetByID(ctx, examID)
	}()
	go func() {
		defer wg.Done()
		questions, questionsErr = s.questions.ListByExam(ctx, examID)
	}()
	go func() {
		defer wg.Done()
		rows, rowsErr = s.monitorRepo.ListByExam(ctx, examID)
	}()
	wg.Wait()

	if errors.Is(examErr, pgx.ErrNoRows) {
		return nil, model.ErrExamNotFound
	}
	if examErr != nil {
		return nil, examErr
	}
	if rowsErr != nil {
		return nil, rowsErr
	}

	snapshot := &MonitorSnapshot{Exam: exam, Attempts: rows}
	if snapshot.Attempts == nil {
		snapshot.Attempts = []repository.MonitorRow{}
	}
	// Question count is best-effort.
	if questionsErr == nil {
		snapshot.TotalQuestions = len(questions)
	}

	var live []uuid.UUID
	for _, r := range rows {
		snapshot.TotalViolations += r.ViolationsCount
		if r.Status.Terminal() {
			snapshot.Finalized++
			continue
		}
		snapshot.InProgress++
		live = append(live, r.AttemptID)
	}

	drafts, err := s.monitorRepo.DraftCounts(ctx, live)
	if err == nil {
		for i := range snapshot.Attempts {
			r := &snapshot.Attempts[i]
			if n, ok := drafts[r.AttemptID]; ok && n > r.AnsweredCount {
				r.AnsweredCount = n
			}
		}
	}
	return snapshot, nil
}
