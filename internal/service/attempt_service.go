package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/observability"
	"github.com/stemsi/exstem-proctor/internal/realtime"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/scoring"
	"github.com/stemsi/exstem-proctor/internal/session"
)

// publishTimeout bounds the realtime publish that follows a committed write.
const publishTimeout = 3 * time.Second

// AttemptService handles admission, finalize and reload recovery of attempts.
// It is the session runner's backend.
type AttemptService struct {
	exams       ExamReader
	assignments AssignmentReader
	questions   QuestionReader
	attempts    AttemptStore
	meta        *metaCache
	rdb         *redis.Client
	publisher   realtime.Publisher
	clock       clock.Clock

	maxViolations int
	sweepGrace    time.Duration
	log           zerolog.Logger
}

// AttemptServiceConfig groups the tunables of AttemptService.
type AttemptServiceConfig struct {
	// MaxViolations applies to exams that do not set their own limit.
	MaxViolations int
	// SweepGrace is added to every deadline before the sweeper acts, so a
	// live tab gets to finalize its own attempt first.
	SweepGrace time.Duration
	Clock      clock.Clock
}

// NewAttemptService creates a new AttemptService.
func NewAttemptService(
	exams ExamReader,
	assignments AssignmentReader,
	questions QuestionReader,
	attempts AttemptStore,
	rdb *redis.Client,
	publisher realtime.Publisher,
	cfg AttemptServiceConfig,
	log zerolog.Logger,
) *AttemptService {
	if publisher == nil {
		publisher = realtime.Nop{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	return &AttemptService{
		exams:         exams,
		assignments:   assignments,
		questions:     questions,
		attempts:      attempts,
		meta:          &metaCache{rdb: rdb, attempts: attempts},
		rdb:           rdb,
		publisher:     publisher,
		clock:         cfg.Clock,
		maxViolations: cfg.MaxViolations,
		sweepGrace:    cfg.SweepGrace,
		log:           log.With().Str("component", "attempt_service").Logger(),
	}
}

var _ session.Backend = (*AttemptService)(nil)

// ---- Admission ----

// Admit checks the exam, the assignment and the window, then resumes the
// student's live attempt or creates one. While the window has not opened
// yet no attempt is created and Phase is waiting.
func (s *AttemptService) Admit(ctx context.Context, examID uuid.UUID, studentID int, classID *int) (*session.Admission, error) {
	exam, err := s.loadExam(ctx, examID)
	if err != nil {
		return nil, err
	}

	window, err := s.resolveWindow(ctx, exam, studentID, classID, true)
	if err != nil {
		return nil, err
	}

	// A live attempt is resumed whatever the window says: if it ran out the
	// runner finalizes it as timeout right away.
	existing, err := s.attempts.GetLatest(ctx, examID, studentID)
	switch {
	case err == nil && existing.Status.Terminal():
		return nil, model.ErrAlreadyFinalized
	case err == nil:
		s.meta.put(ctx, existing)
		observability.AttemptsAdmitted().WithLabelValues("resumed").Inc()
		return &session.Admission{Phase: clock.PhaseActive, Exam: exam, Window: window, Attempt: existing, Resumed: true}, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, fmt.Errorf("%w: get latest attempt: %w", model.ErrPersistenceUnavailable, err)
	}

	now := s.clock.Now()
	phase, err := window.Admit(now)
	if err != nil {
		return nil, err
	}
	if phase == clock.PhaseWaiting {
		observability.AttemptsAdmitted().WithLabelValues(string(clock.PhaseWaiting)).Inc()
		return &session.Admission{Phase: clock.PhaseWaiting, Exam: exam, Window: window}, nil
	}

	attempt := &model.Attempt{
		ExamID:    examID,
		StudentID: studentID,
		ClassID:   classID,
		StartedAt: now,
	}
	if err := s.attempts.Create(ctx, attempt); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: create attempt: %w", model.ErrPersistenceUnavailable, err)
		}
		// Concurrent admission from another tab won the insert.
		existing, fetchErr := s.attempts.GetLatest(ctx, examID, studentID)
		if fetchErr != nil {
			return nil, fmt.Errorf("concurrent admit detected, but fetch failed: %w", fetchErr)
		}
		if existing.Status.Terminal() {
			return nil, model.ErrAlreadyFinalized
		}
		s.meta.put(ctx, existing)
		observability.AttemptsAdmitted().WithLabelValues("resumed").Inc()
		return &session.Admission{Phase: clock.PhaseActive, Exam: exam, Window: window, Attempt: existing, Resumed: true}, nil
	}

	s.meta.put(ctx, attempt)
	observability.AttemptsAdmitted().WithLabelValues(string(clock.PhaseActive)).Inc()
	s.log.Info().
		Str("attempt_id", attempt.ID.String()).
		Str("exam_id", examID.String()).
		Int("student_id", studentID).
		Msg("Attempt started")

	s.publish(model.AttemptEvent{
		Type:      model.AttemptEventStarted,
		AttemptID: attempt.ID,
		ExamID:    examID,
		StudentID: studentID,
		Status:    model.AttemptStatusInProgress,
		Timestamp: now,
	})

	return &session.Admission{Phase: clock.PhaseActive, Exam: exam, Window: window, Attempt: attempt}, nil
}

func (s *AttemptService) loadExam(ctx context.Context, examID uuid.UUID) (*model.Exam, error) {
	exam, err := s.exams.GetByID(ctx, examID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrExamNotFound
		}
		return nil, fmt.Errorf("%w: get exam: %w", model.ErrPersistenceUnavailable, err)
	}
	if exam.MaxViolations <= 0 && s.maxViolations > 0 {
		exam.MaxViolations = s.maxViolations
	}
	return exam, nil
}

// resolveWindow merges the assignment window over the exam window. With
// strict set a missing assignment is ErrNotAssigned; otherwise the exam
// window alone is used.
func (s *AttemptService) resolveWindow(ctx context.Context, exam *model.Exam, studentID int, classID *int, strict bool) (clock.Window, error) {
	in := clock.Input{
		ExamStart:       exam.StartTime,
		ExamEnd:         exam.EndTime,
		DurationMinutes: exam.DurationMinutes,
	}

	asg, err := s.assignments.FindForStudent(ctx, exam.ID, studentID, classID)
	switch {
	case err == nil:
		in.AssignmentStart = asg.StartTime
		in.AssignmentEnd = asg.EndTime
	case errors.Is(err, pgx.ErrNoRows):
		if strict {
			return clock.Window{}, model.ErrNotAssigned
		}
	default:
		return clock.Window{}, fmt.Errorf("%w: find assignment: %w", model.ErrPersistenceUnavailable, err)
	}
	return clock.Resolve(in), nil
}

// ---- Finalize ----

// Finalize grades the attempt and commits the terminal status for reason in
// one conditional write. It is idempotent: when another trigger already
// finalized the attempt, the persisted outcome is returned with
// AlreadyFinalized set and nothing is written. Supervisors (and the sweeper)
// bypass the ownership check, never the status check.
func (s *AttemptService) Finalize(ctx context.Context, attemptID uuid.UUID, reason model.FinalizeReason, actor model.Actor) (*model.FinalizeResult, error) {
	ctx, span := observability.Tracer().Start(ctx, "attempt.finalize")
	span.SetAttributes(
		attribute.String("attempt.id", attemptID.String()),
		attribute.String("finalize.reason", string(reason)),
		attribute.Bool("actor.supervisor", actor.Supervisor),
	)
	defer span.End()

	fail := func(err error, status string) (*model.FinalizeResult, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, status)
		return nil, err
	}

	attempt, err := s.attempts.GetByID(ctx, attemptID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fail(model.ErrAttemptNotFound, "attempt_not_found")
		}
		return fail(fmt.Errorf("%w: get attempt: %w", model.ErrPersistenceUnavailable, err), "attempt_lookup_failed")
	}
	if !actor.Supervisor && attempt.StudentID != actor.UserID {
		return fail(model.ErrUnauthorized, "not_owner")
	}
	if attempt.Status.Terminal() {
		span.SetAttributes(attribute.Bool("finalize.idempotent", true))
		observability.AttemptsFinalized().WithLabelValues(string(reason), "already_finalized").Inc()
		return finalizeResult(attempt, true), nil
	}

	exam, err := s.loadExam(ctx, attempt.ExamID)
	if err != nil {
		return fail(err, "exam_lookup_failed")
	}
	questions, err := s.questions.ListByExam(ctx, attempt.ExamID)
	if err != nil {
		return fail(fmt.Errorf("%w: list questions: %w", model.ErrPersistenceUnavailable, err), "question_lookup_failed")
	}

	var forcedBy *int
	if actor.Supervisor && actor.UserID != 0 {
		uid := actor.UserID
		forcedBy = &uid
	}

	now := s.clock.Now()
	budget := time.Duration(exam.DurationMinutes) * time.Minute
	var graded scoring.Result

	started := time.Now()
	persisted, won, err := s.attempts.Finalize(ctx, attemptID,
		func(a *model.Attempt, responses []model.Response) (repository.FinalizeParams, []model.GradedResponse) {
			graded = scoring.Score(exam, questions, responses)
			return repository.FinalizeParams{
				Status:           reason.Status(),
				SubmittedAt:      now,
				TimeSpentSeconds: timeSpent(a.StartedAt, now, budget),
				Score:            graded.TotalScore,
				Percentage:       graded.Percentage,
				ForcedBy:         forcedBy,
			}, graded.Graded
		})
	observability.FinalizeSeconds().Observe(time.Since(started).Seconds())
	if err != nil {
		return fail(fmt.Errorf("%w: finalize attempt: %w", model.ErrPersistenceUnavailable, err), "finalize_failed")
	}

	result := finalizeResult(persisted, !won)
	if !won {
		span.SetAttributes(attribute.Bool("finalize.idempotent", true))
		observability.AttemptsFinalized().WithLabelValues(string(reason), "already_finalized").Inc()
		return result, nil
	}

	observability.AttemptsFinalized().WithLabelValues(string(reason), "won").Inc()
	span.SetAttributes(
		attribute.String("attempt.status", string(persisted.Status)),
		attribute.Float64("attempt.score", result.Score),
		attribute.Bool("attempt.passed", graded.Passed),
	)
	s.log.Info().
		Str("attempt_id", attemptID.String()).
		Str("status", string(persisted.Status)).
		Float64("score", result.Score).
		Int("percentage", result.Percentage).
		Bool("passed", graded.Passed).
		Msg("Attempt finalized")

	// Drafts are only needed while the attempt is writable.
	if err := s.rdb.Del(ctx,
		config.CacheKey.AttemptDraftKey(attemptID.String()),
		config.CacheKey.AttemptQuestionOrderKey(attemptID.String()),
	).Err(); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", attemptID.String()).Msg("Failed to clear attempt drafts")
	}

	score, pct := result.Score, result.Percentage
	s.publish(model.AttemptEvent{
		Type:            model.AttemptEventFinalized,
		AttemptID:       attemptID,
		ExamID:          persisted.ExamID,
		StudentID:       persisted.StudentID,
		Status:          persisted.Status,
		Score:           &score,
		Percentage:      &pct,
		ViolationsCount: persisted.ViolationsCount,
		ForcedBy:        persisted.ForcedBy,
		Timestamp:       now,
	})

	return result, nil
}

func finalizeResult(a *model.Attempt, already bool) *model.FinalizeResult {
	res := &model.FinalizeResult{
		AttemptID:        a.ID,
		Status:           a.Status,
		TimeSpentSeconds: a.TimeSpentSeconds,
		AlreadyFinalized: already,
	}
	if a.Score != nil {
		res.Score = *a.Score
	}
	if a.Percentage != nil {
		res.Percentage = *a.Percentage
	}
	return res
}

// timeSpent is capped by the duration budget: a sweep running past the
// deadline does not inflate it.
func timeSpent(startedAt, now time.Time, budget time.Duration) int {
	spent := now.Sub(startedAt)
	if budget > 0 && spent > budget {
		spent = budget
	}
	if spent < 0 {
		spent = 0
	}
	return int(spent / time.Second)
}

// ---- Reload recovery ----

// State returns what a reloaded tab needs to restore itself: the draft
// answers, the remaining time and the violation history.
func (s *AttemptService) State(ctx context.Context, attemptID uuid.UUID, actor model.Actor) (*model.AttemptState, error) {
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

	state := &model.AttemptState{
		AttemptID:       attempt.ID,
		ExamID:          attempt.ExamID,
		Status:          attempt.Status,
		DraftAnswers:    map[string]string{},
		ViolationsCount: attempt.ViolationsCount,
		Violations:      attempt.Violations,
	}
	if state.Violations == nil {
		state.Violations = []model.Violation{}
	}
	if attempt.Status.Terminal() {
		return state, nil
	}

	exam, err := s.loadExam(ctx, attempt.ExamID)
	if err != nil {
		return nil, err
	}
	window, err := s.resolveWindow(ctx, exam, attempt.StudentID, attempt.ClassID, false)
	if err != nil {
		return nil, err
	}
	state.RemainingSeconds = int(window.Remaining(s.clock.Now(), attempt.StartedAt).Seconds())

	drafts, err := s.rdb.HGetAll(ctx, config.CacheKey.AttemptDraftKey(attemptID.String())).Result()
	if err != nil {
		s.log.Warn().Err(err).Str("attempt_id", attemptID.String()).Msg("Failed to read draft answers")
	} else {
		state.DraftAnswers = drafts
	}
	return state, nil
}

// publish is best-effort and never fails the operation that triggered it.
func (s *AttemptService) publish(ev model.AttemptEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.log.Warn().Err(err).
			Str("attempt_id", ev.AttemptID.String()).
			Str("event", string(ev.Type)).
			Msg("Realtime publish failed")
	}
}
