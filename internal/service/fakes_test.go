package service

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

// ---- Exams, assignments, questions ----

type fakeExams map[uuid.UUID]*model.Exam

func (f fakeExams) GetByID(_ context.Context, id uuid.UUID) (*model.Exam, error) {
	e, ok := f[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *e
	return &cp, nil
}

type fakeAssignments map[uuid.UUID]*model.Assignment

func (f fakeAssignments) FindForStudent(_ context.Context, examID uuid.UUID, _ int, _ *int) (*model.Assignment, error) {
	a, ok := f[examID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return a, nil
}

type fakeQuestions map[uuid.UUID][]model.Question

func (f fakeQuestions) ListByExam(_ context.Context, examID uuid.UUID) ([]model.Question, error) {
	return f[examID], nil
}

// ---- Attempts and responses ----

// fakeAttempts mimics the conditional writes of the pgx repositories.
type fakeAttempts struct {
	mu        sync.Mutex
	exams     fakeExams
	assigns   fakeAssignments
	byID      map[uuid.UUID]*model.Attempt
	responses map[uuid.UUID][]model.Response
	saveErr   error
}

func newFakeAttempts(exams fakeExams) *fakeAttempts {
	return &fakeAttempts{
		exams:     exams,
		byID:      map[uuid.UUID]*model.Attempt{},
		responses: map[uuid.UUID][]model.Response{},
	}
}

func (f *fakeAttempts) put(a *model.Attempt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Status == "" {
		a.Status = model.AttemptStatusInProgress
	}
	cp := *a
	f.byID[a.ID] = &cp
}

func (f *fakeAttempts) get(id uuid.UUID) model.Attempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.byID[id]
}

func (f *fakeAttempts) GetByID(_ context.Context, id uuid.UUID) (*model.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.byID[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *a
	return &cp, nil
}

func (f *fakeAttempts) GetLatest(_ context.Context, examID uuid.UUID, studentID int) (*model.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *model.Attempt
	for _, a := range f.byID {
		if a.ExamID == examID && a.StudentID == studentID && (latest == nil || a.StartedAt.After(latest.StartedAt)) {
			latest = a
		}
	}
	if latest == nil {
		return nil, pgx.ErrNoRows
	}
	cp := *latest
	return &cp, nil
}

func (f *fakeAttempts) Create(_ context.Context, a *model.Attempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.byID {
		if existing.ExamID == a.ExamID && existing.StudentID == a.StudentID && !existing.Status.Terminal() {
			return pgx.ErrNoRows
		}
	}
	a.ID = uuid.New()
	a.Status = model.AttemptStatusInProgress
	cp := *a
	f.byID[a.ID] = &cp
	return nil
}

func (f *fakeAttempts) Finalize(_ context.Context, id uuid.UUID, grade repository.GradeFunc) (*model.Attempt, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.byID[id]
	if !ok {
		return nil, false, pgx.ErrNoRows
	}
	if a.Status.Terminal() {
		cp := *a
		return &cp, false, nil
	}

	locked := *a
	p, graded := grade(&locked, append([]model.Response(nil), f.responses[id]...))
	a.Status = p.Status
	a.SubmittedAt = &p.SubmittedAt
	a.TimeSpentSeconds = p.TimeSpentSeconds
	a.Score = &p.Score
	a.Percentage = &p.Percentage
	a.ForcedBy = p.ForcedBy

	for _, g := range graded {
		for i := range f.responses[id] {
			r := &f.responses[id][i]
			if r.ID == g.ResponseID {
				correct := g.IsCorrect
				r.IsCorrect = &correct
				r.PointsEarned = g.PointsEarned
			}
		}
	}
	cp := *a
	return &cp, true, nil
}

func (f *fakeAttempts) ListInProgressDeadlines(_ context.Context) ([]model.AttemptDeadlineRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.AttemptDeadlineRow
	for _, a := range f.byID {
		if a.Status.Terminal() {
			continue
		}
		e := f.exams[a.ExamID]
		row := model.AttemptDeadlineRow{
			AttemptID:       a.ID,
			ExamID:          a.ExamID,
			StudentID:       a.StudentID,
			StartedAt:       a.StartedAt,
			DurationMinutes: e.DurationMinutes,
			ExamStart:       e.StartTime,
			ExamEnd:         e.EndTime,
		}
		if as, ok := f.assigns[a.ExamID]; ok && (as.StudentID == nil || *as.StudentID == a.StudentID) {
			row.AssignmentStart, row.AssignmentEnd = as.StartTime, as.EndTime
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (f *fakeAttempts) LoadViolations(_ context.Context, id uuid.UUID) ([]model.Violation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.byID[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return append([]model.Violation(nil), a.Violations...), nil
}

func (f *fakeAttempts) SaveViolations(_ context.Context, id uuid.UUID, vs []model.Violation) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return 0, false, f.saveErr
	}
	a, ok := f.byID[id]
	if !ok || a.ViolationsCount > len(vs) {
		return 0, false, nil
	}
	prev := a.ViolationsCount
	a.Violations = append([]model.Violation(nil), vs...)
	a.ViolationsCount = len(vs)
	return prev, true, nil
}

type fakeResponses struct {
	attempts *fakeAttempts
	err      error
}

func (f *fakeResponses) Upsert(_ context.Context, resp *model.Response) error {
	if f.err != nil {
		return f.err
	}
	f.attempts.mu.Lock()
	defer f.attempts.mu.Unlock()
	a, ok := f.attempts.byID[resp.AttemptID]
	if !ok || a.Status.Terminal() {
		return pgx.ErrNoRows
	}

	list := f.attempts.responses[resp.AttemptID]
	for i := range list {
		if list[i].QuestionID == resp.QuestionID && list[i].SubItemID == resp.SubItemID {
			resp.ID = list[i].ID
			list[i] = *resp
			return nil
		}
	}
	resp.ID = uuid.New()
	f.attempts.responses[resp.AttemptID] = append(list, *resp)
	return nil
}

// ---- Realtime ----

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.AttemptEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev model.AttemptEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) ofType(t model.AttemptEventType) []model.AttemptEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []model.AttemptEvent
	for _, ev := range p.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// ---- Fixture ----

var examStart = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

// fixture is a ten-point exam: two multiple choice questions sharing 4
// points, one true/false-multi question with two sub-items worth 4 points
// and one short answer question worth 2 points.
type fixture struct {
	mr        *miniredis.Miniredis
	rdb       *redis.Client
	now       time.Time
	exam      *model.Exam
	questions []model.Question
	exams     fakeExams
	assigns   fakeAssignments
	attempts  *fakeAttempts
	responses *fakeResponses
	pub       *recordingPublisher

	attemptSvc *AttemptService
	paperSvc   *PaperService
	answers    *AnswerStore
	violations *ViolationStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	end := examStart.Add(3 * time.Hour)
	exam := &model.Exam{
		ID:                  uuid.New(),
		Title:               "Physics midterm",
		DurationMinutes:     60,
		StartTime:           &examStart,
		EndTime:             &end,
		MultipleChoiceScore: 4,
		TrueFalseMultiScore: 4,
		ShortAnswerScore:    2,
		TotalScore:          10,
		PassingScore:        50,
		RequireFullscreen:   true,
	}

	mc := func(order int) model.Question {
		id := uuid.New()
		return model.Question{
			ID: id, ExamID: exam.ID, QuestionType: model.QuestionTypeMultipleChoice, OrderNum: order,
			Content: "Pick one",
			Answers: []model.Answer{
				{ID: uuid.New(), QuestionID: id, Content: "A", IsCorrect: true, OrderNum: 1},
				{ID: uuid.New(), QuestionID: id, Content: "B", OrderNum: 2},
				{ID: uuid.New(), QuestionID: id, Content: "C", OrderNum: 3},
			},
		}
	}
	tfID := uuid.New()
	key := "42"
	questions := []model.Question{
		mc(1),
		mc(2),
		{
			ID: tfID, ExamID: exam.ID, QuestionType: model.QuestionTypeTrueFalseMulti, OrderNum: 3,
			Content: "True or false",
			Answers: []model.Answer{
				{ID: uuid.New(), QuestionID: tfID, Content: "Statement 1", IsCorrect: true, OrderNum: 1},
				{ID: uuid.New(), QuestionID: tfID, Content: "Statement 2", IsCorrect: false, OrderNum: 2},
			},
		},
		{
			ID: uuid.New(), ExamID: exam.ID, QuestionType: model.QuestionTypeShortAnswer, OrderNum: 4,
			Content: "Answer to everything", CorrectAnswer: &key,
		},
	}

	studentID := 7
	f := &fixture{
		mr:        mr,
		rdb:       rdb,
		now:       examStart.Add(10 * time.Minute),
		exam:      exam,
		questions: questions,
		exams:     fakeExams{exam.ID: exam},
		assigns:   fakeAssignments{exam.ID: {ID: 1, ExamID: exam.ID, StudentID: &studentID}},
		pub:       &recordingPublisher{},
	}
	f.attempts = newFakeAttempts(f.exams)
	f.attempts.assigns = f.assigns
	f.responses = &fakeResponses{attempts: f.attempts}

	log := zerolog.Nop()
	qs := fakeQuestions{exam.ID: questions}
	f.attemptSvc = NewAttemptService(f.exams, f.assigns, qs, f.attempts, rdb, f.pub, AttemptServiceConfig{
		MaxViolations: 5,
		SweepGrace:    30 * time.Second,
		Clock:         clock.Func(func() time.Time { return f.now }),
	}, log)
	f.paperSvc = NewPaperService(f.exams, qs, f.attempts, rdb, time.Hour, log)
	f.answers = NewAnswerStore(f.responses, f.attempts, f.paperSvc, rdb, f.pub, log)
	f.answers.clock = func() time.Time { return f.now }
	f.violations = NewViolationStore(f.attempts, rdb, f.pub, log)
	return f
}

// admit creates an active attempt for student 7.
func (f *fixture) admit(t *testing.T) *model.Attempt {
	t.Helper()
	adm, err := f.attemptSvc.Admit(context.Background(), f.exam.ID, 7, nil)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if adm.Attempt == nil {
		t.Fatalf("admit: no attempt (phase %s)", adm.Phase)
	}
	return adm.Attempt
}

func (f *fixture) correctOption(q int) string {
	for _, a := range f.questions[q].Answers {
		if a.IsCorrect {
			return a.ID.String()
		}
	}
	return ""
}

func (f *fixture) wrongOption(q int) string {
	for _, a := range f.questions[q].Answers {
		if !a.IsCorrect {
			return a.ID.String()
		}
	}
	return ""
}
