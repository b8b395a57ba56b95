package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/integrity"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// DefaultTickInterval drives both the waiting-room countdown and the exam
// countdown.
const DefaultTickInterval = time.Second

// Backend performs the persistent side of admission and finalize.
type Backend interface {
	Admit(ctx context.Context, examID uuid.UUID, studentID int, classID *int) (*Admission, error)
	Finalize(ctx context.Context, attemptID uuid.UUID, reason model.FinalizeReason, actor model.Actor) (*model.FinalizeResult, error)
}

// Subscriber delivers realtime events about one attempt. The returned func
// releases the subscription.
type Subscriber interface {
	SubscribeAttempt(ctx context.Context, attemptID uuid.UUID) (<-chan model.AttemptEvent, func() error, error)
}

// Config wires a Runner.
type Config struct {
	ExamID       uuid.UUID
	StudentID    int
	ClassID      *int
	Backend      Backend
	Violations   integrity.Store
	Events       Subscriber
	Clock        clock.Clock
	TickInterval time.Duration
	Log          zerolog.Logger

	// Emit receives every event for the tab. It is called from the runner
	// goroutine and must not block.
	Emit func(Event)
}

type commandKind int

const (
	cmdSignal commandKind = iota
	cmdSubmit
	cmdObserve
)

type command struct {
	kind   commandKind
	signal integrity.Signal
	event  model.AttemptEvent
}

type admitResult struct {
	adm *Admission
	err error
}

type finalizeResult struct {
	reason model.FinalizeReason
	res    *model.FinalizeResult
	err    error
}

// Runner owns one attempt. Every input is processed on the goroutine that
// calls Run, so violation recording and escalation are strictly ordered.
type Runner struct {
	cfg Config
	log zerolog.Logger

	inbox        chan command
	admitDone    chan admitResult
	finalizeDone chan finalizeResult
	done         chan struct{}
	closeOnce    sync.Once

	// Read by other goroutines.
	attemptID         atomic.Pointer[uuid.UUID]
	requireFullscreen atomic.Bool

	// Owned by the Run goroutine.
	ctx        context.Context
	state      State
	exam       *model.Exam
	window     clock.Window
	attempt    *model.Attempt
	monitor    *integrity.Monitor
	events     <-chan model.AttemptEvent
	unsub      func() error
	admitting  bool
	submitting bool
	due        model.FinalizeReason
	result     *model.FinalizeResult
	fatal      error
}

// NewRunner creates an idle runner.
func NewRunner(cfg Config) *Runner {
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.Emit == nil {
		cfg.Emit = func(Event) {}
	}
	return &Runner{
		cfg: cfg,
		log: cfg.Log.With().
			Str("component", "session").
			Str("exam_id", cfg.ExamID.String()).
			Int("student_id", cfg.StudentID).
			Logger(),
		inbox:        make(chan command, 64),
		admitDone:    make(chan admitResult, 1),
		finalizeDone: make(chan finalizeResult, 1),
		done:         make(chan struct{}),
		state:        StateIdle,
	}
}

// ─── Public API (any goroutine) ─────────────────────────────────────

// Signal forwards a browser signal. The directive is computed from the
// detector registry alone so the tab gets it without waiting for the loop.
func (r *Runner) Signal(sig integrity.Signal) integrity.Directive {
	r.send(command{kind: cmdSignal, signal: sig})
	return integrity.Evaluate(sig, r.requireFullscreen.Load())
}

// Submit requests a manual submission.
func (r *Runner) Submit() {
	r.send(command{kind: cmdSubmit})
}

// Observe feeds an attempt event received from outside, such as a
// supervisor suspension or a sweep.
func (r *Runner) Observe(ev model.AttemptEvent) {
	r.send(command{kind: cmdObserve, event: ev})
}

// AttemptID returns the attempt id once the attempt exists.
func (r *Runner) AttemptID() (uuid.UUID, bool) {
	id := r.attemptID.Load()
	if id == nil {
		return uuid.Nil, false
	}
	return *id, true
}

// Done is closed when Run returns.
func (r *Runner) Done() <-chan struct{} { return r.done }

func (r *Runner) send(cmd command) {
	select {
	case r.inbox <- cmd:
	case <-r.done:
	}
}

// ─── Loop ───────────────────────────────────────────────────────────

// Run admits the student and drives the attempt until a terminal status is
// reached, admission fails, or ctx is cancelled. Timers, the integrity
// monitor and the realtime subscription are released on every exit path.
func (r *Runner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.ctx = ctx

	ticker := time.NewTicker(r.cfg.TickInterval)
	defer func() {
		ticker.Stop()
		cancel()
		r.release()
		r.closeOnce.Do(func() { close(r.done) })
	}()

	r.requestAdmit()

	for {
		if r.fatal != nil {
			return r.fatal
		}
		if r.state.Terminal() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.onTick(r.cfg.Clock.Now())
		case cmd := <-r.inbox:
			r.onCommand(cmd)
		case res := <-r.admitDone:
			r.onAdmit(res)
		case res := <-r.finalizeDone:
			r.onFinalize(res)
		case ev, ok := <-r.events:
			if !ok {
				r.events = nil
				continue
			}
			r.onCommand(command{kind: cmdObserve, event: ev})
		}
	}
}

// State returns the current state. Only safe from the Run goroutine or after
// Done is closed.
func (r *Runner) State() State { return r.state }

// Result returns the finalize outcome once terminal.
func (r *Runner) Result() *model.FinalizeResult { return r.result }

func (r *Runner) release() {
	if r.monitor != nil {
		r.monitor.Close()
	}
	if r.unsub != nil {
		if err := r.unsub(); err != nil {
			r.log.Debug().Err(err).Msg("Unsubscribe failed")
		}
		r.unsub = nil
	}
	r.events = nil
}

func (r *Runner) emit(ev Event) {
	ev.State = r.state
	if ev.AttemptID == nil && r.attempt != nil {
		id := r.attempt.ID
		ev.AttemptID = &id
	}
	r.cfg.Emit(ev)
}

// ─── Admission ──────────────────────────────────────────────────────

func (r *Runner) requestAdmit() {
	if r.admitting {
		return
	}
	r.admitting = true
	ctx := r.ctx
	go func() {
		adm, err := r.cfg.Backend.Admit(ctx, r.cfg.ExamID, r.cfg.StudentID, r.cfg.ClassID)
		r.admitDone <- admitResult{adm: adm, err: err}
	}()
}

func (r *Runner) onAdmit(res admitResult) {
	r.admitting = false

	if res.err != nil {
		if r.state == StateWaiting && !isBusinessError(res.err) {
			r.log.Warn().Err(res.err).Msg("Admission retry failed, retrying on next tick")
			r.emit(Event{Type: EventError, Error: res.err.Error(), Err: res.err})
			return
		}
		r.log.Info().Err(res.err).Msg("Admission refused")
		r.emit(Event{Type: EventError, Error: res.err.Error(), Err: res.err})
		r.fatal = res.err
		return
	}

	adm := res.adm
	r.exam = adm.Exam
	r.window = adm.Window
	r.requireFullscreen.Store(adm.Exam != nil && adm.Exam.RequireFullscreen)

	if adm.Phase == clock.PhaseWaiting || adm.Attempt == nil {
		r.state = StateWaiting
		r.emit(Event{Type: EventWaiting, WaitSeconds: seconds(r.window.WaitFor(r.cfg.Clock.Now()))})
		return
	}
	r.enterActive(adm.Attempt)
}

func (r *Runner) enterActive(a *model.Attempt) {
	r.attempt = a
	id := a.ID
	r.attemptID.Store(&id)
	r.state = StateActive

	maxViolations := model.DefaultMaxViolations
	if r.exam != nil {
		maxViolations = r.exam.ViolationLimit()
	}
	r.monitor = integrity.NewMonitor(integrity.Config{
		AttemptID:         a.ID,
		RequireFullscreen: r.requireFullscreen.Load(),
		MaxViolations:     maxViolations,
		Store:             r.cfg.Violations,
		Log:               r.cfg.Log,
		OnViolation: func(v model.Violation, count int) {
			r.emit(Event{Type: EventViolation, Violation: &v, ViolationsCount: count})
		},
		OnMaxViolations: func(int) {
			r.due = model.FinalizeViolation
			r.finalize(model.FinalizeViolation)
		},
	})
	r.monitor.Start()

	if r.cfg.Events != nil {
		events, unsub, err := r.cfg.Events.SubscribeAttempt(r.ctx, a.ID)
		if err != nil {
			r.log.Warn().Err(err).Msg("Attempt subscription failed")
		} else {
			r.events, r.unsub = events, unsub
		}
	}

	now := r.cfg.Clock.Now()
	r.log.Info().Str("attempt_id", a.ID.String()).Msg("Attempt active")
	r.emit(Event{
		Type:             EventActive,
		RemainingSeconds: seconds(r.window.Remaining(now, a.StartedAt)),
		ViolationsCount:  len(a.Violations),
	})

	// A resumed attempt may already be over the limit or past its deadline.
	r.monitor.Seed(a.Violations)
	if !r.submitting && r.window.Expired(now, a.StartedAt) {
		r.due = model.FinalizeTimeout
		r.finalize(model.FinalizeTimeout)
	}
}

// ─── Tick ───────────────────────────────────────────────────────────

func (r *Runner) onTick(now time.Time) {
	switch r.state {
	case StateWaiting:
		wait := r.window.WaitFor(now)
		if wait <= 0 {
			r.requestAdmit()
			return
		}
		r.emit(Event{Type: EventWaiting, WaitSeconds: seconds(wait)})

	case StateActive:
		remaining := r.window.Remaining(now, r.attempt.StartedAt)
		r.emit(Event{Type: EventTick, RemainingSeconds: seconds(remaining), ViolationsCount: r.monitor.Count()})

		if r.monitor.ClearExpiredBanner(now) {
			r.emit(Event{Type: EventBannerCleared})
		}
		if remaining == 0 && r.due == "" {
			r.due = model.FinalizeTimeout
		}
		if r.due != "" {
			r.finalize(r.due)
		}
	}
}

// ─── Commands ───────────────────────────────────────────────────────

func (r *Runner) onCommand(cmd command) {
	switch cmd.kind {
	case cmdSignal:
		if r.state != StateActive {
			return
		}
		r.monitor.Handle(cmd.signal, r.cfg.Clock.Now())

	case cmdSubmit:
		if r.state != StateActive {
			r.emit(Event{Type: EventError, Error: "no active attempt"})
			return
		}
		r.finalize(model.FinalizeManual)

	case cmdObserve:
		ev := cmd.event
		if r.attempt == nil || ev.AttemptID != r.attempt.ID {
			return
		}
		if ev.Type != model.AttemptEventFinalized || !ev.Status.Terminal() {
			return
		}
		// Our own finalize publishes before it returns. onFinalize carries
		// the full result, whoever won.
		if r.submitting {
			return
		}
		res := &model.FinalizeResult{
			AttemptID:        ev.AttemptID,
			Status:           ev.Status,
			AlreadyFinalized: true,
		}
		if ev.Score != nil {
			res.Score = *ev.Score
		}
		if ev.Percentage != nil {
			res.Percentage = *ev.Percentage
		}
		r.terminate(res)
	}
}

// ─── Finalize ───────────────────────────────────────────────────────

// finalize starts at most one finalize call at a time. Duplicate triggers
// while one is in flight are dropped.
func (r *Runner) finalize(reason model.FinalizeReason) {
	if r.submitting || r.state != StateActive {
		return
	}
	r.submitting = true
	r.emit(Event{Type: EventSubmitting})

	ctx := r.ctx
	attemptID := r.attempt.ID
	actor := model.Actor{UserID: r.cfg.StudentID}
	go func() {
		res, err := r.cfg.Backend.Finalize(ctx, attemptID, reason, actor)
		r.finalizeDone <- finalizeResult{reason: reason, res: res, err: err}
	}()
}

func (r *Runner) onFinalize(fr finalizeResult) {
	r.submitting = false

	if fr.err != nil {
		r.log.Error().Err(fr.err).Str("reason", string(fr.reason)).Msg("Finalize failed")
		r.emit(Event{Type: EventError, Error: fr.err.Error(), Err: fr.err})
		return
	}
	r.terminate(fr.res)
}

// terminate adopts whatever terminal status was persisted.
func (r *Runner) terminate(res *model.FinalizeResult) {
	if r.state.Terminal() {
		return
	}
	r.result = res
	r.state = StateFor(res.Status)
	r.due = ""
	r.log.Info().
		Str("status", string(res.Status)).
		Float64("score", res.Score).
		Bool("already_finalized", res.AlreadyFinalized).
		Msg("Attempt finalized")
	r.emit(Event{Type: EventFinalized, Result: res})
}

func isBusinessError(err error) bool {
	return errors.Is(err, model.ErrNotYetOpen) ||
		errors.Is(err, model.ErrWindowClosed) ||
		errors.Is(err, model.ErrNotAssigned) ||
		errors.Is(err, model.ErrExamNotFound) ||
		errors.Is(err, model.ErrAlreadyFinalized)
}

func seconds(d time.Duration) int {
	return int((d + time.Second - 1) / time.Second)
}
