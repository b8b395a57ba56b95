package clock

import (
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// AdmissionLead is how long before the effective start a student may enter
// the waiting room.
const AdmissionLead = 5 * time.Minute

// Phase is the admission outcome for an open window.
type Phase string

const (
	PhaseWaiting Phase = "waiting"
	PhaseActive  Phase = "active"
)

// Input gathers every timing source for one (exam, student) pair.
type Input struct {
	ExamStart       *time.Time
	ExamEnd         *time.Time
	AssignmentStart *time.Time
	AssignmentEnd   *time.Time
	DurationMinutes int
}

// Window is the effective boundary of an attempt after merging the
// assignment and exam windows. A nil Start means open now; a nil End means
// only the duration budget limits the attempt.
type Window struct {
	Start    *time.Time    `json:"start,omitempty"`
	End      *time.Time    `json:"end,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Resolve picks the assignment window over the exam window, field by field.
func Resolve(in Input) Window {
	w := Window{
		Start:    in.ExamStart,
		End:      in.ExamEnd,
		Duration: time.Duration(in.DurationMinutes) * time.Minute,
	}
	if in.AssignmentStart != nil {
		w.Start = in.AssignmentStart
	}
	if in.AssignmentEnd != nil {
		w.End = in.AssignmentEnd
	}
	return w
}

// ResolveRow resolves the window of an in-progress attempt row.
func ResolveRow(row model.AttemptDeadlineRow) Window {
	return Resolve(Input{
		ExamStart:       row.ExamStart,
		ExamEnd:         row.ExamEnd,
		AssignmentStart: row.AssignmentStart,
		AssignmentEnd:   row.AssignmentEnd,
		DurationMinutes: row.DurationMinutes,
	})
}

// Admit decides whether a student may enter at now.
func (w Window) Admit(now time.Time) (Phase, error) {
	if w.End != nil && w.End.Before(now) {
		return "", model.ErrWindowClosed
	}
	if w.Start == nil || !now.Before(*w.Start) {
		return PhaseActive, nil
	}
	if now.Before(w.Start.Add(-AdmissionLead)) {
		return "", model.ErrNotYetOpen
	}
	return PhaseWaiting, nil
}

// WaitFor returns the time left until the window opens.
func (w Window) WaitFor(now time.Time) time.Duration {
	if w.Start == nil || !now.Before(*w.Start) {
		return 0
	}
	return w.Start.Sub(now)
}

// Deadline is the earlier of the personal duration budget and the shared
// window end.
func (w Window) Deadline(startedAt time.Time) time.Time {
	deadline := startedAt.Add(w.Duration)
	if w.End != nil && w.End.Before(deadline) {
		return *w.End
	}
	return deadline
}

// Remaining is the time left in an attempt started at startedAt, never negative.
func (w Window) Remaining(now, startedAt time.Time) time.Duration {
	left := w.Deadline(startedAt).Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// Expired reports whether the attempt deadline has passed at now.
func (w Window) Expired(now, startedAt time.Time) bool {
	return w.Remaining(now, startedAt) == 0
}
