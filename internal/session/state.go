// Package session runs one student's exam attempt from admission to a
// terminal status.
package session

import (
	"github.com/google/uuid"

	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// State is the runner's lifecycle position.
type State string

const (
	StateIdle      State = "idle"
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateSubmitted State = "submitted"
	StateTimeout   State = "timeout"
	StateViolation State = "violation"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateSubmitted, StateTimeout, StateViolation:
		return true
	default:
		return false
	}
}

// StateFor maps a persisted attempt status onto a runner state.
func StateFor(status model.AttemptStatus) State {
	switch status {
	case model.AttemptStatusSubmitted:
		return StateSubmitted
	case model.AttemptStatusTimeout:
		return StateTimeout
	case model.AttemptStatusViolation:
		return StateViolation
	default:
		return StateActive
	}
}

// Admission is the backend's answer to an admission request. Attempt is nil
// while the student waits for the window to open.
type Admission struct {
	Phase   clock.Phase    `json:"phase"`
	Exam    *model.Exam    `json:"exam"`
	Window  clock.Window   `json:"window"`
	Attempt *model.Attempt `json:"attempt,omitempty"`
	Resumed bool           `json:"resumed"`
}

// EventType names what the runner tells the tab.
type EventType string

const (
	EventWaiting       EventType = "waiting"
	EventActive        EventType = "active"
	EventTick          EventType = "tick"
	EventViolation     EventType = "violation"
	EventBannerCleared EventType = "banner_cleared"
	EventSubmitting    EventType = "submitting"
	EventFinalized     EventType = "finalized"
	EventError         EventType = "error"
)

// Event is one message from the runner to the tab.
type Event struct {
	Type             EventType             `json:"event"`
	State            State                 `json:"state"`
	AttemptID        *uuid.UUID            `json:"attempt_id,omitempty"`
	RemainingSeconds int                   `json:"remaining_seconds,omitempty"`
	WaitSeconds      int                   `json:"wait_seconds,omitempty"`
	Violation        *model.Violation      `json:"violation,omitempty"`
	ViolationsCount  int                   `json:"violations_count,omitempty"`
	Result           *model.FinalizeResult `json:"result,omitempty"`
	Error            string                `json:"error,omitempty"`
	Err              error                 `json:"-"`
}
