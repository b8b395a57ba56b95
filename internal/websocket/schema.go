package websocket

import (
	"github.com/stemsi/exstem-proctor/internal/integrity"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAnswer Action = "answer"
	ActionSignal Action = "signal"
	ActionSubmit Action = "submit"
	ActionPing   Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// AnswerRequest saves a single answer.
type AnswerRequest struct {
	Action Action `json:"action"`
	model.RecordResponseRequest
}

// SignalRequest forwards one browser event to the integrity monitor.
type SignalRequest struct {
	Action Action `json:"action"`
	Kind   string `json:"kind" binding:"required,signal_kind"`
	Key    string `json:"key" binding:"max=32"`
	Ctrl   bool   `json:"ctrl"`
	Shift  bool   `json:"shift"`
	Meta   bool   `json:"meta"`
}

// Signal converts the request into an integrity signal.
func (r *SignalRequest) Signal() integrity.Signal {
	return integrity.Signal{
		Kind:  integrity.SignalKind(r.Kind),
		Key:   r.Key,
		Ctrl:  r.Ctrl,
		Shift: r.Shift,
		Meta:  r.Meta,
	}
}

// ─── Events (Server → Client) ───────────────────────────────────────
// Session lifecycle events (waiting, active, tick, violation, finalized...)
// are sent as session.Event. The types below answer individual requests.

type Event string

const (
	EventError     Event = "error"
	EventSaved     Event = "saved"
	EventDirective Event = "directive"
	EventPong      Event = "pong"
)

type SavedResponse struct {
	Event      Event  `json:"event"`
	QuestionID string `json:"question_id"`
	Queued     bool   `json:"queued"`
}

type DirectiveResponse struct {
	Event Event `json:"event"`
	integrity.Directive
}

type ErrorResponse struct {
	Event  Event             `json:"event"`
	Code   string            `json:"code,omitempty"`
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
