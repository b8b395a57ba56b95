package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/integrity"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/observability"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/session"
	"github.com/stemsi/exstem-proctor/internal/validator"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

const outboundBuffer = 64

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// RateLimiter caps answer writes per student.
type RateLimiter interface {
	Allow(ctx context.Context, studentID int) bool
}

// WSDeps wires the live session stream.
type WSDeps struct {
	Attempts       session.Backend
	Answers        ResponseRecorder
	Violations     integrity.Store
	Events         session.Subscriber
	Limiter        RateLimiter
	Clock          clock.Clock
	TickInterval   time.Duration
	AllowedOrigins []string
}

// WSHandler runs one session.Runner per connected exam tab.
type WSHandler struct {
	deps     WSDeps
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(deps WSDeps, log zerolog.Logger) *WSHandler {
	return &WSHandler{
		deps:     deps,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(deps.AllowedOrigins),
	}
}

// ExamSessionStream godoc
// WS /ws/v1/student/exams/:exam_id/session
// Admits the student, then streams countdown, integrity and finalize events
// while accepting answers, browser signals and submit.
func (h *WSHandler) ExamSessionStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	wsLog := h.log.With().
		Int("student_id", claims.UserID).
		Str("exam_id", examID.String()).
		Logger()
	wsLog.Info().Msg("Student connected")

	observability.ActiveSessions().Inc()
	defer observability.ActiveSessions().Dec()

	// The connection outlives the HTTP request context once hijacked.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writer := ws.NewWriter(conn, outboundBuffer)
	go func() {
		if err := writer.Run(); err != nil {
			wsLog.Debug().Err(err).Msg("Writer stopped")
		}
		cancel()
		// Unblocks the read loop.
		conn.Close()
	}()

	runner := session.NewRunner(session.Config{
		ExamID:       examID,
		StudentID:    claims.UserID,
		ClassID:      claims.ClassID,
		Backend:      h.deps.Attempts,
		Violations:   h.deps.Violations,
		Events:       h.deps.Events,
		Clock:        h.deps.Clock,
		TickInterval: h.deps.TickInterval,
		Log:          wsLog,
		Emit: func(ev session.Event) {
			if err := writer.Send(ev); err != nil {
				wsLog.Warn().Err(err).Str("event", string(ev.Type)).Msg("Dropping session event")
			}
		},
	})
	go func() {
		if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
			wsLog.Info().Err(err).Msg("Session ended")
		}
		// Flushes the final events, then closes the socket.
		writer.Close()
	}()

	h.readLoop(ctx, conn, writer, runner, claims, wsLog)

	cancel()
	writer.Close()
	<-runner.Done()
	wsLog.Info().Msg("Student disconnected")
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, writer *ws.Writer, runner *session.Runner, claims *service.Claims, wsLog zerolog.Logger) {
	ws.PrepareRead(conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		var env ws.RequestEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			_ = writer.Send(ws.ErrorResponse{Event: ws.EventError, Code: string(response.ErrInvalidPayload), Error: "malformed message"})
			continue
		}

		switch env.Action {
		case ws.ActionAnswer:
			h.handleAnswer(ctx, data, writer, runner, claims)
		case ws.ActionSignal:
			h.handleSignal(data, writer, runner)
		case ws.ActionSubmit:
			runner.Submit()
		case ws.ActionPing:
			_ = writer.Send(ws.PongResponse{Event: ws.EventPong})
		default:
			wsLog.Warn().Str("action", string(env.Action)).Msg("Unknown action")
			_ = writer.Send(ws.ErrorResponse{Event: ws.EventError, Error: "unknown action: " + string(env.Action)})
		}
	}
}

// handleAnswer records one answer of the runner's attempt.
func (h *WSHandler) handleAnswer(ctx context.Context, data []byte, writer *ws.Writer, runner *session.Runner, claims *service.Claims) {
	var msg ws.AnswerRequest
	if err := json.Unmarshal(data, &msg); err != nil {
		_ = writer.Send(ws.ErrorResponse{Event: ws.EventError, Code: string(response.ErrInvalidPayload), Error: "malformed answer"})
		return
	}
	if fields := validator.Struct(&msg.RecordResponseRequest); fields != nil {
		_ = writer.Send(ws.ErrorResponse{Event: ws.EventError, Code: string(response.ErrValidation), Error: "invalid answer", Fields: fields})
		return
	}

	attemptID, ok := runner.AttemptID()
	if !ok {
		_ = writer.Send(ws.ErrorResponse{Event: ws.EventError, Code: string(response.ErrAttemptNotFound), Error: "no active attempt"})
		return
	}

	if h.deps.Limiter != nil && !h.deps.Limiter.Allow(ctx, claims.UserID) {
		_ = writer.Send(ws.ErrorResponse{Event: ws.EventError, Code: string(response.ErrRateLimitExceeded), Error: response.GetMessage(response.ErrRateLimitExceeded)})
		return
	}

	res, err := h.deps.Answers.RecordResponse(ctx, claims.Actor(), attemptID, msg.RecordResponseRequest)
	if err != nil {
		_, code := response.Classify(err)
		_ = writer.Send(ws.ErrorResponse{Event: ws.EventError, Code: string(code), Error: err.Error()})
		return
	}
	_ = writer.Send(ws.SavedResponse{Event: ws.EventSaved, QuestionID: res.QuestionID.String(), Queued: res.Queued})
}

// handleSignal forwards a browser event and answers with the directive the
// tab applies to the native event.
func (h *WSHandler) handleSignal(data []byte, writer *ws.Writer, runner *session.Runner) {
	var msg ws.SignalRequest
	if err := json.Unmarshal(data, &msg); err != nil {
		_ = writer.Send(ws.ErrorResponse{Event: ws.EventError, Code: string(response.ErrInvalidPayload), Error: "malformed signal"})
		return
	}
	if fields := validator.Struct(&msg); fields != nil {
		_ = writer.Send(ws.ErrorResponse{Event: ws.EventError, Code: string(response.ErrValidation), Error: "invalid signal", Fields: fields})
		return
	}

	directive := runner.Signal(msg.Signal())
	_ = writer.Send(ws.DirectiveResponse{Event: ws.EventDirective, Directive: directive})
}
