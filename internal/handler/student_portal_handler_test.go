package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/session"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

type stubEngine struct {
	admission *session.Admission
	admitErr  error
	finalize  *model.FinalizeResult
	finalErr  error
	state     *model.AttemptState

	lastReason model.FinalizeReason
	lastActor  model.Actor
}

func (s *stubEngine) Admit(context.Context, uuid.UUID, int, *int) (*session.Admission, error) {
	return s.admission, s.admitErr
}

func (s *stubEngine) Finalize(_ context.Context, _ uuid.UUID, reason model.FinalizeReason, actor model.Actor) (*model.FinalizeResult, error) {
	s.lastReason, s.lastActor = reason, actor
	return s.finalize, s.finalErr
}

func (s *stubEngine) State(context.Context, uuid.UUID, model.Actor) (*model.AttemptState, error) {
	if s.state == nil {
		return nil, model.ErrAttemptNotFound
	}
	return s.state, nil
}

type stubRecorder struct {
	result *service.RecordResult
	err    error
	got    model.RecordResponseRequest
}

func (s *stubRecorder) RecordResponse(_ context.Context, _ model.Actor, _ uuid.UUID, req model.RecordResponseRequest) (*service.RecordResult, error) {
	s.got = req
	return s.result, s.err
}

type stubPapers struct{}

func (stubPapers) AttemptPaper(context.Context, uuid.UUID, model.Actor) (*model.ExamPaper, error) {
	return &model.ExamPaper{}, nil
}

func withClaims(claims *service.Claims) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(middleware.ContextKeyClaims, claims)
		c.Next()
	}
}

func student() *service.Claims {
	return &service.Claims{Role: service.RoleStudent, UserID: 7}
}

func portalRouter(engine *stubEngine, answers *stubRecorder) *gin.Engine {
	gin.SetMode(gin.TestMode)
	validator.Setup()

	h := NewStudentPortalHandler(engine, stubPapers{}, answers)
	r := gin.New()
	r.Use(withClaims(student()))
	r.POST("/exams/:exam_id/attempts", h.Admit)
	r.GET("/attempts/:attempt_id/state", h.GetState)
	r.PUT("/attempts/:attempt_id/responses", h.SaveResponse)
	r.POST("/attempts/:attempt_id/submit", h.Submit)
	return r
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) response.ErrCode {
	t.Helper()
	var body response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotNil(t, body.Error)
	return body.Error.Code
}

func TestAdmitStatusCodes(t *testing.T) {
	started := time.Now()
	attempt := &model.Attempt{ID: uuid.New(), StartedAt: started, Status: model.AttemptStatusInProgress}
	path := "/exams/" + uuid.NewString() + "/attempts"

	tests := []struct {
		name   string
		engine *stubEngine
		status int
	}{
		{"new attempt", &stubEngine{admission: &session.Admission{Phase: clock.PhaseActive, Attempt: attempt}}, http.StatusCreated},
		{"resumed", &stubEngine{admission: &session.Admission{Phase: clock.PhaseActive, Attempt: attempt, Resumed: true}}, http.StatusOK},
		{"waiting room", &stubEngine{admission: &session.Admission{Phase: clock.PhaseWaiting}}, http.StatusOK},
		{"closed", &stubEngine{admitErr: model.ErrWindowClosed}, http.StatusConflict},
		{"not assigned", &stubEngine{admitErr: model.ErrNotAssigned}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(portalRouter(tt.engine, &stubRecorder{}), http.MethodPost, path, "")
			require.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}

	w := do(portalRouter(&stubEngine{}, &stubRecorder{}), http.MethodPost, "/exams/not-a-uuid/attempts", "")
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, response.ErrInvalidID, errorCode(t, w))
}

func TestSaveResponse(t *testing.T) {
	path := "/attempts/" + uuid.NewString() + "/responses"
	qid := uuid.NewString()

	answers := &stubRecorder{result: &service.RecordResult{Saved: true}}
	w := do(portalRouter(&stubEngine{}, answers), http.MethodPut, path, `{"question_id":"`+qid+`","text":"42"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, qid, answers.got.QuestionID)
	require.Equal(t, "42", *answers.got.Text)

	queued := &stubRecorder{result: &service.RecordResult{Queued: true}}
	w = do(portalRouter(&stubEngine{}, queued), http.MethodPut, path, `{"question_id":"`+qid+`","answer_id":"`+uuid.NewString()+`"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	w = do(portalRouter(&stubEngine{}, &stubRecorder{}), http.MethodPut, path, `{"question_id":"nope"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, response.ErrValidation, errorCode(t, w))

	late := &stubRecorder{err: model.ErrAlreadyFinalized}
	w = do(portalRouter(&stubEngine{}, late), http.MethodPut, path, `{"question_id":"`+qid+`","text":"42"}`)
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, response.ErrAlreadyFinalized, errorCode(t, w))
}

func TestSubmitUsesCallerAsActor(t *testing.T) {
	engine := &stubEngine{finalize: &model.FinalizeResult{Status: model.AttemptStatusSubmitted, Score: 6}}
	w := do(portalRouter(engine, &stubRecorder{}), http.MethodPost, "/attempts/"+uuid.NewString()+"/submit", "")

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, model.FinalizeManual, engine.lastReason)
	require.Equal(t, model.Actor{UserID: 7}, engine.lastActor)
}

func TestGetStateNotFound(t *testing.T) {
	w := do(portalRouter(&stubEngine{}, &stubRecorder{}), http.MethodGet, "/attempts/"+uuid.NewString()+"/state", "")
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, response.ErrAttemptNotFound, errorCode(t, w))
}
