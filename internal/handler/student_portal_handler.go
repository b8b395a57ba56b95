package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

// StudentPortalHandler handles the REST side of taking an exam. The live
// session (countdown, integrity signals) runs over the WebSocket.
type StudentPortalHandler struct {
	attempts AttemptEngine
	papers   PaperReader
	answers  ResponseRecorder
}

// NewStudentPortalHandler creates a new StudentPortalHandler.
func NewStudentPortalHandler(attempts AttemptEngine, papers PaperReader, answers ResponseRecorder) *StudentPortalHandler {
	return &StudentPortalHandler{
		attempts: attempts,
		papers:   papers,
		answers:  answers,
	}
}

// Admit godoc
// POST /api/v1/student/exams/:exam_id/attempts
// Starts or resumes the caller's attempt. While the waiting room is open the
// response carries the phase and no attempt.
func (h *StudentPortalHandler) Admit(c *gin.Context) {
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

	adm, err := h.attempts.Admit(c.Request.Context(), examID, claims.UserID, claims.ClassID)
	if err != nil {
		response.FailWithError(c, err)
		return
	}

	status := http.StatusOK
	if adm.Attempt != nil && !adm.Resumed {
		status = http.StatusCreated
	}
	response.Success(c, status, adm)
}

// GetPaper godoc
// GET /api/v1/attempts/:attempt_id/paper
// Returns the attempt's questions without the answer key, in the attempt's
// own order.
func (h *StudentPortalHandler) GetPaper(c *gin.Context) {
	claims, attemptID, ok := attemptRequest(c)
	if !ok {
		return
	}

	paper, err := h.papers.AttemptPaper(c.Request.Context(), attemptID, claims.Actor())
	if err != nil {
		response.FailWithError(c, err)
		return
	}
	response.Success(c, http.StatusOK, paper)
}

// GetState godoc
// GET /api/v1/attempts/:attempt_id/state
// Returns what a reloaded tab needs: drafts, countdown and violations.
func (h *StudentPortalHandler) GetState(c *gin.Context) {
	claims, attemptID, ok := attemptRequest(c)
	if !ok {
		return
	}

	state, err := h.attempts.State(c.Request.Context(), attemptID, claims.Actor())
	if err != nil {
		response.FailWithError(c, err)
		return
	}
	response.Success(c, http.StatusOK, state)
}

// SaveResponse godoc
// PUT /api/v1/student/attempts/:attempt_id/responses
// Stores one answer. 202 means the answer is kept in the draft and queued
// because the database is unavailable.
func (h *StudentPortalHandler) SaveResponse(c *gin.Context) {
	claims, attemptID, ok := attemptRequest(c)
	if !ok {
		return
	}

	var req model.RecordResponseRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	res, err := h.answers.RecordResponse(c.Request.Context(), claims.Actor(), attemptID, req)
	if err != nil {
		response.FailWithError(c, err)
		return
	}

	status := http.StatusOK
	if res.Queued {
		status = http.StatusAccepted
	}
	response.Success(c, status, res)
}

// Submit godoc
// POST /api/v1/student/attempts/:attempt_id/submit
// Manual submission. Submitting an attempt that is already final returns
// the persisted outcome.
func (h *StudentPortalHandler) Submit(c *gin.Context) {
	claims, attemptID, ok := attemptRequest(c)
	if !ok {
		return
	}

	res, err := h.attempts.Finalize(c.Request.Context(), attemptID, model.FinalizeManual, claims.Actor())
	if err != nil {
		response.FailWithError(c, err)
		return
	}
	response.Success(c, http.StatusOK, res)
}
