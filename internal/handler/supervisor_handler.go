package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

// SupervisorHandler exposes the proctor's controls over live attempts.
type SupervisorHandler struct {
	attempts AttemptEngine
	sweeper  Sweeper
	monitor  Snapshotter
	log      zerolog.Logger
}

// NewSupervisorHandler creates a new SupervisorHandler.
func NewSupervisorHandler(attempts AttemptEngine, sweeper Sweeper, monitor Snapshotter, log zerolog.Logger) *SupervisorHandler {
	return &SupervisorHandler{
		attempts: attempts,
		sweeper:  sweeper,
		monitor:  monitor,
		log:      log.With().Str("component", "supervisor_handler").Logger(),
	}
}

// Suspend godoc
// POST /api/v1/supervisor/attempts/:attempt_id/suspend
// Force-finalizes an attempt as a violation. An attempt that already reached
// a terminal status keeps it. The body is optional and only carries a reason
// for the audit log.
func (h *SupervisorHandler) Suspend(c *gin.Context) {
	claims, attemptID, ok := attemptRequest(c)
	if !ok {
		return
	}

	var req model.SuspendRequest
	if c.Request.ContentLength != 0 {
		if fields := validator.Bind(c, &req); fields != nil {
			response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
			return
		}
	}

	res, err := h.attempts.Finalize(c.Request.Context(), attemptID, model.FinalizeViolation, claims.Actor())
	if err != nil {
		response.FailWithError(c, err)
		return
	}

	h.log.Info().
		Int("supervisor_id", claims.UserID).
		Str("attempt_id", attemptID.String()).
		Str("status", string(res.Status)).
		Bool("already_finalized", res.AlreadyFinalized).
		Str("reason", strings.TrimSpace(req.Reason)).
		Msg("Attempt suspended")
	response.Success(c, http.StatusOK, res)
}

// Sweep godoc
// POST /api/v1/supervisor/sweep
// Runs the expiry sweep now instead of waiting for the next tick.
func (h *SupervisorHandler) Sweep(c *gin.Context) {
	results, err := h.sweeper.SweepExpired(c.Request.Context())
	if results == nil {
		results = []model.FinalizeResult{}
	}
	if err != nil {
		h.log.Error().Err(err).Int("finalized", len(results)).Msg("Manual sweep finished with errors")
		if len(results) == 0 {
			response.FailWithError(c, err)
			return
		}
	}
	response.Success(c, http.StatusOK, gin.H{"finalized": results})
}

// Snapshot godoc
// GET /api/v1/supervisor/exams/:exam_id/monitor
func (h *SupervisorHandler) Snapshot(c *gin.Context) {
	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	snap, err := h.monitor.Snapshot(c.Request.Context(), examID)
	if err != nil {
		response.FailWithError(c, err)
		return
	}
	response.Success(c, http.StatusOK, snap)
}
