package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/response"
)

const (
	refreshInterval   = 15 * time.Second
	keepAliveInterval = 30 * time.Second
	refreshTimeout    = 5 * time.Second // prevent slow queries from blocking the SSE loop
)

// ExamSubscriber opens the live event channel of one exam.
type ExamSubscriber interface {
	SubscribeExam(ctx context.Context, examID uuid.UUID) *redis.PubSub
}

type MonitorHandler struct {
	monitor Snapshotter
	events  ExamSubscriber
	log     zerolog.Logger
}

// NewMonitorHandler creates a new MonitorHandler.
func NewMonitorHandler(monitor Snapshotter, events ExamSubscriber, log zerolog.Logger) *MonitorHandler {
	return &MonitorHandler{
		monitor: monitor,
		events:  events,
		log:     log.With().Str("component", "monitor_handler").Logger(),
	}
}

// MonitorExamSSE godoc
// GET /api/v1/supervisor/exams/:exam_id/monitor/stream
// Streams a snapshot, then every attempt event of the exam as it happens.
func (h *MonitorHandler) MonitorExamSSE(c *gin.Context) {
	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	reqCtx := c.Request.Context()

	// 1. Snapshot before committing to the stream so a bad exam id is a 404.
	fetchCtx, cancel := context.WithTimeout(reqCtx, refreshTimeout)
	snap, err := h.monitor.Snapshot(fetchCtx, examID)
	cancel()
	if err != nil {
		response.FailWithError(c, err)
		return
	}

	// 2. Subscribe before the first write so no event is lost in between.
	pubsub := h.events.SubscribeExam(reqCtx, examID)
	defer pubsub.Close()
	ch := pubsub.Channel()

	// 3. SSE headers
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.SSEvent("snapshot", snap)
	c.Writer.Flush()

	keepAliveTicker := time.NewTicker(keepAliveInterval)
	defer keepAliveTicker.Stop()

	refreshTicker := time.NewTicker(refreshInterval)
	defer refreshTicker.Stop()

	// Skip refreshes while nothing happens.
	dirty := false

	log := h.log.With().Str("exam_id", examID.String()).Logger()
	log.Info().Msg("Supervisor attached to live monitor SSE")

	for {
		select {
		case <-reqCtx.Done():
			log.Info().Msg("Supervisor disconnected from live monitor SSE")
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			// Forward raw JSON directly, no deserialization needed.
			c.Writer.Write([]byte("event: attempt\ndata: "))
			c.Writer.Write([]byte(msg.Payload))
			c.Writer.Write([]byte("\n\n"))
			c.Writer.Flush()
			dirty = true

		case <-refreshTicker.C:
			if !dirty {
				continue
			}
			dirty = false
			h.sendRefresh(c, reqCtx, examID, log)

		case <-keepAliveTicker.C:
			c.Writer.Write([]byte(": keepalive\n\n"))
			c.Writer.Flush()
		}
	}
}

// sendRefresh re-sends the snapshot so answered counts from drafts catch up.
func (h *MonitorHandler) sendRefresh(c *gin.Context, parentCtx context.Context, examID uuid.UUID, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(parentCtx, refreshTimeout)
	defer cancel()

	snap, err := h.monitor.Snapshot(ctx, examID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to refresh monitor snapshot")
		return
	}
	c.SSEvent("snapshot", snap)
	c.Writer.Flush()
}
