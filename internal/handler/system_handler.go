package handler

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/response"
)

const healthTimeout = 2 * time.Second

// SystemHandler reports liveness and the depth of the persistence queues.
type SystemHandler struct {
	pool      *pgxpool.Pool
	rdb       *redis.Client
	startTime time.Time
	log       zerolog.Logger
}

// NewSystemHandler creates a new SystemHandler.
func NewSystemHandler(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *SystemHandler {
	return &SystemHandler{
		pool:      pool,
		rdb:       rdb,
		startTime: time.Now(),
		log:       log.With().Str("component", "system_handler").Logger(),
	}
}

// ---------- Health ----------

type healthStatus struct {
	Status     string           `json:"status"`
	Uptime     string           `json:"uptime"`
	Postgres   string           `json:"postgres"`
	Redis      string           `json:"redis"`
	Goroutines int              `json:"goroutines"`
	Queues     map[string]int64 `json:"queues"`
}

// Health godoc
// GET /health
// Postgres being down degrades the service (answers queue up in Redis);
// Redis being down makes it unavailable.
func (h *SystemHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	st := healthStatus{
		Status:     "ok",
		Uptime:     time.Since(h.startTime).Truncate(time.Second).String(),
		Postgres:   "ok",
		Redis:      "ok",
		Goroutines: runtime.NumGoroutine(),
	}

	if h.pool != nil {
		if err := h.pool.Ping(ctx); err != nil {
			h.log.Warn().Err(err).Msg("Postgres ping failed")
			st.Postgres = "down"
			st.Status = "degraded"
		}
	}

	queues, err := h.queueDepths(ctx)
	if err != nil {
		h.log.Error().Err(err).Msg("Redis ping failed")
		st.Redis = "down"
		st.Status = "down"
		c.JSON(http.StatusServiceUnavailable, response.Response{Data: st})
		return
	}
	st.Queues = queues

	response.Success(c, http.StatusOK, st)
}

// queueDepths reads every worker queue length in one pipeline.
func (h *SystemHandler) queueDepths(ctx context.Context) (map[string]int64, error) {
	names := []string{
		config.WorkerKey.PersistResponsesQueue,
		config.WorkerKey.PersistViolationsQueue,
		config.WorkerKey.PersistQuestionOrderQueue,
	}

	pipe := h.rdb.Pipeline()
	cmds := make([]*redis.IntCmd, len(names))
	for i, name := range names {
		cmds[i] = pipe.LLen(ctx, name)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	depths := make(map[string]int64, len(names))
	for i, name := range names {
		depths[name] = cmds[i].Val()
	}
	return depths, nil
}
