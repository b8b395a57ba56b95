package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/response"
)

// ResponseRateLimiter caps answer writes per student in a fixed one-minute
// window. The counter lives in Redis so every instance shares it.
type ResponseRateLimiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
	log    zerolog.Logger
}

// NewResponseRateLimiter creates a limiter allowing limit writes per minute.
// A non-positive limit disables it.
func NewResponseRateLimiter(rdb *redis.Client, limit int, log zerolog.Logger) *ResponseRateLimiter {
	return &ResponseRateLimiter{
		rdb:    rdb,
		limit:  limit,
		window: time.Minute,
		now:    time.Now,
		log:    log.With().Str("component", "rate_limiter").Logger(),
	}
}

// Allow counts one write for the student and reports whether it is within
// the limit. Redis failures fail open.
func (rl *ResponseRateLimiter) Allow(ctx context.Context, studentID int) bool {
	if rl.limit <= 0 {
		return true
	}
	bucket := rl.now().UnixNano() / int64(rl.window)
	key := config.CacheKey.ResponseRateKey(studentID, bucket)

	pipe := rl.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*rl.window)
	if _, err := pipe.Exec(ctx); err != nil {
		rl.log.Warn().Err(err).Int("student_id", studentID).Msg("Rate limit check failed, allowing")
		return true
	}
	return incr.Val() <= int64(rl.limit)
}

// Middleware rate-limits requests by the authenticated student.
func (rl *ResponseRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil {
			c.Next()
			return
		}

		if !rl.Allow(c.Request.Context(), claims.UserID) {
			c.Header("Retry-After", strconv.Itoa(int(rl.window/time.Second)))
			response.AbortFail(c, http.StatusTooManyRequests, response.ErrRateLimitExceeded)
			return
		}
		c.Next()
	}
}
