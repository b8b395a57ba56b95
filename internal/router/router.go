package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/observability"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	StudentPortal *handler.StudentPortalHandler
	Supervisor    *handler.SupervisorHandler
	Monitor       *handler.MonitorHandler
	WS            *handler.WSHandler
	System        *handler.SystemHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	authService *service.AuthService,
	limiter *middleware.ResponseRateLimiter,
	handlers *Handlers,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.Default()

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID", "Retry-After"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Request ID on every response, metrics on every route.
	router.Use(response.RequestIDMiddleware(), middleware.Metrics())

	// ─── 0. Ops (No Auth) ──────────────────────────────────────────────
	router.GET("/health", handlers.System.Health)
	router.GET("/metrics", observability.MetricsHandler())

	// ─── 1. Student Group (JWT) ────────────────────────────────────────
	studentAPI := router.Group("/api/v1/student")
	studentAPI.Use(
		middleware.RequireStudentJWT(authService),
		middleware.NoStore(),
	)
	{
		studentAPI.POST("/exams/:exam_id/attempts", handlers.StudentPortal.Admit)
		studentAPI.PUT("/attempts/:attempt_id/responses", limiter.Middleware(), handlers.StudentPortal.SaveResponse)
		studentAPI.POST("/attempts/:attempt_id/submit", handlers.StudentPortal.Submit)
	}

	// ─── 2. Shared Attempt Reads (student owner or supervisor) ─────────
	attemptAPI := router.Group("/api/v1/attempts")
	attemptAPI.Use(
		middleware.RequireJWT(authService),
		middleware.RequireRole(service.RoleStudent, service.RoleSupervisor),
		middleware.NoStore(),
	)
	{
		// The paper is the largest payload we serve.
		attemptAPI.GET("/:attempt_id/paper", middleware.Brotli(), handlers.StudentPortal.GetPaper)
		attemptAPI.GET("/:attempt_id/state", handlers.StudentPortal.GetState)
	}

	// ─── 3. WebSocket Group (Student WS Auth) ──────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireStudentWSAuth(authService))
	{
		ws.GET("/student/exams/:exam_id/session", handlers.WS.ExamSessionStream)
	}

	// ─── 4. Supervisor Group (JWT) ─────────────────────────────────────
	supervisorAPI := router.Group("/api/v1/supervisor")
	supervisorAPI.Use(
		middleware.RequireSupervisorJWT(authService),
		middleware.NoStore(),
	)
	{
		supervisorAPI.GET("/exams/:exam_id/monitor", middleware.Brotli(), handlers.Supervisor.Snapshot)
		supervisorAPI.GET("/exams/:exam_id/monitor/stream", handlers.Monitor.MonitorExamSSE)
		supervisorAPI.POST("/attempts/:attempt_id/suspend", handlers.Supervisor.Suspend)
		supervisorAPI.POST("/sweep", handlers.Supervisor.Sweep)
	}

	return router
}
