package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/response"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Attempt *handler.AttemptHandler
	WS      *handler.WSHandler
	Monitor *handler.MonitorHandler
	System  *handler.SystemHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
// limiter guards the candidate REST routes; the caller runs its cleanup loop.
func SetupRouter(
	auth middleware.TokenValidator,
	handlers *Handlers,
	limiter *middleware.RateLimiter,
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
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	// Streams bypass compression inside the middleware.
	router.Use(middleware.Brotli())

	router.GET("/health", handlers.System.Health)

	// ─── 1. Candidate Group (JWT + Rate Limit) ─────────────────────────
	candidateAPI := router.Group("/api/v1/candidate")
	candidateAPI.Use(
		middleware.RequireCandidateJWT(auth),
		middleware.RequireUserID(),
		middleware.NoStore(),
		limiter.Middleware(),
	)
	{
		candidateAPI.POST("/exams/:exam_id/attempts", handlers.Attempt.BeginAttempt)
		candidateAPI.GET("/attempts/:attempt_id", handlers.Attempt.GetAttemptState)
		candidateAPI.POST("/attempts/:attempt_id/submit", handlers.Attempt.SubmitAttempt)
	}

	// ─── 2. WebSocket Group (Candidate WS Auth) ────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireCandidateWSAuth(auth), middleware.RequireUserID())
	{
		ws.GET("/candidate/attempts/:attempt_id/stream", handlers.WS.AttemptStream)
	}

	// ─── 3. Examiner Group (JWT) ───────────────────────────────────────
	examinerAPI := router.Group("/api/v1/examiner")
	examinerAPI.Use(
		middleware.RequireExaminerJWT(auth),
		middleware.RequireUserID(),
		middleware.NoStore(),
	)
	{
		// Live monitoring
		examinerAPI.GET("/exams/:exam_id/monitor", handlers.Monitor.MonitorExamSSE)
		examinerAPI.GET("/exams/:exam_id/progress", handlers.Monitor.GetExamProgress)
		examinerAPI.GET("/exams/:exam_id/attempts/:attempt_id/logs", handlers.Monitor.ListProctorLogs)

		// Controls
		examinerAPI.POST("/exams/:exam_id/control", handlers.Monitor.ControlExam)
		examinerAPI.POST("/attempts/:attempt_id/terminate", handlers.Monitor.TerminateAttempt)

		examinerAPI.GET("/system/metrics", handlers.System.SystemMetricsSSE)
	}

	return router
}
