package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"fileconverter/config"
	"fileconverter/models"
)

// Store is the job-store surface the HTTP layer consumes.
type Store interface {
	CreateJob(ctx context.Context, sessionID, filename string, size int64, inputFormat string, ct models.ConversionType) (*models.Job, error)
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	DeleteJob(ctx context.Context, jobID string) error
	ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]*models.Job, int, error)
	Ping(ctx context.Context) error
}

// Objects is the artifact surface: input upload at create time, output
// streaming at download time.
type Objects interface {
	PutInput(ctx context.Context, jobID string, body io.Reader, contentType string) (string, error)
	Get(ctx context.Context, key string) (io.ReadCloser, string, error)
	Ping(ctx context.Context) error
}

// Broker dispatches created jobs and reports queue depths.
type Broker interface {
	Enqueue(ctx context.Context, job *models.Job) error
	Depths(ctx context.Context) (map[string]int64, error)
	Ping(ctx context.Context) error
}

// Server is the orchestration engine's HTTP boundary.
type Server struct {
	cfg     *config.Config
	store   Store
	objects Objects
	broker  Broker
	logger  *slog.Logger
	limiter *rate.Limiter
}

func NewServer(cfg *config.Config, store Store, objects Objects, broker Broker, logger *slog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		store:   store,
		objects: objects,
		broker:  broker,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(cfg.UploadRateLimit), cfg.UploadRateBurst),
	}
}

// Router builds the gin engine with session, CORS and rate-limit
// middleware and all routes attached.
func (s *Server) Router() *gin.Engine {
	router := gin.Default()

	store := cookie.NewStore([]byte(s.cfg.SessionSecret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   sessionMaxAgeSeconds,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	router.Use(sessions.Sessions(SessionCookieName, store))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = s.cfg.CORSOrigins
	corsConfig.AllowCredentials = true
	if len(s.cfg.CORSOrigins) == 1 && s.cfg.CORSOrigins[0] == "*" {
		corsConfig.AllowCredentials = false
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowOrigins = nil
	}
	router.Use(cors.New(corsConfig))

	router.GET("/health", s.handleHealth)

	api := router.Group("/api")
	{
		api.POST("/jobs", s.rateLimit(), s.handleCreateJob)
		api.GET("/jobs", s.handleListJobs)
		api.GET("/jobs/:id", s.handleJobStatus)
		api.GET("/jobs/:id/download", s.handleDownload)
		api.GET("/admin/queues", s.handleQueueDepths)
	}

	return router
}

func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := gin.H{"database": "connected", "redis": "connected", "storage": "connected"}
	healthy := true
	if err := s.store.Ping(ctx); err != nil {
		checks["database"] = err.Error()
		healthy = false
	}
	if err := s.broker.Ping(ctx); err != nil {
		checks["redis"] = err.Error()
		healthy = false
	}
	if err := s.objects.Ping(ctx); err != nil {
		checks["storage"] = err.Error()
		healthy = false
	}

	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "unhealthy"
	}
	c.JSON(status, gin.H{"status": state, "checks": checks})
}
