package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relayq/relayq/internal/breaker"
	"github.com/relayq/relayq/internal/outbox"
)

// OpsOptions configures the operational HTTP endpoint of a worker instance.
type OpsOptions struct {
	Logger     *slog.Logger
	Port       int
	WorkerID   string
	InstanceID string

	Health   outbox.HealthReporter
	Consumer *Consumer
	Outbox   *outbox.Service

	// DBHealth optionally probes the outbox database on every health request.
	DBHealth func(ctx context.Context) error

	// CacheBreaker optionally exposes the status-cache breaker counters.
	CacheBreaker func() breaker.Counts
}

// OpsServer serves health and stats over HTTP for probes and operators.
type OpsServer struct {
	opts   OpsOptions
	logger *slog.Logger
	server *http.Server
}

func NewOpsServer(opts OpsOptions) (*OpsServer, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Health == nil {
		return nil, errors.New("health reporter is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8081
	}

	s := &OpsServer{
		opts:   opts,
		logger: opts.Logger.With("component", "ops"),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLogger())

	router.GET("/healthz", s.handleHealth)
	router.GET("/stats", s.handleStats)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: router,
	}

	return s, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *OpsServer) Run(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.logger.Info("Ops endpoint listening",
		slog.String("addr", s.server.Addr),
	)

	select {
	case err := <-errChan:
		return fmt.Errorf("ops server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ops server shutdown failed: %w", err)
	}

	s.logger.Info("Ops endpoint stopped")
	return nil
}

func (s *OpsServer) handleHealth(c *gin.Context) {
	brokerHealthy := s.opts.Health.Healthy()

	dbHealthy := true
	if s.opts.DBHealth != nil {
		if err := s.opts.DBHealth(c.Request.Context()); err != nil {
			s.logger.Warn("Outbox database failed the health probe",
				slog.Any("error", err),
			)
			dbHealthy = false
		}
	}

	status := http.StatusOK
	state := "healthy"
	switch {
	case !dbHealthy:
		// Without its durable store the worker cannot run jobs safely.
		status = http.StatusServiceUnavailable
		state = "unhealthy"
	case !brokerHealthy:
		// The worker still runs on its local outbox, but probes should see
		// the degradation.
		status = http.StatusServiceUnavailable
		state = "degraded"
	}

	response := gin.H{
		"status":     state,
		"workerId":   s.opts.WorkerID,
		"instanceId": s.opts.InstanceID,
		"broker":     brokerHealthy,
	}
	if s.opts.DBHealth != nil {
		response["database"] = dbHealthy
	}

	c.JSON(status, response)
}

func (s *OpsServer) handleStats(c *gin.Context) {
	response := gin.H{
		"workerId":   s.opts.WorkerID,
		"instanceId": s.opts.InstanceID,
		"broker":     s.opts.Health.Healthy(),
	}

	if s.opts.Consumer != nil {
		response["runningJobs"] = s.opts.Consumer.RunningJobs()
	}

	if s.opts.Outbox != nil {
		stats, err := s.opts.Outbox.CollectStats(c.Request.Context())
		if err != nil {
			s.logger.Warn("Failed to collect outbox stats",
				slog.Any("error", err),
			)
		} else {
			response["outbox"] = stats
		}
	}

	if s.opts.CacheBreaker != nil {
		counts := s.opts.CacheBreaker()
		response["cacheBreaker"] = gin.H{
			"state":               counts.State.String(),
			"consecutiveFailures": counts.ConsecutiveFailures,
			"totalOperations":     counts.TotalOperations,
			"totalFailures":       counts.TotalFailures,
		}
	}

	c.JSON(http.StatusOK, response)
}

func (s *OpsServer) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		s.logger.Debug("HTTP request",
			slog.Int("status", c.Writer.Status()),
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.Duration("latency", time.Since(start)),
		)
	}
}
