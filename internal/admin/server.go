package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"cewatcher/internal/logging"
	"cewatcher/internal/scheduler"
	"cewatcher/internal/service"
	"cewatcher/internal/storage"
)

// Watcher is the part of the service the admin endpoints drive.
type Watcher interface {
	Trigger(ctx context.Context) (service.CycleResult, error)
	NextRun() (time.Time, bool)
	LastResult() (service.CycleResult, bool)
}

// Options configure the diagnostics server.
type Options struct {
	Addr        string
	AppName     string
	Version     string
	EventsLimit int
	// RunInterval is the minimum spacing between manual runs.
	RunInterval time.Duration
}

// Server exposes health, schedule, history, logs, and metrics over HTTP.
type Server struct {
	Router  *gin.Engine
	watcher Watcher
	history storage.HistoryReader
	tail    *logging.Tail
	opts    Options
	started time.Time
	logger  zerolog.Logger

	// base outlives requests so a manual run is not cut short when the client goes away.
	base context.Context
}

// NewServer wires the routes. history and tail may be nil.
func NewServer(opts Options, watcher Watcher, history storage.HistoryReader, tail *logging.Tail, logger zerolog.Logger) *Server {
	if opts.EventsLimit <= 0 {
		opts.EventsLimit = 50
	}
	if opts.RunInterval <= 0 {
		opts.RunInterval = 10 * time.Second
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	s := &Server{
		Router:  r,
		watcher: watcher,
		history: history,
		tail:    tail,
		opts:    opts,
		started: time.Now(),
		logger:  logger.With().Str("component", "admin").Logger(),
		base:    context.Background(),
	}

	r.Use(gin.Recovery())
	r.Use(s.requestLogger())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/healthz", s.health)
	s.Router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.Router.Group("/api")
	{
		api.GET("/schedule", s.schedule)
		api.POST("/run", rateLimit(s.opts.RunInterval), s.run)
		api.GET("/events", s.events)
		api.GET("/logs", s.logs)
	}
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.base = ctx
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.Addr).Msg("admin server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-ID", requestID)

		start := time.Now()
		c.Next()

		s.logger.Debug().
			Str("request_id", requestID).
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request served")
	}
}

func rateLimit(every time.Duration) gin.HandlerFunc {
	limiter := rate.NewLimiter(rate.Every(every), 1)
	return func(c *gin.Context) {
		if !limiter.Allow() {
			respondError(c, http.StatusTooManyRequests, "RATE_LIMITED", "manual runs are rate limited")
			c.Abort()
			return
		}
		c.Next()
	}
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"app":     s.opts.AppName,
		"version": s.opts.Version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) schedule(c *gin.Context) {
	out := gin.H{}
	if next, ok := s.watcher.NextRun(); ok {
		out["next_run"] = next
	}
	if last, ok := s.watcher.LastResult(); ok {
		out["last_cycle"] = cycleView(last)
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) run(c *gin.Context) {
	result, err := s.watcher.Trigger(s.base)
	switch {
	case errors.Is(err, scheduler.ErrBusy):
		respondError(c, http.StatusConflict, "BUSY", err.Error())
		return
	case errors.Is(err, service.ErrNotConfigured):
		respondError(c, http.StatusServiceUnavailable, "NOT_CONFIGURED", err.Error())
		return
	}
	status := http.StatusOK
	if err != nil {
		status = http.StatusBadGateway
	}
	c.JSON(status, cycleView(result))
}

func (s *Server) events(c *gin.Context) {
	if s.history == nil {
		respondError(c, http.StatusServiceUnavailable, "NO_STORE", "history not available")
		return
	}
	limit := s.opts.EventsLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(c, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer")
			return
		}
		limit = min(n, 1000)
	}

	events, err := s.history.ListRecentEvents(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("list events failed")
		respondError(c, http.StatusInternalServerError, "STORE_ERROR", "failed to list events")
		return
	}
	out := make([]gin.H, 0, len(events))
	for _, e := range events {
		out = append(out, eventView(e))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) logs(c *gin.Context) {
	if s.tail == nil {
		c.JSON(http.StatusOK, []string{})
		return
	}
	c.JSON(http.StatusOK, s.tail.Lines())
}

func cycleView(r service.CycleResult) gin.H {
	events := make([]gin.H, 0, len(r.Events))
	for _, e := range r.Events {
		events = append(events, eventView(e))
	}
	out := gin.H{
		"id":          r.ID,
		"due":         r.Due,
		"observed":    r.Observed,
		"events":      events,
		"notified":    r.Notified,
		"duration_ms": r.Duration.Milliseconds(),
	}
	if r.Skipped != "" {
		out["skipped"] = r.Skipped
	}
	if r.Err != nil {
		out["error"] = r.Err.Error()
	}
	return out
}

func eventView(e storage.Event) gin.H {
	out := gin.H{
		"id":          e.ID,
		"rate_id":     e.RateID,
		"rate_name":   e.RateName,
		"new_value":   e.NewValue.String(),
		"description": e.Description,
		"created_at":  e.CreatedAt,
	}
	if e.OldValue.Valid {
		out["old_value"] = e.OldValue.Decimal.String()
	}
	return out
}
