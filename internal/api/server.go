package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/foxzi/wablast/internal/config"
	"github.com/foxzi/wablast/internal/events"
	"github.com/foxzi/wablast/internal/metrics"
	"github.com/foxzi/wablast/internal/models"
	"github.com/foxzi/wablast/internal/ratelimit"
	"github.com/foxzi/wablast/internal/scheduler"
	"github.com/foxzi/wablast/internal/storage"
	"github.com/foxzi/wablast/internal/worker"
)

// Version is reported by /health
var Version = "dev"

// Dispatcher runs broadcasts on behalf of the API
type Dispatcher interface {
	Send(ctx context.Context, id string) (*models.Broadcast, error)
	Retry(ctx context.Context, id string) (*models.Broadcast, error)
	Cancel(ctx context.Context, id string) (*models.Broadcast, error)
	Feedback() *worker.FeedbackTracker
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	store      storage.Store
	sched      *scheduler.Scheduler
	dispatcher Dispatcher
	bus        events.Bus
	limiter    *ratelimit.Limiter
	collector  *metrics.Collector
	config     *config.APIConfig
	logger     *slog.Logger
	startTime  time.Time

	// last key that passed a bcrypt check
	verifiedKey atomic.Pointer[string]

	now   func() time.Time
	newID func() string
}

// Option configures optional server dependencies
type Option func(*Server)

// WithRateLimiter exposes quota counters under /api/v1/ratelimits
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithMetrics records request metrics through c
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Server) { s.collector = c }
}

// NewServer creates a new API server
func NewServer(store storage.Store, sched *scheduler.Scheduler, d Dispatcher, bus events.Bus, cfg *config.APIConfig, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		store:      store,
		sched:      sched,
		dispatcher: d,
		bus:        bus,
		config:     cfg,
		logger:     logger.With("component", "api"),
		startTime:  time.Now(),
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(metrics.HTTPMiddleware(s.collector))
	s.router.Use(middleware.Recoverer)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/plan", s.handlePlan)
		r.Get("/stats", s.handleStats)
		r.Get("/events", s.handleEvents)
		r.Get("/ratelimits/{level}/{key}", s.handleRateLimitStats)

		r.Route("/campaigns", func(r chi.Router) {
			r.Get("/", s.handleCampaignList)
			r.Post("/", s.handleCampaignCreate)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleCampaignGet)
				r.Put("/", s.handleCampaignUpdate)
				r.Delete("/", s.handleCampaignDelete)
				r.Post("/pause", s.handleCampaignPause)
				r.Post("/resume", s.handleCampaignResume)
				r.Get("/preview", s.handleCampaignPreview)
			})
		})

		r.Route("/broadcasts", func(r chi.Router) {
			r.Get("/", s.handleBroadcastList)
			r.Post("/", s.handleBroadcastCreate)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleBroadcastGet)
				r.Put("/", s.handleBroadcastUpdate)
				r.Delete("/", s.handleBroadcastDelete)
				r.Post("/send", s.handleBroadcastSend)
				r.Post("/cancel", s.handleBroadcastCancel)
				r.Post("/retry", s.handleBroadcastRetry)
				r.Post("/duplicate", s.handleBroadcastDuplicate)
			})
		})
	})
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.router,
		MaxHeaderBytes:    s.config.MaxHeaderBytes,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       s.config.IdleTimeout,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
