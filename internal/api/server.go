// Package api serves generation requests over HTTP.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samcharles93/seqgen/internal/logger"
	"github.com/samcharles93/seqgen/internal/store"
)

type Server struct {
	engine   Engine
	store    store.Store
	log      logger.Logger
	clock    func() time.Time
	limits   middleware.RateLimiterStore
	gatherer prometheus.Gatherer

	// base parents background runs; Shutdown cancels it.
	base context.Context
	stop context.CancelFunc

	mu   sync.Mutex
	runs map[string]context.CancelFunc
	wg   sync.WaitGroup
}

type Option func(*Server)

func WithLogger(l logger.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithRateLimit limits the /v1 routes per client address. See
// NewRateLimitStore.
func WithRateLimit(st middleware.RateLimiterStore) Option {
	return func(s *Server) { s.limits = st }
}

// WithMetrics exposes g on /metrics.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

func NewServer(engine Engine, st store.Store, opts ...Option) *Server {
	if st == nil {
		st = store.NewMemory()
	}
	base, stop := context.WithCancel(context.Background())
	s := &Server{
		engine: engine,
		store:  st,
		log:    logger.Default(),
		clock:  time.Now,
		base:   base,
		stop:   stop,
		runs:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Register(e *echo.Echo) {
	var mws []echo.MiddlewareFunc
	if s.limits != nil {
		mws = append(mws, rateLimit(s.limits))
	}
	v1 := e.Group("/v1", mws...)
	v1.POST("/generations", s.handleCreate)
	v1.GET("/generations", s.handleList)
	v1.GET("/generations/:id", s.handleGet)
	v1.DELETE("/generations/:id", s.handleDelete)
	v1.POST("/generations/:id/cancel", s.handleCancel)
	v1.GET("/models", s.handleListModels)

	e.GET("/healthz", s.handleHealth)
	if s.gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
}

// Shutdown cancels background runs and waits for them to record their
// outcome, or for ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stop()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleHealth(c *echo.Context) error {
	s.mu.Lock()
	running := len(s.runs)
	s.mu.Unlock()
	return c.JSON(http.StatusOK, map[string]any{
		"status":     "ok",
		"background": running,
	})
}

func (s *Server) handleListModels(c *echo.Context) error {
	if s.engine == nil {
		return writeError(c, http.StatusServiceUnavailable, "server_error", "no model loaded")
	}
	cfg := s.engine.Config()
	info := ModelInfo{
		ID:        string(s.engine.Family()),
		Object:    "model",
		Family:    string(s.engine.Family()),
		Backend:   cfg.Backend,
		Precision: cfg.Precision().String(),
		VocabSize: cfg.VocabSize,
		MaxLength: cfg.MaxLength,
	}
	if dc := s.engine.Device(); dc != nil {
		info.Device = dc.Kind().String()
	}
	return c.JSON(http.StatusOK, ModelList{Object: "list", Data: []ModelInfo{info}})
}

func (s *Server) track(id string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.runs[id] = cancel
	s.mu.Unlock()
}

// untrack cancels and forgets id's background run, if any.
func (s *Server) untrack(id string) bool {
	s.mu.Lock()
	cancel, ok := s.runs[id]
	delete(s.runs, id)
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}
