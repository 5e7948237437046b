package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"dmailer/internal/config"
	"dmailer/internal/deliverylog"
	"dmailer/internal/dispatch"
)

// Server is the HTTP API server.
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	engine     *dispatch.Engine
	log        *deliverylog.Log
	cfg        *config.Config
	logger     *zap.Logger
	jobCtx     context.Context
	startTime  time.Time
}

// NewServer creates a new API server. jobCtx outlives individual
// requests: dispatch jobs started by a request keep running after the
// request returns, until jobCtx is cancelled at process shutdown.
func NewServer(jobCtx context.Context, engine *dispatch.Engine, log *deliverylog.Log, cfg *config.Config, logger *zap.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		engine:    engine,
		log:       log,
		cfg:       cfg,
		logger:    logger,
		jobCtx:    jobCtx,
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/jobs", s.handleCreateJob)
		r.Get("/progress", s.handleProgress)
		r.Get("/logs/download", s.handleDownloadLog)
		r.Post("/preview", s.handlePreview)
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:         ":" + s.cfg.APIPort,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("api server started", zap.String("port", s.cfg.APIPort))
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
