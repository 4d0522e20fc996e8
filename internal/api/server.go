package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/newsdesk-crawler/internal/crawler"
	"github.com/JakeFAU/newsdesk-crawler/internal/dispatcher"
	"github.com/JakeFAU/newsdesk-crawler/internal/metrics"
)

// Runner starts orchestrated runs and reports on them.
type Runner interface {
	Start(ctx context.Context, settings crawler.CrawlSettings) (string, error)
	Running() bool
	Last() (dispatcher.RunResult, bool)
}

// Config controls the HTTP surface.
type Config struct {
	APIKey         string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the dispatcher and gateway.
type Server struct {
	router   chi.Router
	runner   Runner
	settings crawler.CrawlSettings
	sources  *SourceHandler
	ready    func(context.Context) error
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. ready may be nil.
func NewServer(
	runner Runner,
	gateway crawler.Gateway,
	settings crawler.CrawlSettings,
	ready func(context.Context) error,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		runner:   runner,
		settings: settings,
		sources:  NewSourceHandler(gateway, settings.Crawlers, logger),
		ready:    ready,
		logger:   logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Post("/runs", s.startRun)
		r.Get("/runs/last", s.lastRun)
		r.Get("/sources", s.sources.ListSources)
		r.Get("/sources/{source}/watermark", s.sources.Watermark)
		r.Get("/articles/untranslated", s.sources.Untranslated)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	runID, err := s.runner.Start(r.Context(), s.settings)
	switch {
	case errors.Is(err, crawler.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.logger.Error("start run", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (s *Server) lastRun(w http.ResponseWriter, _ *http.Request) {
	result, ok := s.runner.Last()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "no run finished yet", "running": s.runner.Running()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"running": s.runner.Running(),
		"status":  result.Status(),
		"result":  result,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
