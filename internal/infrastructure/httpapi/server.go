package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/spf13/cast"

	"NewsScanner/internal/domain"
	"NewsScanner/internal/infrastructure/scheduler"
	"NewsScanner/internal/infrastructure/storage"
	"NewsScanner/internal/usecase"
)

const (
	defaultPageLimit = 10
	requestTimeout   = 10 * time.Minute
)

// ArticleReader is the read side of the article store.
type ArticleReader interface {
	List() []domain.IndexEntry
	Load(id string) (domain.Article, error)
}

// AnalysisReader is the read side of the analysis record store.
type AnalysisReader interface {
	Statistics() domain.Statistics
	FindOutdated() []domain.OutdatedRecord
	History(limit int) []domain.AnalysisIndexEntry
	CheckValidity(filename string) domain.Validity
}

// Ingester triggers a scrape run.
type Ingester interface {
	Ingest(ctx context.Context, pages int) (usecase.IngestResult, error)
}

// TopReader ranks mirrored analyses.
type TopReader interface {
	TopAnalyses(ctx context.Context, minScore float64, limit int) ([]storage.ScoredAnalysis, error)
}

// CacheReader looks up cached scorer responses.
type CacheReader interface {
	Get(key string) (json.RawMessage, bool)
}

// Pinger reports backend connectivity for /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// JobLister reports scheduled jobs.
type JobLister interface {
	Entries() []scheduler.EntryInfo
}

// Deps wires the read models and triggers behind the API.
type Deps struct {
	Articles ArticleReader
	Analyses AnalysisReader
	Ingestor Ingester
	Top      TopReader
	Cache    CacheReader
	Jobs     JobLister
	Metrics  http.Handler
	Settings map[string]any
	Logger   *slog.Logger
}

// Server exposes health, article, scrape and analysis endpoints.
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	deps       Deps
	log        *slog.Logger
}

// New builds the router; Start binds it to addr.
func New(addr string, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{
		router: chi.NewRouter(),
		deps:   deps,
		log:    logger.With("component", "httpapi"),
	}
	s.setupMiddleware()
	s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(requestTimeout))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.deps.Metrics)
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/config", s.handleConfig)
		r.Get("/jobs", s.handleJobs)
		r.Post("/scrape", s.handleScrape)

		r.Route("/articles", func(r chi.Router) {
			r.Get("/", s.handleListArticles)
			r.Get("/{id}", s.handleGetArticle)
		})

		r.Route("/analyses", func(r chi.Router) {
			r.Get("/stats", s.handleStats)
			r.Get("/outdated", s.handleOutdated)
			r.Get("/history", s.handleHistory)
			r.Get("/top", s.handleTop)
			r.Get("/cache", s.handleCached)
			r.Get("/{filename}/validity", s.handleValidity)
		})
	})
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("starting http server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.log.Info("http server stopped")
	return nil
}

// Router returns the chi router instance.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).Round(time.Millisecond),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.deps.Top.(Pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			s.log.Warn("mirror ping failed", "error", err)
			render.Status(r, http.StatusServiceUnavailable)
			render.JSON(w, r, map[string]string{"status": "degraded", "message": "sql mirror unreachable"})
			return
		}
	}
	render.JSON(w, r, map[string]string{"status": "ok", "message": "SZTU news scanner API is running"})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]any{"status": "success", "config": s.deps.Settings})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	jobs := []scheduler.EntryInfo{}
	if s.deps.Jobs != nil {
		jobs = s.deps.Jobs.Entries()
	}
	render.JSON(w, r, map[string]any{"status": "success", "jobs": jobs})
}

func (s *Server) handleScrape(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ingestor == nil {
		s.fail(w, r, http.StatusServiceUnavailable, "scraper is not configured")
		return
	}
	pages, err := intParam(r, "pages", 1)
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.deps.Ingestor.Ingest(r.Context(), pages)
	switch {
	case errors.Is(err, usecase.ErrInvalidPageCount):
		s.fail(w, r, http.StatusBadRequest, "pages must be between 1 and 10")
		return
	case err != nil:
		s.log.Error("scrape failed", "error", err)
		s.fail(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	render.JSON(w, r, map[string]any{
		"status":  "success",
		"message": fmt.Sprintf("scraped %d pages, saved %d articles", pages, result.Saved),
		"result":  result,
	})
}

func (s *Server) handleListArticles(w http.ResponseWriter, r *http.Request) {
	skip, err := intParam(r, "skip", 0)
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := intParam(r, "limit", defaultPageLimit)
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, err.Error())
		return
	}

	all := s.deps.Articles.List()
	page := paginate(all, skip, limit)
	render.JSON(w, r, map[string]any{
		"status":   "success",
		"total":    len(all),
		"skip":     skip,
		"limit":    limit,
		"articles": page,
	})
}

func (s *Server) handleGetArticle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	article, err := s.deps.Articles.Load(id)
	switch {
	case errors.Is(err, storage.ErrArticleNotFound):
		s.fail(w, r, http.StatusNotFound, "article not found")
		return
	case err != nil:
		s.log.Error("load article", "id", id, "error", err)
		s.fail(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	render.JSON(w, r, map[string]any{"status": "success", "article": article})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]any{"status": "success", "statistics": s.deps.Analyses.Statistics()})
}

func (s *Server) handleOutdated(w http.ResponseWriter, r *http.Request) {
	outdated := s.deps.Analyses.FindOutdated()
	render.JSON(w, r, map[string]any{"status": "success", "total": len(outdated), "outdated": outdated})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 20)
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, err.Error())
		return
	}
	render.JSON(w, r, map[string]any{"status": "success", "history": s.deps.Analyses.History(limit)})
}

func (s *Server) handleValidity(w http.ResponseWriter, r *http.Request) {
	validity := s.deps.Analyses.CheckValidity(chi.URLParam(r, "filename"))
	if !validity.Exists {
		render.Status(r, http.StatusNotFound)
	}
	render.JSON(w, r, map[string]any{"status": "success", "validity": validity})
}

func (s *Server) handleTop(w http.ResponseWriter, r *http.Request) {
	if s.deps.Top == nil {
		s.fail(w, r, http.StatusServiceUnavailable, "sql mirror is not configured")
		return
	}
	limit, err := intParam(r, "limit", defaultPageLimit)
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, err.Error())
		return
	}
	minScore := 0.0
	if raw := r.URL.Query().Get("min_score"); raw != "" {
		if minScore, err = cast.ToFloat64E(raw); err != nil {
			s.fail(w, r, http.StatusBadRequest, fmt.Sprintf("min_score: %v", err))
			return
		}
	}

	top, err := s.deps.Top.TopAnalyses(r.Context(), minScore, limit)
	if err != nil {
		s.log.Error("top analyses", "error", err)
		s.fail(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	render.JSON(w, r, map[string]any{"status": "success", "analyses": top})
}

func (s *Server) handleCached(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache == nil {
		s.fail(w, r, http.StatusServiceUnavailable, "analysis cache is not configured")
		return
	}
	title := r.URL.Query().Get("title")
	if title == "" {
		s.fail(w, r, http.StatusBadRequest, "title is required")
		return
	}
	data, ok := s.deps.Cache.Get(domain.CacheKey(title))
	if !ok {
		s.fail(w, r, http.StatusNotFound, "no current cached analysis for this title")
		return
	}
	render.JSON(w, r, map[string]any{"status": "success", "cache_key": domain.CacheKey(title), "data": data})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, code int, detail string) {
	render.Status(r, code)
	render.JSON(w, r, map[string]string{"status": "error", "detail": detail})
}

func intParam(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	n, err := cast.ToIntE(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

func paginate(entries []domain.IndexEntry, skip, limit int) []domain.IndexEntry {
	if skip >= len(entries) {
		return []domain.IndexEntry{}
	}
	end := len(entries)
	if limit > 0 && skip+limit < end {
		end = skip + limit
	}
	return entries[skip:end]
}
