package usecase

import (
	"context"
	"io"
	"log/slog"

	"NewsScanner/internal/ports"
)

// Job names registered on the scheduler.
const (
	JobScraper  = "scraper"
	JobAnalyzer = "analyzer"
)

// SchedulerConfig holds the cron expressions and run sizes; an empty spec disables the job.
type SchedulerConfig struct {
	ScraperSpec  string
	AnalyzerSpec string
	Pages        int
	BatchSize    int
}

// Scheduler wires the cron driver with the ingestion and analysis use cases.
type Scheduler struct {
	driver   ports.Scheduler
	ingestor *Ingestor
	analyzer *Analyzer
	articles ports.ArticleStore
	profile  func() ([]byte, error)
	cfg      SchedulerConfig
	logger   *slog.Logger
}

// NewScheduler returns a helper to start/stop recurring jobs.
// profile is read on every analyzer run so edits to the scoring config are picked up.
func NewScheduler(driver ports.Scheduler, ingestor *Ingestor, analyzer *Analyzer, articles ports.ArticleStore,
	profile func() ([]byte, error), cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Scheduler{
		driver:   driver,
		ingestor: ingestor,
		analyzer: analyzer,
		articles: articles,
		profile:  profile,
		cfg:      cfg,
		logger:   logger.With("component", "scheduler"),
	}
}

// Start registers the jobs with the provided scheduler and starts it.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}

	if s.cfg.ScraperSpec != "" && s.ingestor != nil {
		if err := s.driver.Schedule(JobScraper, s.cfg.ScraperSpec, s.runScraper); err != nil {
			return err
		}
	}
	if s.cfg.AnalyzerSpec != "" && s.analyzer != nil && s.articles != nil {
		if err := s.driver.Schedule(JobAnalyzer, s.cfg.AnalyzerSpec, s.runAnalyzer); err != nil {
			return err
		}
	}

	return s.driver.Start(ctx)
}

// Stop gracefully tears down the underlying scheduler.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}

	return s.driver.Stop(ctx)
}

func (s *Scheduler) runScraper(ctx context.Context) {
	pages := s.cfg.Pages
	if pages <= 0 {
		pages = 1
	}
	res, err := s.ingestor.Ingest(ctx, pages)
	if err != nil {
		s.logger.Error("scheduled ingestion failed", "error", err)
		return
	}
	s.logger.Info("scheduled ingestion done", "run_id", res.RunID, "saved", res.Saved)
}

func (s *Scheduler) runAnalyzer(ctx context.Context) {
	if s.profile == nil {
		s.logger.Error("scheduled analysis has no profile source")
		return
	}
	profile, err := s.profile()
	if err != nil {
		s.logger.Error("load user profile", "error", err)
		return
	}
	res := s.analyzer.AnalyzeBatch(ctx, s.articles, profile, s.cfg.BatchSize)
	s.logger.Info("scheduled analysis done", "run_id", res.RunID, "succeeded", res.Succeeded, "failed", res.Failed)
}
