package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"NewsScanner/internal/config"
	"NewsScanner/internal/fingerprint"
	"NewsScanner/internal/infrastructure/dify"
	"NewsScanner/internal/infrastructure/httpapi"
	"NewsScanner/internal/infrastructure/llm"
	"NewsScanner/internal/infrastructure/parser"
	"NewsScanner/internal/infrastructure/scheduler"
	"NewsScanner/internal/infrastructure/storage"
	"NewsScanner/internal/infrastructure/telegram"
	"NewsScanner/internal/logging"
	"NewsScanner/internal/metrics"
	"NewsScanner/internal/ports"
	"NewsScanner/internal/scanner"
	"NewsScanner/internal/usecase"
)

const shutdownTimeout = 30 * time.Second

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg    config.Config
	logger *slog.Logger

	Fingerprint *fingerprint.Fingerprinter
	Articles    *storage.ArticleStore
	Records     *storage.AnalysisStore
	Cache       *storage.AnalysisCache
	Mirror      *storage.SQLMirror
	Metrics     *metrics.Metrics
	Ingestor    *usecase.Ingestor
	Analyzer    *usecase.Analyzer

	cron *scheduler.CronScheduler
}

// New builds every adapter from cfg. The SQL mirror is opened only when configured.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level, cfg.Logging.Format)
	}

	fp := fingerprint.New(cfg.Analysis.ConfigPath, baseLogger.With("component", "fingerprint"))

	articles, err := storage.NewArticleStore(cfg.Storage.ArticlesDir, cfg.Storage.TrashDir, baseLogger.With("component", "articles"))
	if err != nil {
		return nil, err
	}
	records, err := storage.NewAnalysisStore(cfg.Storage.RecordsPath(), fp, baseLogger.With("component", "records"))
	if err != nil {
		return nil, err
	}
	cache, err := storage.NewAnalysisCache(cfg.Storage.CacheDir, fp, baseLogger.With("component", "cache"))
	if err != nil {
		return nil, err
	}

	registry := scanner.NewRegistry()
	registry.Register(parser.NewSZTUScanner(nil, parser.SZTUOptions{
		ListURL:   cfg.Scraper.ListURL,
		UserAgent: cfg.Scraper.UserAgent,
		Timeout:   cfg.Scraper.Timeout,
	}, baseLogger.With("component", "scanner.sztu")))
	site, err := registry.Resolve(cfg.Scraper.Site)
	if err != nil {
		return nil, fmt.Errorf("%w (available: %v)", err, registry.Names())
	}

	// Keep the mirror the last fallible step; later error returns would leak it.
	var mirror *storage.SQLMirror
	var mirrorPort ports.Mirror
	if cfg.Mirror.Driver != "" {
		mirror, err = storage.OpenSQLMirror(ctx, cfg.Mirror.Driver, cfg.Mirror.DSN)
		if err != nil {
			return nil, err
		}
		mirrorPort = mirror
	}

	m := metrics.New()
	scorer, enabled := buildScorer(cfg, baseLogger)

	var notifier ports.Notifier
	if tg := telegram.NewNotifier(telegram.Config{
		BotToken: cfg.Notifications.Telegram.BotToken,
		ChatID:   cfg.Notifications.Telegram.ChatID,
	}); tg.Enabled() {
		notifier = tg
	}

	ingestor := usecase.NewIngestor(usecase.IngestorDeps{
		Scanner:      site,
		Store:        articles,
		Mirror:       mirrorPort,
		Metrics:      m,
		Logger:       baseLogger,
		PageDelay:    cfg.Scraper.PageDelay,
		DetailDelay:  cfg.Scraper.DetailDelay,
		FetchDetails: cfg.Scraper.FetchDetails,
	})
	analyzer := usecase.NewAnalyzer(usecase.AnalyzerDeps{
		Store:           records,
		Cache:           cache,
		Scorer:          scorer,
		Mirror:          mirrorPort,
		Notifier:        notifier,
		Metrics:         m,
		Logger:          baseLogger,
		Enabled:         enabled,
		NotifyThreshold: cfg.Analysis.NotifyThreshold,
	})

	return &Application{
		cfg:         cfg,
		logger:      baseLogger,
		Fingerprint: fp,
		Articles:    articles,
		Records:     records,
		Cache:       cache,
		Mirror:      mirror,
		Metrics:     m,
		Ingestor:    ingestor,
		Analyzer:    analyzer,
		cron:        scheduler.NewCronScheduler(cfg.Scheduler.Location(), baseLogger.With("component", "cron")),
	}, nil
}

// buildScorer selects the scoring backend and whether scoring is enabled.
func buildScorer(cfg config.Config, logger *slog.Logger) (ports.Scorer, bool) {
	switch cfg.Analysis.Backend {
	case config.BackendChatGPT:
		scorer := llm.NewChatScorer(llm.Config{
			Endpoint:     cfg.ChatGPT.Endpoint,
			Model:        cfg.ChatGPT.Model,
			APIKey:       cfg.ChatGPT.APIKey,
			SystemPrompt: cfg.ChatGPT.SystemPrompt,
			Timeout:      cfg.ChatGPT.Timeout,
			RetryTimes:   cfg.ChatGPT.RetryTimes,
			RetryDelay:   cfg.ChatGPT.RetryDelay,
		}, nil, llm.WithLogger(logger.With("component", "chatgpt")))
		return scorer, cfg.ChatGPT.APIKey != ""
	default:
		client := dify.NewClient(dify.Config{
			Endpoint:   cfg.Dify.Endpoint,
			APIKey:     cfg.Dify.APIKey,
			User:       cfg.Dify.User,
			Timeout:    cfg.Dify.Timeout,
			RetryTimes: cfg.Dify.RetryTimes,
			RetryDelay: cfg.Dify.RetryDelay,
		}, logger.With("component", "dify"))
		return client, cfg.Dify.Enabled
	}
}

// Config returns the snapshot the application was built from.
func (a *Application) Config() config.Config {
	return a.cfg
}

// Profile reads the user profile from the fingerprinted scoring document.
func (a *Application) Profile() ([]byte, error) {
	return config.LoadProfile(a.cfg.Analysis.ConfigPath)
}

// Run starts the scheduler and the HTTP API, and blocks until ctx is cancelled.
func (a *Application) Run(ctx context.Context) error {
	jobs := usecase.NewScheduler(a.cron, a.Ingestor, a.Analyzer, a.Articles, a.Profile, usecase.SchedulerConfig{
		ScraperSpec:  a.cfg.Scheduler.ScraperCron,
		AnalyzerSpec: a.cfg.Scheduler.AnalyzerCron,
		Pages:        a.cfg.Scraper.Pages,
		BatchSize:    a.cfg.Analysis.BatchSize,
	}, a.logger)
	if err := jobs.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	deps := httpapi.Deps{
		Articles: a.Articles,
		Analyses: a.Records,
		Ingestor: a.Ingestor,
		Cache:    a.Cache,
		Jobs:     a.cron,
		Metrics:  a.Metrics.Handler(),
		Settings: a.settings(),
		Logger:   a.logger,
	}
	if a.Mirror != nil {
		deps.Top = a.Mirror
	}
	server := httpapi.New(a.cfg.HTTP.Addr, deps)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(runErr, server.Shutdown(shutdownCtx), jobs.Stop(shutdownCtx))
}

// ServeOptions tunes Serve.
type ServeOptions struct {
	// Reload rebuilds the application from a re-read config on every receive.
	Reload <-chan struct{}
	// Override adjusts each loaded config, e.g. with command-line flags.
	Override func(*config.Config)
}

// Serve runs the application until ctx ends. A reload signal stops the running
// instance and starts a new one from config.Reload; a config that fails to
// reload keeps the previous snapshot.
func Serve(ctx context.Context, cfg config.Config, opts ServeOptions) error {
	if opts.Override != nil {
		opts.Override(&cfg)
	}
	for {
		logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)
		application, err := New(ctx, cfg, logger)
		if err != nil {
			return err
		}

		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- application.Run(runCtx) }()

		reloading := false
		select {
		case err = <-done:
		case <-opts.Reload:
			reloading = true
			cancel()
			err = <-done
		}
		cancel()
		if closeErr := application.Close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
		if !reloading || err != nil || ctx.Err() != nil {
			return err
		}

		next, reloadErr := config.Reload(cfg)
		if reloadErr != nil {
			logger.Error("config reload failed, keeping previous config", "error", reloadErr)
			continue
		}
		if opts.Override != nil {
			opts.Override(&next)
		}
		cfg = next
		logger.Info("config reloaded", "source", cfg.Source())
	}
}

// SyncMirror copies stored articles missing from the SQL mirror and reports how many were added.
func (a *Application) SyncMirror(ctx context.Context) (int, error) {
	if a.Mirror == nil {
		return 0, errors.New("sql mirror is not configured")
	}
	entries := a.Articles.List()
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, strings.TrimSuffix(e.Filename, ".json"))
	}
	seen, err := a.Mirror.MirroredArticles(ctx, ids)
	if err != nil {
		return 0, err
	}

	added := 0
	var errs []error
	for _, id := range ids {
		if seen[id] {
			continue
		}
		article, err := a.Articles.Load(id)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		if err := a.Mirror.MirrorArticle(ctx, article); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		added++
	}
	a.logger.Info("mirror sync finished", "stored", len(ids), "added", added, "failed", len(errs))
	return added, errors.Join(errs...)
}

// Close releases the SQL mirror.
func (a *Application) Close() error {
	if a.Mirror == nil {
		return nil
	}
	return a.Mirror.Close()
}

func (a *Application) settings() map[string]any {
	return map[string]any{
		"analysis_backend": a.cfg.Analysis.Backend,
		"dify_enabled":     a.cfg.Dify.Enabled,
		"log_level":        a.cfg.Logging.Level,
		"articles_dir":     a.cfg.Storage.ArticlesDir,
		"scraper_cron":     a.cfg.Scheduler.ScraperCron,
		"analyzer_cron":    a.cfg.Scheduler.AnalyzerCron,
		"mirror_driver":    a.cfg.Mirror.Driver,
		"config_md5":       fingerprint.Prefix(a.Fingerprint.Fingerprint()),
	}
}
