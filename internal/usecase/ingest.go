package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"NewsScanner/internal/domain"
	"NewsScanner/internal/metrics"
	"NewsScanner/internal/ports"
	"NewsScanner/internal/scanner"
)

// MaxPages bounds a single ingestion run.
const MaxPages = 10

// ErrInvalidPageCount is returned before any I/O when pages is outside 1..MaxPages.
var ErrInvalidPageCount = errors.New("page count must be between 1 and 10")

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// IngestorDeps wires the scanner and storage adapters into ingestion.
type IngestorDeps struct {
	Scanner      scanner.Scanner
	Store        ports.ArticleStore
	Mirror       ports.Mirror
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
	Sleep        SleepFunc
	PageDelay    time.Duration
	DetailDelay  time.Duration
	FetchDetails bool
}

// IngestResult summarizes one ingestion run.
type IngestResult struct {
	RunID    string        `json:"run_id"`
	Pages    int           `json:"pages"`
	Listed   int           `json:"listed"`
	Saved    int           `json:"saved"`
	Skipped  int           `json:"skipped"`
	Failed   int           `json:"failed"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
}

// Ingestor scrapes listing pages and stores articles that are not indexed yet.
type Ingestor struct {
	scanner      scanner.Scanner
	store        ports.ArticleStore
	mirror       ports.Mirror
	metrics      *metrics.Metrics
	logger       *slog.Logger
	sleep        SleepFunc
	pageDelay    time.Duration
	detailDelay  time.Duration
	fetchDetails bool
}

// NewIngestor constructs the ingestion use case.
func NewIngestor(deps IngestorDeps) *Ingestor {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	sleep := deps.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return &Ingestor{
		scanner:      deps.Scanner,
		store:        deps.Store,
		mirror:       deps.Mirror,
		metrics:      deps.Metrics,
		logger:       logger.With("component", "ingest"),
		sleep:        sleep,
		pageDelay:    deps.PageDelay,
		detailDelay:  deps.DetailDelay,
		fetchDetails: deps.FetchDetails,
	}
}

// Ingest walks pages 1..pages. Item failures are logged and counted; the run continues.
func (i *Ingestor) Ingest(ctx context.Context, pages int) (IngestResult, error) {
	if pages < 1 || pages > MaxPages {
		return IngestResult{}, fmt.Errorf("%w: got %d", ErrInvalidPageCount, pages)
	}
	if i.scanner == nil || i.store == nil {
		return IngestResult{}, errors.New("ingestor is missing a scanner or store")
	}

	start := time.Now()
	result := IngestResult{RunID: uuid.NewString(), Pages: pages}
	logger := i.logger.With("run_id", result.RunID, "scanner", i.scanner.Name())
	logger.Info("ingestion started", "pages", pages, "fetch_details", i.fetchDetails)

	for page := 1; page <= pages; page++ {
		if page > 1 {
			if err := i.sleep(ctx, i.pageDelay); err != nil {
				return i.finish(logger, result, start), err
			}
		}

		summaries, err := i.scanner.ListPage(ctx, page)
		if err != nil {
			if ctx.Err() != nil {
				return i.finish(logger, result, start), ctx.Err()
			}
			logger.Error("list page failed", "page", page, "error", err)
			continue
		}
		logger.Info("listing parsed", "page", page, "items", len(summaries))

		for _, summary := range summaries {
			if err := i.ingestOne(ctx, logger, summary, &result); err != nil {
				return i.finish(logger, result, start), err
			}
		}
	}

	return i.finish(logger, result, start), nil
}

// ingestOne returns an error only when ctx is cancelled.
func (i *Ingestor) ingestOne(ctx context.Context, logger *slog.Logger, summary domain.ArticleSummary, result *IngestResult) error {
	result.Listed++
	if strings.TrimSpace(summary.URL) == "" {
		logger.Warn("listing row without url", "title", summary.Title)
		result.Skipped++
		i.metrics.Article("skipped")
		return nil
	}
	if i.store.Exists(summary.URL) {
		logger.Debug("article already stored", "url", summary.URL)
		result.Skipped++
		i.metrics.Article("skipped")
		return nil
	}

	article := domain.Article{}.MergeSummary(summary)
	if i.fetchDetails {
		if err := i.sleep(ctx, i.detailDelay); err != nil {
			return err
		}
		detail, err := i.scanner.FetchDetail(ctx, summary)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("fetch detail failed", "url", summary.URL, "error", err)
			result.Failed++
			i.metrics.Article("failed")
			return nil
		}
		article = detail.MergeSummary(summary)
	}

	if _, err := i.store.Save(ctx, article); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Error("save article failed", "url", summary.URL, "error", err)
		result.Failed++
		i.metrics.Article("failed")
		return nil
	}
	result.Saved++
	i.metrics.Article("saved")
	logger.Info("article saved", "id", article.ID(), "title", article.Title)

	if i.mirror != nil {
		if err := i.mirror.MirrorArticle(ctx, article); err != nil {
			logger.Warn("mirror article failed", "id", article.ID(), "error", err)
			i.metrics.MirrorFailure()
		}
	}
	return nil
}

func (i *Ingestor) finish(logger *slog.Logger, result IngestResult, start time.Time) IngestResult {
	result.Success = result.Saved > 0
	result.Duration = time.Since(start)
	i.metrics.IngestRun(result.Success)
	logger.Info("ingestion finished",
		"listed", result.Listed,
		"saved", result.Saved,
		"skipped", result.Skipped,
		"failed", result.Failed,
		"duration", result.Duration.Round(time.Millisecond))
	return result
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
