package usecase

import (
	"context"
	"time"

	"github.com/google/uuid"

	"NewsScanner/internal/domain"
	"NewsScanner/internal/ports"
)

// BatchResult summarizes one AnalyzeBatch run.
type BatchResult struct {
	RunID     string           `json:"run_id"`
	Limit     int              `json:"limit"`
	Attempted int              `json:"attempted"`
	Succeeded int              `json:"succeeded"`
	Skipped   int              `json:"skipped"`
	Pending   int              `json:"pending"`
	Failed    int              `json:"failed"`
	Aborted   string           `json:"aborted,omitempty"`
	Results   []AnalysisResult `json:"results"`
	Duration  time.Duration    `json:"duration"`
}

// AnalyzeBatch walks the article index newest first and analyses up to limit
// articles that have no current record. Credential or workflow errors abort the run.
func (a *Analyzer) AnalyzeBatch(ctx context.Context, articles ports.ArticleStore, profile []byte, limit int) BatchResult {
	start := time.Now()
	result := BatchResult{RunID: uuid.NewString(), Limit: limit}
	logger := a.logger.With("run_id", result.RunID)
	logger.Info("batch analysis started", "limit", limit)

	for _, entry := range articles.List() {
		if limit > 0 && result.Attempted >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			result.Aborted = err.Error()
			break
		}
		if a.store != nil && a.store.HasAnalysis(entry.Filename) {
			if rec, ok := a.store.Load(entry.Filename); ok && rec != nil {
				result.Skipped++
				continue
			}
		}

		result.Attempted++
		res := a.Analyze(ctx, profile, articles.Path(entry.Filename))
		result.Results = append(result.Results, res)

		switch res.Status {
		case domain.StatusSuccess:
			result.Succeeded++
		case domain.StatusSkipped:
			result.Skipped++
		case domain.StatusPending:
			result.Pending++
		default:
			result.Failed++
			if abortsBatch(res.ErrorKind) {
				result.Aborted = res.Message
				logger.Error("batch analysis aborted", "kind", res.ErrorKind, "message", res.Message)
				result.Duration = time.Since(start)
				return result
			}
		}
	}

	result.Duration = time.Since(start)
	logger.Info("batch analysis finished",
		"attempted", result.Attempted,
		"succeeded", result.Succeeded,
		"skipped", result.Skipped,
		"pending", result.Pending,
		"failed", result.Failed,
		"duration", result.Duration.Round(time.Millisecond))
	return result
}

func abortsBatch(kind string) bool {
	switch kind {
	case KindAuthentication, KindNotFound, KindConfiguration:
		return true
	}
	return false
}
