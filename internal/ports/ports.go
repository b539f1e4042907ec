package ports

import (
	"context"

	"NewsScanner/internal/domain"
)

// ArticleStore persists discovered articles and keeps the URL index in sync.
type ArticleStore interface {
	Exists(url string) bool
	Save(ctx context.Context, article domain.Article) (domain.IndexEntry, error)
	List() []domain.IndexEntry
	Path(id string) string
}

// AnalysisStore records scoring outcomes per article filename.
type AnalysisStore interface {
	HasAnalysis(filename string) bool
	Load(filename string) (*domain.AnalysisRecord, bool)
	Record(profile []byte, article domain.Article, output domain.AnalysisOutput, sourcePath string) (string, error)
}

// AnalysisCache keeps intermediate scorer results under arbitrary keys.
type AnalysisCache interface {
	Put(key string, data any) error
}

// Scorer is the external relevance-scoring workflow.
type Scorer interface {
	Upload(ctx context.Context, path string) (domain.UploadedDocument, error)
	Run(ctx context.Context, profile string, doc domain.UploadedDocument) (domain.ScorerResponse, error)
}

// Mirror copies stored articles and analyses into a query-friendly database.
type Mirror interface {
	MirrorArticle(ctx context.Context, article domain.Article) error
	MirrorAnalysis(ctx context.Context, filename string, record domain.AnalysisRecord) error
}

// Notifier streams high-relevance results to Telegram or other channels.
type Notifier interface {
	PublishDigest(ctx context.Context, digest string) error
}

// Scheduler runs named jobs on cron expressions.
type Scheduler interface {
	Schedule(name, spec string, job func(ctx context.Context)) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
