package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"NewsScanner/internal/domain"
	"NewsScanner/internal/ports"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	articlesTable = "mirrored_articles"
	analysesTable = "mirrored_analyses"
)

// ScoredAnalysis is a mirrored analysis row.
type ScoredAnalysis struct {
	Filename       string  `json:"filename"`
	Title          string  `json:"title"`
	Source         string  `json:"source"`
	RelevanceScore float64 `json:"relevance_score"`
	Reason         string  `json:"relevance_reason"`
	ConfigMD5      string  `json:"config_md5"`
	AnalyzedAt     string  `json:"analyzed_at"`
}

// SQLMirror copies articles and analyses into Postgres or SQLite for querying.
// The JSON documents stay authoritative.
type SQLMirror struct {
	db     *sql.DB
	driver string
	sb     sq.StatementBuilderType
}

var _ ports.Mirror = (*SQLMirror)(nil)

// OpenSQLMirror opens dsn with driver and creates the mirror tables.
func OpenSQLMirror(ctx context.Context, driver, dsn string) (*SQLMirror, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s mirror: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s mirror: %w", driver, err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}

	m := NewSQLMirror(db, driver)
	if err := m.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return m, nil
}

// NewSQLMirror wires an existing sql.DB.
func NewSQLMirror(db *sql.DB, driver string) *SQLMirror {
	var placeholder sq.PlaceholderFormat = sq.Question
	if driver == DriverPostgres {
		placeholder = sq.Dollar
	}
	return &SQLMirror{
		db:     db,
		driver: driver,
		sb:     sq.StatementBuilder.PlaceholderFormat(placeholder),
	}
}

// EnsureSchema creates the mirror tables when missing.
func (m *SQLMirror) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + articlesTable + ` (
			id TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			title TEXT NOT NULL,
			category TEXT,
			department TEXT,
			publish_date TEXT,
			has_attachment BOOLEAN NOT NULL DEFAULT FALSE,
			content_length INTEGER NOT NULL DEFAULT 0,
			fetch_time TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS ` + analysesTable + ` (
			filename TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			source TEXT,
			relevance_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			relevance_reason TEXT,
			config_md5 TEXT,
			analyzed_at TEXT
		)`,
	}
	for _, stmt := range statements {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create mirror schema: %w", err)
		}
	}
	return nil
}

// MirrorArticle upserts the article row.
func (m *SQLMirror) MirrorArticle(ctx context.Context, article domain.Article) error {
	if m.db == nil {
		return nil
	}
	query, args, err := m.sb.Insert(articlesTable).
		Columns("id", "url", "title", "category", "department", "publish_date", "has_attachment", "content_length", "fetch_time").
		Values(article.ID(), article.URL, article.Title, article.Category, article.Department,
			article.PublishDate, article.HasAttachment, len([]rune(article.Content)), article.FetchTime).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			category = EXCLUDED.category,
			department = EXCLUDED.department,
			publish_date = EXCLUDED.publish_date,
			has_attachment = EXCLUDED.has_attachment,
			content_length = EXCLUDED.content_length,
			fetch_time = EXCLUDED.fetch_time`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build article upsert: %w", err)
	}
	if _, err := m.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert mirrored article: %w", err)
	}
	return nil
}

// MirrorAnalysis upserts the analysis row for filename.
func (m *SQLMirror) MirrorAnalysis(ctx context.Context, filename string, record domain.AnalysisRecord) error {
	if m.db == nil {
		return nil
	}
	out := record.AnalysisOutput
	query, args, err := m.sb.Insert(analysesTable).
		Columns("filename", "title", "source", "relevance_score", "relevance_reason", "config_md5", "analyzed_at").
		Values(filename, record.NewsInput.Title, record.NewsInput.Source, out.RelevanceScore,
			out.RelevanceReason, record.ConfigMD5, record.Timestamp).
		Suffix(`ON CONFLICT (filename) DO UPDATE SET
			title = EXCLUDED.title,
			source = EXCLUDED.source,
			relevance_score = EXCLUDED.relevance_score,
			relevance_reason = EXCLUDED.relevance_reason,
			config_md5 = EXCLUDED.config_md5,
			analyzed_at = EXCLUDED.analyzed_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build analysis upsert: %w", err)
	}
	if _, err := m.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert mirrored analysis: %w", err)
	}
	return nil
}

// MirroredArticles returns which of ids already have a mirrored row.
func (m *SQLMirror) MirroredArticles(ctx context.Context, ids []string) (map[string]bool, error) {
	result := make(map[string]bool)
	if m.db == nil || len(ids) == 0 {
		return result, nil
	}

	builder := m.sb.Select("id").From(articlesTable)
	if m.driver == DriverPostgres {
		builder = builder.Where("id = ANY(?)", pq.StringArray(ids))
	} else {
		builder = builder.Where(sq.Eq{"id": ids})
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build mirrored lookup: %w", err)
	}

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query mirrored: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		result[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return result, nil
}

// TopAnalyses returns mirrored analyses scoring at least minScore, best first.
func (m *SQLMirror) TopAnalyses(ctx context.Context, minScore float64, limit int) ([]ScoredAnalysis, error) {
	if m.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	query, args, err := m.sb.
		Select("filename", "title", "source", "relevance_score", "relevance_reason", "config_md5", "analyzed_at").
		From(analysesTable).
		Where(sq.GtOrEq{"relevance_score": minScore}).
		OrderBy("relevance_score DESC", "analyzed_at DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build top analyses: %w", err)
	}

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query top analyses: %w", err)
	}
	defer rows.Close()

	var out []ScoredAnalysis
	for rows.Next() {
		var (
			row                             ScoredAnalysis
			source, reason, md5, analyzedAt sql.NullString
		)
		if err := rows.Scan(&row.Filename, &row.Title, &source, &row.RelevanceScore, &reason, &md5, &analyzedAt); err != nil {
			return nil, fmt.Errorf("scan analysis: %w", err)
		}
		row.Source = source.String
		row.Reason = reason.String
		row.ConfigMD5 = md5.String
		row.AnalyzedAt = analyzedAt.String
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

// Close releases the database handle.
func (m *SQLMirror) Close() error {
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}

// pingTimeout bounds mirror connectivity checks from the HTTP health endpoint.
const pingTimeout = 2 * time.Second

// Ping checks the database connection.
func (m *SQLMirror) Ping(ctx context.Context) error {
	if m.db == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return m.db.PingContext(ctx)
}
