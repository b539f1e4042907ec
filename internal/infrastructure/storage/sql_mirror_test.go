package storage

import (
	"context"
	"path/filepath"
	"testing"

	sq "github.com/Masterminds/squirrel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"NewsScanner/internal/domain"
)

func TestSQLMirrorUpsertsAndRanks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mirror, err := OpenSQLMirror(ctx, DriverSQLite, filepath.Join(t.TempDir(), "mirror.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = mirror.Close() })

	article := sampleArticle()
	require.NoError(t, mirror.MirrorArticle(ctx, article))
	article.Category = "notice"
	require.NoError(t, mirror.MirrorArticle(ctx, article))

	seen, err := mirror.MirroredArticles(ctx, []string{article.ID(), "unknown"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{article.ID(): true}, seen)

	records := map[string]float64{"high.json": 9, "mid.json": 6, "low.json": 2}
	for name, score := range records {
		rec := domain.AnalysisRecord{
			Timestamp:      "2024-03-05T10:00:00.000000",
			ConfigMD5:      "abc",
			NewsInput:      domain.NewsInput{Title: name, Source: article.URL},
			AnalysisOutput: domain.AnalysisOutput{RelevanceScore: score, RelevanceReason: "r"},
		}
		require.NoError(t, mirror.MirrorAnalysis(ctx, name, rec))
	}
	require.NoError(t, mirror.MirrorAnalysis(ctx, "low.json", domain.AnalysisRecord{
		NewsInput:      domain.NewsInput{Title: "low.json"},
		AnalysisOutput: domain.AnalysisOutput{RelevanceScore: 7},
	}))

	top, err := mirror.TopAnalyses(ctx, 5, 10)
	require.NoError(t, err)
	require.Len(t, top, 3)
	assert.Equal(t, "high.json", top[0].Filename)
	assert.Equal(t, "low.json", top[1].Filename)
	assert.Equal(t, 7.0, top[1].RelevanceScore)
	assert.Equal(t, "mid.json", top[2].Filename)

	require.NoError(t, mirror.Ping(ctx))
}

func TestNilMirrorIsNoop(t *testing.T) {
	t.Parallel()

	mirror := NewSQLMirror(nil, DriverSQLite)
	ctx := context.Background()
	assert.NoError(t, mirror.MirrorArticle(ctx, sampleArticle()))
	assert.NoError(t, mirror.MirrorAnalysis(ctx, "x.json", domain.AnalysisRecord{}))
	top, err := mirror.TopAnalyses(ctx, 0, 5)
	assert.NoError(t, err)
	assert.Empty(t, top)
	assert.NoError(t, mirror.Close())
}

func TestSQLMirrorPlaceholderPerDriver(t *testing.T) {
	t.Parallel()

	query, _, err := NewSQLMirror(nil, DriverPostgres).sb.Select("id").From(articlesTable).Where(sq.Eq{"id": "a"}).ToSql()
	require.NoError(t, err)
	assert.Contains(t, query, "$1")

	query, _, err = NewSQLMirror(nil, DriverSQLite).sb.Select("id").From(articlesTable).Where(sq.Eq{"id": "a"}).ToSql()
	require.NoError(t, err)
	assert.Contains(t, query, "?")
}
