package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"NewsScanner/internal/domain"
	"NewsScanner/internal/infrastructure/storage"
)

type fakeScanner struct {
	mu         sync.Mutex
	pages      map[int][]domain.ArticleSummary
	listErr    map[int]error
	detailErr  map[string]error
	listCalls  []int
	detailURLs []string
}

func (f *fakeScanner) Name() string { return "fake" }

func (f *fakeScanner) ListPage(_ context.Context, page int) ([]domain.ArticleSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls = append(f.listCalls, page)
	if err := f.listErr[page]; err != nil {
		return nil, err
	}
	return f.pages[page], nil
}

func (f *fakeScanner) FetchDetail(_ context.Context, s domain.ArticleSummary) (domain.Article, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detailURLs = append(f.detailURLs, s.URL)
	if err := f.detailErr[s.URL]; err != nil {
		return domain.Article{}, err
	}
	return domain.Article{
		URL:         s.URL,
		Title:       s.Title,
		Author:      "教务部",
		PublishTime: "2024-03-05 10:20",
		Content:     "body of " + s.Title,
	}, nil
}

type sleepRecorder struct {
	mu    sync.Mutex
	calls []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.calls = append(r.calls, d)
	r.mu.Unlock()
	return ctx.Err()
}

func newTestArticleStore(t *testing.T) *storage.ArticleStore {
	t.Helper()
	store, err := storage.NewArticleStore(t.TempDir(), "", nil)
	require.NoError(t, err)
	return store
}

func summary(n string) domain.ArticleSummary {
	return domain.ArticleSummary{
		URL:         "https://nbw.sztu.edu.cn/info/1001/" + n + ".htm",
		Title:       "Notice " + n,
		Category:    "教学",
		Department:  "教务部",
		PublishDate: "2024-03-05",
	}
}

func TestIngestSkipsIndexedBeforeDetailFetch(t *testing.T) {
	t.Parallel()

	store := newTestArticleStore(t)
	existing := summary("1")
	_, err := store.Save(context.Background(), domain.Article{URL: existing.URL, Title: existing.Title, Content: "old"})
	require.NoError(t, err)

	sc := &fakeScanner{pages: map[int][]domain.ArticleSummary{
		1: {existing, summary("2"), summary("3")},
	}}
	sleeper := &sleepRecorder{}
	ing := NewIngestor(IngestorDeps{
		Scanner:      sc,
		Store:        store,
		Sleep:        sleeper.sleep,
		DetailDelay:  500 * time.Millisecond,
		FetchDetails: true,
	})

	res, err := ing.Ingest(context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, []string{summary("2").URL, summary("3").URL}, sc.detailURLs)
	assert.Len(t, store.List(), 3)
	assert.Equal(t, 3, res.Listed)
	assert.Equal(t, 2, res.Saved)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, res.Failed)
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, 500 * time.Millisecond}, sleeper.calls)

	saved, err := store.Load(domain.ArticleID(summary("2").URL, ""))
	require.NoError(t, err)
	assert.Equal(t, "教学", saved.Category)
	assert.Equal(t, "body of Notice 2", saved.Content)
}

func TestIngestSecondRunSavesNothing(t *testing.T) {
	t.Parallel()

	store := newTestArticleStore(t)
	sc := &fakeScanner{pages: map[int][]domain.ArticleSummary{1: {summary("1"), summary("2")}}}
	ing := NewIngestor(IngestorDeps{Scanner: sc, Store: store, Sleep: (&sleepRecorder{}).sleep, FetchDetails: true})

	first, err := ing.Ingest(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 2, first.Saved)

	second, err := ing.Ingest(context.Background(), 1)
	require.NoError(t, err)
	assert.Zero(t, second.Saved)
	assert.Equal(t, 2, second.Skipped)
	assert.False(t, second.Success)
	assert.Len(t, sc.detailURLs, 2)
}

func TestIngestRejectsPageCount(t *testing.T) {
	t.Parallel()

	sc := &fakeScanner{}
	ing := NewIngestor(IngestorDeps{Scanner: sc, Store: newTestArticleStore(t)})
	for _, pages := range []int{0, -1, 11} {
		_, err := ing.Ingest(context.Background(), pages)
		assert.ErrorIs(t, err, ErrInvalidPageCount)
	}
	assert.Empty(t, sc.listCalls)
}

func TestIngestContinuesAfterFailures(t *testing.T) {
	t.Parallel()

	store := newTestArticleStore(t)
	bad := summary("bad")
	sc := &fakeScanner{
		pages: map[int][]domain.ArticleSummary{
			2: {bad, summary("4"), {Title: "row without link"}},
		},
		listErr:   map[int]error{1: errors.New("503 from listing")},
		detailErr: map[string]error{bad.URL: errors.New("detail timeout")},
	}
	sleeper := &sleepRecorder{}
	ing := NewIngestor(IngestorDeps{
		Scanner:      sc,
		Store:        store,
		Sleep:        sleeper.sleep,
		PageDelay:    time.Second,
		FetchDetails: true,
	})

	res, err := ing.Ingest(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, sc.listCalls)
	assert.Equal(t, 1, res.Saved)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Skipped)
	assert.Contains(t, sleeper.calls, time.Second)
	assert.False(t, store.Exists(bad.URL))
}

func TestIngestWithoutDetailsSavesListingFields(t *testing.T) {
	t.Parallel()

	store := newTestArticleStore(t)
	sc := &fakeScanner{pages: map[int][]domain.ArticleSummary{1: {summary("7")}}}
	ing := NewIngestor(IngestorDeps{Scanner: sc, Store: store})

	res, err := ing.Ingest(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Saved)
	assert.Empty(t, sc.detailURLs)
	assert.True(t, store.Exists(summary("7").URL))
}

func TestIngestStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sc := &fakeScanner{pages: map[int][]domain.ArticleSummary{1: {summary("1")}}}
	ing := NewIngestor(IngestorDeps{Scanner: sc, Store: newTestArticleStore(t), FetchDetails: true, DetailDelay: time.Hour})

	_, err := ing.Ingest(ctx, 3)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, sc.detailURLs)
}
