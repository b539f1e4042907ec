package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"NewsScanner/internal/domain"
)

func newArticleStore(t *testing.T) *ArticleStore {
	t.Helper()

	root := t.TempDir()
	store, err := NewArticleStore(filepath.Join(root, "articles"), "", nil)
	require.NoError(t, err)
	return store
}

func TestArticleStoreSaveIsIdempotent(t *testing.T) {
	t.Parallel()

	store := newArticleStore(t)
	ctx := context.Background()
	article := domain.Article{
		URL:     "https://example.edu/info/1001/1.htm",
		Title:   "Scholarship notice",
		Content: "body",
	}

	first, err := store.Save(ctx, article)
	require.NoError(t, err)
	article.Content = "updated body"
	second, err := store.Save(ctx, article)
	require.NoError(t, err)

	assert.Equal(t, first.Filename, second.Filename)
	assert.Equal(t, first.Seq, second.Seq)

	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	var docs int
	for _, e := range entries {
		if e.Name() != articleIndexFile {
			docs++
		}
	}
	assert.Equal(t, 1, docs)
	assert.Len(t, store.List(), 1)

	loaded, err := store.Load(article.ID())
	require.NoError(t, err)
	assert.Equal(t, "updated body", loaded.Content)
	assert.NotEmpty(t, loaded.FetchTime)
}

func TestArticleStoreExistsRequiresFile(t *testing.T) {
	t.Parallel()

	store := newArticleStore(t)
	url := "https://example.edu/info/1001/2.htm"
	assert.False(t, store.Exists(url))

	_, err := store.Save(context.Background(), domain.Article{URL: url, Title: "Lab opening"})
	require.NoError(t, err)
	assert.True(t, store.Exists(url))

	require.NoError(t, os.Remove(store.Path(domain.ArticleID(url, ""))))
	assert.False(t, store.Exists(url), "index entry without file must not count")

	_, ok := store.Get(url)
	assert.True(t, ok, "out-of-band removal leaves the index untouched")
}

func TestArticleStoreRejectsEmptyTitle(t *testing.T) {
	t.Parallel()

	store := newArticleStore(t)
	_, err := store.Save(context.Background(), domain.Article{URL: "https://example.edu/x"})
	assert.ErrorIs(t, err, ErrMissingTitle)
}

func TestArticleStoreWithoutURLIsNotIndexed(t *testing.T) {
	t.Parallel()

	store := newArticleStore(t)
	entry, err := store.Save(context.Background(), domain.Article{Title: "No link"})
	require.NoError(t, err)

	assert.Equal(t, domain.ArticleID("", "No link")+".json", entry.Filename)
	assert.FileExists(t, store.Path(entry.Filename))
	assert.Empty(t, store.List())
}

func TestArticleStoreListOrder(t *testing.T) {
	t.Parallel()

	store := newArticleStore(t)
	ctx := context.Background()
	articles := []domain.Article{
		{URL: "https://example.edu/a", Title: "A", PublishDate: "2024-03-01"},
		{URL: "https://example.edu/b", Title: "B", PublishTime: "2024年03月05日 10:20"},
		{URL: "https://example.edu/c", Title: "C", PublishDate: "2024/3/1"},
		{URL: "https://example.edu/d", Title: "D", PublishDate: "2024-03-03"},
	}
	for _, a := range articles {
		_, err := store.Save(ctx, a)
		require.NoError(t, err)
	}

	var titles []string
	for _, e := range store.List() {
		titles = append(titles, e.Title)
	}
	assert.Equal(t, []string{"B", "D", "A", "C"}, titles)
}

func TestPublishSortKey(t *testing.T) {
	t.Parallel()

	cases := []struct {
		entry domain.IndexEntry
		want  string
	}{
		{domain.IndexEntry{PublishTime: "2024年03月05日 10:20"}, "2024-03-05 10:20:00"},
		{domain.IndexEntry{PublishDate: "2024/3/1"}, "2024-03-01 00:00:00"},
		{domain.IndexEntry{PublishDate: "2024-03-03"}, "2024-03-03 00:00:00"},
		{domain.IndexEntry{PublishTime: "2024-03-05T08:00:00Z", PublishDate: "2024-01-01"}, "2024-03-05 08:00:00"},
		{domain.IndexEntry{PublishDate: "  soon  "}, "soon"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, publishSortKey(tc.entry))
	}
}

func TestArticleStoreDeleteMovesToTrash(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	store, err := NewArticleStore(filepath.Join(root, "articles"), "", nil)
	require.NoError(t, err)

	url := "https://example.edu/info/1001/3.htm"
	entry, err := store.Save(context.Background(), domain.Article{URL: url, Title: "Exam schedule"})
	require.NoError(t, err)

	require.NoError(t, store.Delete(entry.Filename))
	trashed, err := filepath.Glob(filepath.Join(root, ".trash", strings.TrimSuffix(entry.Filename, ".json")+".*.json"))
	require.NoError(t, err)
	assert.Len(t, trashed, 1)
	assert.NoFileExists(t, store.Path(entry.Filename))
	assert.False(t, store.Exists(url))
	assert.Empty(t, store.List())

	assert.ErrorIs(t, store.Delete(entry.Filename), ErrArticleNotFound)
}

func TestArticleStoreDeleteKeepsEveryTrashedVersion(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	store, err := NewArticleStore(filepath.Join(root, "articles"), "", nil)
	require.NoError(t, err)
	stamp := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return stamp }

	ctx := context.Background()
	article := domain.Article{URL: "https://example.edu/info/1001/4.htm", Title: "Dorm notice", Content: "version one"}
	for _, content := range []string{"version one", "version two"} {
		article.Content = content
		_, err := store.Save(ctx, article)
		require.NoError(t, err)
		require.NoError(t, store.Delete(article.ID()))
	}

	trashed, err := os.ReadDir(filepath.Join(root, ".trash"))
	require.NoError(t, err)
	require.Len(t, trashed, 2)

	var contents []string
	for _, e := range trashed {
		raw, err := os.ReadFile(filepath.Join(root, ".trash", e.Name()))
		require.NoError(t, err)
		contents = append(contents, string(raw))
	}
	assert.Contains(t, strings.Join(contents, "\n"), "version one")
	assert.Contains(t, strings.Join(contents, "\n"), "version two")
}

func TestArticleStoreProtectsIndexFile(t *testing.T) {
	t.Parallel()

	store := newArticleStore(t)
	url := "https://example.edu/info/1001/5.htm"
	_, err := store.Save(context.Background(), domain.Article{URL: url, Title: "Library hours"})
	require.NoError(t, err)

	assert.ErrorIs(t, store.Delete("index"), ErrArticleNotFound)
	assert.ErrorIs(t, store.Delete(articleIndexFile), ErrArticleNotFound)
	_, err = store.Load("index")
	assert.ErrorIs(t, err, ErrArticleNotFound)

	assert.True(t, store.Exists(url))
	assert.Len(t, store.List(), 1)
}

func TestArticleStoreIndexFailureKeepsFile(t *testing.T) {
	t.Parallel()

	store := newArticleStore(t)
	require.NoError(t, os.Mkdir(filepath.Join(store.Dir(), articleIndexFile), 0o755))

	article := domain.Article{URL: "https://example.edu/info/1001/6.htm", Title: "Sports day", Content: "body"}
	entry, err := store.Save(context.Background(), article)
	require.NoError(t, err, "index upsert failures are warnings")
	assert.Equal(t, article.ID()+".json", entry.Filename)

	loaded, err := store.Load(article.ID())
	require.NoError(t, err)
	assert.Equal(t, "Sports day", loaded.Title)
	assert.False(t, store.Exists(article.URL))
}

func TestArticleStoreCorruptIndexIsEmpty(t *testing.T) {
	t.Parallel()

	store := newArticleStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), articleIndexFile), []byte("{broken"), 0o644))

	assert.Empty(t, store.List())
	_, err := store.Save(context.Background(), domain.Article{URL: "https://example.edu/z", Title: "Z"})
	require.NoError(t, err)
	assert.Len(t, store.List(), 1)
}

func TestLoadMissingArticle(t *testing.T) {
	t.Parallel()

	store := newArticleStore(t)
	_, err := store.Load("deadbeef")
	assert.ErrorIs(t, err, ErrArticleNotFound)
}
