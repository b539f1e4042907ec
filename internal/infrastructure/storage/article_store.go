package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/araddon/dateparse"

	"NewsScanner/internal/domain"
	"NewsScanner/internal/ports"
)

const (
	articleIndexFile = "index.json"
	trashStampLayout = "20060102T150405.000000000"
)

var (
	// ErrArticleNotFound is returned when the article document does not exist.
	ErrArticleNotFound = errors.New("article not found")
	// ErrMissingTitle rejects articles that cannot be identified or displayed.
	ErrMissingTitle = errors.New("article title is empty")
)

// ArticleStore keeps one JSON document per article plus a URL index.
type ArticleStore struct {
	dir      string
	trashDir string
	logger   *slog.Logger
	now      func() time.Time

	mu sync.Mutex
}

var _ ports.ArticleStore = (*ArticleStore)(nil)

// NewArticleStore prepares dir; trashDir defaults to a ".trash" sibling of dir.
func NewArticleStore(dir, trashDir string, logger *slog.Logger) (*ArticleStore, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if trashDir == "" {
		trashDir = filepath.Join(filepath.Dir(filepath.Clean(dir)), ".trash")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create articles dir: %w", err)
	}
	return &ArticleStore{
		dir:      dir,
		trashDir: trashDir,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Dir returns the articles directory.
func (s *ArticleStore) Dir() string {
	return s.dir
}

// Path returns the document path for an article identifier.
func (s *ArticleStore) Path(id string) string {
	return filepath.Join(s.dir, documentName(id))
}

// Save writes the article under its derived identifier, then upserts its index entry.
// A failed index upsert is logged: the written file stays the source of truth.
func (s *ArticleStore) Save(ctx context.Context, article domain.Article) (domain.IndexEntry, error) {
	if err := ctx.Err(); err != nil {
		return domain.IndexEntry{}, err
	}
	if strings.TrimSpace(article.Title) == "" {
		return domain.IndexEntry{}, ErrMissingTitle
	}
	if article.FetchTime == "" {
		article.FetchTime = s.now().Format(timestampLayout)
	}

	id := article.ID()
	if err := writeJSON(s.Path(id), article); err != nil {
		s.logger.Error("save article", "id", id, "error", err)
		return domain.IndexEntry{}, fmt.Errorf("save article %s: %w", id, err)
	}

	entry := article.IndexEntry()
	if article.URL == "" {
		return entry, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	index := s.loadIndex()
	if existing, ok := index[article.URL]; ok && existing.Seq > 0 {
		entry.Seq = existing.Seq
	} else {
		entry.Seq = nextSeq(index)
	}
	index[article.URL] = entry
	if err := s.saveIndex(index); err != nil {
		s.logger.Warn("article saved but index is out of sync", "id", id, "url", article.URL, "error", err)
	}
	return entry, nil
}

// Exists reports whether url is indexed and its document is present on disk.
func (s *ArticleStore) Exists(url string) bool {
	s.mu.Lock()
	entry, ok := s.loadIndex()[url]
	s.mu.Unlock()

	if !ok || entry.Filename == "" {
		return false
	}
	return fileExists(filepath.Join(s.dir, entry.Filename))
}

// Get returns the index entry for url.
func (s *ArticleStore) Get(url string) (domain.IndexEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.loadIndex()[url]
	return entry, ok
}

// Load reads the article document by identifier or filename.
func (s *ArticleStore) Load(id string) (domain.Article, error) {
	if documentName(id) == articleIndexFile {
		return domain.Article{}, ErrArticleNotFound
	}
	var article domain.Article
	if err := readJSON(s.Path(id), &article); err != nil {
		if isNotExist(err) {
			return domain.Article{}, ErrArticleNotFound
		}
		return domain.Article{}, fmt.Errorf("load article %s: %w", id, err)
	}
	return article, nil
}

// List returns index entries by publish time, newest first; equal times keep insertion order.
func (s *ArticleStore) List() []domain.IndexEntry {
	s.mu.Lock()
	index := s.loadIndex()
	s.mu.Unlock()

	entries := make([]domain.IndexEntry, 0, len(index))
	for _, entry := range index {
		entries = append(entries, entry)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		ki, kj := publishSortKey(entries[i]), publishSortKey(entries[j])
		if ki != kj {
			return ki > kj
		}
		return entries[i].Seq < entries[j].Seq
	})
	return entries
}

// Delete moves the article document into the trash directory and drops its index entries.
// Trashed copies are stamped with the deletion time so repeated deletes never overwrite each other.
func (s *ArticleStore) Delete(id string) error {
	name := documentName(id)
	src := filepath.Join(s.dir, name)
	if name == articleIndexFile || !fileExists(src) {
		return ErrArticleNotFound
	}

	if err := os.MkdirAll(s.trashDir, 0o755); err != nil {
		return fmt.Errorf("create trash dir: %w", err)
	}
	dst := s.trashPath(name)
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("move %s to trash: %w", name, err)
	}
	s.logger.Info("article moved to trash", "file", name, "trash", dst)

	s.mu.Lock()
	defer s.mu.Unlock()

	index := s.loadIndex()
	removed := 0
	for url, entry := range index {
		if entry.Filename == name {
			delete(index, url)
			removed++
		}
	}
	if removed == 0 {
		return nil
	}
	if err := s.saveIndex(index); err != nil {
		s.logger.Warn("article trashed but index still references it", "file", name, "error", err)
	}
	return nil
}

// trashPath returns an unused "<id>.<stamp>.json" path in the trash directory.
func (s *ArticleStore) trashPath(name string) string {
	base := strings.TrimSuffix(name, ".json") + "." + s.now().Format(trashStampLayout)
	dst := filepath.Join(s.trashDir, base+".json")
	for n := 1; pathExists(dst); n++ {
		dst = filepath.Join(s.trashDir, fmt.Sprintf("%s-%d.json", base, n))
	}
	return dst
}

func (s *ArticleStore) indexPath() string {
	return filepath.Join(s.dir, articleIndexFile)
}

// loadIndex treats a missing or unreadable index as empty.
func (s *ArticleStore) loadIndex() map[string]domain.IndexEntry {
	index := map[string]domain.IndexEntry{}
	if err := readJSON(s.indexPath(), &index); err != nil {
		if !isNotExist(err) {
			s.logger.Warn("load article index", "error", err)
		}
		return map[string]domain.IndexEntry{}
	}
	if index == nil {
		index = map[string]domain.IndexEntry{}
	}
	return index
}

func (s *ArticleStore) saveIndex(index map[string]domain.IndexEntry) error {
	return writeJSON(s.indexPath(), index)
}

func nextSeq(index map[string]domain.IndexEntry) int64 {
	var maxSeq int64
	for _, entry := range index {
		if entry.Seq > maxSeq {
			maxSeq = entry.Seq
		}
	}
	return maxSeq + 1
}

func documentName(id string) string {
	name := filepath.Base(id)
	if strings.HasSuffix(name, ".json") {
		return name
	}
	return name + ".json"
}

var publishReplacer = strings.NewReplacer("年", "-", "月", "-", "日", " ", "/", "-")

// publishSortKey normalises "2024年03月05日 10:20", "2024/3/5" and ISO forms to a sortable string.
// Unparseable values sort by their raw text.
func publishSortKey(entry domain.IndexEntry) string {
	raw := strings.TrimSpace(entry.PublishTime)
	if raw == "" {
		raw = strings.TrimSpace(entry.PublishDate)
	}
	normalized := strings.Join(strings.Fields(publishReplacer.Replace(raw)), " ")
	t, err := dateparse.ParseIn(normalized, time.UTC)
	if err != nil {
		return normalized
	}
	return t.Format("2006-01-02 15:04:05")
}
