package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"NewsScanner/internal/ports"
)

// ErrInvalidCacheKey rejects keys that would escape the cache directory.
var ErrInvalidCacheKey = errors.New("invalid cache key")

type cacheEntry struct {
	CacheKey  string          `json:"cache_key"`
	CachedAt  string          `json:"cached_at"`
	ConfigMD5 string          `json:"config_md5"`
	Data      json.RawMessage `json:"data"`
}

// AnalysisCache stores scorer payloads under arbitrary keys, invalidated by fingerprint.
type AnalysisCache struct {
	dir    string
	fp     Fingerprinter
	logger *slog.Logger
	now    func() time.Time
}

var _ ports.AnalysisCache = (*AnalysisCache)(nil)

// NewAnalysisCache prepares the cache directory.
func NewAnalysisCache(dir string, fp Fingerprinter, logger *slog.Logger) (*AnalysisCache, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &AnalysisCache{dir: dir, fp: fp, logger: logger, now: time.Now}, nil
}

// Put writes data under key, stamped with the current fingerprint.
func (c *AnalysisCache) Put(key string, data any) error {
	path, err := c.path(key)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode cache data %s: %w", key, err)
	}
	entry := cacheEntry{
		CacheKey:  key,
		CachedAt:  c.now().Format(timestampLayout),
		ConfigMD5: c.fp.Fingerprint(),
		Data:      raw,
	}
	if err := writeJSON(path, entry); err != nil {
		c.logger.Error("write cache entry", "key", key, "error", err)
		return fmt.Errorf("cache %s: %w", key, err)
	}
	c.logger.Debug("cache entry written", "key", key)
	return nil
}

// Get returns the cached data; missing, unreadable and stale entries are misses.
func (c *AnalysisCache) Get(key string) (json.RawMessage, bool) {
	path, err := c.path(key)
	if err != nil {
		c.logger.Warn("rejected cache key", "key", key)
		return nil, false
	}

	var entry cacheEntry
	if err := readJSON(path, &entry); err != nil {
		if !isNotExist(err) {
			c.logger.Error("read cache entry", "key", key, "error", err)
		}
		return nil, false
	}
	if c.fp.IsChanged(entry.ConfigMD5) {
		c.logger.Warn("cache entry is stale", "key", key)
		return nil, false
	}
	return entry.Data, true
}

func (c *AnalysisCache) path(key string) (string, error) {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidCacheKey, key)
	}
	return filepath.Join(c.dir, key+".json"), nil
}
