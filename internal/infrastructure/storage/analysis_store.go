package storage

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/spf13/cast"

	"NewsScanner/internal/domain"
	"NewsScanner/internal/fingerprint"
	"NewsScanner/internal/ports"
)

const (
	analysisIndexFile    = "analysis_index.json"
	analysisIndexVersion = "1.0.0"
	timestampLayout      = "2006-01-02T15:04:05.000000"
	recordStatus         = "recorded"
)

// Fingerprinter supplies the current configuration digest.
type Fingerprinter interface {
	Fingerprint() string
	IsChanged(stored string) bool
}

type analysisIndex struct {
	Version       string                               `json:"version"`
	CreatedAt     string                               `json:"created_at"`
	LastUpdated   string                               `json:"last_updated"`
	TotalAnalyses int                                  `json:"total_analyses"`
	ConfigMD5     string                               `json:"config_md5"`
	Analyses      map[string]domain.AnalysisIndexEntry `json:"analyses"`
}

// storedIndex is the on-disk shape; analyses may be a legacy list.
type storedIndex struct {
	Version       string          `json:"version"`
	CreatedAt     string          `json:"created_at"`
	LastUpdated   string          `json:"last_updated"`
	TotalAnalyses int             `json:"total_analyses"`
	ConfigMD5     string          `json:"config_md5"`
	Analyses      json.RawMessage `json:"analyses"`
}

type looseIndexEntry struct {
	Filename       string `json:"filename"`
	Timestamp      string `json:"timestamp"`
	NewsTitle      string `json:"news_title"`
	RelevanceScore any    `json:"relevance_score"`
	ConfigMD5      string `json:"config_md5"`
}

// AnalysisStore records scoring outcomes, one document per article filename.
type AnalysisStore struct {
	dir    string
	fp     Fingerprinter
	logger *slog.Logger
	now    func() time.Time
	// writeIndex persists the analysis index.
	writeIndex func(path string, v any) error

	mu       sync.Mutex
	repairMu sync.Mutex
}

var _ ports.AnalysisStore = (*AnalysisStore)(nil)

// NewAnalysisStore prepares dir and its index, migrating legacy list-shaped indexes.
func NewAnalysisStore(dir string, fp Fingerprinter, logger *slog.Logger) (*AnalysisStore, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create analysis records dir: %w", err)
	}
	s := &AnalysisStore{dir: dir, fp: fp, logger: logger, now: time.Now, writeIndex: writeJSON}

	if !fileExists(s.indexPath()) {
		stamp := s.now().Format(timestampLayout)
		index := analysisIndex{
			Version:     analysisIndexVersion,
			CreatedAt:   stamp,
			LastUpdated: stamp,
			ConfigMD5:   fp.Fingerprint(),
			Analyses:    map[string]domain.AnalysisIndexEntry{},
		}
		if err := s.writeIndex(s.indexPath(), index); err != nil {
			return nil, fmt.Errorf("create analysis index: %w", err)
		}
		logger.Info("analysis index created", "path", s.indexPath())
		return s, nil
	}

	if _, err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the records directory.
func (s *AnalysisStore) Dir() string {
	return s.dir
}

// Record writes the analysis document for the article and updates the index.
// Concurrent calls for the same filename are last-writer-wins.
func (s *AnalysisStore) Record(profile []byte, article domain.Article, output domain.AnalysisOutput, sourcePath string) (string, error) {
	now := s.now()
	filename := recordFilename(sourcePath, article.Title, now)
	path := filepath.Join(s.dir, filename)

	source := article.URL
	record := domain.AnalysisRecord{
		Timestamp:   now.Format(timestampLayout),
		Status:      recordStatus,
		ConfigMD5:   s.fp.Fingerprint(),
		UserProfile: profileJSON(profile),
		NewsInput: domain.NewsInput{
			Title:         article.Title,
			ContentLength: utf8.RuneCountInString(article.Content),
			Source:        source,
			PublishDate:   article.PublishDate,
			FilePath:      sourcePath,
		},
		AnalysisOutput: output,
	}

	if err := writeJSON(path, record); err != nil {
		s.logger.Error("write analysis record", "file", filename, "error", err)
		return "", fmt.Errorf("record analysis %s: %w", filename, err)
	}

	if err := s.updateIndex(filename, record); err != nil {
		s.logger.Warn("analysis recorded but index update failed", "file", filename, "error", err)
	}

	s.logger.Info("analysis recorded", "path", path)
	return path, nil
}

// HasAnalysis is true only when the index entry and the record file both exist.
func (s *AnalysisStore) HasAnalysis(filename string) bool {
	filename = normalizeRecordName(filename)

	index, err := s.loadIndex()
	if err != nil {
		s.logger.Error("check analysis state", "file", filename, "error", err)
		return false
	}
	_, hasIndex := index.Analyses[filename]
	hasFile := fileExists(filepath.Join(s.dir, filename))

	switch {
	case hasIndex && hasFile:
		s.logger.Info("article already analysed", "file", filename)
		return true
	case hasIndex:
		s.logger.Warn("index entry without record file, needs reanalysis", "file", filename)
	case hasFile:
		s.logger.Warn("record file without index entry, index out of sync", "file", filename)
	default:
		s.logger.Debug("article not analysed", "file", filename)
	}
	return false
}

// GetRecord returns the index entry without checking fingerprint validity.
func (s *AnalysisStore) GetRecord(filename string) (domain.AnalysisIndexEntry, bool) {
	filename = normalizeRecordName(filename)
	index, err := s.loadIndex()
	if err != nil {
		s.logger.Error("get analysis record", "file", filename, "error", err)
		return domain.AnalysisIndexEntry{}, false
	}
	entry, ok := index.Analyses[filename]
	if !ok {
		s.logger.Warn("analysis not in index", "file", filename)
	}
	return entry, ok
}

// Load reads the full record; missing or stale records are reported as absent.
func (s *AnalysisStore) Load(filename string) (*domain.AnalysisRecord, bool) {
	filename = normalizeRecordName(filename)

	var record domain.AnalysisRecord
	if err := readJSON(filepath.Join(s.dir, filename), &record); err != nil {
		if isNotExist(err) {
			s.logger.Warn("analysis record not found", "file", filename)
		} else {
			s.logger.Error("load analysis record", "file", filename, "error", err)
		}
		return nil, false
	}

	if s.fp.IsChanged(record.ConfigMD5) {
		s.logger.Warn("analysis record is stale, reanalysis suggested", "file", filename)
		return nil, false
	}
	return &record, true
}

// CheckValidity reports existence and fingerprint agreement for one record.
func (s *AnalysisStore) CheckValidity(filename string) domain.Validity {
	filename = normalizeRecordName(filename)
	result := domain.Validity{Filename: filename}

	var record struct {
		ConfigMD5 string `json:"config_md5"`
	}
	if err := readJSON(filepath.Join(s.dir, filename), &record); err != nil {
		result.NeedsReanalysis = true
		if isNotExist(err) {
			result.Details = "analysis record file does not exist"
			return result
		}
		result.Exists = true
		result.Details = fmt.Sprintf("check failed: %v", err)
		s.logger.Error("check analysis validity", "file", filename, "error", err)
		return result
	}

	result.Exists = true
	if s.fp.IsChanged(record.ConfigMD5) {
		result.NeedsReanalysis = true
		result.Details = fmt.Sprintf("config changed (stored md5 %s...)", fingerprint.Prefix(record.ConfigMD5))
		return result
	}
	result.ConfigValid = true
	result.Details = "analysis is valid"
	return result
}

// FindOutdated lists records whose non-empty stored fingerprint differs from the current one.
func (s *AnalysisStore) FindOutdated() []domain.OutdatedRecord {
	index, err := s.loadIndex()
	if err != nil {
		s.logger.Error("find outdated analyses", "error", err)
		return nil
	}
	current := s.fp.Fingerprint()

	var outdated []domain.OutdatedRecord
	for _, entry := range sortedEntries(index) {
		if entry.ConfigMD5 == "" || entry.ConfigMD5 == current {
			continue
		}
		outdated = append(outdated, domain.OutdatedRecord{
			Filename:        entry.Filename,
			NeedsReanalysis: true,
			Reason: fmt.Sprintf("config changed (stored md5 %s..., current %s...)",
				fingerprint.Prefix(entry.ConfigMD5), fingerprint.Prefix(current)),
		})
	}
	if len(outdated) > 0 {
		s.logger.Warn("outdated analyses found", "count", len(outdated))
	}
	return outdated
}

// Statistics aggregates the index, ignoring entries without a score.
func (s *AnalysisStore) Statistics() domain.Statistics {
	index, err := s.loadIndex()
	if err != nil {
		s.logger.Error("analysis statistics", "error", err)
		return domain.Statistics{}
	}

	stats := domain.Statistics{TotalAnalyses: len(index.Analyses)}
	var sum float64
	var scored int
	for _, entry := range index.Analyses {
		if entry.RelevanceScore == nil {
			continue
		}
		score := *entry.RelevanceScore
		sum += score
		scored++
		switch {
		case score >= 8:
			stats.ScoreDistribution.High++
		case score >= 5:
			stats.ScoreDistribution.Medium++
		default:
			stats.ScoreDistribution.Low++
		}
	}
	if scored > 0 {
		stats.AverageRelevanceScore = sum / float64(scored)
	}
	return stats
}

// History returns the newest index entries first.
func (s *AnalysisStore) History(limit int) []domain.AnalysisIndexEntry {
	index, err := s.loadIndex()
	if err != nil {
		s.logger.Error("analysis history", "error", err)
		return nil
	}
	entries := sortedEntries(index)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp > entries[j].Timestamp
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

// ExportCSV flattens the index to timestamp,news_title,relevance_score,filename rows.
func (s *AnalysisStore) ExportCSV(path string) (string, error) {
	if path == "" {
		path = filepath.Join(s.dir, fmt.Sprintf("analysis_export_%s.csv", s.now().Format("20060102_150405")))
	}

	index, err := s.loadIndex()
	if err != nil {
		return "", fmt.Errorf("export analyses: %w", err)
	}
	entries := sortedEntries(index)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp < entries[j].Timestamp
	})

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	rows := [][]string{{"timestamp", "news_title", "relevance_score", "filename"}}
	for _, entry := range entries {
		score := ""
		if entry.RelevanceScore != nil {
			score = strconv.FormatFloat(*entry.RelevanceScore, 'f', -1, 64)
		}
		rows = append(rows, []string{entry.Timestamp, entry.NewsTitle, score, entry.Filename})
	}
	if err := w.WriteAll(rows); err != nil {
		return "", fmt.Errorf("encode csv: %w", err)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		s.logger.Error("export analyses", "path", path, "error", err)
		return "", fmt.Errorf("write csv %s: %w", path, err)
	}
	s.logger.Info("analyses exported", "path", path, "rows", len(entries))
	return path, nil
}

func (s *AnalysisStore) indexPath() string {
	return filepath.Join(s.dir, analysisIndexFile)
}

func (s *AnalysisStore) updateIndex(filename string, record domain.AnalysisRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return err
	}
	score := record.AnalysisOutput.RelevanceScore
	index.Analyses[filename] = domain.AnalysisIndexEntry{
		Filename:       filename,
		Timestamp:      record.Timestamp,
		NewsTitle:      record.NewsInput.Title,
		RelevanceScore: &score,
		ConfigMD5:      record.ConfigMD5,
	}
	index.TotalAnalyses = len(index.Analyses)
	index.LastUpdated = s.now().Format(timestampLayout)
	index.ConfigMD5 = record.ConfigMD5
	return s.writeIndex(s.indexPath(), index)
}

// loadIndex returns the index, rebuilding it from the record files when it is missing or corrupt.
func (s *AnalysisStore) loadIndex() (analysisIndex, error) {
	index, err := s.decodeIndex()
	if err == nil {
		return index, nil
	}
	return s.repairIndex(err)
}

// repairIndex moves an undecodable index aside and rebuilds it from the record documents.
func (s *AnalysisStore) repairIndex(cause error) (analysisIndex, error) {
	s.repairMu.Lock()
	defer s.repairMu.Unlock()

	if index, err := s.decodeIndex(); err == nil {
		return index, nil
	}

	if pathExists(s.indexPath()) {
		aside := fmt.Sprintf("%s.%s.corrupt", s.indexPath(), s.now().Format("20060102T150405"))
		if err := os.Rename(s.indexPath(), aside); err != nil {
			return analysisIndex{}, fmt.Errorf("move corrupt analysis index aside: %w (%v)", err, cause)
		}
		s.logger.Warn("analysis index unreadable, rebuilding from records", "moved_to", aside, "error", cause)
	} else {
		s.logger.Warn("analysis index missing, rebuilding from records")
	}

	stamp := s.now().Format(timestampLayout)
	index := analysisIndex{
		Version:     analysisIndexVersion,
		CreatedAt:   stamp,
		LastUpdated: stamp,
		ConfigMD5:   s.fp.Fingerprint(),
		Analyses:    map[string]domain.AnalysisIndexEntry{},
	}
	files, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return analysisIndex{}, fmt.Errorf("list analysis records: %w", err)
	}
	for _, path := range files {
		name := filepath.Base(path)
		if name == analysisIndexFile {
			continue
		}
		var record domain.AnalysisRecord
		if err := readJSON(path, &record); err != nil || record.Timestamp == "" {
			s.logger.Warn("skip unreadable analysis record", "file", name, "error", err)
			continue
		}
		score := record.AnalysisOutput.RelevanceScore
		index.Analyses[name] = domain.AnalysisIndexEntry{
			Filename:       name,
			Timestamp:      record.Timestamp,
			NewsTitle:      record.NewsInput.Title,
			RelevanceScore: &score,
			ConfigMD5:      record.ConfigMD5,
		}
	}
	index.TotalAnalyses = len(index.Analyses)

	if err := s.writeIndex(s.indexPath(), index); err != nil {
		return analysisIndex{}, fmt.Errorf("write rebuilt analysis index: %w", err)
	}
	s.logger.Info("analysis index rebuilt", "entries", index.TotalAnalyses)
	return index, nil
}

// decodeIndex reads the index, converting a legacy analyses list into the map form once.
func (s *AnalysisStore) decodeIndex() (analysisIndex, error) {
	var stored storedIndex
	if err := readJSON(s.indexPath(), &stored); err != nil {
		return analysisIndex{}, fmt.Errorf("load analysis index: %w", err)
	}

	index := analysisIndex{
		Version:       stored.Version,
		CreatedAt:     stored.CreatedAt,
		LastUpdated:   stored.LastUpdated,
		TotalAnalyses: stored.TotalAnalyses,
		ConfigMD5:     stored.ConfigMD5,
		Analyses:      map[string]domain.AnalysisIndexEntry{},
	}

	raw := bytes.TrimSpace(stored.Analyses)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return index, nil
	}

	if raw[0] == '[' {
		var legacy []looseIndexEntry
		if err := json.Unmarshal(raw, &legacy); err != nil {
			return analysisIndex{}, fmt.Errorf("decode legacy analysis index: %w", err)
		}
		for _, entry := range legacy {
			if entry.Filename == "" {
				continue
			}
			index.Analyses[entry.Filename] = entry.normalize(entry.Filename)
		}
		index.Version = analysisIndexVersion
		index.TotalAnalyses = len(index.Analyses)
		if err := s.writeIndex(s.indexPath(), index); err != nil {
			s.logger.Warn("persist migrated analysis index", "error", err)
		} else {
			s.logger.Info("analysis index migrated to map form", "entries", len(index.Analyses))
		}
		return index, nil
	}

	var entries map[string]looseIndexEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return analysisIndex{}, fmt.Errorf("decode analysis index: %w", err)
	}
	for key, entry := range entries {
		index.Analyses[key] = entry.normalize(key)
	}
	return index, nil
}

func (e looseIndexEntry) normalize(key string) domain.AnalysisIndexEntry {
	entry := domain.AnalysisIndexEntry{
		Filename:  e.Filename,
		Timestamp: e.Timestamp,
		NewsTitle: e.NewsTitle,
		ConfigMD5: e.ConfigMD5,
	}
	if entry.Filename == "" {
		entry.Filename = key
	}
	if e.RelevanceScore != nil {
		if score, err := cast.ToFloat64E(e.RelevanceScore); err == nil {
			entry.RelevanceScore = &score
		}
	}
	return entry
}

func sortedEntries(index analysisIndex) []domain.AnalysisIndexEntry {
	entries := make([]domain.AnalysisIndexEntry, 0, len(index.Analyses))
	for _, entry := range index.Analyses {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Filename < entries[j].Filename
	})
	return entries
}

// recordFilename uses the source basename with a .json extension, or timestamp + sanitized title.
func recordFilename(sourcePath, title string, now time.Time) string {
	if sourcePath != "" {
		return normalizeRecordName(sourcePath)
	}
	if strings.TrimSpace(title) == "" {
		title = "untitled"
	}
	var b strings.Builder
	for i, r := range []rune(title) {
		if i >= 30 {
			break
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return fmt.Sprintf("%s_%s.json", now.Format("20060102_150405"), b.String())
}

func normalizeRecordName(name string) string {
	name = filepath.Base(name)
	if strings.HasSuffix(name, ".json") {
		return name
	}
	return strings.TrimSuffix(name, filepath.Ext(name)) + ".json"
}

func profileJSON(profile []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(profile)
	if len(trimmed) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	quoted, _ := json.Marshal(string(trimmed))
	return quoted
}
