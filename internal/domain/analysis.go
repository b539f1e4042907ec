package domain

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
)

// AnalysisStatus enumerates analysis pipeline outcomes.
type AnalysisStatus string

const (
	StatusSuccess AnalysisStatus = "success"
	StatusSkipped AnalysisStatus = "skipped"
	StatusPending AnalysisStatus = "pending_analysis"
	StatusError   AnalysisStatus = "error"
)

// AnalysisOutput is the canonical shape of a relevance-scoring result.
type AnalysisOutput struct {
	Title           string  `json:"title"`
	Summary         string  `json:"summary"`
	RelevanceScore  float64 `json:"relevance_score"`
	RelevanceReason string  `json:"relevance_reason"`
}

// NewsInput summarizes the article that was scored.
type NewsInput struct {
	Title         string `json:"title"`
	ContentLength int    `json:"content_length"`
	Source        string `json:"source"`
	PublishDate   string `json:"publish_date"`
	FilePath      string `json:"file_path"`
}

// AnalysisRecord is the full document persisted per analysed article.
type AnalysisRecord struct {
	Timestamp      string          `json:"timestamp"`
	Status         string          `json:"status"`
	ConfigMD5      string          `json:"config_md5"`
	UserProfile    json.RawMessage `json:"user_profile"`
	NewsInput      NewsInput       `json:"news_input"`
	AnalysisOutput AnalysisOutput  `json:"analysis_output"`
}

// AnalysisIndexEntry is the lightweight summary stored in the analysis index.
type AnalysisIndexEntry struct {
	Filename       string   `json:"filename"`
	Timestamp      string   `json:"timestamp"`
	NewsTitle      string   `json:"news_title"`
	RelevanceScore *float64 `json:"relevance_score"`
	ConfigMD5      string   `json:"config_md5"`
}

// Validity is the diagnostic returned by an explicit record check.
type Validity struct {
	Filename        string `json:"filename"`
	Exists          bool   `json:"exists"`
	ConfigValid     bool   `json:"config_valid"`
	NeedsReanalysis bool   `json:"needs_reanalysis"`
	Details         string `json:"details"`
}

// OutdatedRecord flags a record produced under a different configuration.
type OutdatedRecord struct {
	Filename        string `json:"filename"`
	NeedsReanalysis bool   `json:"needs_reanalysis"`
	Reason          string `json:"reason"`
}

// ScoreDistribution buckets scores: high >= 8, medium >= 5, low < 5.
type ScoreDistribution struct {
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
}

// Statistics aggregates the analysis index.
type Statistics struct {
	TotalAnalyses         int               `json:"total_analyses"`
	AverageRelevanceScore float64           `json:"average_relevance_score"`
	ScoreDistribution     ScoreDistribution `json:"score_distribution"`
}

// UploadedDocument is the scorer's handle to an uploaded article file.
type UploadedDocument struct {
	ID   string
	Type string
}

// ScorerResponse carries the raw workflow outputs before normalization.
type ScorerResponse struct {
	Outputs json.RawMessage `json:"outputs"`
	RunID   string          `json:"workflow_run_id"`
}

// CacheKey is the md5 hex digest used to key cached scorer payloads.
func CacheKey(text string) string {
	sum := md5.Sum([]byte(text))
	return hex.EncodeToString(sum[:])
}
