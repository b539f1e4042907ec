package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"NewsScanner/internal/domain"
	"NewsScanner/internal/metrics"
	"NewsScanner/internal/ports"
)

// Error kinds reported by Analyze.
const (
	KindValidation     = "validation"
	KindConfiguration  = "configuration"
	KindAuthentication = "authentication"
	KindNotFound       = "not_found"
	KindDocumentType   = "document_type"
	KindUpload         = "upload"
	KindExhausted      = "exhausted"
	KindStorage        = "storage"
	KindScorer         = "scorer"
)

const pendingTitleLimit = 100

// AnalyzerDeps wires the scoring adapters into the analysis pipeline.
type AnalyzerDeps struct {
	Store           ports.AnalysisStore
	Cache           ports.AnalysisCache
	Scorer          ports.Scorer
	Mirror          ports.Mirror
	Notifier        ports.Notifier
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
	Enabled         bool
	NotifyThreshold float64
}

// AnalysisResult is the structured outcome of one Analyze call.
type AnalysisResult struct {
	Status        domain.AnalysisStatus  `json:"status"`
	Message       string                 `json:"message,omitempty"`
	ErrorKind     string                 `json:"error_kind,omitempty"`
	Errors        []string               `json:"errors,omitempty"`
	ReceivedKeys  []string               `json:"received_keys,omitempty"`
	Filename      string                 `json:"filename,omitempty"`
	Data          *domain.AnalysisOutput `json:"data,omitempty"`
	Warnings      []string               `json:"validation_warnings,omitempty"`
	WorkflowRunID string                 `json:"dify_response_id,omitempty"`
	RecordPath    string                 `json:"record_path,omitempty"`
	Pending       *PendingAnalysis       `json:"pending,omitempty"`
}

// PendingAnalysis is the prepared request returned while scoring is disabled.
type PendingAnalysis struct {
	InputMetadata        InputMetadata     `json:"input_metadata"`
	WorkflowInputs       WorkflowInputs    `json:"workflow_inputs"`
	ExpectedOutputSchema map[string]string `json:"expected_output_schema"`
}

// InputMetadata describes the prepared inputs.
type InputMetadata struct {
	UserProfileProvided bool   `json:"user_profile_provided"`
	NewsTitle           string `json:"news_title"`
	NewsContentLength   int    `json:"news_content_length"`
	NewsFilePath        string `json:"news_file_path"`
	ProcessedAt         string `json:"processed_at"`
}

// WorkflowInputs is what the scorer would receive.
type WorkflowInputs struct {
	UserProfile json.RawMessage `json:"user_profile"`
	News        PendingNews     `json:"news"`
}

// PendingNews is the article part of WorkflowInputs.
type PendingNews struct {
	Title    string `json:"title"`
	Content  string `json:"content"`
	FilePath string `json:"file_path"`
}

var expectedOutputSchema = map[string]string{
	"title":            "string (文章的标题)",
	"summary":          "string (文章内容的简明总结)",
	"relevance_score":  "number (0-10，10表示最相关)",
	"relevance_reason": "string (评分原因说明)",
}

// Analyzer scores one stored article against a user profile.
type Analyzer struct {
	store           ports.AnalysisStore
	cache           ports.AnalysisCache
	scorer          ports.Scorer
	mirror          ports.Mirror
	notifier        ports.Notifier
	metrics         *metrics.Metrics
	logger          *slog.Logger
	enabled         bool
	notifyThreshold float64
	now             func() time.Time
}

// NewAnalyzer constructs the analysis use case.
func NewAnalyzer(deps AnalyzerDeps) *Analyzer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Analyzer{
		store:           deps.Store,
		cache:           deps.Cache,
		scorer:          deps.Scorer,
		mirror:          deps.Mirror,
		notifier:        deps.Notifier,
		metrics:         deps.Metrics,
		logger:          logger.With("component", "analyze"),
		enabled:         deps.Enabled,
		notifyThreshold: deps.NotifyThreshold,
		now:             time.Now,
	}
}

// Analyze validates inputs, honours an existing current record, then calls the scorer.
// It never returns a Go error: failures are reported through Status and ErrorKind.
func (a *Analyzer) Analyze(ctx context.Context, profile []byte, articlePath string) AnalysisResult {
	result := a.analyze(ctx, profile, articlePath)
	a.metrics.Analysis(string(result.Status), result.ErrorKind)
	return result
}

func (a *Analyzer) analyze(ctx context.Context, profile []byte, articlePath string) AnalysisResult {
	filename := filepath.Base(articlePath)
	logger := a.logger.With("article", filename)

	article, failure := a.validate(profile, articlePath)
	if failure != nil {
		logger.Error("analysis input rejected", "message", failure.Message, "errors", failure.Errors)
		failure.Filename = filename
		return *failure
	}

	if a.store != nil && a.store.HasAnalysis(filename) {
		if record, ok := a.store.Load(filename); ok && record != nil {
			logger.Info("analysis skipped, current record exists")
			out := record.AnalysisOutput
			return AnalysisResult{
				Status:   domain.StatusSkipped,
				Message:  "article already analysed under the current configuration",
				Filename: filename,
				Data:     &out,
			}
		}
	}

	if !a.enabled || a.scorer == nil {
		logger.Info("scoring disabled, returning prepared request")
		return AnalysisResult{
			Status:   domain.StatusPending,
			Message:  "等待 Dify 工作流处理",
			Filename: filename,
			Pending:  a.pending(profile, article, articlePath),
		}
	}

	start := time.Now()
	doc, err := a.scorer.Upload(ctx, articlePath)
	if err != nil {
		a.metrics.ScorerCall(time.Since(start))
		return a.scorerFailure(logger, filename, "upload article", KindUpload, err)
	}
	resp, err := a.scorer.Run(ctx, string(profile), doc)
	a.metrics.ScorerCall(time.Since(start))
	if err != nil {
		return a.scorerFailure(logger, filename, "run workflow", KindScorer, err)
	}

	output, warnings := normalizeOutputs(resp.Outputs)
	for _, w := range warnings {
		logger.Warn("workflow output warning", "warning", w)
	}

	result := AnalysisResult{
		Status:        domain.StatusSuccess,
		Filename:      filename,
		Data:          &output,
		Warnings:      warnings,
		WorkflowRunID: resp.RunID,
	}

	if a.store != nil {
		path, err := a.store.Record(profile, article, output, articlePath)
		if err != nil {
			logger.Error("persist analysis failed", "error", err)
			result.Status = domain.StatusError
			result.ErrorKind = KindStorage
			result.Message = err.Error()
			return result
		}
		result.RecordPath = path
	}

	if a.cache != nil {
		if err := a.cache.Put(domain.CacheKey(article.Title), resp); err != nil {
			logger.Warn("cache scorer response failed", "error", err)
		}
	}

	a.mirrorRecord(ctx, logger, filename)
	a.notify(ctx, logger, article, output)

	logger.Info("analysis complete", "score", output.RelevanceScore, "run_id", resp.RunID)
	return result
}

// validate has no side effects; a non-nil result is the error to return.
func (a *Analyzer) validate(profile []byte, articlePath string) (domain.Article, *AnalysisResult) {
	var errs []string
	if len(bytes.TrimSpace(profile)) == 0 || !json.Valid(profile) {
		errs = append(errs, "user profile is not valid JSON")
	}

	raw, err := os.ReadFile(articlePath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		errs = append(errs, fmt.Sprintf("article file not found: %s", articlePath))
	case err != nil:
		errs = append(errs, fmt.Sprintf("read article file: %v", err))
	}
	if len(errs) > 0 {
		return domain.Article{}, &AnalysisResult{
			Status:    domain.StatusError,
			ErrorKind: KindValidation,
			Message:   "输入验证失败",
			Errors:    errs,
		}
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return domain.Article{}, &AnalysisResult{
			Status:    domain.StatusError,
			ErrorKind: KindValidation,
			Message:   "输入验证失败",
			Errors:    []string{fmt.Sprintf("article file is not a JSON object: %v", err)},
		}
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var article domain.Article
	if err := json.Unmarshal(raw, &article); err != nil {
		return domain.Article{}, &AnalysisResult{
			Status:       domain.StatusError,
			ErrorKind:    KindValidation,
			Message:      "输入验证失败",
			Errors:       []string{fmt.Sprintf("article file has mistyped fields: %v", err)},
			ReceivedKeys: keys,
		}
	}
	if strings.TrimSpace(article.Title) == "" || strings.TrimSpace(article.Content) == "" {
		return domain.Article{}, &AnalysisResult{
			Status:       domain.StatusError,
			ErrorKind:    KindValidation,
			Message:      "新闻文件缺少必需字段 (title, content)",
			ReceivedKeys: keys,
		}
	}
	return article, nil
}

func (a *Analyzer) pending(profile []byte, article domain.Article, articlePath string) *PendingAnalysis {
	title := article.Title
	if utf8.RuneCountInString(title) > pendingTitleLimit {
		title = string([]rune(title)[:pendingTitleLimit])
	}
	trimmed := bytes.TrimSpace(profile)
	provided := len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("{}")) && !bytes.Equal(trimmed, []byte("null"))

	return &PendingAnalysis{
		InputMetadata: InputMetadata{
			UserProfileProvided: provided,
			NewsTitle:           title,
			NewsContentLength:   utf8.RuneCountInString(article.Content),
			NewsFilePath:        articlePath,
			ProcessedAt:         a.now().Format(time.RFC3339Nano),
		},
		WorkflowInputs: WorkflowInputs{
			UserProfile: json.RawMessage(trimmed),
			News: PendingNews{
				Title:    article.Title,
				Content:  article.Content,
				FilePath: articlePath,
			},
		},
		ExpectedOutputSchema: expectedOutputSchema,
	}
}

func (a *Analyzer) scorerFailure(logger *slog.Logger, filename, step, fallback string, err error) AnalysisResult {
	kind := errorKind(err, fallback)
	logger.Error(step+" failed", "kind", kind, "error", err)
	return AnalysisResult{
		Status:    domain.StatusError,
		ErrorKind: kind,
		Message:   fmt.Sprintf("%s: %v", step, err),
		Filename:  filename,
	}
}

func (a *Analyzer) mirrorRecord(ctx context.Context, logger *slog.Logger, filename string) {
	if a.mirror == nil || a.store == nil {
		return
	}
	record, ok := a.store.Load(filename)
	if !ok || record == nil {
		return
	}
	if err := a.mirror.MirrorAnalysis(ctx, filename, *record); err != nil {
		logger.Warn("mirror analysis failed", "error", err)
		a.metrics.MirrorFailure()
	}
}

func (a *Analyzer) notify(ctx context.Context, logger *slog.Logger, article domain.Article, output domain.AnalysisOutput) {
	if a.notifier == nil || a.notifyThreshold <= 0 || output.RelevanceScore < a.notifyThreshold {
		return
	}
	if err := a.notifier.PublishDigest(ctx, buildDigestMessage(article, output)); err != nil {
		logger.Warn("notify failed", "error", err)
	}
}

// errorKind maps scorer failures onto the reported error kinds.
func errorKind(err error, fallback string) string {
	switch {
	case errors.Is(err, domain.ErrScorerUnauthorized):
		return KindAuthentication
	case errors.Is(err, domain.ErrScorerNotFound):
		return KindNotFound
	case errors.Is(err, domain.ErrScorerDocumentType):
		return KindDocumentType
	case errors.Is(err, domain.ErrScorerExhausted):
		return KindExhausted
	case errors.Is(err, domain.ErrScorerNotConfigured):
		return KindConfiguration
	case errors.Is(err, domain.ErrScorerUploadRejected):
		return KindUpload
	default:
		return fallback
	}
}

func buildDigestMessage(article domain.Article, output domain.AnalysisOutput) string {
	title := output.Title
	if title == "" {
		title = article.Title
	}
	return fmt.Sprintf("- %s\nScore: %.1f\n%s\n%s\n%s\n",
		title,
		output.RelevanceScore,
		output.Summary,
		output.RelevanceReason,
		article.URL)
}
