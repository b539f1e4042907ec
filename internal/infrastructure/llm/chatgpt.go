package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"NewsScanner/internal/domain"
	"NewsScanner/internal/ports"
	"NewsScanner/internal/retry"
)

const (
	localDocumentType = "local"
	maxArticleRunes   = 12000
)

// Config defines how to contact an OpenAI-compatible chat completion API.
type Config struct {
	Endpoint     string
	Model        string
	APIKey       string
	SystemPrompt string
	Timeout      time.Duration
	RetryTimes   int
	RetryDelay   time.Duration
}

// Option customises a ChatScorer.
type Option func(*ChatScorer)

// WithSleeper replaces the wait between attempts.
func WithSleeper(s retry.Sleeper) Option {
	return func(c *ChatScorer) {
		c.sleep = s
	}
}

// WithLogger sets the scorer logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *ChatScorer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// ChatScorer implements ports.Scorer with one chat completion per article.
type ChatScorer struct {
	endpoint     string
	model        string
	apiKey       string
	systemPrompt string
	retryTimes   int
	retryDelay   time.Duration
	httpClient   *http.Client
	sleep        retry.Sleeper
	logger       *slog.Logger
}

var _ ports.Scorer = (*ChatScorer)(nil)

// NewChatScorer builds a scorer from configuration; zero retry settings mean one attempt.
func NewChatScorer(cfg Config, httpClient *http.Client, opts ...Option) *ChatScorer {
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if cfg.RetryTimes <= 0 {
		cfg.RetryTimes = 1
	}
	c := &ChatScorer{
		endpoint:     cfg.Endpoint,
		model:        cfg.Model,
		apiKey:       cfg.APIKey,
		systemPrompt: cfg.SystemPrompt,
		retryTimes:   cfg.RetryTimes,
		retryDelay:   cfg.RetryDelay,
		httpClient:   httpClient,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Upload only verifies the document is readable; the chat API receives it inline.
func (c *ChatScorer) Upload(ctx context.Context, path string) (domain.UploadedDocument, error) {
	if err := c.check(); err != nil {
		return domain.UploadedDocument{}, err
	}
	if err := ctx.Err(); err != nil {
		return domain.UploadedDocument{}, err
	}
	if _, err := os.Stat(path); err != nil {
		return domain.UploadedDocument{}, fmt.Errorf("stat article: %w", err)
	}
	return domain.UploadedDocument{ID: path, Type: localDocumentType}, nil
}

// Run asks the model for a JSON relevance verdict and returns it as outputs.text.
func (c *ChatScorer) Run(ctx context.Context, profile string, doc domain.UploadedDocument) (domain.ScorerResponse, error) {
	if err := c.check(); err != nil {
		return domain.ScorerResponse{}, err
	}

	article, err := os.ReadFile(doc.ID)
	if err != nil {
		return domain.ScorerResponse{}, fmt.Errorf("read article: %w", err)
	}

	body, err := json.Marshal(map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "system", "content": safePrompt(c.systemPrompt)},
			{"role": "user", "content": userMessage(profile, article)},
		},
		"response_format": map[string]string{"type": "json_object"},
	})
	if err != nil {
		return domain.ScorerResponse{}, fmt.Errorf("marshal chat payload: %w", err)
	}

	var resp domain.ScorerResponse
	policy := retry.Policy{Attempts: c.retryTimes, Delay: c.retryDelay, Sleep: c.sleep}
	notify := func(attempt int, err error, _ time.Duration) {
		c.logger.Warn("chat attempt failed", "attempt", attempt, "of", c.retryTimes, "error", err)
	}
	err = retry.Do(ctx, "chat", policy, notify, func(int) error {
		r, err := c.complete(ctx, body)
		if err != nil {
			if errors.Is(err, domain.ErrScorerUnauthorized) || errors.Is(err, domain.ErrScorerNotFound) || errors.Is(err, errRejected) {
				return retry.Permanent(err)
			}
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return domain.ScorerResponse{}, err
	}
	return resp, nil
}

// errRejected marks client errors that a resend cannot fix.
var errRejected = errors.New("chat request rejected")

// complete performs one chat completion call.
func (c *ChatScorer) complete(ctx context.Context, body []byte) (domain.ScorerResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.ScorerResponse{}, retry.Permanent(fmt.Errorf("new request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.ScorerResponse{}, fmt.Errorf("chat completion: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return domain.ScorerResponse{}, domain.ErrScorerUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return domain.ScorerResponse{}, fmt.Errorf("model %s: %w", c.model, domain.ErrScorerNotFound)
	case resp.StatusCode >= http.StatusInternalServerError,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout:
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return domain.ScorerResponse{}, fmt.Errorf("chat error %s: %s", resp.Status, strings.TrimSpace(string(payload)))
	case resp.StatusCode >= http.StatusBadRequest:
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return domain.ScorerResponse{}, fmt.Errorf("%w: %s: %s", errRejected, resp.Status, strings.TrimSpace(string(payload)))
	}

	var completion struct {
		ID      string `json:"id"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return domain.ScorerResponse{}, fmt.Errorf("decode chat response: %w", err)
	}
	if len(completion.Choices) == 0 {
		return domain.ScorerResponse{}, errors.New("chat response has no choices")
	}

	outputs, err := json.Marshal(map[string]string{"text": completion.Choices[0].Message.Content})
	if err != nil {
		return domain.ScorerResponse{}, retry.Permanent(fmt.Errorf("encode outputs: %w", err))
	}
	return domain.ScorerResponse{Outputs: outputs, RunID: completion.ID}, nil
}

func (c *ChatScorer) check() error {
	if c == nil {
		return fmt.Errorf("chat scorer is nil")
	}
	if c.apiKey == "" || c.endpoint == "" || c.model == "" {
		return fmt.Errorf("chat scorer misconfigured: %w", domain.ErrScorerNotConfigured)
	}
	return nil
}

func userMessage(profile string, article []byte) string {
	text := []rune(string(article))
	if len(text) > maxArticleRunes {
		text = text[:maxArticleRunes]
	}
	var b strings.Builder
	b.WriteString("用户资料:\n")
	b.WriteString(profile)
	b.WriteString("\n\n文章 JSON:\n")
	b.WriteString(string(text))
	return b.String()
}

func safePrompt(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "You rate how relevant a campus announcement is to a student profile. " +
			`Reply with a JSON object {"title","summary","relevance_score","relevance_reason"}; ` +
			"relevance_score is a number from 0 to 10."
	}
	return prompt
}
