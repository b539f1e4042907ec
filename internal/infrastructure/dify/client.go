// Package dify talks to a Dify workflow that scores articles against a user profile.
package dify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"NewsScanner/internal/domain"
	"NewsScanner/internal/ports"
	"NewsScanner/internal/retry"
)

const (
	defaultUser    = "student_analyzer"
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 2048
)

var (
	// ErrNotConfigured is returned when no API key is set.
	ErrNotConfigured = fmt.Errorf("dify api key is not configured: %w", domain.ErrScorerNotConfigured)
	// ErrAuthentication means the API key is invalid or expired.
	ErrAuthentication = fmt.Errorf("dify api key is invalid or expired: %w", domain.ErrScorerUnauthorized)
	// ErrWorkflowNotFound means the workflow behind the key does not exist or is not accessible.
	ErrWorkflowNotFound = fmt.Errorf("dify workflow not found: %w", domain.ErrScorerNotFound)
	// ErrDocumentTypeRejected means every document type variant was refused.
	ErrDocumentTypeRejected = fmt.Errorf("dify rejected every document type: %w", domain.ErrScorerDocumentType)
	// ErrTimeout marks a request that hit the per-call timeout.
	ErrTimeout = errors.New("dify request timed out")
	// ErrMissingOutputs marks a 200 response without data.outputs.
	ErrMissingOutputs = errors.New("dify response has no outputs")
)

// StatusError carries an unexpected HTTP status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("dify returned HTTP %d: %s", e.Code, e.Body)
}

// Config holds the workflow endpoint and retry policy.
type Config struct {
	Endpoint   string
	APIKey     string
	User       string
	Timeout    time.Duration
	RetryTimes int
	RetryDelay time.Duration
}

// Sleeper waits between attempts; it must return early when ctx is done.
type Sleeper = retry.Sleeper

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithSleeper replaces the inter-attempt wait.
func WithSleeper(s Sleeper) Option {
	return func(c *Client) {
		if s != nil {
			c.sleep = s
		}
	}
}

// Client implements ports.Scorer against the Dify HTTP API.
type Client struct {
	cfg    Config
	http   *http.Client
	sleep  Sleeper
	logger *slog.Logger
}

var _ ports.Scorer = (*Client)(nil)

// NewClient builds a client; zero retry settings fall back to one attempt without delay.
func NewClient(cfg Config, logger *slog.Logger, opts ...Option) *Client {
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	if cfg.User == "" {
		cfg.User = defaultUser
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RetryTimes <= 0 {
		cfg.RetryTimes = 1
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Transport: &http.Transport{Proxy: nil}},
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured reports whether the client has credentials.
func (c *Client) Configured() bool {
	return c.cfg.APIKey != "" && c.cfg.Endpoint != ""
}

// Upload sends the article document and maps its MIME type to a Dify document type.
func (c *Client) Upload(ctx context.Context, path string) (domain.UploadedDocument, error) {
	if !c.Configured() {
		return domain.UploadedDocument{}, ErrNotConfigured
	}

	body, contentType, mimeType, err := multipartFile(path, c.cfg.User)
	if err != nil {
		return domain.UploadedDocument{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint+"/files/upload", body)
	if err != nil {
		return domain.UploadedDocument{}, fmt.Errorf("new upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", contentType)

	c.logger.Info("uploading document", "file", filepath.Base(path), "mime", mimeType)

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.UploadedDocument{}, classifyTransport(err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
	case http.StatusUnauthorized:
		return domain.UploadedDocument{}, ErrAuthentication
	default:
		err := &StatusError{Code: resp.StatusCode, Body: truncate(string(raw))}
		return domain.UploadedDocument{}, fmt.Errorf("%w: %w", domain.ErrScorerUploadRejected, err)
	}

	var payload struct {
		ID       string `json:"id"`
		FileID   string `json:"file_id"`
		MimeType string `json:"mime_type"`
		Type     string `json:"type"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.UploadedDocument{}, fmt.Errorf("decode upload response: %w", err)
	}

	id := payload.ID
	if id == "" {
		id = payload.FileID
	}
	if id == "" {
		return domain.UploadedDocument{}, fmt.Errorf("upload response without file id: %s", truncate(string(raw)))
	}

	detected := payload.MimeType
	if detected == "" {
		detected = payload.Type
	}
	if detected == "" {
		detected = "application/json"
	}

	doc := domain.UploadedDocument{ID: id, Type: documentType(detected)}
	c.logger.Info("document uploaded", "file_id", id, "mime", detected, "type", doc.Type)
	return doc, nil
}

// Run invokes the workflow in blocking mode, retrying per the configured policy.
func (c *Client) Run(ctx context.Context, profile string, doc domain.UploadedDocument) (domain.ScorerResponse, error) {
	if !c.Configured() {
		return domain.ScorerResponse{}, ErrNotConfigured
	}
	return c.runWithRetry(ctx, profile, doc)
}

type workflowRequest struct {
	User         string         `json:"user"`
	Inputs       workflowInputs `json:"inputs"`
	ResponseMode string         `json:"response_mode"`
}

type workflowInputs struct {
	Prompt   string      `json:"userinput_prompt"`
	Document documentRef `json:"userinput_doc"`
}

type documentRef struct {
	TransferMethod string `json:"transfer_method"`
	UploadFileID   string `json:"upload_file_id"`
	Type           string `json:"type"`
}

type workflowResponse struct {
	WorkflowRunID string `json:"workflow_run_id"`
	Data          *struct {
		ID            string          `json:"id"`
		WorkflowRunID string          `json:"workflow_run_id"`
		Status        string          `json:"status"`
		Outputs       json.RawMessage `json:"outputs"`
	} `json:"data"`
}

// post sends one workflow request with the given document type.
func (c *Client) post(ctx context.Context, profile string, doc domain.UploadedDocument, docType string) (int, []byte, error) {
	payload, err := json.Marshal(workflowRequest{
		User: c.cfg.User,
		Inputs: workflowInputs{
			Prompt: profile,
			Document: documentRef{
				TransferMethod: "local_file",
				UploadFileID:   doc.ID,
				Type:           docType,
			},
		},
		ResponseMode: "blocking",
	})
	if err != nil {
		return 0, nil, fmt.Errorf("marshal workflow request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint+"/workflows/run", bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("new workflow request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, nil, classifyTransport(err)
	}
	return resp.StatusCode, raw, nil
}

func decodeOutputs(raw []byte) (domain.ScorerResponse, error) {
	var parsed workflowResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return domain.ScorerResponse{}, fmt.Errorf("decode workflow response: %w", err)
	}
	if parsed.Data == nil || len(parsed.Data.Outputs) == 0 || string(parsed.Data.Outputs) == "null" {
		return domain.ScorerResponse{}, ErrMissingOutputs
	}

	runID := parsed.Data.WorkflowRunID
	if runID == "" {
		runID = parsed.WorkflowRunID
	}
	if runID == "" {
		runID = parsed.Data.ID
	}
	return domain.ScorerResponse{Outputs: parsed.Data.Outputs, RunID: runID}, nil
}

func multipartFile(path, user string) (*bytes.Buffer, string, string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, "", "", fmt.Errorf("open upload file: %w", err)
	}
	defer file.Close()

	mimeType := "application/octet-stream"
	if strings.EqualFold(filepath.Ext(path), ".json") {
		mimeType = "application/json"
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filepath.Base(path)))
	header.Set("Content-Type", mimeType)
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", "", fmt.Errorf("create file part: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, "", "", fmt.Errorf("copy upload file: %w", err)
	}
	if err := w.WriteField("user", user); err != nil {
		return nil, "", "", fmt.Errorf("write user field: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", "", fmt.Errorf("close multipart: %w", err)
	}
	return &buf, w.FormDataContentType(), mimeType, nil
}

func documentType(mimeType string) string {
	if strings.Contains(strings.ToLower(mimeType), "json") {
		return "custom"
	}
	return "document"
}

func classifyTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("dify request: %w", err)
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxErrorBody {
		return s[:maxErrorBody]
	}
	return s
}
