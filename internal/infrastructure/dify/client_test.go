package dify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"NewsScanner/internal/domain"
)

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return ctx.Err()
}

type workflowServer struct {
	mu    sync.Mutex
	types []string
	hits  int
}

func (w *workflowServer) record(r *http.Request) {
	var body workflowRequest
	_ = json.NewDecoder(r.Body).Decode(&body)
	w.mu.Lock()
	w.hits++
	w.types = append(w.types, body.Inputs.Document.Type)
	w.mu.Unlock()
}

func (w *workflowServer) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.hits
}

func (w *workflowServer) seen() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.types...)
}

func newTestClient(t *testing.T, handler http.Handler, cfg Config) (*Client, *recordingSleeper) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg.Endpoint = srv.URL
	if cfg.APIKey == "" {
		cfg.APIKey = "app-test"
	}
	sleeper := &recordingSleeper{}
	return NewClient(cfg, nil, WithHTTPClient(srv.Client()), WithSleeper(sleeper.sleep)), sleeper
}

func TestRunExhaustsRetriesOnTimeout(t *testing.T) {
	t.Parallel()

	ws := &workflowServer{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws.record(r)
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	})
	client, sleeper := newTestClient(t, handler, Config{
		Timeout:    50 * time.Millisecond,
		RetryTimes: 3,
		RetryDelay: 5 * time.Second,
	})

	_, err := client.Run(context.Background(), `{"major":"cs"}`, domain.UploadedDocument{ID: "f1", Type: "custom"})

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 3, ws.count())
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, sleeper.delays)
}

func TestRunStopsOnAuthentication(t *testing.T) {
	t.Parallel()

	ws := &workflowServer{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws.record(r)
		http.Error(w, `{"code":"unauthorized"}`, http.StatusUnauthorized)
	})
	client, sleeper := newTestClient(t, handler, Config{RetryTimes: 3, RetryDelay: time.Second})

	_, err := client.Run(context.Background(), "{}", domain.UploadedDocument{ID: "f1", Type: "custom"})
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.Equal(t, 1, ws.count())
	assert.Empty(t, sleeper.delays)
}

func TestRunStopsOnMissingWorkflow(t *testing.T) {
	t.Parallel()

	ws := &workflowServer{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws.record(r)
		http.NotFound(w, r)
	})
	client, sleeper := newTestClient(t, handler, Config{RetryTimes: 3})

	_, err := client.Run(context.Background(), "{}", domain.UploadedDocument{ID: "f1", Type: "document"})
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
	assert.Equal(t, 1, ws.count())
	assert.Empty(t, sleeper.delays)
}

func TestRunCyclesDocumentTypesWithinAttempt(t *testing.T) {
	t.Parallel()

	ws := &workflowServer{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws.record(r)
		ws.mu.Lock()
		current := ws.types[len(ws.types)-1]
		ws.mu.Unlock()
		if current != "document" {
			http.Error(w, `{"message":"invalid file type"}`, http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"workflow_run_id":"run-1","data":{"status":"succeeded","outputs":{"text":"ok"}}}`))
	})
	client, sleeper := newTestClient(t, handler, Config{RetryTimes: 3, RetryDelay: time.Second})

	resp, err := client.Run(context.Background(), "{}", domain.UploadedDocument{ID: "f1", Type: "custom"})
	require.NoError(t, err)
	assert.Equal(t, "run-1", resp.RunID)
	assert.JSONEq(t, `{"text":"ok"}`, string(resp.Outputs))
	assert.Equal(t, []string{"custom", "json", "document"}, ws.seen())
	assert.Empty(t, sleeper.delays, "type variants are retried without delay")
}

func TestRunRejectsAllDocumentTypes(t *testing.T) {
	t.Parallel()

	ws := &workflowServer{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws.record(r)
		http.Error(w, `{"message":"unsupported TYPE"}`, http.StatusBadRequest)
	})
	client, _ := newTestClient(t, handler, Config{RetryTimes: 5})

	_, err := client.Run(context.Background(), "{}", domain.UploadedDocument{ID: "f1", Type: "document"})
	assert.ErrorIs(t, err, ErrDocumentTypeRejected)
	assert.Equal(t, []string{"document", "custom", "json"}, ws.seen())
}

func TestRunRetriesServerErrors(t *testing.T) {
	t.Parallel()

	ws := &workflowServer{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws.record(r)
		ws.mu.Lock()
		hits := ws.hits
		ws.mu.Unlock()
		if hits == 1 {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"data":{"workflow_run_id":"run-2","outputs":{"relevance_score":7}}}`))
	})
	client, sleeper := newTestClient(t, handler, Config{RetryTimes: 3, RetryDelay: 2 * time.Second})

	resp, err := client.Run(context.Background(), "{}", domain.UploadedDocument{ID: "f1", Type: "custom"})
	require.NoError(t, err)
	assert.Equal(t, "run-2", resp.RunID)
	assert.Equal(t, 2, ws.count())
	assert.Equal(t, []time.Duration{2 * time.Second}, sleeper.delays)
}

func TestRunWithoutOutputsCountsAsFailure(t *testing.T) {
	t.Parallel()

	ws := &workflowServer{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws.record(r)
		_, _ = w.Write([]byte(`{"data":{"status":"failed"}}`))
	})
	client, _ := newTestClient(t, handler, Config{RetryTimes: 2})

	_, err := client.Run(context.Background(), "{}", domain.UploadedDocument{ID: "f1", Type: "custom"})
	var exhausted *ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.ErrorIs(t, err, ErrMissingOutputs)
	assert.Equal(t, 2, ws.count())
}

func TestRunRequiresAPIKey(t *testing.T) {
	t.Parallel()

	client := NewClient(Config{Endpoint: "http://127.0.0.1:1"}, nil)
	_, err := client.Run(context.Background(), "{}", domain.UploadedDocument{ID: "f1"})
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = client.Upload(context.Background(), "missing.json")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestUpload(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "abc.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"title":"t"}`), 0o644))

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/files/upload", r.URL.Path)
		assert.Equal(t, "Bearer app-test", r.Header.Get("Authorization"))

		file, header, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		assert.Equal(t, `{"title":"t"}`, string(data))
		assert.Equal(t, "abc.json", header.Filename)
		assert.Equal(t, "application/json", header.Header.Get("Content-Type"))
		assert.Equal(t, defaultUser, r.FormValue("user"))

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"file-1","mime_type":"application/json"}`))
	})
	client, _ := newTestClient(t, handler, Config{})

	doc, err := client.Upload(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, domain.UploadedDocument{ID: "file-1", Type: "custom"}, doc)
}

func TestUploadMapsNonJSONToDocument(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "abc.txt")
	require.NoError(t, os.WriteFile(path, []byte("plain"), 0o644))

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"file_id":"file-2","mime_type":"text/plain"}`))
	})
	client, _ := newTestClient(t, handler, Config{})

	doc, err := client.Upload(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "file-2", doc.ID)
	assert.Equal(t, "document", doc.Type)
}

func TestUploadFailure(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "abc.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "too large", http.StatusRequestEntityTooLarge)
	})
	client, _ := newTestClient(t, handler, Config{})

	_, err := client.Upload(context.Background(), path)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusRequestEntityTooLarge, statusErr.Code)
}

func TestNewRetryStateDeduplicates(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"custom", "json", "document"}, newRetryState("custom").variants)
	assert.Equal(t, []string{"document", "custom", "json"}, newRetryState("document").variants)
	assert.Equal(t, []string{"custom", "json", "document"}, newRetryState("").variants)
}
