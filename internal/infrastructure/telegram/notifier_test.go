package telegram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPublishDigest(t *testing.T) {
	t.Parallel()

	var gotPath, gotChat, gotText string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotPath = r.URL.Path
		gotChat = r.PostForm.Get("chat_id")
		gotText = r.PostForm.Get("text")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	n := NewNotifier(Config{BotToken: "123:abc", ChatID: "42", APIBase: srv.URL})
	if err := n.PublishDigest(context.Background(), "*score 9* lab recruiting"); err != nil {
		t.Fatalf("PublishDigest error: %v", err)
	}
	if gotPath != "/bot123:abc/sendMessage" || gotChat != "42" || gotText != "*score 9* lab recruiting" {
		t.Fatalf("unexpected request: path=%s chat=%s text=%s", gotPath, gotChat, gotText)
	}
}

func TestPublishDigestErrors(t *testing.T) {
	t.Parallel()

	if err := NewNotifier(Config{}).PublishDigest(context.Background(), "x"); err == nil {
		t.Fatalf("expected misconfiguration error")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"ok":false}`, http.StatusForbidden)
	}))
	defer srv.Close()

	n := NewNotifier(Config{BotToken: "t", ChatID: "c", APIBase: srv.URL})
	if err := n.PublishDigest(context.Background(), "x"); err == nil {
		t.Fatalf("expected status error")
	}
}
