package openai_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pepperpy/pepperpy/internal/adapter/openai"
	"github.com/pepperpy/pepperpy/internal/domain/chat"
	"github.com/pepperpy/pepperpy/internal/port/provider"
)

func testConfig(baseURL string) provider.Config {
	return provider.Config{
		Kind:      "openai",
		APIKey:    "sk-test",
		BaseURL:   baseURL,
		Model:     "gpt-4o-mini",
		MaxTokens: 256,
		Timeout:   5 * time.Second,
	}
}

func newClient(t *testing.T, baseURL string) *openai.Client {
	t.Helper()
	client := openai.New(testConfig(baseURL))
	if err := client.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	return client
}

func userMsg(content string) []chat.Message {
	return []chat.Message{{Role: chat.RoleUser, Content: content}}
}

func TestInitializeRequiresAPIKey(t *testing.T) {
	cfg := testConfig("")
	cfg.APIKey = ""
	client := openai.New(cfg)
	err := client.Initialize(context.Background())
	if err == nil {
		t.Fatal("expected error for missing api key")
	}
	if kind, _ := provider.KindOf(err); kind != provider.KindInit {
		t.Fatalf("expected init error, got %q", kind)
	}
	if client.Ready() {
		t.Fatal("client must not be ready after failed Initialize")
	}
}

func TestCompleteBeforeInitialize(t *testing.T) {
	client := openai.New(testConfig(""))
	_, err := client.Complete(context.Background(), userMsg("hi"), provider.Params{})
	if kind, _ := provider.KindOf(err); kind != provider.KindInit {
		t.Fatalf("expected init error, got %v", err)
	}
}

func TestComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Fatalf("unexpected auth: %q", auth)
		}

		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
				Name    string `json:"name"`
			} `json:"messages"`
			Stream bool `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Stream {
			t.Fatal("non-streaming call must not set stream")
		}
		if req.Messages[0].Role != "assistant" || req.Messages[0].Name != "developer" {
			t.Fatalf("agent role not lowered: %+v", req.Messages[0])
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"model": "gpt-4o-mini-2024",
			"choices": [{"message": {"role": "assistant", "content": "done"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 4, "total_tokens": 16}
		}`))
	}))
	defer srv.Close()

	client := newClient(t, srv.URL)
	msgs := []chat.Message{
		{Role: chat.RoleDeveloper, Content: "draft ready"},
		{Role: chat.RoleUser, Content: "ship it"},
	}
	resp, err := client.Complete(context.Background(), msgs, provider.Params{})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp.Content != "done" {
		t.Fatalf("unexpected content: %q", resp.Content)
	}
	if resp.Model != "gpt-4o-mini-2024" {
		t.Fatalf("unexpected model: %q", resp.Model)
	}
	if resp.Usage.TotalTokens != 16 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}
	if resp.FinishReason != "stop" {
		t.Fatalf("unexpected finish reason: %q", resp.FinishReason)
	}
}

func TestCompleteAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error": "invalid key"}`))
	}))
	defer srv.Close()

	client := newClient(t, srv.URL)
	_, err := client.Complete(context.Background(), userMsg("hi"), provider.Params{})
	var pe *provider.Error
	if !errors.As(err, &pe) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if pe.Kind != provider.KindAuth || pe.Status != http.StatusUnauthorized {
		t.Fatalf("unexpected classification: %+v", pe)
	}
	if pe.Retryable() {
		t.Fatal("auth errors must not be retryable")
	}
}

func TestCompleteRateLimitedCarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := newClient(t, srv.URL)
	_, err := client.Complete(context.Background(), userMsg("hi"), provider.Params{})
	var pe *provider.Error
	if !errors.As(err, &pe) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if pe.Kind != provider.KindRateLimited {
		t.Fatalf("expected rate_limited, got %q", pe.Kind)
	}
	if pe.RetryAfter != 7*time.Second {
		t.Fatalf("expected retry-after 7s, got %v", pe.RetryAfter)
	}
	if !pe.Retryable() {
		t.Fatal("rate limits must be retryable")
	}
}

func TestCompleteServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := newClient(t, srv.URL)
	_, err := client.Complete(context.Background(), userMsg("hi"), provider.Params{})
	if kind, _ := provider.KindOf(err); kind != provider.KindServer {
		t.Fatalf("expected server error, got %v", err)
	}
}

func TestCompleteTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server notices the client abort and
		// the handler unblocks in time for Close.
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Timeout = 50 * time.Millisecond
	client := openai.New(cfg)
	if err := client.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	_, err := client.Complete(context.Background(), userMsg("hi"), provider.Params{})
	if kind, _ := provider.KindOf(err); kind != provider.KindTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestCleanupIdempotent(t *testing.T) {
	client := newClient(t, "http://localhost:1")
	if err := client.Cleanup(context.Background()); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if client.Ready() {
		t.Fatal("client must not be ready after Cleanup")
	}
	if err := client.Cleanup(context.Background()); err != nil {
		t.Fatalf("second Cleanup failed: %v", err)
	}
}
