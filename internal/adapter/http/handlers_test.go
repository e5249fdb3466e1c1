package http_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	pphttp "github.com/pepperpy/pepperpy/internal/adapter/http"
	"github.com/pepperpy/pepperpy/internal/domain/chat"
	"github.com/pepperpy/pepperpy/internal/domain/team"
	"github.com/pepperpy/pepperpy/internal/port/provider"
	"github.com/pepperpy/pepperpy/internal/service"
)

type stubProvider struct {
	ready bool
}

func (p *stubProvider) Initialize(context.Context) error { p.ready = true; return nil }
func (p *stubProvider) Ready() bool                      { return p.ready }
func (p *stubProvider) Cleanup(context.Context) error    { p.ready = false; return nil }

func (p *stubProvider) Complete(_ context.Context, msgs []chat.Message, _ provider.Params) (*chat.Response, error) {
	return &chat.Response{
		Content:      "echo: " + msgs[len(msgs)-1].Content,
		Model:        "test-model",
		Usage:        chat.Usage{PromptTokens: 2, CompletionTokens: 3, TotalTokens: 5},
		FinishReason: "stop",
		Metadata:     map[string]any{},
	}, nil
}

func (p *stubProvider) Stream(context.Context, []chat.Message, provider.Params) (provider.Stream, error) {
	return nil, provider.Errorf(provider.KindInvalidRequest, "streaming not supported")
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	orch := service.NewOrchestrator(nil, service.OrchestratorOptions{
		Factory: func(provider.Config) (provider.Provider, error) { return &stubProvider{}, nil },
	})
	err := orch.RegisterProvider("main", provider.Config{
		Kind: "openai", APIKey: "sk-test", Model: "test-model", MaxTokens: 100, Timeout: time.Second,
	})
	if err != nil {
		t.Fatalf("RegisterProvider failed: %v", err)
	}
	err = orch.RegisterTeam(team.Config{
		Name:             "echo",
		Strategy:         team.StrategySequential,
		Members:          []string{"dev"},
		MaxRounds:        1,
		PerAgentTimeout:  time.Second,
		AggregateTimeout: time.Second,
	}, []team.AgentConfig{{
		Name: "dev", Role: chat.RoleDeveloper, SystemPrompt: "You echo.", ProviderRef: "main",
	}})
	if err != nil {
		t.Fatalf("RegisterTeam failed: %v", err)
	}
	if err := orch.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	r := chi.NewRouter()
	pphttp.MountRoutes(r, pphttp.NewHandlers(orch, nil))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestHealth(t *testing.T) {
	srv := newServer(t)
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
}

func TestRunTeam(t *testing.T) {
	srv := newServer(t)
	resp, err := http.Post(srv.URL+"/api/v1/teams/echo/runs", "application/json",
		strings.NewReader(`{"task": "hello"}`))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}

	var result struct {
		Success bool   `json:"success"`
		Output  string `json:"output"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !result.Success || result.Output != "echo: hello" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestRunTeamRequiresTask(t *testing.T) {
	srv := newServer(t)
	resp, err := http.Post(srv.URL+"/api/v1/teams/echo/runs", "application/json",
		strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
}

func TestRunTeamUnknownTeam(t *testing.T) {
	srv := newServer(t)
	resp, err := http.Post(srv.URL+"/api/v1/teams/ghost/runs", "application/json",
		strings.NewReader(`{"task": "hello"}`))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
}

func TestRunTeamInvalidBody(t *testing.T) {
	srv := newServer(t)
	resp, err := http.Post(srv.URL+"/api/v1/teams/echo/runs", "application/json",
		strings.NewReader(`not json`))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
}
