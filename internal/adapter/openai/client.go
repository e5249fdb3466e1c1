// Package openai implements the provider port against OpenAI-style
// chat-completions backends (OpenAI, OpenRouter, any compatible proxy).
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pepperpy/pepperpy/internal/domain/chat"
	"github.com/pepperpy/pepperpy/internal/port/provider"
	"github.com/pepperpy/pepperpy/internal/resilience"
)

// DefaultBaseURL is used when the provider config omits base_url.
const DefaultBaseURL = "https://api.openai.com/v1"

// Client talks to an OpenAI-compatible chat-completions API.
type Client struct {
	cfg        provider.Config
	baseURL    string
	httpClient *http.Client
	breaker    *resilience.Breaker
	ready      atomic.Bool
}

// New creates a client for the given provider config. The client is
// not usable until Initialize succeeds.
func New(cfg provider.Config) *Client {
	return &Client{cfg: cfg}
}

// SetBreaker attaches a circuit breaker to all outgoing HTTP calls.
// Only server, network and timeout failures trip it.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

// Initialize validates credentials and configuration and builds the
// HTTP client. Idempotent.
func (c *Client) Initialize(_ context.Context) error {
	if c.ready.Load() {
		return nil
	}
	if err := c.cfg.Validate(); err != nil {
		return &provider.Error{Kind: provider.KindInit, Msg: "invalid provider config", Err: err}
	}
	if c.cfg.APIKey == "" {
		return provider.Errorf(provider.KindInit, "api key is required")
	}
	c.baseURL = c.cfg.BaseURL
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	c.httpClient = &http.Client{Timeout: c.cfg.Timeout}
	c.ready.Store(true)
	return nil
}

// Ready reports whether Initialize has succeeded and Cleanup has not
// been called since.
func (c *Client) Ready() bool { return c.ready.Load() }

// Cleanup releases the HTTP client's idle connections. Idempotent.
func (c *Client) Cleanup(_ context.Context) error {
	if !c.ready.Swap(false) {
		return nil
	}
	c.httpClient.CloseIdleConnections()
	return nil
}

// Complete performs a single non-streaming chat completion.
func (c *Client) Complete(ctx context.Context, msgs []chat.Message, params provider.Params) (*chat.Response, error) {
	if !c.ready.Load() {
		return nil, provider.Errorf(provider.KindInit, "provider %s is not initialized", c.cfg.Kind)
	}
	if err := provider.ValidateMessages(msgs); err != nil {
		return nil, err
	}

	body, err := json.Marshal(c.request(msgs, params, false))
	if err != nil {
		return nil, &provider.Error{Kind: provider.KindInvalidRequest, Msg: "marshal request", Err: err}
	}

	var resp *chat.Response
	call := func(ctx context.Context) error {
		var callErr error
		resp, callErr = c.complete(ctx, body)
		return callErr
	}
	if err := c.execute(ctx, call); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) complete(ctx context.Context, body []byte) (*chat.Response, error) {
	httpResp, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer func() { _ = httpResp.Body.Close() }()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, c.transportError(ctx, err)
	}
	if httpResp.StatusCode >= 300 {
		return nil, errorFromStatus(httpResp.StatusCode, data, httpResp.Header.Get("Retry-After"))
	}

	var wire completionResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, &provider.Error{Kind: provider.KindDecode, Msg: "decode completion response", Err: err}
	}
	return wire.toResponse(c.cfg.Model)
}

// execute routes the call through the breaker when one is attached.
func (c *Client) execute(ctx context.Context, call func(context.Context) error) error {
	if c.breaker == nil {
		return call(ctx)
	}
	err := c.breaker.Execute(ctx, call)
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return &provider.Error{Kind: provider.KindNetwork, Msg: "circuit open", Err: err}
	}
	return err
}

func (c *Client) post(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &provider.Error{Kind: provider.KindInvalidRequest, Msg: "create request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.transportError(ctx, err)
	}
	return resp, nil
}

// transportError classifies a transport-level failure: deadline
// expiry becomes Timeout, everything else Network.
func (c *Client) transportError(ctx context.Context, err error) *provider.Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &provider.Error{Kind: provider.KindTimeout, Msg: "request timed out", Err: err}
	}
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) && ne.Timeout() {
		return &provider.Error{Kind: provider.KindTimeout, Msg: "request timed out", Err: err}
	}
	return &provider.Error{Kind: provider.KindNetwork, Msg: "http request", Err: err}
}

// request builds the wire payload. Agent-role messages are lowered to
// assistant messages carrying the agent role as name. JSON field order
// is fixed by the struct, keeping temperature-0 requests byte-stable.
func (c *Client) request(msgs []chat.Message, params provider.Params, stream bool) completionRequest {
	temperature := c.cfg.Temperature
	if params.Temperature != nil {
		temperature = *params.Temperature
	}
	maxTokens := c.cfg.MaxTokens
	if params.MaxTokens > 0 {
		maxTokens = params.MaxTokens
	}

	wire := make([]wireMessage, 0, len(msgs))
	for _, m := range chat.Transported(msgs) {
		wire = append(wire, wireMessage{Role: string(m.Role), Content: m.Content, Name: m.Name})
	}

	return completionRequest{
		Model:       c.cfg.Model,
		Messages:    wire,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Stream:      stream,
	}
}

// errorFromStatus maps a non-2xx status to the provider taxonomy.
func errorFromStatus(status int, body []byte, retryAfter string) *provider.Error {
	msg := string(body)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &provider.Error{Kind: provider.KindAuth, Status: status, Msg: msg}
	case status == http.StatusTooManyRequests:
		return &provider.Error{
			Kind:       provider.KindRateLimited,
			Status:     status,
			RetryAfter: parseRetryAfter(retryAfter),
			Msg:        msg,
		}
	case status >= 500:
		return &provider.Error{Kind: provider.KindServer, Status: status, Msg: msg}
	default:
		return &provider.Error{Kind: provider.KindInvalidRequest, Status: status, Msg: msg}
	}
}

// parseRetryAfter accepts integer seconds or an HTTP date.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

type completionRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	Stream      bool          `json:"stream"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

type completionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage        wireUsage `json:"usage"`
	FinishReason string    `json:"finish_reason"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (r *completionResponse) toResponse(fallbackModel string) (*chat.Response, error) {
	if len(r.Choices) == 0 {
		return nil, provider.Errorf(provider.KindDecode, "response has no choices")
	}
	model := r.Model
	if model == "" {
		model = fallbackModel
	}
	finish := r.Choices[0].FinishReason
	if finish == "" {
		finish = r.FinishReason
	}
	usage := chat.Usage{
		PromptTokens:     r.Usage.PromptTokens,
		CompletionTokens: r.Usage.CompletionTokens,
		TotalTokens:      r.Usage.TotalTokens,
	}.Normalized()
	if err := usage.Validate(); err != nil {
		return nil, &provider.Error{Kind: provider.KindDecode, Msg: "response usage", Err: err}
	}
	return &chat.Response{
		Content:      r.Choices[0].Message.Content,
		Model:        model,
		Usage:        usage,
		FinishReason: finish,
		Metadata:     map[string]any{},
	}, nil
}
