package openai

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/pepperpy/pepperpy/internal/domain/chat"
	"github.com/pepperpy/pepperpy/internal/port/provider"
)

// Stream performs a streaming chat completion. The returned stream
// yields incremental fragments whose concatenated content equals the
// equivalent non-streaming completion; the final data frame carries
// the authoritative usage and finish reason.
func (c *Client) Stream(ctx context.Context, msgs []chat.Message, params provider.Params) (provider.Stream, error) {
	if !c.ready.Load() {
		return nil, provider.Errorf(provider.KindInit, "provider %s is not initialized", c.cfg.Kind)
	}
	if err := provider.ValidateMessages(msgs); err != nil {
		return nil, err
	}

	body, err := json.Marshal(c.request(msgs, params, true))
	if err != nil {
		return nil, &provider.Error{Kind: provider.KindInvalidRequest, Msg: "marshal request", Err: err}
	}

	var httpResp *http.Response
	call := func(ctx context.Context) error {
		resp, callErr := c.post(ctx, body)
		if callErr != nil {
			return callErr
		}
		if resp.StatusCode >= 300 {
			data, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			return errorFromStatus(resp.StatusCode, data, resp.Header.Get("Retry-After"))
		}
		httpResp = resp
		return nil
	}
	if err := c.execute(ctx, call); err != nil {
		return nil, err
	}

	return &sseStream{
		body:    httpResp.Body,
		scanner: bufio.NewScanner(httpResp.Body),
		model:   c.cfg.Model,
	}, nil
}

// sseStream parses server-sent events: one "data: <json>" frame per
// chunk, terminated by a "data: [DONE]" sentinel. The request context
// bounds body reads, so consumer cancellation aborts the upstream
// request within one network read.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	model   string

	content strings.Builder
	usage   chat.Usage
	finish  string
	final   *chat.Response
	done    bool
}

type streamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
}

// Next returns the next fragment, or io.EOF after the sentinel.
func (s *sseStream) Next(_ context.Context) (*chat.Response, error) {
	if s.done {
		return nil, io.EOF
	}

	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			return nil, s.end()
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			s.done = true
			return nil, &provider.Error{Kind: provider.KindDecode, Msg: "decode stream chunk", Err: err}
		}
		return s.fragment(&chunk), nil
	}

	if err := s.scanner.Err(); err != nil {
		s.done = true
		return nil, &provider.Error{Kind: provider.KindNetwork, Msg: "read stream", Err: err}
	}
	// Body ended without a sentinel; treat it as a clean end.
	return nil, s.end()
}

func (s *sseStream) fragment(chunk *streamChunk) *chat.Response {
	frag := &chat.Response{Model: s.model, Metadata: map[string]any{}}
	if chunk.Model != "" {
		frag.Model = chunk.Model
		s.model = chunk.Model
	}
	if len(chunk.Choices) > 0 {
		frag.Content = chunk.Choices[0].Delta.Content
		frag.FinishReason = chunk.Choices[0].FinishReason
		if frag.FinishReason != "" {
			s.finish = frag.FinishReason
		}
	}
	if chunk.Usage != nil {
		frag.Usage = chat.Usage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
		}.Normalized()
		s.usage = frag.Usage
	}
	s.content.WriteString(frag.Content)
	return frag
}

// end assembles the final response and signals end of stream.
func (s *sseStream) end() error {
	s.done = true
	s.final = &chat.Response{
		Content:      s.content.String(),
		Model:        s.model,
		Usage:        s.usage,
		FinishReason: s.finish,
		Metadata:     map[string]any{},
	}
	return io.EOF
}

// Final returns the assembled full response once the stream has ended.
func (s *sseStream) Final() *chat.Response { return s.final }

// Close aborts the upstream request.
func (s *sseStream) Close() error {
	s.done = true
	return s.body.Close()
}
