package policy_test

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/pepperpy/pepperpy/internal/domain/chat"
	"github.com/pepperpy/pepperpy/internal/port/provider"
)

// fakeProvider counts calls and delegates to the configured funcs.
type fakeProvider struct {
	calls      atomic.Int32
	completeFn func(ctx context.Context, msgs []chat.Message, params provider.Params) (*chat.Response, error)
	streamFn   func(ctx context.Context, msgs []chat.Message, params provider.Params) (provider.Stream, error)
}

func (f *fakeProvider) Initialize(context.Context) error { return nil }
func (f *fakeProvider) Ready() bool                      { return true }
func (f *fakeProvider) Cleanup(context.Context) error    { return nil }

func (f *fakeProvider) Complete(ctx context.Context, msgs []chat.Message, params provider.Params) (*chat.Response, error) {
	f.calls.Add(1)
	return f.completeFn(ctx, msgs, params)
}

func (f *fakeProvider) Stream(ctx context.Context, msgs []chat.Message, params provider.Params) (provider.Stream, error) {
	f.calls.Add(1)
	if f.streamFn == nil {
		return nil, io.ErrUnexpectedEOF
	}
	return f.streamFn(ctx, msgs, params)
}

// fakeStream yields the given fragments then io.EOF, or err instead
// of the fragment at errAt.
type fakeStream struct {
	frags  []*chat.Response
	errAt  int
	err    error
	pos    int
	closed bool
}

func (s *fakeStream) Next(context.Context) (*chat.Response, error) {
	if s.err != nil && s.pos == s.errAt {
		return nil, s.err
	}
	if s.pos >= len(s.frags) {
		return nil, io.EOF
	}
	frag := s.frags[s.pos]
	s.pos++
	return frag, nil
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

func okResponse(content string) *chat.Response {
	return &chat.Response{
		Content:      content,
		Model:        "test-model",
		Usage:        chat.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		FinishReason: "stop",
		Metadata:     map[string]any{},
	}
}

func testProviderConfig() provider.Config {
	return provider.Config{
		Kind:      "openai",
		APIKey:    "sk-test",
		Model:     "test-model",
		MaxTokens: 100,
		Timeout:   time.Second,
	}
}

func userMessages(content string) []chat.Message {
	return []chat.Message{{Role: chat.RoleUser, Content: content}}
}
