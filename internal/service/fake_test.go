package service_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/pepperpy/pepperpy/internal/domain/chat"
	"github.com/pepperpy/pepperpy/internal/domain/team"
	"github.com/pepperpy/pepperpy/internal/port/provider"
)

// scriptedProvider returns canned responses keyed by the trailing
// user message, or errors from errFor. It records every transcript.
type scriptedProvider struct {
	mu          sync.Mutex
	replies     map[string][]string // task -> successive responses
	errFor      map[string]error
	delay       time.Duration
	transcripts [][]chat.Message
	served      map[string]int
	initialized bool
}

func newScriptedProvider() *scriptedProvider {
	return &scriptedProvider{
		replies: make(map[string][]string),
		errFor:  make(map[string]error),
		served:  make(map[string]int),
	}
}

func (p *scriptedProvider) reply(task string, responses ...string) {
	p.replies[task] = responses
}

func (p *scriptedProvider) Initialize(context.Context) error {
	p.initialized = true
	return nil
}
func (p *scriptedProvider) Ready() bool { return p.initialized }
func (p *scriptedProvider) Cleanup(context.Context) error {
	p.initialized = false
	return nil
}

func (p *scriptedProvider) Complete(ctx context.Context, msgs []chat.Message, _ provider.Params) (*chat.Response, error) {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, &provider.Error{Kind: provider.KindTimeout, Msg: "request timed out", Err: ctx.Err()}
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.transcripts = append(p.transcripts, msgs)

	task := msgs[len(msgs)-1].Content
	if err, ok := p.errFor[task]; ok {
		return nil, err
	}
	responses, ok := p.replies[task]
	if !ok {
		return nil, errors.New("no scripted reply for " + task)
	}
	i := p.served[task]
	if i >= len(responses) {
		i = len(responses) - 1
	}
	p.served[task]++
	return &chat.Response{
		Content:      responses[i],
		Model:        "test-model",
		Usage:        chat.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		FinishReason: "stop",
		Metadata:     map[string]any{},
	}, nil
}

func (p *scriptedProvider) Stream(context.Context, []chat.Message, provider.Params) (provider.Stream, error) {
	return nil, io.ErrUnexpectedEOF
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.transcripts)
}

func agentConfig(name string, role chat.Role) team.AgentConfig {
	return team.AgentConfig{
		Name:         name,
		Role:         role,
		SystemPrompt: "You are the {role}.",
		ProviderRef:  "main",
	}
}

func teamConfig(strategy team.Strategy, members ...string) team.Config {
	return team.Config{
		Name:             "core-team",
		Strategy:         strategy,
		Members:          members,
		MaxRounds:        3,
		PerAgentTimeout:  time.Second,
		AggregateTimeout: 5 * time.Second,
	}
}
