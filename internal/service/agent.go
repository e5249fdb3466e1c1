// Package service implements the orchestration core: agents, team
// strategies and the orchestrator façade.
package service

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/pepperpy/pepperpy/internal/domain"
	"github.com/pepperpy/pepperpy/internal/domain/chat"
	"github.com/pepperpy/pepperpy/internal/domain/team"
	"github.com/pepperpy/pepperpy/internal/port/provider"
)

// AgentState is the lifecycle of an agent.
type AgentState int32

const (
	AgentReady AgentState = iota
	AgentExecuting
	AgentClosed
)

// PromptRenderError reports an undefined placeholder in a system
// prompt template, detected before any provider call.
type PromptRenderError struct {
	Placeholder string
}

func (e *PromptRenderError) Error() string {
	return fmt.Sprintf("prompt template references undefined key {%s}", e.Placeholder)
}

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// Agent binds an AgentConfig to a policy-wrapped provider. Agents are
// constructed ready; role specialization is data, not a type.
type Agent struct {
	cfg      team.AgentConfig
	provider provider.Provider
	noCache  bool
	closed   atomic.Bool
	inflight atomic.Int64
}

// NewAgent creates a ready agent. noCache disables the response cache
// for every call this agent makes.
func NewAgent(cfg team.AgentConfig, p provider.Provider, noCache bool) *Agent {
	return &Agent{cfg: cfg, provider: p, noCache: noCache}
}

// Name returns the agent's configured name.
func (a *Agent) Name() string { return a.cfg.Name }

// Role returns the agent's role.
func (a *Agent) Role() chat.Role { return a.cfg.Role }

// State reports the agent's lifecycle state.
func (a *Agent) State() AgentState {
	if a.closed.Load() {
		return AgentClosed
	}
	if a.inflight.Load() > 0 {
		return AgentExecuting
	}
	return AgentReady
}

// Close marks the agent unusable. The shared provider is owned by the
// orchestrator and is not cleaned up here.
func (a *Agent) Close() { a.closed.Store(true) }

// Execute renders the system prompt, assembles the transcript and
// performs exactly one completion through the policy chain. Re-entrant
// calls on disjoint contexts are permitted.
func (a *Agent) Execute(ctx context.Context, task string, contextMsgs []chat.Message) (*chat.Response, error) {
	if a.closed.Load() {
		return nil, fmt.Errorf("agent %s: %w", a.cfg.Name, domain.ErrNotReady)
	}
	a.inflight.Add(1)
	defer a.inflight.Add(-1)

	msgs, err := a.transcript(task, contextMsgs)
	if err != nil {
		return nil, err
	}

	resp, err := a.provider.Complete(ctx, msgs, provider.Params{NoCache: a.noCache})
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", a.cfg.Name, err)
	}
	return resp, nil
}

// transcript assembles the messages Execute sends: rendered system
// prompt, then the supplied context, then the task as a user message.
func (a *Agent) transcript(task string, contextMsgs []chat.Message) ([]chat.Message, error) {
	system, err := a.renderPrompt()
	if err != nil {
		return nil, err
	}
	msgs := make([]chat.Message, 0, len(contextMsgs)+2)
	msgs = append(msgs, chat.Message{Role: chat.RoleSystem, Content: system})
	msgs = append(msgs, contextMsgs...)
	msgs = append(msgs, chat.Message{Role: chat.RoleUser, Content: task})
	return msgs, nil
}

// renderPrompt substitutes {key} placeholders literally from the role
// name and the agent metadata. Undefined keys fail the call before any
// provider work.
func (a *Agent) renderPrompt() (string, error) {
	values := map[string]string{"role": string(a.cfg.Role), "name": a.cfg.Name}
	for k, v := range a.cfg.Metadata {
		values[k] = v
	}

	var missing string
	out := placeholderPattern.ReplaceAllStringFunc(a.cfg.SystemPrompt, func(ph string) string {
		key := strings.Trim(ph, "{}")
		v, ok := values[key]
		if !ok {
			if missing == "" {
				missing = key
			}
			return ph
		}
		return v
	})
	if missing != "" {
		return "", &PromptRenderError{Placeholder: missing}
	}
	return out, nil
}
