package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pepperpy/pepperpy/internal/adapter/openai"
	"github.com/pepperpy/pepperpy/internal/domain"
	"github.com/pepperpy/pepperpy/internal/domain/chat"
	"github.com/pepperpy/pepperpy/internal/domain/team"
	"github.com/pepperpy/pepperpy/internal/policy"
	"github.com/pepperpy/pepperpy/internal/port/provider"
	"github.com/pepperpy/pepperpy/internal/port/tracesink"
)

// ProviderFactory builds a raw provider from its config. The default
// builds the OpenAI-style adapter; tests inject fakes.
type ProviderFactory func(cfg provider.Config) (provider.Provider, error)

func defaultFactory(cfg provider.Config) (provider.Provider, error) {
	return openai.New(cfg), nil
}

// CallHook observes provider calls around their execution.
type CallHook func(ctx context.Context, ev tracesink.Event)

// OrchestratorOptions carries the recognized orchestrator options.
type OrchestratorOptions struct {
	DefaultRetry     policy.RetryOptions
	DefaultRateLimit policy.RateOptions
	DefaultCacheTTL  time.Duration
	CacheStore       policy.Store
	Prices           policy.PriceTable
	TraceSink        tracesink.Sink
	Factory          ProviderFactory
}

// RunOptions carries per-run options.
type RunOptions struct {
	BudgetTokens int
	BudgetCost   float64
	NoCache      bool
}

type registeredProvider struct {
	cfg     provider.Config
	wrapped provider.Provider
}

type registeredTeam struct {
	cfg    team.Config
	agents map[string]team.AgentConfig
}

type orchState int32

const (
	orchCreated orchState = iota
	orchReady
	orchClosed
)

// Orchestrator is the public façade: it holds the provider and team
// registries, owns the per-run budget, and surfaces trace events to
// subscribed collaborators. It never persists or emits metrics itself.
type Orchestrator struct {
	log  *slog.Logger
	opts OrchestratorOptions

	mu        sync.Mutex
	state     orchState
	providers map[string]*registeredProvider
	teams     map[string]*registeredTeam

	hookMu      sync.Mutex
	beforeCalls []CallHook
	afterCalls  []CallHook
}

// NewOrchestrator creates an orchestrator with the given defaults.
func NewOrchestrator(log *slog.Logger, opts OrchestratorOptions) *Orchestrator {
	if opts.Factory == nil {
		opts.Factory = defaultFactory
	}
	if opts.DefaultRetry.MaxAttempts == 0 {
		opts.DefaultRetry = policy.DefaultRetryOptions()
	}
	return &Orchestrator{
		log:       log,
		opts:      opts,
		providers: make(map[string]*registeredProvider),
		teams:     make(map[string]*registeredTeam),
	}
}

// OnBeforeCall subscribes a hook invoked before each provider call.
func (o *Orchestrator) OnBeforeCall(h CallHook) {
	o.hookMu.Lock()
	defer o.hookMu.Unlock()
	o.beforeCalls = append(o.beforeCalls, h)
}

// OnAfterCall subscribes a hook invoked after each provider call.
func (o *Orchestrator) OnAfterCall(h CallHook) {
	o.hookMu.Lock()
	defer o.hookMu.Unlock()
	o.afterCalls = append(o.afterCalls, h)
}

// RegisterProvider validates cfg, builds the backend and wraps it in
// the policy chain. Configuration problems surface here, never from
// Run.
func (o *Orchestrator) RegisterProvider(ref string, cfg provider.Config) error {
	if ref == "" {
		return domain.ConfigError("provider ref is required")
	}
	if err := cfg.Validate(); err != nil {
		return domain.ConfigError("provider %s: %v", ref, err)
	}

	raw, err := o.opts.Factory(cfg)
	if err != nil {
		return domain.ConfigError("provider %s: %v", ref, err)
	}
	wrapped := policy.Wrap(raw, cfg, policy.Options{
		Retry:  o.opts.DefaultRetry,
		Rate:   o.opts.DefaultRateLimit,
		Cache:  policy.CacheOptions{Store: o.opts.CacheStore, TTL: o.opts.DefaultCacheTTL},
		Prices: o.opts.Prices,
	})

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == orchClosed {
		return domain.ErrNotReady
	}
	if _, exists := o.providers[ref]; exists {
		return domain.ConfigError("provider %s is already registered", ref)
	}
	o.providers[ref] = &registeredProvider{cfg: cfg, wrapped: wrapped}
	return nil
}

// RegisterTeam validates the team config together with its agents'
// configs and records them for Run.
func (o *Orchestrator) RegisterTeam(cfg team.Config, agents []team.AgentConfig) error {
	byName := make(map[string]team.AgentConfig, len(agents))
	for i := range agents {
		a := agents[i]
		if err := a.Validate(); err != nil {
			return domain.ConfigError("agent %s: %v", a.Name, err)
		}
		byName[a.Name] = a
	}
	if err := cfg.Validate(byName); err != nil {
		return domain.ConfigError("team %s: %v", cfg.Name, err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == orchClosed {
		return domain.ErrNotReady
	}
	for _, a := range byName {
		if _, ok := o.providers[a.ProviderRef]; !ok {
			return domain.ConfigError("agent %s references unknown provider %s", a.Name, a.ProviderRef)
		}
	}
	if _, exists := o.teams[cfg.Name]; exists {
		return domain.ConfigError("team %s is already registered", cfg.Name)
	}
	o.teams[cfg.Name] = &registeredTeam{cfg: cfg, agents: byName}
	return nil
}

// Initialize readies every registered provider. A second call is a
// no-op.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch o.state {
	case orchReady:
		return nil
	case orchClosed:
		return domain.ErrNotReady
	}

	for ref, p := range o.providers {
		if err := p.wrapped.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize provider %s: %w", ref, err)
		}
	}
	o.state = orchReady
	if o.log != nil {
		o.log.Info("orchestrator initialized", "providers", len(o.providers), "teams", len(o.teams))
	}
	return nil
}

// Shutdown cleans up every provider. Idempotent.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == orchClosed {
		return nil
	}
	o.state = orchClosed

	var firstErr error
	for ref, p := range o.providers {
		if err := p.wrapped.Cleanup(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("cleanup provider %s: %w", ref, err)
		}
	}
	return firstErr
}

// Run executes a task against a registered team. Per-agent failures
// are reported inside the result; budget exhaustion, cancellation and
// lookups of unknown teams surface as errors.
func (o *Orchestrator) Run(ctx context.Context, teamName, task string, opts RunOptions) (*team.Result, error) {
	o.mu.Lock()
	if o.state != orchReady {
		o.mu.Unlock()
		return nil, domain.ErrNotReady
	}
	reg, ok := o.teams[teamName]
	if !ok {
		o.mu.Unlock()
		return nil, domain.ConfigError("unknown team: %s", teamName)
	}
	agents := make([]*Agent, 0, len(reg.cfg.Members))
	for _, name := range reg.cfg.Members {
		agentCfg := reg.agents[name]
		agents = append(agents, NewAgent(agentCfg, o.providers[agentCfg.ProviderRef].wrapped, opts.NoCache))
	}
	o.mu.Unlock()

	runID := uuid.NewString()
	budget := policy.NewBudget(opts.BudgetTokens, opts.BudgetCost)
	ctx = policy.WithBudget(ctx, budget)

	runner := NewTeamRunner(reg.cfg, agents, o.log, o.tracer(runID, teamName))
	if o.log != nil {
		o.log.Info("run started", "run_id", runID, "team", teamName, "strategy", reg.cfg.Strategy)
	}

	res, err := runner.Run(ctx, task)
	if res != nil {
		res.Metadata["run_id"] = runID
		tokens, cost := budget.Snapshot()
		res.Metadata["budget_tokens_used"] = tokens
		if cost > 0 {
			res.Metadata["budget_cost_used"] = cost
		}
	}
	if o.log != nil {
		o.log.Info("run finished", "run_id", runID, "team", teamName,
			"success", res != nil && res.Success, "error", err)
	}
	return res, err
}

// tracer builds the per-call observer: before hooks fire ahead of the
// provider call; after hooks and the trace sink fire once it returns,
// all in insertion order.
func (o *Orchestrator) tracer(runID, teamName string) *callObserver {
	o.hookMu.Lock()
	hasHooks := len(o.beforeCalls) > 0 || len(o.afterCalls) > 0
	o.hookMu.Unlock()
	if o.opts.TraceSink == nil && !hasHooks {
		return nil
	}

	event := func(agent string, msgs []chat.Message, resp *chat.Response, err error) tracesink.Event {
		ev := tracesink.Event{
			Time:     time.Now(),
			RunID:    runID,
			Team:     teamName,
			Agent:    agent,
			Messages: msgs,
			Response: resp,
			Err:      err,
			Attempt:  1,
		}
		if resp != nil {
			ev.Usage = resp.Usage
			ev.CacheHit = resp.CacheHit()
			if attempts, ok := resp.Metadata[policy.MetaAttempts].(int); ok {
				ev.Attempt = attempts
			}
		}
		return ev
	}

	return &callObserver{
		before: func(ctx context.Context, agent string, msgs []chat.Message) {
			o.hookMu.Lock()
			hooks := append([]CallHook(nil), o.beforeCalls...)
			o.hookMu.Unlock()
			ev := event(agent, msgs, nil, nil)
			for _, h := range hooks {
				h(ctx, ev)
			}
		},
		after: func(ctx context.Context, agent string, msgs []chat.Message, resp *chat.Response, err error) {
			o.hookMu.Lock()
			hooks := append([]CallHook(nil), o.afterCalls...)
			o.hookMu.Unlock()
			ev := event(agent, msgs, resp, err)
			for _, h := range hooks {
				h(ctx, ev)
			}
			if o.opts.TraceSink != nil {
				o.opts.TraceSink.Emit(ctx, ev)
			}
		},
	}
}
