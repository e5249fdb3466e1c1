package main

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/pepperpy/pepperpy/internal/adapter/openai"
	"github.com/pepperpy/pepperpy/internal/adapter/otel"
	"github.com/pepperpy/pepperpy/internal/config"
	"github.com/pepperpy/pepperpy/internal/domain/chat"
	"github.com/pepperpy/pepperpy/internal/domain/team"
	"github.com/pepperpy/pepperpy/internal/policy"
	"github.com/pepperpy/pepperpy/internal/port/provider"
	"github.com/pepperpy/pepperpy/internal/resilience"
	"github.com/pepperpy/pepperpy/internal/service"
)

// buildOrchestrator assembles an orchestrator from file configuration:
// providers first, then agents grouped into their teams.
func buildOrchestrator(cfg *config.Config, log *slog.Logger) (*service.Orchestrator, error) {
	store, err := buildCacheStore(cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("cache store: %w", err)
	}

	prices := make(policy.PriceTable, len(cfg.Prices))
	for model, p := range cfg.Prices {
		prices[model] = policy.Price{Prompt: p.Prompt, Completion: p.Completion}
	}

	orch := service.NewOrchestrator(log, service.OrchestratorOptions{
		DefaultRetry: policy.RetryOptions{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
			Jitter:      cfg.Retry.Jitter,
		},
		DefaultRateLimit: policy.RateOptions{
			RPS:   cfg.Rate.RequestsPerSecond,
			Burst: cfg.Rate.Burst,
		},
		DefaultCacheTTL: cfg.Cache.TTL,
		CacheStore:      store,
		Prices:          prices,
		TraceSink:       otel.NewSpanSink(),
		Factory:         providerFactory(cfg.Breaker),
	})

	for _, ref := range sortedKeys(cfg.Providers) {
		p := cfg.Providers[ref]
		err := orch.RegisterProvider(ref, provider.Config{
			Kind:        p.Kind,
			APIKey:      p.APIKey,
			BaseURL:     p.BaseURL,
			Model:       p.Model,
			Temperature: p.Temperature,
			MaxTokens:   p.MaxTokens,
			Timeout:     p.Timeout,
			Options:     p.Options,
		})
		if err != nil {
			return nil, err
		}
	}

	for _, name := range sortedKeys(cfg.Teams) {
		t := cfg.Teams[name]
		agents := make([]team.AgentConfig, 0, len(t.Members))
		for _, member := range t.Members {
			a, ok := cfg.Agents[member]
			if !ok {
				return nil, fmt.Errorf("team %s references unknown agent %s", name, member)
			}
			role, err := chat.ParseRole(a.Role)
			if err != nil {
				return nil, fmt.Errorf("agent %s: %w", member, err)
			}
			agents = append(agents, team.AgentConfig{
				Name:         member,
				Role:         role,
				SystemPrompt: a.SystemPrompt,
				ProviderRef:  a.Provider,
				Metadata:     a.Metadata,
			})
		}
		err := orch.RegisterTeam(team.Config{
			Name:             name,
			Strategy:         team.Strategy(t.Strategy),
			Members:          t.Members,
			MaxRounds:        t.MaxRounds,
			PerAgentTimeout:  t.PerAgentTimeout,
			AggregateTimeout: t.AggregateTimeout,
			ContinueOnError:  t.ContinueOnError,
			Quorum:           t.Quorum,
			ComposerAgent:    t.ComposerAgent,
			ReviewRequired:   t.ReviewRequired,
		}, agents)
		if err != nil {
			return nil, err
		}
	}

	return orch, nil
}

// providerFactory builds backends with a circuit breaker that trips
// only on retryable failures, so auth and validation errors never
// open the circuit.
func providerFactory(cfg config.Breaker) service.ProviderFactory {
	return func(pc provider.Config) (provider.Provider, error) {
		client := openai.New(pc)
		if cfg.MaxFailures > 0 {
			client.SetBreaker(resilience.NewBreaker(cfg.MaxFailures, cfg.Timeout, provider.IsRetryable))
		}
		return client, nil
	}
}

func buildCacheStore(cfg config.Cache) (policy.Store, error) {
	if cfg.MaxEntries <= 0 {
		return policy.NewSessionStore(), nil
	}
	store, err := policy.NewRistrettoStore(cfg.MaxEntries, nil)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
