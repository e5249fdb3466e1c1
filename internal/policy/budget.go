// Package policy implements the composable wrappers applied around
// every provider call: budget, cache, rate limit and retry, composed
// outermost-first in that fixed order.
package policy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pepperpy/pepperpy/internal/domain/chat"
	"github.com/pepperpy/pepperpy/internal/port/provider"
)

// ErrBudgetExceeded is returned before any provider work when a call's
// projected usage would cross a cap.
var ErrBudgetExceeded = errors.New("budget exceeded")

// Price holds per-1K-token prices for one model.
type Price struct {
	Prompt     float64 `json:"prompt" yaml:"prompt"`
	Completion float64 `json:"completion" yaml:"completion"`
}

// PriceTable maps model name to pricing. An empty table disables the
// cost cap; the token cap works without one.
type PriceTable map[string]Price

// Cost computes the dollar cost of usage under the table.
func (t PriceTable) Cost(model string, u chat.Usage) float64 {
	p, ok := t[model]
	if !ok {
		return 0
	}
	return float64(u.PromptTokens)/1000*p.Prompt + float64(u.CompletionTokens)/1000*p.Completion
}

// Budget tracks token and cost consumption for one orchestration run.
// Counters are monotonically non-decreasing and serialized through the
// mutex. A zero cap disables that dimension.
type Budget struct {
	mu         sync.Mutex
	tokensUsed int
	costUsed   float64
	tokensCap  int
	costCap    float64
	startedAt  time.Time
}

// NewBudget creates a budget with the given caps. Zero means uncapped.
func NewBudget(tokensCap int, costCap float64) *Budget {
	return &Budget{tokensCap: tokensCap, costCap: costCap, startedAt: time.Now()}
}

// Reserve checks that a call projected to consume up to maxTokens (and
// the corresponding worst-case cost) stays within the caps. It records
// nothing; actuals are added by Commit after success.
func (b *Budget) Reserve(maxTokens int, model string, prices PriceTable) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tokensCap > 0 && b.tokensUsed+maxTokens > b.tokensCap {
		return fmt.Errorf("%w: %d tokens used, %d projected, cap %d",
			ErrBudgetExceeded, b.tokensUsed, b.tokensUsed+maxTokens, b.tokensCap)
	}
	if b.costCap > 0 {
		projected := prices.Cost(model, chat.Usage{CompletionTokens: maxTokens})
		if b.costUsed+projected > b.costCap {
			return fmt.Errorf("%w: $%.4f used, $%.4f projected, cap $%.4f",
				ErrBudgetExceeded, b.costUsed, b.costUsed+projected, b.costCap)
		}
	}
	return nil
}

// Commit adds the actual usage of a successful call.
func (b *Budget) Commit(u chat.Usage, model string, prices PriceTable) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokensUsed += u.TotalTokens
	b.costUsed += prices.Cost(model, u)
}

// Snapshot returns the current consumption.
func (b *Budget) Snapshot() (tokens int, cost float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokensUsed, b.costUsed
}

// StartedAt returns when the budget was created.
func (b *Budget) StartedAt() time.Time { return b.startedAt }

type budgetCtxKey struct{}

// WithBudget binds a run's budget into ctx so the budget wrapper on a
// long-lived provider chain can see per-run state.
func WithBudget(ctx context.Context, b *Budget) context.Context {
	return context.WithValue(ctx, budgetCtxKey{}, b)
}

// BudgetFrom extracts the bound budget, if any.
func BudgetFrom(ctx context.Context) *Budget {
	b, _ := ctx.Value(budgetCtxKey{}).(*Budget)
	return b
}

// budgetProvider short-circuits calls that would cross the run budget
// before any network work happens.
type budgetProvider struct {
	inner  provider.Provider
	cfg    provider.Config
	prices PriceTable
}

// NewBudgetWrapper wraps inner with budget enforcement. Calls made on
// a context without a bound budget pass through unchecked.
func NewBudgetWrapper(inner provider.Provider, cfg provider.Config, prices PriceTable) provider.Provider {
	return &budgetProvider{inner: inner, cfg: cfg, prices: prices}
}

func (p *budgetProvider) Initialize(ctx context.Context) error { return p.inner.Initialize(ctx) }
func (p *budgetProvider) Ready() bool                          { return p.inner.Ready() }
func (p *budgetProvider) Cleanup(ctx context.Context) error    { return p.inner.Cleanup(ctx) }

func (p *budgetProvider) Complete(ctx context.Context, msgs []chat.Message, params provider.Params) (*chat.Response, error) {
	b := BudgetFrom(ctx)
	if b == nil {
		return p.inner.Complete(ctx, msgs, params)
	}
	if err := b.Reserve(p.maxTokens(params), p.cfg.Model, p.prices); err != nil {
		return nil, err
	}
	resp, err := p.inner.Complete(ctx, msgs, params)
	if err != nil {
		return nil, err
	}
	b.Commit(resp.Usage, p.cfg.Model, p.prices)
	return resp, nil
}

func (p *budgetProvider) Stream(ctx context.Context, msgs []chat.Message, params provider.Params) (provider.Stream, error) {
	b := BudgetFrom(ctx)
	if b == nil {
		return p.inner.Stream(ctx, msgs, params)
	}
	if err := b.Reserve(p.maxTokens(params), p.cfg.Model, p.prices); err != nil {
		return nil, err
	}
	inner, err := p.inner.Stream(ctx, msgs, params)
	if err != nil {
		return nil, err
	}
	// Usage is committed once the final chunk has been observed.
	return &budgetStream{Stream: inner, budget: b, model: p.cfg.Model, prices: p.prices}, nil
}

func (p *budgetProvider) maxTokens(params provider.Params) int {
	if params.MaxTokens > 0 {
		return params.MaxTokens
	}
	return p.cfg.MaxTokens
}

type budgetStream struct {
	provider.Stream
	budget    *Budget
	model     string
	prices    PriceTable
	committed bool
	usage     chat.Usage
}

func (s *budgetStream) Next(ctx context.Context) (*chat.Response, error) {
	frag, err := s.Stream.Next(ctx)
	if err == nil {
		if frag.Usage.TotalTokens > 0 {
			s.usage = frag.Usage
		}
		return frag, nil
	}
	if errors.Is(err, io.EOF) && !s.committed && s.usage.TotalTokens > 0 {
		s.committed = true
		s.budget.Commit(s.usage, s.model, s.prices)
	}
	return nil, err
}
