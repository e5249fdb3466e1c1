package policy

import (
	"github.com/pepperpy/pepperpy/internal/port/provider"
)

// Options bundles the policy configuration for one provider chain.
type Options struct {
	Retry  RetryOptions
	Rate   RateOptions
	Cache  CacheOptions
	Prices PriceTable
}

// Wrap composes the policy wrappers around p, outermost first:
// Budget -> Cache -> RateLimit -> Retry -> p. Budget short-circuits
// before any network work; cache sees the post-dedupe request; the
// rate limit shapes traffic before retries multiply it; retry sits
// against the provider so it observes raw errors.
func Wrap(p provider.Provider, cfg provider.Config, opts Options) provider.Provider {
	wrapped := NewRetry(p, opts.Retry)
	if opts.Rate.RPS > 0 {
		wrapped = NewRateLimit(wrapped, cfg, opts.Rate)
	}
	wrapped = NewCache(wrapped, cfg, opts.Cache)
	wrapped = NewBudgetWrapper(wrapped, cfg, opts.Prices)
	return wrapped
}
