package policy

import (
	"context"
	"sync"
	"time"

	"github.com/pepperpy/pepperpy/internal/domain"
	"github.com/pepperpy/pepperpy/internal/domain/chat"
	"github.com/pepperpy/pepperpy/internal/port/provider"
)

// RateOptions configures the token-bucket limiter for one provider.
type RateOptions struct {
	RPS   float64
	Burst int
}

// Limiter is a wall-clock token bucket. One permit per call; callers
// suspend until a permit is available or their context ends.
type Limiter struct {
	mu        sync.Mutex
	tokens    float64
	updatedAt time.Time
	rps       float64
	burst     int
}

// NewLimiter creates a full bucket with the given sustained rate and
// burst size. A burst below 1 is raised to 1 so the bucket can always
// hold at least one permit.
func NewLimiter(rps float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		tokens:    float64(burst),
		updatedAt: time.Now(),
		rps:       rps,
		burst:     burst,
	}
}

// Wait blocks until a permit is consumed. A context deadline expiring
// during the wait surfaces as a timeout; explicit cancellation as
// Cancelled.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		wait, ok := l.tryConsume()
		if ok {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			if ctx.Err() == context.DeadlineExceeded {
				return provider.Errorf(provider.KindTimeout, "rate limit wait exceeded deadline")
			}
			return domain.Cancelled(ctx.Err())
		}
	}
}

// tryConsume refills the bucket from elapsed wall time and takes one
// token if available; otherwise it returns how long until one refills.
func (l *Limiter) tryConsume() (wait time.Duration, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(l.updatedAt).Seconds()
	l.tokens += elapsed * l.rps
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}
	l.updatedAt = now

	if l.tokens < 1 {
		return time.Duration((1 - l.tokens) / l.rps * float64(time.Second)), false
	}
	l.tokens--
	return 0, true
}

// LimiterRegistry holds one bucket per (provider kind, api key) pair.
// It is the single sanctioned process-wide shared structure: limits
// apply to the credential, not to any one orchestrator instance.
type LimiterRegistry struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
}

// Limiters is the process-wide registry.
var Limiters = &LimiterRegistry{limiters: make(map[string]*Limiter)}

// Get returns the bucket for (kind, apiKey), creating it with opts on
// first use. Later opts for the same pair are ignored.
func (r *LimiterRegistry) Get(kind, apiKey string, opts RateOptions) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := kind + "\x00" + apiKey
	if l, ok := r.limiters[key]; ok {
		return l
	}
	l := NewLimiter(opts.RPS, opts.Burst)
	r.limiters[key] = l
	return l
}

// rateLimitProvider consumes one permit per completion, and one per
// stream establishment.
type rateLimitProvider struct {
	inner   provider.Provider
	limiter *Limiter
}

// NewRateLimit wraps inner with the shared bucket for cfg's
// credential pair.
func NewRateLimit(inner provider.Provider, cfg provider.Config, opts RateOptions) provider.Provider {
	return &rateLimitProvider{
		inner:   inner,
		limiter: Limiters.Get(cfg.Kind, cfg.APIKey, opts),
	}
}

func (p *rateLimitProvider) Initialize(ctx context.Context) error { return p.inner.Initialize(ctx) }
func (p *rateLimitProvider) Ready() bool                          { return p.inner.Ready() }
func (p *rateLimitProvider) Cleanup(ctx context.Context) error    { return p.inner.Cleanup(ctx) }

func (p *rateLimitProvider) Complete(ctx context.Context, msgs []chat.Message, params provider.Params) (*chat.Response, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return p.inner.Complete(ctx, msgs, params)
}

func (p *rateLimitProvider) Stream(ctx context.Context, msgs []chat.Message, params provider.Params) (provider.Stream, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return p.inner.Stream(ctx, msgs, params)
}
