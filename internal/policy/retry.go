package policy

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/pepperpy/pepperpy/internal/domain"
	"github.com/pepperpy/pepperpy/internal/domain/chat"
	"github.com/pepperpy/pepperpy/internal/port/provider"
)

// MetaAttempts is the response metadata key recording how many
// provider attempts a successful call took.
const MetaAttempts = "attempts"

// RetryOptions configures the retry wrapper.
type RetryOptions struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
	// RetryOn decides whether an error is worth another attempt.
	// Nil means the provider taxonomy's default retryable set.
	RetryOn func(error) bool
	// rng is swappable for deterministic tests.
	rng func() float64
}

// DefaultRetryOptions returns the retry defaults.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Jitter:      1,
	}
}

func (o RetryOptions) normalized() RetryOptions {
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 1
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 500 * time.Millisecond
	}
	if o.MaxDelay < o.BaseDelay {
		o.MaxDelay = o.BaseDelay
	}
	if o.Jitter < 0 {
		o.Jitter = 0
	}
	if o.Jitter > 1 {
		o.Jitter = 1
	}
	if o.RetryOn == nil {
		o.RetryOn = provider.IsRetryable
	}
	if o.rng == nil {
		o.rng = rand.Float64
	}
	return o
}

// delay computes the backoff before attempt k+1 (k is 1-indexed):
// exponential with full jitter, clamped to MaxDelay. A rate-limited
// error carrying a Retry-After hint overrides the exponential term.
func (o RetryOptions) delay(attempt int, err error) time.Duration {
	d := o.BaseDelay << (attempt - 1)
	if d > o.MaxDelay || d <= 0 {
		d = o.MaxDelay
	}
	var pe *provider.Error
	if errors.As(err, &pe) && pe.Kind == provider.KindRateLimited && pe.RetryAfter > 0 {
		d = pe.RetryAfter
		if d > o.MaxDelay {
			d = o.MaxDelay
		}
	}
	return time.Duration(float64(d) * (1 - o.Jitter*o.rng()))
}

// retryProvider retries retryable failures with exponential backoff.
// It sits innermost in the chain so it sees raw provider errors.
type retryProvider struct {
	inner provider.Provider
	opts  RetryOptions
}

// NewRetry wraps inner with retry behavior.
func NewRetry(inner provider.Provider, opts RetryOptions) provider.Provider {
	return &retryProvider{inner: inner, opts: opts.normalized()}
}

func (p *retryProvider) Initialize(ctx context.Context) error { return p.inner.Initialize(ctx) }
func (p *retryProvider) Ready() bool                          { return p.inner.Ready() }
func (p *retryProvider) Cleanup(ctx context.Context) error    { return p.inner.Cleanup(ctx) }

func (p *retryProvider) Complete(ctx context.Context, msgs []chat.Message, params provider.Params) (*chat.Response, error) {
	var resp *chat.Response
	err := p.attempt(ctx, func(ctx context.Context, attempt int) error {
		r, callErr := p.inner.Complete(ctx, msgs, params)
		if callErr != nil {
			return callErr
		}
		resp = r.Clone()
		resp.Metadata[MetaAttempts] = attempt
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Stream retries stream establishment only; a stream that fails after
// its first chunk is not restartable.
func (p *retryProvider) Stream(ctx context.Context, msgs []chat.Message, params provider.Params) (provider.Stream, error) {
	var stream provider.Stream
	err := p.attempt(ctx, func(ctx context.Context, _ int) error {
		s, callErr := p.inner.Stream(ctx, msgs, params)
		if callErr != nil {
			return callErr
		}
		stream = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func (p *retryProvider) attempt(ctx context.Context, call func(context.Context, int) error) error {
	var lastErr error
	for attempt := 1; attempt <= p.opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return domain.Cancelled(lastErr)
		}

		lastErr = call(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if !p.opts.RetryOn(lastErr) || attempt == p.opts.MaxAttempts {
			return lastErr
		}

		select {
		case <-time.After(p.opts.delay(attempt, lastErr)):
		case <-ctx.Done():
			return domain.Cancelled(lastErr)
		}
	}
	return lastErr
}
