package policy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pepperpy/pepperpy/internal/domain"
	"github.com/pepperpy/pepperpy/internal/domain/chat"
	"github.com/pepperpy/pepperpy/internal/port/provider"
)

// Store is the backend interface for the response cache; the default
// is the session-scoped map, with a ristretto-backed LRU available for
// bounded deployments.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// CacheOptions configures the cache wrapper.
type CacheOptions struct {
	Store Store
	// TTL bounds entry lifetime; zero means session-scoped (entries
	// live until process end or store eviction).
	TTL time.Duration
}

// cacheProvider memoizes completions keyed by the request fingerprint,
// collapsing concurrent identical requests into one provider call.
type cacheProvider struct {
	inner provider.Provider
	cfg   provider.Config
	store Store
	ttl   time.Duration
	group singleflight.Group
}

// NewCache wraps inner with a response cache. A nil Store gets a
// fresh session store.
func NewCache(inner provider.Provider, cfg provider.Config, opts CacheOptions) provider.Provider {
	store := opts.Store
	if store == nil {
		store = NewSessionStore()
	}
	return &cacheProvider{inner: inner, cfg: cfg, store: store, ttl: opts.TTL}
}

func (p *cacheProvider) Initialize(ctx context.Context) error { return p.inner.Initialize(ctx) }
func (p *cacheProvider) Ready() bool                          { return p.inner.Ready() }
func (p *cacheProvider) Cleanup(ctx context.Context) error    { return p.inner.Cleanup(ctx) }

func (p *cacheProvider) Complete(ctx context.Context, msgs []chat.Message, params provider.Params) (*chat.Response, error) {
	if params.NoCache {
		return p.inner.Complete(ctx, msgs, params)
	}
	key, ok := CacheKey(p.cfg, msgs, params)
	if !ok {
		return p.inner.Complete(ctx, msgs, params)
	}

	if resp, ok := p.lookup(ctx, key); ok {
		return resp, nil
	}

	// Singleflight: concurrent callers for the same key attach to the
	// in-flight call and share its response or its error. Attached
	// callers keep their own cancellation.
	ch := p.group.DoChan(key, func() (any, error) {
		resp, err := p.inner.Complete(ctx, msgs, params)
		if err != nil {
			return nil, err
		}
		p.put(ctx, key, resp)
		return resp, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*chat.Response).Clone(), nil
	case <-ctx.Done():
		return nil, domain.Cancelled(ctx.Err())
	}
}

// Stream serves cache hits as a single-chunk replay and tees misses
// into the store once the stream completes. Partial streams are never
// shared mid-flight.
func (p *cacheProvider) Stream(ctx context.Context, msgs []chat.Message, params provider.Params) (provider.Stream, error) {
	if params.NoCache {
		return p.inner.Stream(ctx, msgs, params)
	}
	key, ok := CacheKey(p.cfg, msgs, params)
	if !ok {
		return p.inner.Stream(ctx, msgs, params)
	}

	if resp, ok := p.lookup(ctx, key); ok {
		return &replayStream{resp: resp}, nil
	}

	inner, err := p.inner.Stream(ctx, msgs, params)
	if err != nil {
		return nil, err
	}
	return &teeStream{inner: inner, cache: p, ctx: ctx, key: key, model: p.cfg.Model}, nil
}

// lookup revives a stored response and marks it as a cache hit.
func (p *cacheProvider) lookup(ctx context.Context, key string) (*chat.Response, bool) {
	data, ok, err := p.store.Get(ctx, key)
	if err != nil || !ok {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		_ = p.store.Delete(ctx, key)
		return nil, false
	}
	resp, err := chat.ResponseFromMap(m)
	if err != nil {
		_ = p.store.Delete(ctx, key)
		return nil, false
	}
	hit := resp.Clone()
	hit.Metadata[chat.MetaCacheHit] = true
	return hit, true
}

func (p *cacheProvider) put(ctx context.Context, key string, resp *chat.Response) {
	stored := resp.Clone()
	delete(stored.Metadata, chat.MetaCacheHit)
	data, err := json.Marshal(stored.ToMap())
	if err != nil {
		return
	}
	_ = p.store.Set(ctx, key, data, p.ttl)
}

// replayStream yields a cached response as one chunk.
type replayStream struct {
	resp *chat.Response
	done bool
}

func (s *replayStream) Next(_ context.Context) (*chat.Response, error) {
	if s.done {
		return nil, io.EOF
	}
	s.done = true
	return s.resp, nil
}

func (s *replayStream) Close() error { return nil }

// teeStream accumulates fragments and writes the assembled response
// to the cache only after a clean EOF.
type teeStream struct {
	inner   provider.Stream
	cache   *cacheProvider
	ctx     context.Context
	key     string
	model   string
	content []byte
	usage   chat.Usage
	finish  string
	failed  bool
}

func (s *teeStream) Next(ctx context.Context) (*chat.Response, error) {
	frag, err := s.inner.Next(ctx)
	if err == nil {
		s.content = append(s.content, frag.Content...)
		if frag.Usage.TotalTokens > 0 {
			s.usage = frag.Usage
		}
		if frag.FinishReason != "" {
			s.finish = frag.FinishReason
		}
		if frag.Model != "" {
			s.model = frag.Model
		}
		return frag, nil
	}
	if errors.Is(err, io.EOF) && !s.failed {
		s.cache.put(s.ctx, s.key, &chat.Response{
			Content:      string(s.content),
			Model:        s.model,
			Usage:        s.usage,
			FinishReason: s.finish,
			Metadata:     map[string]any{},
		})
	} else if !errors.Is(err, io.EOF) {
		s.failed = true
	}
	return nil, err
}

func (s *teeStream) Close() error {
	s.failed = true
	return s.inner.Close()
}
