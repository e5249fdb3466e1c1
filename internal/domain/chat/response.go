package chat

import (
	"errors"
	"fmt"
)

// MetaCacheHit is the response metadata key set on cache hits. It is
// the only field that distinguishes a cached response from a fresh one.
const MetaCacheHit = "cache_hit"

// Usage holds token accounting for a single completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Validate checks non-negativity and that total = prompt + completion.
func (u Usage) Validate() error {
	if u.PromptTokens < 0 || u.CompletionTokens < 0 || u.TotalTokens < 0 {
		return errors.New("token counts must be non-negative")
	}
	if u.TotalTokens != u.PromptTokens+u.CompletionTokens {
		return fmt.Errorf("total tokens %d != prompt %d + completion %d",
			u.TotalTokens, u.PromptTokens, u.CompletionTokens)
	}
	return nil
}

// Normalized returns u with TotalTokens filled in when the backend
// omitted it.
func (u Usage) Normalized() Usage {
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}

// Add returns the element-wise sum of u and other.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + other.PromptTokens,
		CompletionTokens: u.CompletionTokens + other.CompletionTokens,
		TotalTokens:      u.TotalTokens + other.TotalTokens,
	}
}

// Response is a completed (or, for streams, partial) provider result.
// Responses are created only by provider adapters and never mutated;
// wrappers that need to annotate one work on a Clone.
type Response struct {
	Content      string         `json:"content"`
	Model        string         `json:"model"`
	Usage        Usage          `json:"usage"`
	FinishReason string         `json:"finish_reason"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Clone returns a copy of r with its own metadata map.
func (r *Response) Clone() *Response {
	out := *r
	out.Metadata = make(map[string]any, len(r.Metadata)+1)
	for k, v := range r.Metadata {
		out.Metadata[k] = v
	}
	return &out
}

// CacheHit reports whether r was served from the response cache.
func (r *Response) CacheHit() bool {
	hit, _ := r.Metadata[MetaCacheHit].(bool)
	return hit
}

// ToMap serializes the response to a plain map.
func (r *Response) ToMap() map[string]any {
	return map[string]any{
		"content":       r.Content,
		"model":         r.Model,
		"finish_reason": r.FinishReason,
		"usage": map[string]any{
			"prompt_tokens":     r.Usage.PromptTokens,
			"completion_tokens": r.Usage.CompletionTokens,
			"total_tokens":      r.Usage.TotalTokens,
		},
		"metadata": r.Metadata,
	}
}

// ResponseFromMap rebuilds a Response from its ToMap form.
func ResponseFromMap(in map[string]any) (*Response, error) {
	r := &Response{}
	r.Content, _ = in["content"].(string)
	r.Model, _ = in["model"].(string)
	r.FinishReason, _ = in["finish_reason"].(string)
	if md, ok := in["metadata"].(map[string]any); ok {
		r.Metadata = md
	}
	if u, ok := in["usage"].(map[string]any); ok {
		r.Usage.PromptTokens = intFrom(u["prompt_tokens"])
		r.Usage.CompletionTokens = intFrom(u["completion_tokens"])
		r.Usage.TotalTokens = intFrom(u["total_tokens"])
	}
	if err := r.Usage.Validate(); err != nil {
		return nil, fmt.Errorf("response usage: %w", err)
	}
	return r, nil
}

// intFrom tolerates the numeric types JSON decoding produces.
func intFrom(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
