// Package provider defines the port interface every LLM backend
// adapter implements, plus the error taxonomy the policy layer is
// allowed to dispatch on.
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/pepperpy/pepperpy/internal/domain/chat"
)

// Params carries per-call overrides for a completion request.
type Params struct {
	Temperature *float64
	MaxTokens   int
	NoCache     bool
	Extra       map[string]any
}

// Provider is the uniform contract over heterogeneous LLM backends.
// Initialize and Cleanup are idempotent; Complete and Stream return
// errors from the taxonomy in errors.go.
type Provider interface {
	Initialize(ctx context.Context) error
	Ready() bool
	Complete(ctx context.Context, msgs []chat.Message, params Params) (*chat.Response, error)
	Stream(ctx context.Context, msgs []chat.Message, params Params) (Stream, error)
	Cleanup(ctx context.Context) error
}

// Stream is a lazy, finite, non-restartable sequence of response
// fragments. Next returns io.EOF after the final chunk; the final
// chunk carries the authoritative usage and finish reason. Close
// aborts the upstream request.
type Stream interface {
	Next(ctx context.Context) (*chat.Response, error)
	Close() error
}

// Config describes one provider backend. Immutable after registration.
type Config struct {
	Kind        string         `json:"kind" yaml:"kind"`
	APIKey      string         `json:"-" yaml:"api_key"`
	BaseURL     string         `json:"base_url,omitempty" yaml:"base_url"`
	Model       string         `json:"model" yaml:"model"`
	Temperature float64        `json:"temperature" yaml:"temperature"`
	MaxTokens   int            `json:"max_tokens" yaml:"max_tokens"`
	Timeout     time.Duration  `json:"timeout" yaml:"timeout"`
	Options     map[string]any `json:"options,omitempty" yaml:"options"`
}

// Validate checks that a Config is well-formed.
func (c *Config) Validate() error {
	if c.Kind == "" {
		return errors.New("provider kind is required")
	}
	if c.Model == "" {
		return errors.New("provider model is required")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return errors.New("temperature must be in [0, 2]")
	}
	if c.MaxTokens <= 0 {
		return errors.New("max_tokens must be positive")
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	return nil
}

// ValidateMessages enforces the input contract shared by all backends:
// at least one message, every message well-formed, and the last
// message's transport role is user or system.
func ValidateMessages(msgs []chat.Message) error {
	if len(msgs) == 0 {
		return &Error{Kind: KindInvalidRequest, Msg: "at least one message is required"}
	}
	for _, m := range msgs {
		if err := m.Validate(); err != nil {
			return &Error{Kind: KindInvalidRequest, Msg: err.Error()}
		}
	}
	// Agent roles lower to assistant on the wire, so the last message
	// must be literally user or system.
	last := msgs[len(msgs)-1].Role
	if last != chat.RoleUser && last != chat.RoleSystem {
		return &Error{Kind: KindInvalidRequest, Msg: "last message must be a user or system message"}
	}
	return nil
}
