// Package team defines the team and agent configuration value types
// and the result record produced by a team run.
package team

import (
	"errors"
	"time"

	"github.com/pepperpy/pepperpy/internal/domain/chat"
)

// Strategy defines how a team composes its members' executions.
type Strategy string

const (
	StrategySequential Strategy = "sequential"
	StrategyParallel   Strategy = "parallel"
	StrategyReviewLoop Strategy = "review_loop"
)

// ValidStrategy reports whether s is a known strategy.
func ValidStrategy(s Strategy) bool {
	switch s {
	case StrategySequential, StrategyParallel, StrategyReviewLoop:
		return true
	}
	return false
}

// AgentConfig describes one role-specialized agent. Role specialization
// is data: there is a single agent type parameterized by this config.
type AgentConfig struct {
	Name         string            `json:"name" yaml:"name"`
	Role         chat.Role         `json:"role" yaml:"role"`
	SystemPrompt string            `json:"system_prompt" yaml:"system_prompt"`
	ProviderRef  string            `json:"provider_ref" yaml:"provider"`
	Metadata     map[string]string `json:"metadata,omitempty" yaml:"metadata"`
}

// Validate checks that an AgentConfig is well-formed.
func (a *AgentConfig) Validate() error {
	if a.Name == "" {
		return errors.New("agent name is required")
	}
	if !chat.ValidRole(a.Role) {
		return errors.New("invalid agent role: " + string(a.Role))
	}
	if a.Role.Transport() {
		return errors.New("agent role must not be a transport role: " + string(a.Role))
	}
	if a.SystemPrompt == "" {
		return errors.New("agent system prompt is required")
	}
	if a.ProviderRef == "" {
		return errors.New("agent provider ref is required")
	}
	return nil
}

// Config describes a team: an ordered member list plus a strategy.
type Config struct {
	Name             string        `json:"name" yaml:"name"`
	Strategy         Strategy      `json:"strategy" yaml:"strategy"`
	Members          []string      `json:"members" yaml:"members"`
	MaxRounds        int           `json:"max_rounds" yaml:"max_rounds"`
	PerAgentTimeout  time.Duration `json:"per_agent_timeout" yaml:"per_agent_timeout"`
	AggregateTimeout time.Duration `json:"aggregate_timeout" yaml:"aggregate_timeout"`
	ContinueOnError  bool          `json:"continue_on_error" yaml:"continue_on_error"`
	Quorum           int           `json:"quorum" yaml:"quorum"`
	ComposerAgent    string        `json:"composer_agent,omitempty" yaml:"composer_agent"`
	ReviewRequired   bool          `json:"review_required" yaml:"review_required"`
}

// Validate checks that a Config is well-formed given its members'
// agent configs, keyed by agent name.
func (c *Config) Validate(agents map[string]AgentConfig) error {
	if c.Name == "" {
		return errors.New("team name is required")
	}
	if !ValidStrategy(c.Strategy) {
		return errors.New("invalid team strategy: " + string(c.Strategy))
	}
	if len(c.Members) == 0 {
		return errors.New("at least one member is required")
	}
	if c.MaxRounds < 1 {
		return errors.New("max_rounds must be at least 1")
	}
	if c.PerAgentTimeout <= 0 {
		return errors.New("per_agent_timeout must be positive")
	}
	if c.AggregateTimeout <= 0 {
		return errors.New("aggregate_timeout must be positive")
	}
	if c.Quorum < 0 || c.Quorum > len(c.Members) {
		return errors.New("quorum must be between 0 and the member count")
	}

	seen := make(map[string]bool, len(c.Members))
	for _, name := range c.Members {
		if name == "" {
			return errors.New("member name is required")
		}
		if seen[name] {
			return errors.New("duplicate member: " + name)
		}
		seen[name] = true
		if _, ok := agents[name]; !ok {
			return errors.New("member references unknown agent: " + name)
		}
	}

	if c.ComposerAgent != "" && !seen[c.ComposerAgent] {
		return errors.New("composer agent is not a member: " + c.ComposerAgent)
	}

	if c.Strategy == StrategyReviewLoop {
		if len(c.Members) != 2 {
			return errors.New("review_loop requires exactly two members")
		}
		reviewers := 0
		for _, name := range c.Members {
			if agents[name].Role == chat.RoleReviewer {
				reviewers++
			}
		}
		if reviewers != 1 {
			return errors.New("review_loop requires exactly one member with the reviewer role")
		}
	}

	return nil
}

// Reviewer returns the index of the reviewer member for a review-loop
// team; callers must have validated the config first.
func (c *Config) Reviewer(agents map[string]AgentConfig) int {
	for i, name := range c.Members {
		if agents[name].Role == chat.RoleReviewer {
			return i
		}
	}
	return -1
}
