// Package config provides hierarchical configuration loading for
// PepperPy. Precedence: defaults < YAML file < environment variables.
package config

import (
	"time"
)

// Config holds all runtime configuration for the orchestration core.
type Config struct {
	Server    Server              `yaml:"server"`
	Logging   Logging             `yaml:"logging"`
	Breaker   Breaker             `yaml:"breaker"`
	Retry     Retry               `yaml:"retry"`
	Rate      Rate                `yaml:"rate"`
	Cache     Cache               `yaml:"cache"`
	Budget    Budget              `yaml:"budget"`
	Providers map[string]Provider `yaml:"providers"`
	Agents    map[string]Agent    `yaml:"agents"`
	Teams     map[string]Team     `yaml:"teams"`
	Prices    map[string]Price    `yaml:"prices"`
}

// Server holds HTTP server configuration.
type Server struct {
	Port string `yaml:"port"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Format  string `yaml:"format"` // "json" or "text"
	Service string `yaml:"service"`
}

// Breaker holds circuit breaker configuration for provider backends.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Retry holds the default retry policy.
type Retry struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Jitter      float64       `yaml:"jitter"`
}

// Rate holds the default rate limit per provider credential.
type Rate struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// Cache holds response cache configuration.
type Cache struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int64         `yaml:"max_entries"` // 0 = unbounded session cache
}

// Budget holds the default per-run budget caps; zero disables a cap.
type Budget struct {
	Tokens  int     `yaml:"tokens"`
	CostUSD float64 `yaml:"cost_usd"`
}

// Provider describes one LLM backend.
type Provider struct {
	Kind        string         `yaml:"kind"`
	APIKey      string         `yaml:"api_key"`
	BaseURL     string         `yaml:"base_url"`
	Model       string         `yaml:"model"`
	Temperature float64        `yaml:"temperature"`
	MaxTokens   int            `yaml:"max_tokens"`
	Timeout     time.Duration  `yaml:"timeout"`
	Options     map[string]any `yaml:"options"`
}

// Agent describes one role-specialized agent.
type Agent struct {
	Role         string            `yaml:"role"`
	SystemPrompt string            `yaml:"system_prompt"`
	Provider     string            `yaml:"provider"`
	Metadata     map[string]string `yaml:"metadata"`
}

// Team describes one team of agents.
type Team struct {
	Strategy         string        `yaml:"strategy"`
	Members          []string      `yaml:"members"`
	MaxRounds        int           `yaml:"max_rounds"`
	PerAgentTimeout  time.Duration `yaml:"per_agent_timeout"`
	AggregateTimeout time.Duration `yaml:"aggregate_timeout"`
	ContinueOnError  bool          `yaml:"continue_on_error"`
	Quorum           int           `yaml:"quorum"`
	ComposerAgent    string        `yaml:"composer_agent"`
	ReviewRequired   bool          `yaml:"review_required"`
}

// Price holds per-1K-token prices for one model.
type Price struct {
	Prompt     float64 `yaml:"prompt"`
	Completion float64 `yaml:"completion"`
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Server: Server{
			Port: "8080",
		},
		Logging: Logging{
			Level:   "info",
			Format:  "json",
			Service: "pepperpy-core",
		},
		Breaker: Breaker{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		},
		Retry: Retry{
			MaxAttempts: 3,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    30 * time.Second,
			Jitter:      1,
		},
		Rate: Rate{
			RequestsPerSecond: 5,
			Burst:             10,
		},
		Cache: Cache{
			TTL:        0, // session-scoped
			MaxEntries: 0, // unbounded
		},
	}
}
