package team

import "github.com/pepperpy/pepperpy/internal/domain/chat"

// AgentOutcome records one agent call within a team run: either a
// response or an error, never both.
type AgentOutcome struct {
	Agent    string         `json:"agent"`
	Response *chat.Response `json:"response,omitempty"`
	Err      error          `json:"-"`
}

// OK reports whether the outcome is a successful response.
func (o AgentOutcome) OK() bool {
	return o.Err == nil && o.Response != nil
}

// Result is the aggregate outcome of a team run. PerAgent ordering
// follows the member list for sequential and review strategies and
// completion order for parallel, each entry tagged by agent name.
type Result struct {
	Success  bool           `json:"success"`
	Output   string         `json:"output"`
	PerAgent []AgentOutcome `json:"per_agent"`
	Usage    chat.Usage     `json:"usage"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewResult returns an empty result with an allocated metadata map.
func NewResult() *Result {
	return &Result{Metadata: make(map[string]any)}
}
