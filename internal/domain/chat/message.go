// Package chat defines the message and response value types exchanged
// between agents and LLM providers.
package chat

import (
	"errors"
	"fmt"
	"strings"
)

// Role tags a message with its origin. The first three are transport
// roles understood by LLM backends; the rest are agent roles used in
// team composition and lowered to transport roles on the wire.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"

	RoleArchitect  Role = "architect"
	RoleDeveloper  Role = "developer"
	RoleReviewer   Role = "reviewer"
	RoleQA         Role = "qa"
	RoleResearcher Role = "researcher"
	RoleAnalyst    Role = "analyst"
	RolePlanner    Role = "planner"
	RoleExecutor   Role = "executor"
)

// ValidRole reports whether r is a known role.
func ValidRole(r Role) bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant,
		RoleArchitect, RoleDeveloper, RoleReviewer, RoleQA,
		RoleResearcher, RoleAnalyst, RolePlanner, RoleExecutor:
		return true
	}
	return false
}

// Transport reports whether r is a transport role accepted by backends.
func (r Role) Transport() bool {
	return r == RoleSystem || r == RoleUser || r == RoleAssistant
}

// ParseRole canonicalizes a role string.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !ValidRole(r) {
		return "", fmt.Errorf("unknown role: %q", s)
	}
	return r, nil
}

// Message is an immutable role-tagged piece of text. Name carries the
// agent role when the message was produced by a team member.
type Message struct {
	Role     Role           `json:"role"`
	Content  string         `json:"content"`
	Name     string         `json:"name,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Validate checks that a Message is well-formed.
func (m Message) Validate() error {
	if !ValidRole(m.Role) {
		return fmt.Errorf("invalid message role: %q", m.Role)
	}
	if m.Content == "" {
		return errors.New("message content is required")
	}
	return nil
}

// ToMap serializes the message to a plain map.
func (m Message) ToMap() map[string]any {
	out := map[string]any{
		"role":    string(m.Role),
		"content": m.Content,
	}
	if m.Name != "" {
		out["name"] = m.Name
	}
	if len(m.Metadata) > 0 {
		out["metadata"] = m.Metadata
	}
	return out
}

// MessageFromMap rebuilds a Message from its ToMap form.
func MessageFromMap(in map[string]any) (Message, error) {
	roleStr, _ := in["role"].(string)
	role, err := ParseRole(roleStr)
	if err != nil {
		return Message{}, err
	}
	m := Message{Role: role}
	m.Content, _ = in["content"].(string)
	m.Name, _ = in["name"].(string)
	if md, ok := in["metadata"].(map[string]any); ok {
		m.Metadata = md
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Transported returns msgs with agent roles lowered to transport roles:
// an agent-role message becomes an assistant message whose Name is the
// agent role. Transport-role messages pass through unchanged.
func Transported(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		if m.Role.Transport() {
			out[i] = m
			continue
		}
		name := m.Name
		if name == "" {
			name = string(m.Role)
		}
		out[i] = Message{Role: RoleAssistant, Content: m.Content, Name: name, Metadata: m.Metadata}
	}
	return out
}
