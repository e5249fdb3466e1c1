package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/pepperpy/pepperpy/internal/domain/chat"
	"github.com/pepperpy/pepperpy/internal/port/provider"
)

// cacheKeyRecord is the canonical form hashed into a cache key. Field
// order is fixed by the struct and map keys are sorted by the JSON
// encoder, so keys are stable across process restarts.
type cacheKeyRecord struct {
	Kind        string         `json:"kind"`
	Model       string         `json:"model"`
	Messages    []keyMessage   `json:"messages"`
	Temperature float64        `json:"temperature"`
	MaxTokens   int            `json:"max_tokens"`
	Options     map[string]any `json:"options,omitempty"`
}

type keyMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// CacheKey fingerprints a completion request. Normalization: roles
// canonicalized to lower case, trailing whitespace trimmed from
// content, fixed serialization order. ok is false when the request
// cannot be fingerprinted; such requests must bypass the cache.
func CacheKey(cfg provider.Config, msgs []chat.Message, params provider.Params) (key string, ok bool) {
	temperature := cfg.Temperature
	if params.Temperature != nil {
		temperature = *params.Temperature
	}
	maxTokens := cfg.MaxTokens
	if params.MaxTokens > 0 {
		maxTokens = params.MaxTokens
	}

	rec := cacheKeyRecord{
		Kind:        cfg.Kind,
		Model:       cfg.Model,
		Messages:    make([]keyMessage, 0, len(msgs)),
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Options:     cfg.Options,
	}
	for _, m := range msgs {
		rec.Messages = append(rec.Messages, keyMessage{
			Role:    strings.ToLower(string(m.Role)),
			Content: strings.TrimRight(m.Content, " \t\r\n"),
			Name:    m.Name,
		})
	}

	data, err := json.Marshal(rec)
	if err != nil {
		// Only unmarshalable option values can land here. A shared
		// fallback key would let distinct requests serve each other's
		// responses, so these requests skip the cache entirely.
		return "", false
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), true
}
