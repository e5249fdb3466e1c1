// Package tracesink defines the port through which external tracing
// or persistence collaborators observe provider calls. The core emits
// events in insertion order and never persists anything itself.
package tracesink

import (
	"context"
	"time"

	"github.com/pepperpy/pepperpy/internal/domain/chat"
)

// Event records one provider call made on behalf of a team agent.
type Event struct {
	Time     time.Time
	RunID    string
	Team     string
	Agent    string
	Messages []chat.Message
	Response *chat.Response
	Err      error
	Usage    chat.Usage
	CacheHit bool
	Attempt  int
}

// Sink receives call events. Implementations must not block the run
// longer than they are willing to stall a provider call for.
type Sink interface {
	Emit(ctx context.Context, ev Event)
}

// Func adapts a function to the Sink interface.
type Func func(ctx context.Context, ev Event)

// Emit calls f.
func (f Func) Emit(ctx context.Context, ev Event) { f(ctx, ev) }
