package history

import (
	"context"
	"time"
)

// Event is one state transition of a scheduled entity, exported to external
// analytics systems. The authoritative state lives in the store; history is
// append-only and advisory.
type Event struct {
	OccurredAt time.Time `json:"occurred_at"`
	Kind       string    `json:"kind"`
	EntityID   string    `json:"entity_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
}

// Sink is a destination for transition events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Record(ctx context.Context, e Event) error
}
