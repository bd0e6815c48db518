package eventstore

import (
	"context"

	"github.com/alanyang/promptlab/internal/domain/execution"
)

// Store is the durable, append-only execution log.
// [LSP] Memory, Postgres, and MySQL backends are interchangeable.
type Store interface {
	// Append writes events in the given order and returns them with Seq assigned.
	// Either all events are stored or none are.
	Append(ctx context.Context, events ...execution.Event) ([]execution.Event, error)

	// List returns matching events ordered by Seq ascending.
	List(ctx context.Context, filter execution.Filter) ([]execution.Event, error)
}
