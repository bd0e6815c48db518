package idempotency

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// StaleAfter is how long a claim may stay pending before another submitter
// may take it over. It covers a process that died between Claim and Complete.
const StaleAfter = time.Minute

// Claim is the state of a key owned by someone else.
type Claim struct {
	RunID uuid.UUID
	// Result is nil while the owner is still submitting.
	Result []byte
}

// Store makes a keyed submission happen at most once. The first Claim for a key
// wins; the winner then either Completes it with the result or Releases it.
type Store interface {
	// Claim reserves key for runID and reports whether the caller now owns it.
	// When it does not, the existing claim is returned; a zero Claim means the
	// key was released in between and the caller may try again.
	Claim(ctx context.Context, key string, runID uuid.UUID, opType string) (Claim, bool, error)
	// Complete stores the owner's result for later submitters.
	Complete(ctx context.Context, key string, runID uuid.UUID, result []byte) error
	// Release drops a pending claim owned by runID so the key can be used again.
	Release(ctx context.Context, key string, runID uuid.UUID) error
}
