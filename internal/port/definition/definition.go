package definition

import (
	"context"

	"github.com/alanyang/promptlab/internal/domain/card"
)

// Lookup is the read-only view of prompt card definitions.
// [DIP] The run service depends on this, never on the CRUD storage behind it.
type Lookup interface {
	// GetCard returns the card and all of its test cases. Unknown ids wrap fault.ErrNotFound.
	GetCard(ctx context.Context, cardID string) (card.Card, error)
}
