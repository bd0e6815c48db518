package eventbus

import (
	"context"

	"github.com/alanyang/promptlab/internal/domain/progress"
)

type Handler func(ctx context.Context, m progress.Message)

type Subscription interface {
	Unsubscribe()
}

// EventBus relays live progress messages. Delivery is at-most-once: a message
// published while no subscriber is attached is gone.
type EventBus interface {
	Publish(ctx context.Context, m progress.Message) error
	Subscribe(ctx context.Context, handler Handler) (Subscription, error)
}
