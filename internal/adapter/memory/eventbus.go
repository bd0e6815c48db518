package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/alanyang/promptlab/internal/domain/progress"
	portbus "github.com/alanyang/promptlab/internal/port/eventbus"
)

var _ portbus.EventBus = (*EventBus)(nil)

// EventBus delivers in-process. Handlers run synchronously on the publisher's
// goroutine, so they must not block.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[uuid.UUID]portbus.Handler
}

func NewEventBus() *EventBus {
	return &EventBus{handlers: make(map[uuid.UUID]portbus.Handler)}
}

func (b *EventBus) Publish(ctx context.Context, m progress.Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	b.mu.RLock()
	handlers := make([]portbus.Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, m)
	}
	return nil
}

func (b *EventBus) Subscribe(_ context.Context, handler portbus.Handler) (portbus.Subscription, error) {
	id := uuid.New()
	b.mu.Lock()
	b.handlers[id] = handler
	b.mu.Unlock()
	return &subscription{bus: b, id: id}, nil
}

type subscription struct {
	bus  *EventBus
	id   uuid.UUID
	once sync.Once
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.handlers, s.id)
		s.bus.mu.Unlock()
	})
}
