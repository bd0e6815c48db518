package memory

import (
	"context"
	"sync"

	"github.com/alanyang/promptlab/internal/domain/execution"
	portstore "github.com/alanyang/promptlab/internal/port/eventstore"
)

var _ portstore.Store = (*EventStore)(nil)

// EventStore keeps the execution log in a slice. Events are never mutated or removed.
type EventStore struct {
	mu     sync.RWMutex
	events []execution.Event
	seq    int64
}

func NewEventStore() *EventStore {
	return &EventStore{}
}

func (s *EventStore) Append(_ context.Context, events ...execution.Event) ([]execution.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]execution.Event, len(events))
	for i, e := range events {
		s.seq++
		e.Seq = s.seq
		s.events = append(s.events, e)
		out[i] = e
	}
	return out, nil
}

func (s *EventStore) List(_ context.Context, f execution.Filter) ([]execution.Event, error) {
	// The log only grows, so the prefix seen here never changes after unlock
	// and the scan runs without holding up Append.
	s.mu.RLock()
	evs := s.events[:len(s.events):len(s.events)]
	s.mu.RUnlock()

	var out []execution.Event
	for _, e := range evs {
		if f.Matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}
