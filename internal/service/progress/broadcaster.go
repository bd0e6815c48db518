package progress

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/alanyang/promptlab/internal/domain/fault"
	domainprogress "github.com/alanyang/promptlab/internal/domain/progress"
)

const DefaultBuffer = 64

// Subscriber receives the messages of one room on C. C is closed when the
// subscriber is removed.
type Subscriber struct {
	ID   uuid.UUID
	Room domainprogress.Room
	C    <-chan domainprogress.Message

	ch      chan domainprogress.Message
	dropped atomic.Int64
}

// Dropped counts messages this subscriber missed because its buffer was full.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

// Broadcaster fans messages out to room subscribers.
//
// Delivery is at-most-once with no replay: a message is offered to each
// subscriber's buffer without blocking and dropped if the buffer is full, so
// one slow subscriber never holds up another. A subscriber that reconnects
// only sees messages published after it joined again.
type Broadcaster struct {
	mu     sync.RWMutex
	rooms  map[domainprogress.Room]map[uuid.UUID]*Subscriber
	byID   map[uuid.UUID]*Subscriber
	buffer int
	closed bool
}

func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broadcaster{
		rooms:  make(map[domainprogress.Room]map[uuid.UUID]*Subscriber),
		byID:   make(map[uuid.UUID]*Subscriber),
		buffer: buffer,
	}
}

func (b *Broadcaster) Subscribe(room domainprogress.Room) (*Subscriber, error) {
	if !room.Valid() {
		return nil, fmt.Errorf("%w: session_id and card_id are required", fault.ErrValidation)
	}
	ch := make(chan domainprogress.Message, b.buffer)
	s := &Subscriber{ID: uuid.New(), Room: room, C: ch, ch: ch}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("broadcaster closed")
	}
	members, ok := b.rooms[room]
	if !ok {
		members = make(map[uuid.UUID]*Subscriber)
		b.rooms[room] = members
	}
	members[s.ID] = s
	b.byID[s.ID] = s
	return s, nil
}

// Unsubscribe removes the subscriber and closes its channel. Unknown ids report false.
func (b *Broadcaster) Unsubscribe(id uuid.UUID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.byID[id]
	if !ok {
		return false
	}
	delete(b.byID, id)
	if members := b.rooms[s.Room]; members != nil {
		delete(members, id)
		if len(members) == 0 {
			delete(b.rooms, s.Room)
		}
	}
	close(s.ch)
	return true
}

// Publish delivers m to its room, or to every room for global kinds. It returns
// how many subscribers accepted the message.
func (b *Broadcaster) Publish(m domainprogress.Message) int {
	if err := m.Validate(); err != nil {
		slog.Warn("broadcaster: dropping invalid message", "type", m.Type, "error", err)
		return 0
	}

	// Holding the read lock keeps Unsubscribe from closing a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	offer := func(s *Subscriber) {
		select {
		case s.ch <- m:
			delivered++
		default:
			s.dropped.Add(1)
		}
	}
	if m.Type.Global() {
		for _, s := range b.byID {
			offer(s)
		}
		return delivered
	}
	for _, s := range b.rooms[m.Room()] {
		offer(s)
	}
	return delivered
}

// Handle adapts Publish to an event bus handler.
func (b *Broadcaster) Handle(_ context.Context, m domainprogress.Message) {
	b.Publish(m)
}

// Subscribers reports the number of subscribers in room.
func (b *Broadcaster) Subscribers(room domainprogress.Room) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms[room])
}

// Close removes every subscriber.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, s := range b.byID {
		close(s.ch)
		delete(b.byID, id)
	}
	b.rooms = make(map[domainprogress.Room]map[uuid.UUID]*Subscriber)
}
