package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyang/promptlab/internal/domain/progress"
	portbus "github.com/alanyang/promptlab/internal/port/eventbus"
)

var _ portbus.EventBus = (*EventBus)(nil)

// Channel is the NOTIFY channel shared by every replica.
const Channel = "promptlab_progress"

// maxPayload is Postgres' NOTIFY payload limit minus some headroom.
const maxPayload = 7900

// EventBus relays progress messages through LISTEN/NOTIFY so a subscriber on any
// replica sees messages published by every other replica. Delivery is
// at-most-once: notifications sent while no connection is listening are lost.
type EventBus struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *EventBus {
	return &EventBus{pool: pool}
}

func (eb *EventBus) Publish(ctx context.Context, m progress.Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshaling progress message: %w", err)
	}
	if len(payload) > maxPayload {
		return fmt.Errorf("progress message %s is %d bytes, over the notify limit", m.Type, len(payload))
	}
	if _, err := eb.pool.Exec(ctx, "SELECT pg_notify($1, $2)", Channel, string(payload)); err != nil {
		return fmt.Errorf("publishing on channel %s: %w", Channel, err)
	}
	return nil
}

// Subscribe holds one pooled connection in LISTEN until the subscription ends
// or ctx is cancelled.
func (eb *EventBus) Subscribe(ctx context.Context, handler portbus.Handler) (portbus.Subscription, error) {
	conn, err := eb.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection for LISTEN: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("executing LISTEN on channel %s: %w", Channel, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer func() {
			conn.Exec(context.Background(), "UNLISTEN "+Channel) //nolint:errcheck
			conn.Release()
			close(sub.done)
		}()

		for {
			n, err := conn.Conn().WaitForNotification(subCtx)
			if err != nil {
				if subCtx.Err() != nil {
					return
				}
				slog.Error("progress listener stopped", "channel", Channel, "error", err)
				return
			}

			var m progress.Message
			if err := json.Unmarshal([]byte(n.Payload), &m); err != nil {
				slog.Warn("dropping undecodable progress notification", "error", err)
				continue
			}
			handler(subCtx, m)
		}
	}()

	return sub, nil
}

type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *subscription) Unsubscribe() {
	s.cancel()
	<-s.done
}
