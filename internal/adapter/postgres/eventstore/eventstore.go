package eventstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyang/promptlab/internal/domain/execution"
	portstore "github.com/alanyang/promptlab/internal/port/eventstore"
)

var _ portstore.Store = (*Store)(nil)

// Store is the execution log in Postgres. The BIGSERIAL seq column is the
// append order.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Append inserts all events in one transaction, in the order given.
func (s *Store) Append(ctx context.Context, events ...execution.Event) ([]execution.Event, error) {
	if len(events) == 0 {
		return nil, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	batch := &pgx.Batch{}
	for _, e := range events {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("encoding payload for event %s: %w", e.ID, err)
		}
		batch.Queue(`
			INSERT INTO execution_events (id, event_type, run_id, card_id, ts, payload)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING seq`,
			e.ID, string(e.Type), e.RunID, e.CardID, e.Timestamp, payload)
	}

	out := make([]execution.Event, len(events))
	br := tx.SendBatch(ctx, batch)
	for i, e := range events {
		if err := br.QueryRow().Scan(&e.Seq); err != nil {
			br.Close()
			return nil, fmt.Errorf("inserting event %s: %w", e.ID, err)
		}
		out[i] = e
	}
	if err := br.Close(); err != nil {
		return nil, fmt.Errorf("closing append batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return out, nil
}

func (s *Store) List(ctx context.Context, f execution.Filter) ([]execution.Event, error) {
	query := `SELECT seq, id, event_type, run_id, card_id, ts, payload FROM execution_events WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if f.CardID != "" {
		query += fmt.Sprintf(" AND card_id = $%d", argIdx)
		args = append(args, f.CardID)
		argIdx++
	}
	if f.RunID != uuid.Nil {
		query += fmt.Sprintf(" AND run_id = $%d", argIdx)
		args = append(args, f.RunID)
		argIdx++
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		query += fmt.Sprintf(" AND event_type = ANY($%d)", argIdx)
		args = append(args, types)
		argIdx++
	}
	if !f.From.IsZero() {
		query += fmt.Sprintf(" AND ts >= $%d", argIdx)
		args = append(args, f.From)
		argIdx++
	}
	if !f.To.IsZero() {
		query += fmt.Sprintf(" AND ts <= $%d", argIdx)
		args = append(args, f.To)
	}
	query += " ORDER BY seq"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	var events []execution.Event
	for rows.Next() {
		var (
			e       execution.Event
			payload []byte
		)
		if err := rows.Scan(&e.Seq, &e.ID, &e.Type, &e.RunID, &e.CardID, &e.Timestamp, &payload); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("decoding payload for event %s: %w", e.ID, err)
		}
		e.Timestamp = e.Timestamp.UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}
