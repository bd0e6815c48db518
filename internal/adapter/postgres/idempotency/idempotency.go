package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	portidem "github.com/alanyang/promptlab/internal/port/idempotency"
)

var _ portidem.Store = (*Repository)(nil)

// claimQuery inserts a pending claim, or takes over one whose owner went quiet.
// No row comes back when the key is held by someone else.
const claimQuery = `
	INSERT INTO processed_operations (idempotency_key, run_id, operation_type, created_at)
	VALUES ($1, $2, $3, NOW())
	ON CONFLICT (idempotency_key) DO UPDATE
		SET run_id = EXCLUDED.run_id, operation_type = EXCLUDED.operation_type, created_at = NOW()
		WHERE processed_operations.result_jsonb IS NULL
		  AND processed_operations.created_at < NOW() - make_interval(secs => $4)
	RETURNING run_id`

// Repository stores submission claims in processed_operations. The primary key
// on idempotency_key is what makes concurrent claims race-free across replicas.
type Repository struct {
	pool       *pgxpool.Pool
	staleAfter time.Duration
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, staleAfter: portidem.StaleAfter}
}

func (r *Repository) Claim(ctx context.Context, key string, runID uuid.UUID, opType string) (portidem.Claim, bool, error) {
	var owner uuid.UUID
	err := r.pool.QueryRow(ctx, claimQuery, key, runID, opType, r.staleAfter.Seconds()).Scan(&owner)
	if err == nil {
		return portidem.Claim{RunID: owner}, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return portidem.Claim{}, false, fmt.Errorf("claiming idempotency key: %w", err)
	}

	var c portidem.Claim
	err = r.pool.QueryRow(ctx,
		`SELECT run_id, result_jsonb FROM processed_operations WHERE idempotency_key = $1`, key,
	).Scan(&c.RunID, &c.Result)
	if errors.Is(err, pgx.ErrNoRows) {
		// Released between the two statements.
		return portidem.Claim{}, false, nil
	}
	if err != nil {
		return portidem.Claim{}, false, fmt.Errorf("reading idempotency claim: %w", err)
	}
	return c, false, nil
}

func (r *Repository) Complete(ctx context.Context, key string, runID uuid.UUID, result []byte) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE processed_operations SET result_jsonb = $3 WHERE idempotency_key = $1 AND run_id = $2`,
		key, runID, result)
	if err != nil {
		return fmt.Errorf("completing idempotency key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("idempotency key %q is not held by run %s", key, runID)
	}
	return nil
}

func (r *Repository) Release(ctx context.Context, key string, runID uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM processed_operations WHERE idempotency_key = $1 AND run_id = $2 AND result_jsonb IS NULL`,
		key, runID)
	if err != nil {
		return fmt.Errorf("releasing idempotency key: %w", err)
	}
	return nil
}
