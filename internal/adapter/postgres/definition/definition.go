package definition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyang/promptlab/internal/domain/card"
	"github.com/alanyang/promptlab/internal/domain/fault"
	portdef "github.com/alanyang/promptlab/internal/port/definition"
)

var _ portdef.Lookup = (*Repository)(nil)

// Repository reads prompt cards written by the CRUD layer. It never writes.
type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) GetCard(ctx context.Context, cardID string) (card.Card, error) {
	var (
		c      card.Card
		schema []byte
	)
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, template, model, input_schema FROM prompt_cards WHERE id = $1`, cardID,
	).Scan(&c.ID, &c.Name, &c.Template, &c.Model, &schema)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return card.Card{}, fmt.Errorf("card %s: %w", cardID, fault.ErrNotFound)
		}
		return card.Card{}, fmt.Errorf("querying card: %w", err)
	}
	if len(schema) > 0 {
		c.InputSchema = json.RawMessage(schema)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, name, inputs, expected
		FROM prompt_test_cases
		WHERE card_id = $1
		ORDER BY position, id`, cardID)
	if err != nil {
		return card.Card{}, fmt.Errorf("querying test cases: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			tc     card.TestCase
			inputs []byte
		)
		if err := rows.Scan(&tc.ID, &tc.Name, &inputs, &tc.Expected); err != nil {
			return card.Card{}, fmt.Errorf("scanning test case row: %w", err)
		}
		if err := json.Unmarshal(inputs, &tc.Inputs); err != nil {
			return card.Card{}, fmt.Errorf("decoding inputs for test case %s: %w", tc.ID, err)
		}
		c.TestCases = append(c.TestCases, tc)
	}
	return c, rows.Err()
}
