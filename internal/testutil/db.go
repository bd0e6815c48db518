//go:build integration

package testutil

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyang/promptlab/internal/adapter/postgres"
)

// SetupTestDB connects to the test database and applies the schema.
// It skips the test if TEST_DATABASE_URL is not set.
// Every call shares one database, so tests isolate themselves with unique card ids.
func SetupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	pool, err := postgres.Connect(ctx, url, 8)
	if err != nil {
		t.Fatalf("connect to test DB: %v", err)
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("migrate test DB: %v", err)
	}

	t.Cleanup(func() { pool.Close() })
	return pool
}

// InsertCard writes a card and its test cases the way the CRUD layer would.
func InsertCard(t *testing.T, pool *pgxpool.Pool, id, template string, schema []byte, cases map[string]string) {
	t.Helper()
	ctx := context.Background()
	if _, err := pool.Exec(ctx,
		`INSERT INTO prompt_cards (id, name, template, model, input_schema) VALUES ($1, $1, $2, 'small', $3)`,
		id, template, schema); err != nil {
		t.Fatalf("insert card %s: %v", id, err)
	}
	pos := 0
	for caseID, name := range cases {
		if _, err := pool.Exec(ctx,
			`INSERT INTO prompt_test_cases (card_id, id, name, inputs, position) VALUES ($1, $2, $3, $4, $5)`,
			id, caseID, name, []byte(`{"name":"`+name+`"}`), pos); err != nil {
			t.Fatalf("insert test case %s/%s: %v", id, caseID, err)
		}
		pos++
	}
}
