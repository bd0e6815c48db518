package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyang/promptlab/internal/domain/fault"
	domainrun "github.com/alanyang/promptlab/internal/domain/run"
	portrun "github.com/alanyang/promptlab/internal/port/run"
)

var _ portrun.Repository = (*Repository)(nil)

type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const columns = `id, card_id, session_id, test_cases, priority, requested_parallelism,
	status, instance_id, error_kind, submitted_at, started_at, finished_at`

func (r *Repository) Create(ctx context.Context, req domainrun.Request) (domainrun.Request, error) {
	testCases, err := json.Marshal(req.TestCases)
	if err != nil {
		return domainrun.Request{}, fmt.Errorf("encoding test cases: %w", err)
	}
	query := `
		INSERT INTO runs (` + columns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING ` + columns

	created, err := scanRun(r.pool.QueryRow(ctx, query,
		req.ID, req.CardID, req.SessionID, testCases, string(req.Priority), req.RequestedParallelism,
		string(req.Status), req.InstanceID, nilIfEmpty(req.ErrorKind), req.SubmittedAt, req.StartedAt, req.FinishedAt,
	))
	if err != nil {
		return domainrun.Request{}, fmt.Errorf("inserting run: %w", err)
	}
	return created, nil
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (domainrun.Request, error) {
	req, err := scanRun(r.pool.QueryRow(ctx, `SELECT `+columns+` FROM runs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domainrun.Request{}, fmt.Errorf("run %s: %w", id, fault.ErrNotFound)
		}
		return domainrun.Request{}, fmt.Errorf("querying run: %w", err)
	}
	return req, nil
}

func (r *Repository) List(ctx context.Context, filters domainrun.ListFilters) ([]domainrun.Request, error) {
	query := `SELECT ` + columns + ` FROM runs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filters.CardID != nil {
		query += fmt.Sprintf(" AND card_id = $%d", argIdx)
		args = append(args, *filters.CardID)
		argIdx++
	}
	if filters.InstanceID != nil {
		query += fmt.Sprintf(" AND instance_id = $%d", argIdx)
		args = append(args, *filters.InstanceID)
		argIdx++
	}
	if len(filters.Statuses) > 0 {
		statuses := make([]string, len(filters.Statuses))
		for i, s := range filters.Statuses {
			statuses[i] = string(s)
		}
		query += fmt.Sprintf(" AND status = ANY($%d)", argIdx)
		args = append(args, statuses)
		argIdx++
	}

	query += " ORDER BY submitted_at"
	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []domainrun.Request
	for rows.Next() {
		req, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run row: %w", err)
		}
		runs = append(runs, req)
	}
	return runs, rows.Err()
}

func (r *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to domainrun.Status, errorKind string) error {
	now := time.Now().UTC()
	var query string
	var args []interface{}

	switch {
	case to == domainrun.StatusRunning:
		query = `UPDATE runs SET status = $1, started_at = $2 WHERE id = $3 AND status = $4`
		args = []interface{}{string(to), now, id, string(from)}
	case to.Terminal():
		query = `UPDATE runs SET status = $1, finished_at = $2, error_kind = $5 WHERE id = $3 AND status = $4`
		args = []interface{}{string(to), now, id, string(from), nilIfEmpty(errorKind)}
	default:
		query = `UPDATE runs SET status = $1 WHERE id = $2 AND status = $3`
		args = []interface{}{string(to), id, string(from)}
	}

	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating run status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, gerr := r.GetByID(ctx, id); errors.Is(gerr, fault.ErrNotFound) {
			return gerr
		}
		return fmt.Errorf("run %s status CAS failed: expected status %s", id, from)
	}
	return nil
}

func scanRun(row pgx.Row) (domainrun.Request, error) {
	var (
		req       domainrun.Request
		testCases []byte
		errorKind *string
	)
	if err := row.Scan(
		&req.ID, &req.CardID, &req.SessionID, &testCases, &req.Priority, &req.RequestedParallelism,
		&req.Status, &req.InstanceID, &errorKind, &req.SubmittedAt, &req.StartedAt, &req.FinishedAt,
	); err != nil {
		return domainrun.Request{}, err
	}
	if err := json.Unmarshal(testCases, &req.TestCases); err != nil {
		return domainrun.Request{}, fmt.Errorf("decoding test cases: %w", err)
	}
	if errorKind != nil {
		req.ErrorKind = *errorKind
	}
	req.SubmittedAt = req.SubmittedAt.UTC()
	return req, nil
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
