package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/david/bandi-engine/internal/models"
)

// RunStore keeps the aggregation_runs bookkeeping table.
type RunStore struct {
	pool *pgxpool.Pool
}

func NewRunStore(pool *pgxpool.Pool) *RunStore {
	return &RunStore{pool: pool}
}

func (s *RunStore) StartRun(ctx context.Context, run models.RunSummary) error {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO aggregation_runs (run_id, status, started_at) VALUES ($1, $2, $3)",
		run.RunID, run.Status, run.StartedAt)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.RunID, err)
	}
	return nil
}

func (s *RunStore) FinishRun(ctx context.Context, run models.RunSummary) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE aggregation_runs SET
			status = $2, finished_at = $3, sources = $4, records = $5, grants = $6, skipped = $7,
			collisions = $8, derived_keys = $9, clients = $10, matches = $11, audit_url = $12, error = $13
		WHERE run_id = $1
	`, run.RunID, run.Status, run.FinishedAt, run.Sources, run.Records, run.Grants, run.Skipped,
		run.Collisions, run.DerivedKeys, run.Clients, run.Matches, run.AuditURL, run.Error)
	if err != nil {
		return fmt.Errorf("update run %s: %w", run.RunID, err)
	}
	return nil
}

// ListRuns returns the most recent runs first.
func (s *RunStore) ListRuns(ctx context.Context, limit int) ([]models.RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT run_id::text, status, started_at, finished_at, sources, records, grants, skipped,
			collisions, derived_keys, clients, matches, audit_url, error
		FROM aggregation_runs ORDER BY started_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	runs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.RunSummary, error) {
		var r models.RunSummary
		err := row.Scan(&r.RunID, &r.Status, &r.StartedAt, &r.FinishedAt, &r.Sources, &r.Records, &r.Grants,
			&r.Skipped, &r.Collisions, &r.DerivedKeys, &r.Clients, &r.Matches, &r.AuditURL, &r.Error)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan runs: %w", err)
	}
	return runs, nil
}
