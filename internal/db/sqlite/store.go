// Package sqlite is a single-file store for local runs of the engine.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/david/bandi-engine/internal/match"
	"github.com/david/bandi-engine/internal/models"
)

//go:embed schema.sql
var schema string

// Store keeps grants, match history and run bookkeeping in one file.
// Times are stored as Unix nanoseconds.
type Store struct {
	db *sql.DB
}

var _ match.BatchStore = (*Store)(nil)

// Open creates or opens the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer at a time keeps upserts and the generation counter in step.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func unixNano(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// SaveGrants replaces the stored grant set. Matches of grants that left the
// set go with them.
func (s *Store) SaveGrants(ctx context.Context, grants []models.Grant) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save grants: %w", err)
	}
	defer tx.Rollback()

	if err := saveGrants(ctx, tx, grants); err != nil {
		return err
	}
	return tx.Commit()
}

// CommitRun stores a run's grant set and match results in one transaction.
func (s *Store) CommitRun(ctx context.Context, grants []models.Grant, results []models.MatchResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &models.StoreError{Op: "commit run", Err: err}
	}
	defer tx.Rollback()

	if err := saveGrants(ctx, tx, grants); err != nil {
		return &models.StoreError{Op: "save grants", Err: err}
	}
	if err := upsertMatches(ctx, tx, results); err != nil {
		return &models.StoreError{Op: "upsert matches", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &models.StoreError{Op: "commit run", Err: err}
	}
	return nil
}

func saveGrants(ctx context.Context, tx *sql.Tx, grants []models.Grant) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM grants"); err != nil {
		return fmt.Errorf("clear grants: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, "INSERT INTO grants (key, source, ingested_at, body) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare insert grant: %w", err)
	}
	defer stmt.Close()

	for _, g := range grants {
		body, err := json.Marshal(g)
		if err != nil {
			return fmt.Errorf("encode grant %s: %w", g.Key, err)
		}
		if _, err := stmt.ExecContext(ctx, g.Key, g.Source, unixNano(g.IngestedAt), string(body)); err != nil {
			return fmt.Errorf("insert grant %s: %w", g.Key, err)
		}
	}

	res, err := tx.ExecContext(ctx, "DELETE FROM match_results WHERE grant_key NOT IN (SELECT key FROM grants)")
	if err != nil {
		return fmt.Errorf("prune matches: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("prune matches: %w", err)
	} else if n > 0 {
		return bumpGeneration(ctx, tx)
	}
	return nil
}

// ListGrants returns the stored set, newest ingestion first.
func (s *Store) ListGrants(ctx context.Context) ([]models.Grant, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT body FROM grants ORDER BY ingested_at IS NULL, ingested_at DESC, key ASC")
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()

	grants := []models.Grant{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		var g models.Grant
		if err := json.Unmarshal([]byte(body), &g); err != nil {
			return nil, fmt.Errorf("decode grant: %w", err)
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

func (s *Store) DeleteGrant(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM grants WHERE key = ?", key)
	if err != nil {
		return false, fmt.Errorf("delete grant %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete grant %s: %w", key, err)
	}
	return n > 0, nil
}

func (s *Store) Upsert(ctx context.Context, m models.MatchResult) error {
	if err := s.upsertAll(ctx, []models.MatchResult{m}); err != nil {
		return &models.StoreError{Op: "upsert match", Err: err}
	}
	return nil
}

// UpsertAll writes every result in one transaction.
func (s *Store) UpsertAll(ctx context.Context, results []models.MatchResult) error {
	if err := s.upsertAll(ctx, results); err != nil {
		return &models.StoreError{Op: "upsert matches", Err: err}
	}
	return nil
}

func (s *Store) upsertAll(ctx context.Context, results []models.MatchResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := upsertMatches(ctx, tx, results); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertMatches(ctx context.Context, tx *sql.Tx, results []models.MatchResult) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO match_results (client_id, grant_key, score, sector_score, keyword_score, constraint_score, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (client_id, grant_key) DO UPDATE SET
			score = excluded.score,
			sector_score = excluded.sector_score,
			keyword_score = excluded.keyword_score,
			constraint_score = excluded.constraint_score,
			computed_at = excluded.computed_at
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range results {
		if _, err := stmt.ExecContext(ctx, m.ClientID, m.GrantKey, m.Score,
			m.Breakdown.Sector, m.Breakdown.Keyword, m.Breakdown.Constraint, m.ComputedAt.UnixNano()); err != nil {
			return err
		}
		if err := bumpGeneration(ctx, tx); err != nil {
			return err
		}
	}
	return nil
}

func bumpGeneration(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, "UPDATE store_meta SET generation = generation + 1 WHERE id = 1")
	return err
}

func (s *Store) Query(ctx context.Context, f match.Filter) ([]models.MatchResult, error) {
	where, args := buildWhere(f)
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_id, grant_key, score, sector_score, keyword_score, constraint_score, computed_at
		FROM match_results `+where+` ORDER BY client_id ASC, grant_key ASC`, args...)
	if err != nil {
		return nil, &models.StoreError{Op: "query matches", Err: err}
	}
	defer rows.Close()

	out := []models.MatchResult{}
	for rows.Next() {
		var m models.MatchResult
		var computed int64
		if err := rows.Scan(&m.ClientID, &m.GrantKey, &m.Score,
			&m.Breakdown.Sector, &m.Breakdown.Keyword, &m.Breakdown.Constraint, &computed); err != nil {
			return nil, &models.StoreError{Op: "scan match", Err: err}
		}
		m.ComputedAt = fromUnixNano(computed)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, &models.StoreError{Op: "query matches", Err: err}
	}
	return out, nil
}

func buildWhere(f match.Filter) (string, []any) {
	where := "WHERE 1=1"
	var args []any
	if f.ClientID != "" {
		where += " AND client_id = ?"
		args = append(args, f.ClientID)
	}
	if f.GrantKey != "" {
		where += " AND grant_key = ?"
		args = append(args, f.GrantKey)
	}
	if f.MinScore > 0 {
		where += " AND score >= ?"
		args = append(args, f.MinScore)
	}
	if !f.From.IsZero() {
		where += " AND computed_at >= ?"
		args = append(args, f.From.UnixNano())
	}
	if !f.To.IsZero() {
		where += " AND computed_at <= ?"
		args = append(args, f.To.UnixNano())
	}
	return where, args
}

func (s *Store) DeleteByGrant(ctx context.Context, grantKey string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &models.StoreError{Op: "delete matches", Err: err}
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM match_results WHERE grant_key = ?", grantKey)
	if err != nil {
		return 0, &models.StoreError{Op: "delete matches", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &models.StoreError{Op: "delete matches", Err: err}
	}
	if n > 0 {
		if err := bumpGeneration(ctx, tx); err != nil {
			return 0, &models.StoreError{Op: "delete matches", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, &models.StoreError{Op: "delete matches", Err: err}
	}
	return int(n), nil
}

func (s *Store) Generation(ctx context.Context) (uint64, error) {
	var gen int64
	if err := s.db.QueryRowContext(ctx, "SELECT generation FROM store_meta WHERE id = 1").Scan(&gen); err != nil {
		return 0, &models.StoreError{Op: "read match generation", Err: err}
	}
	return uint64(gen), nil
}

func (s *Store) StartRun(ctx context.Context, run models.RunSummary) error {
	body, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO aggregation_runs (run_id, status, started_at, body) VALUES (?, ?, ?, ?)",
		run.RunID, run.Status, run.StartedAt.UnixNano(), string(body))
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.RunID, err)
	}
	return nil
}

func (s *Store) FinishRun(ctx context.Context, run models.RunSummary) error {
	body, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"UPDATE aggregation_runs SET status = ?, body = ? WHERE run_id = ?",
		run.Status, string(body), run.RunID)
	if err != nil {
		return fmt.Errorf("update run %s: %w", run.RunID, err)
	}
	return nil
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]models.RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT body FROM aggregation_runs ORDER BY started_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []models.RunSummary
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		var r models.RunSummary
		if err := json.Unmarshal([]byte(body), &r); err != nil {
			return nil, fmt.Errorf("decode run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
