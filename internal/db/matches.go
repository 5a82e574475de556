package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/david/bandi-engine/internal/match"
	"github.com/david/bandi-engine/internal/models"
)

// MatchStore is the Postgres match history. Every write takes a fresh value
// from match_write_seq, which doubles as the store generation.
type MatchStore struct {
	pool *pgxpool.Pool
}

var _ match.BatchStore = (*MatchStore)(nil)

func NewMatchStore(pool *pgxpool.Pool) *MatchStore {
	return &MatchStore{pool: pool}
}

const upsertMatchSQL = `
		INSERT INTO match_results (client_id, grant_key, score, sector_score, keyword_score, constraint_score, computed_at, write_seq)
		VALUES ($1, $2, $3, $4, $5, $6, $7, nextval('match_write_seq'))
		ON CONFLICT (client_id, grant_key) DO UPDATE SET
			score = EXCLUDED.score,
			sector_score = EXCLUDED.sector_score,
			keyword_score = EXCLUDED.keyword_score,
			constraint_score = EXCLUDED.constraint_score,
			computed_at = EXCLUDED.computed_at,
			write_seq = EXCLUDED.write_seq
`

func (s *MatchStore) Upsert(ctx context.Context, m models.MatchResult) error {
	_, err := s.pool.Exec(ctx, upsertMatchSQL, m.ClientID, m.GrantKey, m.Score, m.Breakdown.Sector, m.Breakdown.Keyword, m.Breakdown.Constraint, m.ComputedAt)
	if err != nil {
		return &models.StoreError{Op: "upsert match", Err: err}
	}
	return nil
}

// UpsertAll writes every result in one transaction.
func (s *MatchStore) UpsertAll(ctx context.Context, results []models.MatchResult) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &models.StoreError{Op: "upsert matches", Err: err}
	}
	defer tx.Rollback(ctx)

	if err := upsertMatches(ctx, tx, results); err != nil {
		return &models.StoreError{Op: "upsert matches", Err: err}
	}
	if err := tx.Commit(ctx); err != nil {
		return &models.StoreError{Op: "upsert matches", Err: err}
	}
	return nil
}

func upsertMatches(ctx context.Context, tx pgx.Tx, results []models.MatchResult) error {
	if len(results) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, m := range results {
		b.Queue(upsertMatchSQL, m.ClientID, m.GrantKey, m.Score,
			m.Breakdown.Sector, m.Breakdown.Keyword, m.Breakdown.Constraint, m.ComputedAt)
	}
	return tx.SendBatch(ctx, b).Close()
}

func (s *MatchStore) Query(ctx context.Context, f match.Filter) ([]models.MatchResult, error) {
	where, args := buildMatchWhere(f)
	rows, err := s.pool.Query(ctx, `
		SELECT client_id, grant_key, score, sector_score, keyword_score, constraint_score, computed_at
		FROM match_results `+where+`
		ORDER BY client_id ASC, grant_key ASC
	`, args...)
	if err != nil {
		return nil, &models.StoreError{Op: "query matches", Err: err}
	}
	defer rows.Close()

	out := []models.MatchResult{}
	for rows.Next() {
		var m models.MatchResult
		if err := rows.Scan(&m.ClientID, &m.GrantKey, &m.Score,
			&m.Breakdown.Sector, &m.Breakdown.Keyword, &m.Breakdown.Constraint, &m.ComputedAt); err != nil {
			return nil, &models.StoreError{Op: "scan match", Err: err}
		}
		m.ComputedAt = m.ComputedAt.UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, &models.StoreError{Op: "query matches", Err: err}
	}
	return out, nil
}

func (s *MatchStore) DeleteByGrant(ctx context.Context, grantKey string) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, &models.StoreError{Op: "delete matches", Err: err}
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, "DELETE FROM match_results WHERE grant_key = $1", grantKey)
	if err != nil {
		return 0, &models.StoreError{Op: "delete matches", Err: err}
	}
	n := int(tag.RowsAffected())
	if n > 0 {
		if _, err := tx.Exec(ctx, "SELECT nextval('match_write_seq')"); err != nil {
			return 0, &models.StoreError{Op: "delete matches", Err: err}
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, &models.StoreError{Op: "delete matches", Err: err}
	}
	return n, nil
}

func (s *MatchStore) Generation(ctx context.Context) (uint64, error) {
	var gen int64
	err := s.pool.QueryRow(ctx, "SELECT CASE WHEN is_called THEN last_value ELSE 0 END FROM match_write_seq").Scan(&gen)
	if err != nil {
		return 0, &models.StoreError{Op: "read match generation", Err: err}
	}
	return uint64(gen), nil
}

// buildMatchWhere turns a filter into a WHERE clause with positional args.
// Time bounds are inclusive.
func buildMatchWhere(f match.Filter) (string, []any) {
	where := "WHERE 1=1"
	var args []any
	argIdx := 1

	if f.ClientID != "" {
		where += fmt.Sprintf(" AND client_id = $%d", argIdx)
		args = append(args, f.ClientID)
		argIdx++
	}
	if f.GrantKey != "" {
		where += fmt.Sprintf(" AND grant_key = $%d", argIdx)
		args = append(args, f.GrantKey)
		argIdx++
	}
	if f.MinScore > 0 {
		where += fmt.Sprintf(" AND score >= $%d", argIdx)
		args = append(args, f.MinScore)
		argIdx++
	}
	if !f.From.IsZero() {
		where += fmt.Sprintf(" AND computed_at >= $%d", argIdx)
		args = append(args, f.From)
		argIdx++
	}
	if !f.To.IsZero() {
		where += fmt.Sprintf(" AND computed_at <= $%d", argIdx)
		args = append(args, f.To)
	}
	return where, args
}
