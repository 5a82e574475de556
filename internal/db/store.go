package db

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/david/bandi-engine/internal/ingest"
	"github.com/david/bandi-engine/internal/models"
)

// Store reads sources and client profiles and keeps the canonical grant set.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// grantCols is the column list shared by every grant query.
const grantCols = `key, key_origin, title, description, description_html, source, url,
	ingested_at, published_at, deadline_at, deadline_text, eligible_sectors, region,
	amount_min::text, amount_max::text, currency, raw`

func scanGrant(scan func(dest ...any) error) (models.Grant, error) {
	var g models.Grant
	var origin, amountMin, amountMax string
	var raw []byte
	err := scan(
		&g.Key, &origin, &g.Title, &g.Description, &g.DescriptionHTML, &g.Source, &g.URL,
		&g.IngestedAt, &g.PublishedAt, &g.DeadlineAt, &g.DeadlineText, &g.EligibleSectors, &g.Region,
		&amountMin, &amountMax, &g.Currency, &raw,
	)
	if err != nil {
		return g, err
	}
	g.KeyOrigin = models.KeyOrigin(origin)
	if g.AmountMin, err = decimal.NewFromString(amountMin); err != nil {
		return g, fmt.Errorf("amount_min of %s: %w", g.Key, err)
	}
	if g.AmountMax, err = decimal.NewFromString(amountMax); err != nil {
		return g, fmt.Errorf("amount_max of %s: %w", g.Key, err)
	}
	if len(raw) > 0 {
		g.Raw = json.RawMessage(raw)
	}
	return g, nil
}

// SourceNames lists every registered source.
func (s *Store) SourceNames(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, "SELECT name FROM sources ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("query sources: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan sources: %w", err)
	}
	return names, nil
}

// Records returns the raw records of one source in import order.
func (s *Store) Records(ctx context.Context, source string) (ingest.SourceBatch, error) {
	batch := ingest.SourceBatch{Source: source}

	var kind string
	if err := s.pool.QueryRow(ctx, "SELECT kind FROM sources WHERE name = $1", source).Scan(&kind); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return batch, fmt.Errorf("source %q is not registered", source)
		}
		return batch, fmt.Errorf("query source %s: %w", source, err)
	}
	k, err := ingest.ParseSourceKind(kind)
	if err != nil {
		return batch, err
	}
	batch.Kind = k

	rows, err := s.pool.Query(ctx, "SELECT payload, ingested_at FROM source_records WHERE source = $1 ORDER BY id", source)
	if err != nil {
		return batch, fmt.Errorf("query records of %s: %w", source, err)
	}
	defer rows.Close()

	for rows.Next() {
		var payload []byte
		var ingestedAt *time.Time
		if err := rows.Scan(&payload, &ingestedAt); err != nil {
			return batch, fmt.Errorf("scan record of %s: %w", source, err)
		}
		fields, err := decodePayload(payload)
		if err != nil {
			return batch, fmt.Errorf("decode record of %s: %w", source, err)
		}
		batch.Records = append(batch.Records, ingest.RawSourceRecord{
			Source: source, Kind: k, Fields: fields, IngestedAt: ingestedAt,
		})
	}
	if err := rows.Err(); err != nil {
		return batch, fmt.Errorf("rows iteration failed: %w", err)
	}
	return batch, nil
}

// decodePayload keeps numbers as json.Number so numeric identifiers survive.
func decodePayload(payload []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// ImportBatch registers a source and appends its records.
func (s *Store) ImportBatch(ctx context.Context, batch ingest.SourceBatch) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin import: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO sources (name, kind) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET kind = EXCLUDED.kind
	`, batch.Source, string(batch.Kind)); err != nil {
		return 0, fmt.Errorf("register source %s: %w", batch.Source, err)
	}

	b := &pgx.Batch{}
	for _, rec := range batch.Records {
		payload, err := json.Marshal(rec.Fields)
		if err != nil {
			return 0, fmt.Errorf("encode record of %s: %w", batch.Source, err)
		}
		b.Queue("INSERT INTO source_records (source, payload, ingested_at) VALUES ($1, $2, $3)",
			batch.Source, payload, rec.IngestedAt)
	}
	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		return 0, fmt.Errorf("insert records of %s: %w", batch.Source, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit import: %w", err)
	}
	return len(batch.Records), nil
}

// ActiveClients returns the profiles flagged active, ordered by ID.
func (s *Store) ActiveClients(ctx context.Context) ([]models.ClientProfile, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, sectors, requirements, budget_min::text, budget_max::text, regions
		FROM client_profiles WHERE active ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query clients: %w", err)
	}
	defer rows.Close()

	var clients []models.ClientProfile
	for rows.Next() {
		c := models.ClientProfile{Active: true}
		var budgetMin, budgetMax *string
		if err := rows.Scan(&c.ID, &c.Name, &c.Sectors, &c.Requirements, &budgetMin, &budgetMax, &c.Regions); err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		budget, err := parseBudget(budgetMin, budgetMax)
		if err != nil {
			return nil, fmt.Errorf("budget of client %s: %w", c.ID, err)
		}
		c.Budget = budget
		clients = append(clients, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration failed: %w", err)
	}
	return clients, nil
}

// parseBudget yields nil when neither bound is set.
func parseBudget(minText, maxText *string) (*models.BudgetRange, error) {
	if minText == nil && maxText == nil {
		return nil, nil
	}
	var b models.BudgetRange
	var err error
	if minText != nil {
		if b.Min, err = decimal.NewFromString(*minText); err != nil {
			return nil, err
		}
	}
	if maxText != nil {
		if b.Max, err = decimal.NewFromString(*maxText); err != nil {
			return nil, err
		}
	}
	return &b, nil
}

// UpsertClients writes client profiles, replacing existing rows by ID.
func (s *Store) UpsertClients(ctx context.Context, clients []models.ClientProfile) error {
	b := &pgx.Batch{}
	for _, c := range clients {
		var budgetMin, budgetMax *string
		if c.Budget != nil {
			lo, hi := c.Budget.Min.String(), c.Budget.Max.String()
			budgetMin, budgetMax = &lo, &hi
		}
		b.Queue(`
			INSERT INTO client_profiles (id, name, sectors, requirements, budget_min, budget_max, regions, active)
			VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, $8)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name, sectors = EXCLUDED.sectors, requirements = EXCLUDED.requirements,
				budget_min = EXCLUDED.budget_min, budget_max = EXCLUDED.budget_max,
				regions = EXCLUDED.regions, active = EXCLUDED.active
		`, c.ID, c.Name, nonNil(c.Sectors), c.Requirements, budgetMin, budgetMax, nonNil(c.Regions), c.Active)
	}
	if err := s.pool.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("upsert clients: %w", err)
	}
	return nil
}

// SaveGrants replaces the stored grants with the given canonical set.
func (s *Store) SaveGrants(ctx context.Context, grants []models.Grant) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save grants: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := saveGrants(ctx, tx, grants); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit save grants: %w", err)
	}
	return nil
}

// CommitRun stores a run's canonical set and its match results in one
// transaction, so a failure leaves the previous run's state untouched.
func (s *Store) CommitRun(ctx context.Context, grants []models.Grant, results []models.MatchResult) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &models.StoreError{Op: "commit run", Err: err}
	}
	defer tx.Rollback(ctx)

	if err := saveGrants(ctx, tx, grants); err != nil {
		return &models.StoreError{Op: "save grants", Err: err}
	}
	if err := upsertMatches(ctx, tx, results); err != nil {
		return &models.StoreError{Op: "upsert matches", Err: err}
	}
	if err := tx.Commit(ctx); err != nil {
		return &models.StoreError{Op: "commit run", Err: err}
	}
	return nil
}

func saveGrants(ctx context.Context, tx pgx.Tx, grants []models.Grant) error {
	keys := make([]string, 0, len(grants))
	b := &pgx.Batch{}
	for _, g := range grants {
		keys = append(keys, g.Key)
		var raw []byte
		if len(g.Raw) > 0 {
			raw = g.Raw
		}
		b.Queue(`
			INSERT INTO grants (key, key_origin, title, description, description_html, source, url,
				ingested_at, published_at, deadline_at, deadline_text, eligible_sectors, region,
				amount_min, amount_max, currency, raw, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14::numeric, $15::numeric, $16, $17, NOW())
			ON CONFLICT (key) DO UPDATE SET
				key_origin = EXCLUDED.key_origin, title = EXCLUDED.title,
				description = EXCLUDED.description, description_html = EXCLUDED.description_html,
				source = EXCLUDED.source, url = EXCLUDED.url,
				ingested_at = EXCLUDED.ingested_at, published_at = EXCLUDED.published_at,
				deadline_at = EXCLUDED.deadline_at, deadline_text = EXCLUDED.deadline_text,
				eligible_sectors = EXCLUDED.eligible_sectors, region = EXCLUDED.region,
				amount_min = EXCLUDED.amount_min, amount_max = EXCLUDED.amount_max,
				currency = EXCLUDED.currency, raw = EXCLUDED.raw, updated_at = NOW()
		`, g.Key, string(g.KeyOrigin), g.Title, g.Description, g.DescriptionHTML, g.Source, g.URL,
			g.IngestedAt, g.PublishedAt, g.DeadlineAt, g.DeadlineText, nonNil(g.EligibleSectors), g.Region,
			g.AmountMin.String(), g.AmountMax.String(), g.Currency, raw)
	}
	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("upsert grants: %w", err)
	}

	// Grants that dropped out of every source leave the canonical set,
	// together with their match history.
	if _, err := tx.Exec(ctx, "DELETE FROM grants WHERE NOT (key = ANY($1))", keys); err != nil {
		return fmt.Errorf("prune grants: %w", err)
	}
	tag, err := tx.Exec(ctx, "DELETE FROM match_results WHERE NOT (grant_key = ANY($1))", keys)
	if err != nil {
		return fmt.Errorf("prune matches: %w", err)
	}
	if tag.RowsAffected() > 0 {
		if _, err := tx.Exec(ctx, "SELECT nextval('match_write_seq')"); err != nil {
			return fmt.Errorf("bump match generation: %w", err)
		}
	}
	return nil
}

// ListGrants returns the canonical set, newest ingestion first.
func (s *Store) ListGrants(ctx context.Context) ([]models.Grant, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+grantCols+" FROM grants ORDER BY ingested_at DESC NULLS LAST, key ASC")
	if err != nil {
		return nil, fmt.Errorf("query grants: %w", err)
	}
	defer rows.Close()

	grants := []models.Grant{}
	for rows.Next() {
		g, err := scanGrant(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration failed: %w", err)
	}
	return grants, nil
}

// GetGrant fetches one grant by key. It returns nil when the key is unknown.
func (s *Store) GetGrant(ctx context.Context, key string) (*models.Grant, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+grantCols+" FROM grants WHERE key = $1", key)
	g, err := scanGrant(row.Scan)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &g, nil
}

// DeleteGrant removes a grant. It reports whether the key existed.
func (s *Store) DeleteGrant(ctx context.Context, key string) (bool, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM grants WHERE key = $1", key)
	if err != nil {
		return false, fmt.Errorf("delete grant %s: %w", key, err)
	}
	return tag.RowsAffected() > 0, nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
