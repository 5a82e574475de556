package db

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/david/bandi-engine/internal/ingest"
	"github.com/david/bandi-engine/internal/match"
	"github.com/david/bandi-engine/internal/models"
)

// testPool connects to TEST_DATABASE_URL and resets the schema's tables.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := Connect(ctx, url)
	if err != nil {
		t.Skipf("database unreachable: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := ApplyMigrations(ctx, pool); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	if _, err := pool.Exec(ctx, "TRUNCATE sources, source_records, client_profiles, grants, match_results, aggregation_runs"); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return pool
}

func TestIntegration_MatchStore(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	s := NewMatchStore(pool)
	at := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	before, err := s.Generation(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(ctx, models.MatchResult{ClientID: "C1", GrantKey: "G1", Score: 40, ComputedAt: at}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertAll(ctx, []models.MatchResult{
		{ClientID: "C1", GrantKey: "G1", Score: 85, ComputedAt: at.Add(time.Hour)},
		{ClientID: "C2", GrantKey: "G1", Score: 10, ComputedAt: at},
	}); err != nil {
		t.Fatal(err)
	}

	got, err := s.Query(ctx, match.Filter{ClientID: "C1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Score != 85 {
		t.Fatalf("expected the last write, got %+v", got)
	}
	after, _ := s.Generation(ctx)
	if after <= before {
		t.Fatalf("expected generation to move, %d -> %d", before, after)
	}

	n, err := s.DeleteByGrant(ctx, "G1")
	if err != nil || n != 2 {
		t.Fatalf("expected 2 deleted, got %d (%v)", n, err)
	}
}

func TestIntegration_StoreRoundTrip(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	s := NewStore(pool)
	ts := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	_, err := s.ImportBatch(ctx, ingest.SourceBatch{Source: "RegioneX", Kind: ingest.KindPortal, Records: []ingest.RawSourceRecord{
		{Fields: map[string]any{"codice": 4521, "titolo_bando": "Voucher"}, IngestedAt: &ts},
	}})
	if err != nil {
		t.Fatal(err)
	}
	batch, err := s.Records(ctx, "RegioneX")
	if err != nil {
		t.Fatal(err)
	}
	if len(batch.Records) != 1 || batch.Kind != ingest.KindPortal || !batch.Records[0].IngestedAt.Equal(ts) {
		t.Fatalf("unexpected batch %+v", batch)
	}

	budget := &models.BudgetRange{Min: decimal.NewFromInt(10000), Max: decimal.NewFromInt(90000)}
	if err := s.UpsertClients(ctx, []models.ClientProfile{
		{ID: "alfa", Sectors: []string{"Tecnologia"}, Budget: budget, Active: true},
		{ID: "beta", Active: false},
	}); err != nil {
		t.Fatal(err)
	}
	clients, err := s.ActiveClients(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(clients) != 1 || clients[0].Budget == nil || !clients[0].Budget.Max.Equal(budget.Max) {
		t.Fatalf("unexpected clients %+v", clients)
	}

	grants := []models.Grant{
		{Key: "RX-1", KeyOrigin: models.KeyPersisted, Title: "Voucher", Source: "RegioneX", IngestedAt: &ts,
			AmountMax: decimal.NewFromInt(50000), EligibleSectors: []string{"62.01.00"}},
		{Key: "manuale|bando", KeyOrigin: models.KeyDerived, Title: "Bando", Source: "Manuale"},
	}
	if err := s.SaveGrants(ctx, grants); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveGrants(ctx, grants[:1]); err != nil {
		t.Fatal(err)
	}
	got, err := s.ListGrants(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Key != "RX-1" || !got[0].AmountMax.Equal(decimal.NewFromInt(50000)) {
		t.Fatalf("unexpected grants %+v", got)
	}
	if ok, _ := s.DeleteGrant(ctx, "RX-1"); !ok {
		t.Fatal("expected delete to find RX-1")
	}
}

func TestIntegration_CommitRun(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	s, ms := NewStore(pool), NewMatchStore(pool)
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	grants := []models.Grant{{Key: "G1", Title: "Uno"}, {Key: "G2", Title: "Due"}}
	if err := s.CommitRun(ctx, grants, []models.MatchResult{
		{ClientID: "a", GrantKey: "G1", Score: 80, ComputedAt: at},
		{ClientID: "a", GrantKey: "G2", Score: 40, ComputedAt: at},
	}); err != nil {
		t.Fatal(err)
	}
	before, _ := ms.Generation(ctx)

	// G2 left every source: its grant and match go in the same commit.
	if err := s.CommitRun(ctx, grants[:1], []models.MatchResult{{ClientID: "a", GrantKey: "G1", Score: 90, ComputedAt: at}}); err != nil {
		t.Fatal(err)
	}
	got, err := ms.Query(ctx, match.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].GrantKey != "G1" || got[0].Score != 90 {
		t.Fatalf("unexpected matches %+v", got)
	}
	if after, _ := ms.Generation(ctx); after <= before {
		t.Fatalf("expected generation past %d, got %d", before, after)
	}

	// A match that violates the score check rolls the whole commit back.
	err = s.CommitRun(ctx, []models.Grant{{Key: "G3"}}, []models.MatchResult{{ClientID: "a", GrantKey: "G3", Score: 500, ComputedAt: at}})
	if err == nil {
		t.Fatal("expected commit to fail")
	}
	if gs, _ := s.ListGrants(ctx); len(gs) != 1 || gs[0].Key != "G1" {
		t.Fatalf("expected previous grants untouched, got %+v", gs)
	}
}

func TestIntegration_RunStore(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	s := NewRunStore(pool)
	run := models.RunSummary{RunID: "6f1c2f9e-8d3b-4c55-9a51-0b7f3f2d1a10", Status: models.RunRunning, StartedAt: time.Now().UTC()}
	if err := s.StartRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	done := time.Now().UTC()
	run.Status, run.FinishedAt, run.Matches = models.RunCompleted, &done, 6
	if err := s.FinishRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	runs, err := s.ListRuns(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Status != models.RunCompleted || runs[0].Matches != 6 {
		t.Fatalf("unexpected runs %+v", runs)
	}
}
