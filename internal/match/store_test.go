package match

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/david/bandi-engine/internal/models"
)

func TestMemoryStore_UpsertReplaces(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Upsert(ctx, models.MatchResult{ClientID: "c1", GrantKey: "g1", Score: 40, ComputedAt: fixedNow}); err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(ctx, models.MatchResult{ClientID: "c1", GrantKey: "g1", Score: 80, ComputedAt: fixedNow.Add(time.Minute)}); err != nil {
		t.Fatal(err)
	}

	got, err := s.Query(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Score != 80 {
		t.Fatalf("expected single result with score 80, got %+v", got)
	}
	if gen, _ := s.Generation(ctx); gen != 2 {
		t.Fatalf("expected generation 2, got %d", gen)
	}
}

func TestMemoryStore_ConcurrentUpserts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.Upsert(ctx, models.MatchResult{ClientID: "c1", GrantKey: "g1", Score: i})
			_ = s.Upsert(ctx, models.MatchResult{ClientID: fmt.Sprintf("c%02d", i), GrantKey: "g2", Score: i})
		}(i)
	}
	wg.Wait()

	same, _ := s.Query(ctx, Filter{GrantKey: "g1"})
	if len(same) != 1 {
		t.Fatalf("expected one result for the contended pair, got %d", len(same))
	}
	all, _ := s.Query(ctx, Filter{GrantKey: "g2"})
	if len(all) != 50 {
		t.Fatalf("expected 50 results, got %d", len(all))
	}
	if gen, _ := s.Generation(ctx); gen != 100 {
		t.Fatalf("expected generation 100, got %d", gen)
	}
}

func TestMemoryStore_QueryFilterAndOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, m := range []models.MatchResult{
		{ClientID: "c2", GrantKey: "g1", Score: 90, ComputedAt: fixedNow},
		{ClientID: "c1", GrantKey: "g2", Score: 75, ComputedAt: fixedNow.Add(-48 * time.Hour)},
		{ClientID: "c1", GrantKey: "g1", Score: 30, ComputedAt: fixedNow},
	} {
		if err := s.Upsert(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	all, _ := s.Query(ctx, Filter{})
	order := []string{all[0].PairKey(), all[1].PairKey(), all[2].PairKey()}
	want := []string{"c1\x00g1", "c1\x00g2", "c2\x00g1"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("position %d: expected %q, got %q", i, want[i], order[i])
		}
	}

	strong, _ := s.Query(ctx, Filter{MinScore: DefaultSuccessThreshold})
	if len(strong) != 2 {
		t.Fatalf("expected 2 results above threshold, got %d", len(strong))
	}

	recent, _ := s.Query(ctx, Filter{From: fixedNow.Add(-time.Hour), To: fixedNow})
	if len(recent) != 2 {
		t.Fatalf("expected 2 results in window (inclusive end), got %d", len(recent))
	}

	client, _ := s.Query(ctx, Filter{ClientID: "c1"})
	if len(client) != 2 {
		t.Fatalf("expected 2 results for c1, got %d", len(client))
	}
}

func TestMemoryStore_DeleteByGrant(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Upsert(ctx, models.MatchResult{ClientID: "c1", GrantKey: "g1"})
	_ = s.Upsert(ctx, models.MatchResult{ClientID: "c2", GrantKey: "g1"})
	_ = s.Upsert(ctx, models.MatchResult{ClientID: "c1", GrantKey: "g2"})

	n, err := s.DeleteByGrant(ctx, "g1")
	if err != nil || n != 2 {
		t.Fatalf("expected 2 deleted, got %d (%v)", n, err)
	}
	rest, _ := s.Query(ctx, Filter{})
	if len(rest) != 1 || rest[0].GrantKey != "g2" {
		t.Fatalf("unexpected remaining results %+v", rest)
	}

	before, _ := s.Generation(ctx)
	if n, _ := s.DeleteByGrant(ctx, "missing"); n != 0 {
		t.Fatalf("expected nothing deleted, got %d", n)
	}
	if after, _ := s.Generation(ctx); after != before {
		t.Fatal("expected generation unchanged by a no-op delete")
	}
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewMemoryStore().Upsert(ctx, models.MatchResult{ClientID: "c1", GrantKey: "g1"})
	var se *models.StoreError
	if !errors.As(err, &se) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected StoreError wrapping context.Canceled, got %v", err)
	}
}

func TestMemoryStore_UpsertAll(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	batch := []models.MatchResult{
		{ClientID: "a", GrantKey: "G1", Score: 10, ComputedAt: at},
		{ClientID: "a", GrantKey: "G1", Score: 60, ComputedAt: at},
		{ClientID: "b", GrantKey: "G1", Score: 30, ComputedAt: at},
	}
	if err := s.UpsertAll(ctx, batch); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Query(ctx, Filter{})
	if len(got) != 2 || got[0].Score != 60 {
		t.Fatalf("expected last write per pair, got %+v", got)
	}
	if gen, _ := s.Generation(ctx); gen != 3 {
		t.Fatalf("expected generation 3, got %d", gen)
	}
}
