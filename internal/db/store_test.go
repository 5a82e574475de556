package db

import (
	"strings"
	"testing"
	"time"

	"github.com/david/bandi-engine/internal/match"
)

func TestBuildMatchWhere_Empty(t *testing.T) {
	where, args := buildMatchWhere(match.Filter{})
	if where != "WHERE 1=1" || len(args) != 0 {
		t.Fatalf("expected no constraints, got %q %v", where, args)
	}
}

func TestBuildMatchWhere_Placeholders(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 3, 31, 23, 59, 59, 0, time.UTC)
	where, args := buildMatchWhere(match.Filter{ClientID: "alfa", MinScore: 70, From: from, To: to})

	for _, want := range []string{"client_id = $1", "score >= $2", "computed_at >= $3", "computed_at <= $4"} {
		if !strings.Contains(where, want) {
			t.Fatalf("expected %q in %q", want, where)
		}
	}
	if strings.Contains(where, "grant_key") {
		t.Fatalf("grant filter must be absent when empty: %q", where)
	}
	if len(args) != 4 || args[0] != "alfa" || args[1] != 70 {
		t.Fatalf("unexpected args %v", args)
	}
}

func TestBuildMatchWhere_BoundsAreInclusive(t *testing.T) {
	where, _ := buildMatchWhere(match.Filter{From: time.Now(), To: time.Now()})
	if !strings.Contains(where, "computed_at >= $1") || !strings.Contains(where, "computed_at <= $2") {
		t.Fatalf("expected inclusive bounds, got %q", where)
	}
}

func TestMigrationFiles_Sorted(t *testing.T) {
	files, err := migrationFiles()
	if err != nil {
		t.Fatal(err)
	}
	if len(files) == 0 || files[0] != "001_init.sql" {
		t.Fatalf("expected 001_init.sql first, got %v", files)
	}
}

func TestParseBudget(t *testing.T) {
	if b, err := parseBudget(nil, nil); err != nil || b != nil {
		t.Fatalf("expected nil budget, got %v %v", b, err)
	}
	lo := "10000"
	b, err := parseBudget(&lo, nil)
	if err != nil || b.Min.IntPart() != 10000 || !b.Max.IsZero() {
		t.Fatalf("unexpected budget %+v %v", b, err)
	}
	bad := "dieci"
	if _, err := parseBudget(&bad, nil); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestDecodePayload_KeepsNumbers(t *testing.T) {
	fields, err := decodePayload([]byte(`{"id": 4521, "titolo": "Voucher"}`))
	if err != nil {
		t.Fatal(err)
	}
	if n, ok := fields["id"].(interface{ String() string }); !ok || n.String() != "4521" {
		t.Fatalf("expected json.Number 4521, got %#v", fields["id"])
	}
}
