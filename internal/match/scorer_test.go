package match

import (
	"reflect"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/shopspring/decimal"

	"github.com/david/bandi-engine/internal/models"
	"github.com/david/bandi-engine/internal/sector"
)

var fixedNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func newTestScorer(t *testing.T) *Scorer {
	t.Helper()
	table, err := sector.NewTable([]sector.Sector{
		{Name: "Tecnologia", Codes: []sector.Code{{Code: "62.01.00"}}},
		{Name: "Turismo", Codes: []sector.Code{{Code: "55.10.00"}, {Code: "79.11.00"}}},
	})
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	return NewScorer(sector.NewResolver(table, sector.DefaultFallbackScore), func() time.Time { return fixedNow })
}

func TestScore_Components(t *testing.T) {
	s := newTestScorer(t)

	tests := []struct {
		name   string
		client models.ClientProfile
		grant  models.Grant
		want   int
	}{
		{
			name:   "Sector match alone reaches the threshold",
			client: models.ClientProfile{ID: "c1", Sectors: []string{"Tecnologia"}},
			grant:  models.Grant{Key: "g1", EligibleSectors: []string{"62.01.00"}},
			want:   70,
		},
		{
			name:   "No signal scores zero despite neutral constraints",
			client: models.ClientProfile{ID: "c1", Sectors: []string{"Tecnologia"}},
			grant:  models.Grant{Key: "g1", EligibleSectors: []string{"55.10.00"}},
			want:   0,
		},
		{
			name:   "Keyword overlap only",
			client: models.ClientProfile{ID: "c1", Requirements: "software gestionale cloud"},
			grant:  models.Grant{Key: "g1", Title: "Bando software cloud"},
			want:   30,
		},
		{
			name: "Full match",
			client: models.ClientProfile{
				ID: "c1", Sectors: []string{"Tecnologia"}, Requirements: "software cloud",
				Regions: []string{"Lombardia"},
			},
			grant: models.Grant{Key: "g1", Title: "Software cloud", EligibleSectors: []string{"62.01.00"}, Region: "lombardia"},
			want:  100,
		},
		{
			name:   "Unknown sector mentioned in text",
			client: models.ClientProfile{ID: "c1", Sectors: []string{"Aerospazio"}},
			grant:  models.Grant{Key: "g1", Description: "Filiera aerospazio"},
			want:   28,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Score(tt.client, tt.grant)
			if got.Score != tt.want {
				t.Fatalf("expected score %d, got %d (breakdown %+v)", tt.want, got.Score, got.Breakdown)
			}
			if got.ClientID != tt.client.ID || got.GrantKey != tt.grant.Key {
				t.Fatalf("unexpected pair %s/%s", got.ClientID, got.GrantKey)
			}
			if !got.ComputedAt.Equal(fixedNow) {
				t.Fatalf("expected injected clock, got %v", got.ComputedAt)
			}
		})
	}
}

func TestIsSuccessful_InclusiveThreshold(t *testing.T) {
	tests := []struct {
		score int
		want  bool
	}{
		{69, false},
		{70, true},
		{71, true},
		{100, true},
	}
	for _, tt := range tests {
		if got := IsSuccessful(tt.score, DefaultSuccessThreshold); got != tt.want {
			t.Fatalf("score %d: expected %v, got %v", tt.score, tt.want, got)
		}
	}
}

func TestConstraintFit(t *testing.T) {
	dec := decimal.NewFromInt

	tests := []struct {
		name   string
		client models.ClientProfile
		grant  models.Grant
		want   float64
	}{
		{"Nothing declared", models.ClientProfile{}, models.Grant{Region: "Sicilia"}, 1},
		{
			"Budget overlaps",
			models.ClientProfile{Budget: &models.BudgetRange{Min: dec(10000), Max: dec(50000)}},
			models.Grant{AmountMax: dec(200000)},
			1,
		},
		{
			"Budget above grant ceiling",
			models.ClientProfile{Budget: &models.BudgetRange{Min: dec(300000)}},
			models.Grant{AmountMax: dec(200000)},
			0,
		},
		{
			"Grant floor above client ceiling",
			models.ClientProfile{Budget: &models.BudgetRange{Max: dec(5000)}},
			models.Grant{AmountMin: dec(10000)},
			0,
		},
		{
			"Grant without amount satisfies budget",
			models.ClientProfile{Budget: &models.BudgetRange{Min: dec(300000)}},
			models.Grant{},
			1,
		},
		{
			"Half satisfied",
			models.ClientProfile{Budget: &models.BudgetRange{Max: dec(50000)}, Regions: []string{"Lombardia"}},
			models.Grant{AmountMax: dec(20000), Region: "Piemonte"},
			0.5,
		},
		{
			"Nationwide grant",
			models.ClientProfile{Regions: []string{"Lombardia"}},
			models.Grant{Region: "Nazionale"},
			1,
		},
		{
			"Region compared case-insensitively",
			models.ClientProfile{Regions: []string{"Valle d'Aosta"}},
			models.Grant{Region: "VALLE D'AOSTA"},
			1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ConstraintFit(tt.client, tt.grant); got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestScore_DeterministicAndBounded(t *testing.T) {
	s := newTestScorer(t)
	faker := gofakeit.New(7)
	sectors := []string{"Tecnologia", "Turismo", "Aerospazio", "62.01.00", "55.10.00"}
	regions := []string{"Lombardia", "Lazio", "Sicilia", ""}

	for i := 0; i < 200; i++ {
		c := models.ClientProfile{
			ID:           faker.UUID(),
			Sectors:      []string{faker.RandomString(sectors)},
			Requirements: faker.Sentence(6),
			Regions:      []string{faker.RandomString(regions)},
		}
		if faker.Bool() {
			c.Budget = &models.BudgetRange{Min: decimal.NewFromInt(int64(faker.Number(0, 50000)))}
		}
		g := models.Grant{
			Key:             faker.UUID(),
			Title:           faker.Sentence(4),
			Description:     faker.Paragraph(1, 3, 8, " "),
			EligibleSectors: []string{faker.RandomString(sectors)},
			Region:          faker.RandomString(regions),
			AmountMax:       decimal.NewFromInt(int64(faker.Number(0, 100000))),
		}

		first := s.Score(c, g)
		second := s.Score(c, g)
		if !reflect.DeepEqual(first, second) {
			t.Fatalf("non-deterministic score: %+v vs %+v", first, second)
		}
		if first.Score < 0 || first.Score > 100 {
			t.Fatalf("score out of range: %d", first.Score)
		}
		for _, v := range []float64{first.Breakdown.Sector, first.Breakdown.Keyword, first.Breakdown.Constraint} {
			if v < 0 || v > 1 {
				t.Fatalf("breakdown out of range: %+v", first.Breakdown)
			}
		}
	}
}

func TestKeywordOverlap(t *testing.T) {
	if got := KeywordOverlap("", "Bando digitale", "x"); got != 0 {
		t.Fatalf("expected 0 for empty requirements, got %v", got)
	}
	if got := KeywordOverlap("il di per", "Bando digitale", ""); got != 0 {
		t.Fatalf("expected 0 when only stop words remain, got %v", got)
	}
	if got := KeywordOverlap("Attività Produttive", "attivita produttive", ""); got != 1 {
		t.Fatalf("expected accent-insensitive match, got %v", got)
	}
	if got := KeywordOverlap("export fiere", "Voucher export", ""); got != 1.0/3.0 {
		t.Fatalf("expected 1/3, got %v", got)
	}
}
