package report

import (
	"bytes"
	"reflect"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/david/bandi-engine/internal/match"
	"github.com/david/bandi-engine/internal/models"
)

func at(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 10, 0, 0, 0, time.UTC)
}

func TestSnapshot_EmptyHistoryHasSixBuckets(t *testing.T) {
	a := NewAggregator(match.DefaultSuccessThreshold)
	snap := a.Snapshot(nil, nil, Range{To: at(2026, 3, 15)})

	if len(snap.AnalisiTemporale) != DefaultPeriods {
		t.Fatalf("expected %d buckets, got %d", DefaultPeriods, len(snap.AnalisiTemporale))
	}
	want := []string{"2025-10", "2025-11", "2025-12", "2026-01", "2026-02", "2026-03"}
	for i, b := range snap.AnalisiTemporale {
		if b.Periodo != want[i] {
			t.Fatalf("bucket %d: expected %s, got %s", i, want[i], b.Periodo)
		}
		if b.Conteggio != 0 || b.TassoSuccesso != 0 {
			t.Fatalf("expected empty bucket, got %+v", b)
		}
	}
	if snap.TotaleMatch != 0 || snap.TassoSuccesso != 0 || snap.FontiAttive != 0 {
		t.Fatalf("expected zero totals, got %+v", snap)
	}
}

func TestSnapshot_EndOfMonthDoesNotSkipMonths(t *testing.T) {
	a := NewAggregator(match.DefaultSuccessThreshold)
	snap := a.Snapshot(nil, nil, Range{To: time.Date(2026, 8, 31, 23, 0, 0, 0, time.UTC)})

	want := []string{"2026-03", "2026-04", "2026-05", "2026-06", "2026-07", "2026-08"}
	for i, b := range snap.AnalisiTemporale {
		if b.Periodo != want[i] {
			t.Fatalf("bucket %d: expected %s, got %s", i, want[i], b.Periodo)
		}
	}
}

func TestSnapshot_ThresholdAndBuckets(t *testing.T) {
	a := NewAggregator(match.DefaultSuccessThreshold)
	matches := []models.MatchResult{
		{ClientID: "c1", GrantKey: "g1", Score: 71, ComputedAt: at(2026, 3, 2)},
		{ClientID: "c1", GrantKey: "g2", Score: 70, ComputedAt: at(2026, 3, 3)},
		{ClientID: "c2", GrantKey: "g1", Score: 69, ComputedAt: at(2026, 3, 4)},
		{ClientID: "c2", GrantKey: "g2", Score: 90, ComputedAt: at(2026, 1, 20)},
		{ClientID: "c3", GrantKey: "g1", Score: 95, ComputedAt: at(2025, 6, 1)}, // outside the window
	}

	snap := a.Snapshot(nil, matches, Range{To: at(2026, 3, 31)})

	march := snap.AnalisiTemporale[5]
	if march.Conteggio != 3 || march.Successi != 2 {
		t.Fatalf("expected 3 matches / 2 successes in March, got %+v", march)
	}
	if march.TassoSuccesso != 0.6667 {
		t.Fatalf("expected rate 0.6667, got %v", march.TassoSuccesso)
	}
	jan := snap.AnalisiTemporale[3]
	if jan.Conteggio != 1 || jan.TassoSuccesso != 1 {
		t.Fatalf("unexpected January bucket %+v", jan)
	}
	if snap.TotaleMatch != 5 {
		t.Fatalf("expected all 5 matches in unbounded range, got %d", snap.TotaleMatch)
	}
	if snap.TassoSuccesso != 0.8 {
		t.Fatalf("expected overall rate 0.8, got %v", snap.TassoSuccesso)
	}
}

func TestSnapshot_RangeBoundsTotals(t *testing.T) {
	a := NewAggregator(match.DefaultSuccessThreshold)
	matches := []models.MatchResult{
		{ClientID: "c1", GrantKey: "g1", Score: 80, ComputedAt: at(2026, 2, 1)},
		{ClientID: "c1", GrantKey: "g2", Score: 10, ComputedAt: at(2026, 3, 1)},
		{ClientID: "c1", GrantKey: "g3", Score: 10, ComputedAt: at(2026, 3, 20)},
	}

	snap := a.Snapshot(nil, matches, Range{From: at(2026, 2, 1), To: at(2026, 3, 1)})
	if snap.TotaleMatch != 2 || snap.TassoSuccesso != 0.5 {
		t.Fatalf("expected 2 matches at 0.5 with inclusive bounds, got %d at %v", snap.TotaleMatch, snap.TassoSuccesso)
	}
	if snap.AnalisiTemporale[5].Conteggio != 1 {
		t.Fatalf("expected matches after To excluded from the last bucket, got %+v", snap.AnalisiTemporale[5])
	}
}

func TestSnapshot_SourceDistribution(t *testing.T) {
	a := NewAggregator(match.DefaultSuccessThreshold)
	grants := []models.Grant{
		{Key: "1", Source: "Invitalia"},
		{Key: "2", Source: "RegioneX"},
		{Key: "3", Source: "RegioneX"},
		{Key: "4", Source: "Manuale"},
		{Key: "5", Source: "CameraCommercio"},
		{Key: "6", Source: "CameraCommercio"},
	}

	snap := a.Snapshot(grants, nil, Range{To: at(2026, 3, 1)})
	want := []models.SourceCount{
		{Fonte: "CameraCommercio", Conteggio: 2},
		{Fonte: "RegioneX", Conteggio: 2},
		{Fonte: "Invitalia", Conteggio: 1},
		{Fonte: "Manuale", Conteggio: 1},
	}
	if !reflect.DeepEqual(snap.DistribuzioneFonti, want) {
		t.Fatalf("unexpected distribution %+v", snap.DistribuzioneFonti)
	}
	if snap.FontiAttive != 4 {
		t.Fatalf("expected 4 active sources, got %d", snap.FontiAttive)
	}
}

func TestSnapshot_Deterministic(t *testing.T) {
	a := NewAggregator(match.DefaultSuccessThreshold)
	grants := []models.Grant{{Key: "1", Source: "B"}, {Key: "2", Source: "A"}}
	matches := []models.MatchResult{
		{ClientID: "c1", GrantKey: "1", Score: 75, ComputedAt: at(2026, 2, 10)},
		{ClientID: "c2", GrantKey: "2", Score: 20, ComputedAt: at(2026, 1, 10)},
	}
	r := Range{To: at(2026, 2, 28)}

	first := a.Snapshot(grants, matches, r)
	second := a.Snapshot(grants, matches, r)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("snapshots differ:\n%+v\n%+v", first, second)
	}
}

func TestSnapshot_ZeroToUsesClock(t *testing.T) {
	clock := time.Date(2026, 5, 20, 9, 0, 0, 0, time.UTC)
	a := NewAggregator(match.DefaultSuccessThreshold).WithClock(func() time.Time { return clock })
	matches := []models.MatchResult{
		{ClientID: "c1", GrantKey: "1", Score: 80, ComputedAt: at(2026, 2, 10)},
	}

	snap := a.Snapshot(nil, matches, Range{})
	if !snap.To.Equal(clock) {
		t.Fatalf("expected To %v, got %v", clock, snap.To)
	}
	last := snap.AnalisiTemporale[len(snap.AnalisiTemporale)-1]
	if last.Periodo != "2026-05" {
		t.Fatalf("expected buckets to end at the clock month, got %s", last.Periodo)
	}
	if snap.TotaleMatch != 1 {
		t.Fatalf("expected 1 match, got %d", snap.TotaleMatch)
	}

	empty := a.Snapshot(nil, nil, Range{})
	if got := empty.AnalisiTemporale[0].Periodo; got != "2025-12" {
		t.Fatalf("expected empty history anchored at the clock, got first bucket %s", got)
	}
}

func TestWriteXLSX(t *testing.T) {
	a := NewAggregator(match.DefaultSuccessThreshold)
	snap := a.Snapshot(
		[]models.Grant{{Key: "1", Source: "RegioneX"}, {Key: "2", Source: "RegioneX"}, {Key: "3", Source: "Manuale"}},
		[]models.MatchResult{{ClientID: "c1", GrantKey: "1", Score: 80, ComputedAt: at(2026, 3, 5)}},
		Range{To: at(2026, 3, 31)},
	)

	var buf bytes.Buffer
	if err := WriteXLSX(&buf, snap); err != nil {
		t.Fatalf("write: %v", err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	if got := f.GetSheetList(); !reflect.DeepEqual(got, []string{SheetSummary, SheetTimeline, SheetDistribution}) {
		t.Fatalf("unexpected sheets %v", got)
	}
	rows, err := f.GetRows(SheetTimeline)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1+DefaultPeriods {
		t.Fatalf("expected header plus %d rows, got %d", DefaultPeriods, len(rows))
	}
	if rows[6][0] != "2026-03" || rows[6][1] != "1" {
		t.Fatalf("unexpected last timeline row %v", rows[6])
	}
	top, _ := f.GetCellValue(SheetDistribution, "A2")
	if top != "RegioneX" {
		t.Fatalf("expected RegioneX first, got %q", top)
	}
	total, _ := f.GetCellValue(SheetSummary, "B4")
	if total != "1" {
		t.Fatalf("expected total 1, got %q", total)
	}
}
