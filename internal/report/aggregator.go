package report

import (
	"math"
	"sort"
	"time"

	"github.com/david/bandi-engine/internal/match"
	"github.com/david/bandi-engine/internal/models"
)

// DefaultPeriods is the number of monthly buckets in a snapshot.
const DefaultPeriods = 6

// Range bounds the totals of a snapshot. Both ends are inclusive; a zero
// From is unbounded and a zero To is the aggregator's current time. To also
// anchors the monthly buckets.
type Range struct {
	From time.Time
	To   time.Time
}

// Aggregator turns the grant set and the match history into a
// ReportSnapshot. It only reads its inputs.
type Aggregator struct {
	periods   int
	threshold int
	now       func() time.Time
}

func NewAggregator(successThreshold int) *Aggregator {
	return &Aggregator{periods: DefaultPeriods, threshold: successThreshold, now: time.Now}
}

// WithClock returns a copy of a that reads the current time from now.
func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	c := *a
	c.now = now
	return &c
}

// Snapshot is a pure function of its arguments once To is set: the same
// inputs always yield the same snapshot, field for field.
func (a *Aggregator) Snapshot(grants []models.Grant, matches []models.MatchResult, r Range) models.ReportSnapshot {
	r.From, r.To = r.From.UTC(), r.To.UTC()
	if r.To.IsZero() {
		r.To = a.now().UTC()
	}

	snap := models.ReportSnapshot{
		From:               r.From,
		To:                 r.To,
		AnalisiTemporale:   a.buckets(matches, r.To),
		DistribuzioneFonti: distribution(grants),
	}
	snap.FontiAttive = len(snap.DistribuzioneFonti)

	successes := 0
	for _, m := range matches {
		if !inRange(m.ComputedAt, r) {
			continue
		}
		snap.TotaleMatch++
		if match.IsSuccessful(m.Score, a.threshold) {
			successes++
		}
	}
	snap.TassoSuccesso = rate(successes, snap.TotaleMatch)

	return snap
}

// buckets returns exactly a.periods calendar months, oldest first, the last
// one being the month of end. Months are stepped from day 1 so that a
// 31st never rolls into the following month.
func (a *Aggregator) buckets(matches []models.MatchResult, end time.Time) []models.PeriodBucket {
	y, m, _ := end.Date()
	out := make([]models.PeriodBucket, a.periods)
	index := make(map[string]int, a.periods)
	for i := 0; i < a.periods; i++ {
		start := time.Date(y, m-time.Month(a.periods-1-i), 1, 0, 0, 0, 0, time.UTC)
		label := start.Format("2006-01")
		out[i] = models.PeriodBucket{Periodo: label, Inizio: start}
		index[label] = i
	}

	for _, mr := range matches {
		at := mr.ComputedAt.UTC()
		if at.After(end) {
			continue
		}
		i, ok := index[at.Format("2006-01")]
		if !ok {
			continue
		}
		out[i].Conteggio++
		if match.IsSuccessful(mr.Score, a.threshold) {
			out[i].Successi++
		}
	}

	for i := range out {
		out[i].TassoSuccesso = rate(out[i].Successi, out[i].Conteggio)
	}
	return out
}

// distribution counts grants per source, largest first, then by name.
func distribution(grants []models.Grant) []models.SourceCount {
	counts := make(map[string]int)
	for _, g := range grants {
		counts[g.Source]++
	}
	out := make([]models.SourceCount, 0, len(counts))
	for src, n := range counts {
		out = append(out, models.SourceCount{Fonte: src, Conteggio: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Conteggio != out[j].Conteggio {
			return out[i].Conteggio > out[j].Conteggio
		}
		return out[i].Fonte < out[j].Fonte
	})
	return out
}

// rate is part/total rounded to 4 decimals, 0 when total is 0.
func rate(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(part)/float64(total)*10000) / 10000
}

func inRange(t time.Time, r Range) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && t.After(r.To) {
		return false
	}
	return true
}
