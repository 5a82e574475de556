package ingest

import (
	"errors"
	"log"
	"sort"

	"github.com/david/bandi-engine/internal/models"
)

// Deduplicator merges the batches of one run into the canonical grant set.
// It exclusively owns the construction of that set.
type Deduplicator struct {
	normalizer *Normalizer
}

func NewDeduplicator(normalizer *Normalizer) *Deduplicator {
	return &Deduplicator{normalizer: normalizer}
}

// Merge normalizes every record and keeps one grant per identity key.
//
// On a key collision the record with the more recent ingestion timestamp
// wins; a record with a timestamp beats one without. Otherwise the first
// seen record is kept and the later one discarded. Invalid records are
// skipped and counted, never aborting the batch.
func (d *Deduplicator) Merge(batches []SourceBatch) DedupResult {
	res := DedupResult{SkippedBySource: map[string]int{}}
	index := make(map[string]int)
	var kept []models.Grant

	for _, batch := range batches {
		for _, rec := range batch.Records {
			res.Total++
			if rec.Source == "" {
				rec.Source = batch.Source
			}
			if rec.Kind == "" {
				rec.Kind = batch.Kind
			}

			g, err := d.normalizer.Normalize(rec)
			if err != nil {
				res.Skipped++
				res.SkippedBySource[batch.Source]++
				var ve *models.ValidationError
				detail := err.Error()
				if errors.As(err, &ve) {
					detail = ve.Field + " " + ve.Reason
				}
				log.Printf("[dedup] skipping record from %s: %v", batch.Source, err)
				res.Events = append(res.Events, AuditEvent{Kind: EventInvalidRecord, Source: batch.Source, Detail: detail})
				continue
			}

			if g.KeyOrigin == models.KeyDerived {
				res.DerivedKeys++
				res.Events = append(res.Events, AuditEvent{
					Kind: EventDerivedKey, Source: g.Source, Key: g.Key, Title: TruncateText(g.Title, maxAuditTitle),
					Detail: "no persisted identifier; identity derived from source and title",
				})
			}

			i, seen := index[g.Key]
			if !seen {
				index[g.Key] = len(kept)
				kept = append(kept, g)
				continue
			}

			res.Collisions++
			if ingestedAfter(g, kept[i]) {
				log.Printf("[dedup] key %q: newer record from %s replaces one from %s", g.Key, g.Source, kept[i].Source)
				res.Events = append(res.Events, AuditEvent{Kind: EventCollisionReplaced, Source: g.Source, Key: g.Key, Title: TruncateText(g.Title, maxAuditTitle), Detail: "replaced record from " + kept[i].Source})
				kept[i] = g
			} else {
				log.Printf("[dedup] key %q: discarding duplicate from %s", g.Key, g.Source)
				res.Events = append(res.Events, AuditEvent{Kind: EventCollisionDiscarded, Source: g.Source, Key: g.Key, Title: TruncateText(g.Title, maxAuditTitle), Detail: "kept record from " + kept[i].Source})
			}
		}
	}

	SortGrants(kept)
	if kept == nil {
		kept = []models.Grant{}
	}
	res.Grants = kept
	return res
}

// SortGrants orders by ingestion time, most recent first; grants without a
// timestamp sort as oldest. Key breaks ties so the order is total.
func SortGrants(grants []models.Grant) {
	sort.SliceStable(grants, func(i, j int) bool {
		a, b := grants[i], grants[j]
		switch {
		case a.IngestedAt == nil && b.IngestedAt == nil:
		case a.IngestedAt == nil:
			return false
		case b.IngestedAt == nil:
			return true
		case !a.IngestedAt.Equal(*b.IngestedAt):
			return a.IngestedAt.After(*b.IngestedAt)
		}
		return a.Key < b.Key
	})
}

func ingestedAfter(candidate, current models.Grant) bool {
	if candidate.IngestedAt == nil {
		return false
	}
	if current.IngestedAt == nil {
		return true
	}
	return candidate.IngestedAt.After(*current.IngestedAt)
}
