package ingest

import (
	"fmt"
	"time"

	"github.com/david/bandi-engine/internal/models"
)

// SourceKind is the discriminator of a RawSourceRecord. It selects how the
// free-form fields are decoded at the normalizer boundary.
type SourceKind string

const (
	KindPortal SourceKind = "portal" // structured portal export, usually with stable IDs
	KindHTML   SourceKind = "html"   // listing scraped upstream, description is HTML
	KindManual SourceKind = "manual" // hand-entered by operators
)

// ParseSourceKind validates a discriminator read from configuration or storage.
func ParseSourceKind(s string) (SourceKind, error) {
	switch SourceKind(s) {
	case KindPortal, KindHTML, KindManual:
		return SourceKind(s), nil
	case "":
		return KindPortal, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSourceKind, s)
}

// RawSourceRecord is a grant exactly as one origin delivered it. It never
// travels past the normalizer: everything downstream sees models.Grant.
type RawSourceRecord struct {
	Source     string
	Kind       SourceKind
	Fields     map[string]any
	IngestedAt *time.Time // store-side import time, overrides any payload field
}

// SourceBatch is the list of raw records fetched for one source.
type SourceBatch struct {
	Source  string
	Kind    SourceKind
	Records []RawSourceRecord
}

// DedupResult is the outcome of merging all batches of a run.
type DedupResult struct {
	Grants          []models.Grant
	Total           int
	Skipped         int
	SkippedBySource map[string]int
	Collisions      int
	DerivedKeys     int
	Events          []AuditEvent
}

// AuditEventKind classifies what the deduplicator observed.
type AuditEventKind string

const (
	EventDerivedKey         AuditEventKind = "derived_key"
	EventCollisionReplaced  AuditEventKind = "collision_replaced"
	EventCollisionDiscarded AuditEventKind = "collision_discarded"
	EventInvalidRecord      AuditEventKind = "invalid_record"
)

// AuditEvent is one line of the run's audit trail.
// maxAuditTitle bounds the grant title carried by an AuditEvent.
const maxAuditTitle = 120

type AuditEvent struct {
	Kind   AuditEventKind `json:"kind"`
	Source string         `json:"source"`
	Key    string         `json:"key,omitempty"`
	Title  string         `json:"title,omitempty"`
	Detail string         `json:"detail,omitempty"`
}
