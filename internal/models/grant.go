package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// KeyOrigin records how a grant's identity key was obtained.
type KeyOrigin string

const (
	KeyPersisted KeyOrigin = "persisted" // source supplied a stable identifier
	KeyDerived   KeyOrigin = "derived"   // built from (source, title)
)

// Grant is the canonical "bando" produced by the normalizer and owned by the
// deduplicated set.
type Grant struct {
	Key             string          `json:"key"`
	KeyOrigin       KeyOrigin       `json:"key_origin"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	DescriptionHTML string          `json:"description_html,omitempty"`
	Source          string          `json:"source"`
	URL             string          `json:"url,omitempty"`
	IngestedAt      *time.Time      `json:"ingested_at"`
	PublishedAt     *time.Time      `json:"published_at,omitempty"`
	DeadlineAt      *time.Time      `json:"deadline_at"`
	DeadlineText    string          `json:"deadline_text,omitempty"` // display only
	EligibleSectors []string        `json:"eligible_sectors"`
	Region          string          `json:"region,omitempty"`
	AmountMin       decimal.Decimal `json:"amount_min"`
	AmountMax       decimal.Decimal `json:"amount_max"`
	Currency        string          `json:"currency,omitempty"`
	Raw             json.RawMessage `json:"raw,omitempty"`
}

// IsNew reports whether the grant was ingested within window of now.
// Grants without an ingestion timestamp are never new.
func (g Grant) IsNew(now time.Time, window time.Duration) bool {
	if g.IngestedAt == nil {
		return false
	}
	age := now.Sub(*g.IngestedAt)
	return age >= 0 && age <= window
}

// IsExpired uses the structured deadline only; the free-text deadline never
// drives expiry.
func (g Grant) IsExpired(now time.Time) bool {
	return g.DeadlineAt != nil && g.DeadlineAt.Before(now)
}

// HasAmount reports whether any budget figure was parsed for the grant.
func (g Grant) HasAmount() bool {
	return g.AmountMin.IsPositive() || g.AmountMax.IsPositive()
}

// GrantView is the listing shape served to UI consumers, with the derived
// flags computed at read time.
type GrantView struct {
	Grant
	IsNew     bool `json:"is_new"`
	IsExpired bool `json:"is_expired"`
}
