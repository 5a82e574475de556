package models

import "time"

// PeriodBucket is one calendar month of match history.
type PeriodBucket struct {
	Periodo       string    `json:"periodo"` // "2006-01"
	Inizio        time.Time `json:"inizio"`
	Conteggio     int       `json:"conteggio"`
	Successi      int       `json:"successi"`
	TassoSuccesso float64   `json:"tassoSuccesso"`
}

// SourceCount is the number of canonical grants contributed by one source.
type SourceCount struct {
	Fonte     string `json:"fonte"`
	Conteggio int    `json:"conteggio"`
}

// ReportSnapshot is a derived view over the grant set and match history.
// It is never persisted as a source of truth.
type ReportSnapshot struct {
	From               time.Time      `json:"from"`
	To                 time.Time      `json:"to"`
	TotaleMatch        int            `json:"totaleMatch"`
	TassoSuccesso      float64        `json:"tassoSuccesso"`
	FontiAttive        int            `json:"fontiAttive"`
	AnalisiTemporale   []PeriodBucket `json:"analisiTemporale"`
	DistribuzioneFonti []SourceCount  `json:"distribuzioneFonti"`
}
