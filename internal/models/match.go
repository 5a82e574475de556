package models

import "time"

// ScoreBreakdown holds each weighted component in [0,1] before weighting.
type ScoreBreakdown struct {
	Sector     float64 `json:"sector"`
	Keyword    float64 `json:"keyword"`
	Constraint float64 `json:"constraint"`
}

// MatchResult is unique per (ClientID, GrantKey).
type MatchResult struct {
	ClientID   string         `json:"client_id"`
	GrantKey   string         `json:"grant_key"`
	Score      int            `json:"score"`
	Breakdown  ScoreBreakdown `json:"breakdown"`
	ComputedAt time.Time      `json:"computed_at"`
}

// PairKey identifies the (client, grant) slot a result occupies.
func (m MatchResult) PairKey() string {
	return m.ClientID + "\x00" + m.GrantKey
}
