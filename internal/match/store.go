package match

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/david/bandi-engine/internal/models"
)

// Filter narrows a Query. Zero values do not filter.
type Filter struct {
	ClientID string
	GrantKey string
	MinScore int
	From     time.Time
	To       time.Time
}

// Matches reports whether m passes the filter. From and To are inclusive.
func (f Filter) Matches(m models.MatchResult) bool {
	if f.ClientID != "" && m.ClientID != f.ClientID {
		return false
	}
	if f.GrantKey != "" && m.GrantKey != f.GrantKey {
		return false
	}
	if m.Score < f.MinScore {
		return false
	}
	if !f.From.IsZero() && m.ComputedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && m.ComputedAt.After(f.To) {
		return false
	}
	return true
}

// Store persists at most one MatchResult per (client, grant) pair.
//
// Upsert replaces the pair atomically; concurrent writers resolve as last
// write wins. Query returns results ordered by client then grant.
// Generation increases on every write and lets readers detect that the
// history moved under them. Implementations wrap failures in
// *models.StoreError.
type Store interface {
	Upsert(ctx context.Context, m models.MatchResult) error
	Query(ctx context.Context, f Filter) ([]models.MatchResult, error)
	DeleteByGrant(ctx context.Context, grantKey string) (int, error)
	Generation(ctx context.Context) (uint64, error)
}

// BatchStore is a Store that can write a whole run's results atomically:
// either every result is stored or none is.
type BatchStore interface {
	Store
	UpsertAll(ctx context.Context, results []models.MatchResult) error
}

// MemoryStore is a Store held in process memory.
type MemoryStore struct {
	mu         sync.RWMutex
	results    map[string]models.MatchResult
	generation uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{results: make(map[string]models.MatchResult)}
}

func (s *MemoryStore) Upsert(ctx context.Context, m models.MatchResult) error {
	if err := ctx.Err(); err != nil {
		return &models.StoreError{Op: "upsert match", Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[m.PairKey()] = m
	s.generation++
	return nil
}

func (s *MemoryStore) UpsertAll(ctx context.Context, results []models.MatchResult) error {
	if err := ctx.Err(); err != nil {
		return &models.StoreError{Op: "upsert matches", Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range results {
		s.results[m.PairKey()] = m
		s.generation++
	}
	return nil
}

func (s *MemoryStore) Query(ctx context.Context, f Filter) ([]models.MatchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, &models.StoreError{Op: "query matches", Err: err}
	}
	s.mu.RLock()
	out := make([]models.MatchResult, 0, len(s.results))
	for _, m := range s.results {
		if f.Matches(m) {
			out = append(out, m)
		}
	}
	s.mu.RUnlock()

	SortResults(out)
	return out, nil
}

func (s *MemoryStore) DeleteByGrant(ctx context.Context, grantKey string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, &models.StoreError{Op: "delete matches", Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, m := range s.results {
		if m.GrantKey == grantKey {
			delete(s.results, k)
			n++
		}
	}
	if n > 0 {
		s.generation++
	}
	return n, nil
}

func (s *MemoryStore) Generation(ctx context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation, nil
}

// SortResults orders by client ID, then grant key.
func SortResults(results []models.MatchResult) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].ClientID != results[j].ClientID {
			return results[i].ClientID < results[j].ClientID
		}
		return results[i].GrantKey < results[j].GrantKey
	})
}
