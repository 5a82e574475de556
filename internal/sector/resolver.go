package sector

import (
	"strings"

	"github.com/david/bandi-engine/internal/models"
)

// DefaultFallbackScore is credited when a client sector cannot be resolved to
// codes but its name appears in the grant text.
const DefaultFallbackScore = 0.3

// Compatibility is the outcome of comparing a client's sectors with a grant.
type Compatibility struct {
	Score       float64
	ClientCodes []string
	Matched     []string
	Fallback    bool
	Unknown     []*models.LookupError
}

// Resolver scores sector compatibility against a shared, read-only Table.
type Resolver struct {
	table         *Table
	fallbackScore float64
}

func NewResolver(table *Table, fallbackScore float64) *Resolver {
	if fallbackScore < 0 || fallbackScore > 1 {
		fallbackScore = DefaultFallbackScore
	}
	return &Resolver{table: table, fallbackScore: fallbackScore}
}

// Resolve maps sector names to the union of their codes. A name that is
// already a known code passes through. Every other unknown name yields a
// LookupError; these are informational and never abort scoring.
func (r *Resolver) Resolve(names []string) ([]string, []*models.LookupError) {
	var (
		codes   []string
		unknown []*models.LookupError
		seen    = make(map[string]struct{})
	)
	add := func(code string) {
		if _, ok := seen[code]; ok {
			return
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}

	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if sectorCodes := r.table.CodesFor(name); len(sectorCodes) > 0 {
			for _, c := range sectorCodes {
				add(c)
			}
			continue
		}
		if r.table.KnownCode(name) {
			add(name)
			continue
		}
		unknown = append(unknown, &models.LookupError{Sector: name})
	}
	return codes, unknown
}

// grantCodes expands grant tags: sector names become their codes, anything
// else is taken as a literal code.
func (r *Resolver) grantCodes(tags []string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if codes := r.table.CodesFor(tag); len(codes) > 0 {
			for _, c := range codes {
				out[c] = struct{}{}
			}
			continue
		}
		out[tag] = struct{}{}
	}
	return out
}

// Score returns |client codes ∩ grant codes| / |client codes|.
//
// Only when none of the client sectors resolve to codes are the unknown names
// searched in the grant title, description and tags; a hit scores the
// fallback value instead of zero.
func (r *Resolver) Score(clientSectors []string, g models.Grant) Compatibility {
	clientCodes, unknown := r.Resolve(clientSectors)
	res := Compatibility{ClientCodes: clientCodes, Unknown: unknown}

	if len(clientCodes) > 0 {
		grant := r.grantCodes(g.EligibleSectors)
		for _, c := range clientCodes {
			if _, ok := grant[c]; ok {
				res.Matched = append(res.Matched, c)
			}
		}
		res.Score = clamp(float64(len(res.Matched)) / float64(len(clientCodes)))
		return res
	}

	if len(unknown) == 0 {
		return res
	}

	haystack := fold(g.Title + " " + g.Description + " " + strings.Join(g.EligibleSectors, " "))
	for _, le := range unknown {
		if needle := fold(le.Sector); needle != "" && strings.Contains(haystack, needle) {
			res.Score = r.fallbackScore
			res.Fallback = true
			break
		}
	}
	return res
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
