package match

import (
	"math"
	"strings"
	"time"

	"github.com/david/bandi-engine/internal/models"
	"github.com/david/bandi-engine/internal/sector"
)

// DefaultSuccessThreshold is the score from which a match counts as
// successful. The comparison is inclusive.
const DefaultSuccessThreshold = 70

// IsSuccessful is the only place the threshold comparison is made.
func IsSuccessful(score, threshold int) bool {
	return score >= threshold
}

// Weights of the three score components. They sum to 1.
type Weights struct {
	Sector     float64
	Keyword    float64
	Constraint float64
}

var DefaultWeights = Weights{Sector: 0.6, Keyword: 0.3, Constraint: 0.1}

// nationwideRegions satisfy any client geography.
var nationwideRegions = map[string]struct{}{
	"italia": {}, "nazionale": {}, "tutte": {}, "tutte le regioni": {},
}

// Scorer computes a MatchResult for one (client, grant) pair. It is a pure
// function of its inputs and the injected clock.
type Scorer struct {
	resolver *sector.Resolver
	weights  Weights
	now      func() time.Time
}

func NewScorer(resolver *sector.Resolver, now func() time.Time) *Scorer {
	if now == nil {
		now = time.Now
	}
	return &Scorer{resolver: resolver, weights: DefaultWeights, now: now}
}

// Score blends sector compatibility, keyword overlap and constraint fit into
// an integer in [0, 100]. A pair with neither sector nor keyword signal
// scores 0 whatever its constraints.
func (s *Scorer) Score(c models.ClientProfile, g models.Grant) models.MatchResult {
	b := models.ScoreBreakdown{
		Sector:     s.resolver.Score(c.Sectors, g).Score,
		Keyword:    KeywordOverlap(c.Requirements, g.Title, g.Description),
		Constraint: ConstraintFit(c, g),
	}

	score := 0
	if b.Sector > 0 || b.Keyword > 0 {
		raw := 100 * (s.weights.Sector*b.Sector + s.weights.Keyword*b.Keyword + s.weights.Constraint*b.Constraint)
		score = int(math.Round(raw))
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	return models.MatchResult{
		ClientID:   c.ID,
		GrantKey:   g.Key,
		Score:      score,
		Breakdown:  b,
		ComputedAt: s.now().UTC(),
	}
}

// ConstraintFit is the share of the client's declared constraints the grant
// satisfies. Budget: the client range overlaps the grant's amount range.
// Geography: the grant region is one of the client's regions. A grant with
// no data for a constraint satisfies it; no declared constraints gives 1.
func ConstraintFit(c models.ClientProfile, g models.Grant) float64 {
	declared, satisfied := 0, 0

	if c.Budget != nil && (c.Budget.Min.IsPositive() || c.Budget.Max.IsPositive()) {
		declared++
		if budgetOverlaps(*c.Budget, g) {
			satisfied++
		}
	}

	if regions := nonEmpty(c.Regions); len(regions) > 0 {
		declared++
		if regionMatches(regions, g.Region) {
			satisfied++
		}
	}

	if declared == 0 {
		return 1
	}
	return float64(satisfied) / float64(declared)
}

// budgetOverlaps treats a zero upper bound on either side as unbounded.
func budgetOverlaps(b models.BudgetRange, g models.Grant) bool {
	if !g.HasAmount() {
		return true
	}
	if b.Max.IsPositive() && g.AmountMin.GreaterThan(b.Max) {
		return false
	}
	if g.AmountMax.IsPositive() && b.Min.GreaterThan(g.AmountMax) {
		return false
	}
	return true
}

func regionMatches(regions []string, grantRegion string) bool {
	gr := foldText(strings.TrimSpace(grantRegion))
	if gr == "" {
		return true
	}
	if _, ok := nationwideRegions[gr]; ok {
		return true
	}
	for _, r := range regions {
		if foldText(r) == gr {
			return true
		}
	}
	return false
}

func nonEmpty(list []string) []string {
	var out []string
	for _, s := range list {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
