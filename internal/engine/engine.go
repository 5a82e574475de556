package engine

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/david/bandi-engine/internal/audit"
	"github.com/david/bandi-engine/internal/config"
	"github.com/david/bandi-engine/internal/ingest"
	"github.com/david/bandi-engine/internal/match"
	"github.com/david/bandi-engine/internal/models"
	"github.com/david/bandi-engine/internal/report"
	"github.com/david/bandi-engine/internal/sector"
)

// maxConcurrentLoads bounds how many sources are read at once.
const maxConcurrentLoads = 4

// RecordSource yields the raw records of every configured source.
type RecordSource interface {
	SourceNames(ctx context.Context) ([]string, error)
	Records(ctx context.Context, source string) (ingest.SourceBatch, error)
}

// ClientSource yields the client profiles to score against.
type ClientSource interface {
	ActiveClients(ctx context.Context) ([]models.ClientProfile, error)
}

// GrantStore keeps the canonical grant set between runs.
type GrantStore interface {
	SaveGrants(ctx context.Context, grants []models.Grant) error
	ListGrants(ctx context.Context) ([]models.Grant, error)
	DeleteGrant(ctx context.Context, key string) (bool, error)
}

// RunCommitter is a GrantStore that can also write a run's match results in
// the same transaction as its grant set. Those writes must land in the store
// Deps.Matches reads from.
type RunCommitter interface {
	CommitRun(ctx context.Context, grants []models.Grant, results []models.MatchResult) error
}

// RunRecorder keeps one bookkeeping row per run.
type RunRecorder interface {
	StartRun(ctx context.Context, run models.RunSummary) error
	FinishRun(ctx context.Context, run models.RunSummary) error
}

// Deps are the engine's collaborators. Records, Clients and Matches are
// required; the rest may be nil. Clock defaults to time.Now.
type Deps struct {
	Records  RecordSource
	Clients  ClientSource
	Matches  match.Store
	Grants   GrantStore
	Recorder RunRecorder
	Archiver audit.Archiver
	Clock    func() time.Time
}

// Result is what a completed run produces.
type Result struct {
	Run      models.RunSummary
	Grants   []models.Grant
	Snapshot models.ReportSnapshot
}

// Engine runs aggregation: load, dedup, score, store, report. The only state
// shared between runs is the read-only classification table.
type Engine struct {
	deps       Deps
	dedup      *ingest.Deduplicator
	resolver   *sector.Resolver
	aggregator *report.Aggregator
	policy     config.Policy

	// Without a GrantStore the last canonical set is kept here.
	mu         sync.RWMutex
	lastGrants []models.Grant
}

func New(deps Deps, registry *ingest.Registry, table *sector.Table, policy config.Policy) *Engine {
	if deps.Archiver == nil {
		deps.Archiver = audit.LogArchiver{}
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Engine{
		deps:       deps,
		dedup:      ingest.NewDeduplicator(ingest.NewNormalizer(registry)),
		resolver:   sector.NewResolver(table, policy.FallbackScore),
		aggregator: report.NewAggregator(policy.SuccessThreshold).WithClock(deps.Clock),
		policy:     policy,
	}
}

// Run executes one aggregation at logical time now. Any store failure aborts
// the run and no snapshot is produced. Cancellation is honored after dedup and
// between clients. Scores are kept in memory until every pair is computed, so
// a canceled run writes nothing.
func (e *Engine) Run(ctx context.Context, now time.Time) (*Result, error) {
	now = now.UTC()
	run := models.RunSummary{RunID: uuid.NewString(), Status: models.RunRunning, StartedAt: now}
	logp := "[run " + run.RunID[:8] + "]"

	if e.deps.Recorder != nil {
		if err := e.deps.Recorder.StartRun(ctx, run); err != nil {
			log.Printf("%s [Warn] failed to record run start: %v", logp, err)
		}
	}

	res, err := e.run(ctx, now, &run, logp)

	finished := e.deps.Clock().UTC()
	run.FinishedAt = &finished
	switch {
	case err == nil:
		run.Status = models.RunCompleted
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		run.Status = models.RunCanceled
		run.Error = err.Error()
	default:
		run.Status = models.RunFailed
		run.Error = err.Error()
	}
	if e.deps.Recorder != nil {
		// The run context may be gone by now; the bookkeeping row still needs closing.
		if ferr := e.deps.Recorder.FinishRun(context.WithoutCancel(ctx), run); ferr != nil {
			log.Printf("%s [Warn] failed to record run end: %v", logp, ferr)
		}
	}

	if err != nil {
		log.Printf("%s %s: %v", logp, run.Status, err)
		return nil, err
	}
	res.Run = run
	log.Printf("%s completed: %d grants, %d clients, %d matches", logp, run.Grants, run.Clients, run.Matches)
	return res, nil
}

func (e *Engine) run(ctx context.Context, now time.Time, run *models.RunSummary, logp string) (*Result, error) {
	// 1. Load every source concurrently
	names, err := e.deps.Records.SourceNames(ctx)
	if err != nil {
		return nil, storeErr(ctx, "list sources", err)
	}
	run.Sources = len(names)

	batches := make([]ingest.SourceBatch, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentLoads)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			batch, err := e.deps.Records.Records(gctx, name)
			if err != nil {
				return storeErr(gctx, "load records of "+name, err)
			}
			if batch.Source == "" {
				batch.Source = name
			}
			batches[i] = batch
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// 2. Normalize and deduplicate
	merged := e.dedup.Merge(batches)
	run.Records, run.Grants = merged.Total, len(merged.Grants)
	run.Skipped, run.Collisions, run.DerivedKeys = merged.Skipped, merged.Collisions, merged.DerivedKeys
	log.Printf("%s %d sources, %d records -> %d grants (%d skipped, %d collisions, %d derived keys)",
		logp, run.Sources, run.Records, run.Grants, run.Skipped, run.Collisions, run.DerivedKeys)

	if url, err := e.deps.Archiver.Archive(ctx, audit.NewTrail(run.RunID, now, merged)); err != nil {
		log.Printf("%s [Warn] failed to archive audit trail: %v", logp, err)
	} else {
		run.AuditURL = url
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 3. Score every (client, grant) pair
	clients, err := e.deps.Clients.ActiveClients(ctx)
	if err != nil {
		return nil, storeErr(ctx, "load clients", err)
	}
	run.Clients = len(clients)

	scorer := match.NewScorer(e.resolver, func() time.Time { return now })
	results := make([]models.MatchResult, 0, len(clients)*len(merged.Grants))
	for _, c := range clients {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, unknown := e.resolver.Resolve(c.Sectors); len(unknown) > 0 {
			for _, le := range unknown {
				log.Printf("%s client %s: %v, using text fallback", logp, c.ID, le)
			}
		}
		for _, gr := range merged.Grants {
			results = append(results, scorer.Score(c, gr))
		}
	}

	// 4. Persist the canonical set and the match history
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := e.commit(ctx, merged.Grants, results); err != nil {
		return nil, err
	}
	run.Matches = len(results)

	// 5. Report
	snap, err := e.snapshot(ctx, merged.Grants, report.Range{To: now})
	if err != nil {
		return nil, err
	}

	return &Result{Grants: merged.Grants, Snapshot: snap}, nil
}

// commit persists a run. A RunCommitter gets everything in one transaction.
// Otherwise matches go first, then the history of grants that left the set is
// dropped, and the grant set is saved last: a failure part way leaves the
// previous grant set in place and the next run repeats the cleanup.
func (e *Engine) commit(ctx context.Context, grants []models.Grant, results []models.MatchResult) error {
	if rc, ok := e.deps.Grants.(RunCommitter); ok {
		if err := rc.CommitRun(ctx, grants, results); err != nil {
			return storeErr(ctx, "commit run", err)
		}
		return nil
	}

	previous, err := e.currentGrants(ctx)
	if err != nil {
		return err
	}
	if err := e.writeMatches(ctx, results); err != nil {
		return err
	}

	kept := make(map[string]struct{}, len(grants))
	for _, g := range grants {
		kept[g.Key] = struct{}{}
	}
	for _, g := range previous {
		if _, ok := kept[g.Key]; ok {
			continue
		}
		if _, err := e.deps.Matches.DeleteByGrant(ctx, g.Key); err != nil {
			return storeErr(ctx, "delete matches", err)
		}
	}

	if e.deps.Grants != nil {
		if err := e.deps.Grants.SaveGrants(ctx, grants); err != nil {
			return storeErr(ctx, "save grants", err)
		}
		return nil
	}
	e.mu.Lock()
	e.lastGrants = grants
	e.mu.Unlock()
	return nil
}

// writeMatches stores a run's results atomically when the store supports it,
// one by one otherwise.
func (e *Engine) writeMatches(ctx context.Context, results []models.MatchResult) error {
	if bs, ok := e.deps.Matches.(match.BatchStore); ok {
		if err := bs.UpsertAll(ctx, results); err != nil {
			return storeErr(ctx, "upsert matches", err)
		}
		return nil
	}
	for _, m := range results {
		if err := e.deps.Matches.Upsert(ctx, m); err != nil {
			return storeErr(ctx, "upsert match", err)
		}
	}
	return nil
}

// Snapshot computes a report over the current grant set and match history.
// A zero To means now.
func (e *Engine) Snapshot(ctx context.Context, r report.Range) (models.ReportSnapshot, error) {
	grants, err := e.currentGrants(ctx)
	if err != nil {
		return models.ReportSnapshot{}, err
	}
	return e.snapshot(ctx, grants, r)
}

// snapshot reads the match history and fails with StaleReadError when a
// write landed while it was reading.
func (e *Engine) snapshot(ctx context.Context, grants []models.Grant, r report.Range) (models.ReportSnapshot, error) {
	before, err := e.deps.Matches.Generation(ctx)
	if err != nil {
		return models.ReportSnapshot{}, storeErr(ctx, "read match generation", err)
	}
	matches, err := e.deps.Matches.Query(ctx, match.Filter{})
	if err != nil {
		return models.ReportSnapshot{}, storeErr(ctx, "query matches", err)
	}
	after, err := e.deps.Matches.Generation(ctx)
	if err != nil {
		return models.ReportSnapshot{}, storeErr(ctx, "read match generation", err)
	}
	if before != after {
		return models.ReportSnapshot{}, &models.StaleReadError{Before: before, After: after}
	}
	return e.aggregator.Snapshot(grants, matches, r), nil
}

// GrantQuery filters Grants. Zero values do not filter.
type GrantQuery struct {
	Source         string
	NewOnly        bool
	ExcludeExpired bool
}

// Grants lists the canonical set with the new/expired flags evaluated at now.
func (e *Engine) Grants(ctx context.Context, q GrantQuery, now time.Time) ([]models.GrantView, error) {
	grants, err := e.currentGrants(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.GrantView, 0, len(grants))
	for _, g := range grants {
		if q.Source != "" && g.Source != q.Source {
			continue
		}
		v := models.GrantView{Grant: g, IsNew: g.IsNew(now, e.policy.NewGrantWindow), IsExpired: g.IsExpired(now)}
		if q.NewOnly && !v.IsNew {
			continue
		}
		if q.ExcludeExpired && v.IsExpired {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// Matches queries the match history.
func (e *Engine) Matches(ctx context.Context, f match.Filter) ([]models.MatchResult, error) {
	ms, err := e.deps.Matches.Query(ctx, f)
	if err != nil {
		return nil, storeErr(ctx, "query matches", err)
	}
	return ms, nil
}

// DeleteGrant removes a grant and every match result that refers to it.
// It reports how many match results were removed.
func (e *Engine) DeleteGrant(ctx context.Context, key string) (int, error) {
	found := false
	if e.deps.Grants != nil {
		ok, err := e.deps.Grants.DeleteGrant(ctx, key)
		if err != nil {
			return 0, storeErr(ctx, "delete grant", err)
		}
		found = ok
	} else {
		e.mu.Lock()
		kept := e.lastGrants[:0:0]
		for _, g := range e.lastGrants {
			if g.Key == key {
				found = true
				continue
			}
			kept = append(kept, g)
		}
		e.lastGrants = kept
		e.mu.Unlock()
	}

	n, err := e.deps.Matches.DeleteByGrant(ctx, key)
	if err != nil {
		return 0, storeErr(ctx, "delete matches", err)
	}
	if !found && n == 0 {
		return 0, ErrGrantNotFound
	}
	return n, nil
}

// ErrGrantNotFound is returned by DeleteGrant for an unknown key.
var ErrGrantNotFound = errors.New("grant not found")

func (e *Engine) currentGrants(ctx context.Context) ([]models.Grant, error) {
	if e.deps.Grants != nil {
		grants, err := e.deps.Grants.ListGrants(ctx)
		if err != nil {
			return nil, storeErr(ctx, "list grants", err)
		}
		return grants, nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]models.Grant(nil), e.lastGrants...), nil
}

// storeErr wraps a collaborator failure as a StoreError, unless the failure
// is just our own context ending.
func storeErr(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return ctxErr
	}
	var se *models.StoreError
	if errors.As(err, &se) {
		return err
	}
	return &models.StoreError{Op: op, Err: err}
}
