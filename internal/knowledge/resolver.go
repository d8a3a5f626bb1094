package knowledge

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/relaydesk/triage/internal/intent"
)

// Options bound each source call: an independent timeout per attempt and
// a small fixed retry budget with constant backoff.
type Options struct {
	SourceTimeout time.Duration
	MaxRetries    uint64
	RetryInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.SourceTimeout <= 0 {
		o.SourceTimeout = 2 * time.Second
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 100 * time.Millisecond
	}
	return o
}

// Resolver fans a classified intent out to the knowledge sources configured
// for it and merges their results into one ranked, deduplicated set.
// Partial failures never fail the whole resolution: failed sources are
// omitted and the set is marked degraded.
type Resolver struct {
	routes        map[intent.Label][]Source
	authoritative map[intent.Label]string
	opts          Options
	logger        *slog.Logger
}

// NewResolver creates a Resolver with a static intent→source mapping and a
// per-intent authoritative source (the source whose absence makes monetary
// or record-backed decisions unsafe).
func NewResolver(routes map[intent.Label][]Source, authoritative map[intent.Label]string, opts Options) *Resolver {
	return &Resolver{
		routes:        routes,
		authoritative: authoritative,
		opts:          opts.withDefaults(),
		logger:        slog.Default(),
	}
}

// RequiresAuthoritative reports whether the intent depends on an
// authoritative record source.
func (r *Resolver) RequiresAuthoritative(label intent.Label) bool {
	return r.authoritative[label] != ""
}

// Resolve queries all sources applicable to the intent concurrently. Each
// call is independently timed out and retried; results are ranked by
// relevance descending with ties broken by static source priority
// (registration order), then deduplicated by source + payload identity.
func (r *Resolver) Resolve(ctx context.Context, in intent.Result, entities map[string]string) ResultSet {
	sources := r.routes[in.Label]
	if len(sources) == 0 {
		return ResultSet{}
	}

	collected := make([][]Result, len(sources))
	failed := make([]bool, len(sources))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range sources {
		g.Go(func() error {
			results, err := r.querySource(gctx, src, in, entities)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				r.logger.Warn("knowledge source failed, omitting from result set",
					"source", src.ID(), "intent", in.Label, "error", err)
				failed[i] = true
				return nil
			}
			collected[i] = results
			return nil
		})
	}
	g.Wait()

	set := ResultSet{}
	rank := make(map[string]int, len(sources))
	for i, src := range sources {
		rank[src.ID()] = i
		if failed[i] {
			set.Degraded = true
			set.FailedSources = append(set.FailedSources, src.ID())
			if r.authoritative[in.Label] == src.ID() {
				set.MissingAuthoritative = true
			}
		}
	}

	var merged []Result
	for _, results := range collected {
		merged = append(merged, results...)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].RelevanceScore != merged[j].RelevanceScore {
			return merged[i].RelevanceScore > merged[j].RelevanceScore
		}
		return rank[merged[i].SourceID] < rank[merged[j].SourceID]
	})

	seen := make(map[string]bool, len(merged))
	for _, res := range merged {
		key := res.SourceID + "|" + fingerprint(res.Payload)
		if seen[key] {
			continue
		}
		seen[key] = true
		set.Results = append(set.Results, res)
	}

	return set
}

// querySource runs one source call with per-attempt timeout and bounded
// constant-backoff retries.
func (r *Resolver) querySource(ctx context.Context, src Source, in intent.Result, entities map[string]string) ([]Result, error) {
	var results []Result

	operation := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, r.opts.SourceTimeout)
		defer cancel()

		out, err := src.Query(attemptCtx, in, entities)
		if err != nil {
			return err
		}
		results = out
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(r.opts.RetryInterval), r.opts.MaxRetries),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return results, nil
}
