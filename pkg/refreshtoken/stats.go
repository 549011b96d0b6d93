package refreshtoken

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/wisbric/refreshregistry/internal/telemetry"
)

// statsBatchConcurrency bounds how many subjects batchStats resolves at
// once, independent of how many subjects are requested.
const statsBatchConcurrency = 10

// RecommendedPoolSize is the minimum Redis connection pool size an
// embedding process should provision: enough for statsBatchConcurrency
// concurrent StatsOptimized calls plus headroom for the request in
// progress on the calling goroutine and one cleanup sweep.
const RecommendedPoolSize = statsBatchConcurrency + 2

// excessiveTokenThreshold is the total-token count above which the stats
// engine logs a warning for a subject.
const excessiveTokenThreshold = 200

// StatsOptions controls how the stats engine resolves a subject's
// {active, total, devices} tuple.
type StatsOptions struct {
	// EnableCaching toggles the co-located stats cache hash. Default true.
	EnableCaching bool
	// MaxBatchSize is the MGET fan-out size inside the backend script.
	MaxBatchSize int
	// StatsCacheTTL is the freshness window for the cache hash, in seconds.
	StatsCacheTTL int
}

// DefaultStatsOptions returns the documented defaults.
func DefaultStatsOptions() StatsOptions {
	return StatsOptions{
		EnableCaching: true,
		MaxBatchSize:  100,
		StatsCacheTTL: 300,
	}
}

// Stats is the resolved {active, total, devices} tuple for one subject.
// It does not record whether it was served from the cache.
type Stats struct {
	Active  int
	Total   int
	Devices int
}

// AggregateStats is the result of aggregate: totals summed over the
// requested subjects plus their arithmetic means.
type AggregateStats struct {
	TotalActive  int
	TotalTokens  int
	TotalDevices int
	MeanActive   float64
	MeanTokens   float64
	MeanDevices  float64
	Subjects     int
}

// statsEngine resolves per-user stats against the backend adapter,
// co-located with the user index. It never holds its own cache —
// the cache lives in the backend, invalidated by the registry facade on
// every write.
type statsEngine struct {
	store  TokenStore
	logger *slog.Logger
}

func newStatsEngine(store TokenStore, logger *slog.Logger) *statsEngine {
	return &statsEngine{store: store, logger: logger}
}

// userStats resolves a single subject's stats, using the cache when opts
// allows it.
func (e *statsEngine) userStats(ctx context.Context, subject string, opts StatsOptions) (Stats, error) {
	snap, err := e.store.StatsOptimized(ctx, subject, opts.MaxBatchSize, opts.EnableCaching, opts.StatsCacheTTL)
	if err != nil {
		return Stats{}, err
	}

	if snap.Total > excessiveTokenThreshold {
		e.logger.Warn("excessive tokens for subject", "subject", subject, "total", snap.Total)
	}
	if opts.EnableCaching {
		telemetry.StatsCacheHitsTotal.WithLabelValues("requested").Inc()
	} else {
		telemetry.StatsCacheHitsTotal.WithLabelValues("skipped").Inc()
	}

	return Stats{Active: snap.Active, Total: snap.Total, Devices: snap.Devices}, nil
}

// forcedStats invalidates the cache before reading, guaranteeing a fresh
// computation.
func (e *statsEngine) forcedStats(ctx context.Context, subject string, opts StatsOptions) (Stats, error) {
	if opts.EnableCaching {
		if err := e.store.InvalidateStats(ctx, subject); err != nil {
			// Best effort: a failed invalidation still lets StatsOptimized
			// run, it just might serve one more stale read.
			e.logger.Warn("forced stats cache invalidation failed", "subject", subject, "error", err)
		}
	}
	return e.userStats(ctx, subject, opts)
}

// batchStats resolves stats for many subjects concurrently, capped at
// statsBatchConcurrency in flight. A failure for one subject never
// contaminates the others — it is reported as a zero Stats instead.
func (e *statsEngine) batchStats(ctx context.Context, subjects []string, opts StatsOptions) map[string]Stats {
	results := make(map[string]Stats, len(subjects))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(statsBatchConcurrency)

	type pair struct {
		subject string
		stats   Stats
	}
	out := make(chan pair, len(subjects))

	for _, subject := range subjects {
		subject := subject
		g.Go(func() error {
			s, err := e.userStats(gctx, subject, opts)
			if err != nil {
				e.logger.Warn("batch stats lookup failed, reporting zero", "subject", subject, "error", err)
				s = Stats{}
			}
			out <- pair{subject: subject, stats: s}
			return nil
		})
	}

	_ = g.Wait()
	close(out)
	for p := range out {
		results[p.subject] = p.stats
	}
	return results
}

// aggregate sums and averages stats across subjects. Subjects that fail
// resolve to a zero Stats and still count toward Subjects/means.
func (e *statsEngine) aggregate(ctx context.Context, subjects []string, opts StatsOptions) AggregateStats {
	byUser := e.batchStats(ctx, subjects, opts)

	agg := AggregateStats{Subjects: len(subjects)}
	for _, subject := range subjects {
		s := byUser[subject]
		agg.TotalActive += s.Active
		agg.TotalTokens += s.Total
		agg.TotalDevices += s.Devices
	}
	if agg.Subjects > 0 {
		agg.MeanActive = float64(agg.TotalActive) / float64(agg.Subjects)
		agg.MeanTokens = float64(agg.TotalTokens) / float64(agg.Subjects)
		agg.MeanDevices = float64(agg.TotalDevices) / float64(agg.Subjects)
	}
	return agg
}

// deviceCount is a convenience wrapper over userStats.
func (e *statsEngine) deviceCount(ctx context.Context, subject string, opts StatsOptions) (int, error) {
	s, err := e.userStats(ctx, subject, opts)
	if err != nil {
		return 0, err
	}
	return s.Devices, nil
}

// atDeviceLimit reports whether subject already holds maxDevices
// distinct devices' worth of active tokens.
func (e *statsEngine) atDeviceLimit(ctx context.Context, subject string, maxDevices int, opts StatsOptions) (bool, error) {
	count, err := e.deviceCount(ctx, subject, opts)
	if err != nil {
		return false, err
	}
	return count >= maxDevices, nil
}
