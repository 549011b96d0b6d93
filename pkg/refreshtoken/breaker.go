package refreshtoken

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/wisbric/refreshregistry/internal/telemetry"
)

// minRequestsForTrip is the minimum sample size ReadyToTrip requires
// before a failure ratio is considered meaningful — without it, a single
// failed call out of one request would read as a 100% failure ratio.
const minRequestsForTrip = 10

// BreakerStore wraps a TokenStore with one named circuit breaker per
// operation. A plain RedisStore and a BreakerStore satisfy the
// same TokenStore interface, so the registry facade never needs to know
// which one it holds.
type BreakerStore struct {
	inner      TokenStore
	classifier ErrorClassifier
	logger     *slog.Logger
	cfg        BreakerConfig

	saveToken       *gobreaker.CircuitBreaker
	saveBatch       *gobreaker.CircuitBreaker
	markTokenUsed   *gobreaker.CircuitBreaker
	deleteToken     *gobreaker.CircuitBreaker
	revokeAll       *gobreaker.CircuitBreaker
	revokeByDevice  *gobreaker.CircuitBreaker
	cleanupExpired  *gobreaker.CircuitBreaker
	stats           *gobreaker.CircuitBreaker
	scan            *gobreaker.CircuitBreaker
	get             *gobreaker.CircuitBreaker
	deleteKey       *gobreaker.CircuitBreaker
	invalidateStats *gobreaker.CircuitBreaker
	health          *gobreaker.CircuitBreaker

	timeouts map[string]time.Duration
}

// NewBreakerStore wraps inner with per-operation breakers configured from
// cfg.Breaker. classifier decides which errors count toward the failure
// budget; logger receives state-transition events.
func NewBreakerStore(inner TokenStore, cfg BreakerConfig, classifier ErrorClassifier, logger *slog.Logger) *BreakerStore {
	if classifier == nil {
		classifier = DefaultErrorClassifier
	}

	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultConfig().Breaker.ResetTimeout
	}
	if cfg.ErrorThresholdPercentage <= 0 {
		cfg.ErrorThresholdPercentage = DefaultConfig().Breaker.ErrorThresholdPercentage
	}

	bs := &BreakerStore{inner: inner, classifier: classifier, logger: logger, cfg: cfg}

	bs.saveToken = bs.newBreaker("saveToken")
	bs.saveBatch = bs.newBreaker("saveBatch")
	bs.markTokenUsed = bs.newBreaker("markTokenUsed")
	bs.deleteToken = bs.newBreaker("deleteToken")
	bs.revokeAll = bs.newBreaker("revokeAll")
	bs.revokeByDevice = bs.newBreaker("revokeByDevice")
	bs.cleanupExpired = bs.newBreaker("cleanupExpired")
	bs.stats = bs.newBreaker("stats")
	bs.scan = bs.newBreaker("scanUserIndices")
	bs.get = bs.newBreaker("get")
	bs.deleteKey = bs.newBreaker("deleteKey")
	bs.invalidateStats = bs.newBreaker("invalidateStats")
	bs.health = bs.newBreaker("health")

	bs.timeouts = map[string]time.Duration{
		"saveToken":       cfg.Timeout,
		"saveBatch":       10 * time.Second,
		"markTokenUsed":   cfg.Timeout,
		"deleteToken":     cfg.Timeout,
		"revokeAll":       cfg.Timeout,
		"revokeByDevice":  cfg.Timeout,
		"cleanupExpired":  cfg.Timeout,
		"stats":           8 * time.Second,
		"scanUserIndices": cfg.Timeout,
		"get":             cfg.Timeout,
		"deleteKey":       cfg.Timeout,
		"invalidateStats": cfg.Timeout,
		"health":          2 * time.Second,
	}

	return bs
}

func (bs *BreakerStore) newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: name,
		// Approximates a 10s/10-bucket rolling window: gobreaker
		// clears its Counts on this cyclic period while closed rather than
		// maintaining true sliding buckets.
		Interval: 10 * time.Second,
		Timeout:  bs.cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < minRequestsForTrip {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio*100 >= bs.cfg.ErrorThresholdPercentage
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			return !bs.classifier(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			bs.onStateChange(name, from, to)
		},
	})
}

func (bs *BreakerStore) onStateChange(name string, from, to gobreaker.State) {
	bs.logger.Info("circuit breaker state change", "operation", name, "from", from.String(), "to", to.String())
	telemetry.BreakerState.WithLabelValues(name).Set(float64(stateValue(to)))
	if to == gobreaker.StateOpen {
		telemetry.BreakerTripsTotal.WithLabelValues(name).Inc()
	}
}

func stateValue(s gobreaker.State) int {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// execute runs fn through the named breaker with that operation's
// configured timeout, translating a refused call into CircuitOpenError
// and a domain error (classified non-infrastructure) through unchanged.
func execute[T any](bs *BreakerStore, cb *gobreaker.CircuitBreaker, name string, ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	timeout, ok := bs.timeouts[name]
	if !ok {
		timeout = 5 * time.Second
	}

	result, err := cb.Execute(func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		val, callErr := fn(callCtx)
		if callErr == nil && callCtx.Err() != nil {
			return val, callCtx.Err()
		}
		return val, callErr
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return zero, &CircuitOpenError{Operation: name}
		}
		return zero, err
	}
	return result.(T), nil
}

func (bs *BreakerStore) SaveToken(ctx context.Context, token string, record TokenRecord, ttlSeconds int) error {
	_, err := execute(bs, bs.saveToken, "saveToken", ctx, func(c context.Context) (struct{}, error) {
		return struct{}{}, bs.inner.SaveToken(c, token, record, ttlSeconds)
	})
	return err
}

func (bs *BreakerStore) SaveBatch(ctx context.Context, subject string, entries []batchSaveEntry, ttlSeconds int) (int, error) {
	return execute(bs, bs.saveBatch, "saveBatch", ctx, func(c context.Context) (int, error) {
		return bs.inner.SaveBatch(c, subject, entries, ttlSeconds)
	})
}

func (bs *BreakerStore) MarkTokenUsed(ctx context.Context, token, subject string, usedTTLSeconds int) (bool, error) {
	return execute(bs, bs.markTokenUsed, "markTokenUsed", ctx, func(c context.Context) (bool, error) {
		return bs.inner.MarkTokenUsed(c, token, subject, usedTTLSeconds)
	})
}

func (bs *BreakerStore) DeleteToken(ctx context.Context, token, subject string) (bool, error) {
	return execute(bs, bs.deleteToken, "deleteToken", ctx, func(c context.Context) (bool, error) {
		return bs.inner.DeleteToken(c, token, subject)
	})
}

func (bs *BreakerStore) RevokeAll(ctx context.Context, subject string) (int, error) {
	return execute(bs, bs.revokeAll, "revokeAll", ctx, func(c context.Context) (int, error) {
		return bs.inner.RevokeAll(c, subject)
	})
}

func (bs *BreakerStore) RevokeByDevice(ctx context.Context, subject, deviceID string) (int, error) {
	return execute(bs, bs.revokeByDevice, "revokeByDevice", ctx, func(c context.Context) (int, error) {
		return bs.inner.RevokeByDevice(c, subject, deviceID)
	})
}

func (bs *BreakerStore) CleanupExpired(ctx context.Context, subject string) (int, error) {
	return execute(bs, bs.cleanupExpired, "cleanupExpired", ctx, func(c context.Context) (int, error) {
		return bs.inner.CleanupExpired(c, subject)
	})
}

func (bs *BreakerStore) StatsOptimized(ctx context.Context, subject string, maxBatch int, useCache bool, statsTTLSeconds int) (StatsSnapshot, error) {
	return execute(bs, bs.stats, "stats", ctx, func(c context.Context) (StatsSnapshot, error) {
		return bs.inner.StatsOptimized(c, subject, maxBatch, useCache, statsTTLSeconds)
	})
}

type scanResult struct {
	cursor uint64
	keys   []string
}

func (bs *BreakerStore) ScanUserIndices(ctx context.Context, cursor uint64, count int64) (uint64, []string, error) {
	res, err := execute(bs, bs.scan, "scanUserIndices", ctx, func(c context.Context) (scanResult, error) {
		next, keys, err := bs.inner.ScanUserIndices(c, cursor, count)
		return scanResult{cursor: next, keys: keys}, err
	})
	return res.cursor, res.keys, err
}

func (bs *BreakerStore) Get(ctx context.Context, token string) (*TokenRecord, error) {
	return execute(bs, bs.get, "get", ctx, func(c context.Context) (*TokenRecord, error) {
		return bs.inner.Get(c, token)
	})
}

func (bs *BreakerStore) DeleteKey(ctx context.Context, key string) error {
	_, err := execute(bs, bs.deleteKey, "deleteKey", ctx, func(c context.Context) (struct{}, error) {
		return struct{}{}, bs.inner.DeleteKey(c, key)
	})
	return err
}

func (bs *BreakerStore) InvalidateStats(ctx context.Context, subject string) error {
	_, err := execute(bs, bs.invalidateStats, "invalidateStats", ctx, func(c context.Context) (struct{}, error) {
		return struct{}{}, bs.inner.InvalidateStats(c, subject)
	})
	return err
}

func (bs *BreakerStore) Health(ctx context.Context) (bool, error) {
	return execute(bs, bs.health, "health", ctx, func(c context.Context) (bool, error) {
		return bs.inner.Health(c)
	})
}
