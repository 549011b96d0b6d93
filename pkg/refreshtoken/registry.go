package refreshtoken

import (
	"context"
	"log/slog"
)

// Registry is the public facade: the only type external collaborators
// (HTTP handlers, CLI, auth middleware) are meant to hold. It orchestrates
// the validator, the stats engine, the event sink, and a TokenStore —
// which may or may not be circuit-breaker wrapped; Registry does not know
// or care which.
type Registry struct {
	store  TokenStore
	cfg    Config
	logger *slog.Logger
	stats  *statsEngine
	events *eventSink
}

// NewRegistry builds a Registry around store, wrapping it in a
// BreakerStore configured from cfg.Breaker unless store already implements
// the resilience the caller wants (see NewRegistryWithStore for that case).
func NewRegistry(store TokenStore, cfg Config, classifier ErrorClassifier, logger *slog.Logger) (*Registry, error) {
	validCfg, err := validateConfig(cfg)
	if err != nil {
		return nil, err
	}
	breaker := NewBreakerStore(store, validCfg.Breaker, classifier, logger)
	return newRegistry(breaker, validCfg, logger), nil
}

// NewRegistryWithStore builds a Registry around store exactly as given,
// skipping the breaker wrap. Tests and callers that want to supply their
// own resilience layer (or none at all) use this constructor.
func NewRegistryWithStore(store TokenStore, cfg Config, logger *slog.Logger) (*Registry, error) {
	validCfg, err := validateConfig(cfg)
	if err != nil {
		return nil, err
	}
	return newRegistry(store, validCfg, logger), nil
}

func newRegistry(store TokenStore, cfg Config, logger *slog.Logger) *Registry {
	return &Registry{
		store:  store,
		cfg:    cfg,
		logger: logger,
		stats:  newStatsEngine(store, logger),
		events: newEventSink(logger),
	}
}

// RegisterObserver adds an observer to the event sink. Safe to call at any
// time, including after the registry has started serving traffic.
func (r *Registry) RegisterObserver(o Observer) {
	r.events.Register(o)
}

// NewScheduler returns a Scheduler bound to this registry's store. It does
// not consult cfg.EnableScheduledCleanup; callers decide whether and when
// to Start it, and Registry never starts background work on its own.
func (r *Registry) NewScheduler() *Scheduler {
	return NewScheduler(r.store, r.logger)
}

// Save conditionally creates a new token record, enforcing the per-subject
// device limit before writing. On success it invalidates the subject's
// stats cache and fires EventTokenCreated.
func (r *Registry) Save(ctx context.Context, token string, data CreateData) error {
	if err := validateToken(token, r.cfg.MaxTokenLength); err != nil {
		return err
	}
	if err := validateCreateData(data); err != nil {
		return err
	}

	statsOpts := DefaultStatsOptions()
	statsOpts.StatsCacheTTL = r.cfg.StatsCacheTTL
	atLimit, err := r.stats.atDeviceLimit(ctx, data.Subject, r.cfg.MaxDevicesPerUser, statsOpts)
	if err != nil {
		return err
	}
	if atLimit {
		return &TokenOperationFailedError{Reason: "deviceLimit"}
	}

	record := TokenRecord{
		Subject:  data.Subject,
		DeviceID: data.DeviceID,
		IssuedAt: nowMillis(),
		Used:     false,
		Meta:     data.Meta,
	}
	if err := r.store.SaveToken(ctx, token, record, r.cfg.TTL); err != nil {
		return err
	}

	r.invalidateStats(ctx, data.Subject)
	r.events.publish(ctx, EventTokenCreated, data.Subject, data.DeviceID)
	return nil
}

// SaveBatch groups entries by subject and issues one SaveBatch call per
// subject, so that a failure for one subject's group never contaminates
// another's. It returns the total number of entries actually persisted.
// Input longer than MaxBatchSize is rejected before anything is written.
func (r *Registry) SaveBatch(ctx context.Context, entries map[string]CreateData) (int, error) {
	if len(entries) > r.cfg.MaxBatchSize {
		return 0, &TokenValidationError{Field: "batch", Reason: "exceeds maximum batch size"}
	}

	grouped := make(map[string][]batchSaveEntry)
	for token, data := range entries {
		record := TokenRecord{
			Subject:  data.Subject,
			DeviceID: data.DeviceID,
			IssuedAt: nowMillis(),
			Used:     false,
			Meta:     data.Meta,
		}
		grouped[data.Subject] = append(grouped[data.Subject], batchSaveEntry{Token: token, Record: record})
	}

	total := 0
	for subject, group := range grouped {
		survivors, err := validateBatch(group, r.cfg.MaxBatchSize, r.cfg.MaxTokenLength)
		if err != nil {
			return total, err
		}
		if len(survivors) == 0 {
			continue
		}
		count, err := r.store.SaveBatch(ctx, subject, survivors, r.cfg.TTL)
		if err != nil {
			r.logger.Warn("batch save failed for subject", "subject", subject, "error", err)
			continue
		}
		total += count
		r.invalidateStats(ctx, subject)
	}
	return total, nil
}

// GetTokenData fetches a token record, returning (nil, nil) for a blank
// or unknown token and TokenValidationError for a record that fails the
// canonical shape check.
func (r *Registry) GetTokenData(ctx context.Context, token string) (*TokenRecord, error) {
	if token == "" {
		return nil, nil
	}
	record, err := r.store.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}
	if err := validateRecord(record); err != nil {
		return nil, err
	}
	return record, nil
}

// MarkUsed flips a token's used flag on the 0→1 transition only, returning
// false on every subsequent call and for any subject mismatch.
func (r *Registry) MarkUsed(ctx context.Context, token, subject string) (bool, error) {
	marked, err := r.store.MarkTokenUsed(ctx, token, subject, r.cfg.UsedTokenTTL)
	if err != nil {
		return false, err
	}
	if marked {
		r.invalidateStats(ctx, subject)
		r.events.publish(ctx, EventTokenUsed, subject, "")
	}
	return marked, nil
}

// Delete removes a token, but only when subject owns it. Idempotent: a
// second call for the same token returns false.
func (r *Registry) Delete(ctx context.Context, token, subject string) (bool, error) {
	deleted, err := r.store.DeleteToken(ctx, token, subject)
	if err != nil {
		return false, err
	}
	if deleted {
		r.invalidateStats(ctx, subject)
		r.events.publish(ctx, EventTokenRevoked, subject, "")
	}
	return deleted, nil
}

// RevokeAllUserTokens deletes every token belonging to subject, returning
// how many were removed.
func (r *Registry) RevokeAllUserTokens(ctx context.Context, subject string) (int, error) {
	count, err := r.store.RevokeAll(ctx, subject)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		r.invalidateStats(ctx, subject)
		r.events.publish(ctx, EventTokenRevoked, subject, "")
	}
	return count, nil
}

// RevokeDeviceTokens deletes every token belonging to subject issued to
// deviceID, returning how many were removed.
func (r *Registry) RevokeDeviceTokens(ctx context.Context, subject, deviceID string) (int, error) {
	count, err := r.store.RevokeByDevice(ctx, subject, deviceID)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		r.invalidateStats(ctx, subject)
		r.events.publish(ctx, EventTokenRevoked, subject, deviceID)
	}
	return count, nil
}

// Exists reports whether token resolves to a record, swallowing any error
// as false. It is a convenience wrapper, not meant for callers that need
// to distinguish "not found" from "backend failure".
func (r *Registry) Exists(ctx context.Context, token string) bool {
	record, err := r.GetTokenData(ctx, token)
	return err == nil && record != nil
}

// IsUsed reports record.Used, defaulting to false on any failure
// (including "not found").
func (r *Registry) IsUsed(ctx context.Context, token string) bool {
	record, err := r.GetTokenData(ctx, token)
	if err != nil || record == nil {
		return false
	}
	return record.Used
}

// UserStats, BatchUserStats, AggregateUserStats, DeviceCount expose the
// stats engine through the facade so callers never need to reach past
// Registry into package-private types.
func (r *Registry) UserStats(ctx context.Context, subject string, opts StatsOptions) (Stats, error) {
	return r.stats.userStats(ctx, subject, opts)
}

func (r *Registry) ForcedUserStats(ctx context.Context, subject string, opts StatsOptions) (Stats, error) {
	return r.stats.forcedStats(ctx, subject, opts)
}

func (r *Registry) BatchUserStats(ctx context.Context, subjects []string, opts StatsOptions) map[string]Stats {
	return r.stats.batchStats(ctx, subjects, opts)
}

func (r *Registry) AggregateUserStats(ctx context.Context, subjects []string, opts StatsOptions) AggregateStats {
	return r.stats.aggregate(ctx, subjects, opts)
}

func (r *Registry) DeviceCount(ctx context.Context, subject string) (int, error) {
	statsOpts := DefaultStatsOptions()
	statsOpts.StatsCacheTTL = r.cfg.StatsCacheTTL
	return r.stats.deviceCount(ctx, subject, statsOpts)
}

// Health delegates to the underlying store, which reports backend
// reachability.
func (r *Registry) Health(ctx context.Context) (bool, error) {
	return r.store.Health(ctx)
}

func (r *Registry) invalidateStats(ctx context.Context, subject string) {
	if err := r.store.InvalidateStats(ctx, subject); err != nil {
		r.logger.Warn("stats cache invalidation failed", "subject", subject, "error", err)
	}
}
