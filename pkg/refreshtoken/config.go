package refreshtoken

import "time"

// Config is the registry's own domain configuration — distinct from the
// process-level internal/config.Config, which carries things like the
// Redis connection URL. Values come pre-validated through validateConfig;
// callers should not mutate a Config after passing it to NewRegistry.
type Config struct {
	// TTL is the lifetime in seconds of a fresh token record.
	TTL int
	// UsedTokenTTL is the grace lifetime in seconds after markUsed.
	UsedTokenTTL int
	// TokenPrefix names the key prefix for token records. Registry does
	// not apply it: a RedisStore's prefixes are the ones passed to
	// NewRedisStore.
	TokenPrefix string
	// UserPrefix names the key prefix for user indices and their stats
	// cache. Registry does not apply it either; see TokenPrefix.
	UserPrefix string
	// MaxTokenLength is the token-string rejection threshold.
	MaxTokenLength int
	// MaxDevicesPerUser is the device-limit enforced by Save.
	MaxDevicesPerUser int
	// MaxBatchSize caps SaveBatch input length.
	MaxBatchSize int
	// EnableScheduledCleanup records whether the hourly sweep should run.
	// Registry does not read it and never starts a Scheduler itself; the
	// embedding process decides whether to call Scheduler.Start.
	EnableScheduledCleanup bool
	// StatsCacheTTL is the stats hash freshness window in seconds.
	StatsCacheTTL int
	// Breaker holds per-operation circuit breaker defaults.
	Breaker BreakerConfig
}

// BreakerConfig holds the circuit breaker defaults shared by every
// per-operation breaker, before per-operation timeout overrides
// (stats/saveBatch/health each use their own Timeout — see breaker.go).
type BreakerConfig struct {
	Timeout                  time.Duration
	ErrorThresholdPercentage float64
	ResetTimeout             time.Duration
}

// DefaultConfig returns a Config populated with the registry's documented
// defaults. Callers typically start from this and override individual
// fields before calling validateConfig / NewRegistry.
func DefaultConfig() Config {
	return Config{
		TTL:                    604800,
		UsedTokenTTL:           300,
		TokenPrefix:            "refresh",
		UserPrefix:             "user_tokens",
		MaxTokenLength:         255,
		MaxDevicesPerUser:      10,
		MaxBatchSize:           300,
		EnableScheduledCleanup: true,
		StatsCacheTTL:          300,
		Breaker: BreakerConfig{
			Timeout:                  5 * time.Second,
			ErrorThresholdPercentage: 50,
			ResetTimeout:             30 * time.Second,
		},
	}
}
