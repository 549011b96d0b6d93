package platform

import (
	"fmt"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient builds a Redis client sized for the registry's own
// concurrency shape. poolSize should be at least
// refreshtoken.RecommendedPoolSize so a BatchUserStats fan-out never
// starves the connection the caller's own request is using; callers that
// don't know better should just pass that constant through. Readiness is
// intentionally not checked here — refreshtoken.RedisStore.Health owns
// that, since this package has no view of the domain store it will back.
func NewRedisClient(redisURL string, poolSize int) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	if poolSize > 0 {
		opts.PoolSize = poolSize
	}

	return redis.NewClient(opts), nil
}
