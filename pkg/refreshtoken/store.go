package refreshtoken

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// StatsSnapshot is the result of a stats computation: active tokens,
// total user-index entries (including orphaned entries whose record has
// expired; used tokens leave the index and are not counted), and
// distinct device count.
type StatsSnapshot struct {
	Active  int
	Total   int
	Devices int
}

// batchSaveEntry is one (token, record) pair to persist in SaveBatch.
type batchSaveEntry struct {
	Token  string
	Record TokenRecord
}

// TokenStore is the registry's single interface to the KV backend. Every
// multi-key mutating method executes as one atomic server-side script
// (DeleteKey and InvalidateStats are single DEL commands); nothing in
// this interface retries on its own — that is the circuit breaker's job
// one layer up (breaker.go).
type TokenStore interface {
	SaveToken(ctx context.Context, token string, record TokenRecord, ttlSeconds int) error
	SaveBatch(ctx context.Context, subject string, entries []batchSaveEntry, ttlSeconds int) (int, error)
	MarkTokenUsed(ctx context.Context, token, subject string, usedTTLSeconds int) (bool, error)
	DeleteToken(ctx context.Context, token, subject string) (bool, error)
	RevokeAll(ctx context.Context, subject string) (int, error)
	RevokeByDevice(ctx context.Context, subject, deviceID string) (int, error)
	CleanupExpired(ctx context.Context, subject string) (int, error)
	StatsOptimized(ctx context.Context, subject string, maxBatch int, useCache bool, statsTTLSeconds int) (StatsSnapshot, error)
	ScanUserIndices(ctx context.Context, cursor uint64, count int64) (uint64, []string, error)
	Get(ctx context.Context, token string) (*TokenRecord, error)
	DeleteKey(ctx context.Context, key string) error
	InvalidateStats(ctx context.Context, subject string) error
	Health(ctx context.Context) (bool, error)
}

// RedisStore is the canonical TokenStore backed by a Redis-compatible
// client. It owns all three key families derived from the configured
// prefixes and never uses KEYS for enumeration — only SCAN.
type RedisStore struct {
	client      *redis.Client
	tokenPrefix string
	userPrefix  string

	initOnce sync.Once
	initErr  error
}

// NewRedisStore creates a store bound to an already-connected client.
// Script registration happens lazily on first use (see initScripts).
func NewRedisStore(client *redis.Client, tokenPrefix, userPrefix string) *RedisStore {
	return &RedisStore{
		client:      client,
		tokenPrefix: tokenPrefix,
		userPrefix:  userPrefix,
	}
}

// initScripts registers every Lua script exactly once per store instance.
// A failure here is fatal and sticky: every later script-backed call
// returns the same InitializationError until the store is reconstructed.
// Get, ScanUserIndices, DeleteKey, InvalidateStats and Health do not run
// scripts and do not check it.
func (s *RedisStore) initScripts(ctx context.Context) error {
	s.initOnce.Do(func() {
		for _, script := range allScripts() {
			if err := script.Load(ctx, s.client).Err(); err != nil {
				s.initErr = &InitializationError{Cause: err}
				return
			}
		}
	})
	return s.initErr
}

func (s *RedisStore) tokenKey(token string) string {
	return s.tokenPrefix + ":" + token
}

func (s *RedisStore) userIndexKey(subject string) string {
	return s.userPrefix + ":" + subject
}

func (s *RedisStore) statsKey(subject string) string {
	return s.userPrefix + ":stats:" + subject
}

// SaveToken conditionally inserts a token record and adds it to the
// subject's user index in one round trip.
func (s *RedisStore) SaveToken(ctx context.Context, token string, record TokenRecord, ttlSeconds int) error {
	if err := s.initScripts(ctx); err != nil {
		return err
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding token record: %w", err)
	}

	keys := []string{s.tokenKey(token), s.userIndexKey(record.Subject)}
	err = scriptSaveToken.Run(ctx, s.client, keys, string(payload), record.Subject, ttlSeconds).Err()
	if err == nil {
		return nil
	}
	switch {
	case isScriptError(err, "tokenAlreadyExists"):
		return &TokenAlreadyExistsError{Token: token}
	case isScriptError(err, "userIdMismatch"):
		return &TokenValidationError{Field: "subject", Reason: "does not match payload"}
	default:
		return &TokenOperationFailedError{Reason: "saveToken", Cause: err}
	}
}

// SaveBatch inserts every entry for a single subject in one round trip,
// returning how many entries won their NX race.
func (s *RedisStore) SaveBatch(ctx context.Context, subject string, entries []batchSaveEntry, ttlSeconds int) (int, error) {
	if err := s.initScripts(ctx); err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(entries)+1)
	args := make([]interface{}, 0, len(entries)+1)
	for _, e := range entries {
		payload, err := json.Marshal(e.Record)
		if err != nil {
			return 0, fmt.Errorf("encoding token record for batch: %w", err)
		}
		keys = append(keys, s.tokenKey(e.Token))
		args = append(args, string(payload))
	}
	keys = append(keys, s.userIndexKey(subject))
	args = append(args, ttlSeconds)

	result, err := scriptSaveBatch.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return 0, &TokenOperationFailedError{Reason: "saveBatch", Cause: err}
	}
	return result, nil
}

// MarkTokenUsed flips used=false -> true exactly once; any later call for
// the same token returns false without error.
func (s *RedisStore) MarkTokenUsed(ctx context.Context, token, subject string, usedTTLSeconds int) (bool, error) {
	if err := s.initScripts(ctx); err != nil {
		return false, err
	}

	keys := []string{s.tokenKey(token), s.userIndexKey(subject)}
	result, err := scriptMarkTokenUsed.Run(ctx, s.client, keys, subject, usedTTLSeconds).Int()
	if err != nil {
		return false, &TokenOperationFailedError{Reason: "markTokenUsed", Cause: err}
	}
	return result == 1, nil
}

// DeleteToken removes a token and its user-index entry, only when the
// given subject owns it.
func (s *RedisStore) DeleteToken(ctx context.Context, token, subject string) (bool, error) {
	if err := s.initScripts(ctx); err != nil {
		return false, err
	}

	keys := []string{s.tokenKey(token), s.userIndexKey(subject)}
	result, err := scriptDeleteToken.Run(ctx, s.client, keys, subject).Int()
	if err != nil {
		return false, &TokenOperationFailedError{Reason: "deleteToken", Cause: err}
	}
	return result == 1, nil
}

// RevokeAll deletes every token referenced by a subject's user index and
// the index itself, returning how many were removed.
func (s *RedisStore) RevokeAll(ctx context.Context, subject string) (int, error) {
	if err := s.initScripts(ctx); err != nil {
		return 0, err
	}

	result, err := scriptRevokeAll.Run(ctx, s.client, []string{s.userIndexKey(subject)}).Int()
	if err != nil {
		return 0, &TokenOperationFailedError{Reason: "revokeAll", Cause: err}
	}
	return result, nil
}

// RevokeByDevice deletes every token belonging to subject issued to
// deviceID, sweeping orphans it encounters along the way.
func (s *RedisStore) RevokeByDevice(ctx context.Context, subject, deviceID string) (int, error) {
	if err := s.initScripts(ctx); err != nil {
		return 0, err
	}

	result, err := scriptRevokeByDevice.Run(ctx, s.client, []string{s.userIndexKey(subject)}, deviceID).Int()
	if err != nil {
		return 0, &TokenOperationFailedError{Reason: "revokeByDevice", Cause: err}
	}
	return result, nil
}

// CleanupExpired removes user-index entries whose target key has
// naturally expired or, in violation of invariants, never had a TTL.
func (s *RedisStore) CleanupExpired(ctx context.Context, subject string) (int, error) {
	if err := s.initScripts(ctx); err != nil {
		return 0, err
	}

	result, err := scriptCleanupExpired.Run(ctx, s.client, []string{s.userIndexKey(subject)}).Int()
	if err != nil {
		return 0, &TokenOperationFailedError{Reason: "cleanupExpired", Cause: err}
	}
	return result, nil
}

// StatsOptimized returns a subject's {active, total, devices} tuple,
// serving from the co-located cache hash when fresh. Passing
// useCache=false makes the script skip both the cache read and write.
func (s *RedisStore) StatsOptimized(ctx context.Context, subject string, maxBatch int, useCache bool, statsTTLSeconds int) (StatsSnapshot, error) {
	if err := s.initScripts(ctx); err != nil {
		return StatsSnapshot{}, err
	}

	key := s.statsKey(subject)
	if !useCache {
		key = ""
	}

	keys := []string{s.userIndexKey(subject), key}
	now := time.Now().UnixMilli()
	raw, err := scriptStatsOptimized.Run(ctx, s.client, keys, maxBatch, statsTTLSeconds, now).Result()
	if err != nil {
		return StatsSnapshot{}, &TokenOperationFailedError{Reason: "stats", Cause: err}
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 3 {
		return StatsSnapshot{}, &TokenOperationFailedError{Reason: "stats", Cause: fmt.Errorf("unexpected script result shape")}
	}
	return StatsSnapshot{
		Active:  toInt(values[0]),
		Total:   toInt(values[1]),
		Devices: toInt(values[2]),
	}, nil
}

// ScanUserIndices enumerates user-index keys (excluding stats hashes)
// using a non-blocking cursor, never KEYS.
func (s *RedisStore) ScanUserIndices(ctx context.Context, cursor uint64, count int64) (uint64, []string, error) {
	pattern := s.userPrefix + ":*"
	keys, next, err := s.client.Scan(ctx, cursor, pattern, count).Result()
	if err != nil {
		return 0, nil, &TokenOperationFailedError{Reason: "scanUserIndices", Cause: err}
	}

	filtered := make([]string, 0, len(keys))
	statsInfix := s.userPrefix + ":stats:"
	for _, k := range keys {
		if len(k) >= len(statsInfix) && k[:len(statsInfix)] == statsInfix {
			continue
		}
		filtered = append(filtered, k)
	}
	return next, filtered, nil
}

// Get fetches and decodes a single token record, returning (nil, nil)
// when the key does not exist.
func (s *RedisStore) Get(ctx context.Context, token string) (*TokenRecord, error) {
	raw, err := s.client.Get(ctx, s.tokenKey(token)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, &TokenOperationFailedError{Reason: "get", Cause: err}
	}

	var record TokenRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, &TokenValidationError{Field: "record", Reason: "stored payload is not valid JSON"}
	}
	return &record, nil
}

// DeleteKey removes an arbitrary backend key, for example to simulate
// natural expiry without waiting out a TTL. Nothing in this package
// calls it.
func (s *RedisStore) DeleteKey(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return &TokenOperationFailedError{Reason: "deleteKey", Cause: err}
	}
	return nil
}

// InvalidateStats deletes a subject's cached stats hash, forcing the
// next StatsOptimized call to recompute from the user index.
func (s *RedisStore) InvalidateStats(ctx context.Context, subject string) error {
	if err := s.client.Del(ctx, s.statsKey(subject)).Err(); err != nil {
		return &TokenOperationFailedError{Reason: "invalidateStats", Cause: err}
	}
	return nil
}

// Health reports whether the backend is reachable.
func (s *RedisStore) Health(ctx context.Context) (bool, error) {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return false, &TokenOperationFailedError{Reason: "health", Cause: err}
	}
	return true, nil
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

// isScriptError reports whether err is the redis error reply raised by
// one of our scripts with the given message (redis.error_reply prefixes
// nothing extra, so this is a plain substring-free equality once go-redis
// strips the "ERR " style wrapper it sometimes adds).
func isScriptError(err error, message string) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return s == message || s == "ERR "+message
}
