package refreshtoken

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

// fakeStore is a minimal TokenStore whose SaveToken behavior is controlled
// by a swappable function, used to drive the breaker through its states
// without a real backend.
type fakeStore struct {
	saveTokenFn func(ctx context.Context) error
	calls       atomic.Int32
}

func (f *fakeStore) SaveToken(ctx context.Context, token string, record TokenRecord, ttlSeconds int) error {
	f.calls.Add(1)
	return f.saveTokenFn(ctx)
}
func (f *fakeStore) SaveBatch(ctx context.Context, subject string, entries []batchSaveEntry, ttlSeconds int) (int, error) {
	return 0, nil
}
func (f *fakeStore) MarkTokenUsed(ctx context.Context, token, subject string, usedTTLSeconds int) (bool, error) {
	return false, nil
}
func (f *fakeStore) DeleteToken(ctx context.Context, token, subject string) (bool, error) {
	return false, nil
}
func (f *fakeStore) RevokeAll(ctx context.Context, subject string) (int, error) { return 0, nil }
func (f *fakeStore) RevokeByDevice(ctx context.Context, subject, deviceID string) (int, error) {
	return 0, nil
}
func (f *fakeStore) CleanupExpired(ctx context.Context, subject string) (int, error) { return 0, nil }
func (f *fakeStore) StatsOptimized(ctx context.Context, subject string, maxBatch int, useCache bool, statsTTLSeconds int) (StatsSnapshot, error) {
	return StatsSnapshot{}, nil
}
func (f *fakeStore) ScanUserIndices(ctx context.Context, cursor uint64, count int64) (uint64, []string, error) {
	return 0, nil, nil
}
func (f *fakeStore) Get(ctx context.Context, token string) (*TokenRecord, error) { return nil, nil }
func (f *fakeStore) DeleteKey(ctx context.Context, key string) error            { return nil }
func (f *fakeStore) InvalidateStats(ctx context.Context, subject string) error  { return nil }
func (f *fakeStore) Health(ctx context.Context) (bool, error)                   { return true, nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBreakerStore_DomainErrorsNeverTrip(t *testing.T) {
	inner := &fakeStore{
		saveTokenFn: func(ctx context.Context) error {
			return &TokenAlreadyExistsError{Token: "tok"}
		},
	}
	bs := NewBreakerStore(inner, BreakerConfig{Timeout: time.Second, ResetTimeout: 30 * time.Second, ErrorThresholdPercentage: 50}, DefaultErrorClassifier, discardLogger())

	for i := 0; i < 100; i++ {
		err := bs.SaveToken(context.Background(), "tok", TokenRecord{Subject: "u", DeviceID: "d", IssuedAt: 1}, 3600)
		if _, ok := err.(*TokenAlreadyExistsError); !ok {
			t.Fatalf("call %d: error = %v, want *TokenAlreadyExistsError", i, err)
		}
	}

	// The breaker must still be closed: every one of the 100 calls reached
	// the inner store rather than failing fast with CircuitOpenError.
	if inner.calls.Load() != 100 {
		t.Fatalf("inner store calls = %d, want 100 (breaker never opened)", inner.calls.Load())
	}
}

func TestBreakerStore_TripsOnInfrastructureFailures(t *testing.T) {
	infraErr := errors.New("connection refused")
	inner := &fakeStore{
		saveTokenFn: func(ctx context.Context) error {
			return infraErr
		},
	}
	bs := NewBreakerStore(inner, BreakerConfig{Timeout: time.Second, ResetTimeout: 30 * time.Second, ErrorThresholdPercentage: 50}, DefaultErrorClassifier, discardLogger())

	var lastErr error
	for i := 0; i < 20; i++ {
		lastErr = bs.SaveToken(context.Background(), "tok", TokenRecord{Subject: "u", DeviceID: "d", IssuedAt: 1}, 3600)
	}

	if _, ok := lastErr.(*CircuitOpenError); !ok {
		t.Fatalf("after repeated infrastructure failures, error = %v, want *CircuitOpenError", lastErr)
	}

	callsAtOpen := inner.calls.Load()

	// Further calls while open must not reach the inner store.
	_ = bs.SaveToken(context.Background(), "tok", TokenRecord{Subject: "u", DeviceID: "d", IssuedAt: 1}, 3600)
	if inner.calls.Load() != callsAtOpen {
		t.Fatalf("inner store was called while breaker open: before=%d after=%d", callsAtOpen, inner.calls.Load())
	}
}

func TestBreakerStore_DelegatesSuccessfulCall(t *testing.T) {
	inner := &fakeStore{
		saveTokenFn: func(ctx context.Context) error { return nil },
	}
	bs := NewBreakerStore(inner, BreakerConfig{Timeout: time.Second, ResetTimeout: 30 * time.Second, ErrorThresholdPercentage: 50}, DefaultErrorClassifier, discardLogger())

	if err := bs.SaveToken(context.Background(), "tok", TokenRecord{Subject: "u", DeviceID: "d", IssuedAt: 1}, 3600); err != nil {
		t.Fatalf("SaveToken() error: %v", err)
	}
	if inner.calls.Load() != 1 {
		t.Fatalf("inner store calls = %d, want 1", inner.calls.Load())
	}
}

func TestBreakerStore_SatisfiesTokenStore(t *testing.T) {
	var _ TokenStore = (*BreakerStore)(nil)
	var _ TokenStore = (*RedisStore)(nil)
}
