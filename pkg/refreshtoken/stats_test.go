package refreshtoken

import (
	"context"
	"testing"
)

func TestStatsEngine_UserStats(t *testing.T) {
	store, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()
	engine := newStatsEngine(store, discardLogger())

	for _, d := range []struct{ token, device string }{{"a", "d1"}, {"b", "d1"}, {"c", "d2"}} {
		if err := store.SaveToken(ctx, d.token, TokenRecord{Subject: "u1", DeviceID: d.device, IssuedAt: nowMillis()}, 3600); err != nil {
			t.Fatalf("SaveToken(%s) error: %v", d.token, err)
		}
	}

	stats, err := engine.userStats(ctx, "u1", DefaultStatsOptions())
	if err != nil {
		t.Fatalf("userStats() error: %v", err)
	}
	if stats.Active != 3 || stats.Total != 3 || stats.Devices != 2 {
		t.Fatalf("userStats() = %+v, want active=3 total=3 devices=2", stats)
	}
}

func TestStatsEngine_ForcedStats_InvalidatesCache(t *testing.T) {
	store, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()
	engine := newStatsEngine(store, discardLogger())

	if err := store.SaveToken(ctx, "a", TokenRecord{Subject: "u1", DeviceID: "d1", IssuedAt: nowMillis()}, 3600); err != nil {
		t.Fatalf("SaveToken() error: %v", err)
	}
	if _, err := engine.userStats(ctx, "u1", DefaultStatsOptions()); err != nil {
		t.Fatalf("userStats() error: %v", err)
	}

	// Add a second token directly, bypassing the cache. Without forcing,
	// a cached read would still report 1.
	if err := store.SaveToken(ctx, "b", TokenRecord{Subject: "u1", DeviceID: "d2", IssuedAt: nowMillis()}, 3600); err != nil {
		t.Fatalf("SaveToken(b) error: %v", err)
	}

	forced, err := engine.forcedStats(ctx, "u1", DefaultStatsOptions())
	if err != nil {
		t.Fatalf("forcedStats() error: %v", err)
	}
	if forced.Total != 2 {
		t.Fatalf("forcedStats() = %+v, want total=2", forced)
	}
}

func TestStatsEngine_BatchStats_PerSubjectResults(t *testing.T) {
	store, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()
	engine := newStatsEngine(store, discardLogger())

	if err := store.SaveToken(ctx, "a", TokenRecord{Subject: "good", DeviceID: "d1", IssuedAt: nowMillis()}, 3600); err != nil {
		t.Fatalf("SaveToken() error: %v", err)
	}

	results := engine.batchStats(ctx, []string{"good", "empty-subject"}, DefaultStatsOptions())
	if results["good"].Total != 1 {
		t.Fatalf("batchStats()[good] = %+v, want total=1", results["good"])
	}
	if results["empty-subject"].Total != 0 {
		t.Fatalf("batchStats()[empty-subject] = %+v, want zero value", results["empty-subject"])
	}
}

func TestStatsEngine_Aggregate(t *testing.T) {
	store, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()
	engine := newStatsEngine(store, discardLogger())

	if err := store.SaveToken(ctx, "a", TokenRecord{Subject: "u1", DeviceID: "d1", IssuedAt: nowMillis()}, 3600); err != nil {
		t.Fatalf("SaveToken(u1) error: %v", err)
	}
	if err := store.SaveToken(ctx, "b", TokenRecord{Subject: "u2", DeviceID: "d1", IssuedAt: nowMillis()}, 3600); err != nil {
		t.Fatalf("SaveToken(u2,1) error: %v", err)
	}
	if err := store.SaveToken(ctx, "c", TokenRecord{Subject: "u2", DeviceID: "d2", IssuedAt: nowMillis()}, 3600); err != nil {
		t.Fatalf("SaveToken(u2,2) error: %v", err)
	}

	agg := engine.aggregate(ctx, []string{"u1", "u2"}, DefaultStatsOptions())
	if agg.TotalActive != 3 || agg.Subjects != 2 {
		t.Fatalf("aggregate() = %+v, want totalActive=3 subjects=2", agg)
	}
	if agg.MeanActive != 1.5 {
		t.Fatalf("aggregate().MeanActive = %v, want 1.5", agg.MeanActive)
	}
}

func TestStatsEngine_AtDeviceLimit(t *testing.T) {
	store, mr := newTestStore(t)
	defer mr.Close()
	ctx := context.Background()
	engine := newStatsEngine(store, discardLogger())

	if err := store.SaveToken(ctx, "a", TokenRecord{Subject: "u1", DeviceID: "d1", IssuedAt: nowMillis()}, 3600); err != nil {
		t.Fatalf("SaveToken() error: %v", err)
	}

	atLimit, err := engine.atDeviceLimit(ctx, "u1", 1, DefaultStatsOptions())
	if err != nil {
		t.Fatalf("atDeviceLimit() error: %v", err)
	}
	if !atLimit {
		t.Error("atDeviceLimit(maxDevices=1) = false, want true")
	}

	atLimit, err = engine.atDeviceLimit(ctx, "u1", 10, DefaultStatsOptions())
	if err != nil {
		t.Fatalf("atDeviceLimit() error: %v", err)
	}
	if atLimit {
		t.Error("atDeviceLimit(maxDevices=10) = true, want false")
	}
}
