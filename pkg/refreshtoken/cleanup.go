package refreshtoken

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wisbric/refreshregistry/internal/telemetry"
)

// cleanupScanBatch is how many user-index keys Scheduler pulls per SCAN
// call while enumerating subjects for a sweep.
const cleanupScanBatch = 100

// Scheduler runs the hourly cleanup sweep: it walks every user
// index via ScanUserIndices and runs CleanupExpired per subject. It is a
// thin wrapper over TokenStore; whether to start one at all is up to the
// embedding process (cmd/refreshregistry-demo reads its own
// EnableScheduledCleanup setting for this).
type Scheduler struct {
	store  TokenStore
	logger *slog.Logger

	mu             sync.Mutex
	cron           *cron.Cron
	lastRun        time.Time
	lastSweptCount int
	running        bool
}

// NewScheduler creates a scheduler bound to store. It does not start
// running until Start is called.
func NewScheduler(store TokenStore, logger *slog.Logger) *Scheduler {
	return &Scheduler{store: store, logger: logger}
}

// Start registers the hourly sweep and begins running it in the
// background. Calling Start twice is a no-op.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc("@hourly", func() {
		s.runSweep(context.Background(), "scheduled")
	}); err != nil {
		return &InitializationError{Cause: err}
	}

	c.Start()
	s.cron = c
	s.running = true
	s.logger.Info("cleanup scheduler started", "schedule", "@hourly")
	return nil
}

// Stop drains any in-flight sweep and halts future scheduled runs. It is
// safe to call on a scheduler that was never started.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.running = false
	s.mu.Unlock()

	if c == nil {
		return nil
	}

	done := c.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TriggerNow runs a sweep immediately, outside the hourly schedule. It
// returns how many user-index entries were removed across every subject
// visited. Callers typically use this from an operator-facing path, not
// the hot serving path.
func (s *Scheduler) TriggerNow(ctx context.Context) (int, error) {
	return s.runSweep(ctx, "manual")
}

// LastRun reports when the sweep last completed and how many entries it
// removed. The zero time means no sweep has run yet.
func (s *Scheduler) LastRun() (time.Time, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.lastSweptCount
}

func (s *Scheduler) runSweep(ctx context.Context, trigger string) (int, error) {
	total := 0
	var cursor uint64

	for {
		next, keys, err := s.store.ScanUserIndices(ctx, cursor, cleanupScanBatch)
		if err != nil {
			s.logger.Error("cleanup sweep scan failed", "trigger", trigger, "error", err)
			return total, err
		}

		for _, key := range keys {
			subject := subjectFromUserIndexKey(key)
			if subject == "" {
				continue
			}
			removed, err := s.store.CleanupExpired(ctx, subject)
			if err != nil {
				s.logger.Warn("cleanup sweep failed for subject", "subject", subject, "error", err)
				continue
			}
			total += removed
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	s.mu.Lock()
	s.lastRun = time.Now()
	s.lastSweptCount = total
	s.mu.Unlock()

	telemetry.CleanupRunsTotal.WithLabelValues(trigger).Inc()
	telemetry.CleanupSweptTotal.Add(float64(total))
	s.logger.Info("cleanup sweep complete", "trigger", trigger, "removed", total)
	return total, nil
}

// subjectFromUserIndexKey extracts the subject from a fully-qualified
// user-index key. ScanUserIndices already filters out stats-hash keys, so
// this only ever sees "<userPrefix>:<subject>".
func subjectFromUserIndexKey(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[i+1:]
		}
	}
	return ""
}
