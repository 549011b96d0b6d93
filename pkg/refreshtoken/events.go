package refreshtoken

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/refreshregistry/internal/telemetry"
)

// observerDispatchTimeout bounds how long Registry waits for all
// observers on one event before moving on. Dispatch is best-effort: a
// slow or failing observer never fails the triggering call and never
// holds it up for longer than this.
const observerDispatchTimeout = 5 * time.Second

// EventType names one of the lifecycle events a Registry publishes.
type EventType string

const (
	EventTokenCreated EventType = "token_created"
	EventTokenUsed    EventType = "token_used"
	EventTokenRevoked EventType = "token_revoked"
)

// Event is the payload delivered to every registered Observer. ID is a
// fresh UUID per event, independent of the token value, so observers can
// deduplicate or trace delivery without ever seeing the token itself.
type Event struct {
	ID        uuid.UUID
	Type      EventType
	Subject   string
	DeviceID  string
	Timestamp time.Time
}

// Observer receives lifecycle events fired by a Registry. Implementations
// should return promptly; publish stops waiting after
// observerDispatchTimeout regardless.
type Observer interface {
	OnEvent(ctx context.Context, event Event) error
}

// ObserverFunc adapts a plain function to Observer.
type ObserverFunc func(ctx context.Context, event Event) error

func (f ObserverFunc) OnEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// eventSink fans an event out to every registered observer concurrently,
// swallowing and logging individual failures.
type eventSink struct {
	mu        sync.RWMutex
	observers []Observer
	logger    *slog.Logger
}

func newEventSink(logger *slog.Logger) *eventSink {
	return &eventSink{logger: logger}
}

// Register adds an observer. Safe to call after dispatch has started.
func (s *eventSink) Register(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// publish builds an Event and dispatches it to every observer in its own
// goroutine, bounded by observerDispatchTimeout. It never returns an
// error — event delivery is a side channel, not part of the operation's
// contract.
func (s *eventSink) publish(ctx context.Context, eventType EventType, subject, deviceID string) {
	s.mu.RLock()
	observers := make([]Observer, len(s.observers))
	copy(observers, s.observers)
	s.mu.RUnlock()

	if len(observers) == 0 {
		return
	}

	event := Event{
		ID:        uuid.New(),
		Type:      eventType,
		Subject:   subject,
		DeviceID:  deviceID,
		Timestamp: time.Now(),
	}

	var wg sync.WaitGroup
	for _, o := range observers {
		o := o
		wg.Add(1)
		go func() {
			defer wg.Done()
			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), observerDispatchTimeout)
			defer cancel()
			if err := o.OnEvent(dctx, event); err != nil {
				telemetry.EventObserverFailuresTotal.WithLabelValues(string(eventType)).Inc()
				s.logger.Warn("event observer failed", "event", eventType, "subject", subject, "error", err)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(observerDispatchTimeout):
		s.logger.Warn("event observers still running after dispatch timeout", "event", eventType, "subject", subject)
	}
}
