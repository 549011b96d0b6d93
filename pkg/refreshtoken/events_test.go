package refreshtoken

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestEventSink_PublishDispatchesToAllObservers(t *testing.T) {
	sink := newEventSink(discardLogger())

	var calls atomic.Int32
	var mu sync.Mutex
	var seen []Event

	for i := 0; i < 3; i++ {
		sink.Register(ObserverFunc(func(ctx context.Context, event Event) error {
			calls.Add(1)
			mu.Lock()
			seen = append(seen, event)
			mu.Unlock()
			return nil
		}))
	}

	sink.publish(context.Background(), EventTokenCreated, "u1", "d1")

	if calls.Load() != 3 {
		t.Fatalf("observer calls = %d, want 3", calls.Load())
	}
	mu.Lock()
	defer mu.Unlock()
	for _, e := range seen {
		if e.Subject != "u1" || e.DeviceID != "d1" || e.Type != EventTokenCreated {
			t.Errorf("event = %+v, want subject=u1 device=d1 type=token_created", e)
		}
	}
}

func TestEventSink_NoObservers(t *testing.T) {
	sink := newEventSink(discardLogger())
	// Must not panic or block with zero observers registered.
	sink.publish(context.Background(), EventTokenUsed, "u1", "")
}

func TestEventSink_FailingObserverDoesNotBlockOthers(t *testing.T) {
	sink := newEventSink(discardLogger())

	var okCalled atomic.Bool
	sink.Register(ObserverFunc(func(ctx context.Context, event Event) error {
		return errors.New("boom")
	}))
	sink.Register(ObserverFunc(func(ctx context.Context, event Event) error {
		okCalled.Store(true)
		return nil
	}))

	sink.publish(context.Background(), EventTokenRevoked, "u1", "")

	if !okCalled.Load() {
		t.Error("second observer was not called after the first returned an error")
	}
}

func TestEventSink_SlowObserverIsBoundedByTimeout(t *testing.T) {
	sink := newEventSink(discardLogger())

	start := time.Now()
	sink.Register(ObserverFunc(func(ctx context.Context, event Event) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	sink.publish(context.Background(), EventTokenCreated, "u1", "d1")
	elapsed := time.Since(start)

	if elapsed >= observerDispatchTimeout+time.Second {
		t.Errorf("publish() took %v, want roughly bounded by observerDispatchTimeout (%v)", elapsed, observerDispatchTimeout)
	}
}

func TestEventSink_EventIDsAreUnique(t *testing.T) {
	sink := newEventSink(discardLogger())

	var mu sync.Mutex
	var ids []string
	sink.Register(ObserverFunc(func(ctx context.Context, event Event) error {
		mu.Lock()
		ids = append(ids, event.ID.String())
		mu.Unlock()
		return nil
	}))

	sink.publish(context.Background(), EventTokenCreated, "u1", "d1")
	sink.publish(context.Background(), EventTokenUsed, "u1", "d1")

	mu.Lock()
	defer mu.Unlock()
	if len(ids) != 2 || ids[0] == ids[1] {
		t.Fatalf("event IDs = %v, want two distinct values", ids)
	}
}
