package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPublishDeliversToNamedSubscribers(t *testing.T) {
	t.Parallel()

	bus := New(WithLogger(&captureLogger{}))

	pushEvents := make(chan Event, 1)
	pingEvents := make(chan Event, 1)

	bus.Subscribe(NamePush, func(event Event) {
		pushEvents <- event
	})
	bus.Subscribe(NamePing, func(event Event) {
		pingEvents <- event
	})

	bus.Publish(Event{Name: "Push", ID: "delivery-1"})

	select {
	case got := <-pushEvents:
		if got.ID != "delivery-1" {
			t.Fatalf("received id = %q, want %q", got.ID, "delivery-1")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for push subscriber event")
	}

	select {
	case got := <-pingEvents:
		t.Fatalf("unexpected ping event delivered: %#v", got)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestSubscribeAllReceivesEveryEventInOrder(t *testing.T) {
	t.Parallel()

	bus := New(WithLogger(&captureLogger{}))
	all := make(chan Event, 2)

	bus.SubscribeAll(func(event Event) {
		all <- event
	})

	bus.Publish(Event{Name: NamePing, ID: "d-1"})
	bus.Publish(Event{Name: "issues", ID: "d-2"})

	first := waitForEvent(t, all)
	second := waitForEvent(t, all)
	if first.ID != "d-1" || second.ID != "d-2" {
		t.Fatalf("order = [%s %s], want [d-1 d-2]", first.ID, second.ID)
	}
}

func TestPublishDropsWhenSubscriberBufferIsFullAndReturnsQuickly(t *testing.T) {
	t.Parallel()

	logger := &captureLogger{}
	bus := New(WithBufferSize(1), WithLogger(logger))

	started := make(chan struct{}, 1)
	unblock := make(chan struct{})

	bus.Subscribe(NamePush, func(Event) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-unblock
	})

	event := Event{Name: NamePush, ID: "d-42"}

	bus.Publish(event)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler to block")
	}

	bus.Publish(event)

	start := time.Now()
	bus.Publish(event)
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("publish blocked for %s; expected non-blocking behavior", elapsed)
	}

	close(unblock)

	if !logger.contains("dropping event") {
		t.Fatalf("expected drop warning log, got %v", logger.messages())
	}
}

func TestPublishPopulatesReceivedAtAndPreservesPayload(t *testing.T) {
	t.Parallel()

	bus := New(WithLogger(&captureLogger{}))
	ch := make(chan Event, 1)

	bus.Subscribe(NamePush, func(event Event) {
		ch <- event
	})

	bus.Publish(Event{
		Name:    NamePush,
		ID:      "d-7",
		Payload: json.RawMessage(`{"ref":"refs/heads/main"}`),
	})

	got := waitForEvent(t, ch)
	if got.ReceivedAt.IsZero() {
		t.Fatal("received_at is zero; expected publish to populate it")
	}
	if string(got.Payload) != `{"ref":"refs/heads/main"}` {
		t.Fatalf("payload = %s, want original JSON", got.Payload)
	}
}

func TestCloseDrainsAndRejectsLaterEvents(t *testing.T) {
	t.Parallel()

	logger := &captureLogger{}
	bus := New(WithLogger(logger))

	var handled atomic.Int64
	bus.SubscribeAll(func(Event) {
		time.Sleep(5 * time.Millisecond)
		handled.Add(1)
	})

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Name: NamePush, ID: fmt.Sprintf("d-%d", i)})
	}
	bus.Close()
	if got := handled.Load(); got != 5 {
		t.Fatalf("handled = %d after close, want 5", got)
	}

	bus.Publish(Event{Name: NamePush, ID: "late"})
	bus.SubscribeAll(func(Event) { t.Error("subscriber registered after close must not run") })
	bus.Close()

	if !logger.contains("bus closed") {
		t.Fatalf("expected closed-bus warning, got %v", logger.messages())
	}
}

func TestBusSupportsConcurrentPublishAndSubscribe(t *testing.T) {
	t.Parallel()

	bus := New(WithBufferSize(5000), WithLogger(&captureLogger{}))
	const publisherCount = 20
	const eventsPerPublisher = 100

	var received atomic.Int64
	expectedFromWildcard := int64(publisherCount * eventsPerPublisher)

	bus.SubscribeAll(func(Event) {
		received.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < publisherCount; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < eventsPerPublisher; j++ {
				bus.Publish(Event{Name: NamePush, ID: fmt.Sprintf("%d-%d", i, j)})
			}
		}()
	}

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Subscribe(NamePush, func(Event) {})
		}()
	}

	wg.Wait()
	waitForCount(t, &received, expectedFromWildcard, 2*time.Second)
}

func waitForEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()

	select {
	case event := <-ch:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func waitForCount(t *testing.T, got *atomic.Int64, want int64, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if got.Load() >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("received count = %d, want at least %d", got.Load(), want)
}

type captureLogger struct {
	mu   sync.Mutex
	logs []string
}

func (c *captureLogger) Warn(msg interface{}, keyvals ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logs = append(c.logs, fmt.Sprint(msg)+" "+fmt.Sprint(keyvals...))
}

func (c *captureLogger) contains(fragment string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, message := range c.logs {
		if strings.Contains(message, fragment) {
			return true
		}
	}
	return false
}

func (c *captureLogger) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, len(c.logs))
	copy(out, c.logs)
	return out
}
