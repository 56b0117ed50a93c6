package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/traylinx/reverie/internal/bus"
	"github.com/traylinx/reverie/internal/core"
)

func env(p core.Priority) *core.Envelope {
	return core.NewEnvelope(p, "test", []byte(`{}`))
}

func mustDequeue(t *testing.T, q *Queue) *core.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	e, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	return e
}

func TestStrictPriorityOrder(t *testing.T) {
	q := New(10, nil)

	background := env(core.PriorityBackground)
	high := env(core.PriorityHigh)
	low := env(core.PriorityLow)
	medium := env(core.PriorityMedium)

	for _, e := range []*core.Envelope{background, low, medium, high} {
		if err := q.Enqueue(e); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	want := []*core.Envelope{high, medium, low, background}
	for i, expected := range want {
		got := mustDequeue(t, q)
		if got.ID != expected.ID {
			t.Fatalf("dequeue %d: expected %s envelope, got %s", i, expected.Priority, got.Priority)
		}
	}
}

func TestFIFOWithinTier(t *testing.T) {
	q := New(10, nil)

	first := env(core.PriorityMedium)
	second := env(core.PriorityMedium)
	third := env(core.PriorityMedium)
	for _, e := range []*core.Envelope{first, second, third} {
		if err := q.Enqueue(e); err != nil {
			t.Fatal(err)
		}
	}

	for _, expected := range []*core.Envelope{first, second, third} {
		if got := mustDequeue(t, q); got.ID != expected.ID {
			t.Fatal("FIFO order violated within tier")
		}
	}
}

func TestFullQueueRejectsLowAndBackground(t *testing.T) {
	q := New(2, nil)
	if err := q.Enqueue(env(core.PriorityMedium)); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(env(core.PriorityMedium)); err != nil {
		t.Fatal(err)
	}

	if err := q.Enqueue(env(core.PriorityLow)); !errors.Is(err, ErrQueueOverflow) {
		t.Errorf("LOW into full queue: expected ErrQueueOverflow, got %v", err)
	}
	if err := q.Enqueue(env(core.PriorityBackground)); !errors.Is(err, ErrQueueOverflow) {
		t.Errorf("BACKGROUND into full queue: expected ErrQueueOverflow, got %v", err)
	}

	_, overflows := q.Stats()
	if overflows != 2 {
		t.Errorf("expected 2 recorded overflows, got %d", overflows)
	}
}

func TestHighEvictsOldestBackground(t *testing.T) {
	events := bus.New()
	defer events.Shutdown()

	evictedEvents := make(chan *bus.Event, 1)
	events.Subscribe(bus.TopicEnvelopeEvicted, core.PriorityHigh, func(evt *bus.Event) {
		evictedEvents <- evt
	})

	q := New(2, events)
	oldest := env(core.PriorityBackground)
	newer := env(core.PriorityBackground)
	if err := q.Enqueue(oldest); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(newer); err != nil {
		t.Fatal(err)
	}

	high := env(core.PriorityHigh)
	if err := q.Enqueue(high); err != nil {
		t.Fatalf("HIGH should be admitted by eviction, got %v", err)
	}

	// The displaced envelope gets its terminal rejection result.
	select {
	case r := <-oldest.Done():
		if !r.Rejected || !errors.Is(r.Err, ErrEvicted) {
			t.Errorf("evicted envelope got wrong terminal result: %+v", r)
		}
	default:
		t.Fatal("evicted envelope received no terminal result")
	}

	// And an eviction event fires.
	select {
	case evt := <-evictedEvents:
		if evt.EnvelopeID != oldest.ID {
			t.Errorf("eviction event names wrong envelope: %s", evt.EnvelopeID)
		}
		if evt.Data["displaced_by"] != high.ID {
			t.Errorf("eviction event missing displacing envelope")
		}
	case <-time.After(time.Second):
		t.Fatal("no eviction event published")
	}

	if got := mustDequeue(t, q); got.ID != high.ID {
		t.Fatal("HIGH should dequeue first after eviction")
	}
	if got := mustDequeue(t, q); got.ID != newer.ID {
		t.Fatal("surviving BACKGROUND should be the newer one")
	}
}

func TestMediumEvictsLowWhenNoBackground(t *testing.T) {
	q := New(2, nil)
	low := env(core.PriorityLow)
	if err := q.Enqueue(low); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(env(core.PriorityMedium)); err != nil {
		t.Fatal(err)
	}

	if err := q.Enqueue(env(core.PriorityMedium)); err != nil {
		t.Fatalf("MEDIUM should evict LOW, got %v", err)
	}

	select {
	case r := <-low.Done():
		if !r.Rejected {
			t.Error("evicted LOW envelope missing rejection result")
		}
	default:
		t.Fatal("evicted LOW envelope received no terminal result")
	}
}

func TestHighRejectedWhenNothingEvictable(t *testing.T) {
	q := New(2, nil)
	if err := q.Enqueue(env(core.PriorityHigh)); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(env(core.PriorityMedium)); err != nil {
		t.Fatal(err)
	}

	if err := q.Enqueue(env(core.PriorityHigh)); !errors.Is(err, ErrQueueOverflow) {
		t.Errorf("HIGH with nothing evictable: expected ErrQueueOverflow, got %v", err)
	}
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := New(10, nil)

	got := make(chan *core.Envelope, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		e, err := q.Dequeue(ctx)
		if err == nil {
			got <- e
		}
	}()

	time.Sleep(20 * time.Millisecond)
	sent := env(core.PriorityLow)
	if err := q.Enqueue(sent); err != nil {
		t.Fatal(err)
	}

	select {
	case e := <-got:
		if e.ID != sent.ID {
			t.Error("blocked dequeue returned wrong envelope")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked dequeue never woke up")
	}
}

func TestDequeueHonorsContext(t *testing.T) {
	q := New(10, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

func TestCloseStopsAdmissionsButDrains(t *testing.T) {
	q := New(10, nil)
	queued := env(core.PriorityMedium)
	if err := q.Enqueue(queued); err != nil {
		t.Fatal(err)
	}

	q.Close()

	if err := q.Enqueue(env(core.PriorityHigh)); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("post-close enqueue: expected ErrQueueClosed, got %v", err)
	}

	if got := mustDequeue(t, q); got.ID != queued.ID {
		t.Fatal("queued envelope should still drain after close")
	}

	_, err := q.Dequeue(context.Background())
	if !errors.Is(err, ErrQueueClosed) {
		t.Errorf("drained closed queue: expected ErrQueueClosed, got %v", err)
	}
}

func TestRejectPendingDeliversTerminalResults(t *testing.T) {
	q := New(10, nil)
	envs := []*core.Envelope{env(core.PriorityHigh), env(core.PriorityLow), env(core.PriorityBackground)}
	for _, e := range envs {
		if err := q.Enqueue(e); err != nil {
			t.Fatal(err)
		}
	}

	if n := q.RejectPending(); n != 3 {
		t.Fatalf("expected 3 rejections, got %d", n)
	}

	for _, e := range envs {
		select {
		case r := <-e.Done():
			if !r.Rejected || !errors.Is(r.Err, ErrQueueClosed) {
				t.Errorf("wrong terminal result on shutdown: %+v", r)
			}
		default:
			t.Error("pending envelope missing terminal result after RejectPending")
		}
	}
}

func TestConcurrentProducersConsumers(t *testing.T) {
	q := New(1000, nil)

	const producers = 8
	const perProducer = 50

	var wg sync.WaitGroup
	wg.Add(producers)
	for i := 0; i < producers; i++ {
		i := i
		go func() {
			defer wg.Done()
			for j := 0; j < perProducer; j++ {
				_ = q.Enqueue(env(core.Priority(i % 4)))
			}
		}()
	}

	received := make(chan string, producers*perProducer)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var consumerWg sync.WaitGroup
	consumerWg.Add(4)
	for i := 0; i < 4; i++ {
		go func() {
			defer consumerWg.Done()
			for {
				e, err := q.Dequeue(ctx)
				if err != nil {
					return
				}
				received <- e.ID
			}
		}()
	}

	wg.Wait()
	deadline := time.After(5 * time.Second)
	seen := make(map[string]bool)
	for len(seen) < producers*perProducer {
		select {
		case id := <-received:
			if seen[id] {
				t.Fatal("envelope dequeued twice")
			}
			seen[id] = true
		case <-deadline:
			t.Fatalf("only %d/%d envelopes consumed", len(seen), producers*perProducer)
		}
	}
	cancel()
	consumerWg.Wait()
}

// Dequeue order always respects tiers: for any admission sequence that fits
// within capacity, no envelope ever dequeues before a higher-priority one
// admitted earlier.
func TestProperty_TierOrderRespected(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("higher tiers drain first", prop.ForAll(
		func(prios []int8) bool {
			q := New(len(prios)+1, nil)
			for _, p := range prios {
				if err := q.Enqueue(env(core.Priority(p))); err != nil {
					return false
				}
			}

			last := core.PriorityHigh
			for range prios {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				e, err := q.Dequeue(ctx)
				cancel()
				if err != nil {
					return false
				}
				if e.Priority > last {
					return false
				}
				last = e.Priority
			}
			return true
		},
		gen.SliceOf(gen.Int8Range(0, 3)),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}
