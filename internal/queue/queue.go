// Package queue implements the bounded four-tier priority queue feeding the
// dispatch workers. Admission is synchronous: callers learn immediately
// whether their envelope was accepted, displaced another, or was rejected.
// Once admitted, an envelope is guaranteed a terminal result; eviction
// delivers a rejection result rather than silently dropping work.
package queue

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/traylinx/reverie/internal/bus"
	"github.com/traylinx/reverie/internal/core"
)

var (
	// ErrQueueOverflow rejects an envelope at admission when the queue is
	// full and nothing below it is evictable. Callers may retry later.
	ErrQueueOverflow = errors.New("request queue full")

	// ErrQueueClosed rejects admissions after Close and tells drained
	// workers to exit.
	ErrQueueClosed = errors.New("request queue closed")

	// ErrEvicted is carried by the terminal result of an envelope displaced
	// by a higher-priority admission.
	ErrEvicted = errors.New("evicted by higher-priority request")
)

// DefaultCapacity bounds the queue when no capacity is configured.
const DefaultCapacity = 500

// Queue is the bounded priority queue. All tiers share one capacity.
type Queue struct {
	capacity int
	events   *bus.Bus

	mu     sync.Mutex
	tiers  map[core.Priority]*list.List
	total  int
	closed bool

	// signal wakes one blocked Dequeue per send; consumers re-signal when
	// work remains so a burst of admissions wakes every waiter eventually.
	signal  chan struct{}
	closeCh chan struct{}

	evictions int64
	overflows int64
}

// New creates a queue holding at most capacity envelopes across all tiers.
// events may be nil; eviction and overflow notifications are skipped then.
func New(capacity int, events *bus.Bus) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	q := &Queue{
		capacity: capacity,
		events:   events,
		tiers:    make(map[core.Priority]*list.List, len(core.Priorities)),
		signal:   make(chan struct{}, 1),
		closeCh:  make(chan struct{}),
	}
	for _, p := range core.Priorities {
		q.tiers[p] = list.New()
	}
	return q
}

// Enqueue admits env or explains why not. HIGH and MEDIUM envelopes displace
// the oldest BACKGROUND (else oldest LOW) envelope when the queue is full;
// LOW and BACKGROUND are rejected outright. The displaced envelope receives
// a terminal rejection result and an eviction event is published.
func (q *Queue) Enqueue(env *core.Envelope) error {
	if env == nil {
		return nil
	}
	if !env.Priority.Valid() {
		env.Priority = core.PriorityMedium
	}

	q.mu.Lock()

	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}

	var evicted *core.Envelope
	if q.total >= q.capacity {
		if env.Priority < core.PriorityMedium {
			q.overflows++
			q.mu.Unlock()
			q.publishOverflow(env)
			return ErrQueueOverflow
		}
		evicted = q.evictLocked()
		if evicted == nil {
			// Everything queued is MEDIUM or above; even urgent work waits
			// its turn rather than displacing equals.
			q.overflows++
			q.mu.Unlock()
			q.publishOverflow(env)
			return ErrQueueOverflow
		}
		q.evictions++
	}

	env.EnqueuedAt = time.Now()
	q.tiers[env.Priority].PushBack(env)
	q.total++
	q.mu.Unlock()

	q.wake()

	if evicted != nil {
		q.finishEviction(evicted, env)
	}
	return nil
}

// evictLocked removes and returns the oldest BACKGROUND envelope, else the
// oldest LOW envelope, else nil. Callers must hold q.mu.
func (q *Queue) evictLocked() *core.Envelope {
	for _, p := range []core.Priority{core.PriorityBackground, core.PriorityLow} {
		tier := q.tiers[p]
		if front := tier.Front(); front != nil {
			tier.Remove(front)
			q.total--
			return front.Value.(*core.Envelope)
		}
	}
	return nil
}

// finishEviction settles the displaced envelope outside the queue lock.
func (q *Queue) finishEviction(evicted, displacedBy *core.Envelope) {
	log.WithFields(log.Fields{
		"evicted":  evicted.ID,
		"priority": evicted.Priority.String(),
		"by":       displacedBy.ID,
	}).Debug("queue: envelope evicted")

	evicted.Deliver(&core.Result{
		Rejected: true,
		Err:      ErrEvicted,
	})

	if q.events != nil {
		q.events.Publish(bus.NewEvent(bus.TopicEnvelopeEvicted).
			WithEnvelope(evicted.ID).
			Set("priority", evicted.Priority.String()).
			Set("displaced_by", displacedBy.ID).
			Set("displacing_priority", displacedBy.Priority.String()))
	}
}

func (q *Queue) publishOverflow(env *core.Envelope) {
	if q.events != nil {
		q.events.PublishAsync(bus.NewEvent(bus.TopicQueueOverflow).
			WithEnvelope(env.ID).
			Set("priority", env.Priority.String()))
	}
}

// Dequeue blocks until an envelope is available, the context ends, or the
// queue is closed and drained. Higher tiers always win; within a tier the
// order is first-in first-out.
func (q *Queue) Dequeue(ctx context.Context) (*core.Envelope, error) {
	for {
		q.mu.Lock()
		if env := q.popLocked(); env != nil {
			more := q.total > 0
			q.mu.Unlock()
			if more {
				q.wake()
			}
			return env, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return nil, ErrQueueClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.closeCh:
			// Re-check: a final envelope may have been admitted before close.
		case <-q.signal:
		}
	}
}

// popLocked removes the front of the highest non-empty tier. Callers must
// hold q.mu.
func (q *Queue) popLocked() *core.Envelope {
	for _, p := range core.Priorities {
		tier := q.tiers[p]
		if front := tier.Front(); front != nil {
			tier.Remove(front)
			q.total--
			return front.Value.(*core.Envelope)
		}
	}
	return nil
}

func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Depths reports the current number of queued envelopes per tier.
func (q *Queue) Depths() map[core.Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[core.Priority]int, len(q.tiers))
	for p, tier := range q.tiers {
		out[p] = tier.Len()
	}
	return out
}

// Len reports the total queued envelope count.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.total
}

// Stats reports lifetime eviction and overflow counts.
func (q *Queue) Stats() (evictions, overflows int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evictions, q.overflows
}

// Close stops admissions. Queued envelopes remain dequeueable; once drained,
// Dequeue returns ErrQueueClosed. Safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.closeCh)
}

// RejectPending closes the queue and delivers a terminal rejection to every
// envelope still queued, so shutdown never strands an admitted request.
// Returns the number of rejected envelopes.
func (q *Queue) RejectPending() int {
	q.Close()

	q.mu.Lock()
	var pending []*core.Envelope
	for _, p := range core.Priorities {
		tier := q.tiers[p]
		for front := tier.Front(); front != nil; front = tier.Front() {
			tier.Remove(front)
			q.total--
			pending = append(pending, front.Value.(*core.Envelope))
		}
	}
	q.mu.Unlock()

	for _, env := range pending {
		env.Deliver(&core.Result{
			Rejected: true,
			Err:      ErrQueueClosed,
		})
	}
	return len(pending)
}
