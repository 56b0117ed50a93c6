// Package bus implements the in-process event bus connecting the dispatch
// pipeline to the relay, journal, hooks and metrics layers. Dispatch is
// synchronous and ordered: subscribers registered at a higher priority run
// before lower-priority ones within a single Publish call.
package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/reverie/internal/core"
)

// Subscription is a handle for a registered subscriber.
type Subscription struct {
	ID          string
	Topic       Topic
	Priority    core.Priority
	Callback    func(*Event)
	Filter      func(*Event) bool
	Unsubscribe func()
}

// Bus manages event distribution to subscribers.
type Bus struct {
	subscribers  map[Topic][]*Subscription
	mu           sync.RWMutex
	eventQueue   chan *Event
	dropped      atomic.Int64
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	shutdown     bool
}

// New creates an event bus and starts its async delivery worker.
func New() *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		subscribers: make(map[Topic][]*Subscription),
		eventQueue:  make(chan *Event, 1000),
		ctx:         ctx,
		cancel:      cancel,
	}

	go b.processQueue()

	return b
}

// Subscribe registers a callback for a topic at the given priority.
func (b *Bus) Subscribe(topic Topic, priority core.Priority, callback func(*Event)) *Subscription {
	return b.SubscribeWithFilter(topic, priority, callback, nil)
}

// SubscribeWithFilter registers a callback with an optional filter function.
// Subscribers with higher priority are invoked first; ties keep registration
// order.
func (b *Bus) SubscribeWithFilter(topic Topic, priority core.Priority, callback func(*Event), filter func(*Event) bool) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		ID:       uuid.NewString(),
		Topic:    topic,
		Priority: priority,
		Callback: callback,
		Filter:   filter,
	}
	sub.Unsubscribe = func() {
		b.unsubscribe(sub)
	}

	// Insert after the last subscription of equal or higher priority so a
	// single slice walk dispatches in priority order.
	subs := b.subscribers[topic]
	pos := len(subs)
	for i, s := range subs {
		if s.Priority < priority {
			pos = i
			break
		}
	}
	subs = append(subs, nil)
	copy(subs[pos+1:], subs[pos:])
	subs[pos] = sub
	b.subscribers[topic] = subs

	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[sub.Topic]
	for i, s := range subs {
		if s.ID == sub.ID {
			b.subscribers[sub.Topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// Publish distributes an event to all subscribers synchronously, highest
// subscriber priority first. A panicking subscriber is logged and skipped;
// delivery to the remaining subscribers continues.
func (b *Bus) Publish(evt *Event) {
	if evt == nil {
		return
	}

	b.mu.RLock()
	subs := b.subscribers[evt.Topic]
	// Copy slice to avoid holding lock during execution
	activeSubs := make([]*Subscription, len(subs))
	copy(activeSubs, subs)
	b.mu.RUnlock()

	for _, sub := range activeSubs {
		if sub.Filter == nil || sub.Filter(evt) {
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Errorf("Panic in event subscriber for %s: %v", evt.Topic, r)
					}
				}()
				sub.Callback(evt)
			}()
		}
	}
}

// PublishAsync hands the event to the delivery worker. When the queue is
// full the event is dropped and counted; callers that cannot tolerate loss
// use Publish.
func (b *Bus) PublishAsync(evt *Event) {
	b.mu.RLock()
	isShutdown := b.shutdown
	b.mu.RUnlock()

	if isShutdown || evt == nil {
		return
	}

	select {
	case <-b.ctx.Done():
		return
	case b.eventQueue <- evt:
	default:
		b.dropped.Add(1)
		log.Warnf("Event queue full, dropping event: %s", evt.Topic)
	}
}

// Dropped reports how many async events were discarded due to a full queue.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Bus) processQueue() {
	for {
		select {
		case <-b.ctx.Done():
			return
		case evt, ok := <-b.eventQueue:
			if !ok {
				return
			}
			if evt != nil {
				b.Publish(evt)
			}
		}
	}
}

// Shutdown stops the event bus processing.
func (b *Bus) Shutdown() {
	b.shutdownOnce.Do(func() {
		b.mu.Lock()
		b.shutdown = true
		b.mu.Unlock()

		b.cancel()
		close(b.eventQueue)
	})
}
