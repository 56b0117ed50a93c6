// Copyright 2026 The Reverie Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package relay fans state updates out to live client connections. Slow
// consumers are never allowed to stall the broadcaster: writes to a
// connection whose outbound buffer is over the limit are dropped and
// counted, and low-priority traffic is batched per connection on a jittered
// timer so thousands of idle clients do not flush in lockstep.
package relay

import (
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/reverie/internal/bus"
	"github.com/traylinx/reverie/internal/core"
)

// ErrUnknownConnection is returned by SendTo for an unregistered id.
var ErrUnknownConnection = errors.New("unknown connection")

// Transport is what the relay needs from a live connection. The websocket
// adapter implements it; tests use in-memory fakes.
type Transport interface {
	// Send queues bytes for delivery. It must not block on the peer.
	Send(p []byte) error

	// BufferedBytes reports how much queued output the peer has not yet
	// consumed. The broadcaster drops instead of writing past the limit.
	BufferedBytes() int

	// Close tears the connection down.
	Close() error
}

// Message is one unit of outbound traffic. Data must be JSON-serializable.
type Message struct {
	Type     string        `json:"type"`
	Topic    string        `json:"topic,omitempty"`
	Priority core.Priority `json:"priority"`
	Data     any           `json:"data,omitempty"`
}

// Options tunes backpressure and batching. Zero values select the defaults.
type Options struct {
	// BufferLimitBytes is the per-connection outbound ceiling (default 512 KiB).
	BufferLimitBytes int

	// BatchMaxBytes flushes a pending batch at this encoded size (default 64 KiB).
	BatchMaxBytes int

	// BatchMaxCount flushes a pending batch at this many messages (default 32).
	BatchMaxCount int

	// FlushMin and FlushMax bound the per-connection jittered flush interval
	// (defaults 1s and 5s).
	FlushMin time.Duration
	FlushMax time.Duration

	// IdleTimeout closes connections without activity. Zero disables reaping.
	IdleTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.BufferLimitBytes <= 0 {
		o.BufferLimitBytes = 512 * 1024
	}
	if o.BatchMaxBytes <= 0 {
		o.BatchMaxBytes = 64 * 1024
	}
	if o.BatchMaxCount <= 0 {
		o.BatchMaxCount = 32
	}
	if o.FlushMin <= 0 {
		o.FlushMin = time.Second
	}
	if o.FlushMax <= 0 {
		o.FlushMax = 5 * time.Second
	}
	if o.FlushMax < o.FlushMin {
		o.FlushMax = o.FlushMin
	}
	return o
}

// Conn is one registered connection.
type Conn struct {
	ID        string
	transport Transport

	mu           sync.Mutex
	subs         map[string]struct{}
	lastActivity time.Time
	window       *batchWindow
	flushTimer   *time.Timer
	closed       bool

	drops atomic.Int64
}

// Subscribed reports whether the connection wants the topic. A connection
// with no explicit subscriptions receives everything.
func (c *Conn) Subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subs) == 0 {
		return true
	}
	_, ok := c.subs[topic]
	return ok
}

// Drops reports how many messages backpressure discarded for this connection.
func (c *Conn) Drops() int64 { return c.drops.Load() }

func (c *Conn) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// Registry holds live connections and implements the broadcaster. Per-conn
// locks keep a slow or bursty connection from serializing the whole fan-out.
type Registry struct {
	opts   Options
	events *bus.Bus

	mu    sync.RWMutex
	conns map[string]*Conn

	globalDrops atomic.Int64
	sent        atomic.Int64

	reapStop chan struct{}
	reapOnce sync.Once
}

// NewRegistry builds an empty registry. events may be nil.
func NewRegistry(opts Options, events *bus.Bus) *Registry {
	return &Registry{
		opts:     opts.withDefaults(),
		events:   events,
		conns:    make(map[string]*Conn),
		reapStop: make(chan struct{}),
	}
}

// Register adds a transport under a fresh id. subs limits delivered topics;
// empty means all. The connection's jittered flush timer starts immediately.
func (r *Registry) Register(t Transport, subs []string) *Conn {
	c := &Conn{
		ID:           uuid.NewString(),
		transport:    t,
		subs:         make(map[string]struct{}, len(subs)),
		lastActivity: time.Now(),
		window:       newBatchWindow(r.opts.BatchMaxBytes, r.opts.BatchMaxCount),
	}
	for _, s := range subs {
		c.subs[s] = struct{}{}
	}

	r.mu.Lock()
	r.conns[c.ID] = c
	n := len(r.conns)
	r.mu.Unlock()

	c.flushTimer = time.AfterFunc(r.flushInterval(), func() { r.flushLoop(c) })
	log.Debugf("relay: connection %s registered (%d live)", c.ID, n)
	return c
}

// Unregister removes and closes the connection. Pending batched messages are
// flushed best-effort first.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	c, ok := r.conns[id]
	delete(r.conns, id)
	n := len(r.conns)
	r.mu.Unlock()
	if !ok {
		return
	}

	c.mu.Lock()
	c.closed = true
	if c.flushTimer != nil {
		c.flushTimer.Stop()
	}
	pending := c.window.drain()
	c.mu.Unlock()

	if len(pending) > 0 {
		r.writeFrame(c, pending)
	}
	if err := c.transport.Close(); err != nil {
		log.Debugf("relay: close %s: %v", id, err)
	}
	log.Debugf("relay: connection %s unregistered (%d live)", id, n)
}

// Broadcast delivers msg to every subscribed connection. HIGH priority
// bypasses batching; everything else lands in the per-connection window.
// The broadcaster never blocks on a slow connection.
func (r *Registry) Broadcast(msg Message, priority core.Priority) {
	msg.Priority = priority
	encoded, err := json.Marshal(msg)
	if err != nil {
		log.Errorf("relay: encode broadcast: %v", err)
		return
	}

	for _, c := range r.snapshot() {
		if !c.Subscribed(msg.Topic) {
			continue
		}
		r.deliver(c, encoded, priority)
	}
}

// SendTo delivers msg to a single connection, bypassing batching.
func (r *Registry) SendTo(id string, msg Message) error {
	r.mu.RLock()
	c, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return ErrUnknownConnection
	}
	encoded, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if !r.writeFrame(c, [][]byte{encoded}) {
		return nil // dropped under backpressure, counted, not an error
	}
	return nil
}

// Count reports the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Stats reports messages written and dropped across all connections.
func (r *Registry) Stats() (sent, dropped int64) {
	return r.sent.Load(), r.globalDrops.Load()
}

// StartReaper launches the idle-connection sweep. No-op when IdleTimeout is
// zero.
func (r *Registry) StartReaper() {
	if r.opts.IdleTimeout <= 0 {
		return
	}
	go func() {
		tick := time.NewTicker(r.opts.IdleTimeout / 2)
		defer tick.Stop()
		for {
			select {
			case <-r.reapStop:
				return
			case now := <-tick.C:
				for _, c := range r.snapshot() {
					c.mu.Lock()
					idle := now.Sub(c.lastActivity) > r.opts.IdleTimeout
					c.mu.Unlock()
					if idle {
						log.Infof("relay: closing idle connection %s", c.ID)
						r.Unregister(c.ID)
					}
				}
			}
		}
	}()
}

// Shutdown stops the reaper and closes every connection.
func (r *Registry) Shutdown() {
	r.reapOnce.Do(func() { close(r.reapStop) })
	for _, c := range r.snapshot() {
		r.Unregister(c.ID)
	}
}

func (r *Registry) snapshot() []*Conn {
	r.mu.RLock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	r.mu.RUnlock()
	return out
}

// deliver routes one encoded message to one connection according to its
// priority.
func (r *Registry) deliver(c *Conn, encoded []byte, priority core.Priority) {
	if priority == core.PriorityHigh {
		r.writeFrame(c, [][]byte{encoded})
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	full := c.window.add(encoded)
	var pending [][]byte
	if full {
		pending = c.window.drain()
	}
	c.mu.Unlock()

	if len(pending) > 0 {
		r.writeFrame(c, pending)
	}
}

// writeFrame performs the backpressure check and hands the batch to the
// transport. Reports whether the write was attempted.
func (r *Registry) writeFrame(c *Conn, msgs [][]byte) bool {
	if c.transport.BufferedBytes() > r.opts.BufferLimitBytes {
		c.drops.Add(int64(len(msgs)))
		r.globalDrops.Add(int64(len(msgs)))
		if r.events != nil {
			r.events.PublishAsync(bus.NewEvent(bus.TopicBroadcastDropped).
				Set("connection", c.ID).
				Set("count", len(msgs)))
		}
		return false
	}

	frame := encodeFrame(msgs)
	if err := c.transport.Send(frame); err != nil {
		log.Debugf("relay: send to %s failed: %v", c.ID, err)
		return false
	}
	c.touch()
	r.sent.Add(int64(len(msgs)))
	return true
}

// flushLoop is the jittered per-connection timer body. It re-arms itself
// with a fresh random interval after each flush.
func (r *Registry) flushLoop(c *Conn) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	pending := c.window.drain()
	c.flushTimer.Reset(r.flushInterval())
	c.mu.Unlock()

	if len(pending) > 0 {
		r.writeFrame(c, pending)
	}
}

func (r *Registry) flushInterval() time.Duration {
	span := r.opts.FlushMax - r.opts.FlushMin
	if span <= 0 {
		return r.opts.FlushMin
	}
	return r.opts.FlushMin + time.Duration(rand.Int63n(int64(span)))
}

// encodeFrame wraps one or more already-encoded messages into a single wire
// frame: a bare object for a single message, a JSON array for a batch.
func encodeFrame(msgs [][]byte) []byte {
	if len(msgs) == 1 {
		return msgs[0]
	}
	size := 2 + len(msgs) // brackets + commas
	for _, m := range msgs {
		size += len(m)
	}
	frame := make([]byte, 0, size)
	frame = append(frame, '[')
	for i, m := range msgs {
		if i > 0 {
			frame = append(frame, ',')
		}
		frame = append(frame, m...)
	}
	return append(frame, ']')
}
