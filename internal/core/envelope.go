// Copyright 2026 The Reverie Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package core holds the request envelope and result types shared by the
// queue, dispatcher and relay packages. Keeping them here breaks the import
// cycles that would otherwise form between those packages.
package core

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Envelope is the unit of admitted work. It is created at the ingress
// boundary and carried unchanged through queueing and dispatch. Exactly one
// terminal Result is ever delivered per envelope.
type Envelope struct {
	// ID uniquely identifies the request across logs, events and results.
	ID string

	// Priority decides queueing tier and broadcast handling.
	Priority Priority

	// TaskProfile is an opaque label chosen by the caller (for example
	// "reflection" or "summary"). The selector maps it to provider
	// affinities; nothing else interprets it.
	TaskProfile string

	// CallerState carries opaque numeric signals from upstream scoring.
	// Only keys the selector explicitly understands are read.
	CallerState map[string]float64

	// Payload is the caller-supplied request body forwarded to providers.
	Payload []byte

	// PartialContent optionally seeds the degraded local response when all
	// providers are unavailable.
	PartialContent string

	// EnqueuedAt is stamped on admission.
	EnqueuedAt time.Time

	// Deadline, when non-zero, is the latest useful delivery time. Expired
	// envelopes skip provider dispatch entirely.
	Deadline time.Time

	// AttemptsRemaining bounds provider attempts for this envelope.
	AttemptsRemaining int

	done     chan *Result
	doneOnce sync.Once
}

// NewEnvelope builds an envelope with a fresh ID and a single-slot result
// channel. The enqueue timestamp is set by the queue on admission.
func NewEnvelope(priority Priority, taskProfile string, payload []byte) *Envelope {
	return &Envelope{
		ID:          uuid.NewString(),
		Priority:    priority,
		TaskProfile: taskProfile,
		Payload:     payload,
		done:        make(chan *Result, 1),
	}
}

// Deliver hands the terminal result to whoever awaits the envelope. Only the
// first call wins; later calls report false and are dropped. The channel has
// capacity one, so delivery never blocks even when nobody is waiting.
func (e *Envelope) Deliver(r *Result) bool {
	delivered := false
	e.doneOnce.Do(func() {
		r.EnvelopeID = e.ID
		r.FinishedAt = time.Now()
		e.done <- r
		delivered = true
	})
	return delivered
}

// Done exposes the terminal result channel. It yields exactly one value over
// the envelope's lifetime.
func (e *Envelope) Done() <-chan *Result {
	return e.done
}

// Expired reports whether the envelope's deadline has passed. Envelopes
// without a deadline never expire.
func (e *Envelope) Expired(now time.Time) bool {
	return !e.Deadline.IsZero() && now.After(e.Deadline)
}

// Result is the single terminal outcome of an envelope: a provider response,
// a locally synthesized degraded response, or a rejection after admission
// (queue eviction, shutdown).
type Result struct {
	EnvelopeID string        `json:"envelope_id"`
	Provider   string        `json:"provider,omitempty"`
	Content    string        `json:"content"`
	Raw        []byte        `json:"-"`
	Degraded   bool          `json:"degraded"`
	Rejected   bool          `json:"rejected,omitempty"`
	Err        error         `json:"-"`
	Latency    time.Duration `json:"latency"`
	FinishedAt time.Time     `json:"finished_at"`
}
