// Copyright 2026 The Reverie Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package journal persists terminal request results. Persistence is a
// supporting concern: the dispatch path never waits on it, and a journal
// failure is logged, not surfaced to callers.
package journal

import (
	"context"
	"time"
)

// Entry is one persisted terminal outcome.
type Entry struct {
	EnvelopeID  string        `json:"envelope_id"`
	Provider    string        `json:"provider"`
	TaskProfile string        `json:"task_profile"`
	Priority    string        `json:"priority"`
	Content     string        `json:"content"`
	Degraded    bool          `json:"degraded"`
	Latency     time.Duration `json:"latency"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Store is the persistence boundary. SQLStore implements it over sqlite or
// postgres.
type Store interface {
	// Append records one entry.
	Append(ctx context.Context, e Entry) error

	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]Entry, error)

	// Close releases the backing resources.
	Close() error
}
