// Copyright 2026 The Reverie Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package usage aggregates per-provider request and token statistics in
// memory. Counts feed the management API; nothing here is persisted.
package usage

import (
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tiktoken-go/tokenizer"

	"github.com/traylinx/reverie/internal/bus"
	"github.com/traylinx/reverie/internal/core"
)

// ProviderUsage is the aggregated view for one provider.
type ProviderUsage struct {
	Provider         string        `json:"provider"`
	Requests         int64         `json:"requests"`
	Degraded         int64         `json:"degraded"`
	PromptTokens     int64         `json:"prompt_tokens"`
	CompletionTokens int64         `json:"completion_tokens"`
	TotalLatency     time.Duration `json:"-"`
	AvgLatencyMs     int64         `json:"avg_latency_ms"`
	LastRequest      time.Time     `json:"last_request"`
}

// Snapshot is the full usage report.
type Snapshot struct {
	Since     time.Time       `json:"since"`
	Total     int64           `json:"total_requests"`
	Degraded  int64           `json:"degraded_requests"`
	Providers []ProviderUsage `json:"providers"`
}

// Tracker accumulates usage. Token counts are estimates produced locally
// with the cl100k tokenizer; upstream-reported usage is provider-specific
// and out of scope here.
type Tracker struct {
	mu      sync.Mutex
	since   time.Time
	byProv  map[string]*ProviderUsage
	enabled bool

	codec tokenizer.Codec
	subs  []*bus.Subscription
}

// NewTracker builds a tracker. When enabled is false all records are
// discarded, matching the usage-statistics-enabled config switch.
func NewTracker(enabled bool) *Tracker {
	t := &Tracker{
		since:   time.Now(),
		byProv:  make(map[string]*ProviderUsage),
		enabled: enabled,
	}
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		// Estimation degrades to a word-count heuristic.
		log.Warnf("usage: tokenizer unavailable, falling back to word estimate: %v", err)
	} else {
		t.codec = codec
	}
	return t
}

// Attach subscribes the tracker to terminal-result events. The degraded
// synthesizer path is tracked under the pseudo-provider "local".
func (t *Tracker) Attach(events *bus.Bus) {
	handler := func(evt *bus.Event) {
		res, ok := evt.Data["result"].(*core.Result)
		if !ok {
			return
		}
		prompt, _ := evt.Data["prompt"].(string)
		t.Record(res, prompt)
	}
	for _, topic := range []bus.Topic{bus.TopicRequestCompleted, bus.TopicRequestDegraded} {
		t.subs = append(t.subs, events.Subscribe(topic, core.PriorityBackground, handler))
	}
}

// Detach removes the bus subscriptions.
func (t *Tracker) Detach() {
	for _, s := range t.subs {
		if s.Unsubscribe != nil {
			s.Unsubscribe()
		}
	}
	t.subs = nil
}

// Record adds one terminal result. prompt is the caller text used for the
// prompt-token estimate; empty is fine.
func (t *Tracker) Record(res *core.Result, prompt string) {
	if !t.enabled || res == nil {
		return
	}
	name := res.Provider
	if name == "" {
		name = "local"
	}

	promptTokens := t.estimate(prompt)
	completionTokens := t.estimate(res.Content)

	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.byProv[name]
	if !ok {
		u = &ProviderUsage{Provider: name}
		t.byProv[name] = u
	}
	u.Requests++
	if res.Degraded {
		u.Degraded++
	}
	u.PromptTokens += int64(promptTokens)
	u.CompletionTokens += int64(completionTokens)
	u.TotalLatency += res.Latency
	u.LastRequest = res.FinishedAt
	if u.Requests > 0 {
		u.AvgLatencyMs = (u.TotalLatency / time.Duration(u.Requests)).Milliseconds()
	}
}

// Snapshot copies the current aggregates, providers sorted by request count
// descending.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := Snapshot{Since: t.since}
	for _, u := range t.byProv {
		snap.Total += u.Requests
		snap.Degraded += u.Degraded
		snap.Providers = append(snap.Providers, *u)
	}
	sort.Slice(snap.Providers, func(i, j int) bool {
		return snap.Providers[i].Requests > snap.Providers[j].Requests
	})
	return snap
}

// Reset clears all aggregates.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byProv = make(map[string]*ProviderUsage)
	t.since = time.Now()
}

// estimate counts tokens with the cl100k codec, or approximates at 1.3
// tokens per word when the codec failed to load.
func (t *Tracker) estimate(text string) int {
	if text == "" {
		return 0
	}
	if t.codec != nil {
		if n, err := t.codec.Count(text); err == nil {
			return n
		}
	}
	words := 0
	inWord := false
	for _, r := range text {
		space := r == ' ' || r == '\t' || r == '\n' || r == '\r'
		if space {
			inWord = false
		} else if !inWord {
			words++
			inWord = true
		}
	}
	return int(float64(words) * 1.3)
}
