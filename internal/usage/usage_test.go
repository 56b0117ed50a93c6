// Copyright 2026 The Reverie Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package usage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traylinx/reverie/internal/bus"
	"github.com/traylinx/reverie/internal/core"
)

func result(provider, content string, degraded bool, latency time.Duration) *core.Result {
	return &core.Result{
		EnvelopeID: "env",
		Provider:   provider,
		Content:    content,
		Degraded:   degraded,
		Latency:    latency,
		FinishedAt: time.Now(),
	}
}

func TestRecordAggregatesPerProvider(t *testing.T) {
	tr := NewTracker(true)
	tr.Record(result("openai", "one two three", false, 100*time.Millisecond), "hello there")
	tr.Record(result("openai", "four", false, 300*time.Millisecond), "")
	tr.Record(result("anthropic", "five", false, 50*time.Millisecond), "")

	snap := tr.Snapshot()
	require.Equal(t, int64(3), snap.Total)
	require.Len(t, snap.Providers, 2)

	// Sorted by request count descending.
	assert.Equal(t, "openai", snap.Providers[0].Provider)
	assert.Equal(t, int64(2), snap.Providers[0].Requests)
	assert.Equal(t, int64(200), snap.Providers[0].AvgLatencyMs)
	assert.Positive(t, snap.Providers[0].PromptTokens)
	assert.Positive(t, snap.Providers[0].CompletionTokens)
}

func TestDegradedResultsTrackedAsLocal(t *testing.T) {
	tr := NewTracker(true)
	tr.Record(result("", "synthesized", true, time.Millisecond), "")

	snap := tr.Snapshot()
	require.Equal(t, int64(1), snap.Degraded)
	require.Len(t, snap.Providers, 1)
	assert.Equal(t, "local", snap.Providers[0].Provider)
	assert.Equal(t, int64(1), snap.Providers[0].Degraded)
}

func TestDisabledTrackerDiscards(t *testing.T) {
	tr := NewTracker(false)
	tr.Record(result("openai", "ignored", false, time.Millisecond), "")

	snap := tr.Snapshot()
	assert.Zero(t, snap.Total)
	assert.Empty(t, snap.Providers)
}

func TestAttachConsumesTerminalEvents(t *testing.T) {
	events := bus.New()
	defer events.Shutdown()

	tr := NewTracker(true)
	tr.Attach(events)
	defer tr.Detach()

	events.Publish(bus.NewEvent(bus.TopicRequestCompleted).
		WithProvider("openai").
		Set("result", result("openai", "done", false, 10*time.Millisecond)).
		Set("prompt", "a question"))
	events.Publish(bus.NewEvent(bus.TopicRequestDegraded).
		Set("result", result("", "fallback", true, time.Millisecond)))

	snap := tr.Snapshot()
	assert.Equal(t, int64(2), snap.Total)
	assert.Equal(t, int64(1), snap.Degraded)
}

func TestResetClearsAggregates(t *testing.T) {
	tr := NewTracker(true)
	tr.Record(result("openai", "x", false, time.Millisecond), "")
	require.Equal(t, int64(1), tr.Snapshot().Total)

	tr.Reset()
	assert.Zero(t, tr.Snapshot().Total)
}

func TestEstimateFallsBackWithoutCodec(t *testing.T) {
	tr := &Tracker{enabled: true, byProv: make(map[string]*ProviderUsage)}
	got := tr.estimate("one two three four")
	// 4 words at 1.3 tokens per word.
	assert.Equal(t, 5, got)

	assert.Zero(t, tr.estimate(""))
}
