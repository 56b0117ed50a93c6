// Copyright 2026 The Reverie Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package journal

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/traylinx/reverie/internal/bus"
	"github.com/traylinx/reverie/internal/core"
)

// writeTimeout bounds a single store append so a stuck backend cannot pile
// up writer goroutine work forever.
const writeTimeout = 5 * time.Second

// Writer subscribes to terminal-result bus events and persists them. It
// subscribes at BACKGROUND priority so metric and relay consumers run first
// within each publish.
type Writer struct {
	store Store
	subs  []*bus.Subscription
}

// NewWriter attaches a writer to the bus. Call Detach before closing the
// store.
func NewWriter(store Store, events *bus.Bus) *Writer {
	w := &Writer{store: store}
	for _, topic := range []bus.Topic{bus.TopicRequestCompleted, bus.TopicRequestDegraded} {
		w.subs = append(w.subs, events.Subscribe(topic, core.PriorityBackground, w.handle))
	}
	return w
}

func (w *Writer) handle(evt *bus.Event) {
	res, ok := evt.Data["result"].(*core.Result)
	if !ok {
		return
	}
	profile, _ := evt.Data["task_profile"].(string)
	priority, _ := evt.Data["priority"].(string)

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	err := w.store.Append(ctx, Entry{
		EnvelopeID:  res.EnvelopeID,
		Provider:    res.Provider,
		TaskProfile: profile,
		Priority:    priority,
		Content:     res.Content,
		Degraded:    res.Degraded,
		Latency:     res.Latency,
		CreatedAt:   res.FinishedAt,
	})
	if err != nil {
		log.Errorf("journal: %v", err)
	}
}

// Detach removes the bus subscriptions.
func (w *Writer) Detach() {
	for _, s := range w.subs {
		if s.Unsubscribe != nil {
			s.Unsubscribe()
		}
	}
	w.subs = nil
}
