// Copyright 2026 The Reverie Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package metrics exposes the dispatch core's observable state in
// Prometheus format. Gauges are sampled from the live components at scrape
// time; counters accumulate from bus events.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/traylinx/reverie/internal/breaker"
	"github.com/traylinx/reverie/internal/bus"
	"github.com/traylinx/reverie/internal/core"
	"github.com/traylinx/reverie/internal/health"
	"github.com/traylinx/reverie/internal/queue"
	"github.com/traylinx/reverie/internal/relay"
)

// Metrics bundles the registry and the event-driven counters.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal      *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	circuitTransitions *prometheus.CounterVec
	providerFailures   *prometheus.CounterVec
	evictionsTotal     prometheus.Counter
	overflowsTotal     prometheus.Counter
	broadcastDrops     prometheus.Counter
}

// New builds the metric set and registers the sampled collector. Any of the
// component references may be nil; their gauges are skipped then.
func New(q *queue.Queue, oracle *health.Oracle, breakers *breaker.Set, conns *relay.Registry) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reverie_requests_total",
			Help: "Terminal request results by provider and outcome.",
		}, []string{"provider", "outcome"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reverie_request_latency_seconds",
			Help:    "End-to-end request latency from dispatch to terminal result.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		circuitTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reverie_circuit_transitions_total",
			Help: "Circuit breaker state transitions by provider and new state.",
		}, []string{"provider", "state"}),
		providerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reverie_provider_call_failures_total",
			Help: "Failed provider attempts by provider.",
		}, []string{"provider"}),
		evictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reverie_queue_evictions_total",
			Help: "Envelopes evicted by higher-priority admissions.",
		}),
		overflowsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reverie_queue_overflows_total",
			Help: "Envelopes rejected at admission because the queue was full.",
		}),
		broadcastDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reverie_broadcast_drops_total",
			Help: "Messages dropped by per-connection backpressure.",
		}),
	}

	m.registry.MustRegister(
		m.requestsTotal, m.requestLatency, m.circuitTransitions,
		m.providerFailures, m.evictionsTotal, m.overflowsTotal, m.broadcastDrops,
		&sampler{queue: q, oracle: oracle, breakers: breakers, conns: conns},
	)
	return m
}

// Attach subscribes the counters to bus events.
func (m *Metrics) Attach(events *bus.Bus) {
	events.Subscribe(bus.TopicRequestCompleted, core.PriorityBackground, func(evt *bus.Event) {
		m.observeTerminal(evt, "completed")
	})
	events.Subscribe(bus.TopicRequestDegraded, core.PriorityBackground, func(evt *bus.Event) {
		m.observeTerminal(evt, "degraded")
	})
	events.Subscribe(bus.TopicCircuitStateChanged, core.PriorityBackground, func(evt *bus.Event) {
		state, _ := evt.Data["to"].(string)
		m.circuitTransitions.WithLabelValues(evt.Provider, state).Inc()
	})
	events.Subscribe(bus.TopicProviderCallFailed, core.PriorityBackground, func(evt *bus.Event) {
		m.providerFailures.WithLabelValues(evt.Provider).Inc()
	})
	events.Subscribe(bus.TopicEnvelopeEvicted, core.PriorityBackground, func(*bus.Event) {
		m.evictionsTotal.Inc()
	})
	events.Subscribe(bus.TopicQueueOverflow, core.PriorityBackground, func(*bus.Event) {
		m.overflowsTotal.Inc()
	})
	events.Subscribe(bus.TopicBroadcastDropped, core.PriorityBackground, func(evt *bus.Event) {
		if n, ok := evt.Data["count"].(int); ok && n > 0 {
			m.broadcastDrops.Add(float64(n))
		} else {
			m.broadcastDrops.Inc()
		}
	})
}

func (m *Metrics) observeTerminal(evt *bus.Event, outcome string) {
	provider := evt.Provider
	if provider == "" {
		provider = "local"
	}
	m.requestsTotal.WithLabelValues(provider, outcome).Inc()
	if res, ok := evt.Data["result"].(*core.Result); ok {
		m.requestLatency.WithLabelValues(provider).Observe(res.Latency.Seconds())
	}
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

var (
	queueDepthDesc = prometheus.NewDesc("reverie_queue_depth",
		"Queued envelopes per priority tier.", []string{"tier"}, nil)
	healthScoreDesc = prometheus.NewDesc("reverie_provider_health_score",
		"Provider health score in [0,1].", []string{"provider"}, nil)
	circuitStateDesc = prometheus.NewDesc("reverie_circuit_state",
		"Circuit state per provider: 0 closed, 1 half-open, 2 open.", []string{"provider"}, nil)
	connectionsDesc = prometheus.NewDesc("reverie_relay_connections",
		"Live relay connections.", nil, nil)
	relaySentDesc = prometheus.NewDesc("reverie_relay_messages_sent_total",
		"Messages written to relay connections.", nil, nil)
)

// sampler reads component state at scrape time, keeping gauges exact
// without per-update bookkeeping.
type sampler struct {
	queue    *queue.Queue
	oracle   *health.Oracle
	breakers *breaker.Set
	conns    *relay.Registry
}

func (s *sampler) Describe(ch chan<- *prometheus.Desc) {
	ch <- queueDepthDesc
	ch <- healthScoreDesc
	ch <- circuitStateDesc
	ch <- connectionsDesc
	ch <- relaySentDesc
}

func (s *sampler) Collect(ch chan<- prometheus.Metric) {
	if s.queue != nil {
		for tier, depth := range s.queue.Depths() {
			ch <- prometheus.MustNewConstMetric(queueDepthDesc,
				prometheus.GaugeValue, float64(depth), tier.String())
		}
	}
	if s.oracle != nil {
		for _, p := range s.oracle.Snapshot() {
			ch <- prometheus.MustNewConstMetric(healthScoreDesc,
				prometheus.GaugeValue, p.Score, p.Provider)
		}
	}
	if s.breakers != nil {
		for _, st := range s.breakers.Stats() {
			var v float64
			switch st.State {
			case breaker.StateHalfOpen.String():
				v = 1
			case breaker.StateOpen.String():
				v = 2
			}
			ch <- prometheus.MustNewConstMetric(circuitStateDesc,
				prometheus.GaugeValue, v, st.Provider)
		}
	}
	if s.conns != nil {
		ch <- prometheus.MustNewConstMetric(connectionsDesc,
			prometheus.GaugeValue, float64(s.conns.Count()))
		sent, _ := s.conns.Stats()
		ch <- prometheus.MustNewConstMetric(relaySentDesc,
			prometheus.CounterValue, float64(sent))
	}
}
