// Copyright 2026 The Reverie Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package dispatch drains the priority queue with a bounded worker pool and
// walks each envelope down the ranked provider chain. Every admitted
// envelope ends in exactly one terminal result; when the whole chain fails
// the local synthesizer supplies a degraded one.
package dispatch

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/traylinx/reverie/internal/breaker"
	"github.com/traylinx/reverie/internal/bus"
	"github.com/traylinx/reverie/internal/core"
	"github.com/traylinx/reverie/internal/health"
	"github.com/traylinx/reverie/internal/provider"
)

// DefaultCallTimeout bounds a provider attempt when neither the provider nor
// the config overrides it.
const DefaultCallTimeout = 15 * time.Second

// Ranker supplies the ordered provider chain for a request. The selector
// implements it.
type Ranker interface {
	Rank(taskProfile string, callerState map[string]float64) []string
}

// Options tunes the executor.
type Options struct {
	// CallTimeout bounds each provider attempt; a provider's own Timeout
	// overrides it per call. Zero means DefaultCallTimeout.
	CallTimeout time.Duration

	// ProviderConcurrency caps in-flight calls per provider. Zero means 4.
	ProviderConcurrency int

	// MaxAttempts caps provider attempts per envelope. Zero means the full
	// ranked chain, one attempt each.
	MaxAttempts int
}

func (o Options) withDefaults() Options {
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	if o.ProviderConcurrency <= 0 {
		o.ProviderConcurrency = 4
	}
	return o
}

// Executor runs one envelope's full failover sequence. Execute never
// returns an error; exhaustion degrades to local synthesis instead.
type Executor struct {
	ranker    Ranker
	providers *provider.Registry
	breakers  *breaker.Set
	oracle    *health.Oracle
	synth     *provider.Synthesizer
	events    *bus.Bus
	opts      Options

	// limits serializes access per provider, not across providers. Entries
	// are created up front for every registered provider.
	limits map[string]*semaphore.Weighted
}

// NewExecutor wires the executor against its collaborators. events may be
// nil in tests.
func NewExecutor(ranker Ranker, providers *provider.Registry, breakers *breaker.Set, oracle *health.Oracle, events *bus.Bus, opts Options) *Executor {
	opts = opts.withDefaults()
	e := &Executor{
		ranker:    ranker,
		providers: providers,
		breakers:  breakers,
		oracle:    oracle,
		synth:     provider.NewSynthesizer(),
		events:    events,
		opts:      opts,
		limits:    make(map[string]*semaphore.Weighted),
	}
	for _, name := range providers.Names() {
		e.limits[name] = semaphore.NewWeighted(int64(opts.ProviderConcurrency))
	}
	return e
}

// Execute walks the ranked provider chain for env and returns its terminal
// result. Expired envelopes skip the chain entirely. The breaker is
// consulted before every attempt; a fast-fail does not count against the
// provider's health because no real call happened.
func (e *Executor) Execute(ctx context.Context, env *core.Envelope) *core.Result {
	started := time.Now()

	if env.Expired(started) {
		log.Debugf("envelope %s expired before dispatch, synthesizing", env.ID)
		return e.degrade(env, started)
	}

	ranked := e.ranker.Rank(env.TaskProfile, env.CallerState)
	attempts := len(ranked)
	if e.opts.MaxAttempts > 0 && e.opts.MaxAttempts < attempts {
		attempts = e.opts.MaxAttempts
	}
	if env.AttemptsRemaining > 0 && env.AttemptsRemaining < attempts {
		attempts = env.AttemptsRemaining
	}

	for _, name := range ranked[:attempts] {
		if ctx.Err() != nil {
			break
		}
		res, err := e.attempt(ctx, name, env)
		if err == nil {
			res.Latency = time.Since(started)
			e.publishTerminal(bus.TopicRequestCompleted, env, res)
			return res
		}
		if !errors.Is(err, breaker.ErrCircuitOpen) {
			log.Warnf("provider %s failed for envelope %s: %v", name, env.ID, err)
		}
	}

	return e.degrade(env, started)
}

// attempt runs a single provider call through its breaker and semaphore and
// records the outcome. The returned result is non-nil iff err is nil.
func (e *Executor) attempt(ctx context.Context, name string, env *core.Envelope) (*core.Result, error) {
	p, ok := e.providers.Get(name)
	if !ok {
		// Ranked name without a registered provider; selector and registry
		// disagree only transiently during reload.
		return nil, errors.New("provider not registered")
	}

	limit := e.limits[name]
	if limit != nil {
		if err := limit.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer limit.Release(1)
	}

	timeout := e.opts.CallTimeout
	if t := p.Timeout(); t > 0 {
		timeout = t
	}

	var res *core.Result
	callStart := time.Now()
	err := e.breakers.Get(name).Execute(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		var callErr error
		res, callErr = p.Call(callCtx, env)
		return callErr
	})

	if errors.Is(err, breaker.ErrCircuitOpen) {
		// No network attempt happened; the oracle must not see it.
		return nil, err
	}

	e.oracle.RecordOutcome(name, time.Since(callStart), err == nil)

	if err != nil {
		if e.events != nil {
			e.events.PublishAsync(bus.NewEvent(bus.TopicProviderCallFailed).
				WithProvider(name).
				WithEnvelope(env.ID).
				WithError(err).
				Set("timeout", provider.IsTimeout(err)).
				Set("status", provider.StatusCode(err)))
		}
		return nil, err
	}
	return res, nil
}

func (e *Executor) degrade(env *core.Envelope, started time.Time) *core.Result {
	res := e.synth.Synthesize(env)
	res.Latency = time.Since(started)
	e.publishTerminal(bus.TopicRequestDegraded, env, res)
	return res
}

func (e *Executor) publishTerminal(topic bus.Topic, env *core.Envelope, res *core.Result) {
	if e.events == nil {
		return
	}
	e.events.Publish(bus.NewEvent(topic).
		WithProvider(res.Provider).
		WithEnvelope(env.ID).
		Set("priority", env.Priority.String()).
		Set("task_profile", env.TaskProfile).
		Set("degraded", res.Degraded).
		Set("latency_ms", res.Latency.Milliseconds()).
		Set("result", res))
}
