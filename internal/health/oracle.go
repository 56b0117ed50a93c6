// Package health maintains per-provider health profiles from observed call
// outcomes. Scores blend windowed success ratio with a latency factor that
// decays exponentially once the tail latency exceeds the configured target.
// The oracle never fails: unknown providers report the neutral score.
package health

import (
	"context"
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Options tunes the oracle. Zero values fall back to the documented defaults.
type Options struct {
	// WindowSize is the number of recent outcomes retained per provider.
	WindowSize int

	// TargetLatency is the latency providers should stay under.
	TargetLatency time.Duration

	// NeutralScore is reported for providers with no observations.
	NeutralScore float64

	// SweepInterval is the cadence of the background decay sweep.
	SweepInterval time.Duration

	// DecayFactor moves stale scores toward neutral per sweep, 0..1.
	DecayFactor float64

	// SuccessWeight and LatencyWeight blend the score components.
	SuccessWeight float64
	LatencyWeight float64
}

// DefaultOptions returns the documented oracle defaults.
func DefaultOptions() Options {
	return Options{
		WindowSize:    50,
		TargetLatency: 2500 * time.Millisecond,
		NeutralScore:  0.7,
		SweepInterval: 30 * time.Second,
		DecayFactor:   0.2,
		SuccessWeight: 0.6,
		LatencyWeight: 0.4,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.WindowSize <= 0 {
		o.WindowSize = d.WindowSize
	}
	if o.TargetLatency <= 0 {
		o.TargetLatency = d.TargetLatency
	}
	if o.NeutralScore <= 0 || o.NeutralScore > 1 {
		o.NeutralScore = d.NeutralScore
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = d.SweepInterval
	}
	if o.DecayFactor < 0 || o.DecayFactor > 1 {
		o.DecayFactor = d.DecayFactor
	}
	if o.SuccessWeight <= 0 {
		o.SuccessWeight = d.SuccessWeight
		o.LatencyWeight = d.LatencyWeight
	}
	return o
}

// Oracle tracks provider health with thread-safe access.
type Oracle struct {
	opts Options

	mu       sync.RWMutex
	profiles map[string]*profile

	stopOnce sync.Once
	stop     chan struct{}
}

// NewOracle creates an oracle; Start launches its decay sweep.
func NewOracle(opts Options) *Oracle {
	return &Oracle{
		opts:     opts.withDefaults(),
		profiles: make(map[string]*profile),
		stop:     make(chan struct{}),
	}
}

// Track registers a provider so it appears in snapshots before its first
// call. Re-tracking an existing provider only refreshes the display name.
func (o *Oracle) Track(provider, displayName string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if p, ok := o.profiles[provider]; ok {
		if displayName != "" {
			p.displayName = displayName
		}
		return
	}
	if displayName == "" {
		displayName = provider
	}
	o.profiles[provider] = newProfile(provider, displayName, o.opts.WindowSize, o.opts.NeutralScore)
}

// RecordOutcome folds one observed call into the provider's profile and
// recomputes its score. Unknown providers are created on first use.
func (o *Oracle) RecordOutcome(provider string, latency time.Duration, success bool) {
	now := time.Now()

	o.mu.Lock()
	defer o.mu.Unlock()

	p, ok := o.profiles[provider]
	if !ok {
		p = newProfile(provider, provider, o.opts.WindowSize, o.opts.NeutralScore)
		o.profiles[provider] = p
	}

	p.record(sample{latency: latency, success: success})
	p.totalRequests++
	if success {
		p.successCount++
		p.lastSuccess = now
	} else {
		p.failureCount++
		p.lastFailure = now
	}
	p.lastRecorded = now
	p.score = o.computeScore(p)
	p.lastEvaluated = now
}

// computeScore blends windowed success ratio with the latency factor.
// Callers must hold o.mu.
func (o *Oracle) computeScore(p *profile) float64 {
	if p.filled == 0 {
		return o.opts.NeutralScore
	}

	ratio := p.successRatio()

	latencyFactor := 1.0
	p95 := p.latencyPercentile(0.95)
	if p95 > o.opts.TargetLatency {
		over := float64(p95)/float64(o.opts.TargetLatency) - 1
		latencyFactor = math.Exp(-over)
	}

	score := o.opts.SuccessWeight*ratio + o.opts.LatencyWeight*latencyFactor
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// Health reports the provider's current score. Providers without a profile
// report the neutral score; this method never fails.
func (o *Oracle) Health(provider string) float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if p, ok := o.profiles[provider]; ok {
		return p.score
	}
	return o.opts.NeutralScore
}

// RecentLatency reports the provider's mean window latency, zero when unknown.
func (o *Oracle) RecentLatency(provider string) time.Duration {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if p, ok := o.profiles[provider]; ok {
		return p.meanLatency()
	}
	return 0
}

// Snapshot returns copies of every profile, ordered map-free for callers
// that marshal it directly.
func (o *Oracle) Snapshot() []Profile {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Profile, 0, len(o.profiles))
	for _, p := range o.profiles {
		out = append(out, p.snapshot())
	}
	return out
}

// SnapshotFor returns one provider's profile copy.
func (o *Oracle) SnapshotFor(provider string) (Profile, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.profiles[provider]
	if !ok {
		return Profile{}, false
	}
	return p.snapshot(), true
}

// Reset clears a provider's history and restores the neutral score. Profiles
// are never deleted outside this explicit call, and even then the provider
// stays tracked.
func (o *Oracle) Reset(provider string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if p, ok := o.profiles[provider]; ok {
		o.profiles[provider] = newProfile(provider, p.displayName, o.opts.WindowSize, o.opts.NeutralScore)
	}
}

// Start launches the background decay sweep. It returns immediately; the
// sweep stops when ctx ends or Stop is called.
func (o *Oracle) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(o.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-o.stop:
				return
			case <-ticker.C:
				o.sweep(time.Now())
			}
		}
	}()
}

// Stop terminates the decay sweep. Safe to call more than once.
func (o *Oracle) Stop() {
	o.stopOnce.Do(func() { close(o.stop) })
}

// sweep decays stale scores toward neutral so providers that stopped
// receiving traffic drift back to a state worth retrying.
func (o *Oracle) sweep(now time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, p := range o.profiles {
		stale := p.lastRecorded.IsZero() || now.Sub(p.lastRecorded) >= o.opts.SweepInterval
		if !stale {
			p.lastEvaluated = now
			continue
		}
		old := p.score
		p.score += (o.opts.NeutralScore - p.score) * o.opts.DecayFactor
		p.lastEvaluated = now
		if old != p.score {
			log.Debugf("health: decayed %s score %.3f -> %.3f", p.provider, old, p.score)
		}
	}
}
