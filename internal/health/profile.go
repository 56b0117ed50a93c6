package health

import (
	"sort"
	"time"
)

// sample is one observed provider call.
type sample struct {
	latency time.Duration
	success bool
}

// Profile is a point-in-time copy of a provider's health bookkeeping,
// safe to hand out without further locking.
type Profile struct {
	// Provider is the unique identifier for this provider.
	Provider string `json:"provider"`

	// DisplayName is the human-facing provider name.
	DisplayName string `json:"display_name"`

	// TotalRequests is the total number of recorded outcomes.
	TotalRequests int64 `json:"total_requests"`

	// SuccessCount is the number of successful calls.
	SuccessCount int64 `json:"success_count"`

	// FailureCount is the number of failed calls.
	FailureCount int64 `json:"failure_count"`

	// Score is the current health score in [0,1].
	Score float64 `json:"score"`

	// WindowSize is how many recent outcomes are currently held.
	WindowSize int `json:"window_size"`

	// RecentLatency is the mean latency across the window.
	RecentLatency time.Duration `json:"recent_latency"`

	// LastSuccess and LastFailure are the most recent outcome timestamps.
	LastSuccess time.Time `json:"last_success,omitempty"`
	LastFailure time.Time `json:"last_failure,omitempty"`

	// LastEvaluated records when the score was last recomputed, by an
	// outcome or by the decay sweep.
	LastEvaluated time.Time `json:"last_evaluated"`
}

// profile is the mutable per-provider record owned by the oracle.
type profile struct {
	provider    string
	displayName string

	// window is a fixed-size ring of the most recent samples.
	window []sample
	head   int
	filled int

	totalRequests int64
	successCount  int64
	failureCount  int64

	score         float64
	lastSuccess   time.Time
	lastFailure   time.Time
	lastRecorded  time.Time
	lastEvaluated time.Time
}

func newProfile(provider, displayName string, windowSize int, neutral float64) *profile {
	return &profile{
		provider:      provider,
		displayName:   displayName,
		window:        make([]sample, windowSize),
		score:         neutral,
		lastEvaluated: time.Now(),
	}
}

func (p *profile) record(s sample) {
	p.window[p.head] = s
	p.head = (p.head + 1) % len(p.window)
	if p.filled < len(p.window) {
		p.filled++
	}
}

// successRatio returns the fraction of successful samples in the window.
func (p *profile) successRatio() float64 {
	if p.filled == 0 {
		return 1.0
	}
	ok := 0
	for i := 0; i < p.filled; i++ {
		if p.window[i].success {
			ok++
		}
	}
	return float64(ok) / float64(p.filled)
}

// latencyPercentile returns the q-quantile (0..1) of window latencies.
func (p *profile) latencyPercentile(q float64) time.Duration {
	if p.filled == 0 {
		return 0
	}
	scratch := make([]time.Duration, p.filled)
	for i := 0; i < p.filled; i++ {
		scratch[i] = p.window[i].latency
	}
	sort.Slice(scratch, func(i, j int) bool { return scratch[i] < scratch[j] })
	idx := int(q * float64(p.filled-1))
	return scratch[idx]
}

// meanLatency returns the average latency across the window.
func (p *profile) meanLatency() time.Duration {
	if p.filled == 0 {
		return 0
	}
	var total time.Duration
	for i := 0; i < p.filled; i++ {
		total += p.window[i].latency
	}
	return total / time.Duration(p.filled)
}

func (p *profile) snapshot() Profile {
	return Profile{
		Provider:      p.provider,
		DisplayName:   p.displayName,
		TotalRequests: p.totalRequests,
		SuccessCount:  p.successCount,
		FailureCount:  p.failureCount,
		Score:         p.score,
		WindowSize:    p.filled,
		RecentLatency: p.meanLatency(),
		LastSuccess:   p.lastSuccess,
		LastFailure:   p.lastFailure,
		LastEvaluated: p.lastEvaluated,
	}
}
