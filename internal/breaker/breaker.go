// Package breaker isolates failing providers with per-provider circuit
// breakers. A breaker opens after a run of consecutive failures, fast-fails
// callers in O(1) while open, and probes the provider with a single trial
// call once the cooldown elapses. Repeated failed trials double the cooldown
// up to a cap.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/traylinx/reverie/internal/bus"
)

// ErrCircuitOpen is returned without invoking the protected call while the
// circuit is open or a half-open trial is already in flight.
var ErrCircuitOpen = errors.New("circuit breaker open")

// State represents the current circuit state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds the circuit breaker tunables.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int

	// Cooldown is the initial open-state hold before a half-open trial.
	Cooldown time.Duration

	// MaxCooldown caps the exponential cooldown growth.
	MaxCooldown time.Duration
}

// DefaultConfig returns the documented breaker defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		MaxCooldown:      5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.MaxCooldown < c.Cooldown {
		c.MaxCooldown = d.MaxCooldown
	}
	return c
}

// Stats is a point-in-time copy of a breaker's bookkeeping.
type Stats struct {
	Provider            string        `json:"provider"`
	State               string        `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Cooldown            time.Duration `json:"cooldown"`
	OpenedAt            time.Time     `json:"opened_at,omitempty"`
	Transitions         int64         `json:"transitions"`
	LastTransition      time.Time     `json:"last_transition,omitempty"`
}

// Breaker guards a single provider.
type Breaker struct {
	provider string
	config   Config
	events   *bus.Bus

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	cooldown            time.Duration
	openedAt            time.Time
	trialInFlight       bool
	transitions         int64
	lastTransition      time.Time
}

// New creates a closed breaker for the provider. events may be nil when no
// transition notifications are wanted.
func New(provider string, config Config, events *bus.Bus) *Breaker {
	cfg := config.withDefaults()
	return &Breaker{
		provider: provider,
		config:   cfg,
		events:   events,
		state:    StateClosed,
		cooldown: cfg.Cooldown,
	}
}

// Execute runs fn under the breaker's protection. While the circuit is open
// and cooling down, or a half-open trial is already in flight, it returns
// ErrCircuitOpen without invoking fn.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := fn(ctx)
	b.settle(err)
	return err
}

// admit decides whether a call may proceed, taking the half-open trial slot
// when the cooldown has elapsed.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(b.openedAt) < b.cooldown {
			return ErrCircuitOpen
		}
		b.transitionLocked(StateHalfOpen)
		b.trialInFlight = true
		return nil
	case StateHalfOpen:
		if b.trialInFlight {
			return ErrCircuitOpen
		}
		b.trialInFlight = true
		return nil
	}
	return nil
}

// settle folds the protected call's outcome back into the breaker.
func (b *Breaker) settle(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		if err == nil {
			b.consecutiveFailures = 0
			return
		}
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.openLocked()
		}
	case StateHalfOpen:
		b.trialInFlight = false
		if err == nil {
			// Provider recovered: close and forget the penalty cooldown.
			b.consecutiveFailures = 0
			b.cooldown = b.config.Cooldown
			b.transitionLocked(StateClosed)
			return
		}
		// Failed trial: reopen with a doubled cooldown.
		b.cooldown *= 2
		if b.cooldown > b.config.MaxCooldown {
			b.cooldown = b.config.MaxCooldown
		}
		b.openLocked()
	case StateOpen:
		// A call admitted before the circuit opened settled late. Its
		// outcome already counted; nothing to do.
	}
}

func (b *Breaker) openLocked() {
	b.openedAt = time.Now()
	b.transitionLocked(StateOpen)
}

// transitionLocked moves the breaker to newState and emits the change.
// Callers must hold b.mu.
func (b *Breaker) transitionLocked(newState State) {
	if b.state == newState {
		return
	}
	oldState := b.state
	b.state = newState
	b.transitions++
	b.lastTransition = time.Now()

	log.WithFields(log.Fields{
		"provider": b.provider,
		"from":     oldState.String(),
		"to":       newState.String(),
		"cooldown": b.cooldown,
	}).Info("circuit breaker state changed")

	if b.events != nil {
		evt := bus.NewEvent(bus.TopicCircuitStateChanged).
			WithProvider(b.provider).
			Set("from", oldState.String()).
			Set("to", newState.String()).
			Set("cooldown_ms", b.cooldown.Milliseconds())
		// Async: breaker transitions must stay O(1) for callers even when
		// subscribers are slow.
		b.events.PublishAsync(evt)
	}
}

// State reports the current circuit state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a copy of the breaker's counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Provider:            b.provider,
		State:               b.state.String(),
		ConsecutiveFailures: b.consecutiveFailures,
		Cooldown:            b.cooldown,
		OpenedAt:            b.openedAt,
		Transitions:         b.transitions,
		LastTransition:      b.lastTransition,
	}
}

// Reset force-closes the breaker and restores the initial cooldown.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
	b.cooldown = b.config.Cooldown
	b.trialInFlight = false
	b.transitionLocked(StateClosed)
}

// Set manages one breaker per provider.
type Set struct {
	config Config
	events *bus.Bus

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewSet creates an empty breaker set sharing config and event bus.
func NewSet(config Config, events *bus.Bus) *Set {
	return &Set{
		config:   config.withDefaults(),
		events:   events,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the provider's breaker, creating it on first use. Breakers are
// independent: one provider tripping never affects another.
func (s *Set) Get(provider string) *Breaker {
	s.mu.RLock()
	b, ok := s.breakers[provider]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[provider]; ok {
		return b
	}
	b = New(provider, s.config, s.events)
	s.breakers[provider] = b
	return b
}

// Stats returns a copy of every breaker's counters.
func (s *Set) Stats() []Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Stats, 0, len(s.breakers))
	for _, b := range s.breakers {
		out = append(out, b.Stats())
	}
	return out
}

// Reset force-closes the provider's breaker if it exists.
func (s *Set) Reset(provider string) bool {
	s.mu.RLock()
	b, ok := s.breakers[provider]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	b.Reset()
	return true
}
