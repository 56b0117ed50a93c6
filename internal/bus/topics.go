package bus

import (
	"time"
)

// Topic names an event stream on the bus.
type Topic string

const (
	// TopicRequestCompleted fires when a provider returned a usable response.
	TopicRequestCompleted Topic = "request_completed"

	// TopicRequestDegraded fires when all providers were exhausted and a
	// locally synthesized response was returned instead.
	TopicRequestDegraded Topic = "request_degraded"

	// TopicEnvelopeEvicted fires when an admitted envelope was pushed out of
	// the queue by a higher-priority admission.
	TopicEnvelopeEvicted Topic = "envelope_evicted"

	// TopicQueueOverflow fires when an envelope was rejected at admission.
	TopicQueueOverflow Topic = "queue_overflow"

	// TopicCircuitStateChanged fires on every circuit breaker transition.
	TopicCircuitStateChanged Topic = "circuit_state_changed"

	// TopicProviderCallFailed fires when an individual provider attempt failed.
	TopicProviderCallFailed Topic = "provider_call_failed"

	// TopicBroadcastDropped fires when a connection's backpressure limit
	// forced a message drop.
	TopicBroadcastDropped Topic = "broadcast_dropped"
)

// Event is the payload handed to subscribers. Data carries topic-specific
// fields; the named fields cover what nearly every consumer wants without
// digging through the map.
type Event struct {
	Topic        Topic          `json:"topic"`
	Timestamp    time.Time      `json:"timestamp"`
	Data         map[string]any `json:"data,omitempty"`
	Provider     string         `json:"provider,omitempty"`
	EnvelopeID   string         `json:"envelope_id,omitempty"`
	Error        error          `json:"-"`
	ErrorMessage string         `json:"error,omitempty"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(topic Topic) *Event {
	return &Event{
		Topic:     topic,
		Timestamp: time.Now(),
		Data:      make(map[string]any),
	}
}

// WithProvider sets the provider field and returns the event for chaining.
func (e *Event) WithProvider(provider string) *Event {
	e.Provider = provider
	return e
}

// WithEnvelope sets the envelope id field and returns the event for chaining.
func (e *Event) WithEnvelope(id string) *Event {
	e.EnvelopeID = id
	return e
}

// WithError records err and its message for JSON consumers.
func (e *Event) WithError(err error) *Event {
	e.Error = err
	if err != nil {
		e.ErrorMessage = err.Error()
	}
	return e
}

// Set stores a topic-specific field and returns the event for chaining.
func (e *Event) Set(key string, value any) *Event {
	if e.Data == nil {
		e.Data = make(map[string]any)
	}
	e.Data[key] = value
	return e
}
