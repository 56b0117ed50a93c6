package core

import (
	"fmt"
	"strings"
)

// Priority orders work across the queue, the event bus and the broadcast
// layer. Higher values are served first.
type Priority int8

const (
	PriorityBackground Priority = iota
	PriorityLow
	PriorityMedium
	PriorityHigh
)

// Priorities lists all tiers from highest to lowest, the order in which
// consumers scan them.
var Priorities = []Priority{PriorityHigh, PriorityMedium, PriorityLow, PriorityBackground}

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	default:
		return fmt.Sprintf("priority(%d)", int8(p))
	}
}

// Valid reports whether p is one of the four defined tiers.
func (p Priority) Valid() bool {
	return p >= PriorityBackground && p <= PriorityHigh
}

// ParsePriority maps a case-insensitive tier name to its Priority.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return PriorityHigh, nil
	case "medium", "normal", "":
		return PriorityMedium, nil
	case "low":
		return PriorityLow, nil
	case "background":
		return PriorityBackground, nil
	default:
		return PriorityMedium, fmt.Errorf("unknown priority %q", s)
	}
}

// MarshalJSON encodes the priority as its lowercase tier name.
func (p Priority) MarshalJSON() ([]byte, error) {
	return []byte(`"` + p.String() + `"`), nil
}

// UnmarshalJSON accepts a tier name; unknown names fail loudly so callers
// cannot silently downgrade a request.
func (p *Priority) UnmarshalJSON(data []byte) error {
	parsed, err := ParsePriority(strings.Trim(string(data), `"`))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
