// Copyright 2026 The Reverie Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package hooks evaluates YAML automation rules against bus events. A rule
// names a topic, an optional expr condition over the event, and an action:
// log, call a webhook, run a command, bias the selector, or reset a
// breaker or health profile.
package hooks

import (
	"github.com/traylinx/reverie/internal/bus"
)

// Action names a built-in action handler.
type Action string

const (
	ActionLogWarning     Action = "log_warning"
	ActionNotifyWebhook  Action = "notify_webhook"
	ActionRunCommand     Action = "run_command"
	ActionPreferProvider Action = "prefer_provider"
	ActionResetBreaker   Action = "reset_breaker"
	ActionResetHealth    Action = "reset_health"
)

// Hook is a single automation rule loaded from a YAML file.
type Hook struct {
	ID          string         `yaml:"id" json:"id"`
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description" json:"description"`
	Event       bus.Topic      `yaml:"event" json:"event"`
	Condition   string         `yaml:"condition" json:"condition"`
	Action      Action         `yaml:"action" json:"action"`
	Params      map[string]any `yaml:"params" json:"params"`
	Enabled     bool           `yaml:"enabled" json:"enabled"`

	// FilePath is the source file, not part of the YAML.
	FilePath string `yaml:"-" json:"-"`
}

// ActionHandler executes one hook against the event that triggered it.
type ActionHandler func(hook *Hook, evt *bus.Event) error

// ProviderBiaser adjusts selector ranking. The selector implements it.
type ProviderBiaser interface {
	SetBias(provider string, factor float64)
}

// BreakerResetter force-closes a provider's circuit. The breaker set
// implements it.
type BreakerResetter interface {
	Reset(provider string) bool
}

// HealthResetter clears a provider's health profile. The oracle implements it.
type HealthResetter interface {
	Reset(provider string)
}
