// Copyright 2026 The Reverie Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package provider

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/traylinx/reverie/internal/config"
)

// Registry holds the configured providers by name. Registration order is
// preserved; the selector uses it as the neutral baseline order.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]Provider
	order []string
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]Provider)}
}

// NewRegistryFromConfig builds HTTP providers for every config entry.
// Entries that fail to construct are skipped with a log line rather than
// failing startup; a gateway with one misconfigured upstream should still
// serve the others.
func NewRegistryFromConfig(cfgs []config.ProviderConfig) *Registry {
	r := NewRegistry()
	for _, pc := range cfgs {
		p, err := NewHTTPProvider(pc)
		if err != nil {
			log.Errorf("skipping provider %s: %v", pc.Name, err)
			continue
		}
		if err = r.Register(p); err != nil {
			log.Errorf("skipping provider %s: %v", pc.Name, err)
		}
	}
	return r
}

// Register adds a provider. Duplicate names are rejected.
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := p.Name()
	if name == "" {
		return fmt.Errorf("provider with empty name")
	}
	if _, dup := r.byID[name]; dup {
		return fmt.Errorf("duplicate provider %q", name)
	}
	r.byID[name] = p
	r.order = append(r.order, name)
	return nil
}

// Get returns the provider by name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[name]
	return p, ok
}

// Names returns the provider names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len reports the number of registered providers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
