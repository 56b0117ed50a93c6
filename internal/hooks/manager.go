// Copyright 2026 The Reverie Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package hooks

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/traylinx/reverie/internal/bus"
	"github.com/traylinx/reverie/internal/core"
)

// watchedTopics is every bus topic rules may bind to. The manager holds one
// LOW-priority subscription per topic regardless of loaded rules, so a
// reload never has to touch subscriptions.
var watchedTopics = []bus.Topic{
	bus.TopicRequestCompleted,
	bus.TopicRequestDegraded,
	bus.TopicEnvelopeEvicted,
	bus.TopicQueueOverflow,
	bus.TopicCircuitStateChanged,
	bus.TopicProviderCallFailed,
	bus.TopicBroadcastDropped,
}

// Manager loads rules from a directory of YAML files and runs matching
// actions when bus events arrive.
type Manager struct {
	hooksDir       string
	events         *bus.Bus
	hooks          map[bus.Topic][]*Hook
	programs       map[string]*vm.Program
	actionHandlers map[Action]ActionHandler
	mu             sync.RWMutex

	subs        []*bus.Subscription
	watcher     *fsnotify.Watcher
	stopWatcher chan struct{}
	stopOnce    sync.Once
}

// NewManager creates a manager bound to the bus and registers the built-in
// actions. Collaborator-backed actions (prefer_provider, reset_breaker,
// reset_health) activate only after their setters are called.
func NewManager(hooksDir string, events *bus.Bus) *Manager {
	m := &Manager{
		hooksDir:       hooksDir,
		events:         events,
		hooks:          make(map[bus.Topic][]*Hook),
		programs:       make(map[string]*vm.Program),
		actionHandlers: make(map[Action]ActionHandler),
		stopWatcher:    make(chan struct{}),
	}
	registerBuiltInActions(m)
	return m
}

// Start loads the rules and subscribes to the bus.
func (m *Manager) Start() error {
	if err := m.Load(); err != nil {
		return err
	}
	for _, topic := range watchedTopics {
		m.subs = append(m.subs, m.events.Subscribe(topic, core.PriorityLow, m.handleEvent))
	}
	return nil
}

// Load reads every .yaml/.yml rule file under the hooks directory,
// replacing the active rule set. Unparseable files are logged and skipped.
func (m *Manager) Load() error {
	if _, err := os.Stat(m.hooksDir); os.IsNotExist(err) {
		if err = os.MkdirAll(m.hooksDir, 0o755); err != nil {
			return fmt.Errorf("create hooks directory: %w", err)
		}
	}

	loaded := make(map[bus.Topic][]*Hook)
	count := 0
	err := filepath.Walk(m.hooksDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || (!strings.HasSuffix(path, ".yaml") && !strings.HasSuffix(path, ".yml")) {
			return nil
		}
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			log.Errorf("hooks: read %s: %v", path, readErr)
			return nil
		}
		var h Hook
		if parseErr := yaml.Unmarshal(data, &h); parseErr != nil {
			log.Errorf("hooks: parse %s: %v", path, parseErr)
			return nil
		}
		h.FilePath = path
		if h.Enabled {
			loaded[h.Event] = append(loaded[h.Event], &h)
			count++
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.hooks = loaded
	m.programs = make(map[string]*vm.Program)
	m.mu.Unlock()

	log.Infof("hooks: loaded %d rules across %d topics", count, len(loaded))
	return nil
}

func (m *Manager) handleEvent(evt *bus.Event) {
	m.mu.RLock()
	rules := m.hooks[evt.Topic]
	m.mu.RUnlock()

	for _, h := range rules {
		matches, err := m.evaluate(h.Condition, evt)
		if err != nil {
			log.Warnf("hooks: condition %q: %v", h.Condition, err)
			continue
		}
		if !matches {
			continue
		}
		log.Infof("hooks: executing %s (%s)", h.Name, h.Action)
		// Actions run detached so a slow webhook never stalls bus dispatch.
		go m.execute(h, evt)
	}
}

// evaluate compiles the condition once and runs it against a flat view of
// the event. Empty conditions always match.
func (m *Manager) evaluate(condition string, evt *bus.Event) (bool, error) {
	if condition == "" || condition == "true" {
		return true, nil
	}

	m.mu.Lock()
	program, ok := m.programs[condition]
	if !ok {
		var err error
		program, err = expr.Compile(condition)
		if err != nil {
			m.mu.Unlock()
			return false, err
		}
		m.programs[condition] = program
	}
	m.mu.Unlock()

	env := map[string]any{
		"event":       string(evt.Topic),
		"timestamp":   evt.Timestamp,
		"provider":    evt.Provider,
		"envelope_id": evt.EnvelopeID,
		"error":       evt.ErrorMessage,
		"data":        evt.Data,
	}

	out, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}
	result, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition did not return a boolean")
	}
	return result, nil
}

func (m *Manager) execute(h *Hook, evt *bus.Event) {
	m.mu.RLock()
	handler, ok := m.actionHandlers[h.Action]
	m.mu.RUnlock()
	if !ok {
		log.Warnf("hooks: no handler for action %q", h.Action)
		return
	}
	if err := handler(h, evt); err != nil {
		log.Errorf("hooks: action %s for %s: %v", h.Action, h.Name, err)
	}
}

// RegisterAction installs or replaces the handler for an action name.
func (m *Manager) RegisterAction(action Action, handler ActionHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actionHandlers[action] = handler
}

// StartWatcher hot-reloads rules when the hooks directory changes.
func (m *Manager) StartWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err = watcher.Add(m.hooksDir); err != nil {
		_ = watcher.Close()
		return err
	}
	m.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					log.Infof("hooks: directory changed (%s), reloading", event.Name)
					// Editors write in bursts; give the last write a moment.
					time.Sleep(100 * time.Millisecond)
					if err := m.Load(); err != nil {
						log.Errorf("hooks: reload: %v", err)
					}
				}
			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Errorf("hooks: watcher: %v", watchErr)
			case <-m.stopWatcher:
				return
			}
		}
	}()
	return nil
}

// Stop unsubscribes from the bus and stops the watcher.
func (m *Manager) Stop() {
	for _, s := range m.subs {
		if s.Unsubscribe != nil {
			s.Unsubscribe()
		}
	}
	m.subs = nil
	m.stopOnce.Do(func() { close(m.stopWatcher) })
	if m.watcher != nil {
		_ = m.watcher.Close()
	}
}

// Hooks returns all loaded rules flattened.
func (m *Manager) Hooks() []*Hook {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Hook, 0)
	for _, rules := range m.hooks {
		out = append(out, rules...)
	}
	return out
}

// HooksDir returns the rule directory path.
func (m *Manager) HooksDir() string {
	return m.hooksDir
}

// EvaluateCondition exposes condition evaluation for tests.
func (m *Manager) EvaluateCondition(h *Hook, evt *bus.Event) (bool, error) {
	return m.evaluate(h.Condition, evt)
}
