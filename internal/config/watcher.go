// Copyright 2026 The Reverie Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// reloadDebounce coalesces the write bursts editors and atomic-save tools
// produce into a single reload.
const reloadDebounce = 300 * time.Millisecond

// Watcher reloads the config file on change and hands the parsed result to a
// callback. Reload failures keep the previous config and are logged.
type Watcher struct {
	configFile string
	onReload   func(*Config)

	fsw  *fsnotify.Watcher
	stop chan struct{}
	once sync.Once

	mu      sync.Mutex
	pending *time.Timer
}

// NewWatcher starts watching configFile. The callback runs on the watcher
// goroutine; it must not block for long.
func NewWatcher(configFile string, onReload func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory rather than the file: rename-and-replace saves
	// would otherwise detach the watch.
	if err := fsw.Add(filepath.Dir(configFile)); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	w := &Watcher{
		configFile: configFile,
		onReload:   onReload,
		fsw:        fsw,
		stop:       make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	target := filepath.Clean(w.configFile)
	for {
		select {
		case <-w.stop:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warnf("config: watcher error: %v", err)
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(reloadDebounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := LoadConfig(w.configFile)
	if err != nil {
		log.Errorf("config: reload failed, keeping previous config: %v", err)
		return
	}
	log.Infof("config: reloaded %s", w.configFile)
	if w.onReload != nil {
		w.onReload(cfg)
	}
}

// Stop terminates the watcher. Safe to call more than once.
func (w *Watcher) Stop() error {
	var err error
	w.once.Do(func() {
		close(w.stop)
		w.mu.Lock()
		if w.pending != nil {
			w.pending.Stop()
		}
		w.mu.Unlock()
		err = w.fsw.Close()
	})
	return err
}
