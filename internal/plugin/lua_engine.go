// Copyright 2026 The Reverie Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package plugin provides LUA-based extension points for provider ranking.
// Operators drop sandboxed scripts into the plugin directory to reorder the
// selector's ranked list, for example pinning a provider during business
// hours or demoting one during a migration.
package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-yaml"
	log "github.com/sirupsen/logrus"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// rerankFn is the global each script must define:
//
//	function rerank(task_profile, ranked, health) return ranked end
const rerankFn = "rerank"

// callTimeout bounds one script invocation.
const callTimeout = 200 * time.Millisecond

// Manifest describes one plugin alongside its script. A missing manifest
// loads the script enabled at order 100.
type Manifest struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Enabled     *bool  `yaml:"enabled"`
	// Order sequences plugins when several rerank; lower runs first.
	Order int `yaml:"order"`
}

type script struct {
	name  string
	order int
	proto *lua.FunctionProto
}

// LuaEngine compiles plugin scripts once and runs them on pooled sandboxed
// states. It implements the selector's Reranker interface.
type LuaEngine struct {
	pool      sync.Pool
	pluginDir string
	enabled   bool

	mu      sync.RWMutex
	scripts []*script
}

// NewLuaEngine builds the engine and loads scripts from the plugin
// directory. A disabled engine reranks nothing and costs nothing.
func NewLuaEngine(enabled bool, pluginDir string) *LuaEngine {
	e := &LuaEngine{pluginDir: pluginDir, enabled: enabled}
	if !enabled {
		return e
	}

	e.pool = sync.Pool{
		New: func() any {
			// Scripts only transform tables; the sandbox opens nothing that
			// can reach the filesystem, network or process.
			L := lua.NewState(lua.Options{SkipOpenLibs: true})
			lua.OpenBase(L)
			lua.OpenTable(L)
			lua.OpenString(L)
			lua.OpenMath(L)
			L.SetGlobal("dofile", lua.LNil)
			L.SetGlobal("loadfile", lua.LNil)
			L.SetGlobal("load", lua.LNil)
			return L
		},
	}

	if pluginDir != "" {
		if err := e.LoadPlugins(); err != nil {
			log.Warnf("plugin: load from %s: %v", pluginDir, err)
		}
	}
	return e
}

// Enabled reports whether the engine runs scripts at all.
func (e *LuaEngine) Enabled() bool { return e.enabled }

// LoadPlugins compiles every .lua file under the plugin directory, honoring
// sibling .yaml manifests. The previous script set is replaced atomically.
func (e *LuaEngine) LoadPlugins() error {
	entries, err := os.ReadDir(e.pluginDir)
	if err != nil {
		return fmt.Errorf("read plugin dir: %w", err)
	}

	var loaded []*script
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".lua") {
			continue
		}
		path := filepath.Join(e.pluginDir, entry.Name())
		s, loadErr := e.loadScript(path)
		if loadErr != nil {
			log.Errorf("plugin: %s: %v", entry.Name(), loadErr)
			continue
		}
		if s != nil {
			loaded = append(loaded, s)
		}
	}
	sort.SliceStable(loaded, func(i, j int) bool { return loaded[i].order < loaded[j].order })

	e.mu.Lock()
	e.scripts = loaded
	e.mu.Unlock()

	log.Infof("plugin: loaded %d rerank scripts", len(loaded))
	return nil
}

// loadScript compiles one script; nil when its manifest disables it.
func (e *LuaEngine) loadScript(path string) (*script, error) {
	m := Manifest{Order: 100}
	manifestPath := strings.TrimSuffix(path, ".lua") + ".yaml"
	if data, err := os.ReadFile(manifestPath); err == nil {
		if err = yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("manifest: %w", err)
		}
	}
	if m.Enabled != nil && !*m.Enabled {
		return nil, nil
	}
	if m.Name == "" {
		m.Name = strings.TrimSuffix(filepath.Base(path), ".lua")
	}

	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	proto, err := compile(string(src), path)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	return &script{name: m.Name, order: m.Order, proto: proto}, nil
}

func compile(source, name string) (*lua.FunctionProto, error) {
	reader := strings.NewReader(source)
	chunk, err := parse.Parse(reader, name)
	if err != nil {
		return nil, err
	}
	return lua.Compile(chunk, name)
}

// Rerank runs every loaded script over the ranked list in order. A script
// error or an invalid return falls back to the list as it stood before that
// script, so a broken plugin can never lose a provider.
func (e *LuaEngine) Rerank(taskProfile string, ranked []string, health map[string]float64) ([]string, error) {
	if !e.enabled {
		return ranked, nil
	}
	e.mu.RLock()
	scripts := e.scripts
	e.mu.RUnlock()
	if len(scripts) == 0 {
		return ranked, nil
	}

	current := ranked
	for _, s := range scripts {
		next, err := e.runOne(s, taskProfile, current, health)
		if err != nil {
			log.Warnf("plugin: %s: %v", s.name, err)
			continue
		}
		current = sanitize(next, current)
	}
	return current, nil
}

func (e *LuaEngine) runOne(s *script, taskProfile string, ranked []string, health map[string]float64) ([]string, error) {
	L := e.pool.Get().(*lua.LState)
	defer e.pool.Put(L)

	done := make(chan struct{})
	timer := time.AfterFunc(callTimeout, func() {
		select {
		case <-done:
		default:
			// Interrupts runaway scripts; the state is pooled again only
			// after the VM unwinds.
			L.RaiseError("rerank timeout")
		}
	})
	defer func() {
		close(done)
		timer.Stop()
	}()

	fn := L.NewFunctionFromProto(s.proto)
	L.Push(fn)
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		return nil, err
	}

	rerank := L.GetGlobal(rerankFn)
	if rerank.Type() != lua.LTFunction {
		return nil, fmt.Errorf("script defines no %s function", rerankFn)
	}

	rankedTbl := L.NewTable()
	for _, p := range ranked {
		rankedTbl.Append(lua.LString(p))
	}
	healthTbl := L.NewTable()
	for p, h := range health {
		L.SetField(healthTbl, p, lua.LNumber(h))
	}

	if err := L.CallByParam(lua.P{Fn: rerank, NRet: 1, Protect: true},
		lua.LString(taskProfile), rankedTbl, healthTbl); err != nil {
		return nil, err
	}
	ret := L.Get(-1)
	L.Pop(1)

	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("%s returned %s, want table", rerankFn, ret.Type())
	}
	var out []string
	tbl.ForEach(func(_, v lua.LValue) {
		if str, isStr := v.(lua.LString); isStr {
			out = append(out, string(str))
		}
	})
	return out, nil
}

// sanitize keeps only providers from the original list, deduplicated, and
// appends any the script dropped so the failover chain stays complete.
func sanitize(proposed, original []string) []string {
	known := make(map[string]bool, len(original))
	for _, p := range original {
		known[p] = true
	}
	seen := make(map[string]bool, len(original))
	out := make([]string, 0, len(original))
	for _, p := range proposed {
		if known[p] && !seen[p] {
			out = append(out, p)
			seen[p] = true
		}
	}
	for _, p := range original {
		if !seen[p] {
			out = append(out, p)
		}
	}
	return out
}
