// Copyright 2026 The Reverie Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package main provides the entry point for the Reverie server: the
// multi-provider dispatch core with priority queueing, circuit breaking,
// guaranteed fallback synthesis and live fan-out to websocket clients.
package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/reverie/internal/api"
	"github.com/traylinx/reverie/internal/breaker"
	"github.com/traylinx/reverie/internal/buildinfo"
	"github.com/traylinx/reverie/internal/bus"
	"github.com/traylinx/reverie/internal/config"
	"github.com/traylinx/reverie/internal/core"
	"github.com/traylinx/reverie/internal/dispatch"
	"github.com/traylinx/reverie/internal/health"
	"github.com/traylinx/reverie/internal/hooks"
	"github.com/traylinx/reverie/internal/journal"
	"github.com/traylinx/reverie/internal/logging"
	"github.com/traylinx/reverie/internal/metrics"
	"github.com/traylinx/reverie/internal/plugin"
	"github.com/traylinx/reverie/internal/provider"
	"github.com/traylinx/reverie/internal/queue"
	"github.com/traylinx/reverie/internal/relay"
	"github.com/traylinx/reverie/internal/selector"
	"github.com/traylinx/reverie/internal/usage"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	var (
		configPath  = flag.String("config", "config.yaml", "path to the YAML configuration file")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("reverie %s (%s, built %s)\n", Version, Commit, BuildDate)
		return
	}

	if err := godotenv.Load(); err == nil {
		log.Debug("loaded environment from .env")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	if err = logging.ConfigureLogOutput(cfg.LoggingToFile, cfg.LogsDir, cfg.LogsMaxTotalSizeMB); err != nil {
		log.Fatalf("configure logging: %v", err)
	}
	if len(cfg.Providers) == 0 {
		log.Fatal("no providers configured")
	}

	log.Infof("reverie %s starting with %d providers", Version, len(cfg.Providers))
	run(cfg, *configPath)
}

func run(cfg *config.Config, configPath string) {
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	events := bus.New()
	defer events.Shutdown()

	providers := provider.NewRegistryFromConfig(cfg.Providers)
	if providers.Len() == 0 {
		log.Fatal("no usable providers after sanitization")
	}

	oracle := health.NewOracle(health.Options{
		WindowSize:    cfg.Health.WindowSize,
		TargetLatency: time.Duration(cfg.Health.TargetLatencyMs) * time.Millisecond,
		NeutralScore:  cfg.Health.NeutralScore,
		SweepInterval: time.Duration(cfg.Health.SweepIntervalSeconds) * time.Second,
		DecayFactor:   cfg.Health.DecayFactor,
		SuccessWeight: cfg.Health.SuccessWeight,
		LatencyWeight: cfg.Health.LatencyWeight,
	})
	for _, pc := range cfg.Providers {
		oracle.Track(pc.Name, pc.DisplayName)
	}
	oracle.Start(rootCtx)
	defer oracle.Stop()

	breakers := breaker.NewSet(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         time.Duration(cfg.Breaker.CooldownSeconds) * time.Second,
		MaxCooldown:      time.Duration(cfg.Breaker.MaxCooldownSeconds) * time.Second,
	}, events)

	sel := selector.New(providers.Names(), selector.Config{
		HealthFloor: cfg.Selector.HealthFloor,
		Affinity:    cfg.Selector.Affinity,
	}, oracle)

	if cfg.Plugin.Enabled {
		engine := plugin.NewLuaEngine(true, cfg.Plugin.PluginDir)
		sel.SetReranker(engine)
	}

	q := queue.New(cfg.Queue.Capacity, events)
	executor := dispatch.NewExecutor(sel, providers, breakers, oracle, events, dispatch.Options{
		CallTimeout:         time.Duration(cfg.Dispatch.CallTimeoutSeconds) * time.Second,
		ProviderConcurrency: cfg.Queue.ProviderConcurrency,
		MaxAttempts:         cfg.Dispatch.MaxAttempts,
	})
	dispatcher := dispatch.NewDispatcher(q, executor, cfg.Queue.Workers)
	dispatcher.Start(rootCtx)

	conns := relay.NewRegistry(relay.Options{
		BufferLimitBytes: cfg.Relay.BufferLimitBytes,
		BatchMaxBytes:    cfg.Relay.BatchMaxBytes,
		BatchMaxCount:    cfg.Relay.BatchMaxCount,
		FlushMin:         time.Duration(cfg.Relay.FlushMinMs) * time.Millisecond,
		FlushMax:         time.Duration(cfg.Relay.FlushMaxMs) * time.Millisecond,
		IdleTimeout:      time.Duration(cfg.Relay.IdleTimeoutSeconds) * time.Second,
	}, events)
	conns.StartReaper()
	defer conns.Shutdown()
	wireBroadcasts(events, conns)

	tracker := usage.NewTracker(cfg.UsageStatisticsEnabled)
	tracker.Attach(events)
	defer tracker.Detach()

	var store journal.Store
	if cfg.Journal.Enabled {
		sqlStore, err := journal.Open(cfg.Journal.Driver, cfg.Journal.DSN)
		if err != nil {
			log.Fatalf("open journal: %v", err)
		}
		store = sqlStore
		writer := journal.NewWriter(sqlStore, events)
		defer func() {
			writer.Detach()
			_ = sqlStore.Close()
		}()
	}

	var hookManager *hooks.Manager
	if cfg.Hooks.Enabled {
		hookManager = hooks.NewManager(cfg.Hooks.HooksDir, events)
		hookManager.SetBiaser(sel)
		hookManager.SetBreakerResetter(breakers)
		hookManager.SetHealthResetter(oracle)
		if err := hookManager.Start(); err != nil {
			log.Errorf("hooks: %v", err)
		} else {
			if err := hookManager.StartWatcher(); err != nil {
				log.Warnf("hooks: watcher: %v", err)
			}
			defer hookManager.Stop()
		}
	}

	mset := metrics.New(q, oracle, breakers, conns)
	mset.Attach(events)

	watcher, err := config.NewWatcher(configPath, func(updated *config.Config) {
		// Runtime-tunable settings only; provider topology changes need a
		// restart.
		sel.SetProviders(providers.Names())
		log.Infof("config reloaded from %s", configPath)
	})
	if err != nil {
		log.Warnf("config watcher: %v", err)
	} else {
		defer func() { _ = watcher.Stop() }()
	}

	server := api.New(cfg, api.Deps{
		Queue:     q,
		Oracle:    oracle,
		Breakers:  breakers,
		Selector:  sel,
		Relay:     conns,
		Usage:     tracker,
		Journal:   store,
		Hooks:     hookManager,
		Metrics:   mset.Handler(),
		Providers: providers.Names(),
	})

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Run() }()

	select {
	case <-rootCtx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			log.Errorf("server: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("server shutdown: %v", err)
	}

	// Stop admissions, let workers drain, reject what never got a worker.
	q.Close()
	dispatcher.Stop()
	if n := q.RejectPending(); n > 0 {
		log.Warnf("rejected %d queued requests during shutdown", n)
	}
	log.Info("reverie stopped")
}

// wireBroadcasts forwards terminal results and provider state changes to
// live websocket clients. Results keep their request priority; state
// changes ride the HIGH path so dashboards see outages immediately.
func wireBroadcasts(events *bus.Bus, conns *relay.Registry) {
	forwardResult := func(evt *bus.Event) {
		res, ok := evt.Data["result"].(*core.Result)
		if !ok {
			return
		}
		priority := core.PriorityMedium
		if s, ok := evt.Data["priority"].(string); ok {
			if p, err := core.ParsePriority(s); err == nil {
				priority = p
			}
		}
		conns.Broadcast(relay.Message{
			Type:  "result",
			Topic: string(evt.Topic),
			Data:  res,
		}, priority)
	}
	events.Subscribe(bus.TopicRequestCompleted, core.PriorityMedium, forwardResult)
	events.Subscribe(bus.TopicRequestDegraded, core.PriorityMedium, forwardResult)

	events.Subscribe(bus.TopicCircuitStateChanged, core.PriorityHigh, func(evt *bus.Event) {
		conns.Broadcast(relay.Message{
			Type:  "provider_state",
			Topic: string(evt.Topic),
			Data: map[string]any{
				"provider": evt.Provider,
				"from":     evt.Data["from"],
				"to":       evt.Data["to"],
			},
		}, core.PriorityHigh)
	})

	events.Subscribe(bus.TopicEnvelopeEvicted, core.PriorityMedium, func(evt *bus.Event) {
		conns.Broadcast(relay.Message{
			Type:  "evicted",
			Topic: string(evt.Topic),
			Data:  map[string]any{"envelope_id": evt.EnvelopeID},
		}, core.PriorityMedium)
	})
}
