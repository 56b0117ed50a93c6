// Copyright 2026 The Reverie Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package api exposes the HTTP surface: the chat ingress feeding the
// priority queue, the websocket endpoint feeding the relay, the management
// API and the metrics scrape endpoint.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/reverie/internal/breaker"
	"github.com/traylinx/reverie/internal/buildinfo"
	"github.com/traylinx/reverie/internal/config"
	"github.com/traylinx/reverie/internal/health"
	"github.com/traylinx/reverie/internal/hooks"
	"github.com/traylinx/reverie/internal/journal"
	"github.com/traylinx/reverie/internal/queue"
	"github.com/traylinx/reverie/internal/relay"
	"github.com/traylinx/reverie/internal/selector"
	"github.com/traylinx/reverie/internal/usage"
)

// Deps bundles the components the handlers reach into. Optional fields may
// be nil; the corresponding endpoints then return 404 or empty bodies.
type Deps struct {
	Queue     *queue.Queue
	Oracle    *health.Oracle
	Breakers  *breaker.Set
	Selector  *selector.Selector
	Relay     *relay.Registry
	Usage     *usage.Tracker
	Journal   journal.Store
	Hooks     *hooks.Manager
	Metrics   http.Handler
	Providers []string
}

// Server owns the gin engine and the listener lifecycle.
type Server struct {
	cfg  *config.Config
	deps Deps
	http *http.Server
}

// New assembles the engine and routes.
func New(cfg *config.Config, deps Deps) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), requestIDMiddleware(), requestLogMiddleware())

	s := &Server{
		cfg:  cfg,
		deps: deps,
		http: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	s.routes(engine)
	return s
}

func (s *Server) routes(engine *gin.Engine) {
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": buildinfo.Version})
	})

	if s.deps.Metrics != nil {
		engine.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}

	v1 := engine.Group("/v1")
	if s.cfg.RateLimit.Enabled {
		v1.Use(rateLimitMiddleware(s.cfg.RateLimit.RPS, s.cfg.RateLimit.Burst))
	}
	v1.POST("/chat", s.handleChat)
	v1.GET("/events", s.handleEvents)

	mgmt := engine.Group("/v0/management")
	mgmt.Use(managementAuthMiddleware(s.cfg))
	{
		mgmt.GET("/status", s.handleStatus)
		mgmt.GET("/providers", s.handleProviders)
		mgmt.GET("/queue", s.handleQueue)
		mgmt.GET("/breakers", s.handleBreakers)
		mgmt.POST("/breakers/:provider/reset", s.handleBreakerReset)
		mgmt.POST("/health/:provider/reset", s.handleHealthReset)
		mgmt.GET("/usage", s.handleUsage)
		mgmt.GET("/journal", s.handleJournal)
		mgmt.GET("/hooks", s.handleHooks)
	}
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	log.Infof("api: listening on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
