// Copyright 2026 The Reverie Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/reverie/internal/core"
	"github.com/traylinx/reverie/internal/queue"
	"github.com/traylinx/reverie/internal/relay"
)

// chatRequest is the ingress body. Payload is forwarded to providers as-is.
type chatRequest struct {
	Priority       string             `json:"priority"`
	TaskProfile    string             `json:"task_profile"`
	CallerState    map[string]float64 `json:"caller_state"`
	DeadlineMs     int64              `json:"deadline_ms"`
	PartialContent string             `json:"partial_content"`
	Payload        json.RawMessage    `json:"payload"`
}

// handleChat admits one request into the queue and waits for its terminal
// result. Admission failures surface as retryable errors; everything after
// admission resolves to a result, possibly degraded.
func (s *Server) handleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"message": "invalid request body: " + err.Error(), "type": "invalid_request"},
		})
		return
	}
	if len(req.Payload) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"message": "missing payload", "type": "invalid_request"},
		})
		return
	}

	priority := core.PriorityMedium
	if req.Priority != "" {
		p, err := core.ParsePriority(req.Priority)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": gin.H{"message": err.Error(), "type": "invalid_request"},
			})
			return
		}
		priority = p
	}

	env := core.NewEnvelope(priority, req.TaskProfile, req.Payload)
	env.CallerState = req.CallerState
	env.PartialContent = req.PartialContent
	if req.DeadlineMs > 0 {
		env.Deadline = time.Now().Add(time.Duration(req.DeadlineMs) * time.Millisecond)
	}

	if err := s.deps.Queue.Enqueue(env); err != nil {
		status := http.StatusTooManyRequests
		errType := "overloaded"
		if errors.Is(err, queue.ErrQueueClosed) {
			status = http.StatusServiceUnavailable
			errType = "shutting_down"
		}
		c.JSON(status, gin.H{
			"error": gin.H{"message": err.Error(), "type": errType, "retryable": true},
		})
		return
	}

	select {
	case res := <-env.Done():
		s.writeResult(c, res)
	case <-c.Request.Context().Done():
		// The worker still owns the envelope and will deliver into the
		// buffered channel; only this caller stops waiting.
		log.Debugf("api: caller went away while %s was in flight", env.ID)
		c.Status(http.StatusRequestTimeout)
	}
}

func (s *Server) writeResult(c *gin.Context, res *core.Result) {
	if res.Rejected {
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error": gin.H{"message": res.Err.Error(), "type": "evicted", "retryable": true},
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"envelope_id": res.EnvelopeID,
		"provider":    res.Provider,
		"content":     res.Content,
		"degraded":    res.Degraded,
		"latency_ms":  res.Latency.Milliseconds(),
	})
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The relay is same-origin agnostic; auth happens before the upgrade.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleEvents upgrades the connection and registers it with the relay.
// The optional topics query parameter filters delivered topics.
func (s *Server) handleEvents(c *gin.Context) {
	if s.deps.Relay == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"message": "relay disabled"}})
		return
	}

	wsConn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Debugf("api: websocket upgrade: %v", err)
		return
	}

	var topics []string
	if raw := c.Query("topics"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				topics = append(topics, t)
			}
		}
	}

	transport := relay.NewWSTransport(wsConn)
	conn := s.deps.Relay.Register(transport, topics)
	log.Infof("api: websocket client %s connected", conn.ID)

	// Reads only service pings and detect disconnect; clients do not send
	// application traffic on this socket.
	go func() {
		defer s.deps.Relay.Unregister(conn.ID)
		for {
			if _, _, readErr := wsConn.ReadMessage(); readErr != nil {
				return
			}
		}
	}()
}

// --- management handlers ---

func (s *Server) handleStatus(c *gin.Context) {
	depths := map[string]int{}
	if s.deps.Queue != nil {
		for tier, n := range s.deps.Queue.Depths() {
			depths[tier.String()] = n
		}
	}
	connections := 0
	if s.deps.Relay != nil {
		connections = s.deps.Relay.Count()
	}
	c.JSON(http.StatusOK, gin.H{
		"providers":   s.deps.Providers,
		"queue":       depths,
		"connections": connections,
	})
}

func (s *Server) handleProviders(c *gin.Context) {
	profiles := s.deps.Oracle.Snapshot()
	c.JSON(http.StatusOK, gin.H{"providers": profiles})
}

func (s *Server) handleQueue(c *gin.Context) {
	depths := map[string]int{}
	for tier, n := range s.deps.Queue.Depths() {
		depths[tier.String()] = n
	}
	evictions, overflows := s.deps.Queue.Stats()
	c.JSON(http.StatusOK, gin.H{
		"depths":    depths,
		"total":     s.deps.Queue.Len(),
		"evictions": evictions,
		"overflows": overflows,
	})
}

func (s *Server) handleBreakers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"breakers": s.deps.Breakers.Stats()})
}

func (s *Server) handleBreakerReset(c *gin.Context) {
	provider := c.Param("provider")
	if !s.deps.Breakers.Reset(provider) {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"message": "unknown provider " + provider}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reset", "provider": provider})
}

func (s *Server) handleHealthReset(c *gin.Context) {
	provider := c.Param("provider")
	s.deps.Oracle.Reset(provider)
	c.JSON(http.StatusOK, gin.H{"status": "reset", "provider": provider})
}

func (s *Server) handleUsage(c *gin.Context) {
	if s.deps.Usage == nil {
		c.JSON(http.StatusOK, gin.H{"usage": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"usage": s.deps.Usage.Snapshot()})
}

func (s *Server) handleJournal(c *gin.Context) {
	if s.deps.Journal == nil {
		c.JSON(http.StatusOK, gin.H{"entries": []any{}})
		return
	}
	limit := 50
	entries, err := s.deps.Journal.Recent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"message": err.Error()}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) handleHooks(c *gin.Context) {
	if s.deps.Hooks == nil {
		c.JSON(http.StatusOK, gin.H{"hooks": []any{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"hooks": s.deps.Hooks.Hooks()})
}
