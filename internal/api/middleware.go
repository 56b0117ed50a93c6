// Copyright 2026 The Reverie Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/traylinx/reverie/internal/config"
)

// requestIDHeader carries the request id to and from clients.
const requestIDHeader = "X-Request-ID"

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func requestLogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry := log.WithFields(log.Fields{
			"status":     c.Writer.Status(),
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"latency_ms": time.Since(start).Milliseconds(),
			"request_id": c.GetString("request_id"),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Error("request failed")
		} else {
			entry.Debug("request served")
		}
	}
}

// rateLimitMiddleware bounds ingress admission ahead of the queue with a
// single shared token bucket.
func rateLimitMiddleware(rps float64, burst int) gin.HandlerFunc {
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": gin.H{"message": "rate limit exceeded, retry later", "type": "rate_limited"},
			})
			return
		}
		c.Next()
	}
}

// managementAuthMiddleware verifies the management key against the bcrypt
// hash from the config. With no key configured, management access is
// restricted to loopback callers.
func managementAuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.Management.SecretKey == "" {
			if ip := c.ClientIP(); ip != "127.0.0.1" && ip != "::1" {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error": gin.H{"message": "management API requires a configured key for remote access"},
				})
				return
			}
			c.Next()
			return
		}

		key := c.GetHeader("Authorization")
		key = strings.TrimPrefix(key, "Bearer ")
		if key == "" {
			key = c.Query("key")
		}
		if !cfg.Management.CheckManagementKey(key) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"message": "invalid management key"},
			})
			return
		}
		c.Next()
	}
}
