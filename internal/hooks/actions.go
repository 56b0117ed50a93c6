// Copyright 2026 The Reverie Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package hooks

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/traylinx/reverie/internal/bus"
)

// registerBuiltInActions installs the default handlers. Collaborator-backed
// actions start as warn-only stubs until their setter wires the real target.
func registerBuiltInActions(m *Manager) {
	m.RegisterAction(ActionLogWarning, handleLogWarning)
	wh := newWebhookHandler()
	m.RegisterAction(ActionNotifyWebhook, wh.handle)
	m.RegisterAction(ActionRunCommand, handleRunCommand)
	m.RegisterAction(ActionPreferProvider, missingTarget(ActionPreferProvider))
	m.RegisterAction(ActionResetBreaker, missingTarget(ActionResetBreaker))
	m.RegisterAction(ActionResetHealth, missingTarget(ActionResetHealth))
}

func missingTarget(action Action) ActionHandler {
	return func(h *Hook, _ *bus.Event) error {
		log.Warnf("hooks: action %s in %s has no target wired", action, h.Name)
		return nil
	}
}

// SetBiaser activates prefer_provider against the selector. The rule's
// params take a "provider" and an optional "factor" (default 1.5).
func (m *Manager) SetBiaser(b ProviderBiaser) {
	m.RegisterAction(ActionPreferProvider, func(h *Hook, _ *bus.Event) error {
		provider, _ := h.Params["provider"].(string)
		if provider == "" {
			return fmt.Errorf("missing provider param")
		}
		factor := 1.5
		if f, ok := h.Params["factor"].(float64); ok && f > 0 {
			factor = f
		}
		b.SetBias(provider, factor)
		log.Infof("hooks: selector bias %s -> %.2f", provider, factor)
		return nil
	})
}

// SetBreakerResetter activates reset_breaker. Without a "provider" param the
// event's provider is used.
func (m *Manager) SetBreakerResetter(r BreakerResetter) {
	m.RegisterAction(ActionResetBreaker, func(h *Hook, evt *bus.Event) error {
		provider := paramOrEventProvider(h, evt)
		if provider == "" {
			return fmt.Errorf("no provider to reset")
		}
		if !r.Reset(provider) {
			return fmt.Errorf("unknown breaker %q", provider)
		}
		log.Infof("hooks: breaker %s reset", provider)
		return nil
	})
}

// SetHealthResetter activates reset_health.
func (m *Manager) SetHealthResetter(r HealthResetter) {
	m.RegisterAction(ActionResetHealth, func(h *Hook, evt *bus.Event) error {
		provider := paramOrEventProvider(h, evt)
		if provider == "" {
			return fmt.Errorf("no provider to reset")
		}
		r.Reset(provider)
		log.Infof("hooks: health profile %s reset", provider)
		return nil
	})
}

func paramOrEventProvider(h *Hook, evt *bus.Event) string {
	if p, _ := h.Params["provider"].(string); p != "" {
		return p
	}
	return evt.Provider
}

func handleLogWarning(h *Hook, evt *bus.Event) error {
	msg, _ := h.Params["message"].(string)
	if msg == "" {
		msg = "hook triggered"
	}
	log.Warnf("[hook %s] %s (event: %s)", h.Name, msg, evt.Topic)
	return nil
}

// webhookHandler posts event payloads with per-URL rate limiting, retries
// and an optional HMAC signature header.
type webhookHandler struct {
	mu        sync.Mutex
	perURL    map[string]*urlWindow
	maxPerMin int
}

type urlWindow struct {
	count    int
	lastTime time.Time
}

func newWebhookHandler() *webhookHandler {
	return &webhookHandler{perURL: make(map[string]*urlWindow), maxPerMin: 10}
}

func (w *webhookHandler) handle(h *Hook, evt *bus.Event) error {
	url, _ := h.Params["url"].(string)
	if url == "" {
		return fmt.Errorf("missing webhook url")
	}
	if !strings.HasPrefix(url, "https://") && !strings.HasPrefix(url, "http://localhost") &&
		!strings.HasPrefix(url, "http://127.0.0.1") {
		return fmt.Errorf("insecure webhook url (must be https or localhost): %s", url)
	}
	if !w.allow(url) {
		return fmt.Errorf("rate limit exceeded for webhook: %s", url)
	}

	secret, _ := h.Params["secret"].(string)
	payload := map[string]any{
		"event":     evt.Topic,
		"timestamp": evt.Timestamp,
		"hook_id":   h.ID,
		"data":      scrubData(evt.Data),
	}
	if evt.Provider != "" {
		payload["provider"] = evt.Provider
	}
	if evt.EnvelopeID != "" {
		payload["envelope_id"] = evt.EnvelopeID
	}
	if evt.ErrorMessage != "" {
		payload["error"] = evt.ErrorMessage
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	backoff := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	var lastErr error
	for i := 0; i <= len(backoff); i++ {
		if i > 0 {
			time.Sleep(backoff[i-1])
		}
		req, reqErr := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
		if reqErr != nil {
			return reqErr
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "reverie-hooks/1.0")
		if secret != "" {
			mac := hmac.New(sha256.New, []byte(secret))
			mac.Write(body)
			req.Header.Set("X-Hook-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
		}

		client := &http.Client{Timeout: 5 * time.Second}
		resp, doErr := client.Do(req)
		if doErr != nil {
			lastErr = doErr
			log.Warnf("hooks: webhook attempt %d: %v", i+1, doErr)
			continue
		}
		_ = resp.Body.Close()
		if resp.StatusCode >= 400 {
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
			log.Warnf("hooks: webhook attempt %d: status %d", i+1, resp.StatusCode)
			continue
		}
		return nil
	}
	return fmt.Errorf("webhook failed after retries: %v", lastErr)
}

func (w *webhookHandler) allow(url string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	win, ok := w.perURL[url]
	if !ok {
		win = &urlWindow{lastTime: now}
		w.perURL[url] = win
	}
	if now.Sub(win.lastTime) > time.Minute {
		win.count = 0
		win.lastTime = now
	}
	if win.count >= w.maxPerMin {
		return false
	}
	win.count++
	return true
}

// scrubData drops non-serializable event fields (result pointers and the
// like) before a payload leaves the process.
func scrubData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		switch v.(type) {
		case string, bool, int, int64, float64, time.Time:
			out[k] = v
		}
	}
	return out
}

// runCommandAllowlist bounds what a run_command rule may execute.
var runCommandAllowlist = []string{"echo", "logger", "notify-send"}

func handleRunCommand(h *Hook, _ *bus.Event) error {
	cmdStr, _ := h.Params["command"].(string)
	if cmdStr == "" {
		return fmt.Errorf("missing command")
	}
	parts := strings.Fields(cmdStr)
	if len(parts) == 0 {
		return fmt.Errorf("empty command")
	}

	allowed := false
	for _, a := range runCommandAllowlist {
		if parts[0] == a {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("command %q is not in the allowlist", parts[0])
	}

	cmd := exec.Command(parts[0], parts[1:]...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("command failed: %v, output: %s", err, string(out))
	}
	return nil
}
