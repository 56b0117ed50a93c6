// Copyright 2026 The Reverie Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package provider

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/traylinx/reverie/internal/core"
)

// Synthesizer produces a local, deterministic response when every upstream
// provider is unavailable. It performs no I/O and cannot fail, which is what
// lets the dispatcher promise a terminal result for every admitted envelope.
type Synthesizer struct{}

// NewSynthesizer returns the local fallback synthesizer.
func NewSynthesizer() *Synthesizer {
	return &Synthesizer{}
}

// Synthesize builds a degraded best-effort result from whatever the caller
// supplied: seeded partial content when present, otherwise an
// acknowledgement echoing the last user message from the payload.
func (s *Synthesizer) Synthesize(env *core.Envelope) *core.Result {
	content := strings.TrimSpace(env.PartialContent)
	if content == "" {
		content = acknowledge(lastUserMessage(env.Payload))
	}
	return &core.Result{
		EnvelopeID: env.ID,
		Content:    content,
		Degraded:   true,
	}
}

// lastUserMessage pulls the most recent user-role message text from an
// OpenAI-style payload. Empty when the payload has no such message.
func lastUserMessage(payload []byte) string {
	msgs := gjson.GetBytes(payload, "messages")
	if !msgs.IsArray() {
		return ""
	}
	last := ""
	msgs.ForEach(func(_, m gjson.Result) bool {
		if m.Get("role").String() == "user" {
			if c := m.Get("content").String(); c != "" {
				last = c
			}
		}
		return true
	})
	return last
}

func acknowledge(userText string) string {
	userText = strings.TrimSpace(userText)
	if userText == "" {
		return "All response services are temporarily unavailable. Your request was received and nothing was lost; please try again shortly."
	}
	return fmt.Sprintf(
		"All response services are temporarily unavailable, so this is a locally generated acknowledgement. Your message was received:\n\n%s\n\nPlease try again shortly for a full response.",
		excerpt(userText, 600),
	)
}

// excerpt truncates on a rune boundary so multi-byte text is never split.
func excerpt(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
