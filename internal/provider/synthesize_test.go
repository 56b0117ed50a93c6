// Copyright 2026 The Reverie Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package provider

import (
	"strings"
	"testing"

	"github.com/traylinx/reverie/internal/core"
)

func TestSynthesizeUsesPartialContent(t *testing.T) {
	s := NewSynthesizer()
	env := core.NewEnvelope(core.PriorityMedium, "test", []byte(`{}`))
	env.PartialContent = "draft reflection about the day"

	res := s.Synthesize(env)
	if !res.Degraded {
		t.Fatal("synthesized result must be degraded")
	}
	if res.Content != "draft reflection about the day" {
		t.Fatalf("content = %q", res.Content)
	}
	if res.Provider != "" {
		t.Fatal("local synthesis carries no provider")
	}
}

func TestSynthesizeEchoesLastUserMessage(t *testing.T) {
	s := NewSynthesizer()
	payload := `{"messages":[
		{"role":"system","content":"be kind"},
		{"role":"user","content":"first"},
		{"role":"assistant","content":"ok"},
		{"role":"user","content":"tell me about rivers"}]}`
	env := core.NewEnvelope(core.PriorityLow, "", []byte(payload))

	res := s.Synthesize(env)
	if !strings.Contains(res.Content, "tell me about rivers") {
		t.Fatalf("expected echo of last user message, got %q", res.Content)
	}
	if strings.Contains(res.Content, "be kind") {
		t.Fatal("system prompt leaked into synthesis")
	}
}

func TestSynthesizeDeterministic(t *testing.T) {
	s := NewSynthesizer()
	env := core.NewEnvelope(core.PriorityMedium, "", []byte(`{"messages":[{"role":"user","content":"same"}]}`))

	first := s.Synthesize(env)
	second := s.Synthesize(env)
	if first.Content != second.Content {
		t.Fatal("synthesis must be deterministic for identical input")
	}
}

func TestSynthesizeEmptyPayload(t *testing.T) {
	s := NewSynthesizer()
	res := s.Synthesize(core.NewEnvelope(core.PriorityBackground, "", nil))
	if res.Content == "" {
		t.Fatal("even an empty request must yield content")
	}
	if !res.Degraded {
		t.Fatal("must be flagged degraded")
	}
}

func TestExcerptRespectsRuneBoundaries(t *testing.T) {
	long := strings.Repeat("日本語テキスト", 200)
	got := excerpt(long, 600)
	if len([]rune(got)) != 601 { // 600 runes + ellipsis
		t.Fatalf("excerpt length = %d runes", len([]rune(got)))
	}
}
