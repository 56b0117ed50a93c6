// Copyright 2026 The Reverie Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package provider wraps the upstream model providers behind a uniform Call
// interface and supplies the local deterministic synthesizer used when every
// upstream is unavailable.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/traylinx/reverie/internal/core"
)

// Provider executes one request against one upstream.
type Provider interface {
	// Name is the identifier used in ranking, health tracking and logs.
	Name() string

	// DisplayName is the human-facing provider name.
	DisplayName() string

	// Timeout is this provider's per-call override; zero means the
	// dispatcher default applies.
	Timeout() time.Duration

	// Call forwards the envelope's payload and returns the extracted result.
	// The context carries the per-attempt deadline.
	Call(ctx context.Context, env *core.Envelope) (*core.Result, error)
}

// ErrMissingContent marks an upstream 2xx response that did not contain the
// configured response path.
var ErrMissingContent = errors.New("provider response missing content")

type statusErr struct {
	code       int
	msg        string
	retryAfter *time.Duration
}

func (e statusErr) Error() string {
	if e.msg != "" {
		return e.msg
	}
	return fmt.Sprintf("status %d", e.code)
}
func (e statusErr) StatusCode() int            { return e.code }
func (e statusErr) RetryAfter() *time.Duration { return e.retryAfter }

// StatusCode extracts the upstream HTTP status from a provider error, zero
// when the error carries none.
func StatusCode(err error) int {
	var se statusErr
	if errors.As(err, &se) {
		return se.StatusCode()
	}
	return 0
}

// IsTimeout reports whether the provider call failed on a deadline.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
