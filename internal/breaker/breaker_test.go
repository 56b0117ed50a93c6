package breaker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/traylinx/reverie/internal/bus"
	"github.com/traylinx/reverie/internal/core"
)

var errUpstream = errors.New("upstream failed")

func testConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         50 * time.Millisecond,
		MaxCooldown:      400 * time.Millisecond,
	}
}

func failN(b *Breaker, n int) {
	for i := 0; i < n; i++ {
		_ = b.Execute(context.Background(), func(ctx context.Context) error {
			return errUpstream
		})
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := New("openai", testConfig(), nil)

	failN(b, 4)
	if b.State() != StateClosed {
		t.Fatalf("breaker opened before threshold: %v", b.State())
	}

	failN(b, 1)
	if b.State() != StateOpen {
		t.Fatalf("breaker should be open after %d consecutive failures", 5)
	}
}

func TestOpenBreakerFastFailsWithoutCalling(t *testing.T) {
	b := New("openai", testConfig(), nil)
	failN(b, 5)

	var called atomic.Bool
	err := b.Execute(context.Background(), func(ctx context.Context) error {
		called.Store(true)
		return nil
	})

	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if called.Load() {
		t.Fatal("protected call must not run while open")
	}
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	b := New("openai", testConfig(), nil)

	failN(b, 4)
	_ = b.Execute(context.Background(), func(ctx context.Context) error { return nil })
	failN(b, 4)

	if b.State() != StateClosed {
		t.Fatal("interleaved success should reset the consecutive failure count")
	}
}

func TestHalfOpenTrialSuccessCloses(t *testing.T) {
	b := New("openai", testConfig(), nil)
	failN(b, 5)

	time.Sleep(60 * time.Millisecond)

	err := b.Execute(context.Background(), func(ctx context.Context) error { return nil })
	if err != nil {
		t.Fatalf("trial call failed: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("successful trial should close the breaker, state=%v", b.State())
	}
	if got := b.Stats().Cooldown; got != testConfig().Cooldown {
		t.Errorf("cooldown should reset after recovery, got %v", got)
	}
}

func TestHalfOpenAllowsExactlyOneTrial(t *testing.T) {
	b := New("openai", testConfig(), nil)
	failN(b, 5)

	time.Sleep(60 * time.Millisecond)

	trialRunning := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = b.Execute(context.Background(), func(ctx context.Context) error {
			close(trialRunning)
			<-release
			return nil
		})
	}()

	<-trialRunning
	err := b.Execute(context.Background(), func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("second caller during trial should fast-fail, got %v", err)
	}
	close(release)
}

func TestFailedTrialDoublesCooldownUpToCap(t *testing.T) {
	cfg := testConfig()
	b := New("openai", cfg, nil)
	failN(b, 5)

	want := cfg.Cooldown
	for i := 0; i < 5; i++ {
		time.Sleep(b.Stats().Cooldown + 10*time.Millisecond)
		failN(b, 1) // failed trial

		want *= 2
		if want > cfg.MaxCooldown {
			want = cfg.MaxCooldown
		}
		if got := b.Stats().Cooldown; got != want {
			t.Fatalf("after trial %d expected cooldown %v, got %v", i+1, want, got)
		}
		if b.State() != StateOpen {
			t.Fatalf("failed trial should reopen, state=%v", b.State())
		}
	}
}

func TestTransitionsEmitBusEvents(t *testing.T) {
	events := bus.New()
	defer events.Shutdown()

	var transitions atomic.Int32
	done := make(chan *bus.Event, 8)
	events.Subscribe(bus.TopicCircuitStateChanged, core.PriorityHigh, func(evt *bus.Event) {
		transitions.Add(1)
		done <- evt
	})

	b := New("openai", testConfig(), events)
	failN(b, 5)

	select {
	case evt := <-done:
		if evt.Provider != "openai" {
			t.Errorf("event provider = %q", evt.Provider)
		}
		if evt.Data["to"] != "open" {
			t.Errorf("event to = %v", evt.Data["to"])
		}
	case <-time.After(time.Second):
		t.Fatal("no transition event published")
	}
}

func TestResetForcesClosed(t *testing.T) {
	b := New("openai", testConfig(), nil)
	failN(b, 5)
	b.Reset()

	if b.State() != StateClosed {
		t.Fatal("reset should close the breaker")
	}
	var called bool
	_ = b.Execute(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	if !called {
		t.Fatal("calls should flow after reset")
	}
}

func TestSetKeepsProvidersIndependent(t *testing.T) {
	set := NewSet(testConfig(), nil)

	failN(set.Get("a"), 5)

	if set.Get("a").State() != StateOpen {
		t.Fatal("provider a should be open")
	}
	if set.Get("b").State() != StateClosed {
		t.Fatal("provider b must be unaffected by a's failures")
	}
	if len(set.Stats()) != 2 {
		t.Fatalf("expected 2 tracked breakers, got %d", len(set.Stats()))
	}
}

func TestSetGetReturnsSameInstance(t *testing.T) {
	set := NewSet(testConfig(), nil)
	if set.Get("a") != set.Get("a") {
		t.Fatal("Get must be stable per provider")
	}
}

// Any run of calls with at least threshold trailing failures leaves the
// breaker open, regardless of what happened before.
func TestProperty_TrailingFailuresAlwaysOpen(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("threshold trailing failures open the circuit", prop.ForAll(
		func(outcome []bool) bool {
			cfg := testConfig()
			b := New("p", cfg, nil)
			for _, ok := range outcome {
				_ = b.Execute(context.Background(), func(ctx context.Context) error {
					if ok {
						return nil
					}
					return errUpstream
				})
				if b.State() == StateOpen {
					break
				}
			}
			failN(b, cfg.FailureThreshold)
			return b.State() == StateOpen
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}
