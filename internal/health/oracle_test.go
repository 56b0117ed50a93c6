package health

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func testOptions() Options {
	return Options{
		WindowSize:    50,
		TargetLatency: 2500 * time.Millisecond,
		NeutralScore:  0.7,
		SweepInterval: 30 * time.Second,
		DecayFactor:   0.2,
		SuccessWeight: 0.6,
		LatencyWeight: 0.4,
	}
}

func TestUnknownProviderReportsNeutral(t *testing.T) {
	o := NewOracle(testOptions())
	if got := o.Health("never-seen"); got != 0.7 {
		t.Errorf("expected neutral 0.7 for unknown provider, got %v", got)
	}
}

func TestTrackedProviderStartsNeutral(t *testing.T) {
	o := NewOracle(testOptions())
	o.Track("openai", "OpenAI")
	if got := o.Health("openai"); got != 0.7 {
		t.Errorf("expected neutral 0.7 before outcomes, got %v", got)
	}
	p, ok := o.SnapshotFor("openai")
	if !ok {
		t.Fatal("tracked provider missing from snapshot")
	}
	if p.DisplayName != "OpenAI" {
		t.Errorf("display name lost: %q", p.DisplayName)
	}
}

func TestAllFastSuccessesScoreHigh(t *testing.T) {
	o := NewOracle(testOptions())
	for i := 0; i < 50; i++ {
		o.RecordOutcome("openai", 100*time.Millisecond, true)
	}
	if got := o.Health("openai"); got < 0.99 {
		t.Errorf("healthy provider should score ~1.0, got %v", got)
	}
}

func TestFailuresLowerScore(t *testing.T) {
	o := NewOracle(testOptions())
	for i := 0; i < 50; i++ {
		o.RecordOutcome("flaky", 100*time.Millisecond, false)
	}
	got := o.Health("flaky")
	if got >= 0.7 {
		t.Errorf("all-failure provider should score below neutral, got %v", got)
	}
	if got < 0 || got > 1 {
		t.Errorf("score out of range: %v", got)
	}
}

func TestSlowLatencyPenalizedExponentially(t *testing.T) {
	o := NewOracle(testOptions())
	for i := 0; i < 20; i++ {
		o.RecordOutcome("fast", 500*time.Millisecond, true)
		o.RecordOutcome("slow", 10*time.Second, true)
		o.RecordOutcome("slower", 30*time.Second, true)
	}

	fast := o.Health("fast")
	slow := o.Health("slow")
	slower := o.Health("slower")

	if !(fast > slow && slow > slower) {
		t.Errorf("latency penalty not ordered: fast=%v slow=%v slower=%v", fast, slow, slower)
	}
	if slower >= 0.7 {
		t.Errorf("extremely slow provider should dip below neutral, got %v", slower)
	}
}

func TestWindowEvictsOldOutcomes(t *testing.T) {
	opts := testOptions()
	opts.WindowSize = 10
	o := NewOracle(opts)

	for i := 0; i < 10; i++ {
		o.RecordOutcome("p", 100*time.Millisecond, false)
	}
	low := o.Health("p")

	// Enough successes to push every failure out of the window.
	for i := 0; i < 10; i++ {
		o.RecordOutcome("p", 100*time.Millisecond, true)
	}
	high := o.Health("p")

	if high <= low {
		t.Errorf("recovered provider should outscore its failing past: %v <= %v", high, low)
	}
	if high < 0.99 {
		t.Errorf("window should have fully evicted failures, got %v", high)
	}
}

func TestResetRestoresNeutral(t *testing.T) {
	o := NewOracle(testOptions())
	for i := 0; i < 20; i++ {
		o.RecordOutcome("p", time.Second, false)
	}
	o.Reset("p")

	if got := o.Health("p"); got != 0.7 {
		t.Errorf("reset should restore neutral score, got %v", got)
	}
	p, ok := o.SnapshotFor("p")
	if !ok {
		t.Fatal("reset must not delete the profile")
	}
	if p.TotalRequests != 0 || p.FailureCount != 0 {
		t.Errorf("reset should clear counters: %+v", p)
	}
}

func TestSweepDecaysStaleTowardNeutral(t *testing.T) {
	o := NewOracle(testOptions())
	for i := 0; i < 20; i++ {
		o.RecordOutcome("p", 100*time.Millisecond, false)
	}
	before := o.Health("p")

	// Pretend the last outcome is ancient, then sweep twice.
	o.mu.Lock()
	o.profiles["p"].lastRecorded = time.Now().Add(-time.Hour)
	o.mu.Unlock()
	o.sweep(time.Now())
	mid := o.Health("p")
	o.sweep(time.Now())
	after := o.Health("p")

	if !(before < mid && mid < after && after < 0.7) {
		t.Errorf("decay should move score toward neutral monotonically: %v %v %v", before, mid, after)
	}
}

func TestSweepLeavesFreshProfilesAlone(t *testing.T) {
	o := NewOracle(testOptions())
	o.RecordOutcome("p", 100*time.Millisecond, true)
	before := o.Health("p")
	o.sweep(time.Now())
	if got := o.Health("p"); got != before {
		t.Errorf("fresh profile decayed: %v -> %v", before, got)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	o := NewOracle(testOptions())
	o.RecordOutcome("p", 100*time.Millisecond, true)

	snaps := o.Snapshot()
	if len(snaps) != 1 {
		t.Fatalf("expected 1 profile, got %d", len(snaps))
	}
	snaps[0].Score = -42

	if got := o.Health("p"); got < 0 {
		t.Error("mutating a snapshot leaked into the oracle")
	}
}

// Health monotonicity: with identical latencies, a window containing at
// least as many successes never scores lower.
func TestProperty_ScoreMonotonicInSuccesses(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("more successes never lower the score", prop.ForAll(
		func(successes int, window int) bool {
			if window < 1 {
				window = 1
			}
			if successes > window {
				successes = window
			}

			opts := testOptions()
			opts.WindowSize = window

			scoreFor := func(nSuccess int) float64 {
				o := NewOracle(opts)
				for i := 0; i < window; i++ {
					o.RecordOutcome("p", 100*time.Millisecond, i < nSuccess)
				}
				return o.Health("p")
			}

			prev := scoreFor(successes)
			for n := successes + 1; n <= window; n++ {
				next := scoreFor(n)
				if next < prev {
					return false
				}
				prev = next
			}
			return true
		},
		gen.IntRange(0, 20),
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

func TestProperty_ScoreAlwaysInUnitRange(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("score stays in [0,1] for any outcome mix", prop.ForAll(
		func(latenciesMs []int, successBits []bool) bool {
			o := NewOracle(testOptions())
			for i, ms := range latenciesMs {
				ok := i < len(successBits) && successBits[i]
				o.RecordOutcome("p", time.Duration(ms)*time.Millisecond, ok)
				s := o.Health("p")
				if s < 0 || s > 1 {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 120000)),
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}
