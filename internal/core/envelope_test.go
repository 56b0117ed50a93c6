package core

import (
	"testing"
	"time"
)

func TestDeliverOnlyFirstWins(t *testing.T) {
	env := NewEnvelope(PriorityMedium, "reflection", []byte(`{}`))

	first := env.Deliver(&Result{Content: "a"})
	second := env.Deliver(&Result{Content: "b"})

	if !first {
		t.Fatal("first delivery should succeed")
	}
	if second {
		t.Fatal("second delivery should be dropped")
	}

	select {
	case r := <-env.Done():
		if r.Content != "a" {
			t.Errorf("expected first result, got %q", r.Content)
		}
		if r.EnvelopeID != env.ID {
			t.Errorf("result not stamped with envelope id")
		}
	default:
		t.Fatal("result channel empty after delivery")
	}

	select {
	case r := <-env.Done():
		t.Fatalf("unexpected second result %q", r.Content)
	default:
	}
}

func TestDeliverDoesNotBlockWithoutWaiter(t *testing.T) {
	env := NewEnvelope(PriorityLow, "", nil)
	done := make(chan struct{})
	go func() {
		env.Deliver(&Result{Content: "orphaned"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("delivery blocked with no waiter")
	}
}

func TestExpired(t *testing.T) {
	now := time.Now()
	env := NewEnvelope(PriorityHigh, "", nil)
	if env.Expired(now) {
		t.Error("zero deadline must never expire")
	}
	env.Deadline = now.Add(-time.Second)
	if !env.Expired(now) {
		t.Error("past deadline should expire")
	}
	env.Deadline = now.Add(time.Second)
	if env.Expired(now) {
		t.Error("future deadline should not expire")
	}
}

func TestParsePriority(t *testing.T) {
	cases := []struct {
		in   string
		want Priority
		ok   bool
	}{
		{"high", PriorityHigh, true},
		{"HIGH", PriorityHigh, true},
		{"medium", PriorityMedium, true},
		{"", PriorityMedium, true},
		{"low", PriorityLow, true},
		{"background", PriorityBackground, true},
		{"urgent", PriorityMedium, false},
	}
	for _, tc := range cases {
		got, err := ParsePriority(tc.in)
		if tc.ok && err != nil {
			t.Errorf("ParsePriority(%q) unexpected error: %v", tc.in, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("ParsePriority(%q) expected error", tc.in)
		}
		if got != tc.want {
			t.Errorf("ParsePriority(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestPrioritiesOrderedHighFirst(t *testing.T) {
	for i := 1; i < len(Priorities); i++ {
		if Priorities[i-1] <= Priorities[i] {
			t.Fatalf("Priorities not descending at index %d", i)
		}
	}
}
