package presence

import (
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestTracker(expiry time.Duration) (*Tracker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	return NewWithClock(expiry, clock.now), clock
}

func TestUnknownUserIsOfflineAndNotTyping(t *testing.T) {
	tracker, _ := newTestTracker(time.Second)

	if tracker.IsOnline("ghost") {
		t.Error("unknown user should be offline")
	}
	if tracker.IsTyping("ghost") {
		t.Error("unknown user should not be typing")
	}
	if _, ok := tracker.LastSeen("ghost"); ok {
		t.Error("unknown user should have no last seen")
	}
}

func TestPresenceTransitions(t *testing.T) {
	tracker, clock := newTestTracker(time.Second)

	tracker.ApplyPresence("alice", true, nil)
	if !tracker.IsOnline("alice") {
		t.Fatal("alice should be online")
	}

	tracker.ApplyTyping("alice", true)
	clock.advance(10 * time.Second)
	tracker.ApplyPresence("alice", false, nil)

	if tracker.IsOnline("alice") {
		t.Fatal("alice should be offline")
	}
	seen, ok := tracker.LastSeen("alice")
	if !ok || !seen.Equal(clock.t) {
		t.Fatalf("LastSeen = %v %v, want %v", seen, ok, clock.t)
	}

	explicit := clock.t.Add(-time.Hour)
	tracker.ApplyPresence("bob", false, &explicit)
	if seen, _ := tracker.LastSeen("bob"); !seen.Equal(explicit) {
		t.Fatalf("LastSeen(bob) = %v, want %v", seen, explicit)
	}
}

func TestTypingExpiresWithoutStopEvent(t *testing.T) {
	tracker, clock := newTestTracker(5 * time.Second)

	tracker.ApplyTyping("alice", true)
	if !tracker.IsTyping("alice") {
		t.Fatal("alice should be typing right after the event")
	}

	clock.advance(4 * time.Second)
	if !tracker.IsTyping("alice") {
		t.Fatal("alice should still be typing inside the window")
	}

	clock.advance(time.Second)
	if tracker.IsTyping("alice") {
		t.Fatal("typing should expire after the window without renewal")
	}
}

func TestTypingRenewalExtendsWindow(t *testing.T) {
	tracker, clock := newTestTracker(5 * time.Second)

	tracker.ApplyTyping("alice", true)
	clock.advance(4 * time.Second)
	tracker.ApplyTyping("alice", true)
	clock.advance(4 * time.Second)

	if !tracker.IsTyping("alice") {
		t.Fatal("renewed typing should extend the deadline")
	}
	if got := tracker.Typing(); len(got) != 1 || got[0] != "alice" {
		t.Fatalf("Typing() = %v", got)
	}

	tracker.ApplyTyping("alice", false)
	if tracker.IsTyping("alice") {
		t.Fatal("explicit stop should clear typing")
	}
}

func TestSweepAndOfflineClearTyping(t *testing.T) {
	tracker, clock := newTestTracker(time.Second)

	tracker.ApplyTyping("alice", true)
	tracker.ApplyTyping("bob", true)
	tracker.ApplyPresence("bob", false, nil)
	if tracker.IsTyping("bob") {
		t.Fatal("going offline should clear typing")
	}

	clock.advance(2 * time.Second)
	if removed := tracker.Sweep(); removed != 1 {
		t.Fatalf("Sweep() removed %d, want 1", removed)
	}
	if got := tracker.Typing(); len(got) != 0 {
		t.Fatalf("Typing() = %v, want empty", got)
	}

	tracker.ApplyPresence("carol", true, nil)
	tracker.Reset()
	if tracker.IsOnline("carol") {
		t.Fatal("Reset should forget presence")
	}
}
