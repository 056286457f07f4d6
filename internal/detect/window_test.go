package detect

import (
	"testing"
	"time"
)

func TestWindow_FiresAtThresholdNotBefore(t *testing.T) {
	w := NewWindow(5*time.Second, 30*time.Second)
	base := time.Unix(1_700_000_000, 0)

	for i := 0; i < 19; i++ {
		_, fire := w.Observe("pid-1", base.Add(time.Duration(i)*time.Millisecond), 20)
		if fire {
			t.Fatalf("unexpected fire on observation %d (< threshold)", i+1)
		}
	}
	_, fire := w.Observe("pid-1", base.Add(19*time.Millisecond), 20)
	if !fire {
		t.Fatal("expected fire on the 20th observation")
	}
}

func TestWindow_PruneExpiredObservationsFromCount(t *testing.T) {
	w := NewWindow(5*time.Second, 30*time.Second)
	base := time.Unix(1_700_000_000, 0)

	for i := 0; i < 9; i++ {
		w.Observe("a", base, 100)
	}
	// These 9 fall outside the 5s window relative to the next observation.
	count, _ := w.Observe("a", base.Add(10*time.Second), 100)
	if count != 1 {
		t.Fatalf("expected stale observations pruned, count=%d", count)
	}
}

func TestWindow_CooldownSuppressesRefire(t *testing.T) {
	w := NewWindow(60*time.Second, 30*time.Second)
	fireAt := time.Unix(1_700_000_000, 0)

	for i := 0; i < 9; i++ {
		w.Observe("k", fireAt.Add(-time.Duration(9-i)*time.Millisecond), 10)
	}
	_, fire := w.Observe("k", fireAt, 10)
	if !fire {
		t.Fatal("expected the 10th observation to fire")
	}

	// Just before cooldown elapses: count still met, must not refire.
	_, fire = w.Observe("k", fireAt.Add(30*time.Second-time.Millisecond), 10)
	if fire {
		t.Fatal("expected cooldown to suppress refire just before t+30s")
	}

	// Just past cooldown: refire if threshold still met.
	_, fire = w.Observe("k", fireAt.Add(30*time.Second+time.Millisecond), 10)
	if !fire {
		t.Fatal("expected refire just after cooldown elapses with threshold still met")
	}
}

func TestWindow_PruneDropsQuietKeys(t *testing.T) {
	w := NewWindow(5*time.Second, 30*time.Second)
	base := time.Unix(1_700_000_000, 0)
	w.Observe("quiet", base, 100)
	w.Observe("busy", base.Add(time.Minute), 100)

	if purged := w.Prune(base.Add(time.Minute)); purged != 1 {
		t.Fatalf("expected only the quiet key purged, got %d", purged)
	}
	if count, _ := w.Observe("busy", base.Add(time.Minute), 100); count != 2 {
		t.Fatalf("expected the busy key to retain its observation, count=%d", count)
	}
}

func TestWindow_IndependentKeys(t *testing.T) {
	w := NewWindow(60*time.Second, 30*time.Second)
	now := time.Unix(1_700_000_000, 0)
	for i := 0; i < 9; i++ {
		if _, fire := w.Observe("a", now, 10); fire {
			t.Fatal("unexpected fire for key a below threshold")
		}
	}
	for i := 0; i < 9; i++ {
		if _, fire := w.Observe("b", now, 10); fire {
			t.Fatal("unexpected fire for key b below threshold")
		}
	}
}
