// Package detect implements the temporal detectors: sliding-window
// threshold counters with a per-key cooldown, plus the one-shot DGA
// entropy check.
//
// Window is a mutex-protected map keyed by an arbitrary string, holding
// the timestamps observed for that key within the sliding window and
// pruning stale entries on every observation.
package detect

import (
	"sync"
	"time"
)

// Window is a single sliding-window threshold counter with cooldown,
// shared by the ransomware, beaconing, and brute-force detectors (each
// owns its own Window instance with its own window/threshold/cooldown).
type Window struct {
	mu       sync.Mutex
	windowS  time.Duration
	cooldown time.Duration

	entries       map[string][]time.Time
	cooldownUntil map[string]time.Time
}

// NewWindow creates a Window with the given sliding-window duration and
// post-fire cooldown duration.
func NewWindow(windowS, cooldown time.Duration) *Window {
	return &Window{
		windowS:       windowS,
		cooldown:      cooldown,
		entries:       make(map[string][]time.Time),
		cooldownUntil: make(map[string]time.Time),
	}
}

// Seconds returns the window duration in whole seconds, for populating
// an alert's WindowS field without the caller needing to track the
// configured duration separately.
func (w *Window) Seconds() uint32 {
	return uint32(w.windowS / time.Second)
}

// Observe records an occurrence for key at time now, prunes entries
// older than the window, and reports the current in-window count plus
// whether this observation should fire an alert: count >= threshold and
// key is not currently in its post-fire cooldown. Firing resets the
// cooldown; observations made during cooldown still accumulate into the
// count but never fire.
func (w *Window) Observe(key string, now time.Time, threshold int) (count int, fire bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-w.windowS)
	ts := append(w.entries[key], now)
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.entries[key] = kept
	count = len(kept)

	if until, ok := w.cooldownUntil[key]; ok && now.Before(until) {
		return count, false
	}
	if count >= threshold {
		w.cooldownUntil[key] = now.Add(w.cooldown)
		return count, true
	}
	return count, false
}

// Prune removes keys with no timestamps remaining in the window and no
// live cooldown, bounding memory for keys (pids, ips) that stop
// appearing. Intended to be called periodically, e.g. on heartbeat.
func (w *Window) Prune(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-w.windowS)
	purged := 0
	for key, ts := range w.entries {
		active := false
		for _, t := range ts {
			if t.After(cutoff) {
				active = true
				break
			}
		}
		if until, onCooldown := w.cooldownUntil[key]; onCooldown && now.Before(until) {
			active = true
		}
		if !active {
			delete(w.entries, key)
			delete(w.cooldownUntil, key)
			purged++
		}
	}
	return purged
}
