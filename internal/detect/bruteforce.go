package detect

import (
	"time"

	"github.com/kernox/kernox/internal/event"
)

// BruteForceDetector fires alert_brute_force when a source_ip produces
// >= threshold failed SSH logins within the window (default 60s window,
// 5 failures).
type BruteForceDetector struct {
	window    *Window
	threshold int
}

func NewBruteForceDetector() *BruteForceDetector {
	return NewBruteForceDetectorWithConfig(5, 60*time.Second, 30*time.Second)
}

// NewBruteForceDetectorWithConfig builds a BruteForceDetector from the
// agent's detectors.brute_force_threshold/brute_force_window/cooldown
// config values.
func NewBruteForceDetectorWithConfig(threshold int, window, cooldown time.Duration) *BruteForceDetector {
	return &BruteForceDetector{
		window:    NewWindow(window, cooldown),
		threshold: threshold,
	}
}

// Prune discards window keys with no recent observations and no live
// cooldown.
func (d *BruteForceDetector) Prune(now time.Time) {
	d.window.Prune(now)
}

func (d *BruteForceDetector) Observe(ev *event.Event, em *event.Emitter, now time.Time) (*event.Event, bool) {
	if ev.EventType != event.TypeAuthLoginFailure || ev.Auth == nil || ev.Auth.Source != event.AuthSourceSSH {
		return nil, false
	}
	if ev.Auth.SourceIP == nil {
		return nil, false
	}
	key := *ev.Auth.SourceIP
	count, fire := d.window.Observe(key, now, d.threshold)
	if !fire {
		return nil, false
	}
	return em.New(event.TypeAlertBruteForce, event.SeverityHigh, event.Payload{
		Auth: ev.Auth,
		Alert: &event.Alert{
			Rule:    "brute_force",
			Details: map[string]string{"source_ip": key},
			Count:   countPtr(count),
			WindowS: windowPtr(d.window.Seconds()),
		},
	})
}
