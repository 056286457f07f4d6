package detect

import (
	"strconv"
	"time"

	"github.com/kernox/kernox/internal/event"
)

// RansomwareDetector fires alert_ransomware_burst when a single pid
// issues >= threshold file writes within the window (default 5s window,
// 20 writes). Every write counts; paths are not deduplicated.
type RansomwareDetector struct {
	window    *Window
	threshold int
}

func NewRansomwareDetector() *RansomwareDetector {
	return NewRansomwareDetectorWithConfig(20, 5*time.Second, 30*time.Second)
}

// NewRansomwareDetectorWithConfig builds a RansomwareDetector from the
// agent's detectors.ransomware_threshold/ransomware_window/cooldown
// config values, letting a deployment retune the burst detector without
// a code change.
func NewRansomwareDetectorWithConfig(threshold int, window, cooldown time.Duration) *RansomwareDetector {
	return &RansomwareDetector{
		window:    NewWindow(window, cooldown),
		threshold: threshold,
	}
}

// Observe inspects a file_write event and returns an alert event if the
// burst threshold fires, else (nil, false).
func (d *RansomwareDetector) Observe(ev *event.Event, em *event.Emitter, now time.Time) (*event.Event, bool) {
	if ev.EventType != event.TypeFileWrite || ev.Process == nil {
		return nil, false
	}
	key := strconv.FormatUint(uint64(ev.Process.PID), 10)
	count, fire := d.window.Observe(key, now, d.threshold)
	if !fire {
		return nil, false
	}
	return em.New(event.TypeAlertRansomwareBurst, event.SeverityHigh, event.Payload{
		Process: ev.Process,
		Alert: &event.Alert{
			Rule:    "ransomware_burst",
			Details: map[string]string{"pid": key},
			Count:   countPtr(count),
			WindowS: windowPtr(d.window.Seconds()),
		},
	})
}

// Prune discards window keys with no recent observations and no live
// cooldown. Called periodically by the orchestrator's heartbeat tick.
func (d *RansomwareDetector) Prune(now time.Time) {
	d.window.Prune(now)
}

func countPtr(n int) *uint32 {
	v := uint32(n)
	return &v
}

func windowPtr(s uint32) *uint32 {
	return &s
}
