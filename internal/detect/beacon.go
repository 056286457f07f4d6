package detect

import (
	"strconv"
	"time"

	"github.com/kernox/kernox/internal/event"
)

// BeaconDetector fires alert_c2_beaconing when a (pid, dest_ip) pair
// connects >= threshold times within the window (default 60s window,
// 10 connects).
type BeaconDetector struct {
	window    *Window
	threshold int
}

func NewBeaconDetector() *BeaconDetector {
	return NewBeaconDetectorWithConfig(10, 60*time.Second, 30*time.Second)
}

// NewBeaconDetectorWithConfig builds a BeaconDetector from the agent's
// detectors.beacon_threshold/beacon_window/cooldown config values.
func NewBeaconDetectorWithConfig(threshold int, window, cooldown time.Duration) *BeaconDetector {
	return &BeaconDetector{
		window:    NewWindow(window, cooldown),
		threshold: threshold,
	}
}

// Prune discards window keys with no recent observations and no live
// cooldown.
func (d *BeaconDetector) Prune(now time.Time) {
	d.window.Prune(now)
}

func (d *BeaconDetector) Observe(ev *event.Event, em *event.Emitter, now time.Time) (*event.Event, bool) {
	if ev.EventType != event.TypeNetworkConnect || ev.Process == nil || ev.Network == nil {
		return nil, false
	}
	key := strconv.FormatUint(uint64(ev.Process.PID), 10) + "|" + ev.Network.DestIP
	count, fire := d.window.Observe(key, now, d.threshold)
	if !fire {
		return nil, false
	}
	return em.New(event.TypeAlertC2Beaconing, event.SeverityHigh, event.Payload{
		Process: ev.Process,
		Network: ev.Network,
		Alert: &event.Alert{
			Rule:    "c2_beaconing",
			Details: map[string]string{"pid": strconv.FormatUint(uint64(ev.Process.PID), 10), "dest_ip": ev.Network.DestIP},
			Count:   countPtr(count),
			WindowS: windowPtr(d.window.Seconds()),
		},
	})
}
