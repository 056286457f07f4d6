package detect

import "github.com/kernox/kernox/internal/event"

// defaultEntropyThreshold and defaultMinLabelLen are the suspicious-DNS
// thresholds: the leftmost label's Shannon entropy must
// exceed 3.8 bits AND the label must be at least 12 characters long.
// Both conditions are required — a long dictionary word has low
// entropy, and a short random string rarely clears 3.8 bits.
const (
	defaultEntropyThreshold = 3.8
	defaultMinLabelLen      = 12
)

// DGADetector is a one-shot (unwindowed) check run against every
// dns_query event's query name.
type DGADetector struct {
	entropyThreshold float64
	minLabelLen      int
}

func NewDGADetector() *DGADetector {
	return NewDGADetectorWithConfig(defaultEntropyThreshold, defaultMinLabelLen)
}

// NewDGADetectorWithConfig builds a DGADetector from the agent's
// detectors.dga_entropy_threshold/dga_min_label_len config values.
func NewDGADetectorWithConfig(entropyThreshold float64, minLabelLen int) *DGADetector {
	return &DGADetector{entropyThreshold: entropyThreshold, minLabelLen: minLabelLen}
}

func (d *DGADetector) Observe(ev *event.Event, em *event.Emitter) (*event.Event, bool) {
	if ev.EventType != event.TypeDNSQuery || ev.Network == nil || ev.Network.Query == nil {
		return nil, false
	}
	label := leftmostLabel(*ev.Network.Query)
	if len(label) < d.minLabelLen {
		return nil, false
	}
	h := shannonEntropy(label)
	if h <= d.entropyThreshold {
		return nil, false
	}
	return em.New(event.TypeAlertSuspiciousDNS, event.SeverityMedium, event.Payload{
		Process: ev.Process,
		Network: ev.Network,
		Alert: &event.Alert{
			Rule:    "suspicious_dns",
			Details: map[string]string{"query": *ev.Network.Query, "label": label},
		},
	})
}
