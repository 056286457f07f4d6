package detect

import "github.com/kernox/kernox/internal/event"

// PrivEscDetector fires alert_privilege_escalation immediately whenever
// a privilege_change event arrives with critical severity (a non-root
// process reaching uid 0) — unlike the other detectors it has no key or
// window: it is a direct, unthrottled pass-through.
type PrivEscDetector struct{}

func NewPrivEscDetector() *PrivEscDetector { return &PrivEscDetector{} }

func (d *PrivEscDetector) Observe(ev *event.Event, em *event.Emitter) (*event.Event, bool) {
	if ev.EventType != event.TypePrivilegeChange || ev.Severity != event.SeverityCritical {
		return nil, false
	}
	return em.New(event.TypeAlertPrivilegeEscalation, event.SeverityCritical, event.Payload{
		Process: ev.Process,
		Alert: &event.Alert{
			Rule:    "privilege_escalation",
			Details: map[string]string{},
		},
	})
}
