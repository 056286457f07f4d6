// Package rules implements the declarative YAML rule engine: a
// closed dotted-path field resolver, an operator table, and a loader
// for rule documents under a configured directory.
//
// Field resolution is a hand-written switch over the closed set of
// dotted paths the event schema defines — never reflection over struct
// tags: the schema is closed, so ad-hoc key lookup would only paper
// over typos in rule files.
package rules

import "github.com/kernox/kernox/internal/event"

// Resolve returns the value at the given dotted path within ev, and
// whether the path resolved to a populated value. A syntactically valid
// but unpopulated path (e.g. "file.path" on a process_start event, whose
// File slot is nil) returns (nil, false) — the caller treats this the
// same as a wholly unknown path: the condition is false, never an error.
func Resolve(ev *event.Event, path string) (any, bool) {
	switch path {
	case "event_type":
		return string(ev.EventType), true
	case "severity":
		return string(ev.Severity), true
	case "endpoint.hostname":
		return ev.Endpoint.Hostname, true

	case "process.pid":
		if ev.Process == nil {
			return nil, false
		}
		return float64(ev.Process.PID), true
	case "process.ppid":
		if ev.Process == nil {
			return nil, false
		}
		return float64(ev.Process.PPID), true
	case "process.name":
		if ev.Process == nil {
			return nil, false
		}
		return ev.Process.Name, true
	case "process.path":
		if ev.Process == nil {
			return nil, false
		}
		return ev.Process.Path, true
	case "process.user":
		if ev.Process == nil {
			return nil, false
		}
		return ev.Process.User, true

	case "file.path":
		if ev.File == nil {
			return nil, false
		}
		return ev.File.Path, true
	case "file.operation":
		if ev.File == nil {
			return nil, false
		}
		return string(ev.File.Operation), true
	case "file.old_path":
		if ev.File == nil || ev.File.OldPath == nil {
			return nil, false
		}
		return *ev.File.OldPath, true

	case "network.protocol":
		if ev.Network == nil {
			return nil, false
		}
		return string(ev.Network.Protocol), true
	case "network.dest_ip":
		if ev.Network == nil {
			return nil, false
		}
		return ev.Network.DestIP, true
	case "network.dest_port":
		if ev.Network == nil {
			return nil, false
		}
		return float64(ev.Network.DestPort), true
	case "network.query":
		if ev.Network == nil || ev.Network.Query == nil {
			return nil, false
		}
		return *ev.Network.Query, true

	case "auth.source":
		if ev.Auth == nil {
			return nil, false
		}
		return string(ev.Auth.Source), true
	case "auth.user":
		if ev.Auth == nil {
			return nil, false
		}
		return ev.Auth.User, true
	case "auth.source_ip":
		if ev.Auth == nil || ev.Auth.SourceIP == nil {
			return nil, false
		}
		return *ev.Auth.SourceIP, true
	case "auth.outcome":
		if ev.Auth == nil {
			return nil, false
		}
		return string(ev.Auth.Outcome), true

	case "alert.rule":
		if ev.Alert == nil {
			return nil, false
		}
		return ev.Alert.Rule, true

	default:
		return nil, false
	}
}
