// Package event defines the canonical KERNOX event schema and the
// constructor that every probe adapter, detector, and rule-match path uses
// to produce one.
//
// An Event is immutable after construction. Exactly the payload fields
// required by its Type's category (see categoryOf) are non-nil; the rest
// are left nil so JSON serialization emits them as null, per the wire
// format.
package event

import (
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Type is the closed event-type enum.
type Type string

const (
	TypeProcessStart Type = "process_start"
	TypeProcessStop  Type = "process_stop"

	TypeFileOpen   Type = "file_open"
	TypeFileWrite  Type = "file_write"
	TypeFileRename Type = "file_rename"
	TypeFileDelete Type = "file_delete"

	TypeNetworkConnect Type = "network_connect"
	TypeDNSQuery       Type = "dns_query"

	TypePrivilegeChange Type = "privilege_change"

	TypeAuthLoginSuccess Type = "auth_login_success"
	TypeAuthLoginFailure Type = "auth_login_failure"
	TypeAuthSudo         Type = "auth_sudo"

	TypeAlertRansomwareBurst     Type = "alert_ransomware_burst"
	TypeAlertC2Beaconing         Type = "alert_c2_beaconing"
	TypeAlertPrivilegeEscalation Type = "alert_privilege_escalation"
	TypeAlertBruteForce          Type = "alert_brute_force"
	TypeAlertSuspiciousDNS       Type = "alert_suspicious_dns"
	TypeAlertLogTamper           Type = "alert_log_tamper"
	TypeAlertRuleMatch           Type = "alert_rule_match"

	TypeResponseAction   Type = "response_action"
	TypeResponseRollback Type = "response_rollback"

	TypeHeartbeat Type = "heartbeat"
)

// Severity is the closed severity enum, ordered low to high.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// category identifies which payload slots a Type requires.
type category int

const (
	catProcess category = iota
	catFile
	catNetworkOrDNS
	catPrivilege
	catAuth
	catAlert
	catHeartbeat
	catResponse
	catUnknown
)

func categoryOf(t Type) category {
	switch t {
	case TypeProcessStart, TypeProcessStop:
		return catProcess
	case TypeFileOpen, TypeFileWrite, TypeFileRename, TypeFileDelete:
		return catFile
	case TypeNetworkConnect, TypeDNSQuery:
		return catNetworkOrDNS
	case TypePrivilegeChange:
		return catPrivilege
	case TypeAuthLoginSuccess, TypeAuthLoginFailure, TypeAuthSudo:
		return catAuth
	case TypeAlertRansomwareBurst, TypeAlertC2Beaconing, TypeAlertPrivilegeEscalation,
		TypeAlertBruteForce, TypeAlertSuspiciousDNS, TypeAlertLogTamper, TypeAlertRuleMatch:
		return catAlert
	case TypeHeartbeat:
		return catHeartbeat
	case TypeResponseAction, TypeResponseRollback:
		return catResponse
	default:
		return catUnknown
	}
}

// Endpoint identifies the host this agent runs on.
type Endpoint struct {
	EndpointID string `json:"endpoint_id"`
	Hostname   string `json:"hostname"`
}

// Process is the process payload slot.
type Process struct {
	PID  uint32 `json:"pid"`
	PPID uint32 `json:"ppid"`
	Name string `json:"name"`
	Path string `json:"path"`
	User string `json:"user"`
}

// FileOp is the closed file-operation enum.
type FileOp string

const (
	FileOpOpen   FileOp = "open"
	FileOpWrite  FileOp = "write"
	FileOpRename FileOp = "rename"
	FileOpDelete FileOp = "delete"
)

// File is the file payload slot.
type File struct {
	Path      string  `json:"path"`
	Operation FileOp  `json:"operation"`
	OldPath   *string `json:"old_path,omitempty"`
}

// NetProtocol is the closed network-protocol enum.
type NetProtocol string

const (
	ProtoTCP NetProtocol = "tcp"
	ProtoUDP NetProtocol = "udp"
)

// Network is the network payload slot. Query is populated only for
// dns_query events.
type Network struct {
	Protocol NetProtocol `json:"protocol"`
	DestIP   string      `json:"dest_ip"`
	DestPort uint16      `json:"dest_port"`
	Query    *string     `json:"query,omitempty"`
}

// AuthSource is the closed auth-source enum.
type AuthSource string

const (
	AuthSourceSSH  AuthSource = "ssh"
	AuthSourceSudo AuthSource = "sudo"
)

// AuthOutcome is the closed auth-outcome enum.
type AuthOutcome string

const (
	AuthOutcomeSuccess AuthOutcome = "success"
	AuthOutcomeFailure AuthOutcome = "failure"
)

// Auth is the auth payload slot.
type Auth struct {
	Source   AuthSource  `json:"source"`
	User     string      `json:"user"`
	SourceIP *string     `json:"source_ip,omitempty"`
	Outcome  AuthOutcome `json:"outcome"`
}

// Alert is the alert payload slot.
type Alert struct {
	Rule     string            `json:"rule"`
	Details  map[string]string `json:"details"`
	Count    *uint32           `json:"count,omitempty"`
	WindowS  *uint32           `json:"window_s,omitempty"`
}

// Event is the canonical, immutable-after-construction KERNOX record.
type Event struct {
	EventID       string   `json:"event_id"`
	SchemaVersion string   `json:"schema_version"`
	Timestamp     string   `json:"timestamp"`
	Endpoint      Endpoint `json:"endpoint"`
	EventType     Type     `json:"event_type"`
	Severity      Severity `json:"severity"`

	Process   *Process `json:"process"`
	File      *File    `json:"file"`
	Network   *Network `json:"network"`
	Auth      *Auth    `json:"auth"`
	Alert     *Alert   `json:"alert"`
	Signature *string  `json:"signature"`
}

// SchemaVersion is the fixed schema version string carried by every event.
const SchemaVersion = "1.0"

const (
	maxNameLen = 16
	maxPathLen = 256
)

// SanitizeName and SanitizePath apply the same control-stripping and
// length-bounding rules New uses internally to a
// raw string obtained outside of New — e.g. a process name read back out
// of the lineage graph during enrichment, which was stored there
// unsanitized at ingestion time.
func SanitizeName(s string) string { return sanitizeString(s, maxNameLen) }
func SanitizePath(s string) string { return sanitizeString(s, maxPathLen) }

// Payload bundles the category-specific fields passed to New. Only the
// field(s) relevant to the requested category need be set; the rest are
// ignored.
type Payload struct {
	Process *Process
	File    *File
	Network *Network
	Auth    *Auth
	Alert   *Alert
}

// Rejects counts events dropped by New due to an invalid Type or
// Severity. Atomic because one Emitter is shared by every adapter
// goroutine plus the orchestrator.
type Rejects struct {
	n atomic.Uint64
}

// Count returns the number of rejected construction attempts so far.
func (r *Rejects) Count() uint64 { return r.n.Load() }

// Emitter constructs canonical events for one endpoint.
type Emitter struct {
	endpoint Endpoint
	rejects  Rejects
}

// NewEmitter creates an Emitter stamping every event with the given
// endpoint identity.
func NewEmitter(endpointID, hostname string) *Emitter {
	return &Emitter{endpoint: Endpoint{EndpointID: endpointID, Hostname: hostname}}
}

// Rejects returns the emitter's schema-reject counter.
func (e *Emitter) Rejects() *Rejects { return &e.rejects }

// New constructs a validated, sanitized Event of the given type and
// severity carrying payload. Returns (nil, false) if t or sev is not a
// recognized enum value, incrementing the schema-reject counter — the
// caller must drop the event.
//
// New never performs I/O and never blocks.
func (e *Emitter) New(t Type, sev Severity, payload Payload) (*Event, bool) {
	cat := categoryOf(t)
	if cat == catUnknown {
		e.rejects.n.Add(1)
		return nil, false
	}
	if !validSeverity(sev) {
		e.rejects.n.Add(1)
		return nil, false
	}

	ev := &Event{
		EventID:       uuid.NewString(),
		SchemaVersion: SchemaVersion,
		Timestamp:     time.Now().UTC().Truncate(time.Second).Format(time.RFC3339),
		Endpoint:      e.endpoint,
		EventType:     t,
		Severity:      sev,
	}

	switch cat {
	case catProcess, catPrivilege:
		ev.Process = sanitizeProcess(payload.Process)
	case catFile:
		ev.Process = sanitizeProcess(payload.Process)
		ev.File = sanitizeFile(payload.File)
	case catNetworkOrDNS:
		ev.Process = sanitizeProcess(payload.Process)
		ev.Network = sanitizeNetwork(payload.Network)
	case catAuth:
		ev.Auth = sanitizeAuth(payload.Auth)
		if payload.Process != nil {
			ev.Process = sanitizeProcess(payload.Process)
		}
	case catAlert, catResponse:
		ev.Alert = sanitizeAlert(payload.Alert)
		if payload.Process != nil {
			ev.Process = sanitizeProcess(payload.Process)
		}
		if payload.File != nil {
			ev.File = sanitizeFile(payload.File)
		}
		if payload.Network != nil {
			ev.Network = sanitizeNetwork(payload.Network)
		}
		if payload.Auth != nil {
			ev.Auth = sanitizeAuth(payload.Auth)
		}
	case catHeartbeat:
		// The alert slot is used only to surface runtime counters in
		// details; all other slots stay nil.
		if payload.Alert != nil {
			ev.Alert = sanitizeAlert(payload.Alert)
		}
	}

	return ev, true
}

func validSeverity(s Severity) bool {
	switch s {
	case SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	default:
		return false
	}
}

// sanitizeString coerces to valid UTF-8, strips C0 control characters
// other than tab (0x09), and truncates to at most maxLen bytes, cutting
// on a rune boundary so the result stays valid UTF-8.
func sanitizeString(s string, maxLen int) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 0x20 && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	if len(out) > maxLen {
		cut := maxLen
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut]
	}
	return out
}

func sanitizeProcess(p *Process) *Process {
	if p == nil {
		return nil
	}
	return &Process{
		PID:  p.PID,
		PPID: p.PPID,
		Name: sanitizeString(p.Name, maxNameLen),
		Path: sanitizeString(p.Path, maxPathLen),
		User: sanitizeString(p.User, maxPathLen),
	}
}

func sanitizeFile(f *File) *File {
	if f == nil {
		return nil
	}
	out := &File{
		Path:      sanitizeString(f.Path, maxPathLen),
		Operation: f.Operation,
	}
	if f.OldPath != nil {
		v := sanitizeString(*f.OldPath, maxPathLen)
		out.OldPath = &v
	}
	return out
}

func sanitizeNetwork(n *Network) *Network {
	if n == nil {
		return nil
	}
	out := &Network{
		Protocol: n.Protocol,
		DestIP:   sanitizeString(n.DestIP, maxPathLen),
		DestPort: n.DestPort,
	}
	if n.Query != nil {
		v := sanitizeString(*n.Query, maxPathLen)
		out.Query = &v
	}
	return out
}

func sanitizeAuth(a *Auth) *Auth {
	if a == nil {
		return nil
	}
	out := &Auth{
		Source:  a.Source,
		User:    sanitizeString(a.User, maxPathLen),
		Outcome: a.Outcome,
	}
	if a.SourceIP != nil {
		v := sanitizeString(*a.SourceIP, maxPathLen)
		out.SourceIP = &v
	}
	return out
}

func sanitizeAlert(a *Alert) *Alert {
	if a == nil {
		return nil
	}
	details := make(map[string]string, len(a.Details))
	for k, v := range a.Details {
		details[sanitizeString(k, maxPathLen)] = sanitizeString(v, maxPathLen)
	}
	return &Alert{
		Rule:    sanitizeString(a.Rule, maxPathLen),
		Details: details,
		Count:   a.Count,
		WindowS: a.WindowS,
	}
}
