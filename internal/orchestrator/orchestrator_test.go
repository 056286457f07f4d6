package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kernox/kernox/internal/detect"
	"github.com/kernox/kernox/internal/event"
	"github.com/kernox/kernox/internal/lineage"
	"github.com/kernox/kernox/internal/probe"
	"github.com/kernox/kernox/internal/rules"
)

// fakeAdapter feeds a fixed slice of pre-built events onto the bus, then
// returns — standing in for a real BPF/log-tailer source so these tests
// exercise only the orchestrator's fan-out logic.
type fakeAdapter struct {
	name   string
	events []*event.Event
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Run(ctx context.Context, bus probe.Bus) error {
	for _, ev := range f.events {
		select {
		case bus <- ev:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

func (f *fakeAdapter) Stats() probe.Stats {
	return probe.Stats{Ingested: uint64(len(f.events))}
}

// memTransport records every enqueued event for assertion, with no
// batching or delivery — a stand-in for the real http/stdout transports.
type memTransport struct {
	mu     sync.Mutex
	events []*event.Event
}

func (m *memTransport) Enqueue(ev *event.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

func (m *memTransport) Close() error { return nil }

func (m *memTransport) snapshot() []*event.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*event.Event, len(m.events))
	copy(out, m.events)
	return out
}

func countType(events []*event.Event, t event.Type) int {
	n := 0
	for _, ev := range events {
		if ev.EventType == t {
			n++
		}
	}
	return n
}

func runToCompletion(t *testing.T, o *Orchestrator) []*event.Event {
	t.Helper()
	mt := o.transport.(*memTransport)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		o.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(mt.snapshot()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond) // let the consumer drain everything queued
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("orchestrator did not shut down in time")
	}
	return mt.snapshot()
}

func newTestOrchestrator(adapters []probe.Adapter, detectors Detectors, eng *rules.Engine) (*Orchestrator, *event.Emitter) {
	em := event.NewEmitter("ep-1", "host-1")
	mt := &memTransport{}
	o := New(1000, adapters, em, nil, detectors, eng, mt, 0, zap.NewNop())
	return o, em
}

// TestOrchestrator_S1_RansomwareBurstFires feeds 20 file_write events for
// one PID within the detector's window and expects one ransomware alert.
func TestOrchestrator_S1_RansomwareBurstFires(t *testing.T) {
	em := event.NewEmitter("ep-1", "host-1")
	var events []*event.Event
	for i := 0; i < 20; i++ {
		ev, _ := em.New(event.TypeFileWrite, event.SeverityLow, event.Payload{
			Process: &event.Process{PID: 100},
			File:    &event.File{Path: fmt.Sprintf("/home/user/doc%d.txt", i), Operation: event.FileOpWrite},
		})
		events = append(events, ev)
	}
	adapters := []probe.Adapter{&fakeAdapter{name: "file", events: events}}
	o, _ := newTestOrchestrator(adapters, Detectors{Ransomware: detect.NewRansomwareDetector()}, nil)

	got := runToCompletion(t, o)
	if n := countType(got, event.TypeAlertRansomwareBurst); n != 1 {
		t.Fatalf("expected 1 ransomware alert, got %d (total events %d)", n, len(got))
	}
}

// TestOrchestrator_S2_BeaconingFires feeds 10 network_connect events to
// the same destination from one PID and expects one beaconing alert.
func TestOrchestrator_S2_BeaconingFires(t *testing.T) {
	em := event.NewEmitter("ep-1", "host-1")
	var events []*event.Event
	for i := 0; i < 10; i++ {
		ev, _ := em.New(event.TypeNetworkConnect, event.SeverityLow, event.Payload{
			Process: &event.Process{PID: 200},
			Network: &event.Network{Protocol: event.ProtoTCP, DestIP: "203.0.113.9", DestPort: 443},
		})
		events = append(events, ev)
	}
	adapters := []probe.Adapter{&fakeAdapter{name: "network", events: events}}
	o, _ := newTestOrchestrator(adapters, Detectors{Beacon: detect.NewBeaconDetector()}, nil)

	got := runToCompletion(t, o)
	if n := countType(got, event.TypeAlertC2Beaconing); n != 1 {
		t.Fatalf("expected 1 beaconing alert, got %d (total events %d)", n, len(got))
	}
}

// TestOrchestrator_S3_PrivilegeEscalationFiresImmediately feeds a single
// critical-severity privilege_change event and expects an immediate alert
// with no windowing.
func TestOrchestrator_S3_PrivilegeEscalationFiresImmediately(t *testing.T) {
	em := event.NewEmitter("ep-1", "host-1")
	ev, _ := em.New(event.TypePrivilegeChange, event.SeverityCritical, event.Payload{
		Process: &event.Process{PID: 300},
	})
	adapters := []probe.Adapter{&fakeAdapter{name: "privilege", events: []*event.Event{ev}}}
	o, _ := newTestOrchestrator(adapters, Detectors{PrivEsc: detect.NewPrivEscDetector()}, nil)

	got := runToCompletion(t, o)
	if n := countType(got, event.TypeAlertPrivilegeEscalation); n != 1 {
		t.Fatalf("expected 1 privilege escalation alert, got %d (total events %d)", n, len(got))
	}
}

// TestOrchestrator_S4_BruteForceFires feeds 5 ssh auth failures from one
// source IP and expects one brute-force alert.
func TestOrchestrator_S4_BruteForceFires(t *testing.T) {
	em := event.NewEmitter("ep-1", "host-1")
	ip := "198.51.100.7"
	var events []*event.Event
	for i := 0; i < 5; i++ {
		ev, _ := em.New(event.TypeAuthLoginFailure, event.SeverityLow, event.Payload{
			Auth: &event.Auth{Source: event.AuthSourceSSH, User: "root", SourceIP: &ip, Outcome: event.AuthOutcomeFailure},
		})
		events = append(events, ev)
	}
	adapters := []probe.Adapter{&fakeAdapter{name: "auth", events: events}}
	o, _ := newTestOrchestrator(adapters, Detectors{BruteForce: detect.NewBruteForceDetector()}, nil)

	got := runToCompletion(t, o)
	if n := countType(got, event.TypeAlertBruteForce); n != 1 {
		t.Fatalf("expected 1 brute-force alert, got %d (total events %d)", n, len(got))
	}
}

// TestOrchestrator_S5_RuleEngineFiresOnShellNetworkConnect exercises the
// rule engine path end-to-end alongside the detectors.
func TestOrchestrator_S5_RuleEngineFiresOnShellNetworkConnect(t *testing.T) {
	em := event.NewEmitter("ep-1", "host-1")
	ev, _ := em.New(event.TypeNetworkConnect, event.SeverityLow, event.Payload{
		Process: &event.Process{PID: 400, Name: "bash"},
		Network: &event.Network{Protocol: event.ProtoTCP, DestIP: "203.0.113.1", DestPort: 4444},
	})
	adapters := []probe.Adapter{&fakeAdapter{name: "network", events: []*event.Event{ev}}}

	r := &rules.Rule{
		Name:     "shell-network",
		Severity: "high",
		Match:    rules.MatchAll,
		Conditions: []rules.Condition{
			{Field: "event_type", Operator: rules.OpEquals, Value: "network_connect"},
			{Field: "process.name", Operator: rules.OpEquals, Value: "bash"},
		},
	}
	o, oem := newTestOrchestrator(adapters, Detectors{}, nil)
	o.SetRuleEngine(rules.NewEngine([]*rules.Rule{r}, oem))

	got := runToCompletion(t, o)
	if n := countType(got, event.TypeAlertRuleMatch); n != 1 {
		t.Fatalf("expected 1 rule match alert, got %d (total events %d)", n, len(got))
	}
}

// TestOrchestrator_S6_TransportFallbackDoesNotBlockPipeline checks the
// orchestrator side of the fallback scenario: the pipeline hands every
// event to the sink's Enqueue call. The sink here is the in-memory
// recorder, which never fails; the failing-backend spool path itself is
// covered by the transport package's S6 test.
func TestOrchestrator_S6_TransportFallbackDoesNotBlockPipeline(t *testing.T) {
	em := event.NewEmitter("ep-1", "host-1")
	var events []*event.Event
	for i := 0; i < 5; i++ {
		ev, _ := em.New(event.TypeProcessStart, event.SeverityLow, event.Payload{
			Process: &event.Process{PID: uint32(500 + i), Name: "bash"},
		})
		events = append(events, ev)
	}
	adapters := []probe.Adapter{&fakeAdapter{name: "process", events: events}}
	o, _ := newTestOrchestrator(adapters, Detectors{}, nil)

	got := runToCompletion(t, o)
	if n := countType(got, event.TypeProcessStart); n != 5 {
		t.Fatalf("expected all 5 process_start events to reach the sink, got %d", n)
	}
}

// TestOrchestrator_HeartbeatCarriesUptimeAndCounters verifies the
// heartbeat task publishes the counter set (and uptime) in the event's
// alert details.
func TestOrchestrator_HeartbeatCarriesUptimeAndCounters(t *testing.T) {
	em := event.NewEmitter("ep-1", "host-1")
	mt := &memTransport{}
	o := New(10, nil, em, nil, Detectors{}, nil, mt, 10*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		o.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if countType(mt.snapshot(), event.TypeHeartbeat) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("orchestrator did not shut down in time")
	}

	var hb *event.Event
	for _, ev := range mt.snapshot() {
		if ev.EventType == event.TypeHeartbeat {
			hb = ev
			break
		}
	}
	if hb == nil {
		t.Fatal("expected at least one heartbeat event")
	}
	if hb.Alert == nil {
		t.Fatal("expected heartbeat to carry counter details")
	}
	if _, ok := hb.Alert.Details["uptime_s"]; !ok {
		t.Fatalf("expected uptime_s in heartbeat details, got %+v", hb.Alert.Details)
	}
	if _, ok := hb.Alert.Details["rule_matches"]; !ok {
		t.Fatalf("expected rule_matches in heartbeat details, got %+v", hb.Alert.Details)
	}
}

// TestOrchestrator_EnrichesProcessSlotFromLineage exercises
// lineage-based enrichment: a file_write event carrying only a bare pid
// (as the file adapter's BPF record contains no name/path/user) must
// come out the other side with those fields filled in from the lineage
// graph, and a second enrichment pass must be a no-op.
func TestOrchestrator_EnrichesProcessSlotFromLineage(t *testing.T) {
	em := event.NewEmitter("ep-1", "host-1")
	graph := lineage.New()
	graph.OnExec(700, 1, "malware.bin", "/tmp/malware.bin", "root")

	ev, _ := em.New(event.TypeFileWrite, event.SeverityLow, event.Payload{
		Process: &event.Process{PID: 700},
		File:    &event.File{Path: "/tmp/evil.txt", Operation: event.FileOpWrite},
	})
	adapters := []probe.Adapter{&fakeAdapter{name: "file", events: []*event.Event{ev}}}

	mt := &memTransport{}
	o := New(1000, adapters, em, graph, Detectors{}, nil, mt, 0, zap.NewNop())

	got := runToCompletion(t, o)
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	p := got[0].Process
	if p.Name != "malware.bin" || p.Path != "/tmp/malware.bin" || p.User != "root" {
		t.Fatalf("expected process slot enriched from lineage, got %+v", p)
	}

	// A second enrichment pass over the already-enriched event changes nothing.
	o.enrich(got[0])
	if p.Name != "malware.bin" || p.Path != "/tmp/malware.bin" || p.User != "root" {
		t.Fatalf("expected idempotent re-enrichment, got %+v", p)
	}
}
