// Package orchestrator wires every other component into a single
// pipeline: each raw event is enriched from the lineage graph, pushed
// through the temporal detectors and the rule engine, and handed to
// transport, alongside a periodic heartbeat task and bounded,
// signal-driven shutdown.
package orchestrator

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kernox/kernox/internal/detect"
	"github.com/kernox/kernox/internal/event"
	"github.com/kernox/kernox/internal/lineage"
	"github.com/kernox/kernox/internal/probe"
	"github.com/kernox/kernox/internal/rules"
	"github.com/kernox/kernox/internal/transport"
)

// drainTimeout is how long shutdown waits for adapter goroutines to
// notice context cancellation and return.
const drainTimeout = 5 * time.Second

// finalFlushTimeout extends beyond drainTimeout to give the transport a
// last chance to deliver whatever is still queued.
const finalFlushTimeout = 30 * time.Second

// Detectors bundles the five temporal/stateless detectors an event is
// run through, in a fixed order: ransomware, beacon, brute force,
// privilege escalation, then DGA.
type Detectors struct {
	Ransomware *detect.RansomwareDetector
	Beacon     *detect.BeaconDetector
	BruteForce *detect.BruteForceDetector
	PrivEsc    *detect.PrivEscDetector
	DGA        *detect.DGADetector
}

// Counters is the heartbeat payload: per-adapter ingested/dropped,
// per-detector alert counts, rule matches, and transport delivery
// counters, surfaced in every heartbeat event's details.
type Counters struct {
	Adapters        map[string]probe.Stats `json:"adapters"`
	DetectorAlerts  map[string]uint64      `json:"detector_alerts"`
	RuleMatches     uint64                 `json:"rule_matches"`
	TransportStats  transport.Counters     `json:"transport"`
	SchemaRejects   uint64                 `json:"schema_rejects"`
}

// Orchestrator owns the event bus, drives every adapter, and fans each
// event out through detection and rules before transport.
type Orchestrator struct {
	adapters  []probe.Adapter
	bus       chan *event.Event
	emitter   *event.Emitter
	graph     *lineage.Graph
	detMu     sync.RWMutex
	detectors Detectors
	ruleMu    sync.RWMutex
	ruleEng   *rules.Engine
	transport transport.Transport
	log       *zap.Logger

	heartbeatEvery time.Duration
	started        time.Time

	detectorCountsMu sync.Mutex
	detectorCounts   map[string]uint64
	ruleMatches      atomic.Uint64

	wg sync.WaitGroup
}

// New builds an Orchestrator. busCap is the shared bus channel capacity
// every adapter writes into. graph is the shared lineage graph used to
// enrich each event's process slot before
// it reaches detectors/rules/transport; it may be nil,
// in which case enrichment is skipped (e.g. in tests that feed
// pre-enriched fixture events directly).
func New(busCap int, adapters []probe.Adapter, em *event.Emitter, graph *lineage.Graph, detectors Detectors, ruleEng *rules.Engine, tr transport.Transport, heartbeatEvery time.Duration, log *zap.Logger) *Orchestrator {
	return &Orchestrator{
		adapters:       adapters,
		bus:            make(chan *event.Event, busCap),
		emitter:        em,
		graph:          graph,
		detectors:      detectors,
		ruleEng:        ruleEng,
		transport:      tr,
		log:            log,
		heartbeatEvery: heartbeatEvery,
		detectorCounts: make(map[string]uint64),
	}
}

// SetRuleEngine atomically swaps the rule engine, used by config
// hot-reload to pick up a re-read rules directory without restarting
// the orchestrator.
func (o *Orchestrator) SetRuleEngine(eng *rules.Engine) {
	o.ruleMu.Lock()
	o.ruleEng = eng
	o.ruleMu.Unlock()
}

func (o *Orchestrator) ruleEngine() *rules.Engine {
	o.ruleMu.RLock()
	defer o.ruleMu.RUnlock()
	return o.ruleEng
}

// SetDetectors atomically swaps the detector set, used by config
// hot-reload to pick up revised thresholds/windows without restarting
// the orchestrator (the detectors' own sliding-window state is
// discarded on swap — a reload resets in-flight windows).
func (o *Orchestrator) SetDetectors(d Detectors) {
	o.detMu.Lock()
	o.detectors = d
	o.detMu.Unlock()
}

func (o *Orchestrator) detectorSet() Detectors {
	o.detMu.RLock()
	defer o.detMu.RUnlock()
	return o.detectors
}

// Run starts every adapter and the consumer/heartbeat loops. It blocks
// until ctx is cancelled, then performs the bounded drain + extended
// final flush shutdown sequence before returning.
func (o *Orchestrator) Run(ctx context.Context) {
	o.started = time.Now()
	for _, a := range o.adapters {
		o.wg.Add(1)
		go func(a probe.Adapter) {
			defer o.wg.Done()
			if err := a.Run(ctx, o.bus); err != nil {
				o.log.Error("adapter exited with error", zap.String("adapter", a.Name()), zap.Error(err))
			}
		}(a)
	}

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		o.consume(ctx)
	}()

	heartbeatDone := make(chan struct{})
	if o.heartbeatEvery > 0 {
		go func() {
			defer close(heartbeatDone)
			o.runHeartbeat(ctx)
		}()
	} else {
		close(heartbeatDone)
	}

	<-ctx.Done()
	o.shutdown(consumerDone, heartbeatDone)
}

// consume is the single worker draining the bus: one goroutine
// processes events strictly in the order they arrive on the shared
// channel, preserving per-adapter FIFO while leaving cross-adapter
// ordering unspecified.
func (o *Orchestrator) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			o.drainBus()
			return
		case ev, ok := <-o.bus:
			if !ok {
				return
			}
			o.process(ev)
		}
	}
}

// drainBus flushes whatever is already buffered in the channel once ctx
// is cancelled, so a burst right before shutdown isn't silently lost.
func (o *Orchestrator) drainBus() {
	for {
		select {
		case ev, ok := <-o.bus:
			if !ok {
				return
			}
			o.process(ev)
		default:
			return
		}
	}
}

func (o *Orchestrator) process(ev *event.Event) {
	o.enrich(ev)
	o.transport.Enqueue(ev)

	now := time.Now()
	for _, alert := range o.runDetectors(ev, now) {
		o.transport.Enqueue(alert)
	}

	if eng := o.ruleEngine(); eng != nil {
		for _, match := range eng.Evaluate(ev) {
			o.ruleMatches.Add(1)
			o.transport.Enqueue(match)
		}
	}
}

// enrich fills in an event's process slot from the lineage graph.
// Probe adapters other than the process adapter only
// know a bare pid (file/network/privilege/dns records carry no name,
// path, or user); this is where that gap is closed by looking the pid
// up in the graph the process adapter populates on exec. Lineage
// updates themselves happen synchronously inside the
// process adapter at ingestion time, before the process_start/stop
// event ever reaches this bus — so by the time any event for a given
// pid is processed here, an exec for that pid (if one occurred) has
// already been applied.
//
// Enrichment only fills blank fields, so it is idempotent:
// an event whose process slot already carries a name/path/user is left
// untouched on a second pass.
func (o *Orchestrator) enrich(ev *event.Event) {
	if o.graph == nil || ev.Process == nil {
		return
	}
	if ev.Process.Name != "" && ev.Process.Path != "" && ev.Process.User != "" {
		return
	}
	node := o.graph.Lookup(ev.Process.PID)
	if node == nil {
		return
	}
	if ev.Process.Name == "" {
		ev.Process.Name = event.SanitizeName(node.Comm)
	}
	if ev.Process.Path == "" {
		ev.Process.Path = event.SanitizePath(node.ExePath)
	}
	if ev.Process.User == "" {
		ev.Process.User = event.SanitizePath(node.User)
	}
	if ev.Process.PPID == 0 {
		ev.Process.PPID = node.PPID
	}
}

func (o *Orchestrator) runDetectors(ev *event.Event, now time.Time) []*event.Event {
	var fired []*event.Event
	d := o.detectorSet()

	if d.Ransomware != nil {
		if alert, ok := d.Ransomware.Observe(ev, o.emitter, now); ok {
			fired = append(fired, alert)
			o.bumpDetector("ransomware")
		}
	}
	if d.Beacon != nil {
		if alert, ok := d.Beacon.Observe(ev, o.emitter, now); ok {
			fired = append(fired, alert)
			o.bumpDetector("beacon")
		}
	}
	if d.BruteForce != nil {
		if alert, ok := d.BruteForce.Observe(ev, o.emitter, now); ok {
			fired = append(fired, alert)
			o.bumpDetector("bruteforce")
		}
	}
	if d.PrivEsc != nil {
		if alert, ok := d.PrivEsc.Observe(ev, o.emitter); ok {
			fired = append(fired, alert)
			o.bumpDetector("privesc")
		}
	}
	if d.DGA != nil {
		if alert, ok := d.DGA.Observe(ev, o.emitter); ok {
			fired = append(fired, alert)
			o.bumpDetector("dga")
		}
	}

	return fired
}

func (o *Orchestrator) bumpDetector(name string) {
	o.detectorCountsMu.Lock()
	o.detectorCounts[name]++
	o.detectorCountsMu.Unlock()
}

func (o *Orchestrator) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(o.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			o.emitHeartbeat()
			o.maintain(now)
		}
	}
}

// maintain runs the periodic housekeeping that rides the heartbeat tick:
// purging expired lineage tombstones and pruning detector window keys
// that have gone quiet, so neither structure grows without bound.
func (o *Orchestrator) maintain(now time.Time) {
	if o.graph != nil {
		o.graph.Purge(now)
	}
	d := o.detectorSet()
	if d.Ransomware != nil {
		d.Ransomware.Prune(now)
	}
	if d.Beacon != nil {
		d.Beacon.Prune(now)
	}
	if d.BruteForce != nil {
		d.BruteForce.Prune(now)
	}
}

func (o *Orchestrator) emitHeartbeat() {
	c := o.Counters()
	details := map[string]string{
		"uptime_s": uintStr(uint64(time.Since(o.started) / time.Second)),
	}
	for name, s := range c.Adapters {
		details[name+"_ingested"] = uintStr(s.Ingested)
		details[name+"_dropped"] = uintStr(s.Dropped)
	}
	for name, n := range c.DetectorAlerts {
		details[name+"_alerts"] = uintStr(n)
	}
	details["rule_matches"] = uintStr(c.RuleMatches)
	details["transport_flushed"] = uintStr(c.TransportStats.Flushed)
	details["transport_retried"] = uintStr(c.TransportStats.Retried)
	details["transport_spooled"] = uintStr(c.TransportStats.Spooled)
	details["transport_dropped"] = uintStr(c.TransportStats.Dropped)

	ev, ok := o.emitter.New(event.TypeHeartbeat, event.SeverityInfo, event.Payload{
		Alert: &event.Alert{Rule: "heartbeat", Details: details},
	})
	if ok {
		o.transport.Enqueue(ev)
	}
}

// Counters snapshots every component's counters for the heartbeat
// payload and for external inspection (e.g. by the metrics server).
func (o *Orchestrator) Counters() Counters {
	adapters := make(map[string]probe.Stats, len(o.adapters))
	for _, a := range o.adapters {
		adapters[a.Name()] = a.Stats()
	}

	o.detectorCountsMu.Lock()
	detectorAlerts := make(map[string]uint64, len(o.detectorCounts))
	for k, v := range o.detectorCounts {
		detectorAlerts[k] = v
	}
	o.detectorCountsMu.Unlock()

	var txCounters transport.Counters
	if ht, ok := o.transport.(interface{ Counters() transport.Counters }); ok {
		txCounters = ht.Counters()
	}

	return Counters{
		Adapters:       adapters,
		DetectorAlerts: detectorAlerts,
		RuleMatches:    o.ruleMatches.Load(),
		TransportStats: txCounters,
		SchemaRejects:  o.emitter.Rejects().Count(),
	}
}

// shutdown waits up to drainTimeout for adapters/consumer/heartbeat to
// stop, then gives transport up to finalFlushTimeout to deliver whatever
// remains queued.
func (o *Orchestrator) shutdown(consumerDone, heartbeatDone <-chan struct{}) {
	adaptersDone := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(adaptersDone)
	}()

	drainTimer := time.NewTimer(drainTimeout)
	defer drainTimer.Stop()
	select {
	case <-adaptersDone:
	case <-drainTimer.C:
		o.log.Warn("adapter drain timeout — proceeding to final flush")
	}

	select {
	case <-consumerDone:
	case <-time.After(time.Second):
	}
	select {
	case <-heartbeatDone:
	case <-time.After(time.Second):
	}

	flushDone := make(chan struct{})
	go func() {
		_ = o.transport.Close()
		close(flushDone)
	}()
	flushTimer := time.NewTimer(finalFlushTimeout)
	defer flushTimer.Stop()
	select {
	case <-flushDone:
		o.log.Info("final transport flush complete")
	case <-flushTimer.C:
		o.log.Warn("final transport flush timed out")
	}
}

func uintStr(n uint64) string {
	return strconv.FormatUint(n, 10)
}
