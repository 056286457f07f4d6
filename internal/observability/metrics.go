// Package observability — metrics.go
//
// Prometheus metrics for the KERNOX agent.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: kernox_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - Adapter/detector names are fixed, small label sets.
//   - PID is NOT used as a label (unbounded cardinality).
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for KERNOX.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Probe adapters ───────────────────────────────────────────────────────

	// AdapterIngestedTotal counts canonical events produced by each probe
	// adapter. Labels: adapter (process, file, network, privilege, dns,
	// auth, logtamper).
	AdapterIngestedTotal *prometheus.CounterVec

	// AdapterDroppedTotal counts events an adapter dropped, either due to
	// a malformed record or a full bus. Labels: adapter.
	AdapterDroppedTotal *prometheus.CounterVec

	// EventBusDepth is the current depth of the shared adapter→orchestrator
	// event channel.
	EventBusDepth prometheus.Gauge

	// SchemaRejectsTotal counts events the emitter refused to construct
	// due to an unrecognized type or severity.
	SchemaRejectsTotal prometheus.Counter

	// ─── Detectors ────────────────────────────────────────────────────────────

	// DetectorAlertsTotal counts alerts fired per detector. Labels:
	// detector (ransomware, beacon, bruteforce, privesc, dga).
	DetectorAlertsTotal *prometheus.CounterVec

	// RuleMatchesTotal counts alert_rule_match events fired by the
	// declarative rule engine.
	RuleMatchesTotal prometheus.Counter

	// ─── Transport ────────────────────────────────────────────────────────────

	// TransportFlushedTotal counts events successfully delivered.
	TransportFlushedTotal prometheus.Counter

	// TransportRetriedTotal counts flush attempts that failed and were
	// retried.
	TransportRetriedTotal prometheus.Counter

	// TransportSpooledTotal counts events written to the fallback spool
	// after repeated flush failures.
	TransportSpooledTotal prometheus.Counter

	// TransportDroppedTotal counts events dropped from the bounded
	// transport queue under backpressure (oldest-event eviction).
	TransportDroppedTotal prometheus.Counter

	// TransportQueueDepth is the current depth of the transport's
	// in-memory batching queue.
	TransportQueueDepth prometheus.Gauge

	// ─── Agent ────────────────────────────────────────────────────────────────

	// AgentUptimeSeconds is the number of seconds since agent start.
	AgentUptimeSeconds prometheus.Gauge

	// startTime records when the agent started (for uptime calculation).
	startTime time.Time
}

// NewMetrics creates and registers all KERNOX Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		AdapterIngestedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kernox",
			Subsystem: "adapter",
			Name:      "ingested_total",
			Help:      "Total canonical events produced, by adapter.",
		}, []string{"adapter"}),

		AdapterDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kernox",
			Subsystem: "adapter",
			Name:      "dropped_total",
			Help:      "Total events dropped by an adapter, by adapter.",
		}, []string{"adapter"}),

		EventBusDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kernox",
			Subsystem: "adapter",
			Name:      "bus_depth",
			Help:      "Current depth of the shared adapter-to-orchestrator event channel.",
		}),

		SchemaRejectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kernox",
			Subsystem: "event",
			Name:      "schema_rejects_total",
			Help:      "Total events rejected by the emitter due to an unrecognized type or severity.",
		}),

		DetectorAlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kernox",
			Subsystem: "detect",
			Name:      "alerts_total",
			Help:      "Total alerts fired, by detector.",
		}, []string{"detector"}),

		RuleMatchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kernox",
			Subsystem: "rules",
			Name:      "matches_total",
			Help:      "Total alert_rule_match events fired by the declarative rule engine.",
		}),

		TransportFlushedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kernox",
			Subsystem: "transport",
			Name:      "flushed_total",
			Help:      "Total events successfully delivered to the backend.",
		}),

		TransportRetriedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kernox",
			Subsystem: "transport",
			Name:      "retried_total",
			Help:      "Total flush attempts that failed and were retried.",
		}),

		TransportSpooledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kernox",
			Subsystem: "transport",
			Name:      "spooled_total",
			Help:      "Total events written to the fallback spool after repeated flush failures.",
		}),

		TransportDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kernox",
			Subsystem: "transport",
			Name:      "dropped_total",
			Help:      "Total events dropped from the bounded transport queue under backpressure.",
		}),

		TransportQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kernox",
			Subsystem: "transport",
			Name:      "queue_depth",
			Help:      "Current depth of the transport's in-memory batching queue.",
		}),

		AgentUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kernox",
			Subsystem: "agent",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the agent started.",
		}),
	}

	reg.MustRegister(
		m.AdapterIngestedTotal,
		m.AdapterDroppedTotal,
		m.EventBusDepth,
		m.SchemaRejectsTotal,
		m.DetectorAlertsTotal,
		m.RuleMatchesTotal,
		m.TransportFlushedTotal,
		m.TransportRetriedTotal,
		m.TransportSpooledTotal,
		m.TransportDroppedTotal,
		m.TransportQueueDepth,
		m.AgentUptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given address.
// Blocks until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// updateUptime periodically updates the AgentUptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.AgentUptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}

// CounterSnapshot mirrors an orchestrator.Counters reading into the
// plain-value shape Sync needs, decoupling this package from importing
// the orchestrator package directly (cmd/kernox-agent wires the two
// together).
type CounterSnapshot struct {
	AdapterIngested     map[string]uint64
	AdapterDropped      map[string]uint64
	DetectorAlerts      map[string]uint64
	RuleMatches         uint64
	TransportFlushed    uint64
	TransportRetried    uint64
	TransportSpooled    uint64
	TransportDropped    uint64
	TransportQueueDepth int
	SchemaRejects       uint64
}

// Sync advances every counter-typed metric by the delta between prev and
// cur (the orchestrator holds the authoritative running totals; this
// mirrors them for Prometheus scraping) and sets the queue-depth gauge
// to cur's value directly.
func (m *Metrics) Sync(prev, cur CounterSnapshot) {
	for adapter, n := range cur.AdapterIngested {
		if d := n - prev.AdapterIngested[adapter]; d > 0 {
			m.AdapterIngestedTotal.WithLabelValues(adapter).Add(float64(d))
		}
	}
	for adapter, n := range cur.AdapterDropped {
		if d := n - prev.AdapterDropped[adapter]; d > 0 {
			m.AdapterDroppedTotal.WithLabelValues(adapter).Add(float64(d))
		}
	}
	for detector, n := range cur.DetectorAlerts {
		if d := n - prev.DetectorAlerts[detector]; d > 0 {
			m.DetectorAlertsTotal.WithLabelValues(detector).Add(float64(d))
		}
	}
	if d := cur.RuleMatches - prev.RuleMatches; d > 0 {
		m.RuleMatchesTotal.Add(float64(d))
	}
	if d := cur.TransportFlushed - prev.TransportFlushed; d > 0 {
		m.TransportFlushedTotal.Add(float64(d))
	}
	if d := cur.TransportRetried - prev.TransportRetried; d > 0 {
		m.TransportRetriedTotal.Add(float64(d))
	}
	if d := cur.TransportSpooled - prev.TransportSpooled; d > 0 {
		m.TransportSpooledTotal.Add(float64(d))
	}
	if d := cur.TransportDropped - prev.TransportDropped; d > 0 {
		m.TransportDroppedTotal.Add(float64(d))
	}
	if d := cur.SchemaRejects - prev.SchemaRejects; d > 0 {
		m.SchemaRejectsTotal.Add(float64(d))
	}
	m.TransportQueueDepth.Set(float64(cur.TransportQueueDepth))
}
