// Package main — cmd/kernox-agent/main.go
//
// KERNOX agent entrypoint.
//
// Startup sequence:
//  1. Root check — abort if not running as root.
//  2. Load and validate config from /etc/kernox/config.yaml.
//  3. Initialise structured logger (zap, JSON format).
//  4. Load BPF programs (kernel version check, bpffs check, CO-RE load, pin).
//  5. Open one ring buffer reader per probe source.
//  6. Build the lineage graph, container classifier, detectors, rule
//     engine, and transport.
//  7. Start Prometheus metrics server (127.0.0.1:9091).
//  8. Start the orchestrator (adapters, detection/rule pipeline, heartbeat).
//  9. Write the PID file.
// 10. Register SIGHUP handler for config hot-reload.
// 11. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (propagates to all adapters and the orchestrator).
//  2. Orchestrator.Run performs its own bounded drain + extended final flush.
//  3. Remove the PID file.
//  4. Close BPF objects.
//  5. Flush logger.
//  6. Exit 0.
//
// On BPF load failure: exit 1 immediately (no partial state).
// On config validation failure: exit 1 immediately.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cilium/ebpf/ringbuf"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	bpfpkg "github.com/kernox/kernox/internal/bpf"
	"github.com/kernox/kernox/internal/config"
	"github.com/kernox/kernox/internal/detect"
	"github.com/kernox/kernox/internal/event"
	"github.com/kernox/kernox/internal/lineage"
	"github.com/kernox/kernox/internal/observability"
	"github.com/kernox/kernox/internal/orchestrator"
	"github.com/kernox/kernox/internal/probe"
	"github.com/kernox/kernox/internal/rules"
	"github.com/kernox/kernox/internal/transport"
)

func main() {
	// ── Flags ─────────────────────────────────────────────────────────────────
	configPath := flag.String("config", "/etc/kernox/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("kernox-agent %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: Root check ────────────────────────────────────────────────────
	if os.Getuid() != 0 {
		fmt.Fprintln(os.Stderr, "FATAL: kernox-agent must run as root (UID 0)")
		os.Exit(1)
	}

	// ── Step 2: Load config ───────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 3: Initialise logger ─────────────────────────────────────────────
	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("KERNOX starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("endpoint_id", cfg.EndpointID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 4: Load BPF ──────────────────────────────────────────────────────
	log.Info("loading BPF programs...")
	bpfObjs, err := bpfpkg.Load()
	if err != nil {
		log.Fatal("BPF load failed — aborting (no partial state)", zap.Error(err))
	}
	defer bpfObjs.Close() //nolint:errcheck
	log.Info("BPF programs loaded and ring buffers pinned")

	// ── Step 5: Ring buffer readers + probe adapters ──────────────────────────
	hostname, _ := os.Hostname()
	em := event.NewEmitter(cfg.EndpointID, hostname)
	graph := lineage.New()
	classifier := lineage.NewClassifier()

	adapters, closers := buildAdapters(bpfObjs, em, graph, classifier, cfg, log)
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()

	// ── Step 6: Detectors, rules, transport ───────────────────────────────────
	detectors := buildDetectors(cfg.Detectors)

	ruleDocs, err := rules.Load(cfg.Rules.Dir, log)
	if err != nil {
		log.Warn("rule directory load failed — starting with no rules", zap.Error(err), zap.String("dir", cfg.Rules.Dir))
	}
	ruleEng := rules.NewEngine(ruleDocs, em)
	log.Info("rules loaded", zap.Int("count", len(ruleDocs)), zap.String("dir", cfg.Rules.Dir))

	tr := buildTransport(cfg.Transport, log)
	defer tr.Close() //nolint:errcheck

	// ── Step 7: Prometheus metrics ────────────────────────────────────────────
	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Step 8: Orchestrator ───────────────────────────────────────────────────
	orch := orchestrator.New(cfg.Agent.EventQueueSize, adapters, em, graph, detectors, ruleEng, tr, cfg.Agent.HeartbeatInterval, log)
	go syncMetricsLoop(ctx, orch, metrics)

	orchDone := make(chan struct{})
	go func() {
		defer close(orchDone)
		orch.Run(ctx)
	}()
	log.Info("orchestrator started", zap.Int("adapters", len(adapters)))

	// ── Step 9: PID file ───────────────────────────────────────────────────────
	if err := writePIDFile(cfg.Agent.PIDFile); err != nil {
		log.Fatal("PID file acquisition failed", zap.Error(err), zap.String("path", cfg.Agent.PIDFile))
	}
	defer os.Remove(cfg.Agent.PIDFile)
	log.Info("PID file written", zap.String("path", cfg.Agent.PIDFile))

	// ── Step 10: SIGHUP hot-reload ─────────────────────────────────────────────
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config...")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}

			newRuleDocs, err := rules.Load(newCfg.Rules.Dir, log)
			if err != nil {
				log.Error("rule reload failed — retaining old rules", zap.Error(err))
			} else {
				orch.SetRuleEngine(rules.NewEngine(newRuleDocs, em))
				log.Info("rules reloaded", zap.Int("count", len(newRuleDocs)))
			}

			orch.SetDetectors(buildDetectors(newCfg.Detectors))
			cfg = newCfg
			log.Info("config hot-reload successful")
		}
	}()

	// ── Step 11: Wait for shutdown signal ─────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()
	<-orchDone

	log.Info("KERNOX shutdown complete")
}

// buildAdapters wires one probe adapter per BPF ring buffer plus the
// userspace auth-log and log-tamper pollers, and returns the ring buffer
// readers the caller must close on shutdown.
func buildAdapters(bpfObjs *bpfpkg.Objects, em *event.Emitter, graph *lineage.Graph, classifier *lineage.Classifier, cfg *config.Config, log *zap.Logger) ([]probe.Adapter, []*ringbuf.Reader) {
	var adapters []probe.Adapter
	var readers []*ringbuf.Reader

	openReader := func(mapName string) *ringbuf.Reader {
		m := bpfObjs.RingBuf(mapName)
		if m == nil {
			log.Warn("ring buffer not present — adapter disabled", zap.String("map", mapName))
			return nil
		}
		rd, err := ringbuf.NewReader(m)
		if err != nil {
			log.Warn("failed to open ring buffer reader — adapter disabled", zap.String("map", mapName), zap.Error(err))
			return nil
		}
		readers = append(readers, rd)
		return rd
	}

	if rd := openReader(bpfpkg.ProcessEventsMapName); rd != nil {
		adapters = append(adapters, probe.NewProcessAdapter(rd, em, graph, classifier, log))
	}
	if rd := openReader(bpfpkg.FileEventsMapName); rd != nil {
		adapters = append(adapters, probe.NewFileAdapter(rd, em, cfg.Agent.AgentPath, log))
	}
	if rd := openReader(bpfpkg.NetworkEventsMapName); rd != nil {
		adapters = append(adapters, probe.NewNetworkAdapter(rd, em, log))
	}
	if rd := openReader(bpfpkg.PrivilegeEventsMapName); rd != nil {
		adapters = append(adapters, probe.NewPrivilegeAdapter(rd, em, log))
	}
	if rd := openReader(bpfpkg.DNSEventsMapName); rd != nil {
		adapters = append(adapters, probe.NewDNSAdapter(rd, em, log))
	}

	adapters = append(adapters, probe.NewAuthAdapter(cfg.Agent.AuthLogPath, em, log))
	adapters = append(adapters, probe.NewLogTamperAdapter(probe.DefaultLogTamperPaths, probe.DefaultLogTamperInterval, em, log))

	return adapters, readers
}

// buildDetectors constructs the five detectors from the agent's
// detectors.* config section, letting a deployment retune thresholds and
// windows without a code change.
func buildDetectors(d config.DetectorsConfig) orchestrator.Detectors {
	return orchestrator.Detectors{
		Ransomware: detect.NewRansomwareDetectorWithConfig(d.RansomwareThreshold, d.RansomwareWindow, d.Cooldown),
		Beacon:     detect.NewBeaconDetectorWithConfig(d.BeaconThreshold, d.BeaconWindow, d.Cooldown),
		BruteForce: detect.NewBruteForceDetectorWithConfig(d.BruteForceThreshold, d.BruteForceWindow, d.Cooldown),
		PrivEsc:    detect.NewPrivEscDetector(),
		DGA:        detect.NewDGADetectorWithConfig(d.DGAEntropyThreshold, d.DGAMinLabelLen),
	}
}

func buildTransport(cfg config.TransportConfig, log *zap.Logger) transport.Transport {
	switch cfg.Mode {
	case "http":
		return transport.NewHTTPTransport(transport.HTTPOptions{
			BackendURL:    cfg.BackendURL,
			QueueCap:      cfg.QueueCap,
			BatchSize:     cfg.BatchSize,
			FlushInterval: cfg.FlushInterval,
			SpoolPath:     cfg.SpoolPath,
			SpoolCapBytes: cfg.SpoolCapBytes,
		}, log)
	default:
		return transport.NewStdoutTransport(os.Stdout)
	}
}

// syncMetricsLoop bridges the orchestrator's cumulative counters into
// Prometheus every 10 seconds, independent of the heartbeat interval, so
// a scrape lags the orchestrator's running totals by at most 10 seconds.
func syncMetricsLoop(ctx context.Context, orch *orchestrator.Orchestrator, metrics *observability.Metrics) {
	var prev observability.CounterSnapshot
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c := orch.Counters()
		cur := observability.CounterSnapshot{
			AdapterIngested:     make(map[string]uint64, len(c.Adapters)),
			AdapterDropped:      make(map[string]uint64, len(c.Adapters)),
			DetectorAlerts:      c.DetectorAlerts,
			RuleMatches:         c.RuleMatches,
			TransportFlushed:    c.TransportStats.Flushed,
			TransportRetried:    c.TransportStats.Retried,
			TransportSpooled:    c.TransportStats.Spooled,
			TransportDropped:    c.TransportStats.Dropped,
			TransportQueueDepth: c.TransportStats.QueueLen,
			SchemaRejects:       c.SchemaRejects,
		}
		for name, s := range c.Adapters {
			cur.AdapterIngested[name] = s.Ingested
			cur.AdapterDropped[name] = s.Dropped
		}
		metrics.Sync(prev, cur)
		prev = cur

		select {
		case <-ctx.Done():
			return
		case <-time.After(10 * time.Second):
		}
	}
}

// writePIDFile refuses to start when a live process already owns the PID
// file; a stale file left by a crashed instance is overwritten.
func writePIDFile(path string) error {
	if data, err := os.ReadFile(path); err == nil {
		if pid, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil && pid > 0 && pid != os.Getpid() {
			if syscall.Kill(pid, 0) == nil {
				return fmt.Errorf("another instance is running (pid %d)", pid)
			}
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
