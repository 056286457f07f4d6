// Package config provides configuration loading, validation, and hot-reload
// for the KERNOX agent.
//
// Configuration file: /etc/kernox/config.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - Agent listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml, then overlay
//     KERNOX_* environment variables again.
//   - Apply non-destructive changes only (detector thresholds, rule
//     directory). Log level, transport mode and queue sizes are not
//     re-applied; changing them requires a restart.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The agent does NOT crash on invalid hot-reload config.
//
// Validation:
//   - endpoint_id, rules.dir and metrics_addr must be non-empty; http mode
//     requires backend_url.
//   - Numeric ranges enforced: event_queue_size >= 100, heartbeat_interval
//     >= 1s, detector thresholds >= 1, dga_entropy_threshold > 0, and in
//     http mode queue_cap/batch_size >= 1. Detector windows, cooldown and
//     flush_interval are not range-checked.
//   - pid_file must be an absolute path; other paths are not checked.
//   - Invalid config on startup: agent refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for KERNOX. All fields have
// defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// EndpointID uniquely identifies this host to the backend. Default:
	// hostname. Overridden by KERNOX_ENDPOINT_ID.
	EndpointID string `yaml:"endpoint_id"`

	Agent         AgentConfig         `yaml:"agent"`
	Detectors     DetectorsConfig     `yaml:"detectors"`
	Rules         RulesConfig         `yaml:"rules"`
	Transport     TransportConfig     `yaml:"transport"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// AgentConfig holds agent-level operational parameters.
type AgentConfig struct {
	// EventQueueSize is the shared in-memory bus depth between probe
	// adapters and the orchestrator. If full, new events are dropped
	// and the adapter's drop counter is incremented. Default: 10000.
	EventQueueSize int `yaml:"event_queue_size"`

	// HeartbeatInterval is how often a heartbeat event carrying
	// counters is emitted. Default: 60s. Overridden by
	// KERNOX_HEARTBEAT_INTERVAL.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// PIDFile is where the agent's PID is written on startup and
	// removed on clean shutdown. Default: /run/kernox/kernox.pid.
	// Overridden by KERNOX_PID_FILE.
	PIDFile string `yaml:"pid_file"`

	// AuthLogPath is the log file tailed for SSH/sudo auth events.
	// Default: /var/log/auth.log.
	AuthLogPath string `yaml:"auth_log_path"`

	// AgentPath is the agent's own binary/working path, suppressed
	// from file events to avoid self-noise.
	AgentPath string `yaml:"agent_path"`
}

// DetectorsConfig holds the temporal-detector thresholds and windows.
// Every field already carries a sensible default via Defaults(); only
// an unusual deployment overrides these in its config file.
type DetectorsConfig struct {
	RansomwareThreshold int           `yaml:"ransomware_threshold"`
	RansomwareWindow    time.Duration `yaml:"ransomware_window"`
	BeaconThreshold     int           `yaml:"beacon_threshold"`
	BeaconWindow        time.Duration `yaml:"beacon_window"`
	BruteForceThreshold int           `yaml:"brute_force_threshold"`
	BruteForceWindow    time.Duration `yaml:"brute_force_window"`
	Cooldown            time.Duration `yaml:"cooldown"`
	DGAEntropyThreshold float64       `yaml:"dga_entropy_threshold"`
	DGAMinLabelLen      int           `yaml:"dga_min_label_len"`
}

// RulesConfig holds the declarative rule engine's source directory.
type RulesConfig struct {
	// Dir is the directory scanned for *.yaml rule documents. Default:
	// agent/rules (relative to the agent's working directory).
	Dir string `yaml:"dir"`
}

// TransportConfig holds delivery-mode parameters.
type TransportConfig struct {
	// Mode selects "stdout" (unbatched line-delimited JSON) or "http"
	// (batched, retried, spooled). Default: stdout. Overridden by
	// KERNOX_OUTPUT_MODE.
	Mode string `yaml:"mode"`

	// BackendURL is the http mode's POST target (events are sent to
	// {backend_url}/events). Overridden by KERNOX_BACKEND_URL.
	BackendURL string `yaml:"backend_url"`

	QueueCap      int           `yaml:"queue_cap"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	SpoolPath     string        `yaml:"spool_path"`
	SpoolCapBytes int64         `yaml:"spool_cap_bytes"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn,
	// error). Default: info. Overridden by KERNOX_LOG_LEVEL.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		EndpointID:    hostname,
		Agent: AgentConfig{
			EventQueueSize:    10000,
			HeartbeatInterval: 60 * time.Second,
			PIDFile:           "/run/kernox/kernox.pid",
			AuthLogPath:       "/var/log/auth.log",
			AgentPath:         "/opt/kernox",
		},
		Detectors: DetectorsConfig{
			RansomwareThreshold: 20,
			RansomwareWindow:    5 * time.Second,
			BeaconThreshold:     10,
			BeaconWindow:        60 * time.Second,
			BruteForceThreshold: 5,
			BruteForceWindow:    60 * time.Second,
			Cooldown:            30 * time.Second,
			DGAEntropyThreshold: 3.8,
			DGAMinLabelLen:      12,
		},
		Rules: RulesConfig{
			Dir: "agent/rules",
		},
		Transport: TransportConfig{
			Mode:          "stdout",
			QueueCap:      10000,
			BatchSize:     50,
			FlushInterval: 2 * time.Second,
			SpoolPath:     "/var/lib/kernox/fallback.jsonl",
			SpoolCapBytes: 100 * 1024 * 1024,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load reads and validates a config file from the given path, then
// overlays KERNOX_* environment variables before validating. Returns
// the merged config (defaults overridden by file values, overridden
// again by environment).
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	applyEnvOverlay(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverlay overlays the fixed set of KERNOX_* environment
// variables onto cfg, applied after YAML parse and before Validate.
func applyEnvOverlay(cfg *Config) {
	if v := os.Getenv("KERNOX_ENDPOINT_ID"); v != "" {
		cfg.EndpointID = v
	}
	if v := os.Getenv("KERNOX_BACKEND_URL"); v != "" {
		cfg.Transport.BackendURL = v
	}
	if v := os.Getenv("KERNOX_OUTPUT_MODE"); v != "" {
		cfg.Transport.Mode = v
	}
	if v := os.Getenv("KERNOX_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Agent.HeartbeatInterval = d
		}
	}
	if v := os.Getenv("KERNOX_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("KERNOX_PID_FILE"); v != "" {
		cfg.Agent.PIDFile = v
	}
}

// Validate checks all config fields for correctness. Returns a
// descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.EndpointID == "" {
		errs = append(errs, "endpoint_id must not be empty")
	}
	if cfg.Agent.EventQueueSize < 100 {
		errs = append(errs, fmt.Sprintf("agent.event_queue_size must be >= 100, got %d", cfg.Agent.EventQueueSize))
	}
	if cfg.Agent.HeartbeatInterval < time.Second {
		errs = append(errs, fmt.Sprintf("agent.heartbeat_interval must be >= 1s, got %s", cfg.Agent.HeartbeatInterval))
	}
	if !isAbs(cfg.Agent.PIDFile) {
		errs = append(errs, fmt.Sprintf("agent.pid_file must be an absolute path, got %q", cfg.Agent.PIDFile))
	}

	if cfg.Detectors.RansomwareThreshold < 1 {
		errs = append(errs, "detectors.ransomware_threshold must be >= 1")
	}
	if cfg.Detectors.BeaconThreshold < 1 {
		errs = append(errs, "detectors.beacon_threshold must be >= 1")
	}
	if cfg.Detectors.BruteForceThreshold < 1 {
		errs = append(errs, "detectors.brute_force_threshold must be >= 1")
	}
	if cfg.Detectors.DGAEntropyThreshold <= 0 {
		errs = append(errs, "detectors.dga_entropy_threshold must be > 0")
	}

	if cfg.Rules.Dir == "" {
		errs = append(errs, "rules.dir must not be empty")
	}

	switch cfg.Transport.Mode {
	case "stdout":
	case "http":
		if cfg.Transport.BackendURL == "" {
			errs = append(errs, "transport.backend_url is required when transport.mode is \"http\"")
		}
		if cfg.Transport.QueueCap < 1 {
			errs = append(errs, "transport.queue_cap must be >= 1")
		}
		if cfg.Transport.BatchSize < 1 {
			errs = append(errs, "transport.batch_size must be >= 1")
		}
	default:
		errs = append(errs, fmt.Sprintf("transport.mode must be \"stdout\" or \"http\", got %q", cfg.Transport.Mode))
	}

	if cfg.Observability.MetricsAddr == "" {
		errs = append(errs, "observability.metrics_addr must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

func isAbs(p string) bool {
	return len(p) > 0 && p[0] == '/'
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
