package probe

import (
	"context"
	"os"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kernox/kernox/internal/event"
)

// DefaultLogTamperPaths is the fixed list of 7 log paths watched for
// tampering.
var DefaultLogTamperPaths = []string{
	"/var/log/auth.log",
	"/var/log/syslog",
	"/var/log/kern.log",
	"/var/log/wtmp",
	"/var/log/btmp",
	"/var/log/audit/audit.log",
	"/var/log/secure",
}

// DefaultLogTamperInterval is the default poll period.
const DefaultLogTamperInterval = 10 * time.Second

type logSnapshot struct {
	exists bool
	size   int64
	inode  uint64
	mode   os.FileMode
}

// LogTamperAdapter periodically snapshots a fixed list of log paths and
// emits alert_log_tamper when a snapshot transition indicates deletion,
// truncation, an inode swap, or a loosened permission mode.
type LogTamperAdapter struct {
	counters
	paths    []string
	interval time.Duration
	emitter  *event.Emitter
	log      *zap.Logger

	prev map[string]logSnapshot
}

func NewLogTamperAdapter(paths []string, interval time.Duration, em *event.Emitter, log *zap.Logger) *LogTamperAdapter {
	if len(paths) == 0 {
		paths = DefaultLogTamperPaths
	}
	if interval <= 0 {
		interval = DefaultLogTamperInterval
	}
	return &LogTamperAdapter{
		paths:    paths,
		interval: interval,
		emitter:  em,
		log:      log,
		prev:     make(map[string]logSnapshot, len(paths)),
	}
}

func (a *LogTamperAdapter) Name() string { return "logtamper" }

func (a *LogTamperAdapter) Run(ctx context.Context, bus Bus) error {
	for _, p := range a.paths {
		a.prev[p] = a.snapshot(p)
	}

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, p := range a.paths {
				cur := a.snapshot(p)
				prev := a.prev[p]
				if reason, ok := tamperReason(prev, cur); ok {
					a.alert(p, reason, bus)
				}
				a.prev[p] = cur
			}
		}
	}
}

func (a *LogTamperAdapter) snapshot(path string) logSnapshot {
	info, err := os.Stat(path)
	if err != nil {
		return logSnapshot{exists: false}
	}
	var inode uint64
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		inode = uint64(st.Ino)
	}
	return logSnapshot{exists: true, size: info.Size(), inode: inode, mode: info.Mode()}
}

// tamperReason compares two successive snapshots of the same path and
// returns the first applicable transition reason. Deletion takes
// priority over the other checks since a vanished file has no
// meaningful size/inode/mode to compare.
func tamperReason(prev, cur logSnapshot) (string, bool) {
	if prev.exists && !cur.exists {
		return "deleted", true
	}
	if !prev.exists || !cur.exists {
		return "", false
	}
	if cur.inode != prev.inode {
		return "inode_swap", true
	}
	if cur.size < prev.size {
		return "truncated", true
	}
	if looserMode(prev.mode, cur.mode) {
		return "permission_change", true
	}
	return "", false
}

// looserMode reports whether cur grants any permission bit that prev did
// not (world/group write added, etc).
func looserMode(prev, cur os.FileMode) bool {
	return cur.Perm()&^prev.Perm() != 0
}

func (a *LogTamperAdapter) alert(path, reason string, bus Bus) {
	ev, ok := a.emitter.New(event.TypeAlertLogTamper, event.SeverityHigh, event.Payload{
		Alert: &event.Alert{
			Rule:    "log_tamper",
			Details: map[string]string{"path": path, "reason": reason},
		},
	})
	a.emit(bus, ev, ok)
	a.log.Warn("log tamper detected", zap.String("path", path), zap.String("reason", reason))
}
