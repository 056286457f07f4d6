// Package probe contains one adapter per raw event source (the BPF ring
// buffers for process/file/network/privilege/dns, plus the userspace
// auth-log tailer and log-tamper poller). Every adapter translates its
// source into canonical events and pushes them onto a shared bus channel.
//
// All adapters share the same run shape: a single goroutine owned by
// the adapter, a short poll deadline so context cancellation is noticed
// promptly, and drop-with-counter backpressure rather than blocking
// indefinitely on a full bus.
package probe

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/kernox/kernox/internal/event"
)

// pollDeadline bounds how long a single read blocks before an adapter
// rechecks ctx.
const pollDeadline = 100 * time.Millisecond

// Bus is the write side of the orchestrator's event channel. Adapters
// never read from it and never close it.
type Bus chan<- *event.Event

// Adapter is the common shape every probe source implements. Run blocks
// until ctx is cancelled or an unrecoverable source error occurs, then
// returns. A recoverable per-record error (malformed bytes, a transient
// read error) is logged and skipped, never returned.
type Adapter interface {
	Name() string
	Run(ctx context.Context, bus Bus) error
	Stats() Stats
}

// Stats is an adapter's ingested/dropped counters, read by the
// observability layer for per-adapter metrics and by heartbeat events.
type Stats struct {
	Ingested uint64
	Dropped  uint64
}

// counters is embedded by every adapter to provide Stats() without
// repeating the atomic bookkeeping in each file.
type counters struct {
	ingested atomic.Uint64
	dropped  atomic.Uint64
}

func (c *counters) Stats() Stats {
	return Stats{Ingested: c.ingested.Load(), Dropped: c.dropped.Load()}
}

// emit delivers ev to bus without blocking; on a full bus it increments
// the drop counter instead, the same drop-with-counter
// backpressure policy used throughout the pipeline. A nil ev
// (the emitter rejected the record) is treated as a drop, not sent.
func (c *counters) emit(bus Bus, ev *event.Event, ok bool) {
	if !ok || ev == nil {
		c.dropped.Add(1)
		return
	}
	select {
	case bus <- ev:
		c.ingested.Add(1)
	default:
		c.dropped.Add(1)
	}
}
