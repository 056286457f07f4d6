// Package transport ships the canonical event stream off-host, in one of
// two modes selected by configuration: stdout (unbatched
// line-delimited JSON) or http (batched POST with retry, spool fallback,
// and drop-oldest backpressure).
package transport

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"

	"github.com/kernox/kernox/internal/event"
)

// Transport is the sink every orchestrator-side consumer writes events
// into. Enqueue never blocks: a transport that cannot keep up applies
// its own backpressure policy (stdout is synchronous and always keeps
// up; http drops the oldest queued event).
type Transport interface {
	Enqueue(ev *event.Event)
	Close() error
}

// StdoutTransport writes one JSON object per line to an io.Writer, with
// no batching — the simplest of the two modes, used for local/dev runs
// and piping into another collector.
type StdoutTransport struct {
	mu sync.Mutex
	w  *bufio.Writer
}

func NewStdoutTransport(w io.Writer) *StdoutTransport {
	return &StdoutTransport{w: bufio.NewWriter(w)}
}

func (t *StdoutTransport) Enqueue(ev *event.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = t.w.Write(data)
	_, _ = t.w.WriteString("\n")
	_ = t.w.Flush()
}

func (t *StdoutTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.w.Flush()
}

var _ Transport = (*StdoutTransport)(nil)
