package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kernox/kernox/internal/event"
)

func testEvent(t *testing.T, pid uint32) *event.Event {
	t.Helper()
	em := event.NewEmitter("ep-1", "host-1")
	ev, ok := em.New(event.TypeProcessStart, event.SeverityLow, event.Payload{
		Process: &event.Process{PID: pid, Name: "bash"},
	})
	if !ok {
		t.Fatal("emitter refused to build event")
	}
	return ev
}

func TestHTTPTransport_DropsOldestWhenQueueFull(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPOptions{
		BackendURL:    srv.URL,
		QueueCap:      3,
		BatchSize:     1000, // keep the dispatcher from draining the queue mid-test
		FlushInterval: time.Hour,
		SpoolPath:     filepath.Join(t.TempDir(), "fallback.jsonl"),
	}, zap.NewNop())
	defer tr.Close()

	for i := uint32(0); i < 5; i++ {
		tr.Enqueue(testEvent(t, i))
	}

	c := tr.Counters()
	if c.QueueLen != 3 {
		t.Fatalf("expected queue capped at 3, got %d", c.QueueLen)
	}
	if c.Dropped != 2 {
		t.Fatalf("expected 2 drops, got %d", c.Dropped)
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.queue[0].Process.PID != 2 {
		t.Fatalf("expected oldest two events dropped, queue head has pid %d", tr.queue[0].Process.PID)
	}
}

// TestHTTPTransport_S6_FallsBackToSpoolAfterRepeatedFailures exercises the
// end-to-end fallback scenario: a backend that always returns 503 forces
// five consecutive failed flushes, after which the batch is written to
// the spool file and the in-memory queue is clear again.
func TestHTTPTransport_S6_FallsBackToSpoolAfterRepeatedFailures(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	spoolPath := filepath.Join(t.TempDir(), "fallback.jsonl")
	tr := &HTTPTransport{
		queueCap:      DefaultQueueCap,
		batchSize:     1,
		flushInterval: time.Millisecond,
		url:           srv.URL,
		client:        srv.Client(),
		log:           zap.NewNop(),
		spool:         NewSpool(spoolPath, DefaultSpoolCapBytes),
		bo:            zeroBackoff{},
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}

	tr.Enqueue(testEvent(t, 42))
	for i := 0; i < maxConsecutiveFailures; i++ {
		tr.flush(time.Now())
	}

	if requests.Load() != maxConsecutiveFailures {
		t.Fatalf("expected %d POST attempts, got %d", maxConsecutiveFailures, requests.Load())
	}
	c := tr.Counters()
	if c.QueueLen != 0 {
		t.Fatalf("expected queue drained after spooling, got %d", c.QueueLen)
	}
	if c.Spooled != 1 {
		t.Fatalf("expected 1 spooled event, got %d", c.Spooled)
	}

	data, err := os.ReadFile(spoolPath)
	if err != nil {
		t.Fatalf("expected spool file to exist: %v", err)
	}
	var ev event.Event
	lines := splitLines(data)
	if len(lines) != 1 {
		t.Fatalf("expected 1 spooled line, got %d", len(lines))
	}
	if err := json.Unmarshal(lines[0], &ev); err != nil {
		t.Fatalf("spooled line did not round-trip: %v", err)
	}
	if ev.Process == nil || ev.Process.PID != 42 {
		t.Fatalf("spooled event lost its payload: %+v", ev)
	}
}

func TestHTTPTransport_SuccessfulFlushDrainsSpoolFirst(t *testing.T) {
	var gotBatches [][]event.Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var batch []event.Event
		_ = json.NewDecoder(r.Body).Decode(&batch)
		gotBatches = append(gotBatches, batch)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	spoolPath := filepath.Join(t.TempDir(), "fallback.jsonl")
	spool := NewSpool(spoolPath, DefaultSpoolCapBytes)
	if err := spool.Append([]*event.Event{testEvent(t, 7)}); err != nil {
		t.Fatalf("seeding spool: %v", err)
	}

	tr := &HTTPTransport{
		queueCap:  DefaultQueueCap,
		batchSize: 1,
		url:       srv.URL,
		client:    srv.Client(),
		log:       zap.NewNop(),
		spool:     spool,
		bo:        zeroBackoff{},
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	tr.Enqueue(testEvent(t, 8))
	tr.flush(time.Now())

	if len(gotBatches) != 1 || len(gotBatches[0]) != 2 {
		t.Fatalf("expected one POST carrying both the spooled and fresh event, got %+v", gotBatches)
	}
	if gotBatches[0][0].Process.PID != 7 {
		t.Fatalf("expected spooled event to lead the batch, got pid %d first", gotBatches[0][0].Process.PID)
	}
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}

// zeroBackoff always returns a near-zero delay so retry tests don't stall.
type zeroBackoff struct{}

func (zeroBackoff) NextBackOff() time.Duration { return time.Microsecond }
func (zeroBackoff) Reset()                     {}
