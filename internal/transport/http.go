package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/kernox/kernox/internal/event"
)

const (
	// DefaultQueueCap is the bounded in-memory queue size. Once full,
	// Enqueue drops the oldest queued event rather than blocking.
	DefaultQueueCap = 10000

	// DefaultBatchSize and DefaultFlushInterval gate a flush: whichever
	// condition is reached first triggers a POST.
	DefaultBatchSize     = 50
	DefaultFlushInterval = 2 * time.Second

	// maxConsecutiveFailures is how many flush attempts in a row may fail
	// before the batch is spooled to disk and the counter resets.
	maxConsecutiveFailures = 5

	httpTimeout  = 10 * time.Second
	tickInterval = 100 * time.Millisecond
)

// HTTPTransport batches events in a bounded in-memory queue and POSTs
// them to a backend. Its dispatcher is a dedicated goroutine driven by
// a time.Ticker, selecting over ticks and a stop channel, with all
// shared state behind a mutex rather than the ticker loop itself.
type HTTPTransport struct {
	mu    sync.Mutex
	queue []*event.Event

	queueCap      int
	batchSize     int
	flushInterval time.Duration

	url    string
	client *http.Client
	log    *zap.Logger
	spool  *Spool

	bo              backoff.BackOff
	consecFailures  int
	nextAttemptAt   time.Time
	lastFlushAt     time.Time

	drops    atomic.Uint64
	flushed  atomic.Uint64
	retried  atomic.Uint64
	spooled  atomic.Uint64

	stop chan struct{}
	done chan struct{}
}

type HTTPOptions struct {
	BackendURL    string
	QueueCap      int
	BatchSize     int
	FlushInterval time.Duration
	SpoolPath     string
	SpoolCapBytes int64
}

func NewHTTPTransport(opts HTTPOptions, log *zap.Logger) *HTTPTransport {
	queueCap := opts.QueueCap
	if queueCap <= 0 {
		queueCap = DefaultQueueCap
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	flushInterval := opts.FlushInterval
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 1 * time.Second
	eb.MaxInterval = 60 * time.Second
	eb.RandomizationFactor = 1.0 // full jitter
	eb.Multiplier = 2.0
	eb.MaxElapsedTime = 0 // never give up producing new intervals; the 5-failure cap governs spooling

	t := &HTTPTransport{
		queueCap:      queueCap,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		url:           opts.BackendURL,
		client:        &http.Client{Timeout: httpTimeout},
		log:           log,
		spool:         NewSpool(opts.SpoolPath, opts.SpoolCapBytes),
		bo:            eb,
		lastFlushAt:   time.Now(),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go t.run()
	return t
}

// Enqueue appends ev to the bounded queue. If the queue is already at
// capacity the oldest queued event is dropped (never retried) and the
// transport_drops counter is incremented.
func (t *HTTPTransport) Enqueue(ev *event.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) >= t.queueCap {
		t.queue = t.queue[1:]
		t.drops.Add(1)
	}
	t.queue = append(t.queue, ev)
}

func (t *HTTPTransport) Close() error {
	close(t.stop)
	<-t.done
	return nil
}

// Counters snapshots the transport's delivery stats, consumed by the
// orchestrator's heartbeat task.
type Counters struct {
	Dropped  uint64
	Flushed  uint64
	Retried  uint64
	Spooled  uint64
	QueueLen int
}

func (t *HTTPTransport) Counters() Counters {
	t.mu.Lock()
	qlen := len(t.queue)
	t.mu.Unlock()
	return Counters{
		Dropped:  t.drops.Load(),
		Flushed:  t.flushed.Load(),
		Retried:  t.retried.Load(),
		Spooled:  t.spooled.Load(),
		QueueLen: qlen,
	}
}

func (t *HTTPTransport) run() {
	defer close(t.done)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			t.finalFlush()
			return
		case now := <-ticker.C:
			t.maybeFlush(now)
		}
	}
}

func (t *HTTPTransport) maybeFlush(now time.Time) {
	if now.Before(t.nextAttemptAt) {
		return
	}

	t.mu.Lock()
	due := len(t.queue) >= t.batchSize || (len(t.queue) > 0 && now.Sub(t.lastFlushAt) >= t.flushInterval)
	t.mu.Unlock()
	if !due {
		return
	}
	t.flush(now)
}

func (t *HTTPTransport) finalFlush() {
	t.mu.Lock()
	hasWork := len(t.queue) > 0
	t.mu.Unlock()
	if hasWork {
		t.flush(time.Now())
	}
}

// flush drains the queue, prepends up to 500 spooled events ahead of the
// fresh batch, and attempts one POST. On success the consecutive-failure
// counter resets and any drained spool entries are considered delivered.
// On failure the batch is requeued for the next attempt, a backoff delay
// is applied, and after maxConsecutiveFailures the batch is spooled
// instead of requeued.
func (t *HTTPTransport) flush(now time.Time) {
	t.mu.Lock()
	batch := t.queue
	t.queue = nil
	t.lastFlushAt = now
	t.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	drained, err := t.spool.Drain()
	if err != nil {
		t.log.Warn("failed to drain spool", zap.Error(err))
	}
	payload := append(drained, batch...)

	if err := t.post(payload); err != nil {
		t.consecFailures++
		t.retried.Add(1)
		t.log.Warn("event flush failed", zap.Error(err), zap.Int("consecutive_failures", t.consecFailures), zap.Int("batch_size", len(payload)))

		if t.consecFailures >= maxConsecutiveFailures {
			if serr := t.spool.Append(payload); serr != nil {
				t.log.Error("failed to spool undelivered batch", zap.Error(serr))
			} else {
				t.spooled.Add(uint64(len(payload)))
			}
			t.consecFailures = 0
			t.bo.Reset()
			t.nextAttemptAt = time.Time{}
			return
		}

		t.nextAttemptAt = now.Add(t.bo.NextBackOff())
		// Drain already removed the spooled lines from disk, so they must
		// go back on the spool (not just the fresh batch) or they vanish
		// entirely on a failed flush.
		if len(drained) > 0 {
			if serr := t.spool.Append(drained); serr != nil {
				t.log.Error("failed to re-spool drained batch after flush failure", zap.Error(serr))
			}
		}
		t.mu.Lock()
		t.queue = append(batch, t.queue...)
		t.mu.Unlock()
		return
	}

	t.consecFailures = 0
	t.bo.Reset()
	t.nextAttemptAt = time.Time{}
	t.flushed.Add(uint64(len(payload)))
}

func (t *HTTPTransport) post(events []*event.Event) error {
	data, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("marshaling batch: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), httpTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url+"/events", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting events: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("backend returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		// Client errors are not retried — the batch is malformed or
		// rejected, not transiently unavailable.
		t.log.Warn("backend rejected batch", zap.Int("status", resp.StatusCode))
		return nil
	}
	return nil
}

var _ Transport = (*HTTPTransport)(nil)
