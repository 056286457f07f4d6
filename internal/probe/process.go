package probe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"sync"
	"time"

	"github.com/cilium/ebpf/ringbuf"
	"go.uber.org/zap"

	"github.com/kernox/kernox/internal/bpf"
	"github.com/kernox/kernox/internal/event"
	"github.com/kernox/kernox/internal/lineage"
)

// ProcessAdapter consumes the process ring buffer (exec/exit records),
// updates the lineage graph, classifies the process's container, and
// emits process_start/process_stop events.
type ProcessAdapter struct {
	counters
	rb         *ringbuf.Reader
	emitter    *event.Emitter
	graph      *lineage.Graph
	classifier *lineage.Classifier
	log        *zap.Logger

	userCacheMu sync.Mutex
	userCache   map[uint32]string
}

// NewProcessAdapter wraps rb (a reader over the process_events ring buffer) and the
// shared lineage graph/classifier/emitter.
func NewProcessAdapter(rb *ringbuf.Reader, em *event.Emitter, graph *lineage.Graph, classifier *lineage.Classifier, log *zap.Logger) *ProcessAdapter {
	return &ProcessAdapter{
		rb:         rb,
		emitter:    em,
		graph:      graph,
		classifier: classifier,
		log:        log,
		userCache:  make(map[uint32]string),
	}
}

func (a *ProcessAdapter) Name() string { return "process" }

func (a *ProcessAdapter) Run(ctx context.Context, bus Bus) error {
	defer a.rb.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		a.rb.SetDeadline(time.Now().Add(pollDeadline))
		record, err := a.rb.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return nil
			}
			if !errors.Is(err, os.ErrDeadlineExceeded) {
				return fmt.Errorf("process ring buffer: %w", err)
			}
			continue // deadline exceeded; recheck ctx
		}

		rec, err := bpf.ParseProcessRecord(record.RawSample)
		if err != nil {
			a.log.Warn("malformed process record", zap.Error(err))
			a.dropped.Add(1)
			continue
		}
		a.handle(rec, bus)
	}
}

func (a *ProcessAdapter) handle(rec bpf.ProcessRecord, bus Bus) {
	comm := bpf.NulTrim(rec.Comm[:])
	exe := bpf.NulTrim(rec.Filename[:])

	switch rec.RecordType {
	case bpf.ProcessRecordExec:
		usr := a.resolveUser(rec.UID)
		a.graph.OnExec(rec.PID, rec.PPID, comm, exe, usr)
		if a.classifier != nil {
			a.graph.SetContainer(rec.PID, a.classifier.Classify(rec.PID))
		}
		ev, ok := a.emitter.New(event.TypeProcessStart, event.SeverityLow, event.Payload{
			Process: &event.Process{PID: rec.PID, PPID: rec.PPID, Name: comm, Path: exe, User: usr},
		})
		a.emit(bus, ev, ok)
	case bpf.ProcessRecordExit:
		a.graph.OnExit(rec.PID)
		ev, ok := a.emitter.New(event.TypeProcessStop, event.SeverityInfo, event.Payload{
			Process: &event.Process{PID: rec.PID, PPID: rec.PPID, Name: comm, Path: exe},
		})
		a.emit(bus, ev, ok)
	default:
		a.log.Warn("unknown process record type", zap.Uint8("record_type", uint8(rec.RecordType)))
		a.dropped.Add(1)
	}
}

// resolveUser maps a uid to a username, caching lookups since os/user.LookupId
// shells out to NSS on most systems and exec/exit events can arrive at a
// high rate for short-lived processes.
func (a *ProcessAdapter) resolveUser(uid uint32) string {
	a.userCacheMu.Lock()
	defer a.userCacheMu.Unlock()
	if name, ok := a.userCache[uid]; ok {
		return name
	}
	name := fmt.Sprintf("uid:%d", uid)
	if u, err := user.LookupId(fmt.Sprint(uid)); err == nil {
		name = u.Username
	}
	a.userCache[uid] = name
	return name
}
