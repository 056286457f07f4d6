package probe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cilium/ebpf/ringbuf"
	"go.uber.org/zap"

	"github.com/kernox/kernox/internal/bpf"
	"github.com/kernox/kernox/internal/event"
)

// PrivilegeAdapter consumes the privilege ring buffer and emits
// privilege_change events. Severity is critical iff old_uid != 0 and
// new_uid == 0 (a non-root process gaining root).
type PrivilegeAdapter struct {
	counters
	rb      *ringbuf.Reader
	emitter *event.Emitter
	log     *zap.Logger
}

func NewPrivilegeAdapter(rb *ringbuf.Reader, em *event.Emitter, log *zap.Logger) *PrivilegeAdapter {
	return &PrivilegeAdapter{rb: rb, emitter: em, log: log}
}

func (a *PrivilegeAdapter) Name() string { return "privilege" }

func (a *PrivilegeAdapter) Run(ctx context.Context, bus Bus) error {
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
			if !errors.Is(err, os.ErrDeadlineExceeded) {
				return fmt.Errorf("privilege ring buffer: %w", err)
			}
			continue
		}

		rec, err := bpf.ParsePrivilegeRecord(record.RawSample)
		if err != nil {
			a.log.Warn("malformed privilege record", zap.Error(err))
			a.dropped.Add(1)
			continue
		}
		a.handle(rec, bus)
	}
}

func (a *PrivilegeAdapter) handle(rec bpf.PrivilegeRecord, bus Bus) {
	sev := event.SeverityMedium
	if rec.OldUID != 0 && rec.NewUID == 0 {
		sev = event.SeverityCritical
	}

	ev, ok := a.emitter.New(event.TypePrivilegeChange, sev, event.Payload{
		Process: &event.Process{PID: rec.PID},
	})
	a.emit(bus, ev, ok)
}
