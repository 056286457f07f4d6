package probe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cilium/ebpf/ringbuf"
	"go.uber.org/zap"

	"github.com/kernox/kernox/internal/bpf"
	"github.com/kernox/kernox/internal/event"
)

// noiseDirs are path prefixes suppressed entirely — pseudo
// filesystems that would otherwise dominate the event stream. The
// agent's own path is suppressed separately via FileAdapter.agentPath.
var noiseDirs = []string{
	"/proc",
	"/sys",
	"/dev/pts",
}

// FileAdapter consumes the file ring buffer and emits file_open/write/
// rename/delete events, suppressing noise-directory paths.
type FileAdapter struct {
	counters
	rb        *ringbuf.Reader
	emitter   *event.Emitter
	log       *zap.Logger
	agentPath string // the agent's own binary/working path, also suppressed
}

func NewFileAdapter(rb *ringbuf.Reader, em *event.Emitter, agentPath string, log *zap.Logger) *FileAdapter {
	return &FileAdapter{rb: rb, emitter: em, agentPath: agentPath, log: log}
}

func (a *FileAdapter) Name() string { return "file" }

func (a *FileAdapter) Run(ctx context.Context, bus Bus) error {
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
				return fmt.Errorf("file ring buffer: %w", err)
			}
			continue
		}

		rec, err := bpf.ParseFileRecord(record.RawSample)
		if err != nil {
			a.log.Warn("malformed file record", zap.Error(err))
			a.dropped.Add(1)
			continue
		}
		a.handle(rec, bus)
	}
}

func (a *FileAdapter) handle(rec bpf.FileRecord, bus Bus) {
	path := bpf.NulTrim(rec.Path[:])
	if a.suppressed(path) {
		return
	}

	op, t := fileOpType(rec.Op)
	if t == "" {
		a.log.Warn("unknown file op", zap.Uint8("op", uint8(rec.Op)))
		a.dropped.Add(1)
		return
	}

	f := &event.File{Path: path, Operation: op}
	if rec.Op == bpf.FileOpRename {
		oldPath := bpf.NulTrim(rec.OldPath[:])
		f.OldPath = &oldPath
	}

	ev, ok := a.emitter.New(t, event.SeverityLow, event.Payload{
		Process: &event.Process{PID: rec.PID},
		File:    f,
	})
	a.emit(bus, ev, ok)
}

func (a *FileAdapter) suppressed(path string) bool {
	for _, dir := range noiseDirs {
		if strings.HasPrefix(path, dir) {
			return true
		}
	}
	return a.agentPath != "" && strings.HasPrefix(path, a.agentPath)
}

func fileOpType(op bpf.FileOp) (event.FileOp, event.Type) {
	switch op {
	case bpf.FileOpOpen:
		return event.FileOpOpen, event.TypeFileOpen
	case bpf.FileOpWrite:
		return event.FileOpWrite, event.TypeFileWrite
	case bpf.FileOpRename:
		return event.FileOpRename, event.TypeFileRename
	case bpf.FileOpDelete:
		return event.FileOpDelete, event.TypeFileDelete
	default:
		return "", ""
	}
}
