package probe

import (
	"context"
	"regexp"
	"syscall"
	"time"

	"github.com/nxadm/tail"
	"go.uber.org/zap"

	"github.com/kernox/kernox/internal/event"
)

var (
	sshAcceptRe = regexp.MustCompile(`Accepted \S+ for (\S+) from (\S+)`)
	sshFailRe   = regexp.MustCompile(`Failed \S+ for (?:invalid user )?(\S+) from (\S+)`)
	sudoRe      = regexp.MustCompile(`sudo:\s*(\S+)\s*:.*COMMAND=`)
)

// AuthAdapter tails an auth log (default /var/log/auth.log), matching
// SSH accept/fail and sudo invocation lines. The tail library follows the
// file by path (ReOpen) and tracks the read offset; after a rotation it
// reopens the new file from its start. The adapter itself only polls the
// inode to log rotations.
type AuthAdapter struct {
	counters
	path    string
	emitter *event.Emitter
	log     *zap.Logger

	lastInode uint64
}

func NewAuthAdapter(path string, em *event.Emitter, log *zap.Logger) *AuthAdapter {
	return &AuthAdapter{path: path, emitter: em, log: log}
}

func (a *AuthAdapter) Name() string { return "auth" }

func (a *AuthAdapter) Run(ctx context.Context, bus Bus) error {
	t, err := tail.TailFile(a.path, tail.Config{
		ReOpen:    true,
		Follow:    true,
		Poll:      true,
		MustExist: false,
		Location:  &tail.SeekInfo{Offset: 0, Whence: 2}, // start at end; history is not replayed
	})
	if err != nil {
		return err
	}
	defer t.Stop()

	a.lastInode = a.statInode()

	ticker := time.NewTicker(pollDeadline)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if inode := a.statInode(); inode != 0 && inode != a.lastInode {
				a.lastInode = inode
				a.log.Info("auth log inode changed, tail reopens the file by path", zap.String("path", a.path))
			}
		case line, ok := <-t.Lines:
			if !ok {
				return nil
			}
			if line.Err != nil {
				a.log.Warn("auth tail read error", zap.Error(line.Err))
				continue
			}
			a.handleLine(line.Text, bus)
		}
	}
}

func (a *AuthAdapter) statInode() uint64 {
	var st syscall.Stat_t
	if err := syscall.Stat(a.path, &st); err != nil {
		return 0
	}
	return uint64(st.Ino)
}

func (a *AuthAdapter) handleLine(line string, bus Bus) {
	if m := sshAcceptRe.FindStringSubmatch(line); m != nil {
		ip := m[2]
		ev, ok := a.emitter.New(event.TypeAuthLoginSuccess, event.SeverityLow, event.Payload{
			Auth: &event.Auth{Source: event.AuthSourceSSH, User: m[1], SourceIP: &ip, Outcome: event.AuthOutcomeSuccess},
		})
		a.emit(bus, ev, ok)
		return
	}
	if m := sshFailRe.FindStringSubmatch(line); m != nil {
		ip := m[2]
		ev, ok := a.emitter.New(event.TypeAuthLoginFailure, event.SeverityLow, event.Payload{
			Auth: &event.Auth{Source: event.AuthSourceSSH, User: m[1], SourceIP: &ip, Outcome: event.AuthOutcomeFailure},
		})
		a.emit(bus, ev, ok)
		return
	}
	if m := sudoRe.FindStringSubmatch(line); m != nil {
		ev, ok := a.emitter.New(event.TypeAuthSudo, event.SeverityLow, event.Payload{
			Auth: &event.Auth{Source: event.AuthSourceSudo, User: m[1], Outcome: event.AuthOutcomeSuccess},
		})
		a.emit(bus, ev, ok)
	}
}
