package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/cilium/ebpf/ringbuf"
	"go.uber.org/zap"

	"github.com/kernox/kernox/internal/bpf"
	"github.com/kernox/kernox/internal/event"
)

// NetworkAdapter consumes the network ring buffer and emits
// network_connect events, suppressing loopback and link-local
// destinations.
type NetworkAdapter struct {
	counters
	rb      *ringbuf.Reader
	emitter *event.Emitter
	log     *zap.Logger
}

func NewNetworkAdapter(rb *ringbuf.Reader, em *event.Emitter, log *zap.Logger) *NetworkAdapter {
	return &NetworkAdapter{rb: rb, emitter: em, log: log}
}

func (a *NetworkAdapter) Name() string { return "network" }

func (a *NetworkAdapter) Run(ctx context.Context, bus Bus) error {
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
				return fmt.Errorf("network ring buffer: %w", err)
			}
			continue
		}

		rec, err := bpf.ParseNetworkRecord(record.RawSample)
		if err != nil {
			a.log.Warn("malformed network record", zap.Error(err))
			a.dropped.Add(1)
			continue
		}
		a.handle(rec, bus)
	}
}

func (a *NetworkAdapter) handle(rec bpf.NetworkRecord, bus Bus) {
	ip := parseDestIP(rec.DestIP)
	if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return
	}

	ev, ok := a.emitter.New(event.TypeNetworkConnect, event.SeverityLow, event.Payload{
		Process: &event.Process{PID: rec.PID},
		Network: &event.Network{
			Protocol: event.ProtoTCP,
			DestIP:   ip.String(),
			DestPort: rec.DestPort,
		},
	})
	a.emit(bus, ev, ok)
}

// parseDestIP interprets the fixed 16-byte DestIP field as an IPv4
// address when bytes [4:16] are zero, else as a raw IPv6 address.
func parseDestIP(raw [16]byte) net.IP {
	allZero := true
	for _, b := range raw[4:] {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return net.IPv4(raw[0], raw[1], raw[2], raw[3])
	}
	ip := make(net.IP, 16)
	copy(ip, raw[:])
	return ip
}
