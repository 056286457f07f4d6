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

// DNSAdapter consumes the dns ring buffer, decodes the wire-format query
// name, and emits dns_query events. The DGA detector reads those events
// back off the bus like any other detector, so no separate callback path
// is needed here.
type DNSAdapter struct {
	counters
	rb      *ringbuf.Reader
	emitter *event.Emitter
	log     *zap.Logger
}

func NewDNSAdapter(rb *ringbuf.Reader, em *event.Emitter, log *zap.Logger) *DNSAdapter {
	return &DNSAdapter{rb: rb, emitter: em, log: log}
}

func (a *DNSAdapter) Name() string { return "dns" }

func (a *DNSAdapter) Run(ctx context.Context, bus Bus) error {
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
				return fmt.Errorf("dns ring buffer: %w", err)
			}
			continue
		}

		rec, err := bpf.ParseDNSRecord(record.RawSample)
		if err != nil {
			a.log.Warn("malformed dns record", zap.Error(err))
			a.dropped.Add(1)
			continue
		}
		a.handle(rec, bus)
	}
}

func (a *DNSAdapter) handle(rec bpf.DNSRecord, bus Bus) {
	n := int(rec.QueryLen)
	if n > len(rec.Query) {
		n = len(rec.Query)
	}
	name, ok := DecodeDNSName(rec.Query[:n])
	if !ok {
		a.dropped.Add(1)
		return
	}

	ip := parseDestIP(rec.DestIP)
	var ipStr string
	if ip != nil {
		ipStr = ip.String()
	}

	ev, emitted := a.emitter.New(event.TypeDNSQuery, event.SeverityLow, event.Payload{
		Process: &event.Process{PID: rec.PID},
		Network: &event.Network{
			Protocol: event.ProtoUDP,
			DestIP:   ipStr,
			Query:    &name,
		},
	})
	a.emit(bus, ev, emitted)
}

// DecodeDNSName decodes a DNS wire-format label sequence (length-prefixed
// labels terminated by a zero-length label) into a dotted name. A label
// whose length exceeds 63 (the wire-format maximum) halts parsing rather
// than erroring, returning whatever was decoded so far.
func DecodeDNSName(raw []byte) (string, bool) {
	var labels []string
	i := 0
	for i < len(raw) {
		l := int(raw[i])
		if l == 0 {
			break
		}
		if l > 63 {
			break
		}
		i++
		if i+l > len(raw) {
			break
		}
		labels = append(labels, string(raw[i:i+l]))
		i += l
	}
	if len(labels) == 0 {
		return "", false
	}
	return strings.Join(labels, "."), true
}
