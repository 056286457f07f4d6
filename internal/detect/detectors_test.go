package detect

import (
	"testing"
	"time"

	"github.com/kernox/kernox/internal/event"
)

func newEmitter() *event.Emitter { return event.NewEmitter("ep", "host") }

func TestRansomwareDetector_S1_TwentyWritesFire(t *testing.T) {
	em := newEmitter()
	d := NewRansomwareDetector()
	base := time.Unix(1_700_000_000, 0)

	var lastAlert *event.Event
	for i := 0; i < 20; i++ {
		ev, _ := em.New(event.TypeFileWrite, event.SeverityLow, event.Payload{
			Process: &event.Process{PID: 1},
			File:    &event.File{Path: "/tmp/f", Operation: event.FileOpWrite},
		})
		alert, fired := d.Observe(ev, em, base.Add(time.Duration(i)*time.Millisecond))
		if fired {
			lastAlert = alert
		}
	}
	if lastAlert == nil {
		t.Fatal("expected ransomware burst alert after 20 writes")
	}
	if lastAlert.Severity != event.SeverityHigh {
		t.Fatalf("expected high severity, got %v", lastAlert.Severity)
	}
}

func TestBeaconDetector_S2_TenConnectsFire(t *testing.T) {
	em := newEmitter()
	d := NewBeaconDetector()
	base := time.Unix(1_700_000_000, 0)

	fired := false
	for i := 0; i < 10; i++ {
		ev, _ := em.New(event.TypeNetworkConnect, event.SeverityLow, event.Payload{
			Process: &event.Process{PID: 2},
			Network: &event.Network{Protocol: event.ProtoTCP, DestIP: "203.0.113.9", DestPort: 443},
		})
		if _, f := d.Observe(ev, em, base.Add(time.Duration(i)*time.Second)); f {
			fired = true
		}
	}
	if !fired {
		t.Fatal("expected c2 beaconing alert after 10 connects")
	}
}

func TestBeaconDetector_NineEachOfTwoDestsDoesNotFire(t *testing.T) {
	em := newEmitter()
	d := NewBeaconDetector()
	base := time.Unix(1_700_000_000, 0)

	for i := 0; i < 9; i++ {
		evA, _ := em.New(event.TypeNetworkConnect, event.SeverityLow, event.Payload{
			Process: &event.Process{PID: 3},
			Network: &event.Network{Protocol: event.ProtoTCP, DestIP: "203.0.113.9", DestPort: 443},
		})
		if _, f := d.Observe(evA, em, base.Add(time.Duration(i)*time.Second)); f {
			t.Fatal("unexpected fire below per-destination threshold")
		}
		evB, _ := em.New(event.TypeNetworkConnect, event.SeverityLow, event.Payload{
			Process: &event.Process{PID: 3},
			Network: &event.Network{Protocol: event.ProtoTCP, DestIP: "203.0.113.10", DestPort: 443},
		})
		if _, f := d.Observe(evB, em, base.Add(time.Duration(i)*time.Second)); f {
			t.Fatal("unexpected fire below per-destination threshold")
		}
	}
}

func TestBruteForceDetector_S4_FiveFailuresFire(t *testing.T) {
	em := newEmitter()
	d := NewBruteForceDetector()
	base := time.Unix(1_700_000_000, 0)
	ip := "198.51.100.7"

	fired := false
	for i := 0; i < 5; i++ {
		ev, _ := em.New(event.TypeAuthLoginFailure, event.SeverityLow, event.Payload{
			Auth: &event.Auth{Source: event.AuthSourceSSH, User: "root", SourceIP: &ip, Outcome: event.AuthOutcomeFailure},
		})
		if _, f := d.Observe(ev, em, base.Add(time.Duration(i)*time.Second)); f {
			fired = true
		}
	}
	if !fired {
		t.Fatal("expected brute force alert after 5 failures")
	}
}

func TestPrivEscDetector_S3_CriticalFiresImmediately(t *testing.T) {
	em := newEmitter()
	d := NewPrivEscDetector()
	ev, _ := em.New(event.TypePrivilegeChange, event.SeverityCritical, event.Payload{
		Process: &event.Process{PID: 4},
	})
	alert, fired := d.Observe(ev, em)
	if !fired {
		t.Fatal("expected immediate privilege escalation alert")
	}
	if alert.Severity != event.SeverityCritical {
		t.Fatalf("expected critical severity, got %v", alert.Severity)
	}
}

func TestPrivEscDetector_MediumSeverityDoesNotFire(t *testing.T) {
	em := newEmitter()
	d := NewPrivEscDetector()
	ev, _ := em.New(event.TypePrivilegeChange, event.SeverityMedium, event.Payload{
		Process: &event.Process{PID: 5},
	})
	if _, fired := d.Observe(ev, em); fired {
		t.Fatal("unexpected fire for non-critical privilege change")
	}
}

func TestDGADetector_RandomLabelFires(t *testing.T) {
	em := newEmitter()
	d := NewDGADetector()
	query := "kq7x1p8v2m9r4z.example"
	ev, _ := em.New(event.TypeDNSQuery, event.SeverityLow, event.Payload{
		Process: &event.Process{PID: 6},
		Network: &event.Network{Protocol: event.ProtoUDP, DestIP: "93.184.216.34", Query: &query},
	})
	_, fired := d.Observe(ev, em)
	if !fired {
		t.Fatal("expected a high-entropy DGA-like label to fire")
	}
}

func TestDGADetector_OrdinaryDomainDoesNotFire(t *testing.T) {
	em := newEmitter()
	d := NewDGADetector()
	query := "www.google.com"
	ev, _ := em.New(event.TypeDNSQuery, event.SeverityLow, event.Payload{
		Process: &event.Process{PID: 7},
		Network: &event.Network{Protocol: event.ProtoUDP, DestIP: "142.250.0.1", Query: &query},
	})
	if _, fired := d.Observe(ev, em); fired {
		t.Fatal("unexpected fire for an ordinary domain")
	}
}

func TestDGADetector_ShortLabelNeverFiresRegardlessOfEntropy(t *testing.T) {
	em := newEmitter()
	d := NewDGADetector()
	query := "a1.example.com" // high-ish entropy per-char but under minLabelLen
	ev, _ := em.New(event.TypeDNSQuery, event.SeverityLow, event.Payload{
		Process: &event.Process{PID: 8},
		Network: &event.Network{Protocol: event.ProtoUDP, DestIP: "1.2.3.4", Query: &query},
	})
	if _, fired := d.Observe(ev, em); fired {
		t.Fatal("unexpected fire for a label shorter than the minimum length")
	}
}
