package probe

import "testing"

func TestDecodeDNSName_SimpleName(t *testing.T) {
	// "www.google.com" in wire format.
	raw := []byte{3, 'w', 'w', 'w', 6, 'g', 'o', 'o', 'g', 'l', 'e', 3, 'c', 'o', 'm', 0}
	name, ok := DecodeDNSName(raw)
	if !ok {
		t.Fatal("expected decode to succeed")
	}
	if name != "www.google.com" {
		t.Fatalf("expected www.google.com, got %q", name)
	}
}

func TestDecodeDNSName_OverlongLabelTerminatesParsing(t *testing.T) {
	raw := []byte{3, 'a', 'b', 'c', 64} // label length 64 exceeds the 63 max
	name, ok := DecodeDNSName(raw)
	if !ok {
		t.Fatal("expected partial decode to still succeed")
	}
	if name != "abc" {
		t.Fatalf("expected parsing to stop at the oversized label, got %q", name)
	}
}

func TestDecodeDNSName_Empty(t *testing.T) {
	_, ok := DecodeDNSName([]byte{0})
	if ok {
		t.Fatal("expected empty name to be rejected")
	}
}
