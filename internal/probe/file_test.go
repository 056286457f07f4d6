package probe

import "testing"

func TestFileAdapter_SuppressesNoiseDirs(t *testing.T) {
	a := &FileAdapter{agentPath: "/opt/kernox"}
	cases := map[string]bool{
		"/proc/1/status":    true,
		"/sys/class/net":    true,
		"/dev/pts/3":        true,
		"/opt/kernox/agent": true,
		"/etc/passwd":       false,
		"/tmp/payload.bin":  false,
	}
	for path, want := range cases {
		if got := a.suppressed(path); got != want {
			t.Errorf("suppressed(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestFileOpType_Mapping(t *testing.T) {
	op, typ := fileOpType(0xFF)
	if op != "" || typ != "" {
		t.Fatalf("expected empty mapping for unknown op, got %q %q", op, typ)
	}
}
