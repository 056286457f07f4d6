package probe

import (
	"os"
	"testing"
)

func TestTamperReason_Deleted(t *testing.T) {
	prev := logSnapshot{exists: true, size: 100, inode: 1, mode: 0o644}
	cur := logSnapshot{exists: false}
	reason, ok := tamperReason(prev, cur)
	if !ok || reason != "deleted" {
		t.Fatalf("expected deleted, got %q ok=%v", reason, ok)
	}
}

func TestTamperReason_Truncated(t *testing.T) {
	prev := logSnapshot{exists: true, size: 1000, inode: 1, mode: 0o644}
	cur := logSnapshot{exists: true, size: 10, inode: 1, mode: 0o644}
	reason, ok := tamperReason(prev, cur)
	if !ok || reason != "truncated" {
		t.Fatalf("expected truncated, got %q ok=%v", reason, ok)
	}
}

func TestTamperReason_InodeSwap(t *testing.T) {
	prev := logSnapshot{exists: true, size: 100, inode: 1, mode: 0o644}
	cur := logSnapshot{exists: true, size: 100, inode: 2, mode: 0o644}
	reason, ok := tamperReason(prev, cur)
	if !ok || reason != "inode_swap" {
		t.Fatalf("expected inode_swap, got %q ok=%v", reason, ok)
	}
}

func TestTamperReason_PermissionLoosened(t *testing.T) {
	prev := logSnapshot{exists: true, size: 100, inode: 1, mode: 0o600}
	cur := logSnapshot{exists: true, size: 100, inode: 1, mode: os.FileMode(0o644)}
	reason, ok := tamperReason(prev, cur)
	if !ok || reason != "permission_change" {
		t.Fatalf("expected permission_change, got %q ok=%v", reason, ok)
	}
}

func TestTamperReason_NoChange(t *testing.T) {
	snap := logSnapshot{exists: true, size: 100, inode: 1, mode: 0o644}
	if _, ok := tamperReason(snap, snap); ok {
		t.Fatal("expected no tamper reason for an unchanged snapshot")
	}
}

func TestTamperReason_BothMissing(t *testing.T) {
	missing := logSnapshot{exists: false}
	if _, ok := tamperReason(missing, missing); ok {
		t.Fatal("expected no tamper reason when the file never existed")
	}
}
