// Package bpf provides the CO-RE BPF loader for the KERNOX agent's passive
// observation probes.
//
// Responsibilities:
//   - Verify kernel version (>= 5.8, the first ringbuf-capable release) and
//     BPF filesystem availability.
//   - Load the embedded BPF ELF object via cilium/ebpf CO-RE.
//   - Pin every ring buffer map under /sys/fs/bpf/kernox/ so a restarted
//     agent reuses the existing maps; the programs themselves are loaded
//     afresh on every start.
//   - Expose one *ebpf.Map ring buffer per probe source.
//
// KERNOX's probes are tracepoint/kprobe observers: they report
// activity, they do not gate it. There is no enforcement hook and no
// allow/deny decision anywhere in the load path.
//
// Failure contract:
//   - Any failure in Load() is fatal; the caller must abort startup.
//     Partial BPF state is not tolerated.
//   - On agent restart, existing pinned maps are reused if present.
package bpf

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"syscall"
	"unsafe"

	"github.com/cilium/ebpf"
	"golang.org/x/sys/unix"
)

const (
	// BPFPinPath is the BPF filesystem directory where all maps are pinned.
	// Must be on a bpffs mount (typically /sys/fs/bpf).
	BPFPinPath = "/sys/fs/bpf/kernox"

	// MinKernelMajor and MinKernelMinor define the minimum supported kernel
	// (5.8 is the first release with BPF ring buffer support).
	MinKernelMajor = 5
	MinKernelMinor = 8
)

// Ring buffer map names, one per probe source, as declared in the C source.
const (
	ProcessEventsMapName   = "process_events"
	FileEventsMapName      = "file_events"
	NetworkEventsMapName   = "network_events"
	PrivilegeEventsMapName = "privilege_events"
	DNSEventsMapName       = "dns_events"
)

var ringbufMapNames = []string{
	ProcessEventsMapName,
	FileEventsMapName,
	NetworkEventsMapName,
	PrivilegeEventsMapName,
	DNSEventsMapName,
}

// Objects holds references to all loaded BPF programs and ring buffer maps.
// Callers must call Close() when done to release kernel resources.
type Objects struct {
	Programs map[string]*ebpf.Program
	RingBufs map[string]*ebpf.Map
}

// RingBuf returns the named ring buffer map, or nil if it was not present
// in the loaded collection (a probe adapter for an unavailable source
// should treat this as "disabled", not a fatal error).
func (o *Objects) RingBuf(name string) *ebpf.Map {
	return o.RingBufs[name]
}

// Close releases all BPF resources: programs and maps.
// Safe to call multiple times.
func (o *Objects) Close() error {
	var errs []error
	for _, p := range o.Programs {
		errs = append(errs, p.Close())
	}
	for _, m := range o.RingBufs {
		errs = append(errs, m.Close())
	}
	return errors.Join(errs...)
}

// Load performs the full BPF initialisation sequence:
//  1. Kernel version check (>= 5.8).
//  2. BPF filesystem mount check (/sys/fs/bpf).
//  3. Load ELF from embedded bytes via CO-RE.
//  4. Pin every ring buffer map under BPFPinPath (reuse existing pins on
//     restart).
//
// The programs are loaded into the kernel but not attached: Load creates
// no tracepoint or kprobe links. A ring buffer missing from the object
// is simply absent from RingBufs rather than failing the whole load.
//
// Returns a fully initialised *Objects or a descriptive error. On any
// fatal error, all partially allocated resources are released.
func Load() (*Objects, error) {
	if err := checkKernelVersion(MinKernelMajor, MinKernelMinor); err != nil {
		return nil, fmt.Errorf("kernel version check failed: %w", err)
	}
	if err := checkBPFFS(); err != nil {
		return nil, fmt.Errorf("BPF filesystem check failed: %w", err)
	}
	if len(bpfObjectBytes) == 0 {
		return nil, fmt.Errorf("no embedded BPF object: rebuild with -tags bpf_embedded after " +
			"running the probe Makefile, or pass a prebuilt object path")
	}

	spec, err := ebpf.LoadCollectionSpecFromReader(bytes.NewReader(bpfObjectBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to load BPF collection spec: %w", err)
	}

	if err := os.MkdirAll(BPFPinPath, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create BPF pin path %s: %w", BPFPinPath, err)
	}

	for _, name := range ringbufMapNames {
		if mapSpec, ok := spec.Maps[name]; ok {
			mapSpec.Pinning = ebpf.PinByName
		}
	}

	coll, err := ebpf.NewCollectionWithOptions(spec, ebpf.CollectionOptions{
		Maps: ebpf.MapOptions{PinPath: BPFPinPath},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load BPF collection: %w", err)
	}

	objs := &Objects{
		Programs: make(map[string]*ebpf.Program),
		RingBufs: make(map[string]*ebpf.Map),
	}
	for name, prog := range coll.Programs {
		objs.Programs[name] = prog
	}
	for _, name := range ringbufMapNames {
		if m, ok := coll.Maps[name]; ok {
			objs.RingBufs[name] = m
		}
	}

	if len(objs.RingBufs) == 0 {
		_ = objs.Close()
		return nil, fmt.Errorf("BPF collection loaded but no known ring buffer maps were present")
	}

	return objs, nil
}

// ─── Kernel / environment checks ─────────────────────────────────────────────

// checkKernelVersion reads the running kernel version via uname(2) and
// verifies it meets the minimum requirement.
func checkKernelVersion(major, minor int) error {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return fmt.Errorf("uname failed: %w", err)
	}
	release := unix.ByteSliceToString((*[65]byte)(unsafe.Pointer(&uts.Release[0]))[:])

	var kMajor, kMinor, kPatch int
	if _, err := fmt.Sscanf(release, "%d.%d.%d", &kMajor, &kMinor, &kPatch); err != nil {
		return fmt.Errorf("failed to parse kernel version %q: %w", release, err)
	}

	if kMajor < major || (kMajor == major && kMinor < minor) {
		return fmt.Errorf("kernel %d.%d.%d < required %d.%d",
			kMajor, kMinor, kPatch, major, minor)
	}
	return nil
}

// checkBPFFS verifies that the BPF filesystem is mounted at /sys/fs/bpf.
func checkBPFFS() error {
	const bpffsPath = "/sys/fs/bpf"
	var stat syscall.Statfs_t
	if err := syscall.Statfs(bpffsPath, &stat); err != nil {
		return fmt.Errorf("statfs %s failed: %w", bpffsPath, err)
	}
	// BPF filesystem magic number: 0xcafe4a11
	const bpffsMagic = 0xcafe4a11
	if stat.Type != bpffsMagic {
		return fmt.Errorf("%s is not a bpffs mount (magic=0x%x, expected=0x%x). "+
			"Mount with: mount -t bpf bpf /sys/fs/bpf", bpffsPath, stat.Type, bpffsMagic)
	}
	return nil
}
