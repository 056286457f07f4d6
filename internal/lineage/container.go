package lineage

import (
	"os"
	"strings"
)

// Known runtime names.
const (
	RuntimeDocker     = "docker"
	RuntimeKubernetes = "kubernetes"
	RuntimeLXC        = "lxc"
	RuntimeNone       = "none"
)

// Classifier resolves a pid to its container runtime by inspecting the
// kernel's per-process cgroup membership file. Results are cached on the
// owning lineage Node (via Graph.SetContainer) for the node's lifetime —
// Classifier itself holds no cache.
type Classifier struct {
	procRoot string // overridable in tests; defaults to "/proc"
}

// NewClassifier creates a Classifier reading from the real /proc.
func NewClassifier() *Classifier {
	return &Classifier{procRoot: "/proc"}
}

// NewClassifierWithRoot creates a Classifier reading from an arbitrary
// proc-like root, for tests.
func NewClassifierWithRoot(root string) *Classifier {
	return &Classifier{procRoot: root}
}

// Classify resolves pid's container runtime and id by reading
// /proc/<pid>/cgroup and matching known path fragments. A read failure
// (the process raced past exit) yields {RuntimeNone, ""} without error.
func (c *Classifier) Classify(pid uint32) Container {
	path := c.procRoot + "/" + itoa(pid) + "/cgroup"
	data, err := os.ReadFile(path)
	if err != nil {
		return Container{Runtime: RuntimeNone}
	}
	return parseCgroupFile(string(data))
}

// parseCgroupFile matches both cgroup v1 (one line per controller) and
// cgroup v2 (single "0::<path>" line) formats: each is a line of
// "hierarchy-id:controller-list:path", and we only ever look at path.
func parseCgroupFile(contents string) Container {
	for _, line := range strings.Split(contents, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 3)
		if len(parts) != 3 {
			continue
		}
		p := parts[2]

		if id, ok := extractID(p, "/docker/"); ok {
			return Container{Runtime: RuntimeDocker, ID: id}
		}
		if id, ok := extractID(p, "/kubepods/"); ok {
			return Container{Runtime: RuntimeKubernetes, ID: id}
		}
		if id, ok := extractID(p, "/lxc/"); ok {
			return Container{Runtime: RuntimeLXC, ID: id}
		}
	}
	return Container{Runtime: RuntimeNone}
}

// extractID returns the path segment following fragment (typically the
// container/pod ID) if fragment appears in p.
func extractID(p, fragment string) (string, bool) {
	idx := strings.Index(p, fragment)
	if idx < 0 {
		return "", false
	}
	rest := p[idx+len(fragment):]
	if end := strings.IndexByte(rest, '/'); end >= 0 {
		rest = rest[:end]
	}
	rest = strings.TrimSuffix(rest, ".scope")
	return rest, true
}

func itoa(pid uint32) string {
	if pid == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for pid > 0 {
		i--
		buf[i] = byte('0' + pid%10)
		pid /= 10
	}
	return string(buf[i:])
}
