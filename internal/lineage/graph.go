// Package lineage maintains the live process parent→child graph used to
// enrich canonical events with process context.
//
// The graph is a pid→Node map protected by a single sync.RWMutex — writes
// happen only on exec/exit, which occur at a far lower rate than the
// file/network/DNS events that read it for enrichment. Nodes
// are soft-deleted (tombstoned) on exit and purged after tombstoneTTL so
// that events racing the exit can still enrich against the correct
// incarnation of a reused pid.
package lineage

import (
	"sync"
	"time"
)

// tombstoneTTL is how long a node survives process-exit before it is
// purged from the graph.
const tombstoneTTL = 30 * time.Second

// maxAncestorDepth bounds the ancestor walk.
const maxAncestorDepth = 8

// Container identifies the runtime a process is confined to, resolved by
// the container classifier.
type Container struct {
	Runtime string // docker | kubernetes | lxc | none
	ID      string
}

// Node is a single process's lineage record. All mutation happens through
// Graph methods, which hold the graph's lock; Node fields are read-only to
// callers once obtained from Lookup/Ancestors.
type Node struct {
	PID       uint32
	PPID      uint32
	Comm      string
	ExePath   string
	User      string
	FirstSeen time.Time

	Container *Container // nil until classified

	tombstonedAt time.Time // zero value means "alive"
}

// Tombstoned reports whether this node has been soft-deleted.
func (n *Node) Tombstoned() bool { return !n.tombstonedAt.IsZero() }

// Graph is the thread-safe pid→Node map.
type Graph struct {
	mu    sync.RWMutex
	nodes map[uint32]*Node
}

// New creates an empty Graph.
func New() *Graph {
	return &Graph{nodes: make(map[uint32]*Node)}
}

// OnExec upserts the node for pid, attaching it under parent's children by
// virtue of storing ppid (the child-set itself is derived on demand by
// Ancestors' callers via Lookup, never materialized as a reverse index —
// child links are lookup relations, never ownership).
//
// A fresh exec always supersedes an existing tombstoned entry for the same
// pid (kernel pid reuse), starting a new FirstSeen.
func (g *Graph) OnExec(pid, ppid uint32, comm, exePath, user string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes[pid] = &Node{
		PID:       pid,
		PPID:      ppid,
		Comm:      comm,
		ExePath:   exePath,
		User:      user,
		FirstSeen: time.Now(),
	}
}

// OnExit tombstones the node for pid. Already-tombstoned or unknown pids
// are a no-op (exit events can race a purge or arrive for an unseen pid).
func (g *Graph) OnExit(pid uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[pid]
	if !ok || n.Tombstoned() {
		return
	}
	n.tombstonedAt = time.Now()
}

// Lookup returns the node for pid, live or tombstoned, or nil if unknown.
// The returned Node must not be mutated by the caller.
func (g *Graph) Lookup(pid uint32) *Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[pid]
}

// SetContainer records the resolved container classification for pid.
// No-op if pid is unknown.
func (g *Graph) SetContainer(pid uint32, c Container) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n, ok := g.nodes[pid]; ok {
		n.Container = &c
	}
}

// Ancestors walks ppid links from pid up to maxAncestorDepth or until the
// root (ppid 0 or unknown parent), guarding against cycles (pid == ppid or
// a pid revisited mid-walk) by bailing out rather than looping forever.
func (g *Graph) Ancestors(pid uint32) []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []*Node
	visited := map[uint32]bool{pid: true}
	cur := pid
	for depth := 0; depth < maxAncestorDepth; depth++ {
		n, ok := g.nodes[cur]
		if !ok {
			break
		}
		if n.PPID == 0 || n.PPID == cur || visited[n.PPID] {
			break // root or cycle
		}
		parent, ok := g.nodes[n.PPID]
		if !ok {
			break
		}
		out = append(out, parent)
		visited[n.PPID] = true
		cur = n.PPID
	}
	return out
}

// Purge removes tombstoned nodes whose retention window has elapsed.
// Intended to be called periodically (e.g. alongside the heartbeat tick);
// it is not triggered automatically so tests can control timing.
func (g *Graph) Purge(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	purged := 0
	for pid, n := range g.nodes {
		if n.Tombstoned() && now.Sub(n.tombstonedAt) >= tombstoneTTL {
			delete(g.nodes, pid)
			purged++
		}
	}
	return purged
}

// Len returns the current number of tracked nodes, live and tombstoned.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}
