// Package coordinator provides the directory server functionality.
// This file implements the registry of storage nodes and files.
package coordinator

import (
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/dirstore/internal/catalog"
)

// Registry maps storage-node addresses to a liveness flag and file names to
// file records. It is shared by request handlers and replication tasks.
//
// Node records are never deleted:
//   - absent: unknown node
//   - present, true: registered and answering
//   - present, false: registered but failed its last contact
//
// Thread Safety:
// Every method is atomic on its own. There is no operation
// spanning several calls; a handler may observe a file that a replication
// task commits between two of its reads.
type Registry struct {
	*catalog.Catalog

	nodes map[string]bool // host:port -> alive
	mu    sync.RWMutex    // protects nodes
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		Catalog: catalog.New(),
		nodes:   make(map[string]bool),
	}
}

// RegisterNode records addr as alive. Registering the same address again
// is a no-op apart from setting the flag back to alive.
//
// Parameters:
//   - addr: Storage node address in host:port form
//
// Example:
//
//	registry.RegisterNode("10.0.0.7:14000")
func (r *Registry) RegisterNode(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[addr] = true
}

// MarkUnavailable flips a known node to unreachable. Unknown addresses are
// ignored so that absence keeps meaning "never registered".
//
// Returns:
//   - true if the node was known and alive before the call
func (r *Registry) MarkUnavailable(addr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	alive, known := r.nodes[addr]
	if !known {
		return false
	}
	r.nodes[addr] = false
	return alive
}

// NodeKnown reports whether addr has ever registered.
func (r *Registry) NodeKnown(addr string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.nodes[addr]
	return ok
}

// IsAlive reports whether addr is registered and flagged alive.
func (r *Registry) IsAlive(addr string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodes[addr]
}

// AliveNodes returns the addresses flagged alive, minus excluding, sorted so
// that a seeded random choice over the result is reproducible.
//
// Parameters:
//   - excluding: Addresses to leave out (origin of a file, sync target)
//
// Returns:
//   - Sorted slice of addresses; empty if no node qualifies
func (r *Registry) AliveNodes(excluding ...string) []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.nodes))
	for addr, alive := range r.nodes {
		if alive && !slices.Contains(excluding, addr) {
			out = append(out, addr)
		}
	}
	r.mu.RUnlock()

	slices.Sort(out)
	return out
}

// Nodes returns a copy of the whole node map.
func (r *Registry) Nodes() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]bool, len(r.nodes))
	for addr, alive := range r.nodes {
		out[addr] = alive
	}
	return out
}

// NodeCount returns the number of known nodes, alive or not.
func (r *Registry) NodeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Snapshot copies the registry into a ServerState together with jobs.
func (r *Registry) Snapshot(jobs []Job) ServerState {
	return ServerState{
		Nodes: r.Nodes(),
		Files: r.ListFiles(),
		Jobs:  jobs,
	}
}

// Restore overwrites nodes and files with the snapshot's content. It is a
// last-writer-wins replacement: nothing accumulated locally survives.
func (r *Registry) Restore(state ServerState) {
	nodes := make(map[string]bool, len(state.Nodes))
	for addr, alive := range state.Nodes {
		nodes[addr] = alive
	}

	r.mu.Lock()
	r.nodes = nodes
	r.mu.Unlock()

	r.Catalog.Replace(state.Files)
}
