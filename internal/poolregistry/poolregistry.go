// Package poolregistry implements PoolRegistry: a per-pool-name
// index of currently idle connections, with node-count refcounts tracking
// how many live nodes advertise each pool.
//
// None of this type's methods lock anything themselves — the cluster's
// single mutex already serializes every call into this package, the same
// way any registry keyed by one owning mutex assumes its caller already
// holds it.
package poolregistry

import (
	"github.com/connpool/dbcluster/pkg/orderedindex"
)

// Connection is the minimal shape PoolRegistry needs: an id unique within
// the process and the pool memberships it was parked under.
type Connection interface {
	ID() uint64
	Pools() []string
}

// Node is the minimal shape PoolRegistry needs from a node: its sorted
// pool memberships.
type Node interface {
	Pools() []string
}

type entry struct {
	idx       *orderedindex.Index[uint64, Connection]
	nodeCount int
}

// Registry is PoolRegistry: Pools mapping poolName → idle connection
// index, with nodeCount tracked per pool.
type Registry struct {
	pools map[string]*entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{pools: map[string]*entry{}}
}

// Register increments nodeCount for every pool node advertises, creating
// the pool's idle index on first sight.
func (r *Registry) Register(node Node) {
	for _, p := range node.Pools() {
		e, ok := r.pools[p]
		if !ok {
			e = &entry{idx: orderedindex.New[uint64, Connection]()}
			r.pools[p] = e
		}
		e.nodeCount++
	}
}

// Unregister decrements nodeCount for every pool node advertises, deleting
// the pool entirely once its last node leaves.
func (r *Registry) Unregister(node Node) {
	for _, p := range node.Pools() {
		e, ok := r.pools[p]
		if !ok {
			continue
		}
		e.nodeCount--
		if e.nodeCount <= 0 {
			delete(r.pools, p)
		}
	}
}

// Park inserts c into the idle index of every pool its owner advertises.
func (r *Registry) Park(c Connection) {
	for _, p := range c.Pools() {
		e, ok := r.pools[p]
		if !ok {
			continue
		}
		e.idx.Push(c.ID(), c)
	}
}

// Unpark pops the oldest idle connection parked under pool, removing it
// from every sibling pool it was also parked in. Returns (nil, false) when
// pool has no idle connections.
func (r *Registry) Unpark(pool string) (Connection, bool) {
	e, ok := r.pools[pool]
	if !ok {
		return nil, false
	}
	_, c, ok := e.idx.Shift()
	if !ok {
		return nil, false
	}
	for _, p := range c.Pools() {
		if p == pool {
			continue
		}
		if sib, ok := r.pools[p]; ok {
			sib.idx.Remove(c.ID())
		}
	}
	return c, true
}

// Drop removes c from every pool its owner advertises without returning
// it — used when a connection ends while still idle.
func (r *Registry) Drop(c Connection) {
	for _, p := range c.Pools() {
		if e, ok := r.pools[p]; ok {
			e.idx.Remove(c.ID())
		}
	}
}

// Len reports how many idle connections are currently parked under pool.
func (r *Registry) Len(pool string) int {
	e, ok := r.pools[pool]
	if !ok {
		return 0
	}
	return e.idx.Len()
}

// NodeCount reports how many live nodes advertise pool.
func (r *Registry) NodeCount(pool string) int {
	e, ok := r.pools[pool]
	if !ok {
		return 0
	}
	return e.nodeCount
}

// Exists reports whether pool currently has at least one live node.
func (r *Registry) Exists(pool string) bool {
	_, ok := r.pools[pool]
	return ok
}

// Pools lists the currently registered pool names, for diagnostics.
func (r *Registry) Pools() []string {
	names := make([]string, 0, len(r.pools))
	for p := range r.pools {
		names = append(names, p)
	}
	return names
}
