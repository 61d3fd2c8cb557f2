// Package queueregistry implements QueueRegistry: per-composite-key
// ordered queues of pending requests, plus QueueMap, the reverse index
// from pool name to the set of queues that serve it.
//
// As with poolregistry, nothing here locks — the cluster's single mutex
// already serializes every call.
package queueregistry

import (
	"sort"
	"strings"

	"github.com/connpool/dbcluster/pkg/clustererr"
	"github.com/connpool/dbcluster/pkg/orderedindex"
	"github.com/connpool/dbcluster/pkg/request"
)

// Node is the minimal shape QueueRegistry needs from a node: its sorted
// pool memberships.
type Node interface {
	Pools() []string
}

// CompositeKey computes C(n): the sorted, slash-joined list of pool
// memberships. Sorting guarantees canonicalization regardless of the
// order pools were declared in.
func CompositeKey(pools []string) string {
	sorted := append([]string(nil), pools...)
	sort.Strings(sorted)
	return strings.Join(sorted, "/")
}

type queue struct {
	idx       *orderedindex.Index[request.ID, *request.Request]
	nodeCount int
}

// Registry is QueueRegistry.
type Registry struct {
	queues   map[string]*queue
	queueMap map[string]map[string]struct{} // poolName -> set of composite keys
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		queues:   map[string]*queue{},
		queueMap: map[string]map[string]struct{}{},
	}
}

// Register creates or grows Queues[C(node)] and wires QueueMap for every
// pool node advertises.
func (r *Registry) Register(node Node) {
	k := CompositeKey(node.Pools())
	q, ok := r.queues[k]
	if !ok {
		q = &queue{idx: orderedindex.New[request.ID, *request.Request]()}
		r.queues[k] = q
	}
	q.nodeCount++

	for _, p := range node.Pools() {
		set, ok := r.queueMap[p]
		if !ok {
			set = map[string]struct{}{}
			r.queueMap[p] = set
		}
		set[k] = struct{}{}
	}
}

// Enqueue pushes req onto every composite queue that serves req's pool.
// Fails with NoServer if no live node currently advertises that pool.
func (r *Registry) Enqueue(req *request.Request) error {
	set := r.queueMap[req.Pool]
	if len(set) == 0 {
		return clustererr.New(clustererr.NoServer, "pool %q has no live nodes", req.Pool)
	}
	for k := range set {
		r.queues[k].idx.Push(req.ID(), req)
	}
	return nil
}

// ClaimForComposite pops the oldest request waiting on composite key k and
// removes it from every sibling queue that also serves its pool.
func (r *Registry) ClaimForComposite(k string) (*request.Request, bool) {
	q, ok := r.queues[k]
	if !ok {
		return nil, false
	}
	_, req, ok := q.idx.Shift()
	if !ok {
		return nil, false
	}
	r.dropFromQueues(req)
	return req, true
}

// Drop removes req from every composite queue in QueueMap[req.Pool]. Safe
// to call on a request that was already shifted out of one of them.
func (r *Registry) Drop(req *request.Request) {
	r.dropFromQueues(req)
}

func (r *Registry) dropFromQueues(req *request.Request) {
	for k := range r.queueMap[req.Pool] {
		if q, ok := r.queues[k]; ok {
			q.idx.Remove(req.ID())
		}
	}
}

// Unregister decrements Queues[C(node)].nodeCount; once it reaches zero it
// aborts any request left stranded without another compatible queue, then
// deletes the queue and prunes QueueMap.
func (r *Registry) Unregister(node Node) {
	k := CompositeKey(node.Pools())
	q, ok := r.queues[k]
	if !ok {
		return
	}
	q.nodeCount--
	if q.nodeCount > 0 {
		return
	}

	q.idx.Each(func(_ request.ID, req *request.Request) bool {
		set := r.queueMap[req.Pool]
		if len(set) <= 1 {
			req.Abort(clustererr.New(clustererr.NoServer, "last node serving pool %q was removed", req.Pool))
		}
		return true
	})

	delete(r.queues, k)
	for _, p := range node.Pools() {
		set := r.queueMap[p]
		delete(set, k)
		if len(set) == 0 {
			delete(r.queueMap, p)
		}
	}
}

// QueueExists reports whether pool has at least one serving queue.
func (r *Registry) QueueExists(pool string) bool {
	return len(r.queueMap[pool]) > 0
}

// CompositeLen returns Queues[k].length, or 0 if k is not registered.
func (r *Registry) CompositeLen(k string) int {
	q, ok := r.queues[k]
	if !ok {
		return 0
	}
	return q.idx.Len()
}

// TotalLength sums q.length across every composite queue. This over-counts
// because a request sits in every queue that serves its pool — preserved
// intentionally as the backpressure signal the queue-length budget check
// uses.
func (r *Registry) TotalLength() int {
	total := 0
	for _, q := range r.queues {
		total += q.idx.Len()
	}
	return total
}

// Each walks every composite queue's index, for the TTL reaper and
// diagnostics. Iteration order across composite keys is unspecified.
func (r *Registry) Each(fn func(compositeKey string, idx *orderedindex.Index[request.ID, *request.Request])) {
	for k, q := range r.queues {
		fn(k, q.idx)
	}
}

// CardinalityOf reports how many distinct composite queues currently serve
// pool — QueueMap's fan-out for that pool name.
func (r *Registry) CardinalityOf(pool string) int {
	return len(r.queueMap[pool])
}
