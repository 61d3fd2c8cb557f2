// Package reaper implements TTLReaper: periodically expires
// overdue requests across every composite queue.
//
// A getLast()-based expiry check is backwards for a FIFO queue — the oldest
// request sits at the head, not the tail. This sweeps from the head while
// expired instead.
package reaper

import (
	"time"

	"github.com/connpool/dbcluster/internal/queueregistry"
	"github.com/connpool/dbcluster/pkg/clustererr"
	"github.com/connpool/dbcluster/pkg/orderedindex"
	"github.com/connpool/dbcluster/pkg/request"
)

// Sweep walks every composite queue in queues, aborting with Timeout every
// request whose age exceeds ttl, starting from the head (oldest) and
// stopping at the first still-fresh request.
func Sweep(queues *queueregistry.Registry, ttl time.Duration) {
	// Collect expired requests first: Each holds no lock of its own but
	// mutating a queue's index while Each iterates it would be unsafe, so
	// gather candidates, then remove them in a second pass.
	var expired []*request.Request
	queues.Each(func(_ string, idx *orderedindex.Index[request.ID, *request.Request]) {
		idx.Each(func(_ request.ID, req *request.Request) bool {
			if !req.IsExpired(ttl) {
				return false // FIFO: once we hit a fresh request, nothing older remains
			}
			expired = append(expired, req)
			return true
		})
	})

	for _, req := range expired {
		queues.Drop(req)
		req.Abort(clustererr.New(clustererr.Timeout, "request for pool %q expired after %s", req.Pool, ttl))
	}
}
