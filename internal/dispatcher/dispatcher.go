// Package dispatcher implements the idle-connection routing rule:
// match the newly-idle connection against its node's composite queue, or
// park it in every pool its node serves.
package dispatcher

import (
	"github.com/connpool/dbcluster/internal/poolregistry"
	"github.com/connpool/dbcluster/internal/queueregistry"
)

// Dispatch handles one idle event from connection c, whose owning node's
// composite key is compositeKey: claim the oldest request from that
// composite queue if one is waiting, else park c in every pool it serves.
func Dispatch(queues *queueregistry.Registry, pools *poolregistry.Registry, compositeKey string, c poolregistry.Connection) {
	if queues.CompositeLen(compositeKey) > 0 {
		if req, ok := queues.ClaimForComposite(compositeKey); ok {
			req.Execute(c)
			return
		}
	}
	pools.Park(c)
}
