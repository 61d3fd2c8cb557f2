package reaper

import (
	"errors"
	"testing"
	"time"

	"github.com/connpool/dbcluster/internal/queueregistry"
	"github.com/connpool/dbcluster/pkg/clustererr"
	"github.com/connpool/dbcluster/pkg/request"
)

type fakeNode struct {
	pools []string
}

func (n fakeNode) Pools() []string { return n.pools }

func TestSweepExpiresFromHead(t *testing.T) {
	queues := queueregistry.New()
	n := fakeNode{pools: []string{"read"}}
	queues.Register(n)

	var rejections []error
	old := request.New("read", func(request.Connection) {}, func(err error) { rejections = append(rejections, err) })
	time.Sleep(5 * time.Millisecond)
	fresh := request.New("read", func(request.Connection) {}, func(err error) { rejections = append(rejections, err) })

	if err := queues.Enqueue(old); err != nil {
		t.Fatalf("enqueue old: %v", err)
	}
	if err := queues.Enqueue(fresh); err != nil {
		t.Fatalf("enqueue fresh: %v", err)
	}

	Sweep(queues, 2*time.Millisecond)

	if len(rejections) != 1 {
		t.Fatalf("expected exactly the old request rejected, got %d rejections", len(rejections))
	}
	if !errors.Is(rejections[0], clustererr.ErrTimeout) {
		t.Fatalf("expected Timeout kind, got %v", rejections[0])
	}
	if old.IsFulfilled() == false {
		t.Fatal("expected the expired request to be fulfilled")
	}
	if fresh.IsFulfilled() {
		t.Fatal("expected the fresh request to survive the sweep")
	}
	if queues.CompositeLen("read") != 1 {
		t.Fatalf("expected only the fresh request left in the queue, got len %d", queues.CompositeLen("read"))
	}
}

func TestSweepNoExpiredRequests(t *testing.T) {
	queues := queueregistry.New()
	queues.Register(fakeNode{pools: []string{"read"}})

	rejected := false
	req := request.New("read", func(request.Connection) {}, func(error) { rejected = true })
	if err := queues.Enqueue(req); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	Sweep(queues, time.Hour)

	if rejected {
		t.Fatal("did not expect a fresh request to be rejected")
	}
}
