package cluster

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/connpool/dbcluster/internal/config"
	"github.com/connpool/dbcluster/pkg/clustererr"
	"github.com/connpool/dbcluster/pkg/driver"
	mockdriver "github.com/connpool/dbcluster/pkg/driver/mock"
)

func newTestCluster(t *testing.T, opts Options) *Cluster {
	t.Helper()
	driver.Register("mock-"+t.Name(), mockdriver.Factory())
	opts.Driver = "mock-" + t.Name()
	cl, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { cl.End(true) })
	return cl
}

func TestSingleNodeHappyPath(t *testing.T) {
	cl := newTestCluster(t, Options{})
	if err := cl.AddNode(context.Background(), config.NodeConfig{Pools: []string{"read", "write"}, MaxConnections: 2}); err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	conn, err := cl.GetConnection("read")
	if err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	if conn == nil {
		t.Fatal("expected a connection")
	}
	conn.End()
}

func TestQueuedWaitResolvesFIFO(t *testing.T) {
	cl := newTestCluster(t, Options{})
	if err := cl.AddNode(context.Background(), config.NodeConfig{Pools: []string{"read"}, MaxConnections: 1}); err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	// Take the only connection so the node has nothing idle.
	first, err := cl.GetDBConnection("read")
	if err != nil {
		t.Fatalf("first GetDBConnection: %v", err)
	}

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(2)

	// Waiter 1: on receiving the connection, immediately releases it again
	// via Query so the dispatcher can route it on to waiter 2.
	go func() {
		defer wg.Done()
		conn, err := cl.GetDBConnection("read")
		if err != nil {
			return
		}
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
		conn.Query(context.Background(), &driver.QueryContext{Pool: "read", SQL: "SELECT * FROM t"})
	}()
	time.Sleep(10 * time.Millisecond)

	go func() {
		defer wg.Done()
		if _, err := cl.GetDBConnection("read"); err == nil {
			mu.Lock()
			order = append(order, 2)
			mu.Unlock()
		}
	}()
	time.Sleep(10 * time.Millisecond)

	// Releasing the original connection dispatches it to the oldest
	// queued request (waiter 1).
	qctx := &driver.QueryContext{Pool: "read", SQL: "SELECT * FROM t"}
	if err := first.Query(context.Background(), qctx); err != nil {
		t.Fatalf("query: %v", err)
	}

	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("expected FIFO order [1 2], got %v", order)
	}
}

func TestMultiPoolRouting(t *testing.T) {
	cl := newTestCluster(t, Options{})
	if err := cl.AddNode(context.Background(), config.NodeConfig{Pools: []string{"read"}, MaxConnections: 1}); err != nil {
		t.Fatalf("AddNode A: %v", err)
	}
	if err := cl.AddNode(context.Background(), config.NodeConfig{Pools: []string{"read", "write"}, MaxConnections: 1}); err != nil {
		t.Fatalf("AddNode B: %v", err)
	}

	conn, err := cl.GetConnection("write")
	if err != nil {
		t.Fatalf("GetConnection write: %v", err)
	}
	if conn == nil {
		t.Fatal("expected a write connection from node B")
	}
}

func TestTTLExpiry(t *testing.T) {
	cl := newTestCluster(t, Options{TTL: 100 * time.Millisecond, TTLCheckInterval: 20 * time.Millisecond})
	if err := cl.AddNode(context.Background(), config.NodeConfig{Pools: []string{"analytics"}, MaxConnections: 1}); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	// Drain the only connection so further requests queue.
	if _, err := cl.GetDBConnection("analytics"); err != nil {
		t.Fatalf("drain GetDBConnection: %v", err)
	}

	_, err := cl.GetDBConnection("analytics")
	if err == nil {
		t.Fatal("expected the queued request to time out")
	}
	if !errors.Is(err, clustererr.ErrTimeout) {
		t.Fatalf("expected Timeout, got %v", err)
	}
	if cl.QueueLength() != 0 {
		t.Fatalf("expected the expired request to be gone from queues, got length %d", cl.QueueLength())
	}
}

func TestNodeDeathOrphansRequest(t *testing.T) {
	cl := newTestCluster(t, Options{})
	if err := cl.AddNode(context.Background(), config.NodeConfig{Pools: []string{"analytics"}, MaxConnections: 1}); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	if _, err := cl.GetDBConnection("analytics"); err != nil {
		t.Fatalf("drain GetDBConnection: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := cl.GetDBConnection("analytics")
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)

	cl.mu.Lock()
	var nodeID uint64
	for id := range cl.nodes {
		nodeID = id
	}
	cl.mu.Unlock()
	if err := cl.RemoveNode(nodeID); err != nil {
		t.Fatalf("RemoveNode: %v", err)
	}

	err := <-errCh
	if err == nil || !errors.Is(err, clustererr.ErrNoServer) {
		t.Fatalf("expected NoServer, got %v", err)
	}
}

func TestGracefulEndDrains(t *testing.T) {
	cl := newTestCluster(t, Options{})
	if err := cl.AddNode(context.Background(), config.NodeConfig{Pools: []string{"read"}, MaxConnections: 1}); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	drained, err := cl.GetDBConnection("read")
	if err != nil {
		t.Fatalf("drain GetDBConnection: %v", err)
	}

	doneCh := make(chan error, 1)
	go func() {
		_, err := cl.GetDBConnection("read")
		doneCh <- err
	}()
	time.Sleep(10 * time.Millisecond)

	endCh := make(chan error, 1)
	go func() { endCh <- cl.End(false) }()
	time.Sleep(10 * time.Millisecond)

	// Release the in-flight connection so the queued request (and thus
	// End's drain wait) can complete.
	if err := drained.Query(context.Background(), &driver.QueryContext{Pool: "read", SQL: "SELECT * FROM t"}); err != nil {
		t.Fatalf("releasing query: %v", err)
	}

	select {
	case err := <-doneCh:
		if err != nil {
			t.Fatalf("expected the queued request to resolve, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for queued request to resolve during graceful shutdown")
	}

	select {
	case err := <-endCh:
		if err != nil {
			t.Fatalf("End(false): %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for End(false) to resolve")
	}
}

func TestForceEndAbortsPending(t *testing.T) {
	driver.Register("mock-"+t.Name(), mockdriver.Factory())
	cl, err := New(Options{Driver: "mock-" + t.Name()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := cl.AddNode(context.Background(), config.NodeConfig{Pools: []string{"read"}, MaxConnections: 1}); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	if _, err := cl.GetDBConnection("read"); err != nil {
		t.Fatalf("drain GetDBConnection: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := cl.GetDBConnection("read")
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)

	if err := cl.End(true); err != nil {
		t.Fatalf("End(true): %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, clustererr.ErrShutdown) {
			t.Fatalf("expected Shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the pending request to be aborted")
	}
}

func TestAddNodeAfterEndFails(t *testing.T) {
	driver.Register("mock-"+t.Name(), mockdriver.Factory())
	cl, err := New(Options{Driver: "mock-" + t.Name()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := cl.End(true); err != nil {
		t.Fatalf("End: %v", err)
	}

	err = cl.AddNode(context.Background(), config.NodeConfig{Pools: []string{"read"}})
	if !errors.Is(err, clustererr.ErrEnded) {
		t.Fatalf("expected Ended, got %v", err)
	}
}
