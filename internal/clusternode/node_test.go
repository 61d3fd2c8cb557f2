package clusternode

import (
	"context"
	"testing"

	"github.com/connpool/dbcluster/internal/config"
	"github.com/connpool/dbcluster/pkg/driver"
	"github.com/connpool/dbcluster/pkg/driver/mock"
)

func TestLoadOpensFirstConnectionAndSortsPools(t *testing.T) {
	n := New(config.NodeConfig{
		Pools:          []string{"write", "read"},
		MaxConnections: 2,
	}, mock.Factory())

	var connected, idled *Connection
	err := n.Load(context.Background(), Callbacks{
		OnConnection: func(c *Connection) { connected = c },
		OnIdle:       func(c *Connection) { idled = c },
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if connected == nil || idled == nil || connected != idled {
		t.Fatal("expected Load to fire OnConnection then OnIdle for the same connection")
	}
	if got := n.Pools(); got[0] != "read" || got[1] != "write" {
		t.Fatalf("expected sorted pools, got %v", got)
	}
	if n.CompositeKey() != "read/write" {
		t.Fatalf("unexpected composite key %q", n.CompositeKey())
	}
}

func TestGrowConnectionRespectsMax(t *testing.T) {
	n := New(config.NodeConfig{Pools: []string{"read"}, MaxConnections: 1}, mock.Factory())
	if err := n.Load(context.Background(), Callbacks{OnConnection: func(*Connection) {}, OnIdle: func(*Connection) {}}); err != nil {
		t.Fatalf("Load: %v", err)
	}

	extra, err := n.GrowConnection(context.Background())
	if err != nil {
		t.Fatalf("GrowConnection: %v", err)
	}
	if extra != nil {
		t.Fatal("expected GrowConnection to return nil once at maxConnections")
	}
}

func TestQueryRefiresOnIdle(t *testing.T) {
	n := New(config.NodeConfig{Pools: []string{"read"}, MaxConnections: 1}, mock.Factory())

	idleCount := 0
	var theConn *Connection
	err := n.Load(context.Background(), Callbacks{
		OnConnection: func(c *Connection) { theConn = c },
		OnIdle:       func(c *Connection) { idleCount++ },
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if idleCount != 1 {
		t.Fatalf("expected one idle fire from Load, got %d", idleCount)
	}

	qctx := &driver.QueryContext{Pool: "read", SQL: "SELECT * FROM users"}
	if err := theConn.Query(context.Background(), qctx); err != nil {
		t.Fatalf("Query: %v", err)
	}
	if idleCount != 2 {
		t.Fatalf("expected a second idle fire after Query, got %d", idleCount)
	}
}

func TestEndClosesConnectionsAndFiresCallback(t *testing.T) {
	n := New(config.NodeConfig{Pools: []string{"read"}, MaxConnections: 1}, mock.Factory())

	var ended *Connection
	err := n.Load(context.Background(), Callbacks{
		OnConnection:    func(*Connection) {},
		OnIdle:          func(*Connection) {},
		OnConnectionEnd: func(c *Connection) { ended = c },
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	n.End()
	if ended == nil {
		t.Fatal("expected End to fire OnConnectionEnd")
	}
	if n.liveCount() != 0 {
		t.Fatalf("expected zero live connections after End, got %d", n.liveCount())
	}
}

func TestPingFallsBackToNilWithoutPinger(t *testing.T) {
	n := New(config.NodeConfig{Pools: []string{"read"}, MaxConnections: 1}, mock.Factory())
	if err := n.Load(context.Background(), Callbacks{OnConnection: func(*Connection) {}, OnIdle: func(*Connection) {}}); err != nil {
		t.Fatalf("Load: %v", err)
	}

	// The mock driver's Conn does not implement driver.Pinger, so a live
	// connection should still report healthy.
	if err := n.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: expected nil for a live node with no Pinger, got %v", err)
	}
}

func TestPingReportsUnhealthyWithNoConnections(t *testing.T) {
	n := New(config.NodeConfig{Pools: []string{"read"}, MaxConnections: 1}, mock.Factory())
	if err := n.Ping(context.Background()); err == nil {
		t.Fatal("expected Ping to fail on a node with no live connections")
	}
}
