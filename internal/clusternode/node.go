// Package clusternode implements the concrete Node and Connection that back
// the cluster's pool and queue registries: it wraps a driver.Factory's
// connection constructor, tracks live connection count against
// maxConnections, and wires the idle/end callbacks the scheduler
// (dispatcher, pool/queue registries) depends on.
//
// Node/Connection are conceptually event emitters ("load", "connection",
// "idle", "end"). Because the cluster's own concurrency model is a single
// serialized executor, those events are modeled here as direct callback
// invocations rather than a generic pub/sub bus, the same simplification
// the connection manager makes by calling straight into its caller instead
// of emitting anything.
package clusternode

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/connpool/dbcluster/internal/clustermetrics"
	"github.com/connpool/dbcluster/internal/config"
	"github.com/connpool/dbcluster/internal/queueregistry"
	"github.com/connpool/dbcluster/pkg/clustererr"
	"github.com/connpool/dbcluster/pkg/driver"
)

var nextNodeID atomic.Uint64

var nextConnID atomic.Uint64

// Callbacks are the events a Node fires back into the cluster.
type Callbacks struct {
	// OnConnection fires once per new physical connection, before it is
	// ever idle.
	OnConnection func(*Connection)
	// OnIdle fires each time a connection becomes reusable: right after
	// Load opens the initial connection, and again after every completed
	// query. GrowConnection does not fire it.
	OnIdle func(*Connection)
	// OnConnectionEnd fires once a connection is closed and will never
	// appear again.
	OnConnectionEnd func(*Connection)
}

// Node owns up to maxConnections physical connections against one
// database host, dialed through a driver.Factory.
type Node struct {
	id             uint64
	pools          []string
	compositeKey   string
	maxConnections int
	factory        driver.Factory
	connCfg        driver.ConnConfig

	mu    sync.Mutex
	conns map[uint64]*Connection
	cb    Callbacks
	ended bool
}

// New constructs a Node from NodeConfig and a resolved driver.Factory.
// pools is sorted before the node is ever observable.
func New(cfg config.NodeConfig, factory driver.Factory) *Node {
	pools := append([]string(nil), cfg.Pools...)
	sort.Strings(pools)

	return &Node{
		id:             nextNodeID.Add(1),
		pools:          pools,
		compositeKey:   queueregistry.CompositeKey(pools),
		maxConnections: cfg.MaxConnections,
		factory:        factory,
		connCfg: driver.ConnConfig{
			Host:     cfg.Host,
			Port:     cfg.Port,
			Username: cfg.Username,
			Password: cfg.Password,
			Database: cfg.Database,
		},
		conns: map[uint64]*Connection{},
	}
}

// ID returns the node's process-unique identifier.
func (n *Node) ID() uint64 { return n.id }

// Pools returns a copy of the node's sorted pool memberships.
func (n *Node) Pools() []string {
	return append([]string(nil), n.pools...)
}

// CompositeKey returns C(n).
func (n *Node) CompositeKey() string { return n.compositeKey }

// MaxConnections returns the node's configured connection cap.
func (n *Node) MaxConnections() int { return n.maxConnections }

// Load opens the node's initial physical connection, wires cb, and
// invokes OnConnection then OnIdle for it — the "load" steady state,
// modeled as a synchronous call since addNode already awaits it.
func (n *Node) Load(ctx context.Context, cb Callbacks) error {
	n.mu.Lock()
	n.cb = cb
	n.mu.Unlock()

	conn, err := n.openConnection(ctx)
	if err != nil {
		return err
	}
	cb.OnConnection(conn)
	cb.OnIdle(conn)
	log.Printf("[clusternode] node %d loaded, pools=%v composite=%q", n.id, n.pools, n.compositeKey)
	return nil
}

// GrowConnection dials one more physical connection if the node is below
// maxConnections, firing OnConnection (but not OnIdle — the caller decides
// whether the new connection immediately serves a request or goes idle).
// Returns (nil, nil) when the node is already at capacity or has ended.
func (n *Node) GrowConnection(ctx context.Context) (*Connection, error) {
	n.mu.Lock()
	if n.ended || len(n.conns) >= n.maxConnections {
		n.mu.Unlock()
		return nil, nil
	}
	n.mu.Unlock()

	conn, err := n.openConnection(ctx)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	cb := n.cb
	n.mu.Unlock()
	cb.OnConnection(conn)
	return conn, nil
}

func (n *Node) openConnection(ctx context.Context) (*Connection, error) {
	raw, err := n.factory.NewConnection(ctx, n.connCfg)
	if err != nil {
		clustermetrics.ConnectionErrors.WithLabelValues(fmt.Sprint(n.id), "create_failed").Inc()
		return nil, clustererr.Wrap(clustererr.DriverLoadError, err, "opening connection to node %d", n.id)
	}

	n.mu.Lock()
	id := nextConnID.Add(1)
	c := &Connection{id: id, node: n, conn: raw}
	n.conns[id] = c
	n.mu.Unlock()

	return c, nil
}

// Ping probes any one live connection for liveness, via driver.Pinger if
// the underlying driver implements it. A node with no live connections is
// reported unhealthy.
func (n *Node) Ping(ctx context.Context) error {
	n.mu.Lock()
	var raw driver.Conn
	for _, c := range n.conns {
		raw = c.Raw()
		break
	}
	n.mu.Unlock()

	if raw == nil {
		return clustererr.New(clustererr.NoServer, "node %d has no live connections", n.id)
	}
	if pinger, ok := raw.(driver.Pinger); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

func (n *Node) liveCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.conns)
}

// LiveCount returns the node's current physical connection count, for
// ConnectionsActive/ConnectionsIdle gauge derivation.
func (n *Node) LiveCount() int {
	return n.liveCount()
}

func (n *Node) removeConn(id uint64) {
	n.mu.Lock()
	delete(n.conns, id)
	n.mu.Unlock()
}

// End closes every live connection and marks the node finished; emits no
// further OnConnection after this returns: "end exactly
// once; after end, no further connection emissions".
func (n *Node) End() {
	n.mu.Lock()
	if n.ended {
		n.mu.Unlock()
		return
	}
	n.ended = true
	conns := make([]*Connection, 0, len(n.conns))
	for _, c := range n.conns {
		conns = append(conns, c)
	}
	n.mu.Unlock()

	for _, c := range conns {
		c.End()
	}
	log.Printf("[clusternode] node %d ended", n.id)
}

// Connection wraps one driver.Conn with the id/pool bookkeeping the
// cluster's pool and queue registries need.
type Connection struct {
	id   uint64
	node *Node

	mu    sync.Mutex
	conn  driver.Conn
	ended bool
}

// ID returns the connection's process-unique identifier.
func (c *Connection) ID() uint64 { return c.id }

// Pools returns the owning node's pool memberships — by invariant,
// pools(c) == pools(owner_node).
func (c *Connection) Pools() []string { return c.node.Pools() }

// NodeID returns the id of the node that owns this connection.
func (c *Connection) NodeID() uint64 { return c.node.ID() }

// CompositeKey returns the owning node's composite key, C(n).
func (c *Connection) CompositeKey() string { return c.node.CompositeKey() }

// Raw exposes the underlying driver.Conn, for the query façade to hand to
// a driver's QueryBuilder/Analyzer factories, which operate on the raw
// vendor connection rather than this bookkeeping wrapper.
func (c *Connection) Raw() driver.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Query runs qctx against the underlying driver connection. On success the
// connection re-enters the scheduler by firing OnIdle again — it returns to
// idle on its own rather than waiting for an explicit release call.
func (c *Connection) Query(ctx context.Context, qctx *driver.QueryContext) error {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return clustererr.New(clustererr.Internal, "query on ended connection %d", c.id)
	}
	conn := c.conn
	c.mu.Unlock()

	if err := conn.Query(ctx, qctx); err != nil {
		clustermetrics.ConnectionErrors.WithLabelValues(fmt.Sprint(c.node.ID()), "query_failed").Inc()
		return err
	}

	c.mu.Lock()
	ended := c.ended
	c.mu.Unlock()
	if !ended {
		c.node.mu.Lock()
		onIdle := c.node.cb.OnIdle
		c.node.mu.Unlock()
		if onIdle != nil {
			onIdle(c)
		}
	}
	return nil
}

// End closes the underlying driver connection exactly once and fires
// OnConnectionEnd.
func (c *Connection) End() error {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return nil
	}
	c.ended = true
	conn := c.conn
	c.mu.Unlock()

	err := conn.Close()
	c.node.removeConn(c.id)

	c.node.mu.Lock()
	onEnd := c.node.cb.OnConnectionEnd
	c.node.mu.Unlock()
	if onEnd != nil {
		onEnd(c)
	}
	return err
}
