// Package cluster implements the Cluster façade: the public entry
// point that wires Node, PoolRegistry, QueueRegistry, Dispatcher, and
// TTLReaper into addNode/getConnection/query/end.
//
// Every exported method either takes the single cl.mu lock briefly or,
// for the suspend points, releases it before blocking and
// re-acquires it on the way back in — the mutex never crosses an await.
package cluster

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/connpool/dbcluster/internal/clusternode"
	"github.com/connpool/dbcluster/internal/clustermetrics"
	"github.com/connpool/dbcluster/internal/config"
	"github.com/connpool/dbcluster/internal/dispatcher"
	"github.com/connpool/dbcluster/internal/healthcheck"
	"github.com/connpool/dbcluster/internal/poolregistry"
	"github.com/connpool/dbcluster/internal/queueregistry"
	"github.com/connpool/dbcluster/internal/reaper"
	"github.com/connpool/dbcluster/pkg/clustererr"
	"github.com/connpool/dbcluster/pkg/driver"
	"github.com/connpool/dbcluster/pkg/orderedindex"
	"github.com/connpool/dbcluster/pkg/request"
)

// Options are the cluster-wide settings.
type Options struct {
	// Driver names the default vendor family new nodes dial through,
	// unless a node overrides it in its own NodeConfig.
	Driver string
	// TTL is how long a queued request may wait before the reaper expires
	// it. Zero means the default of 60s.
	TTL time.Duration
	// TTLCheckInterval is how often the reaper sweeps. Zero means the
	// default of 30s.
	TTLCheckInterval time.Duration
	// MaxQueueLength caps the aggregate queued-request count (the
	// intentionally-double-counting backpressure signal). Zero means the
	// default of 10000.
	MaxQueueLength int
}

func (o *Options) applyDefaults() {
	if o.TTL == 0 {
		o.TTL = 60 * time.Second
	}
	if o.TTLCheckInterval == 0 {
		o.TTLCheckInterval = 30 * time.Second
	}
	if o.MaxQueueLength == 0 {
		o.MaxQueueLength = 10000
	}
}

// Cluster orchestrates PoolRegistry, QueueRegistry, Dispatcher, and
// TTLReaper behind one mutex.
type Cluster struct {
	opts    Options
	factory driver.Factory

	mu       sync.Mutex
	pools    *poolregistry.Registry
	queues   *queueregistry.Registry
	nodes    map[uint64]*clusternode.Node
	ended    bool
	notifyCh chan struct{}

	reaperStop chan struct{}
	reaperDone chan struct{}
}

// New constructs a Cluster. opts.Driver selects the default vendor module;
// it must already be registered via driver.Register (typically by a blank
// import of the driver's package).
func New(opts Options) (*Cluster, error) {
	if opts.Driver == "" {
		return nil, clustererr.New(clustererr.ConfigError, "driver is required")
	}
	factory, err := driver.Lookup(opts.Driver)
	if err != nil {
		return nil, err
	}
	opts.applyDefaults()

	cl := &Cluster{
		opts:       opts,
		factory:    factory,
		pools:      poolregistry.New(),
		queues:     queueregistry.New(),
		nodes:      map[uint64]*clusternode.Node{},
		notifyCh:   make(chan struct{}),
		reaperStop: make(chan struct{}),
		reaperDone: make(chan struct{}),
	}
	go cl.runReaper()
	return cl, nil
}

func (cl *Cluster) runReaper() {
	defer close(cl.reaperDone)
	ticker := time.NewTicker(cl.opts.TTLCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cl.mu.Lock()
			reaper.Sweep(cl.queues, cl.opts.TTL)
			cl.broadcastLocked()
			cl.mu.Unlock()
		case <-cl.reaperStop:
			return
		}
	}
}

// broadcastLocked wakes every goroutine waiting in End(false) for queue
// state to change. Caller must hold cl.mu.
func (cl *Cluster) broadcastLocked() {
	close(cl.notifyCh)
	cl.notifyCh = make(chan struct{})
}

func normalizeNodeConfig(cfg config.NodeConfig) config.NodeConfig {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 100
	}
	if len(cfg.Pools) == 0 {
		cfg.Pools = []string{"read", "write"}
	}
	pools := append([]string(nil), cfg.Pools...)
	sort.Strings(pools)
	cfg.Pools = pools
	return cfg
}

// AddNode normalizes cfg, registers the resulting Node in PoolRegistry and
// QueueRegistry, dials its initial connection, and returns once that
// connection is live — the "load" steady state.
func (cl *Cluster) AddNode(ctx context.Context, cfg config.NodeConfig) error {
	cl.mu.Lock()
	if cl.ended {
		cl.mu.Unlock()
		return clustererr.ErrEnded
	}

	cfg = normalizeNodeConfig(cfg)
	factory := cl.factory
	if cfg.Driver != "" && cfg.Driver != cl.opts.Driver {
		f, err := driver.Lookup(cfg.Driver)
		if err != nil {
			cl.mu.Unlock()
			return err
		}
		factory = f
	}

	node := clusternode.New(cfg, factory)
	cl.pools.Register(node)
	cl.queues.Register(node)
	cl.nodes[node.ID()] = node
	clustermetrics.ConnectionsMax.WithLabelValues(fmt.Sprint(node.ID())).Set(float64(node.MaxConnections()))
	cl.mu.Unlock()

	err := node.Load(ctx, clusternode.Callbacks{
		OnConnection:    cl.onConnection,
		OnIdle:          cl.onIdle,
		OnConnectionEnd: cl.onConnectionEnd,
	})
	if err != nil {
		cl.mu.Lock()
		delete(cl.nodes, node.ID())
		cl.pools.Unregister(node)
		cl.queues.Unregister(node)
		cl.mu.Unlock()
		return err
	}
	return nil
}

// RemoveNode tears a node down: unregisters it from PoolRegistry and
// QueueRegistry (orphaning any request left with nowhere else to go),
// then ends its connections. Models node.emit('end') from the node lifecycle.
func (cl *Cluster) RemoveNode(nodeID uint64) error {
	cl.mu.Lock()
	node, ok := cl.nodes[nodeID]
	if !ok {
		cl.mu.Unlock()
		return clustererr.New(clustererr.Internal, "unknown node %d", nodeID)
	}
	delete(cl.nodes, nodeID)
	cl.pools.Unregister(node)
	cl.queues.Unregister(node)
	cl.broadcastLocked()
	cl.mu.Unlock()

	node.End()
	return nil
}

func (cl *Cluster) onConnection(c *clusternode.Connection) {
	clustermetrics.ConnectionsTotal.WithLabelValues(fmt.Sprint(c.NodeID()), "opened").Inc()
}

func (cl *Cluster) onIdle(c *clusternode.Connection) {
	cl.mu.Lock()
	dispatcher.Dispatch(cl.queues, cl.pools, c.CompositeKey(), c)
	for _, p := range c.Pools() {
		cl.refreshPoolMetricsLocked(p)
	}
	cl.broadcastLocked()
	cl.mu.Unlock()
}

func (cl *Cluster) onConnectionEnd(c *clusternode.Connection) {
	cl.mu.Lock()
	cl.pools.Drop(c)
	for _, p := range c.Pools() {
		cl.refreshPoolMetricsLocked(p)
	}
	cl.broadcastLocked()
	cl.mu.Unlock()
	clustermetrics.ConnectionsTotal.WithLabelValues(fmt.Sprint(c.NodeID()), "closed").Inc()
}

// refreshPoolMetricsLocked recomputes ConnectionsActive/ConnectionsIdle for
// pool from the authoritative sources — poolregistry's idle index and every
// serving node's live connection count — rather than tracking either count
// incrementally, so a missed decrement can never drift the gauge. Caller
// must hold cl.mu.
func (cl *Cluster) refreshPoolMetricsLocked(pool string) {
	idle := cl.pools.Len(pool)
	live := 0
	for _, n := range cl.nodes {
		for _, p := range n.Pools() {
			if p == pool {
				live += n.LiveCount()
				break
			}
		}
	}
	active := live - idle
	if active < 0 {
		active = 0
	}
	clustermetrics.ConnectionsIdle.WithLabelValues(pool).Set(float64(idle))
	clustermetrics.ConnectionsActive.WithLabelValues(pool).Set(float64(active))
}

type dbResult struct {
	conn *clusternode.Connection
	err  error
}

// GetDBConnection pops an idle
// connection if one is parked, otherwise enqueue and suspend until the
// dispatcher routes one to this request or it is aborted.
func (cl *Cluster) GetDBConnection(pool string) (*clusternode.Connection, error) {
	cl.mu.Lock()
	if cl.ended {
		cl.mu.Unlock()
		return nil, clustererr.ErrEnded
	}

	if cl.pools.Len(pool) > 0 {
		c, _ := cl.pools.Unpark(pool)
		cl.refreshPoolMetricsLocked(pool)
		cl.mu.Unlock()
		return c.(*clusternode.Connection), nil
	}

	if !cl.queues.QueueExists(pool) {
		cl.mu.Unlock()
		clustermetrics.RequestsAborted.WithLabelValues(pool, clustererr.NoServer.String()).Inc()
		return nil, clustererr.New(clustererr.NoServer, "no live node serves pool %q", pool)
	}

	if cl.queues.TotalLength() >= cl.opts.MaxQueueLength {
		cl.mu.Unlock()
		clustermetrics.RequestsAborted.WithLabelValues(pool, clustererr.QueueFull.String()).Inc()
		return nil, clustererr.New(clustererr.QueueFull, "aggregate queued requests at capacity (%d)", cl.opts.MaxQueueLength)
	}

	resultCh := make(chan dbResult, 1)
	req := request.New(pool,
		func(c request.Connection) { resultCh <- dbResult{conn: c.(*clusternode.Connection)} },
		func(err error) { resultCh <- dbResult{err: err} },
	)
	if err := cl.queues.Enqueue(req); err != nil {
		cl.mu.Unlock()
		return nil, err
	}
	cl.queues.Each(func(k string, idx *orderedindex.Index[request.ID, *request.Request]) {
		clustermetrics.QueueLength.WithLabelValues(k).Set(float64(idx.Len()))
	})
	cl.mu.Unlock()

	res := <-resultCh
	clustermetrics.QueueWaitDuration.WithLabelValues(pool).Observe(time.Since(req.CreatedAt()).Seconds())
	if res.err != nil {
		if kind, ok := clustererr.KindOf(res.err); ok {
			clustermetrics.RequestsAborted.WithLabelValues(pool, kind.String()).Inc()
		}
		return nil, res.err
	}
	return res.conn, nil
}

// GetConnection is GetDBConnection plus a Drop of the connection from every
// pool's idle index; the caller must End it itself. The connection is not
// otherwise marked as detached: a later Connection.Query on it fires OnIdle,
// which hands it back to the dispatcher like any pooled connection.
func (cl *Cluster) GetConnection(pool string) (*clusternode.Connection, error) {
	c, err := cl.GetDBConnection(pool)
	if err != nil {
		return nil, err
	}
	cl.mu.Lock()
	cl.pools.Drop(c)
	cl.refreshPoolMetricsLocked(pool)
	cl.mu.Unlock()
	return c, nil
}

func (cl *Cluster) nodeListLocked() []*clusternode.Node {
	out := make([]*clusternode.Node, 0, len(cl.nodes))
	for _, n := range cl.nodes {
		out = append(out, n)
	}
	return out
}

// HealthNodes implements healthcheck.NodeLister for this cluster's live
// nodes.
func (cl *Cluster) HealthNodes() []healthcheck.Pingable {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	out := make([]healthcheck.Pingable, 0, len(cl.nodes))
	for _, n := range cl.nodes {
		out = append(out, n)
	}
	return out
}

// End implements end(endNow). With endNow, every pending request is
// aborted with Shutdown immediately. Otherwise End suspends until every
// queue drains to length zero before ending every node.
func (cl *Cluster) End(endNow bool) error {
	cl.mu.Lock()
	if cl.ended {
		cl.mu.Unlock()
		return nil
	}
	cl.ended = true
	close(cl.reaperStop)

	if endNow {
		cl.queues.Each(func(_ string, idx *orderedindex.Index[request.ID, *request.Request]) {
			idx.Each(func(_ request.ID, req *request.Request) bool {
				req.Abort(clustererr.ErrShutdown)
				return true
			})
		})
		nodes := cl.nodeListLocked()
		cl.mu.Unlock()
		<-cl.reaperDone
		for _, n := range nodes {
			n.End()
		}
		log.Printf("[cluster] force-ended with %d nodes", len(nodes))
		return nil
	}

	for cl.queues.TotalLength() > 0 {
		ch := cl.notifyCh
		cl.mu.Unlock()
		<-ch
		cl.mu.Lock()
	}
	nodes := cl.nodeListLocked()
	cl.mu.Unlock()
	<-cl.reaperDone

	for _, n := range nodes {
		n.End()
	}
	log.Printf("[cluster] drained and ended with %d nodes", len(nodes))
	return nil
}

// QueueLength sums q.length across every composite queue (the
// intentionally double-counting signal).
func (cl *Cluster) QueueLength() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.queues.TotalLength()
}
