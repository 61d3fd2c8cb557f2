// Package mock implements a driver.Factory with no external I/O: an
// in-memory table store, used to exercise the cluster's pool/queue/
// dispatcher machinery in tests without a real database, the same role
// test harnesses elsewhere give a stub backend.
package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/connpool/dbcluster/pkg/driver"
)

func init() {
	driver.Register("mock", Factory())
}

// Factory returns the mock driver.Factory. Call driver.Register with a
// distinct name to run several independent mock clusters in one test
// binary (the default "mock" registration is shared process-wide).
func Factory() driver.Factory {
	return driver.Factory{
		NewConnection: newConnection,
		NewQueryBuilder: func(c driver.Conn) driver.QueryBuilder {
			return builder{}
		},
		NewCompiler: func() driver.QueryCompiler {
			return compiler{}
		},
		NewAnalyzer: func(c driver.Conn) driver.Analyzer {
			return analyzer{conn: c.(*Conn)}
		},
	}
}

var connCounter atomic.Uint64

// Conn is a mock physical connection: a named in-memory table store plus a
// log of every query it ran, for assertions in tests.
type Conn struct {
	mu     sync.Mutex
	id     uint64
	cfg    driver.ConnConfig
	tables map[string][]map[string]any
	log    []string
	closed bool

	// FailNext, when set, makes the next Query call return this error
	// instead of running, then clears itself. Used to exercise the
	// cluster's connection-error handling paths.
	FailNext error
}

func newConnection(ctx context.Context, cfg driver.ConnConfig) (driver.Conn, error) {
	return &Conn{
		id:     connCounter.Add(1),
		cfg:    cfg,
		tables: map[string][]map[string]any{},
	}, nil
}

// ID returns the mock connection's process-unique identifier.
func (c *Conn) ID() uint64 { return c.id }

// Seed pre-populates table with rows, for test setup.
func (c *Conn) Seed(table string, rows ...map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables[table] = append(c.tables[table], rows...)
}

// Log returns every SQL string executed on this connection, in order.
func (c *Conn) Log() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.log))
	copy(out, c.log)
	return out
}

func (c *Conn) Query(ctx context.Context, qctx *driver.QueryContext) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("mock: query on closed connection %d", c.id)
	}
	if c.FailNext != nil {
		err := c.FailNext
		c.FailNext = nil
		return err
	}

	c.log = append(c.log, qctx.SQL)

	table := strings.TrimSpace(strings.TrimPrefix(qctx.SQL, "SELECT * FROM "))
	table = strings.TrimSuffix(table, ";")
	qctx.Result = append([]map[string]any{}, c.tables[table]...)
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close has been called, for test assertions.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type builder struct{}

// Render marks the context ready. When SQL is empty and AST is a table name
// string, it first sets SQL to "SELECT * FROM <name>"; otherwise SQL is left
// as it is.
func (builder) Render(ctx context.Context, qctx *driver.QueryContext) error {
	if qctx.SQL == "" && qctx.AST != nil {
		if name, ok := qctx.AST.(string); ok {
			qctx.SQL = "SELECT * FROM " + name
		}
	}
	qctx.MarkReady()
	return nil
}

type compiler struct{}

// Compile turns an AST string into SQL, appending the trailing ";" every
// compiled query requires.
func (compiler) Compile(ctx context.Context, qctx *driver.QueryContext) error {
	name, ok := qctx.AST.(string)
	if !ok {
		return fmt.Errorf("mock: compiler expects a string AST, got %T", qctx.AST)
	}
	qctx.SQL = "SELECT * FROM " + name + ";"
	qctx.MarkReady()
	return nil
}

type analyzer struct {
	conn *Conn
}

// Analyze reports the row count of every named table the mock connection
// knows about, standing in for real schema introspection.
func (a analyzer) Analyze(ctx context.Context, names []string) (driver.Description, error) {
	a.conn.mu.Lock()
	defer a.conn.mu.Unlock()

	desc := driver.Description{}
	for _, name := range names {
		desc[name] = map[string]any{"rows": len(a.conn.tables[name])}
	}
	return desc, nil
}
