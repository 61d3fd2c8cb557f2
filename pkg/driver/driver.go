// Package driver defines the pluggable vendor surface the cluster depends
// on: a Conn capability, a QueryBuilder/QueryCompiler pair for the
// query façade, an Analyzer for schema introspection, and a process-wide
// registry keyed by driver name — the "explicit driver registry: a mapping
// from driver name to a struct of factory closures" called for in the
// design notes, replacing dynamic-import-by-string.
package driver

import (
	"context"
	"fmt"
	"sync"

	"github.com/connpool/dbcluster/pkg/clustererr"
)

// ConnConfig carries the node-level credentials a ConnectionFactory needs
// to dial a single physical connection.
type ConnConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Database string
}

// QueryContext is the contract the driver layer describes: the value that travels
// through compile → render → execute.
type QueryContext struct {
	Pool string
	AST  any
	SQL  string
	ready bool

	// Result is populated by Conn.Query on success; the cluster package
	// never inspects it, it is surface for callers.
	Result any
}

// IsReady reports whether SQL is already final and render/compile should
// be skipped.
func (c *QueryContext) IsReady() bool { return c.ready }

// MarkReady flags the context as carrying final SQL.
func (c *QueryContext) MarkReady() { c.ready = true }

// Conn is the capability the cluster depends on for a single physical
// connection: enough to run a prepared QueryContext and to be closed when
// the node driver decides to retire it.
type Conn interface {
	Query(ctx context.Context, qctx *QueryContext) error
	Close() error
}

// Pinger is an optional Conn capability for liveness checks, independent of
// running a query through the scheduler. Drivers backed by a real network
// connection (e.g. mssql) implement it; drivers with nothing to probe may
// leave it off.
type Pinger interface {
	Ping(ctx context.Context) error
}

// QueryBuilder mutates a QueryContext into a ready-to-execute SQL form
// (driver collaborator 2).
type QueryBuilder interface {
	Render(ctx context.Context, qctx *QueryContext) error
}

// QueryCompiler turns an AST-bearing QueryContext into SQL, appending ";"
// (driver collaborator 3).
type QueryCompiler interface {
	Compile(ctx context.Context, qctx *QueryContext) error
}

// Description is the result of schema introspection.
type Description map[string]any

// Analyzer introspects schemas for the named objects (driver collaborator 4).
type Analyzer interface {
	Analyze(ctx context.Context, names []string) (Description, error)
}

// ConnectionFactory builds a Conn given node-level credentials (driver
// collaborator 1).
type ConnectionFactory func(ctx context.Context, cfg ConnConfig) (Conn, error)

// Factory bundles the four driver collaborators under one name.
type Factory struct {
	// NewConnection is required; the remaining three may be left nil by
	// drivers that never see AST-bearing, unready, or introspection
	// queries. The query façade reports BadInput when it needs a nil one.
	NewConnection   ConnectionFactory
	NewQueryBuilder func(conn Conn) QueryBuilder
	NewCompiler     func() QueryCompiler
	NewAnalyzer     func(conn Conn) Analyzer
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register adds a driver under name. Re-registering the same name replaces
// the previous factory — used by tests to swap in fakes.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// Lookup resolves name to its Factory. A missing or incomplete factory is a
// DriverLoadError, raised synchronously.
func Lookup(name string) (Factory, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return Factory{}, clustererr.New(clustererr.DriverLoadError, "no driver registered under %q", name)
	}
	if f.NewConnection == nil {
		return Factory{}, clustererr.New(clustererr.DriverLoadError, "driver %q has no ConnectionConstructor", name)
	}
	return f, nil
}

// Registered lists the currently registered driver names, for diagnostics.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}

func (c ConnConfig) String() string {
	return fmt.Sprintf("%s:%d/%s", c.Host, c.Port, c.Database)
}
