package cluster

import (
	"context"
	"time"

	"github.com/connpool/dbcluster/internal/clusternode"
	"github.com/connpool/dbcluster/internal/clustermetrics"
	"github.com/connpool/dbcluster/pkg/clustererr"
	"github.com/connpool/dbcluster/pkg/driver"
)

// timedQuery runs conn.Query and observes its duration under pool, wrapping
// the one place every query path ultimately funnels through.
func timedQuery(ctx context.Context, conn *clusternode.Connection, qctx *driver.QueryContext) error {
	start := time.Now()
	err := conn.Query(ctx, qctx)
	clustermetrics.QueryDuration.WithLabelValues(qctx.Pool).Observe(time.Since(start).Seconds())
	return err
}

// Query compiles an AST-bearing context, renders
// a not-yet-ready context, or run an already-ready one straight through.
func (cl *Cluster) Query(ctx context.Context, qctx *driver.QueryContext) error {
	if qctx == nil || qctx.Pool == "" {
		return clustererr.New(clustererr.BadInput, "query context must name a pool")
	}

	if !qctx.IsReady() && qctx.AST != nil {
		if cl.factory.NewCompiler == nil {
			return clustererr.New(clustererr.BadInput, "driver %q has no QueryCompiler for AST queries", cl.opts.Driver)
		}
		compiler := cl.factory.NewCompiler()
		if err := compiler.Compile(ctx, qctx); err != nil {
			return err
		}
		return cl.Query(ctx, qctx)
	}

	conn, err := cl.GetDBConnection(qctx.Pool)
	if err != nil {
		return err
	}

	if qctx.IsReady() {
		return timedQuery(ctx, conn, qctx)
	}

	if cl.factory.NewQueryBuilder == nil {
		return clustererr.New(clustererr.BadInput, "query context is not ready and driver %q has no QueryBuilder", cl.opts.Driver)
	}
	builder := cl.factory.NewQueryBuilder(conn.Raw())
	if err := builder.Render(ctx, qctx); err != nil {
		return err
	}
	return timedQuery(ctx, conn, qctx)
}

// Describe acquires a detached 'read' connection, runs the
// driver's Analyzer, and always end the connection afterward.
func (cl *Cluster) Describe(ctx context.Context, names []string) (driver.Description, error) {
	conn, err := cl.GetConnection("read")
	if err != nil {
		return nil, err
	}
	defer conn.End()

	if cl.factory.NewAnalyzer == nil {
		return nil, clustererr.New(clustererr.BadInput, "driver %q has no Analyzer", cl.opts.Driver)
	}
	analyzer := cl.factory.NewAnalyzer(conn.Raw())
	return analyzer.Analyze(ctx, names)
}
