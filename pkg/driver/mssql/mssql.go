// Package mssql is the reference driver.Factory backed by SQL Server, via
// github.com/microsoft/go-mssqldb. It reuses the common approach of
// mapping one *sql.DB to exactly one physical connection (MaxOpenConns=1)
// so that a driver.Conn here behaves like a single TDS session rather than
// a pool of its own.
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	_ "github.com/microsoft/go-mssqldb"

	"github.com/connpool/dbcluster/pkg/driver"
)

func init() {
	driver.Register("mssql", Factory())
}

// Factory returns the mssql driver.Factory.
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

// Conn wraps a single-connection *sql.DB opened against one SQL Server
// instance.
type Conn struct {
	db *sql.DB
}

func dsn(cfg driver.ConnConfig) string {
	return "sqlserver://" + cfg.Username + ":" + cfg.Password +
		"@" + cfg.Host + ":" + strconv.Itoa(cfg.Port) +
		"?database=" + cfg.Database + "&encrypt=disable"
}

func newConnection(ctx context.Context, cfg driver.ConnConfig) (driver.Conn, error) {
	db, err := sql.Open("sqlserver", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}

	// One sql.DB maps 1:1 to one physical connection so that the cluster's
	// own pooling is the only pooling in effect; go-mssqldb's pool would
	// otherwise double up with poolregistry/queueregistry.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &Conn{db: db}, nil
}

func (c *Conn) Query(ctx context.Context, qctx *driver.QueryContext) error {
	rows, err := c.db.QueryContext(ctx, qctx.SQL)
	if err != nil {
		return err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}

	var results []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = values[i]
		}
		results = append(results, row)
	}
	qctx.Result = results
	return rows.Err()
}

func (c *Conn) Close() error {
	return c.db.Close()
}

// Ping satisfies driver.Pinger for health checks, independent of running a
// query through the scheduler.
func (c *Conn) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

type builder struct{}

// Render here is a pass-through: by the time a QueryContext reaches the
// mssql driver its SQL is already final, either supplied directly by the
// caller or produced by compiler.Compile.
func (builder) Render(ctx context.Context, qctx *driver.QueryContext) error {
	qctx.MarkReady()
	return nil
}

type compiler struct{}

func (compiler) Compile(ctx context.Context, qctx *driver.QueryContext) error {
	name, ok := qctx.AST.(string)
	if !ok {
		return fmt.Errorf("mssql: compiler expects a string table name AST, got %T", qctx.AST)
	}
	qctx.SQL = "SELECT * FROM " + name + ";"
	qctx.MarkReady()
	return nil
}

type analyzer struct {
	conn *Conn
}

// Analyze queries sys.partitions joined to sys.tables for each named
// table's row count (heap or clustered index partitions).
func (a analyzer) Analyze(ctx context.Context, names []string) (driver.Description, error) {
	desc := driver.Description{}
	for _, name := range names {
		row := a.conn.db.QueryRowContext(ctx,
			"SELECT SUM(p.rows) FROM sys.partitions p JOIN sys.tables t ON t.object_id = p.object_id WHERE t.name = @p1 AND p.index_id IN (0,1)",
			name)
		var rowCount sql.NullInt64
		if err := row.Scan(&rowCount); err != nil {
			desc[name] = map[string]any{"error": err.Error()}
			continue
		}
		desc[name] = map[string]any{"rows": rowCount.Int64}
	}
	return desc, nil
}
