package mock

import (
	"context"
	"testing"

	"github.com/connpool/dbcluster/pkg/driver"
)

func TestConnectionQuerySeededRows(t *testing.T) {
	f := Factory()
	c, err := f.NewConnection(context.Background(), driver.ConnConfig{Host: "localhost", Database: "app"})
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}
	mc := c.(*Conn)
	mc.Seed("users", map[string]any{"id": 1, "name": "ada"})

	qctx := &driver.QueryContext{Pool: "read", SQL: "SELECT * FROM users"}
	if err := c.Query(context.Background(), qctx); err != nil {
		t.Fatalf("Query: %v", err)
	}
	rows, ok := qctx.Result.([]map[string]any)
	if !ok || len(rows) != 1 {
		t.Fatalf("expected 1 row, got %#v", qctx.Result)
	}
}

func TestQueryOnClosedConnFails(t *testing.T) {
	f := Factory()
	c, _ := f.NewConnection(context.Background(), driver.ConnConfig{})
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Query(context.Background(), &driver.QueryContext{SQL: "SELECT * FROM x"}); err == nil {
		t.Fatal("expected an error querying a closed connection")
	}
}

func TestFailNextReturnsThenClears(t *testing.T) {
	f := Factory()
	c, _ := f.NewConnection(context.Background(), driver.ConnConfig{})
	mc := c.(*Conn)
	boom := errTest("boom")
	mc.FailNext = boom

	if err := c.Query(context.Background(), &driver.QueryContext{SQL: "SELECT * FROM x"}); err != boom {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := c.Query(context.Background(), &driver.QueryContext{SQL: "SELECT * FROM x"}); err != nil {
		t.Fatalf("expected FailNext to clear after one use, got %v", err)
	}
}

func TestCompilerAppendsTrailingSemicolon(t *testing.T) {
	f := Factory()
	comp := f.NewCompiler()
	qctx := &driver.QueryContext{AST: "orders"}
	if err := comp.Compile(context.Background(), qctx); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if qctx.SQL != "SELECT * FROM orders;" {
		t.Fatalf("unexpected SQL: %q", qctx.SQL)
	}
	if !qctx.IsReady() {
		t.Fatal("expected Compile to mark the context ready")
	}
}

func TestAnalyzerReportsRowCounts(t *testing.T) {
	f := Factory()
	c, _ := f.NewConnection(context.Background(), driver.ConnConfig{})
	mc := c.(*Conn)
	mc.Seed("users", map[string]any{"id": 1}, map[string]any{"id": 2})

	a := f.NewAnalyzer(c)
	desc, err := a.Analyze(context.Background(), []string{"users", "empty"})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if desc["users"].(map[string]any)["rows"] != 2 {
		t.Fatalf("expected 2 rows for users, got %#v", desc["users"])
	}
	if desc["empty"].(map[string]any)["rows"] != 0 {
		t.Fatalf("expected 0 rows for empty, got %#v", desc["empty"])
	}
}

type errTest string

func (e errTest) Error() string { return string(e) }
