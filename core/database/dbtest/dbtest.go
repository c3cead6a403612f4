// Package dbtest opens throwaway SQLite databases carrying the production schema.
package dbtest

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/m3rciful/shophost/core/database"
)

var seq atomic.Int64

// Open returns an isolated in-memory database with every migration applied.
// The database is closed when the test finishes.
func Open(t testing.TB) *sqlx.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:dbtest%d?mode=memory&cache=shared", seq.Add(1))
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("dbtest: open: %v", err)
	}
	// A single connection keeps the in-memory database alive and serializes writers.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	stmts, err := database.UpStatements()
	if err != nil {
		t.Fatalf("dbtest: load schema: %v", err)
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("dbtest: apply %q: %v", stmt, err)
		}
	}
	return db
}
