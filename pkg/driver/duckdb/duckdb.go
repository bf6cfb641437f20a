// Package duckdb is a reference driver.Driver implementation backed by
// marcboeker/go-duckdb. It is the fast local/in-process target for
// development and end-to-end testing.
package duckdb

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/quarryql/quarryql/internal/errs"
	"github.com/quarryql/quarryql/pkg/driver"
)

// Driver constructs duckdb connections. DSN is a file path, or "" for an
// ephemeral in-process database.
type Driver struct{}

// New returns a duckdb driver.Driver.
func New() *Driver { return &Driver{} }

func (Driver) Connect(ctx context.Context, cfg driver.Config) (driver.Connection, error) {
	db, err := sql.Open("duckdb", cfg.DSN)
	if err != nil {
		return nil, errs.NewTransientDriverFailure(errs.Context{Operation: "duckdb.connect"}, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errs.NewTransientDriverFailure(errs.Context{Operation: "duckdb.connect"}, err)
	}

	conn := driver.NewSQLConnection(db, classify)

	// The pool re-applies cfg.SessionVariables on every Acquire; this first
	// application covers direct use of Connect outside a pool.
	if err := driver.ApplySessionVariables(ctx, conn, cfg.SessionVariables); err != nil {
		conn.Close()
		return nil, err
	}

	return conn, nil
}

// classify is conservative: duckdb is in-process, so there is no real
// "connection lost" class distinct from the process dying; locking
// contention on a shared file is the one retryable case.
func classify(err error) errs.Kind {
	if err == nil {
		return errs.KindPermanent
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "could not set lock") || strings.Contains(msg, "conflicting lock") {
		return errs.KindTransient
	}
	return errs.KindPermanent
}
