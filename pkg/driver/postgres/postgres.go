// Package postgres is a reference driver.Driver implementation backed by
// jackc/pgx/v5's database/sql adapter.
package postgres

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/quarryql/quarryql/internal/errs"
	"github.com/quarryql/quarryql/pkg/driver"
)

// Driver constructs postgres connections.
type Driver struct{}

// New returns a postgres driver.Driver.
func New() *Driver { return &Driver{} }

func (Driver) Connect(ctx context.Context, cfg driver.Config) (driver.Connection, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, errs.NewTransientDriverFailure(errs.Context{Operation: "postgres.connect"}, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errs.NewTransientDriverFailure(errs.Context{Operation: "postgres.connect"}, err)
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

// classify maps a pgx/postgres error to its recoverability kind. Connection-
// level failures (the server closed the socket, auth drop mid-session) are
// ConnectionLost; serialization/deadlock and similar server-busy conditions
// are Transient; everything else (syntax errors, constraint violations) is
// Permanent.
func classify(err error) errs.Kind {
	if err == nil {
		return errs.KindPermanent
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "bad connection"),
		strings.Contains(msg, "eof"):
		return errs.KindConnectionLost
	case strings.Contains(msg, "deadlock detected"),
		strings.Contains(msg, "could not serialize access"),
		strings.Contains(msg, "too many connections"),
		strings.Contains(msg, "timeout"):
		return errs.KindTransient
	default:
		return errs.KindPermanent
	}
}
