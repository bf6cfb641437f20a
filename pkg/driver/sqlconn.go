package driver

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/quarryql/quarryql/internal/errs"
)

// sqlConnection adapts a database/sql *sql.DB to the Connection contract.
// Both reference drivers (postgres via pgx's stdlib adapter, duckdb via its
// own database/sql driver) are plain database/sql backends, so they share
// this implementation rather than each reimplementing row streaming.
type sqlConnection struct {
	db      *sql.DB
	healthy bool
	classify func(error) errs.Kind
}

// NewSQLConnection wraps db as a Connection. classify maps a raw driver
// error to its recoverability kind; reference drivers supply their own
// dialect-specific classifier.
func NewSQLConnection(db *sql.DB, classify func(error) errs.Kind) Connection {
	return &sqlConnection{db: db, healthy: true, classify: classify}
}

func (c *sqlConnection) Execute(ctx context.Context, query string) (RowIter, error) {
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		c.noteError(err)
		return nil, c.wrap(err)
	}
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, c.wrap(err)
	}
	return &sqlRowIter{rows: rows, cols: cols}, nil
}

func (c *sqlConnection) ExecuteMany(ctx context.Context, statements []string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		c.noteError(err)
		return c.wrap(err)
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			c.noteError(err)
			return c.wrap(err)
		}
	}
	if err := tx.Commit(); err != nil {
		c.noteError(err)
		return c.wrap(err)
	}
	return nil
}

func (c *sqlConnection) BulkInsert(ctx context.Context, qualifiedName string, columns []string, rows <-chan []any) error {
	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = "?"
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", qualifiedName, strings.Join(columns, ", "), strings.Join(placeholders, ", "))

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		c.noteError(err)
		return c.wrap(err)
	}
	prepared, err := tx.PrepareContext(ctx, stmt)
	if err != nil {
		tx.Rollback()
		c.noteError(err)
		return c.wrap(err)
	}
	defer prepared.Close()

	for row := range rows {
		if _, err := prepared.ExecContext(ctx, row...); err != nil {
			tx.Rollback()
			c.noteError(err)
			return c.wrap(err)
		}
	}
	if err := tx.Commit(); err != nil {
		c.noteError(err)
		return c.wrap(err)
	}
	return nil
}

func (c *sqlConnection) Healthy() bool { return c.healthy }

func (c *sqlConnection) Close() error {
	c.healthy = false
	return c.db.Close()
}

// noteError flips the cached health flag when classify reports the
// connection itself is gone, so the next Healthy() check reflects it without
// a probe query.
func (c *sqlConnection) noteError(err error) {
	if c.classify != nil && c.classify(err) == errs.KindConnectionLost {
		c.healthy = false
	}
}

func (c *sqlConnection) wrap(err error) error {
	if c.classify == nil {
		return err
	}
	return classifiedErr{err: err, kind: c.classify(err)}
}

type classifiedErr struct {
	err  error
	kind errs.Kind
}

func (e classifiedErr) Error() string  { return e.err.Error() }
func (e classifiedErr) Unwrap() error  { return e.err }
func (e classifiedErr) Kind() errs.Kind { return e.kind }

type sqlRowIter struct {
	rows *sql.Rows
	cols []string
	cur  []any
	err  error
}

func (it *sqlRowIter) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	if !it.rows.Next() {
		return false
	}
	vals := make([]any, len(it.cols))
	ptrs := make([]any, len(it.cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := it.rows.Scan(ptrs...); err != nil {
		it.err = err
		return false
	}
	it.cur = vals
	return true
}

func (it *sqlRowIter) Scan() ([]any, error) {
	if it.err != nil {
		return nil, it.err
	}
	return it.cur, nil
}

func (it *sqlRowIter) Columns() []string { return it.cols }

func (it *sqlRowIter) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Err()
}

func (it *sqlRowIter) Close() error { return it.rows.Close() }
