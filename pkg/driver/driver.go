// Package driver defines the contract any warehouse backend must satisfy to
// sit behind the driver pool. It is the one public contract in this module
// meant for external implementations to satisfy.
package driver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/quarryql/quarryql/internal/errs"
)

// Config configures a single connection.
type Config struct {
	DSN string
	// SessionVariables are re-applied with a single batched statement on
	// every pool acquisition (not just once at connect time), so a reused
	// pooled connection always carries the caller's session state.
	SessionVariables map[string]string
}

// RowIter streams a result set one row at a time. Callers must Close it even
// after an error or early exit.
type RowIter interface {
	Next(ctx context.Context) bool
	Scan() ([]any, error)
	Columns() []string
	Err() error
	Close() error
}

// Connection is a single live connection to a warehouse.
type Connection interface {
	// Execute runs a statement expected to return rows, streamed via RowIter.
	Execute(ctx context.Context, sql string) (RowIter, error)

	// ExecuteMany runs a batch of statements that don't return rows in one
	// round trip (DDL, multi-statement materialisation bodies).
	ExecuteMany(ctx context.Context, statements []string) error

	// BulkInsert loads rows into qualifiedName via the warehouse's native
	// bulk path where available. rows is closed by the caller when exhausted.
	BulkInsert(ctx context.Context, qualifiedName string, columns []string, rows <-chan []any) error

	// Healthy reports cached connection-liveness state. It must never issue
	// a probe query.
	Healthy() bool

	Close() error
}

// Driver constructs Connections. A single Driver instance backs one
// connection pool for the run's lifetime.
type Driver interface {
	Connect(ctx context.Context, cfg Config) (Connection, error)
}

// ClassifiedError is implemented by driver errors that know their own
// recoverability kind.
type ClassifiedError interface {
	error
	Kind() errs.Kind
}

// Classify extracts the errs.Kind from the first error in err's chain that
// implements ClassifiedError, defaulting to KindPermanent — an unclassified
// driver error is treated as non-retryable, the conservative choice.
func Classify(err error) errs.Kind {
	var ce ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind()
	}
	return errs.KindPermanent
}

// ApplySessionVariables sets every variable in a single batched statement
// (one round trip), the shared implementation every driver and the pool use
// at connect and acquire time. A nil/empty vars is a no-op.
func ApplySessionVariables(ctx context.Context, conn Connection, vars map[string]string) error {
	if len(vars) == 0 {
		return nil
	}
	stmts := make([]string, 0, len(vars))
	for k, v := range vars {
		stmts = append(stmts, fmt.Sprintf("SET %s = %s", k, v))
	}
	return conn.ExecuteMany(ctx, []string{strings.Join(stmts, "; ")})
}
