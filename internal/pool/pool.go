// Package pool implements the bounded warehouse connection pool:
// acquire/release/close_all with retry, a lightweight health check, and
// batched session-variable application at acquire time.
//
// The free-list itself is github.com/jackc/puddle/v2 — the same generic
// resource pool pgx's own pgxpool is built on — used directly rather than
// hand-rolled. Retry/backoff is github.com/sethvargo/go-retry.
package pool

import (
	"context"
	"log/slog"
	"regexp"
	"time"

	"github.com/jackc/puddle/v2"
	"github.com/sethvargo/go-retry"

	"github.com/quarryql/quarryql/internal/errs"
	"github.com/quarryql/quarryql/pkg/driver"
)

// Default retry policy: initial backoff 1s, factor 2 (go-retry's
// exponential default), jitter +-20%, capped attempts configurable by
// caller.
const (
	DefaultInitialBackoff = time.Second
	DefaultJitterPercent  = 20
)

// Pool is a bounded pool of warehouse connections.
type Pool struct {
	inner            *puddle.Pool[driver.Connection]
	sessionVariables map[string]string
	retryAttempts    uint64
	logger           *slog.Logger
}

// New builds a Pool of at most size connections, each constructed via
// d.Connect(cfg). retryAttempts bounds the exponential-backoff retry loop
// ExecuteWithRetry applies to a single logical call. cfg.SessionVariables is
// re-applied on every Acquire, not just once at connect time, so a pooled
// connection reused across many acquisitions always carries the caller's
// session state.
func New(d driver.Driver, cfg driver.Config, size int, retryAttempts int, logger *slog.Logger) (*Pool, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	inner, err := puddle.NewPool(&puddle.Config[driver.Connection]{
		Constructor: func(ctx context.Context) (driver.Connection, error) {
			return d.Connect(ctx, cfg)
		},
		Destructor: func(conn driver.Connection) {
			conn.Close()
		},
		MaxSize: int32(size),
	})
	if err != nil {
		return nil, errs.NewConfigurationError(errs.Context{Operation: "pool.new"}, err.Error())
	}

	return &Pool{inner: inner, sessionVariables: cfg.SessionVariables, retryAttempts: uint64(retryAttempts), logger: logger}, nil
}

// Resource is an acquired connection, owned by exactly one caller until
// Release or Discard is called.
type Resource struct {
	res *puddle.Resource[driver.Connection]
}

// Conn returns the underlying Connection.
func (r *Resource) Conn() driver.Connection { return r.res.Value() }

// Release returns a healthy connection to the pool for reuse.
func (r *Resource) Release() { r.res.Release() }

// Discard destroys the connection instead of returning it to the pool — used
// after a connection-level failure.
func (r *Resource) Discard() { r.res.Destroy() }

// Acquire blocks (respecting ctx's deadline) until a healthy connection is
// available or the pool is exhausted past that deadline. The health check is
// lightweight: it inspects the connection's cached state via Healthy(),
// never issuing a probe query. Session variables are re-applied in a single
// batched statement before the connection is handed to the caller.
func (p *Pool) Acquire(ctx context.Context) (*Resource, error) {
	for {
		res, err := p.inner.Acquire(ctx)
		if err != nil {
			return nil, errs.NewTransientDriverFailure(errs.Context{Operation: "pool.acquire"}, err)
		}
		if !res.Value().Healthy() {
			res.Destroy()
			continue
		}
		if err := driver.ApplySessionVariables(ctx, res.Value(), p.sessionVariables); err != nil {
			res.Destroy()
			return nil, errs.NewTransientDriverFailure(errs.Context{Operation: "pool.acquire"}, err)
		}
		return &Resource{res: res}, nil
	}
}

// CloseAll destroys every idle connection and prevents further acquisition.
func (p *Pool) CloseAll() {
	p.inner.Close()
}

// Stat exposes current pool occupancy for diagnostics/tests.
func (p *Pool) Stat() puddle.Stat {
	return *p.inner.Stat()
}

// ExecuteWithRetry acquires a connection (bounded by acquireTimeout, 0 for no
// timeout beyond ctx) and invokes fn against it. A TransientDriverFailure-
// classified error retries fn on the SAME connection with exponential
// backoff; a ConnectionLost-classified error discards the connection,
// acquires a new one, and retries on that instead; any other error is
// non-retryable and returned immediately.
func (p *Pool) ExecuteWithRetry(ctx context.Context, acquireTimeout time.Duration, fn func(ctx context.Context, conn driver.Connection) error) error {
	acquireCtx := ctx
	if acquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, acquireTimeout)
		defer cancel()
	}

	res, err := p.Acquire(acquireCtx)
	if err != nil {
		return err
	}

	backoff := retry.NewExponential(DefaultInitialBackoff)
	backoff = retry.WithJitterPercent(DefaultJitterPercent, backoff)
	backoff = retry.WithMaxRetries(p.retryAttempts, backoff)

	attempt := 0
	runErr := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		callErr := fn(ctx, res.Conn())
		if callErr == nil {
			return nil
		}

		switch driver.Classify(callErr) {
		case errs.KindConnectionLost:
			p.logger.Debug("discarding connection after connection-level failure", "attempt", attempt)
			res.Discard()
			res = nil
			newRes, acqErr := p.Acquire(ctx)
			if acqErr != nil {
				return acqErr
			}
			res = newRes
			return retry.RetryableError(callErr)
		case errs.KindTransient:
			return retry.RetryableError(callErr)
		default:
			return callErr
		}
	})

	if runErr == nil {
		res.Release()
		return nil
	}
	if res != nil {
		res.Discard()
	}
	return errs.NewTransientDriverFailure(errs.Context{Operation: "pool.execute", RetryCount: attempt}, runErr)
}

// varPattern matches Snowflake-style `$variable` tokens in top-level SQL —
// a single compiled pattern reused across every substitution call so
// SubstituteVariables stays O(n) in SQL length regardless of variable count.
var varPattern = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)

// SubstituteVariables replaces every `$var` token in sql with its value from
// vars in a single regexp pass. An unresolved token returns
// MissingVariableError naming the first such variable encountered.
func SubstituteVariables(sql string, vars map[string]string) (string, error) {
	var missing string
	out := varPattern.ReplaceAllStringFunc(sql, func(tok string) string {
		name := tok[1:]
		if v, ok := vars[name]; ok {
			return v
		}
		if missing == "" {
			missing = name
		}
		return tok
	})
	if missing != "" {
		return "", errs.NewMissingVariableError(errs.Context{Operation: "pool.substitute_variables"}, missing)
	}
	return out, nil
}
