// Package errs implements the engine's error taxonomy.
//
// Errors are typed by kind, not by string matching, and every error carries
// structured context (operation, model name, SQL fragment, driver error,
// retry count) so it can propagate through batches without losing the
// information an operator needs to act on it. Propagation throughout the
// engine is by explicit return value, never panic/recover.
package errs

import "fmt"

// Context carries structured metadata alongside a typed error.
type Context struct {
	Operation   string
	ModelName   string
	SQLFragment string
	DriverErr   error
	RetryCount  int
}

func (c Context) String() string {
	s := c.Operation
	if c.ModelName != "" {
		s = fmt.Sprintf("%s model=%s", s, c.ModelName)
	}
	if c.RetryCount > 0 {
		s = fmt.Sprintf("%s retries=%d", s, c.RetryCount)
	}
	return s
}

// baseError is embedded by every taxonomy error to share Context plumbing.
type baseError struct {
	ctx Context
	msg string
}

func (e *baseError) Error() string {
	if e.ctx.Operation == "" {
		return e.msg
	}
	return fmt.Sprintf("%s: %s", e.ctx.String(), e.msg)
}

func (e *baseError) Unwrap() error { return e.ctx.DriverErr }

// Context returns the structured context attached to the error.
func (e *baseError) Context() Context { return e.ctx }

// --- Recoverable errors ---

// ModelExecutionFailure means a single model failed; the run continues.
type ModelExecutionFailure struct{ baseError }

func NewModelExecutionFailure(ctx Context, cause error) *ModelExecutionFailure {
	msg := "model execution failed"
	if cause != nil {
		msg = cause.Error()
	}
	ctx.DriverErr = cause
	return &ModelExecutionFailure{baseError{ctx: ctx, msg: msg}}
}

// TransientDriverFailure is retryable; after retries are exhausted it
// surfaces to callers as a ModelExecutionFailure.
type TransientDriverFailure struct{ baseError }

func NewTransientDriverFailure(ctx Context, cause error) *TransientDriverFailure {
	msg := "transient driver failure"
	if cause != nil {
		msg = cause.Error()
	}
	ctx.DriverErr = cause
	return &TransientDriverFailure{baseError{ctx: ctx, msg: msg}}
}

// QueryTimeout is retryable up to the configured attempt count.
type QueryTimeout struct{ baseError }

func NewQueryTimeout(ctx Context, cause error) *QueryTimeout {
	msg := "query timed out"
	if cause != nil {
		msg = cause.Error()
	}
	ctx.DriverErr = cause
	return &QueryTimeout{baseError{ctx: ctx, msg: msg}}
}

// --- Non-recoverable errors ---

// ConfigurationError means a bad profile/sources file; the run aborts.
type ConfigurationError struct{ baseError }

func NewConfigurationError(ctx Context, msg string) *ConfigurationError {
	return &ConfigurationError{baseError{ctx: ctx, msg: msg}}
}

// CycleError identifies a dependency cycle found while building the graph.
type CycleError struct {
	baseError
	Cycle []string
}

func NewCycleError(ctx Context, cycle []string) *CycleError {
	return &CycleError{
		baseError: baseError{ctx: ctx, msg: fmt.Sprintf("dependency cycle: %v", cycle)},
		Cycle:     cycle,
	}
}

// MissingModelError means a ref() target does not exist in the registry.
type MissingModelError struct{ baseError }

func NewMissingModelError(ctx Context, target string) *MissingModelError {
	ctx.ModelName = target
	return &MissingModelError{baseError{ctx: ctx, msg: fmt.Sprintf("unknown model %q", target)}}
}

// MissingVariableError means a required $var had no value at execution time.
type MissingVariableError struct {
	baseError
	Variable string
}

func NewMissingVariableError(ctx Context, variable string) *MissingVariableError {
	return &MissingVariableError{
		baseError: baseError{ctx: ctx, msg: fmt.Sprintf("missing value for variable $%s", variable)},
		Variable:  variable,
	}
}

// --- Warnings (logged, non-fatal) ---

// ParseWarning means the AST parser could not fully analyse a model's SQL;
// compilation proceeds with degraded (empty) lineage.
type ParseWarning struct{ baseError }

func NewParseWarning(ctx Context, cause error) *ParseWarning {
	msg := "could not parse SQL for lineage extraction"
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	return &ParseWarning{baseError{ctx: ctx, msg: msg}}
}

// LineageWarning means column lineage is known to be incomplete (e.g. an
// unresolved SELECT * with no known upstream schema).
type LineageWarning struct{ baseError }

func NewLineageWarning(ctx Context, msg string) *LineageWarning {
	return &LineageWarning{baseError{ctx: ctx, msg: msg}}
}

// DeleteFailure means dropping a removed model's warehouse object failed.
// It is logged and does not fail the run.
type DeleteFailure struct{ baseError }

func NewDeleteFailure(ctx Context, cause error) *DeleteFailure {
	msg := "failed to drop retired model object"
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	ctx.DriverErr = cause
	return &DeleteFailure{baseError{ctx: ctx, msg: msg}}
}

// Kind classifies a driver-reported error the way the driver contract (§6)
// requires: Transient, ConnectionLost, or Permanent.
type Kind int

const (
	KindPermanent Kind = iota
	KindTransient
	KindConnectionLost
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindConnectionLost:
		return "connection_lost"
	default:
		return "permanent"
	}
}
