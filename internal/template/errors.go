package template

import "fmt"

// Error is satisfied by every template-stage error; it always carries a
// source position so diagnostics can point at the offending construct.
type Error interface {
	error
	Position() Position
}

// TemplateError is raised for any construct outside the fixed set this
// package recognises — an unrecognised {{ ... }} expression, an {% if %}
// guarded by anything other than is_incremental()/a boolean literal, or an
// unclosed block.
type TemplateError struct {
	pos Position
	msg string
}

func newTemplateError(pos Position, format string, args ...any) *TemplateError {
	return &TemplateError{pos: pos, msg: fmt.Sprintf(format, args...)}
}

func (e *TemplateError) Position() Position { return e.pos }

func (e *TemplateError) Error() string {
	if e.pos.File != "" {
		return fmt.Sprintf("%s:%d:%d: %s", e.pos.File, e.pos.Line, e.pos.Column, e.msg)
	}
	return fmt.Sprintf("%d:%d: %s", e.pos.Line, e.pos.Column, e.msg)
}
