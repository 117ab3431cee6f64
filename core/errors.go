package core

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported file type")
	ErrUnknownTable      = errors.New("table not declared in schema")
)

// Kind classifies a failure by how the pipeline reacts to it.
type Kind int

const (
	KindUnknown Kind = iota
	// KindSchemaMismatch: column set or count disagrees with the schema. Table dropped.
	KindSchemaMismatch
	// KindTypeCoercion: a value cannot be cast to its declared type. Table dropped.
	KindTypeCoercion
	// KindExtraction: the source file is unreadable or malformed. Table dropped.
	KindExtraction
	// KindTransform: a derived column could not be computed. Table dropped.
	KindTransform
	// KindLoad: the destination write failed. Table counted as unsaved.
	KindLoad
	// KindFatal escapes per-table isolation and fails the whole attempt.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindSchemaMismatch:
		return "schema_mismatch"
	case KindTypeCoercion:
		return "type_coercion"
	case KindExtraction:
		return "extraction"
	case KindTransform:
		return "transform"
	case KindLoad:
		return "load"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a failure tagged with its kind and the table it concerns.
type Error struct {
	Kind   Kind
	Table  string
	Column string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Column != "" && e.Table != "":
		return fmt.Sprintf("%s: table %s column %s: %v", e.Kind, e.Table, e.Column, e.Err)
	case e.Table != "":
		return fmt.Sprintf("%s: table %s: %v", e.Kind, e.Table, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError tags err with kind and table.
func NewError(kind Kind, table string, err error) *Error {
	return &Error{Kind: kind, Table: table, Err: err}
}

// Fatal tags err as an attempt-level failure.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindFatal, Err: err}
}

// KindOf returns the kind of the outermost tagged error in the chain.
// Cancellation is always fatal; untagged errors get fallback.
func KindOf(err error, fallback Kind) Kind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindFatal
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return fallback
}
