// Package kgerrors defines the error taxonomy shared by every component of
// the knowledge-graph engine: schema, identity, catalog, lake, graph,
// fetcher, synchronizer, and query layer.
package kgerrors

import "fmt"

// Kind classifies an error into one of the stable categories the public
// API maps to bad_request/not_found/internal responses.
type Kind string

const (
	InvalidArg     Kind = "invalid_arg"
	NotFound       Kind = "not_found"
	Initialization Kind = "initialization"
	Sync           Kind = "sync"
	Graph          Kind = "graph"
	Lake           Kind = "lake"
	Catalog        Kind = "catalog"
	Io             Kind = "io"
	Json           Kind = "json"
	Schema         Kind = "schema"
)

// Error is a typed error carrying the operation that failed, the taxonomy
// kind, and (when available) the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with no wrapped cause.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf("%s", msg)}
}

// Wrap attaches a kind and operation name to an existing error. Returns nil
// if err is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.Kind == kind {
				return true
			}
			err = e.Err
			continue
		}
		break
	}
	return false
}

// KindOf extracts the Kind of err, or "" if err is not a *Error.
func KindOf(err error) Kind {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return ""
}
