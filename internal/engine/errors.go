package engine

import (
	"errors"
	"strings"
)

var (
	// ErrStopped is returned to callers waiting on an engine that stopped.
	ErrStopped = errors.New("sync engine stopped")
	// ErrUnknownTable is returned when refreshing a table no view uses.
	ErrUnknownTable = errors.New("unknown table")
)

// TableError is the failure to merge one table during a cycle.
type TableError struct {
	Table string
	Err   error
}

func (e *TableError) Error() string {
	return "failed to sync " + e.Table + ": " + e.Err.Error()
}

func (e *TableError) Unwrap() error {
	return e.Err
}

// CycleError aggregates the table failures of one cycle.
type CycleError struct {
	Stamp  int64
	Tables []*TableError
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Tables))
	for i, t := range e.Tables {
		parts[i] = t.Error()
	}
	return strings.Join(parts, "; ")
}

func (e *CycleError) Unwrap() []error {
	out := make([]error, len(e.Tables))
	for i, t := range e.Tables {
		out[i] = t
	}
	return out
}
