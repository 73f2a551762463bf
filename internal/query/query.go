// Package query defines the row query exchanged between table storage and
// a row source.
package query

import (
	"context"
	"iter"

	"github.com/maruel/tabsync/internal/filter"
)

// Order is one ordering term.
type Order struct {
	Column string `json:"column"`
	Desc   bool   `json:"desc,omitempty"`
}

// Query selects Columns of the rows of Table matching Filter, in OrderBy
// order. Filter is normalized: it names canonical server columns.
type Query struct {
	Table   string        `json:"table"`
	Columns []string      `json:"columns"`
	Filter  filter.Filter `json:"filter"`
	OrderBy []Order       `json:"order,omitempty"`
}

// Record holds one row, aligned with Query.Columns.
type Record []any

// Querier runs queries. The returned sequence is lazy and forward-only; the
// first non-nil error ends it.
type Querier interface {
	Query(ctx context.Context, q *Query) iter.Seq2[Record, error]
}

// Error returns a sequence yielding only err.
func Error(err error) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		yield(nil, err)
	}
}
