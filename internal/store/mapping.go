package store

import (
	"github.com/maruel/tabsync/internal/filter"
	"github.com/maruel/tabsync/internal/schema"
)

// Subscriber is notified of row changes. Callbacks run on the engine worker.
type Subscriber interface {
	// Alive reports whether the subscriber still wants notifications. Once
	// it returns false the mapping is pruned and never called again.
	Alive() bool
	// Filter returns the normalized filter of the rows the subscriber needs.
	Filter() filter.Filter
	RowChanged(m *Mapping, row RowSource)
	RowRemoved(m *Mapping, row RowSource)
}

// Mapping binds a schema's column order to a table's fields for one
// subscriber.
type Mapping struct {
	Table  *Table
	Schema *schema.Schema
	// Fields maps each schema column index to a field index.
	Fields []int
	sub    Subscriber
}

// Value returns the value of schema column col.
func (m *Mapping) Value(row RowSource, col int) any {
	return row.Value(m.Fields[col])
}

// Modified returns the schema columns modified by the notified mutation.
func (m *Mapping) Modified(row RowSource) []int {
	var out []int
	for col, f := range m.Fields {
		if row.Modified(f) {
			out = append(out, col)
		}
	}
	return out
}

// Resolver resolves filter operands against the schema and reports table
// field indexes, so compiled predicates run directly on a RowSource.
func (m *Mapping) Resolver() filter.Resolver {
	return filter.ResolverFunc(func(name string) (filter.Column, bool) {
		col, ok := m.Schema.Resolve(name)
		if !ok {
			return filter.Column{}, false
		}
		f := m.Table.fields[m.Fields[col]]
		return filter.Column{Name: f.Name, Index: m.Fields[col], Type: f.Type}, true
	})
}

// FieldResolver resolves server column names only. Use it for filters that
// are already normalized, such as a parent view's scope.
func (m *Mapping) FieldResolver() filter.Resolver {
	return filter.ResolverFunc(func(name string) (filter.Column, bool) {
		i, ok := m.Table.FieldIndex(name)
		if !ok {
			return filter.Column{}, false
		}
		f := m.Table.fields[i]
		return filter.Column{Name: f.Name, Index: i, Type: f.Type}, true
	})
}
