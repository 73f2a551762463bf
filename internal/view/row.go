package view

import (
	"fmt"
	"strings"
	"sync"

	"github.com/maruel/tabsync/internal/key"
	"github.com/maruel/tabsync/internal/schema"
	"github.com/maruel/tabsync/internal/store"
)

// Row is a materialized row in its schema column order.
type Row struct {
	schema *schema.Schema
	key    key.Key

	mu     sync.RWMutex
	values []any
}

func newRow(m *store.Mapping, src store.RowSource) *Row {
	r := &Row{schema: m.Schema, key: src.Key(), values: make([]any, len(m.Fields))}
	for col := range r.values {
		r.values[col] = m.Value(src, col)
	}
	return r
}

// update copies the source values and returns the columns that changed.
func (r *Row) update(m *store.Mapping, src store.RowSource) []int {
	var changed []int
	r.mu.Lock()
	defer r.mu.Unlock()
	for col := range r.values {
		if v := m.Value(src, col); !key.Same(v, r.values[col]) {
			r.values[col] = v
			changed = append(changed, col)
		}
	}
	return changed
}

// Schema returns the row's schema.
func (r *Row) Schema() *schema.Schema {
	return r.schema
}

// Key returns the primary key.
func (r *Row) Key() key.Key {
	return r.key
}

// Value returns the value of column col.
func (r *Row) Value(col int) any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.values[col]
}

// Get returns the value of the named column or property.
func (r *Row) Get(name string) (any, bool) {
	col, ok := r.schema.Resolve(name)
	if !ok {
		return nil, false
	}
	return r.Value(col), true
}

// Values returns a copy of every value.
func (r *Row) Values() []any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]any, len(r.values))
	copy(out, r.values)
	return out
}

func (r *Row) String() string {
	vals := r.Values()
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = fmt.Sprintf("%s=%v", r.schema.Columns[i].Name, v)
	}
	return r.schema.Name + "{" + strings.Join(parts, " ") + "}"
}
