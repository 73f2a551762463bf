// Single row subscription bound to a reassignable key.

package view

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/maruel/ksid"
	"github.com/maruel/tabsync/internal/filter"
	"github.com/maruel/tabsync/internal/key"
	"github.com/maruel/tabsync/internal/schema"
	"github.com/maruel/tabsync/internal/store"
)

// RowView follows the row of one primary key.
type RowView struct {
	observers

	id     ksid.ID
	host   Host
	schema *schema.Schema
	ctx    context.Context
	closed atomic.Bool
	log    *slog.Logger

	mapping *store.Mapping

	mu   sync.RWMutex
	key  key.Key
	norm filter.Filter
	row  *Row
}

// NewRowView registers a row view of s bound to k. A zero k binds nothing.
func NewRowView(ctx context.Context, h Host, s *schema.Schema, k key.Key) (*RowView, error) {
	v := newRowView(ctx, h, s)
	err := h.Do(ctx, func() error {
		if err := v.attach(); err != nil {
			return err
		}
		return v.bind(k)
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// NewParentRowView registers a row view of the parent row of child through
// rel, a relation whose Child is the child view's schema. Its key is derived
// from the child row and recomputed whenever the relation columns of the
// child change.
func NewParentRowView(ctx context.Context, child *RowView, rel *schema.Relation) (*RowView, error) {
	if rel.Child != child.schema {
		return nil, fmt.Errorf("%w: relation %s does not end at %s", schema.ErrInvalidSchema, rel, child.schema.Name)
	}
	v := newRowView(ctx, child.host, rel.Parent)
	err := child.host.Do(ctx, func() error {
		if err := v.attach(); err != nil {
			return err
		}
		if err := v.bind(parentKey(rel, child.current())); err != nil {
			return err
		}
		child.hook(func(c Change) bool {
			if !v.Alive() {
				return false
			}
			if c.Kind == Updated && !intersects(c.Columns, rel.ChildColumns) {
				return true
			}
			if err := v.bind(parentKey(rel, child.current())); err != nil {
				v.log.Error("Failed to follow child row", "err", err)
			}
			return true
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// parentKey returns the zero key when the child row is absent or does not
// reference a parent.
func parentKey(rel *schema.Relation, child *Row) key.Key {
	if child == nil {
		return key.Key{}
	}
	k, err := rel.ParentKey(child.Value)
	if err != nil {
		return key.Key{}
	}
	for _, v := range k.Values() {
		if v == nil {
			return key.Key{}
		}
	}
	return k
}

func newRowView(ctx context.Context, h Host, s *schema.Schema) *RowView {
	id := ksid.NewID()
	return &RowView{
		id:     id,
		host:   h,
		schema: s,
		ctx:    ctx,
		log:    h.Logger().With("view", id, "schema", s.Name),
		norm:   filter.None(),
	}
}

func (v *RowView) attach() error {
	m, _, err := v.host.Table(v.schema.Table).Register(v.schema, v)
	if err != nil {
		return err
	}
	v.mapping = m
	return nil
}

// ID returns the view identifier.
func (v *RowView) ID() ksid.ID {
	return v.id
}

// Schema returns the schema of the row.
func (v *RowView) Schema() *schema.Schema {
	return v.schema
}

// Key returns the bound key.
func (v *RowView) Key() key.Key {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.key
}

// Row returns the current row, nil if the key is unbound or the row is not
// loaded.
func (v *RowView) Row() *Row {
	return v.current()
}

func (v *RowView) current() *Row {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.row
}

// Alive implements store.Subscriber.
func (v *RowView) Alive() bool {
	return !v.closed.Load() && v.ctx.Err() == nil
}

// Close stops the view. Its storage is released lazily.
func (v *RowView) Close() {
	v.closed.Store(true)
}

// Filter implements store.Subscriber: the primary key equality for the bound
// key, nothing when unbound.
func (v *RowView) Filter() filter.Filter {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.norm
}

// SetKey rebinds the view. The previous row is dropped with a Reset change;
// the new row is loaded from the mirror if present, otherwise a refresh is
// scheduled.
func (v *RowView) SetKey(ctx context.Context, k key.Key) error {
	return v.host.Do(ctx, func() error { return v.bind(k) })
}

func (v *RowView) bind(k key.Key) error {
	if !k.IsZero() && k.Len() != len(v.schema.Primary) {
		return fmt.Errorf("%w: %s key has %d values, got %d", key.ErrArity, v.schema.Name, len(v.schema.Primary), k.Len())
	}
	if !k.IsZero() {
		vals := make([]any, k.Len())
		for i, col := range v.schema.Primary {
			cv, err := v.schema.Columns[col].Type.Coerce(k.At(i))
			if err != nil {
				return fmt.Errorf("%s key: %w", v.schema.Name, err)
			}
			vals[i] = cv
		}
		var err error
		if k, err = key.New(vals...); err != nil {
			return err
		}
	}
	if k == v.key && (k.IsZero() || v.row != nil) {
		return nil
	}
	norm := filter.None()
	if !k.IsZero() {
		// Values are already coerced; name the table fields directly.
		eqs := make([]filter.Filter, len(v.schema.Primary))
		for i, col := range v.schema.Primary {
			f := v.mapping.Table.Field(v.mapping.Fields[col])
			eqs[i] = filter.Eq(f.Name, k.At(i))
		}
		norm = filter.Intersect(eqs...)
	}
	v.mu.Lock()
	old := v.row
	v.key, v.norm, v.row = k, norm, nil
	v.mu.Unlock()
	if old != nil {
		v.emit(v.host, Change{Kind: Reset, Row: old, Index: -1, OldIndex: -1})
	}
	if k.IsZero() {
		return nil
	}
	t := v.mapping.Table
	if src, ok := t.Get(k); ok {
		v.RowChanged(v.mapping, src)
	} else {
		v.host.Schedule(t.Name())
	}
	return nil
}

// RowChanged implements store.Subscriber.
func (v *RowView) RowChanged(m *store.Mapping, src store.RowSource) {
	v.mu.RLock()
	bound, row := v.key, v.row
	v.mu.RUnlock()
	if src.Key() != bound || bound.IsZero() {
		return
	}
	if row == nil {
		row = newRow(m, src)
		v.mu.Lock()
		v.row = row
		v.mu.Unlock()
		v.emit(v.host, Change{Kind: Added, Row: row, Index: -1, OldIndex: -1})
		return
	}
	if cols := row.update(m, src); len(cols) != 0 {
		v.emit(v.host, Change{Kind: Updated, Row: row, Index: -1, OldIndex: -1, Columns: cols})
	}
}

// RowRemoved implements store.Subscriber.
func (v *RowView) RowRemoved(_ *store.Mapping, src store.RowSource) {
	v.mu.Lock()
	row := v.row
	if row == nil || src.Key() != v.key {
		v.mu.Unlock()
		return
	}
	v.row = nil
	v.mu.Unlock()
	v.emit(v.host, Change{Kind: Removed, Row: row, Index: -1, OldIndex: -1})
}
