// Ordered, filtered projection of a column-storage table.

package view

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/maruel/ksid"
	"github.com/maruel/tabsync/internal/filter"
	"github.com/maruel/tabsync/internal/key"
	"github.com/maruel/tabsync/internal/schema"
	"github.com/maruel/tabsync/internal/store"
)

// Order is one ordering term of a table view.
type Order struct {
	Column string `yaml:"column" json:"column"`
	Desc   bool   `yaml:"desc,omitempty" json:"desc,omitempty"`
}

// TableOptions configures a table view.
type TableOptions struct {
	Filter filter.Filter
	// Order defaults to the primary key, ascending. The primary key is
	// always appended as a tie breaker.
	Order []Order
}

// entry is one row of a view index.
type entry struct {
	row  *Row
	sort key.Key
}

// SortKey implements key.Sortable.
func (e *entry) SortKey() key.Key {
	return e.sort
}

// TableView is an ordered, filtered projection of a table.
type TableView struct {
	observers

	id     ksid.ID
	host   Host
	schema *schema.Schema
	ctx    context.Context
	closed atomic.Bool
	log    *slog.Logger

	// Worker owned.
	mapping    *store.Mapping
	own        filter.Filter
	scope      filter.Filter
	pred       filter.Predicate
	orderCols  []int
	cmp        key.Comparer
	byKey      map[key.Key]*entry
	dependents []*TableView

	mu    sync.RWMutex
	norm  filter.Filter
	index []*entry
}

// NewTableView registers a table view of s. It returns once the view is
// populated from the rows already mirrored and schedules a refresh of the
// table. The view stays alive until Close or until ctx is done.
func NewTableView(ctx context.Context, h Host, s *schema.Schema, opts TableOptions) (*TableView, error) {
	v := newTableView(ctx, h, s)
	if err := h.Do(ctx, func() error { return v.attach(opts, filter.True()) }); err != nil {
		return nil, err
	}
	return v, nil
}

// NewSubView registers a table view scoped by parent: it only holds rows
// matching both its own filter and the parent's. parent must view the same
// table.
func NewSubView(ctx context.Context, parent *TableView, opts TableOptions) (*TableView, error) {
	v := newTableView(ctx, parent.host, parent.schema)
	err := parent.host.Do(ctx, func() error {
		if err := v.attach(opts, parent.Filter()); err != nil {
			return err
		}
		parent.dependents = append(parent.dependents, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// NewChildView registers a table view of the child rows of the parent row
// view through rel, a relation whose Parent is the parent view's schema. The
// scope follows the parent row: it is re-evaluated whenever the parent view
// is rebound or its key columns change. Without parent row, the view is
// empty.
func NewChildView(ctx context.Context, parent *RowView, rel *schema.Relation, opts TableOptions) (*TableView, error) {
	if rel.Parent != parent.schema {
		return nil, fmt.Errorf("%w: relation %s does not start at %s", schema.ErrInvalidSchema, rel, parent.schema.Name)
	}
	v := newTableView(ctx, parent.host, rel.Child)
	err := parent.host.Do(ctx, func() error {
		if err := v.attach(opts, childScope(rel, parent.current())); err != nil {
			return err
		}
		parent.hook(func(c Change) bool {
			if !v.Alive() {
				return false
			}
			if c.Kind == Updated && !intersects(c.Columns, rel.ParentColumns) {
				return true
			}
			if err := v.rescope(childScope(rel, parent.current())); err != nil {
				v.log.Error("Failed to rescope child view", "err", err)
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

func childScope(rel *schema.Relation, parent *Row) filter.Filter {
	if parent == nil {
		return filter.None()
	}
	names := rel.ChildColumnNames()
	eqs := make([]filter.Filter, len(names))
	for i, n := range names {
		eqs[i] = filter.Eq(n, parent.Value(rel.ParentColumns[i]))
	}
	return filter.And(eqs...)
}

func intersects(a, b []int) bool {
	for _, x := range a {
		if slices.Contains(b, x) {
			return true
		}
	}
	return false
}

func newTableView(ctx context.Context, h Host, s *schema.Schema) *TableView {
	id := ksid.NewID()
	return &TableView{
		id:     id,
		host:   h,
		schema: s,
		ctx:    ctx,
		log:    h.Logger().With("view", id, "schema", s.Name),
		byKey:  map[key.Key]*entry{},
	}
}

func (v *TableView) attach(opts TableOptions, scope filter.Filter) error {
	if err := v.setOrder(opts.Order); err != nil {
		return err
	}
	t := v.host.Table(v.schema.Table)
	m, _, err := t.Register(v.schema, v)
	if err != nil {
		return err
	}
	v.mapping = m
	v.own = opts.Filter
	v.scope = scope
	if err := v.compile(); err != nil {
		t.Unregister(m)
		return err
	}
	v.populate()
	v.host.Schedule(t.Name())
	v.log.Debug("Opened table view", "filter", v.Filter())
	return nil
}

func (v *TableView) setOrder(order []Order) error {
	v.orderCols = v.orderCols[:0]
	var w key.Weights
	for _, o := range order {
		col, ok := v.schema.Resolve(o.Column)
		if !ok {
			return fmt.Errorf("%w: order column %q of %s", filter.ErrUnresolvedColumn, o.Column, v.schema.Name)
		}
		if slices.Contains(v.orderCols, col) {
			continue
		}
		v.orderCols = append(v.orderCols, col)
		if o.Desc {
			w = append(w, -1)
		} else {
			w = append(w, 1)
		}
	}
	for _, col := range v.schema.Primary {
		if !slices.Contains(v.orderCols, col) {
			v.orderCols = append(v.orderCols, col)
			w = append(w, 1)
		}
	}
	if len(v.orderCols) > key.MaxArity {
		return fmt.Errorf("%w: %s orders by %d columns", key.ErrTooWide, v.schema.Name, len(v.orderCols))
	}
	v.cmp = key.Comparer{Weights: w}
	return nil
}

// compile rebuilds the predicate and normalized filter from own and scope.
func (v *TableView) compile() error {
	own, ownNorm, err := filter.Compile(v.own, v.mapping.Resolver())
	if err != nil {
		return fmt.Errorf("view of %s: %w", v.schema.Name, err)
	}
	// The scope is expressed in server column names.
	scope, scopeNorm, err := filter.Compile(v.scope, v.mapping.FieldResolver())
	if err != nil {
		return fmt.Errorf("view of %s: %w", v.schema.Name, err)
	}
	norm := filter.Intersect(ownNorm, scopeNorm)
	v.pred = func(a filter.Accessor) bool { return scope(a) && own(a) }
	v.mu.Lock()
	v.norm = norm
	v.mu.Unlock()
	return nil
}

// ID returns the view identifier.
func (v *TableView) ID() ksid.ID {
	return v.id
}

// Schema returns the schema of the rows.
func (v *TableView) Schema() *schema.Schema {
	return v.schema
}

// Alive implements store.Subscriber.
func (v *TableView) Alive() bool {
	return !v.closed.Load() && v.ctx.Err() == nil
}

// Close stops the view. Its storage is released lazily.
func (v *TableView) Close() {
	v.closed.Store(true)
}

// Filter returns the effective normalized filter. It implements
// store.Subscriber.
func (v *TableView) Filter() filter.Filter {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.norm
}

// Len returns the number of rows.
func (v *TableView) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.index)
}

// At returns the i-th row.
func (v *TableView) At(i int) *Row {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.index[i].row
}

// Rows returns the rows in view order.
func (v *TableView) Rows() []*Row {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]*Row, len(v.index))
	for i, e := range v.index {
		out[i] = e.row
	}
	return out
}

// IndexOf returns the position of the row with primary key k, or -1.
func (v *TableView) IndexOf(k key.Key) int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for i, e := range v.index {
		if e.row.key == k {
			return i
		}
	}
	return -1
}

// SetFilter replaces the view's own filter. Rows that no longer match are
// evicted before it returns; rows already mirrored that now match are added
// and a refresh is scheduled for the rest. An unresolved column is returned
// as an error and leaves the previous filter in place.
func (v *TableView) SetFilter(ctx context.Context, f filter.Filter) error {
	return v.host.Do(ctx, func() error {
		prev := v.own
		v.own = f
		if err := v.compile(); err != nil {
			v.own = prev
			return err
		}
		v.refilter()
		return nil
	})
}

func (v *TableView) rescope(scope filter.Filter) error {
	prev := v.scope
	v.scope = scope
	if err := v.compile(); err != nil {
		v.scope = prev
		return err
	}
	v.refilter()
	return nil
}

// refilter re-evaluates the indexed rows, pulls in mirrored rows that now
// match, schedules a refresh and propagates to dependent views.
func (v *TableView) refilter() {
	t := v.mapping.Table
	for _, e := range slices.Clone(v.index) {
		if src, ok := t.Get(e.row.key); !ok || !v.pred(src) {
			v.drop(e)
		}
	}
	v.populate()
	v.host.Schedule(t.Name())
	v.dependents = slices.DeleteFunc(v.dependents, func(d *TableView) bool { return !d.Alive() })
	for _, d := range v.dependents {
		if err := d.rescope(v.Filter()); err != nil {
			d.log.Error("Failed to rescope sub view", "err", err)
		}
	}
}

func (v *TableView) populate() {
	for _, src := range v.mapping.Table.Rows() {
		if _, ok := v.byKey[src.Key()]; !ok {
			v.RowChanged(v.mapping, src)
		}
	}
}

// RowChanged implements store.Subscriber.
func (v *TableView) RowChanged(m *store.Mapping, src store.RowSource) {
	k := src.Key()
	e, indexed := v.byKey[k]
	pass := v.pred(src)
	switch {
	case !indexed && !pass:
	case !indexed:
		row := newRow(m, src)
		e = &entry{row: row, sort: v.sortKey(row)}
		v.byKey[k] = e
		i := v.insert(e)
		v.emit(v.host, Change{Kind: Added, Row: row, Index: i, OldIndex: -1})
	case !pass:
		v.drop(e)
	default:
		cols := e.row.update(m, src)
		if len(cols) == 0 {
			return
		}
		sk := v.sortKey(e.row)
		if sk == e.sort {
			v.emit(v.host, Change{Kind: Updated, Row: e.row, Index: v.position(e), OldIndex: -1, Columns: cols})
			return
		}
		old := v.remove(e)
		e.sort = sk
		i := v.insert(e)
		v.emit(v.host, Change{Kind: Moved, Row: e.row, Index: i, OldIndex: old, Columns: cols})
	}
}

// RowRemoved implements store.Subscriber.
func (v *TableView) RowRemoved(_ *store.Mapping, src store.RowSource) {
	if e, ok := v.byKey[src.Key()]; ok {
		v.drop(e)
	}
}

func (v *TableView) drop(e *entry) {
	delete(v.byKey, e.row.key)
	i := v.remove(e)
	v.emit(v.host, Change{Kind: Removed, Row: e.row, Index: -1, OldIndex: i})
}

func (v *TableView) sortKey(r *Row) key.Key {
	vals := make([]any, len(v.orderCols))
	for i, col := range v.orderCols {
		vals[i] = r.Value(col)
	}
	k, err := key.New(vals...)
	if err != nil {
		// Values are canonical and orderCols is bounded by attach.
		panic(err)
	}
	return k
}

func (v *TableView) search(k key.Key) (int, bool) {
	return slices.BinarySearchFunc(v.index, k, func(e *entry, k key.Key) int {
		return v.cmp.Compare(e, k)
	})
}

func (v *TableView) position(e *entry) int {
	i, _ := v.search(e.sort)
	return i
}

func (v *TableView) insert(e *entry) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	i, _ := v.search(e.sort)
	v.index = slices.Insert(v.index, i, e)
	return i
}

func (v *TableView) remove(e *entry) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	i, found := v.search(e.sort)
	if !found || v.index[i] != e {
		// Not reachable while the index is consistent.
		i = slices.Index(v.index, e)
	}
	v.index = slices.Delete(v.index, i, i+1)
	return i
}
