package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/maruel/tabsync/internal/filter"
	"github.com/maruel/tabsync/internal/key"
	"github.com/maruel/tabsync/internal/query"
	"github.com/maruel/tabsync/internal/schema"
	sorted "github.com/tobshub/go-sortedmap"
)

var (
	// ErrPrimaryKeyMismatch is returned when a schema disagrees with the
	// primary key established by the first registration.
	ErrPrimaryKeyMismatch = errors.New("primary key mismatch")
	// ErrTypeMismatch is returned when a schema declares a known field with
	// a different type.
	ErrTypeMismatch = errors.New("column type mismatch")
	// ErrRowNotFound is returned by UpdateRow for keys not in the table.
	ErrRowNotFound = errors.New("row not found")
	// ErrMissingKey is returned when an update lacks a primary key field.
	ErrMissingKey = errors.New("missing primary key value")
)

// Field is one column of a Table.
type Field struct {
	Name string
	Type schema.ColumnType
	refs int
}

// Active reports whether at least one live mapping uses the field.
func (f *Field) Active() bool {
	return f.refs > 0
}

// Table is the in-memory mirror of one server table.
type Table struct {
	name string
	q    query.Querier
	log  *slog.Logger

	fields   []*Field
	byName   map[string]int
	primary  []int
	rows     *sorted.SortedMap[key.Key, *RowData]
	mappings []*Mapping
	syncID   int64
}

// NewTable returns an empty, never synchronized table.
func NewTable(name string, q query.Querier, log *slog.Logger) *Table {
	if log == nil {
		log = slog.Default()
	}
	return &Table{
		name:   name,
		q:      q,
		log:    log.With("table", name),
		byName: map[string]int{},
		rows:   sorted.New[key.Key, *RowData](0, lessRow),
		syncID: -1,
	}
}

func lessRow(a, b *RowData) bool {
	c, err := a.key.Compare(b.key, nil)
	if err != nil {
		panic(err)
	}
	return c < 0
}

// Name returns the server table name.
func (t *Table) Name() string {
	return t.name
}

// SyncID returns the last sync cursor, -1 if never synchronized.
func (t *Table) SyncID() int64 {
	return t.syncID
}

// SetSyncID records the sync cursor.
func (t *Table) SetSyncID(id int64) {
	t.syncID = id
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return t.rows.Len()
}

// Get returns the row with key k.
func (t *Table) Get(k key.Key) (RowSource, bool) {
	rd, ok := t.rows.Get(k)
	if !ok {
		return nil, false
	}
	return rd, true
}

// Rows returns the rows in primary key order.
func (t *Table) Rows() []RowSource {
	rows := t.snapshot()
	out := make([]RowSource, len(rows))
	for i, rd := range rows {
		out[i] = rd
	}
	return out
}

func (t *Table) snapshot() []*RowData {
	out := make([]*RowData, 0, t.rows.Len())
	ch, err := t.rows.IterCh()
	if err != nil {
		// The map is empty.
		return out
	}
	for rec := range ch.Records() {
		out = append(out, rec.Val)
	}
	return out
}

// Field returns the field at index i.
func (t *Table) Field(i int) Field {
	return *t.fields[i]
}

// FieldIndex returns the index of the named field, case-insensitively.
func (t *Table) FieldIndex(name string) (int, bool) {
	i, ok := t.byName[strings.ToLower(name)]
	return i, ok
}

// Primary returns the primary key field indexes, nil before the first
// registration.
func (t *Table) Primary() []int {
	return slices.Clone(t.primary)
}

// Register activates the columns of s and attaches sub. It reports whether a
// field was added or reactivated, in which case existing rows lack its values
// until the next full refresh.
func (t *Table) Register(s *schema.Schema, sub Subscriber) (*Mapping, bool, error) {
	if t.primary != nil {
		if len(t.primary) != len(s.Primary) {
			return nil, false, fmt.Errorf("%w: %s declares %d key columns, table %s has %d", ErrPrimaryKeyMismatch, s.Name, len(s.Primary), t.name, len(t.primary))
		}
		for i, c := range s.Primary {
			if !strings.EqualFold(t.fields[t.primary[i]].Name, s.Columns[c].Name) {
				return nil, false, fmt.Errorf("%w: %s key column %d is %q, table %s has %q", ErrPrimaryKeyMismatch, s.Name, i, s.Columns[c].Name, t.name, t.fields[t.primary[i]].Name)
			}
		}
	}
	for _, c := range s.Columns {
		if i, ok := t.FieldIndex(c.Name); ok && t.fields[i].Type != c.Type {
			return nil, false, fmt.Errorf("%w: %s.%s is %s, table %s has %s", ErrTypeMismatch, s.Name, c.Name, c.Type, t.name, t.fields[i].Type)
		}
	}

	added := false
	fields := make([]int, len(s.Columns))
	for i, c := range s.Columns {
		idx, ok := t.FieldIndex(c.Name)
		if !ok {
			idx = len(t.fields)
			t.fields = append(t.fields, &Field{Name: c.Name, Type: c.Type})
			t.byName[strings.ToLower(c.Name)] = idx
		}
		if t.fields[idx].refs == 0 {
			added = true
		}
		t.fields[idx].refs++
		fields[i] = idx
	}
	if t.primary == nil {
		t.primary = make([]int, len(s.Primary))
		for i, c := range s.Primary {
			t.primary[i] = fields[c]
		}
	}
	m := &Mapping{Table: t, Schema: s, Fields: fields, sub: sub}
	t.mappings = append(t.mappings, m)
	t.log.Debug("Registered schema", "schema", s.Name, "added", added)
	return m, added, nil
}

// Unregister detaches m and releases its field references.
func (t *Table) Unregister(m *Mapping) {
	if i := slices.Index(t.mappings, m); i >= 0 {
		t.mappings = slices.Delete(t.mappings, i, i+1)
		t.release(m)
	}
}

func (t *Table) release(m *Mapping) {
	for _, f := range m.Fields {
		t.fields[f].refs--
	}
}

// live returns the live mappings, pruning dead ones.
func (t *Table) live() []*Mapping {
	out := t.mappings[:0]
	for _, m := range t.mappings {
		if m.sub.Alive() {
			out = append(out, m)
			continue
		}
		t.release(m)
		t.log.Debug("Pruned dead view", "schema", m.Schema.Name)
	}
	clear(t.mappings[len(out):])
	t.mappings = out
	return slices.Clone(out)
}

// Subscribers returns the number of live mappings.
func (t *Table) Subscribers() int {
	return len(t.live())
}

// CurrentFilter returns the union of every live subscriber's filter.
func (t *Table) CurrentFilter() filter.Filter {
	live := t.live()
	filters := make([]filter.Filter, 0, len(live))
	for _, m := range live {
		filters = append(filters, m.sub.Filter())
	}
	return filter.Union(filters...)
}

// activeFields returns the fields to request: the primary key first, then
// every other active field.
func (t *Table) activeFields() []int {
	out := slices.Clone(t.primary)
	for i, f := range t.fields {
		if f.Active() && !slices.Contains(t.primary, i) {
			out = append(out, i)
		}
	}
	return out
}

// KeyFilter returns a normalized filter selecting the rows with the keys.
func (t *Table) KeyFilter(keys []key.Key) filter.Filter {
	if len(t.primary) == 1 {
		vals := make([]any, len(keys))
		for i, k := range keys {
			vals[i] = k.At(0)
		}
		return filter.In(t.fields[t.primary[0]].Name, vals...)
	}
	ops := make([]filter.Filter, len(keys))
	for i, k := range keys {
		eqs := make([]filter.Filter, len(t.primary))
		for j, f := range t.primary {
			eqs[j] = filter.Eq(t.fields[f].Name, k.At(j))
		}
		ops[i] = filter.And(eqs...)
	}
	return filter.Or(ops...)
}

// RefreshRows queries the rows matching f and merges them. When touch is
// set, every returned row is marked for the garbage collection of Refresh.
func (t *Table) RefreshRows(ctx context.Context, touch bool, f filter.Filter) (int, error) {
	return t.refreshRows(ctx, touch, f, nil)
}

func (t *Table) refreshRows(ctx context.Context, touch bool, f filter.Filter, seen func(key.Key)) (int, error) {
	if f.IsNone() || len(t.primary) == 0 {
		return 0, nil
	}
	fields := t.activeFields()
	q := &query.Query{Table: t.name, Columns: make([]string, len(fields)), Filter: f}
	for i, idx := range fields {
		q.Columns[i] = t.fields[idx].Name
	}
	for _, idx := range t.primary {
		q.OrderBy = append(q.OrderBy, query.Order{Column: t.fields[idx].Name})
	}
	n := 0
	for rec, err := range t.q.Query(ctx, q) {
		if err != nil {
			return n, fmt.Errorf("failed to query %s: %w", t.name, err)
		}
		if len(rec) != len(fields) {
			return n, fmt.Errorf("failed to query %s: got %d values, want %d", t.name, len(rec), len(fields))
		}
		vals := make([]any, len(rec))
		for i, v := range rec {
			cv, err := t.fields[fields[i]].Type.Coerce(v)
			if err != nil {
				return n, fmt.Errorf("failed to read %s.%s: %w", t.name, t.fields[fields[i]].Name, err)
			}
			vals[i] = cv
		}
		k, err := key.New(vals[:len(t.primary)]...)
		if err != nil {
			return n, fmt.Errorf("failed to read %s key: %w", t.name, err)
		}
		t.merge(k, fields, vals, touch)
		if seen != nil {
			seen(k)
		}
		n++
	}
	t.log.Debug("Refreshed rows", "rows", n, "touch", touch)
	return n, nil
}

// merge inserts or updates the row and notifies subscribers when something
// changed.
func (t *Table) merge(k key.Key, fields []int, vals []any, touch bool) {
	rd, ok := t.rows.Get(k)
	if !ok {
		rd = newRowData(k, len(t.fields))
		for i, f := range fields {
			rd.set(f, vals[i])
		}
		rd.touched = touch
		t.rows.Insert(k, rd)
		t.notifyChanged(rd)
		return
	}
	if touch {
		rd.touched = true
	}
	rd.resetModified()
	changed := false
	for i, f := range fields {
		if rd.set(f, vals[i]) {
			changed = true
		}
	}
	if changed {
		t.notifyChanged(rd)
	}
}

// Refresh runs a full refresh over the union filter and removes every row the
// server did not return.
func (t *Table) Refresh(ctx context.Context) error {
	for _, rd := range t.snapshot() {
		rd.touched = false
	}
	if _, err := t.RefreshRows(ctx, true, t.CurrentFilter()); err != nil {
		return err
	}
	removed := 0
	for _, rd := range t.snapshot() {
		if !rd.touched {
			t.remove(rd)
			removed++
		}
	}
	if removed != 0 {
		t.log.Debug("Removed stale rows", "rows", removed)
	}
	return nil
}

// RefreshKeys reloads the rows with the given keys. Keys the server does not
// return are removed.
func (t *Table) RefreshKeys(ctx context.Context, keys []key.Key) error {
	if len(keys) == 0 {
		return nil
	}
	f := filter.Intersect(t.KeyFilter(keys), t.CurrentFilter())
	seen := map[key.Key]bool{}
	if _, err := t.refreshRows(ctx, false, f, func(k key.Key) { seen[k] = true }); err != nil {
		return err
	}
	for _, k := range keys {
		if !seen[k] {
			t.DeleteRow(k)
		}
	}
	return nil
}

// UpdateRow applies an incremental update. fields and values are aligned and
// must include every primary key field. It reports whether a value changed.
func (t *Table) UpdateRow(fields []int, values []any) (bool, error) {
	k, err := t.keyOf(fields, values)
	if err != nil {
		return false, err
	}
	rd, ok := t.rows.Get(k)
	if !ok {
		return false, fmt.Errorf("%w: %s%v", ErrRowNotFound, t.name, k)
	}
	rd.resetModified()
	changed := false
	for i, f := range fields {
		if f < 0 || f >= len(t.fields) || !t.fields[f].Active() {
			continue
		}
		if rd.set(f, values[i]) {
			changed = true
		}
	}
	if changed {
		t.notifyChanged(rd)
	}
	return changed, nil
}

// keyOf extracts the primary key from aligned fields and values.
func (t *Table) keyOf(fields []int, values []any) (key.Key, error) {
	if len(t.primary) == 0 {
		return key.Key{}, fmt.Errorf("%w: %s has no primary key yet", ErrMissingKey, t.name)
	}
	vals := make([]any, len(t.primary))
	for i, p := range t.primary {
		j := slices.Index(fields, p)
		if j < 0 {
			return key.Key{}, fmt.Errorf("%w: %s.%s", ErrMissingKey, t.name, t.fields[p].Name)
		}
		vals[i] = values[j]
	}
	return key.New(vals...)
}

// DeleteRow removes the row with key k and reports whether it existed.
func (t *Table) DeleteRow(k key.Key) bool {
	rd, ok := t.rows.Get(k)
	if !ok {
		return false
	}
	t.remove(rd)
	return true
}

func (t *Table) remove(rd *RowData) {
	t.rows.Delete(rd.key)
	rd.resetModified()
	t.notifyRemoved(rd)
}

func (t *Table) notifyChanged(rd *RowData) {
	for _, m := range t.live() {
		m.sub.RowChanged(m, rd)
	}
}

func (t *Table) notifyRemoved(rd *RowData) {
	for _, m := range t.live() {
		m.sub.RowRemoved(m, rd)
	}
}
