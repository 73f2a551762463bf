package store

import (
	"context"
	"errors"
	"iter"
	"math"
	"slices"
	"strings"
	"testing"

	"github.com/maruel/tabsync/internal/filter"
	"github.com/maruel/tabsync/internal/key"
	"github.com/maruel/tabsync/internal/query"
	"github.com/maruel/tabsync/internal/schema"
)

// fakeSource serves rows of the columns (Id, Name, Qty).
type fakeSource struct {
	rows    [][]any
	queries []*query.Query
	err     error
}

var fakeColumns = []filter.Column{
	{Name: "Id", Index: 0, Type: schema.TypeInt},
	{Name: "Name", Index: 1, Type: schema.TypeString},
	{Name: "Qty", Index: 2, Type: schema.TypeInt},
}

func (f *fakeSource) resolve(name string) (filter.Column, bool) {
	for _, c := range fakeColumns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return filter.Column{}, false
}

func (f *fakeSource) Query(ctx context.Context, q *query.Query) iter.Seq2[query.Record, error] {
	f.queries = append(f.queries, q)
	if f.err != nil {
		return query.Error(f.err)
	}
	p, _, err := filter.Compile(q.Filter, filter.ResolverFunc(f.resolve))
	if err != nil {
		return query.Error(err)
	}
	return func(yield func(query.Record, error) bool) {
		for _, row := range f.rows {
			if !p.Match(row) {
				continue
			}
			rec := make(query.Record, len(q.Columns))
			for i, name := range q.Columns {
				c, _ := f.resolve(name)
				rec[i] = row[c.Index]
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

type event struct {
	kind     string
	key      key.Key
	modified []int
}

type fakeSub struct {
	dead   bool
	filter filter.Filter
	events []event
}

func (s *fakeSub) Alive() bool           { return !s.dead }
func (s *fakeSub) Filter() filter.Filter { return s.filter }

func (s *fakeSub) RowChanged(m *Mapping, row RowSource) {
	s.events = append(s.events, event{"changed", row.Key(), m.Modified(row)})
}

func (s *fakeSub) RowRemoved(m *Mapping, row RowSource) {
	s.events = append(s.events, event{"removed", row.Key(), nil})
}

func itemSchema(t *testing.T, cols ...string) *schema.Schema {
	t.Helper()
	d := schema.Declaration{Name: "Item" + strings.Join(cols, "")}
	d.Columns = append(d.Columns, schema.Column{Name: "Id", Type: schema.TypeInt, Primary: true})
	for _, c := range cols {
		typ := schema.TypeString
		if c == "Qty" {
			typ = schema.TypeInt
		}
		d.Columns = append(d.Columns, schema.Column{Name: c, Type: typ})
	}
	r := schema.NewRegistry()
	if err := r.Register(d); err != nil {
		t.Fatal(err)
	}
	s, err := r.Get(d.Name)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func newItems(t *testing.T) (*Table, *fakeSource, *fakeSub, *Mapping) {
	t.Helper()
	src := &fakeSource{rows: [][]any{
		{int64(2), "B", int64(0)},
		{int64(1), "A", int64(5)},
	}}
	tbl := NewTable("Item", src, nil)
	sub := &fakeSub{}
	m, added, err := tbl.Register(itemSchema(t, "Name", "Qty"), sub)
	if err != nil {
		t.Fatal(err)
	}
	if !added {
		t.Fatal("first registration must add fields")
	}
	return tbl, src, sub, m
}

func keysOf(tbl *Table) []key.Key {
	var out []key.Key
	for _, r := range tbl.Rows() {
		out = append(out, r.Key())
	}
	return out
}

func TestRegister(t *testing.T) {
	t.Run("SharedFields", func(t *testing.T) {
		tbl, _, _, _ := newItems(t)
		sub := &fakeSub{}
		m, added, err := tbl.Register(itemSchema(t, "Qty"), sub)
		if err != nil {
			t.Fatal(err)
		}
		if added {
			t.Error("registering known fields must not report added")
		}
		if want := []int{0, 2}; !slices.Equal(m.Fields, want) {
			t.Errorf("Fields = %v, want %v", m.Fields, want)
		}
	})
	t.Run("PrimaryKeyMismatch", func(t *testing.T) {
		tbl, _, _, _ := newItems(t)
		r := schema.NewRegistry()
		if err := r.Register(schema.Declaration{Name: "Other", Columns: []schema.Column{{Name: "Name", Type: schema.TypeString, Primary: true}}}); err != nil {
			t.Fatal(err)
		}
		s, err := r.Get("Other")
		if err != nil {
			t.Fatal(err)
		}
		if _, _, err := tbl.Register(s, &fakeSub{}); !errors.Is(err, ErrPrimaryKeyMismatch) {
			t.Fatalf("Register() error = %v, want ErrPrimaryKeyMismatch", err)
		}
	})
	t.Run("TypeMismatch", func(t *testing.T) {
		tbl, _, _, _ := newItems(t)
		r := schema.NewRegistry()
		if err := r.Register(schema.Declaration{Name: "Other", Columns: []schema.Column{
			{Name: "Id", Type: schema.TypeInt, Primary: true},
			{Name: "Qty", Type: schema.TypeString},
		}}); err != nil {
			t.Fatal(err)
		}
		s, err := r.Get("Other")
		if err != nil {
			t.Fatal(err)
		}
		if _, _, err := tbl.Register(s, &fakeSub{}); !errors.Is(err, ErrTypeMismatch) {
			t.Fatalf("Register() error = %v, want ErrTypeMismatch", err)
		}
	})
}

func TestRefresh(t *testing.T) {
	ctx := t.Context()
	t.Run("OrderedInsert", func(t *testing.T) {
		tbl, src, sub, _ := newItems(t)
		if err := tbl.Refresh(ctx); err != nil {
			t.Fatal(err)
		}
		if got, want := keysOf(tbl), []key.Key{key.Must(1), key.Must(2)}; !slices.Equal(got, want) {
			t.Errorf("keys = %v, want %v", got, want)
		}
		if len(sub.events) != 2 {
			t.Errorf("events = %v", sub.events)
		}
		q := src.queries[0]
		if want := []string{"Id", "Name", "Qty"}; !slices.Equal(q.Columns, want) {
			t.Errorf("Columns = %v, want %v", q.Columns, want)
		}
		if len(q.OrderBy) != 1 || q.OrderBy[0].Column != "Id" || q.OrderBy[0].Desc {
			t.Errorf("OrderBy = %v", q.OrderBy)
		}
	})
	t.Run("Convergence", func(t *testing.T) {
		tbl, src, sub, _ := newItems(t)
		if err := tbl.Refresh(ctx); err != nil {
			t.Fatal(err)
		}
		src.rows = [][]any{{int64(2), "B2", int64(0)}, {int64(3), "C", int64(1)}}
		sub.events = nil
		if err := tbl.Refresh(ctx); err != nil {
			t.Fatal(err)
		}
		if got, want := keysOf(tbl), []key.Key{key.Must(2), key.Must(3)}; !slices.Equal(got, want) {
			t.Errorf("keys = %v, want %v", got, want)
		}
		want := []event{
			{"changed", key.Must(2), []int{1}},
			{"changed", key.Must(3), []int{0, 1, 2}},
			{"removed", key.Must(1), nil},
		}
		if !eventsEqual(sub.events, want) {
			t.Errorf("events = %v, want %v", sub.events, want)
		}
	})
	t.Run("QueryErrorKeepsRows", func(t *testing.T) {
		tbl, src, _, _ := newItems(t)
		if err := tbl.Refresh(ctx); err != nil {
			t.Fatal(err)
		}
		src.err = errors.New("boom")
		if err := tbl.Refresh(ctx); err == nil {
			t.Fatal("expected error")
		}
		if tbl.Len() != 2 {
			t.Errorf("Len() = %d, want 2", tbl.Len())
		}
	})
	t.Run("UnionFilter", func(t *testing.T) {
		tbl, src, sub, _ := newItems(t)
		sub.filter = filter.Compare(filter.OpGt, "Qty", int64(0))
		if err := tbl.Refresh(ctx); err != nil {
			t.Fatal(err)
		}
		if got, want := keysOf(tbl), []key.Key{key.Must(1)}; !slices.Equal(got, want) {
			t.Errorf("keys = %v, want %v", got, want)
		}
		other := &fakeSub{filter: filter.Eq("Id", int64(2))}
		if _, _, err := tbl.Register(itemSchema(t, "Qty"), other); err != nil {
			t.Fatal(err)
		}
		if err := tbl.Refresh(ctx); err != nil {
			t.Fatal(err)
		}
		if got := src.queries[len(src.queries)-1].Filter; got.Op != filter.OpOr || len(got.Operands) != 2 {
			t.Errorf("query filter = %s", got)
		}
		if tbl.Len() != 2 {
			t.Errorf("Len() = %d, want 2", tbl.Len())
		}
	})
}

func TestUpdateRow(t *testing.T) {
	tbl, _, sub, _ := newItems(t)
	if err := tbl.Refresh(t.Context()); err != nil {
		t.Fatal(err)
	}
	sub.events = nil
	qty, _ := tbl.FieldIndex("qty")
	id, _ := tbl.FieldIndex("Id")
	for i := range 2 {
		changed, err := tbl.UpdateRow([]int{id, qty}, []any{int64(2), int64(3)})
		if err != nil {
			t.Fatal(err)
		}
		if changed != (i == 0) {
			t.Errorf("application %d: changed = %t", i, changed)
		}
	}
	if want := []event{{"changed", key.Must(2), []int{2}}}; !eventsEqual(sub.events, want) {
		t.Errorf("events = %v, want %v", sub.events, want)
	}
	r, _ := tbl.Get(key.Must(2))
	if r.Value(qty) != int64(3) {
		t.Errorf("Qty = %v", r.Value(qty))
	}
	if _, err := tbl.UpdateRow([]int{id, qty}, []any{int64(9), int64(3)}); !errors.Is(err, ErrRowNotFound) {
		t.Errorf("UpdateRow(unknown) error = %v", err)
	}
	if _, err := tbl.UpdateRow([]int{qty}, []any{int64(3)}); !errors.Is(err, ErrMissingKey) {
		t.Errorf("UpdateRow(no key) error = %v", err)
	}
	if !tbl.DeleteRow(key.Must(2)) || tbl.DeleteRow(key.Must(2)) {
		t.Error("DeleteRow must report existence")
	}
	if last := sub.events[len(sub.events)-1]; last.kind != "removed" || last.key != key.Must(2) {
		t.Errorf("last event = %v", last)
	}
}

func TestUpdateRowNaN(t *testing.T) {
	tbl, _, sub, _ := newItems(t)
	if err := tbl.Refresh(t.Context()); err != nil {
		t.Fatal(err)
	}
	sub.events = nil
	qty, _ := tbl.FieldIndex("qty")
	id, _ := tbl.FieldIndex("Id")
	for i := range 2 {
		changed, err := tbl.UpdateRow([]int{id, qty}, []any{int64(1), math.NaN()})
		if err != nil {
			t.Fatal(err)
		}
		if changed != (i == 0) {
			t.Errorf("application %d: changed = %t", i, changed)
		}
	}
	if want := []event{{"changed", key.Must(1), []int{2}}}; !eventsEqual(sub.events, want) {
		t.Errorf("events = %v, want %v", sub.events, want)
	}
}

func TestRefreshKeys(t *testing.T) {
	tbl, src, sub, _ := newItems(t)
	ctx := t.Context()
	if err := tbl.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	src.rows = [][]any{{int64(1), "A", int64(7)}, {int64(3), "C", int64(1)}}
	sub.events = nil
	if err := tbl.RefreshKeys(ctx, []key.Key{key.Must(1), key.Must(2), key.Must(3)}); err != nil {
		t.Fatal(err)
	}
	if got, want := keysOf(tbl), []key.Key{key.Must(1), key.Must(3)}; !slices.Equal(got, want) {
		t.Errorf("keys = %v, want %v", got, want)
	}
	f := src.queries[len(src.queries)-1].Filter
	if f.Op != filter.OpIn || f.Column != "Id" || len(f.Values) != 3 {
		t.Errorf("key filter = %s", f)
	}
}

func TestPruneDeadSubscribers(t *testing.T) {
	tbl, src, sub, _ := newItems(t)
	ctx := t.Context()
	other := &fakeSub{}
	if _, _, err := tbl.Register(itemSchema(t, "Qty"), other); err != nil {
		t.Fatal(err)
	}
	sub.dead = true
	if n := tbl.Subscribers(); n != 1 {
		t.Fatalf("Subscribers() = %d, want 1", n)
	}
	if err := tbl.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if got, want := src.queries[0].Columns, []string{"Id", "Qty"}; !slices.Equal(got, want) {
		t.Errorf("Columns = %v, want %v", got, want)
	}
	if len(sub.events) != 0 {
		t.Errorf("dead subscriber got %v", sub.events)
	}
	// Reactivating Name reports added fields.
	if _, added, err := tbl.Register(itemSchema(t, "Name"), &fakeSub{}); err != nil || !added {
		t.Errorf("Register() = %t, %v", added, err)
	}
}

func TestCompositeKeyFilter(t *testing.T) {
	r := schema.NewRegistry()
	if err := r.Register(schema.Declaration{Name: "Line", Columns: []schema.Column{
		{Name: "OrderId", Type: schema.TypeInt, Primary: true},
		{Name: "Line", Type: schema.TypeInt, Primary: true},
	}}); err != nil {
		t.Fatal(err)
	}
	s, err := r.Get("Line")
	if err != nil {
		t.Fatal(err)
	}
	tbl := NewTable("Line", &fakeSource{}, nil)
	if _, _, err := tbl.Register(s, &fakeSub{}); err != nil {
		t.Fatal(err)
	}
	got := tbl.KeyFilter([]key.Key{key.Must(1, 2), key.Must(3, 4)}).String()
	want := "((OrderId = 1 AND Line = 2) OR (OrderId = 3 AND Line = 4))"
	if got != want {
		t.Errorf("KeyFilter() = %q, want %q", got, want)
	}
}

func eventsEqual(a, b []event) bool {
	return slices.EqualFunc(a, b, func(x, y event) bool {
		return x.kind == y.kind && x.key == y.key && slices.Equal(x.modified, y.modified)
	})
}
