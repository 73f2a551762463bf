package filter

import (
	"errors"
	"strings"
	"testing"

	"github.com/maruel/tabsync/internal/schema"
)

// itemResolver resolves the columns (Id, Name, Qty) with the property
// "Quantity" bound to Qty.
var itemResolver = ResolverFunc(func(name string) (Column, bool) {
	switch strings.ToLower(name) {
	case "id":
		return Column{Name: "Id", Index: 0, Type: schema.TypeInt}, true
	case "name":
		return Column{Name: "Name", Index: 1, Type: schema.TypeString}, true
	case "qty", "quantity":
		return Column{Name: "Qty", Index: 2, Type: schema.TypeInt}, true
	}
	return Column{}, false
})

func TestCompile(t *testing.T) {
	rows := [][]any{
		{int64(1), "A", int64(5)},
		{int64(2), "B", int64(0)},
		{int64(3), "C", nil},
	}
	tests := []struct {
		name string
		f    Filter
		want []bool
	}{
		{"True", True(), []bool{true, true, true}},
		{"Gt", Compare(OpGt, "quantity", 0), []bool{true, false, false}},
		{"Le", Compare(OpLe, "qty", 5), []bool{true, true, false}},
		{"EqNil", Eq("Qty", nil), []bool{false, false, true}},
		{"NeNil", Compare(OpNe, "Qty", nil), []bool{true, true, false}},
		{"In", In("Name", "A", "C"), []bool{true, false, true}},
		{"InEmpty", In("Name"), []bool{false, false, false}},
		{"NotIn", NotIn("Id", 1), []bool{false, true, true}},
		{"And", And(Compare(OpGe, "Id", 2), Eq("Name", "B")), []bool{false, true, false}},
		{"Or", Or(Eq("Id", 1), Eq("Id", 3)), []bool{true, false, true}},
		{"Nand", Nand(Eq("Id", 1), Eq("Name", "A")), []bool{false, true, true}},
		{"Nor", Nor(Eq("Id", 1), Eq("Id", 3)), []bool{false, true, false}},
		{"None", None(), []bool{false, false, false}},
		{"StringValue", Eq("Id", "2"), []bool{false, true, false}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, _, err := Compile(tc.f, itemResolver)
			if err != nil {
				t.Fatal(err)
			}
			for i, row := range rows {
				if got := p.Match(row); got != tc.want[i] {
					t.Errorf("%s on %v = %t, want %t", tc.f, row, got, tc.want[i])
				}
			}
		})
	}
}

// crossedResolver binds property "b" to column a and property "c" to column
// b, properties being looked up before column names.
var crossedResolver = ResolverFunc(func(name string) (Column, bool) {
	cols := []Column{
		{Name: "Id", Index: 0, Type: schema.TypeInt},
		{Name: "a", Index: 1, Type: schema.TypeInt},
		{Name: "b", Index: 2, Type: schema.TypeInt},
	}
	switch name {
	case "b":
		return cols[1], true
	case "c":
		return cols[2], true
	}
	for _, c := range cols {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Column{}, false
})

func TestCompileCrossedNames(t *testing.T) {
	p, n, err := Compile(And(Eq("c", 7), Compare(OpGe, "Id", 1)), crossedResolver)
	if err != nil {
		t.Fatal(err)
	}
	if got := n.String(); got != "(b = 7 AND Id >= 1)" {
		t.Errorf("normalized = %q", got)
	}
	if !p.Match([]any{int64(1), int64(0), int64(7)}) {
		t.Error("row with b = 7 rejected")
	}
	if p.Match([]any{int64(2), int64(7), int64(0)}) {
		t.Error("row with a = 7 accepted")
	}
}

func TestNormalize(t *testing.T) {
	t.Run("CanonicalNames", func(t *testing.T) {
		n, err := Normalize(And(True(), Compare(OpGt, "quantity", 0)), itemResolver)
		if err != nil {
			t.Fatal(err)
		}
		if n.Op != OpGt || n.Column != "Qty" || n.Value != int64(0) {
			t.Errorf("Normalize() = %#v", n)
		}
	})
	t.Run("Unresolved", func(t *testing.T) {
		_, err := Normalize(Or(Eq("Id", 1), Eq("Missing", 1)), itemResolver)
		if !errors.Is(err, ErrUnresolvedColumn) {
			t.Fatalf("Normalize() error = %v, want ErrUnresolvedColumn", err)
		}
	})
	t.Run("BadValue", func(t *testing.T) {
		if _, err := Normalize(Eq("Id", "x"), itemResolver); !errors.Is(err, ErrInvalidFilter) {
			t.Fatalf("Normalize() error = %v, want ErrInvalidFilter", err)
		}
	})
	t.Run("Invalid", func(t *testing.T) {
		if _, err := Normalize(Filter{Op: "like", Column: "Name"}, itemResolver); !errors.Is(err, ErrInvalidFilter) {
			t.Fatalf("Normalize() error = %v", err)
		}
		if _, err := Normalize(Filter{Op: OpEq}, itemResolver); !errors.Is(err, ErrInvalidFilter) {
			t.Fatalf("Normalize() error = %v", err)
		}
	})
}

func TestUnion(t *testing.T) {
	a := Eq("Id", int64(1))
	b := Eq("Id", int64(2))
	if got := Union(a, True()); !got.IsTrue() {
		t.Errorf("Union with True = %s", got)
	}
	if got := Union(a, None()); got.Op != OpEq {
		t.Errorf("Union(a, None) = %s", got)
	}
	if got := Union(Union(a, b), a); len(got.Operands) != 3 {
		t.Errorf("Union flattening = %s", got)
	}
	if got := Union(); !got.IsNone() {
		t.Errorf("Union() = %s", got)
	}
	if got := Intersect(a, None()); !got.IsNone() {
		t.Errorf("Intersect with None = %s", got)
	}
	if got := Intersect(); !got.IsTrue() {
		t.Errorf("Intersect() = %s", got)
	}
}

func TestString(t *testing.T) {
	f := Nor(Eq("Name", "O'Brien"), In("Id", int64(1), int64(2)))
	want := "NOT (Name = 'O''Brien' OR Id IN (1, 2))"
	if got := f.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
