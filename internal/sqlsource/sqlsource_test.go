package sqlsource

import (
	"errors"
	"os"
	"slices"
	"testing"
	"time"

	"github.com/maruel/tabsync/internal/filter"
	"github.com/maruel/tabsync/internal/query"
	"github.com/maruel/tabsync/internal/schema"
)

func TestRender(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := []struct {
		name string
		f    filter.Filter
		want string
		args []any
	}{
		{"True", filter.True(), "SELECT `Id`, `Name` FROM `Item` ORDER BY `Id`", nil},
		{"Eq", filter.Eq("Name", "a"), "SELECT `Id`, `Name` FROM `Item` WHERE COALESCE(`Name` = ?, FALSE) ORDER BY `Id`", []any{"a"}},
		{"EqNull", filter.Eq("Name", nil), "SELECT `Id`, `Name` FROM `Item` WHERE `Name` IS NULL ORDER BY `Id`", nil},
		{"NeNull", filter.Compare(filter.OpNe, "Name", nil), "SELECT `Id`, `Name` FROM `Item` WHERE `Name` IS NOT NULL ORDER BY `Id`", nil},
		{"LtNull", filter.Compare(filter.OpLt, "Qty", nil), "SELECT `Id`, `Name` FROM `Item` WHERE FALSE ORDER BY `Id`", nil},
		{"Ge", filter.Compare(filter.OpGe, "At", at), "SELECT `Id`, `Name` FROM `Item` WHERE COALESCE(`At` >= ?, FALSE) ORDER BY `Id`", []any{at}},
		{"In", filter.In("Id", int64(1), nil, int64(3)), "SELECT `Id`, `Name` FROM `Item` WHERE COALESCE(`Id` IN (?, ?), FALSE) ORDER BY `Id`", []any{int64(1), int64(3)}},
		{"InEmpty", filter.In("Id"), "SELECT `Id`, `Name` FROM `Item` WHERE FALSE ORDER BY `Id`", nil},
		{"NotIn", filter.NotIn("Id", int64(2)), "SELECT `Id`, `Name` FROM `Item` WHERE COALESCE(`Id` NOT IN (?), FALSE) ORDER BY `Id`", []any{int64(2)}},
		{"NotInEmpty", filter.NotIn("Id"), "SELECT `Id`, `Name` FROM `Item` WHERE `Id` IS NOT NULL ORDER BY `Id`", nil},
		{"None", filter.None(), "SELECT `Id`, `Name` FROM `Item` WHERE FALSE ORDER BY `Id`", nil},
		{
			"Nested",
			filter.And(filter.Eq("Id", int64(1)), filter.Nor(filter.Eq("Name", "x"), filter.Eq("Name", "y"))),
			"SELECT `Id`, `Name` FROM `Item` WHERE (COALESCE(`Id` = ?, FALSE) AND NOT (COALESCE(`Name` = ?, FALSE) OR COALESCE(`Name` = ?, FALSE))) ORDER BY `Id`",
			[]any{int64(1), "x", "y"},
		},
		{"Nand", filter.Nand(), "SELECT `Id`, `Name` FROM `Item` WHERE NOT TRUE ORDER BY `Id`", nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			q := &query.Query{Table: "Item", Columns: []string{"Id", "Name"}, Filter: tc.f, OrderBy: []query.Order{{Column: "Id"}}}
			got, args, err := Render(q)
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Errorf("got  %s\nwant %s", got, tc.want)
			}
			if !slices.Equal(args, tc.args) {
				t.Errorf("args = %v, want %v", args, tc.args)
			}
		})
	}
}

func TestRenderErrors(t *testing.T) {
	if _, _, err := Render(&query.Query{Columns: []string{"a"}}); !errors.Is(err, filter.ErrInvalidFilter) {
		t.Fatalf("got %v", err)
	}
	if _, _, err := Render(&query.Query{Table: "t"}); !errors.Is(err, filter.ErrInvalidFilter) {
		t.Fatalf("got %v", err)
	}
	_, _, err := Render(&query.Query{Table: "t", Columns: []string{"a"}, Filter: filter.Filter{Op: "xor"}})
	if !errors.Is(err, filter.ErrInvalidFilter) {
		t.Fatalf("got %v", err)
	}
}

func TestQuote(t *testing.T) {
	if got := quote("we`ird"); got != "`we``ird`" {
		t.Fatal(got)
	}
	q := &query.Query{Table: "Order", Columns: []string{"Id"}, OrderBy: []query.Order{{Column: "Id", Desc: true}, {Column: "At"}}}
	got, _, err := Render(q)
	if err != nil {
		t.Fatal(err)
	}
	if want := "SELECT `Id` FROM `Order` ORDER BY `Id` DESC, `At`"; got != want {
		t.Fatalf("got %s", got)
	}
}

// TestQueryMySQL runs against a live database named by TABSYNC_MYSQL_DSN.
func TestQueryMySQL(t *testing.T) {
	dsn := os.Getenv("TABSYNC_MYSQL_DSN")
	if dsn == "" {
		t.Skip("TABSYNC_MYSQL_DSN is not set")
	}
	s, err := Open(dsn, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.Ping(t.Context()); err != nil {
		t.Fatal(err)
	}
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS tabsync_item",
		"CREATE TABLE tabsync_item (Id BIGINT PRIMARY KEY, Name VARCHAR(32) NULL)",
		"INSERT INTO tabsync_item VALUES (1, 'a'), (2, NULL), (3, 'c')",
	} {
		if _, err := s.db.ExecContext(t.Context(), stmt); err != nil {
			t.Fatal(err)
		}
	}
	q := &query.Query{
		Table:   "tabsync_item",
		Columns: []string{"Id", "Name"},
		Filter:  filter.Nand(filter.Eq("Name", "a")),
		OrderBy: []query.Order{{Column: "Id"}},
	}
	var ids []int64
	for rec, err := range s.Query(t.Context(), q) {
		if err != nil {
			t.Fatal(err)
		}
		// Integers may be scanned as text depending on the protocol.
		id, err := schema.TypeInt.Coerce(rec[0])
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id.(int64))
	}
	if !slices.Equal(ids, []int64{2, 3}) {
		t.Fatalf("ids = %v", ids)
	}
}
