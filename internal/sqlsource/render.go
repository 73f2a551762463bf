package sqlsource

import (
	"fmt"
	"strings"

	"github.com/maruel/tabsync/internal/filter"
	"github.com/maruel/tabsync/internal/query"
)

// quote returns a MySQL quoted identifier.
func quote(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// Render returns the parameterized SELECT statement of q.
//
// Every comparison is wrapped in COALESCE(..., FALSE) so that the statement
// evaluates with two-valued logic: a null column never matches a comparison,
// including under NOT, the same way compiled filters behave.
func Render(q *query.Query) (string, []any, error) {
	if q.Table == "" {
		return "", nil, fmt.Errorf("%w: no table", filter.ErrInvalidFilter)
	}
	if len(q.Columns) == 0 {
		return "", nil, fmt.Errorf("%w: no column selected from %s", filter.ErrInvalidFilter, q.Table)
	}
	var b strings.Builder
	b.WriteString("SELECT ")
	for i, c := range q.Columns {
		if i != 0 {
			b.WriteString(", ")
		}
		b.WriteString(quote(c))
	}
	b.WriteString(" FROM ")
	b.WriteString(quote(q.Table))
	var args []any
	if !q.Filter.IsTrue() {
		b.WriteString(" WHERE ")
		if err := where(&b, &args, &q.Filter); err != nil {
			return "", nil, err
		}
	}
	for i, o := range q.OrderBy {
		if i == 0 {
			b.WriteString(" ORDER BY ")
		} else {
			b.WriteString(", ")
		}
		b.WriteString(quote(o.Column))
		if o.Desc {
			b.WriteString(" DESC")
		}
	}
	return b.String(), args, nil
}

var comparators = map[filter.Op]string{
	filter.OpEq: "=",
	filter.OpNe: "<>",
	filter.OpLt: "<",
	filter.OpLe: "<=",
	filter.OpGt: ">",
	filter.OpGe: ">=",
}

func where(b *strings.Builder, args *[]any, f *filter.Filter) error {
	switch f.Op {
	case filter.OpTrue:
		b.WriteString("TRUE")
	case filter.OpEq, filter.OpNe, filter.OpLt, filter.OpLe, filter.OpGt, filter.OpGe:
		col := quote(f.Column)
		switch {
		case f.Value == nil && f.Op == filter.OpEq:
			b.WriteString(col + " IS NULL")
		case f.Value == nil && f.Op == filter.OpNe:
			b.WriteString(col + " IS NOT NULL")
		case f.Value == nil:
			b.WriteString("FALSE")
		default:
			fmt.Fprintf(b, "COALESCE(%s %s ?, FALSE)", col, comparators[f.Op])
			*args = append(*args, f.Value)
		}
	case filter.OpIn, filter.OpNotIn:
		var values []any
		for _, v := range f.Values {
			if v != nil {
				values = append(values, v)
			}
		}
		col := quote(f.Column)
		switch {
		case len(values) == 0 && f.Op == filter.OpIn:
			b.WriteString("FALSE")
		case len(values) == 0:
			b.WriteString(col + " IS NOT NULL")
		default:
			op := "IN"
			if f.Op == filter.OpNotIn {
				op = "NOT IN"
			}
			fmt.Fprintf(b, "COALESCE(%s %s (%s), FALSE)", col, op, strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", "))
			*args = append(*args, values...)
		}
	case filter.OpAnd, filter.OpOr, filter.OpNand, filter.OpNor:
		join, empty := " AND ", "TRUE"
		if f.Op == filter.OpOr || f.Op == filter.OpNor {
			join, empty = " OR ", "FALSE"
		}
		if f.Op == filter.OpNand || f.Op == filter.OpNor {
			b.WriteString("NOT ")
		}
		if len(f.Operands) == 0 {
			b.WriteString(empty)
			return nil
		}
		b.WriteString("(")
		for i := range f.Operands {
			if i != 0 {
				b.WriteString(join)
			}
			if err := where(b, args, &f.Operands[i]); err != nil {
				return err
			}
		}
		b.WriteString(")")
	default:
		return fmt.Errorf("%w: unknown operator %q", filter.ErrInvalidFilter, f.Op)
	}
	return nil
}
