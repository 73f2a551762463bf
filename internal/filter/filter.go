// Package filter implements the small filter algebra used by views: column
// comparisons, in/not in, logical combinations and the always-true filter.
//
// A Filter is plain data so it can be read from YAML, sent to the server as
// JSON and combined with other filters. Before use it is normalized against a
// [Resolver], which maps operand names to canonical server column names and
// coerces values to the column type, and compiled into a [Predicate].
package filter

import (
	"errors"
	"fmt"
	"strings"

	"github.com/maruel/tabsync/internal/key"
	"github.com/maruel/tabsync/internal/schema"
)

// Op is a filter operator.
type Op string

const (
	// OpTrue matches every row. It is the zero value.
	OpTrue  Op = ""
	OpEq    Op = "eq"
	OpNe    Op = "ne"
	OpLt    Op = "lt"
	OpLe    Op = "le"
	OpGt    Op = "gt"
	OpGe    Op = "ge"
	OpIn    Op = "in"
	OpNotIn Op = "not_in"
	OpAnd   Op = "and"
	OpOr    Op = "or"
	OpNand  Op = "nand"
	OpNor   Op = "nor"
)

var (
	// ErrUnresolvedColumn is returned when an operand names no column.
	ErrUnresolvedColumn = errors.New("unresolved filter column")
	// ErrInvalidFilter is returned for structurally invalid filters.
	ErrInvalidFilter = errors.New("invalid filter")
)

// Filter is one node of a filter tree. The zero value matches everything.
type Filter struct {
	Op       Op       `yaml:"op,omitempty" json:"op,omitempty"`
	Column   string   `yaml:"column,omitempty" json:"column,omitempty"`
	Value    any      `yaml:"value,omitempty" json:"value,omitempty"`
	Values   []any    `yaml:"values,omitempty" json:"values,omitempty"`
	Operands []Filter `yaml:"operands,omitempty" json:"operands,omitempty"`
}

// True returns the filter matching every row.
func True() Filter {
	return Filter{}
}

// Compare returns a comparison of column against v.
func Compare(op Op, column string, v any) Filter {
	return Filter{Op: op, Column: column, Value: v}
}

// Eq returns column == v.
func Eq(column string, v any) Filter {
	return Compare(OpEq, column, v)
}

// In returns a filter matching rows whose column is one of values. With no
// values it matches nothing.
func In(column string, values ...any) Filter {
	return Filter{Op: OpIn, Column: column, Values: values}
}

// NotIn returns the negation of In.
func NotIn(column string, values ...any) Filter {
	return Filter{Op: OpNotIn, Column: column, Values: values}
}

// And returns the conjunction of operands.
func And(operands ...Filter) Filter {
	return Filter{Op: OpAnd, Operands: operands}
}

// Or returns the disjunction of operands. With no operand it matches nothing.
func Or(operands ...Filter) Filter {
	return Filter{Op: OpOr, Operands: operands}
}

// Nand returns the negated conjunction of operands.
func Nand(operands ...Filter) Filter {
	return Filter{Op: OpNand, Operands: operands}
}

// Nor returns the negated disjunction of operands.
func Nor(operands ...Filter) Filter {
	return Filter{Op: OpNor, Operands: operands}
}

// None returns a filter matching nothing.
func None() Filter {
	return Or()
}

// IsTrue reports whether f is the always-true filter.
func (f *Filter) IsTrue() bool {
	return f.Op == OpTrue
}

// IsNone reports whether f is the empty disjunction.
func (f *Filter) IsNone() bool {
	return f.Op == OpOr && len(f.Operands) == 0
}

// IsLogical reports whether f combines operands.
func (f *Filter) IsLogical() bool {
	switch f.Op {
	case OpAnd, OpOr, OpNand, OpNor:
		return true
	}
	return false
}

// Validate checks the structure of f without resolving columns.
func (f *Filter) Validate() error {
	switch f.Op {
	case OpTrue:
		return nil
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe, OpIn, OpNotIn:
		if f.Column == "" {
			return fmt.Errorf("%w: %s requires a column", ErrInvalidFilter, f.Op)
		}
		if len(f.Operands) != 0 {
			return fmt.Errorf("%w: %s takes no operand", ErrInvalidFilter, f.Op)
		}
		return nil
	case OpAnd, OpOr, OpNand, OpNor:
		if f.Column != "" {
			return fmt.Errorf("%w: %s takes no column", ErrInvalidFilter, f.Op)
		}
		for i := range f.Operands {
			if err := f.Operands[i].Validate(); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown operator %q", ErrInvalidFilter, f.Op)
	}
}

// Union returns the disjunction of already normalized filters, collapsing to
// True as soon as one of them is True.
func Union(filters ...Filter) Filter {
	out := Filter{Op: OpOr}
	for _, f := range filters {
		switch {
		case f.IsTrue():
			return True()
		case f.IsNone():
		case f.Op == OpOr:
			out.Operands = append(out.Operands, f.Operands...)
		default:
			out.Operands = append(out.Operands, f)
		}
	}
	if len(out.Operands) == 1 {
		return out.Operands[0]
	}
	return out
}

// Intersect returns the conjunction of already normalized filters, dropping
// True operands.
func Intersect(filters ...Filter) Filter {
	out := Filter{Op: OpAnd}
	for _, f := range filters {
		switch {
		case f.IsTrue():
		case f.IsNone():
			return None()
		case f.Op == OpAnd:
			out.Operands = append(out.Operands, f.Operands...)
		default:
			out.Operands = append(out.Operands, f)
		}
	}
	switch len(out.Operands) {
	case 0:
		return True()
	case 1:
		return out.Operands[0]
	}
	return out
}

var opText = map[Op]string{
	OpEq: "=", OpNe: "<>", OpLt: "<", OpLe: "<=", OpGt: ">", OpGe: ">=",
	OpIn: "IN", OpNotIn: "NOT IN", OpAnd: "AND", OpOr: "OR", OpNand: "AND", OpNor: "OR",
}

func (f Filter) String() string {
	switch f.Op {
	case OpTrue:
		return "TRUE"
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		return f.Column + " " + opText[f.Op] + " " + literal(f.Value)
	case OpIn, OpNotIn:
		parts := make([]string, len(f.Values))
		for i, v := range f.Values {
			parts[i] = literal(v)
		}
		return f.Column + " " + opText[f.Op] + " (" + strings.Join(parts, ", ") + ")"
	default:
		if f.IsNone() {
			return "FALSE"
		}
		parts := make([]string, len(f.Operands))
		for i := range f.Operands {
			parts[i] = f.Operands[i].String()
		}
		s := "(" + strings.Join(parts, " "+opText[f.Op]+" ") + ")"
		if f.Op == OpNand || f.Op == OpNor {
			s = "NOT " + s
		}
		return s
	}
}

func literal(v any) string {
	switch t := v.(type) {
	case nil:
		return "NULL"
	case string:
		return "'" + strings.ReplaceAll(t, "'", "''") + "'"
	default:
		if n, err := key.Normalize(v); err == nil {
			return key.Format(n)
		}
		return fmt.Sprint(v)
	}
}

// Column is a resolved operand.
type Column struct {
	// Name is the canonical server column name.
	Name string
	// Index is the position used by the compiled predicate's Accessor.
	Index int
	Type  schema.ColumnType
}

// Resolver maps operand names to columns.
type Resolver interface {
	ResolveColumn(name string) (Column, bool)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(name string) (Column, bool)

// ResolveColumn implements Resolver.
func (f ResolverFunc) ResolveColumn(name string) (Column, bool) {
	return f(name)
}

// Normalize returns f with every operand resolved to its canonical column
// name and every value coerced to the column type. Logical nodes are
// simplified. An unresolved operand is an error.
func Normalize(f Filter, r Resolver) (Filter, error) {
	if err := f.Validate(); err != nil {
		return Filter{}, err
	}
	n, _, err := resolve(f, r)
	return n, err
}
