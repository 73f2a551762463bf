// Compiles normalized filters into row predicates.

package filter

import (
	"fmt"

	"github.com/maruel/tabsync/internal/key"
)

// Accessor exposes the values of one row by column index.
type Accessor interface {
	Value(i int) any
}

// Predicate reports whether a row matches.
type Predicate func(Accessor) bool

// Compile normalizes f and returns its predicate. Column indexes passed to
// the Accessor are the Column.Index reported by r.
//
// Comparisons follow SQL null semantics: a null row value only matches
// "eq nil", and "ne nil" matches every non-null value.
func Compile(f Filter, r Resolver) (Predicate, Filter, error) {
	if err := f.Validate(); err != nil {
		return nil, Filter{}, err
	}
	n, p, err := resolve(f, r)
	if err != nil {
		return nil, Filter{}, err
	}
	return p, n, nil
}

// resolve looks up every operand once and builds both the normalized filter
// and its predicate from that single lookup. Normalized names are not
// resolved again: a logical property may collide with another column's
// server name.
func resolve(f Filter, r Resolver) (Filter, Predicate, error) {
	switch f.Op {
	case OpTrue:
		return True(), func(Accessor) bool { return true }, nil
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		c, ok := r.ResolveColumn(f.Column)
		if !ok {
			return Filter{}, nil, fmt.Errorf("%w: %q", ErrUnresolvedColumn, f.Column)
		}
		v, err := c.Type.Coerce(f.Value)
		if err != nil {
			return Filter{}, nil, fmt.Errorf("%w: %s: %w", ErrInvalidFilter, f.Column, err)
		}
		op, idx := f.Op, c.Index
		return Filter{Op: op, Column: c.Name, Value: v}, func(a Accessor) bool {
			return matches(op, a.Value(idx), v)
		}, nil
	case OpIn, OpNotIn:
		c, ok := r.ResolveColumn(f.Column)
		if !ok {
			return Filter{}, nil, fmt.Errorf("%w: %q", ErrUnresolvedColumn, f.Column)
		}
		n := Filter{Op: f.Op, Column: c.Name, Values: make([]any, len(f.Values))}
		for i, v := range f.Values {
			cv, err := c.Type.Coerce(v)
			if err != nil {
				return Filter{}, nil, fmt.Errorf("%w: %s: %w", ErrInvalidFilter, f.Column, err)
			}
			n.Values[i] = cv
		}
		values, idx, negate := n.Values, c.Index, f.Op == OpNotIn
		return n, func(a Accessor) bool {
			v := a.Value(idx)
			if v == nil {
				return false
			}
			for _, w := range values {
				if w != nil && key.CompareValues(v, w) == 0 {
					return !negate
				}
			}
			return negate
		}, nil
	}
	ops := make([]Filter, len(f.Operands))
	preds := make([]Predicate, len(f.Operands))
	for i := range f.Operands {
		n, p, err := resolve(f.Operands[i], r)
		if err != nil {
			return Filter{}, nil, err
		}
		ops[i], preds[i] = n, p
	}
	switch f.Op {
	case OpAnd:
		return Intersect(ops...), func(a Accessor) bool { return all(preds, a) }, nil
	case OpNand:
		return Filter{Op: f.Op, Operands: ops}, func(a Accessor) bool { return !all(preds, a) }, nil
	case OpOr:
		return Union(ops...), func(a Accessor) bool { return anyOf(preds, a) }, nil
	case OpNor:
		return Filter{Op: f.Op, Operands: ops}, func(a Accessor) bool { return !anyOf(preds, a) }, nil
	}
	return Filter{}, nil, fmt.Errorf("%w: unknown operator %q", ErrInvalidFilter, f.Op)
}

func all(preds []Predicate, a Accessor) bool {
	for _, p := range preds {
		if !p(a) {
			return false
		}
	}
	return true
}

func anyOf(preds []Predicate, a Accessor) bool {
	for _, p := range preds {
		if p(a) {
			return true
		}
	}
	return false
}

func matches(op Op, v, want any) bool {
	if want == nil {
		switch op {
		case OpEq:
			return v == nil
		case OpNe:
			return v != nil
		}
		return false
	}
	if v == nil {
		return false
	}
	c := key.CompareValues(v, want)
	switch op {
	case OpEq:
		return c == 0
	case OpNe:
		return c != 0
	case OpLt:
		return c < 0
	case OpLe:
		return c <= 0
	case OpGt:
		return c > 0
	case OpGe:
		return c >= 0
	}
	return false
}

// Match evaluates an already compiled predicate over a plain value slice.
func (p Predicate) Match(values []any) bool {
	return p(sliceAccessor(values))
}

type sliceAccessor []any

func (s sliceAccessor) Value(i int) any {
	if i < 0 || i >= len(s) {
		return nil
	}
	return s[i]
}
