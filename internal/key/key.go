// Package key implements the fixed-capacity composite key shared by table
// storage and views.
//
// A Key is used both as a map key (row identity) and as a sort key (row
// position in an ordered index). Keys are plain values: they are comparable
// with == once normalized by New.
package key

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// MaxArity is the largest number of values a Key can hold.
const MaxArity = 8

var (
	// ErrTooWide is returned when more than MaxArity values are supplied.
	ErrTooWide = errors.New("key has more than 8 values")
	// ErrArity is returned when keys of different lengths are compared.
	ErrArity = errors.New("key arity mismatch")
	// ErrUnsupported is returned for values that cannot be part of a key.
	ErrUnsupported = errors.New("unsupported key value")
)

// Key is an immutable ordered tuple of scalar values.
type Key struct {
	n    uint8
	vals [MaxArity]any
}

// New returns a Key holding the normalized values.
func New(values ...any) (Key, error) {
	var k Key
	if len(values) > MaxArity {
		return k, fmt.Errorf("%w: got %d", ErrTooWide, len(values))
	}
	for i, v := range values {
		n, err := Normalize(v)
		if err != nil {
			return Key{}, fmt.Errorf("position %d: %w", i, err)
		}
		k.vals[i] = n
	}
	k.n = uint8(len(values))
	return k, nil
}

// Must is like New but panics on error. It is meant for tests and literals.
func Must(values ...any) Key {
	k, err := New(values...)
	if err != nil {
		panic(err)
	}
	return k
}

// Len returns the number of values.
func (k Key) Len() int {
	return int(k.n)
}

// IsZero reports whether the key holds no value.
func (k Key) IsZero() bool {
	return k.n == 0
}

// At returns the i-th value.
func (k Key) At(i int) any {
	if i < 0 || i >= int(k.n) {
		panic(fmt.Sprintf("key index %d out of range [0:%d]", i, k.n))
	}
	return k.vals[i]
}

// Values returns a copy of the values.
func (k Key) Values() []any {
	out := make([]any, k.n)
	copy(out, k.vals[:k.n])
	return out
}

// Equal reports whether both keys hold the same values. Keys of different
// arity are never equal.
func (k Key) Equal(o Key) bool {
	return k == o
}

// Hash combines one hash per position with XOR. The position is mixed into
// each value hash so that permutations do not collide.
func (k Key) Hash() uint64 {
	var h uint64
	for i := range int(k.n) {
		h ^= xxhash.Sum64String(strconv.Itoa(i) + "\x00" + tag(k.vals[i]) + Format(k.vals[i]))
	}
	return h
}

// Compare orders k against o. w holds one +1 or -1 weight per position;
// missing weights are ascending.
func (k Key) Compare(o Key, w Weights) (int, error) {
	if k.n != o.n {
		return 0, fmt.Errorf("%w: %d != %d", ErrArity, k.n, o.n)
	}
	for i := range int(k.n) {
		c := CompareValues(k.vals[i], o.vals[i])
		if c == 0 {
			continue
		}
		if i < len(w) && w[i] < 0 {
			c = -c
		}
		return c, nil
	}
	return 0, nil
}

func (k Key) String() string {
	var b strings.Builder
	b.WriteByte('(')
	for i := range int(k.n) {
		if i != 0 {
			b.WriteString(", ")
		}
		if s, ok := k.vals[i].(string); ok {
			b.WriteString(strconv.Quote(s))
		} else {
			b.WriteString(Format(k.vals[i]))
		}
	}
	b.WriteByte(')')
	return b.String()
}

// Weights holds one +1 or -1 per key position. A nil Weights is ascending on
// every position.
type Weights []int

// Sortable is implemented by values that carry their own sort key, such as an
// entry of a view index.
type Sortable interface {
	SortKey() Key
}

// Comparer orders Keys and Sortables with a shared weight vector, so a probe
// Key can be searched for inside a slice of index entries.
type Comparer struct {
	Weights Weights
}

// Compare returns -1, 0 or 1. It panics with ErrArity if the operands have
// different arity or ErrUnsupported if one is neither a Key nor a Sortable.
func (c Comparer) Compare(a, b any) int {
	r, err := keyOf(a).Compare(keyOf(b), c.Weights)
	if err != nil {
		panic(err)
	}
	return r
}

func keyOf(v any) Key {
	switch t := v.(type) {
	case Key:
		return t
	case Sortable:
		return t.SortKey()
	default:
		panic(fmt.Errorf("%w: %T is not sortable", ErrUnsupported, v))
	}
}

// Normalize converts v to one of the canonical scalar types: nil, bool,
// int64, float64, string or time.Time (UTC, without monotonic reading).
func Normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil, bool, int64, string:
		return v, nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil, fmt.Errorf("%w: non-finite float %v", ErrUnsupported, t)
		}
		return t, nil
	case int:
		return int64(t), nil
	case int8:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case uint:
		if uint64(t) > math.MaxInt64 {
			return nil, fmt.Errorf("%w: %d overflows int64", ErrUnsupported, t)
		}
		return int64(t), nil
	case uint8:
		return int64(t), nil
	case uint16:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case uint64:
		if t > math.MaxInt64 {
			return nil, fmt.Errorf("%w: %d overflows int64", ErrUnsupported, t)
		}
		return int64(t), nil
	case float32:
		return Normalize(float64(t))
	case []byte:
		return string(t), nil
	case time.Time:
		return t.UTC().Round(0), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupported, v)
	}
}

// Same reports whether two normalized scalars are identical. Unlike ==, a
// NaN is the same as another NaN.
func Same(a, b any) bool {
	if x, ok := a.(float64); ok {
		if y, ok := b.(float64); ok {
			return x == y || (math.IsNaN(x) && math.IsNaN(y))
		}
	}
	return a == b
}

// CompareValues orders two normalized scalars. Values of different kinds are
// ordered nil < bool < number < string < time. Integers and floats compare
// numerically.
func CompareValues(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return cmp.Compare(ra, rb)
	}
	switch x := a.(type) {
	case nil:
		return 0
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		default:
			return 1
		}
	case int64:
		if y, ok := b.(int64); ok {
			return cmp.Compare(x, y)
		}
		return cmp.Compare(float64(x), b.(float64))
	case float64:
		if y, ok := b.(int64); ok {
			return cmp.Compare(x, float64(y))
		}
		return cmp.Compare(x, b.(float64))
	case string:
		return strings.Compare(x, b.(string))
	case time.Time:
		return x.Compare(b.(time.Time))
	}
	return 0
}

func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case int64, float64:
		return 2
	case string:
		return 3
	case time.Time:
		return 4
	default:
		return 5
	}
}

func tag(v any) string {
	switch v.(type) {
	case nil:
		return "n"
	case bool:
		return "b"
	case int64:
		return "i"
	case float64:
		return "f"
	case string:
		return "s"
	case time.Time:
		return "t"
	default:
		return "?"
	}
}

// Format renders a normalized scalar as text. nil renders as the empty string.
func Format(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case string:
		return t
	case time.Time:
		return t.Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(v)
	}
}
