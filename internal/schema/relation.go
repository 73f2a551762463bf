// Process-wide interning of relation descriptors.

package schema

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/maruel/tabsync/internal/key"
)

// Relation maps a parent row's primary key to the matching columns of a
// child row. Relations are interned: compare them with ==.
type Relation struct {
	Parent        *Schema
	ParentColumns []int
	Child         *Schema
	ChildColumns  []int

	hash uint64
}

// ParentKey returns the parent key referenced by a child row given in the
// child schema column order.
func (r *Relation) ParentKey(child func(col int) any) (key.Key, error) {
	var vals [key.MaxArity]any
	for i, c := range r.ChildColumns {
		vals[i] = child(c)
	}
	return key.New(vals[:len(r.ChildColumns)]...)
}

// ChildColumnNames returns the server names of the child columns.
func (r *Relation) ChildColumnNames() []string {
	out := make([]string, len(r.ChildColumns))
	for i, c := range r.ChildColumns {
		out[i] = r.Child.Columns[c].Name
	}
	return out
}

func (r *Relation) String() string {
	return fmt.Sprintf("%s%v->%s%v", r.Parent.Name, r.ParentColumns, r.Child.Name, r.ChildColumns)
}

func (r *Relation) same(o *Relation) bool {
	return r.Parent == o.Parent && r.Child == o.Child &&
		slices.Equal(r.ParentColumns, o.ParentColumns) && slices.Equal(r.ChildColumns, o.ChildColumns)
}

func relationHash(parent *Schema, parentCols []int, child *Schema, childCols []int) uint64 {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(parent.id, 10))
	for _, c := range parentCols {
		b.WriteByte(',')
		b.WriteString(strconv.Itoa(c))
	}
	b.WriteByte('|')
	b.WriteString(strconv.FormatUint(child.id, 10))
	for _, c := range childCols {
		b.WriteByte(',')
		b.WriteString(strconv.Itoa(c))
	}
	return xxhash.Sum64String(b.String())
}

// relationSet is kept sorted by hash.
type relationSet struct {
	mu    sync.Mutex
	items []*Relation
}

var relations relationSet

// InternRelation returns the unique Relation for the tuple, allocating it on
// first use. It is safe for concurrent use.
func InternRelation(parent *Schema, parentCols []int, child *Schema, childCols []int) *Relation {
	return relations.intern(&Relation{
		Parent:        parent,
		ParentColumns: slices.Clone(parentCols),
		Child:         child,
		ChildColumns:  slices.Clone(childCols),
		hash:          relationHash(parent, parentCols, child, childCols),
	})
}

func (s *relationSet) intern(r *Relation) *Relation {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, _ := slices.BinarySearchFunc(s.items, r.hash, func(e *Relation, h uint64) int {
		switch {
		case e.hash < h:
			return -1
		case e.hash > h:
			return 1
		}
		return 0
	})
	for j := i; j < len(s.items) && s.items[j].hash == r.hash; j++ {
		if s.items[j].same(r) {
			return s.items[j]
		}
	}
	s.items = slices.Insert(s.items, i, r)
	return r
}
