package schema

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/maruel/tabsync/internal/key"
)

var (
	// ErrInvalidSchema wraps every declaration error.
	ErrInvalidSchema = errors.New("invalid schema")
	// ErrNoPrimaryKey is returned when a declaration has no primary column.
	ErrNoPrimaryKey = errors.New("no primary key column")
	// ErrUnknownSchema is returned for names that were never registered.
	ErrUnknownSchema = errors.New("unknown schema")
	// ErrUnknownRelation is returned by Schema.Relation.
	ErrUnknownRelation = errors.New("unknown relation")
)

// Column describes one column of a row type.
type Column struct {
	// Name is the server column name.
	Name string     `yaml:"name" json:"name"`
	Type ColumnType `yaml:"type" json:"type"`
	// Property is the optional logical property the column is bound to.
	Property string `yaml:"property,omitempty" json:"property,omitempty"`
	Primary  bool   `yaml:"primary,omitempty" json:"primary,omitempty"`
}

// RelationKind selects the direction of a relation declaration.
type RelationKind string

const (
	// Parent: Columns are this row's columns holding the target's primary key.
	Parent RelationKind = "parent"
	// Child: Columns are the target's columns equal to this row's primary key.
	Child RelationKind = "child"
)

// RelationDecl declares a named relation to another row type.
type RelationDecl struct {
	Name    string       `yaml:"name" json:"name"`
	Kind    RelationKind `yaml:"kind" json:"kind"`
	Target  string       `yaml:"target" json:"target"`
	Columns []string     `yaml:"columns" json:"columns"`
}

// Declaration is the registration record a row type provides at startup.
type Declaration struct {
	Name string `yaml:"name" json:"name"`
	// Table is the server table name. Defaults to Name.
	Table     string         `yaml:"table,omitempty" json:"table,omitempty"`
	Columns   []Column       `yaml:"columns" json:"columns"`
	Relations []RelationDecl `yaml:"relations,omitempty" json:"relations,omitempty"`
}

// Schema is the resolved form of a Declaration. It is immutable once
// returned by a Registry.
type Schema struct {
	Name    string
	Table   string
	Columns []Column
	// Primary holds the indexes in Columns of the primary key, in
	// declaration order.
	Primary []int

	id        uint64
	relations map[string]*Relation
}

func newSchema(d *Declaration, id uint64) (*Schema, error) {
	if d.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidSchema)
	}
	s := &Schema{
		Name:      d.Name,
		Table:     d.Table,
		Columns:   slices.Clone(d.Columns),
		id:        id,
		relations: map[string]*Relation{},
	}
	if s.Table == "" {
		s.Table = d.Name
	}
	if len(s.Columns) == 0 {
		return nil, fmt.Errorf("%w: %s has no column", ErrInvalidSchema, d.Name)
	}
	seen := map[string]bool{}
	for i, c := range s.Columns {
		if c.Name == "" {
			return nil, fmt.Errorf("%w: %s column %d has no name", ErrInvalidSchema, d.Name, i)
		}
		n := strings.ToLower(c.Name)
		if seen[n] {
			return nil, fmt.Errorf("%w: %s has duplicate column %q", ErrInvalidSchema, d.Name, c.Name)
		}
		seen[n] = true
		if !c.Type.Valid() {
			return nil, fmt.Errorf("%w: %s column %q has invalid type %q", ErrInvalidSchema, d.Name, c.Name, c.Type)
		}
		if c.Primary {
			s.Primary = append(s.Primary, i)
		}
	}
	if len(s.Primary) == 0 {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidSchema, d.Name, ErrNoPrimaryKey)
	}
	if len(s.Primary) > key.MaxArity {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidSchema, d.Name, key.ErrTooWide)
	}
	return s, nil
}

// Resolve returns the index of the column named by name. The logical
// property name is tried first, then a case-insensitive column name match.
func (s *Schema) Resolve(name string) (int, bool) {
	for i := range s.Columns {
		if s.Columns[i].Property != "" && s.Columns[i].Property == name {
			return i, true
		}
	}
	for i := range s.Columns {
		if strings.EqualFold(s.Columns[i].Name, name) {
			return i, true
		}
	}
	return -1, false
}

// KeyColumns returns the server names of the primary key columns.
func (s *Schema) KeyColumns() []string {
	out := make([]string, len(s.Primary))
	for i, c := range s.Primary {
		out[i] = s.Columns[c].Name
	}
	return out
}

// KeyOf extracts the primary key from a row given in column order.
func (s *Schema) KeyOf(value func(col int) any) (key.Key, error) {
	var vals [key.MaxArity]any
	for i, c := range s.Primary {
		vals[i] = value(c)
	}
	return key.New(vals[:len(s.Primary)]...)
}

// Relation returns the named relation.
func (s *Schema) Relation(name string) (*Relation, error) {
	if r, ok := s.relations[name]; ok {
		return r, nil
	}
	return nil, fmt.Errorf("%w: %s.%s", ErrUnknownRelation, s.Name, name)
}

// RelationNames returns the declared relation names, sorted.
func (s *Schema) RelationNames() []string {
	out := make([]string, 0, len(s.relations))
	for n := range s.relations {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

func (s *Schema) String() string {
	return s.Name
}
