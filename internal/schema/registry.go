// Lazily builds and memoizes schemas from registered declarations.

package schema

import (
	"fmt"
	"sync"
	"sync/atomic"
)

var schemaIDs atomic.Uint64

// Registry resolves declarations into schemas. It is safe for concurrent use;
// a single lock serializes construction.
type Registry struct {
	mu      sync.Mutex
	decls   map[string]*Declaration
	entries map[string]*entry
}

type entry struct {
	schema   *Schema
	err      error
	building bool
}

// Default is the process-wide registry used by Register and Get.
var Default = NewRegistry()

// Register adds declarations to the Default registry.
func Register(decls ...Declaration) error {
	return Default.Register(decls...)
}

// Get returns a schema from the Default registry.
func Get(name string) (*Schema, error) {
	return Default.Get(name)
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		decls:   map[string]*Declaration{},
		entries: map[string]*entry{},
	}
}

// Register adds declarations. Declarations are only validated when first
// requested through Get.
func (r *Registry) Register(decls ...Declaration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range decls {
		d := decls[i]
		if d.Name == "" {
			return fmt.Errorf("%w: declaration %d has no name", ErrInvalidSchema, i)
		}
		if _, ok := r.decls[d.Name]; ok {
			return fmt.Errorf("%w: %s is already registered", ErrInvalidSchema, d.Name)
		}
		r.decls[d.Name] = &d
	}
	return nil
}

// Names returns the registered declaration names.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.decls))
	for n := range r.decls {
		out = append(out, n)
	}
	return out
}

// Get returns the schema for name, building it on first use.
func (r *Registry) Get(name string) (*Schema, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getLocked(name)
}

func (r *Registry) getLocked(name string) (*Schema, error) {
	if e, ok := r.entries[name]; ok {
		if e.building {
			// Cycle: the columns and primary key are final, only relations
			// are still being resolved.
			return e.schema, nil
		}
		return e.schema, e.err
	}
	d, ok := r.decls[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSchema, name)
	}
	s, err := newSchema(d, schemaIDs.Add(1))
	e := &entry{schema: s, err: err}
	r.entries[name] = e
	if err != nil {
		e.schema = nil
		return nil, err
	}
	e.building = true
	err = r.resolveRelations(s, d)
	e.building = false
	if err != nil {
		e.schema, e.err = nil, err
		return nil, err
	}
	return s, nil
}

func (r *Registry) resolveRelations(s *Schema, d *Declaration) error {
	for _, rd := range d.Relations {
		if rd.Name == "" {
			return fmt.Errorf("%w: %s has an unnamed relation", ErrInvalidSchema, s.Name)
		}
		if _, ok := s.relations[rd.Name]; ok {
			return fmt.Errorf("%w: %s has duplicate relation %q", ErrInvalidSchema, s.Name, rd.Name)
		}
		target, err := r.getLocked(rd.Target)
		if err != nil {
			return fmt.Errorf("%w: %s.%s: %w", ErrInvalidSchema, s.Name, rd.Name, err)
		}
		var rel *Relation
		switch rd.Kind {
		case Parent:
			cols, err := columnIndexes(s, target, rd)
			if err != nil {
				return err
			}
			rel = InternRelation(target, target.Primary, s, cols)
		case Child:
			cols, err := columnIndexes(target, s, rd)
			if err != nil {
				return err
			}
			rel = InternRelation(s, s.Primary, target, cols)
		default:
			return fmt.Errorf("%w: %s.%s has invalid kind %q", ErrInvalidSchema, s.Name, rd.Name, rd.Kind)
		}
		s.relations[rd.Name] = rel
	}
	return nil
}

// columnIndexes resolves the relation columns in child and checks them
// against the primary key of parent.
func columnIndexes(child, parent *Schema, rd RelationDecl) ([]int, error) {
	if len(rd.Columns) != len(parent.Primary) {
		return nil, fmt.Errorf("%w: relation %q has %d columns, %s primary key has %d", ErrInvalidSchema, rd.Name, len(rd.Columns), parent.Name, len(parent.Primary))
	}
	out := make([]int, len(rd.Columns))
	for i, n := range rd.Columns {
		c, ok := child.Resolve(n)
		if !ok {
			return nil, fmt.Errorf("%w: relation %q: %s has no column %q", ErrInvalidSchema, rd.Name, child.Name, n)
		}
		if want := parent.Columns[parent.Primary[i]].Type; child.Columns[c].Type != want {
			return nil, fmt.Errorf("%w: relation %q: column %q is %s, want %s", ErrInvalidSchema, rd.Name, n, child.Columns[c].Type, want)
		}
		out[i] = c
	}
	return out, nil
}
