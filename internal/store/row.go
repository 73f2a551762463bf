package store

import (
	"github.com/maruel/tabsync/internal/key"
)

// RowSource is the read-only view of a raw row handed to subscribers.
type RowSource interface {
	Key() key.Key
	// Value returns the value of the field, nil if never loaded.
	Value(field int) any
	// Modified reports whether the field changed in the mutation being
	// notified.
	Modified(field int) bool
}

type slot struct {
	value    any
	modified bool
}

// RowData is one raw row of a Table.
type RowData struct {
	key     key.Key
	slots   []slot
	touched bool
}

func newRowData(k key.Key, n int) *RowData {
	return &RowData{key: k, slots: make([]slot, n)}
}

// Key implements RowSource.
func (r *RowData) Key() key.Key {
	return r.key
}

// Value implements RowSource.
func (r *RowData) Value(field int) any {
	if field < 0 || field >= len(r.slots) {
		return nil
	}
	return r.slots[field].value
}

// Modified implements RowSource.
func (r *RowData) Modified(field int) bool {
	if field < 0 || field >= len(r.slots) {
		return false
	}
	return r.slots[field].modified
}

// set stores v and reports whether it differs from the previous value.
func (r *RowData) set(field int, v any) bool {
	if field >= len(r.slots) {
		r.slots = append(r.slots, make([]slot, field+1-len(r.slots))...)
	}
	s := &r.slots[field]
	if key.Same(s.value, v) {
		s.modified = false
		return false
	}
	s.value = v
	s.modified = true
	return true
}

func (r *RowData) resetModified() {
	for i := range r.slots {
		r.slots[i].modified = false
	}
}
