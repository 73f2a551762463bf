package view

import (
	"slices"
	"sync"
)

// Kind is the kind of a Change.
type Kind int

const (
	// Added: Row entered the view at Index.
	Added Kind = iota
	// Removed: Row left the view from OldIndex.
	Removed
	// Moved: Row changed its ordering columns and moved from OldIndex to
	// Index. Columns lists every changed column.
	Moved
	// Updated: Columns of Row changed in place at Index.
	Updated
	// Reset: a row view was rebound to another key and dropped Row.
	Reset
)

func (k Kind) String() string {
	switch k {
	case Added:
		return "added"
	case Removed:
		return "removed"
	case Moved:
		return "moved"
	case Updated:
		return "updated"
	case Reset:
		return "reset"
	default:
		return "unknown"
	}
}

// Change describes one mutation of a view. Indexes are -1 for row views and
// when not applicable.
type Change struct {
	Kind     Kind
	Row      *Row
	Index    int
	OldIndex int
	// Columns lists the schema columns that changed.
	Columns []int
}

// observers fans changes out to consumer listeners through the host
// dispatcher, and to internal hooks synchronously on the worker.
type observers struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(Change)

	hooks []func(Change) bool
}

// Subscribe registers fn for every future change and returns a function
// removing it.
func (o *observers) Subscribe(fn func(Change)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.subs == nil {
		o.subs = map[int]func(Change){}
	}
	id := o.nextID
	o.nextID++
	o.subs[id] = fn
	return func() {
		o.mu.Lock()
		delete(o.subs, id)
		o.mu.Unlock()
	}
}

// hook registers fn to run synchronously on the worker. fn returns false to
// unregister itself. Worker only.
func (o *observers) hook(fn func(Change) bool) {
	o.hooks = append(o.hooks, fn)
}

func (o *observers) emit(h Host, c Change) {
	o.hooks = slices.DeleteFunc(o.hooks, func(fn func(Change) bool) bool { return !fn(c) })
	o.mu.Lock()
	ids := make([]int, 0, len(o.subs))
	for id := range o.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(Change), len(ids))
	for i, id := range ids {
		fns[i] = o.subs[id]
	}
	o.mu.Unlock()
	if len(fns) == 0 {
		return
	}
	h.Dispatch(func() {
		for _, fn := range fns {
			fn(c)
		}
	})
}
