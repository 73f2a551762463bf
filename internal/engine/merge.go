package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/maruel/tabsync/internal/cdc"
	"github.com/maruel/tabsync/internal/key"
	"github.com/maruel/tabsync/internal/store"
)

// mergeItem is the state of one table during a cycle.
type mergeItem struct {
	table  *store.Table
	full   bool
	cursor int64
}

// cycle runs one synchronization round. Worker only.
func (e *Engine) cycle(ctx context.Context) {
	forced := e.pending
	e.pending = map[string]bool{}
	waiters := e.waiters
	e.waiters = map[string][]chan error{}
	release := func(name string, err error) {
		for _, w := range waiters[name] {
			w <- err
		}
		delete(waiters, name)
	}

	names := e.names()
	if len(names) == 0 {
		for name := range waiters {
			release(name, nil)
		}
		return
	}
	start := time.Now()
	items := make([]*mergeItem, len(names))
	req := &cdc.Request{LastSyncStamp: e.stamp, EnforceCDC: e.enforce.Load()}
	for i, name := range names {
		t := e.tables[name]
		it := &mergeItem{table: t, full: forced[name] || t.SyncID() == cdc.Never, cursor: t.SyncID()}
		items[i] = it
		id := it.cursor
		if it.full {
			id = cdc.Never
		}
		req.Tables = append(req.Tables, cdc.Sync{Table: name, SyncID: id})
	}
	resp, err := e.client.Sync(ctx, req)
	if err != nil {
		// Table state is untouched; forced tables stay forced.
		for name := range forced {
			e.pending[name] = true
		}
		e.log.Error("Failed to sync", "tables", len(names), "err", err)
		for _, name := range names {
			release(name, err)
		}
		for name := range waiters {
			release(name, err)
		}
		return
	}

	var failed []*TableError
	for _, it := range items {
		name := it.table.Name()
		if err := e.merge(ctx, it, resp.Table(name), resp.SyncStamp); err != nil {
			te := &TableError{Table: name, Err: err}
			failed = append(failed, te)
			e.pending[name] = true
			release(name, te)
			continue
		}
		release(name, nil)
	}
	for name := range waiters {
		release(name, nil)
	}
	if resp.SyncStamp != cdc.Never {
		e.stamp = resp.SyncStamp
	}
	if len(failed) != 0 {
		e.log.Error("Sync cycle failed", "err", &CycleError{Stamp: resp.SyncStamp, Tables: failed})
		return
	}
	e.log.Debug("Sync cycle", "tables", len(names), "stamp", e.stamp, "dur", time.Since(start).Round(time.Millisecond))
}

// merge applies the delta of one table. delta is nil when the server did not
// mention the table.
func (e *Engine) merge(ctx context.Context, it *mergeItem, delta *cdc.TableDelta, stamp int64) error {
	t := it.table
	switch {
	case delta == nil:
		if it.full {
			return e.full(ctx, t, stamp)
		}
		return nil
	case delta.Err != nil:
		e.log.Warn("Protocol error, refreshing table", "table", t.Name(), "err", delta.Err)
		if delta.Full && delta.Cursor != 0 {
			stamp = delta.Cursor
		}
		return e.full(ctx, t, stamp)
	case delta.Full:
		return e.full(ctx, t, delta.Cursor)
	case it.full:
		return e.full(ctx, t, stamp)
	case len(delta.Fragments) == 0:
		if stamp == cdc.Never {
			e.log.Warn("Resync without syncStamp, refreshing table", "table", t.Name())
			return e.full(ctx, t, stamp)
		}
		t.SetSyncID(stamp)
		return nil
	}
	if err := checkPrimary(t, delta); err != nil {
		e.log.Warn("Primary key mismatch, refreshing table", "table", t.Name(), "err", err)
		return e.full(ctx, t, stamp)
	}
	var refresh []key.Key
	next := int64(0)
	for i := range delta.Fragments {
		f := &delta.Fragments[i]
		next = max(next, f.SyncID)
		k, err := fragmentKey(t, f)
		if err != nil {
			e.log.Warn("Unreadable fragment, refreshing table", "table", t.Name(), "kind", f.Kind, "err", err)
			return e.full(ctx, t, stamp)
		}
		switch f.Kind {
		case cdc.Update:
			fields, values, err := fragmentValues(t, f, k)
			if err != nil {
				e.log.Warn("Unreadable fragment, refreshing table", "table", t.Name(), "kind", f.Kind, "err", err)
				return e.full(ctx, t, stamp)
			}
			if _, err := t.UpdateRow(fields, values); err != nil {
				if !errors.Is(err, store.ErrRowNotFound) {
					return err
				}
				refresh = append(refresh, k)
			}
		case cdc.Insert, cdc.Refresh:
			refresh = append(refresh, k)
		case cdc.Delete:
			t.DeleteRow(k)
		}
	}
	if len(refresh) != 0 {
		if err := t.RefreshKeys(ctx, refresh); err != nil {
			return err
		}
	}
	if next == 0 {
		next = stamp
	}
	if next > t.SyncID() {
		t.SetSyncID(next)
	}
	e.log.Debug("Merged delta", "table", t.Name(), "fragments", len(delta.Fragments), "refreshed", len(refresh), "cursor", t.SyncID())
	return nil
}

// full refreshes the table and sets its cursor.
func (e *Engine) full(ctx context.Context, t *store.Table, cursor int64) error {
	if err := t.Refresh(ctx); err != nil {
		return err
	}
	t.SetSyncID(cursor)
	e.log.Debug("Refreshed table", "table", t.Name(), "rows", t.Len(), "cursor", cursor)
	return nil
}

// checkPrimary verifies the delta's primary key columns match the table's.
func checkPrimary(t *store.Table, delta *cdc.TableDelta) error {
	if delta.Columns == nil {
		return fmt.Errorf("%w: no columns section", cdc.ErrProtocol)
	}
	got := delta.PrimaryColumns()
	want := t.Primary()
	if len(got) != len(want) {
		return fmt.Errorf("%w: %d key columns, want %d", store.ErrPrimaryKeyMismatch, len(got), len(want))
	}
	for i, f := range want {
		if name := t.Field(f).Name; !strings.EqualFold(got[i], name) {
			return fmt.Errorf("%w: key column %d is %q, want %q", store.ErrPrimaryKeyMismatch, i, got[i], name)
		}
	}
	return nil
}

// fragmentKey reads the primary key of a fragment: from the id attribute for
// single column keys, else from the key column elements.
func fragmentKey(t *store.Table, f *cdc.Fragment) (key.Key, error) {
	primary := t.Primary()
	vals := make([]any, len(primary))
	for i, idx := range primary {
		field := t.Field(idx)
		var v any
		var err error
		if fld, ok := f.Field(field.Name); ok {
			v, err = fld.Value(field.Type)
		} else if len(primary) == 1 && f.ID != "" {
			v, err = field.Type.Parse(f.ID)
		} else {
			return key.Key{}, fmt.Errorf("%w: %s fragment lacks %s", cdc.ErrProtocol, f.Kind, field.Name)
		}
		if err != nil {
			return key.Key{}, fmt.Errorf("%w: %s: %w", cdc.ErrProtocol, field.Name, err)
		}
		if v == nil {
			return key.Key{}, fmt.Errorf("%w: %s fragment has null %s", cdc.ErrProtocol, f.Kind, field.Name)
		}
		vals[i] = v
	}
	return key.New(vals...)
}

// fragmentValues returns the aligned fields and values of an update, the key
// included. Unknown columns are skipped.
func fragmentValues(t *store.Table, f *cdc.Fragment, k key.Key) ([]int, []any, error) {
	primary := t.Primary()
	fields := append([]int(nil), primary...)
	values := k.Values()
	for i := range f.Fields {
		fld := &f.Fields[i]
		idx, ok := t.FieldIndex(fld.Name)
		if !ok || slices.Contains(primary, idx) {
			continue
		}
		v, err := fld.Value(t.Field(idx).Type)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %s: %w", cdc.ErrProtocol, fld.Name, err)
		}
		fields = append(fields, idx)
		values = append(values, v)
	}
	return fields, values, nil
}
