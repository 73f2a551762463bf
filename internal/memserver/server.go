// Package memserver is an in-memory reference implementation of the server
// side of the sync protocol: row queries, CDC batches with a bounded change
// log, and change notifications. It serves the CLI daemon and end to end
// tests.
package memserver

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/maruel/tabsync/internal/cdc"
	"github.com/maruel/tabsync/internal/filter"
	"github.com/maruel/tabsync/internal/key"
	"github.com/maruel/tabsync/internal/query"
	"github.com/maruel/tabsync/internal/schema"
	sorted "github.com/tobshub/go-sortedmap"
)

var (
	// ErrUnknownTable is returned for tables not added to the server.
	ErrUnknownTable = errors.New("unknown table")
	// ErrUnknownColumn is returned for columns a table does not have.
	ErrUnknownColumn = errors.New("unknown column")
)

// Options configures a Server.
type Options struct {
	// MaxLog bounds the change log. Clients behind the dropped changes get a
	// full refresh. Zero means 10000.
	MaxLog int
	// FullThreshold is the number of pending changes above which a table is
	// answered with a full refresh, unless the client enforces CDC. Zero
	// means 1000.
	FullThreshold int
	Logger        *slog.Logger
}

type row struct {
	key  key.Key
	vals []any
}

type table struct {
	schema *schema.Schema
	rows   *sorted.SortedMap[key.Key, *row]
}

func lessRow(a, b *row) bool {
	c, err := a.key.Compare(b.key, nil)
	if err != nil {
		panic(err)
	}
	return c < 0
}

func (t *table) column(name string) (int, bool) {
	for i, c := range t.schema.Columns {
		if strings.EqualFold(c.Name, name) {
			return i, true
		}
	}
	return 0, false
}

func (t *table) resolver() filter.Resolver {
	return filter.ResolverFunc(func(name string) (filter.Column, bool) {
		i, ok := t.column(name)
		if !ok {
			return filter.Column{}, false
		}
		c := t.schema.Columns[i]
		return filter.Column{Name: c.Name, Index: i, Type: c.Type}, true
	})
}

func (t *table) all() []*row {
	out := make([]*row, 0, t.rows.Len())
	ch, err := t.rows.IterCh()
	if err != nil {
		return out
	}
	for rec := range ch.Records() {
		out = append(out, rec.Val)
	}
	return out
}

type change struct {
	stamp int64
	table string
	kind  cdc.Kind
	key   key.Key
	cols  []int
}

// Server holds tables and their change log.
type Server struct {
	maxLog    int
	threshold int
	log       *slog.Logger

	mu      sync.RWMutex
	tables  map[string]*table
	changes []change
	horizon int64
	stamp   int64

	subMu   sync.Mutex
	subs    map[int]func([]string)
	nextSub int
}

// New returns an empty server.
func New(opts *Options) *Server {
	if opts == nil {
		opts = &Options{}
	}
	s := &Server{
		maxLog:    opts.MaxLog,
		threshold: opts.FullThreshold,
		log:       opts.Logger,
		tables:    map[string]*table{},
		subs:      map[int]func([]string){},
	}
	if s.maxLog <= 0 {
		s.maxLog = 10000
	}
	if s.threshold <= 0 {
		s.threshold = 1000
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

// AddTable declares the server table of sc.
func (s *Server) AddTable(sc *schema.Schema) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[sc.Table]; ok {
		return fmt.Errorf("table %s already exists", sc.Table)
	}
	s.tables[sc.Table] = &table{schema: sc, rows: sorted.New[key.Key, *row](0, lessRow)}
	return nil
}

// Tables returns the table names.
func (s *Server) Tables() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.tables))
	for name := range s.tables {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Stamp returns the current cursor.
func (s *Server) Stamp() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stamp
}

// Put inserts or updates a row given by column name. Columns not listed keep
// their value, or are null for new rows. It returns the cursor of the
// change, 0 when nothing changed.
func (s *Server) Put(tableName string, values map[string]any) (int64, error) {
	s.mu.Lock()
	stamp, err := s.put(tableName, values, true)
	s.mu.Unlock()
	if stamp != 0 {
		s.notify([]string{tableName})
	}
	return stamp, err
}

func (s *Server) put(tableName string, values map[string]any, logged bool) (int64, error) {
	t, ok := s.tables[tableName]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownTable, tableName)
	}
	vals := make([]any, len(t.schema.Columns))
	set := make([]bool, len(vals))
	for name, v := range values {
		i, ok := t.column(name)
		if !ok {
			return 0, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, tableName, name)
		}
		cv, err := t.schema.Columns[i].Type.Coerce(v)
		if err != nil {
			return 0, fmt.Errorf("%s.%s: %w", tableName, name, err)
		}
		vals[i], set[i] = cv, true
	}
	k, err := t.schema.KeyOf(func(col int) any { return vals[col] })
	if err != nil {
		return 0, err
	}
	for i, col := range t.schema.Primary {
		if k.At(i) == nil {
			return 0, fmt.Errorf("%s: null primary key column %s", tableName, t.schema.Columns[col].Name)
		}
	}
	r, exists := t.rows.Get(k)
	if !exists {
		t.rows.Insert(k, &row{key: k, vals: vals})
		return s.record(tableName, cdc.Insert, k, nil, logged), nil
	}
	var cols []int
	for i := range vals {
		if set[i] && !slices.Contains(t.schema.Primary, i) && vals[i] != r.vals[i] {
			r.vals[i] = vals[i]
			cols = append(cols, i)
		}
	}
	if len(cols) == 0 {
		return 0, nil
	}
	return s.record(tableName, cdc.Update, k, cols, logged), nil
}

// Delete removes a row by key and reports whether it existed.
func (s *Server) Delete(tableName string, k key.Key) (bool, error) {
	s.mu.Lock()
	t, ok := s.tables[tableName]
	if !ok {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrUnknownTable, tableName)
	}
	vals := make([]any, k.Len())
	for i, col := range t.schema.Primary {
		if i >= k.Len() {
			break
		}
		v, err := t.schema.Columns[col].Type.Coerce(k.At(i))
		if err != nil {
			s.mu.Unlock()
			return false, err
		}
		vals[i] = v
	}
	k, err := key.New(vals...)
	if err != nil {
		s.mu.Unlock()
		return false, err
	}
	if k.Len() != len(t.schema.Primary) {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %s has %d key columns", key.ErrArity, tableName, len(t.schema.Primary))
	}
	if !t.rows.Delete(k) {
		s.mu.Unlock()
		return false, nil
	}
	s.record(tableName, cdc.Delete, k, nil, true)
	s.mu.Unlock()
	s.notify([]string{tableName})
	return true, nil
}

// record appends a change and trims the log. Unlogged changes, used while
// seeding, still advance the cursor.
func (s *Server) record(tableName string, kind cdc.Kind, k key.Key, cols []int, logged bool) int64 {
	s.stamp++
	if !logged {
		s.horizon = s.stamp
		return s.stamp
	}
	s.changes = append(s.changes, change{stamp: s.stamp, table: tableName, kind: kind, key: k, cols: cols})
	if n := len(s.changes) - s.maxLog; n > 0 {
		s.horizon = s.changes[n-1].stamp
		s.changes = slices.Delete(s.changes, 0, n)
		s.log.Debug("Trimmed change log", "dropped", n, "horizon", s.horizon)
	}
	return s.stamp
}

// Subscribe registers fn to receive the names of changed tables. fn runs on
// the goroutine that made the change and must not block.
func (s *Server) Subscribe(fn func(tables []string)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Server) notify(tables []string) {
	s.subMu.Lock()
	fns := make([]func([]string), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(tables)
	}
}

// Sync answers one batch.
func (s *Server) Sync(ctx context.Context, req *cdc.Request) (*cdc.Response, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	resp := &cdc.Response{SyncStamp: s.stamp}
	for _, sy := range req.Tables {
		t, ok := s.tables[sy.Table]
		if !ok {
			s.log.Warn("Sync of unknown table", "table", sy.Table)
			continue
		}
		resp.Tables = append(resp.Tables, s.delta(t, sy, req.EnforceCDC))
	}
	return resp, nil
}

func (s *Server) delta(t *table, sy cdc.Sync, enforce bool) *cdc.TableDelta {
	d := &cdc.TableDelta{Table: sy.Table}
	if sy.SyncID == cdc.Never || sy.SyncID < s.horizon || sy.SyncID > s.stamp {
		d.Full, d.Cursor = true, s.stamp
		return d
	}
	i, _ := slices.BinarySearchFunc(s.changes, sy.SyncID+1, func(c change, stamp int64) int {
		switch {
		case c.stamp < stamp:
			return -1
		case c.stamp > stamp:
			return 1
		}
		return 0
	})
	var pending []change
	for _, c := range s.changes[i:] {
		if c.table == sy.Table {
			pending = append(pending, c)
		}
	}
	if len(pending) == 0 {
		return d
	}
	if !enforce && len(pending) > s.threshold {
		d.Full, d.Cursor = true, s.stamp
		return d
	}
	d.Columns = make([]cdc.Column, len(t.schema.Columns))
	for i, c := range t.schema.Columns {
		d.Columns[i] = cdc.Column{Name: c.Name, Type: string(c.Type), Primary: slices.Contains(t.schema.Primary, i)}
	}
	for _, c := range pending {
		f := cdc.Fragment{Kind: c.kind, SyncID: c.stamp}
		if len(t.schema.Primary) == 1 {
			f.ID = key.Format(c.key.At(0))
		} else {
			for i, col := range t.schema.Primary {
				f.Fields = append(f.Fields, cdc.NewField(t.schema.Columns[col].Name, c.key.At(i)))
			}
		}
		if c.kind == cdc.Update {
			r, ok := t.rows.Get(c.key)
			if !ok {
				// A later delete covers it.
				continue
			}
			for _, col := range c.cols {
				f.Fields = append(f.Fields, cdc.NewField(t.schema.Columns[col].Name, r.vals[col]))
			}
		}
		d.Fragments = append(d.Fragments, f)
	}
	return d
}

// Query implements query.Querier.
func (s *Server) Query(ctx context.Context, q *query.Query) iter.Seq2[query.Record, error] {
	recs, err := s.Select(q)
	if err != nil {
		return query.Error(err)
	}
	return func(yield func(query.Record, error) bool) {
		for _, rec := range recs {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// Select runs q and returns the matching records.
func (s *Server) Select(q *query.Query) ([]query.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[q.Table]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, q.Table)
	}
	cols := make([]int, len(q.Columns))
	for i, name := range q.Columns {
		c, ok := t.column(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, q.Table, name)
		}
		cols[i] = c
	}
	pred, _, err := filter.Compile(q.Filter, t.resolver())
	if err != nil {
		return nil, err
	}
	var rows []*row
	for _, r := range t.all() {
		if pred.Match(r.vals) {
			rows = append(rows, r)
		}
	}
	if len(q.OrderBy) != 0 {
		order := make([]int, len(q.OrderBy))
		for i, o := range q.OrderBy {
			c, ok := t.column(o.Column)
			if !ok {
				return nil, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, q.Table, o.Column)
			}
			order[i] = c
		}
		slices.SortStableFunc(rows, func(a, b *row) int {
			for i, c := range order {
				if d := key.CompareValues(a.vals[c], b.vals[c]); d != 0 {
					if q.OrderBy[i].Desc {
						return -d
					}
					return d
				}
			}
			return 0
		})
	}
	out := make([]query.Record, len(rows))
	for i, r := range rows {
		rec := make(query.Record, len(cols))
		for j, c := range cols {
			rec[j] = r.vals[c]
		}
		out[i] = rec
	}
	return out, nil
}
