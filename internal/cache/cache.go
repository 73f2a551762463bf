// Package cache is the consumer entry point of tabsync: it ties a schema
// registry, a sync engine and its server collaborator together and opens
// views by row type name.
//
// A Cache is safe for concurrent use. Views it returns are read from any
// goroutine; their change events are delivered through Options.Dispatch.
package cache

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/maruel/tabsync/internal/cdc"
	"github.com/maruel/tabsync/internal/engine"
	"github.com/maruel/tabsync/internal/key"
	"github.com/maruel/tabsync/internal/query"
	"github.com/maruel/tabsync/internal/schema"
	"github.com/maruel/tabsync/internal/view"
)

// Syncer sends batch requests.
type Syncer interface {
	Sync(ctx context.Context, req *cdc.Request) (*cdc.Response, error)
}

type splitClient struct {
	query.Querier
	Syncer
}

// WithQuerier returns a client sending batches through s and running row
// queries with q, for example a database read directly.
func WithQuerier(s Syncer, q query.Querier) engine.Client {
	return splitClient{Querier: q, Syncer: s}
}

// Cache is a live mirror of server tables.
type Cache struct {
	reg *schema.Registry
	eng *engine.Engine
	log *slog.Logger
}

// New returns a cache. A nil registry uses schema.Default. Call Run to start
// synchronizing.
func New(c engine.Client, reg *schema.Registry, opts *engine.Options) *Cache {
	if reg == nil {
		reg = schema.Default
	}
	if opts == nil {
		opts = &engine.Options{}
	}
	e := engine.New(c, opts)
	return &Cache{reg: reg, eng: e, log: e.Logger()}
}

// Run synchronizes until ctx is done.
func (c *Cache) Run(ctx context.Context) error {
	return c.eng.Run(ctx)
}

// Engine returns the underlying engine.
func (c *Cache) Engine() *engine.Engine {
	return c.eng
}

// Registry returns the schema registry.
func (c *Cache) Registry() *schema.Registry {
	return c.reg
}

// Schema returns the schema of the named row type.
func (c *Cache) Schema(name string) (*schema.Schema, error) {
	return c.reg.Get(name)
}

// TableView opens a table view of the named row type.
func (c *Cache) TableView(ctx context.Context, name string, opts view.TableOptions) (*view.TableView, error) {
	s, err := c.reg.Get(name)
	if err != nil {
		return nil, err
	}
	return view.NewTableView(ctx, c.eng, s, opts)
}

// SubView opens a table view scoped by parent.
func (c *Cache) SubView(ctx context.Context, parent *view.TableView, opts view.TableOptions) (*view.TableView, error) {
	return view.NewSubView(ctx, parent, opts)
}

// RowView opens a row view of the named row type bound to k.
func (c *Cache) RowView(ctx context.Context, name string, k key.Key) (*view.RowView, error) {
	s, err := c.reg.Get(name)
	if err != nil {
		return nil, err
	}
	return view.NewRowView(ctx, c.eng, s, k)
}

// ChildView opens a table view of the rows related to parent's row through
// its child relation named relation.
func (c *Cache) ChildView(ctx context.Context, parent *view.RowView, relation string, opts view.TableOptions) (*view.TableView, error) {
	rel, err := parent.Schema().Relation(relation)
	if err != nil {
		return nil, err
	}
	if rel.Parent != parent.Schema() {
		return nil, fmt.Errorf("%w: %s.%s is not a child relation", schema.ErrInvalidSchema, parent.Schema().Name, relation)
	}
	return view.NewChildView(ctx, parent, rel, opts)
}

// ParentRowView opens a row view of the row child's row references through
// its parent relation named relation.
func (c *Cache) ParentRowView(ctx context.Context, child *view.RowView, relation string) (*view.RowView, error) {
	rel, err := child.Schema().Relation(relation)
	if err != nil {
		return nil, err
	}
	if rel.Child != child.Schema() {
		return nil, fmt.Errorf("%w: %s.%s is not a parent relation", schema.ErrInvalidSchema, child.Schema().Name, relation)
	}
	return view.NewParentRowView(ctx, child, rel)
}

// Refresh forces a full refresh of the table of the named row type and
// waits for it.
func (c *Cache) Refresh(ctx context.Context, name string) error {
	s, err := c.reg.Get(name)
	if err != nil {
		return err
	}
	return c.eng.Refresh(ctx, s.Table)
}

// RefreshAll forces a full refresh of every table and waits for it.
func (c *Cache) RefreshAll(ctx context.Context) error {
	return c.eng.RefreshAll(ctx)
}

// Wait waits for the next cycle to synchronize the table of the named row
// type.
func (c *Cache) Wait(ctx context.Context, name string) error {
	s, err := c.reg.Get(name)
	if err != nil {
		return err
	}
	return c.eng.Wait(ctx, s.Table)
}

// Notify reports server side changes of tables. It triggers a cycle; nil
// means the changed tables are unknown.
func (c *Cache) Notify(tables []string) {
	c.log.Debug("Server changed", "tables", tables)
	c.eng.Kick()
}
