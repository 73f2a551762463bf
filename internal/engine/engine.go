// Package engine runs the background synchronization of a set of
// column-storage tables against a CDC server.
//
// Every mutation of tables and views happens on one worker goroutine. Other
// goroutines post closures to it with Post, or run them synchronously with
// Do. A cycle batches every known table in one request, applies the
// response and releases the callers waiting on those tables.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maruel/tabsync/internal/cdc"
	"github.com/maruel/tabsync/internal/query"
	"github.com/maruel/tabsync/internal/store"
	"golang.org/x/time/rate"
)

// Client is the server collaborator.
type Client interface {
	query.Querier
	// Sync sends one batch and returns the decoded response.
	Sync(ctx context.Context, req *cdc.Request) (*cdc.Response, error)
}

// Options configures an Engine.
type Options struct {
	// Interval between periodic cycles. Zero means 30s; negative disables
	// periodic cycles.
	Interval time.Duration
	// Throttle limits on-demand cycles. Zero means one every 100ms.
	Throttle rate.Limit
	// EnforceCDC asks the server to always answer deltas.
	EnforceCDC bool
	// Dispatch delivers view change events. Nil delivers them synchronously
	// on the worker, in which case listeners must not call Do.
	Dispatch func(func())
	Logger   *slog.Logger
}

// Engine is the background synchronization engine. It implements
// view.Host.
type Engine struct {
	client   Client
	log      *slog.Logger
	interval time.Duration
	dispatch func(func())
	limiter  *rate.Limiter

	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	kick    chan struct{}
	stopped chan struct{}
	running atomic.Bool
	enforce atomic.Bool

	// Worker owned.
	tables  map[string]*store.Table
	pending map[string]bool
	waiters map[string][]chan error
	stamp   int64
}

// New returns an engine. Call Run to start it.
func New(c Client, opts *Options) *Engine {
	if opts == nil {
		opts = &Options{}
	}
	e := &Engine{
		client:   c,
		log:      opts.Logger,
		interval: opts.Interval,
		dispatch: opts.Dispatch,
		wake:     make(chan struct{}, 1),
		kick:     make(chan struct{}, 1),
		stopped:  make(chan struct{}),
		tables:   map[string]*store.Table{},
		pending:  map[string]bool{},
		waiters:  map[string][]chan error{},
		stamp:    cdc.Never,
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.interval == 0 {
		e.interval = 30 * time.Second
	}
	if e.dispatch == nil {
		e.dispatch = func(fn func()) { fn() }
	}
	limit := opts.Throttle
	if limit == 0 {
		limit = rate.Every(100 * time.Millisecond)
	}
	e.limiter = rate.NewLimiter(limit, 1)
	e.enforce.Store(opts.EnforceCDC)
	return e
}

// Run runs the worker until ctx is done. Waiters still blocked then receive
// ErrStopped.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("engine already running")
	}
	var tick <-chan time.Time
	if e.interval > 0 {
		t := time.NewTicker(e.interval)
		defer t.Stop()
		tick = t.C
	}
	var deferred <-chan time.Time
	e.log.Info("Sync engine started", "interval", e.interval)
	for {
		select {
		case <-ctx.Done():
			e.stop()
			return nil
		case <-e.wake:
			e.drain()
		case <-e.kick:
			if deferred != nil {
				break
			}
			if d := e.limiter.Reserve().Delay(); d > 0 {
				deferred = time.After(d)
				break
			}
			e.drain()
			e.cycle(ctx)
		case <-deferred:
			deferred = nil
			e.drain()
			e.cycle(ctx)
		case <-tick:
			e.drain()
			e.cycle(ctx)
		}
	}
}

func (e *Engine) stop() {
	e.mu.Lock()
	close(e.stopped)
	e.queue = nil
	e.mu.Unlock()
	n := 0
	for _, ws := range e.waiters {
		for _, w := range ws {
			w <- ErrStopped
			n++
		}
	}
	clear(e.waiters)
	e.log.Info("Sync engine stopped", "waiters", n)
}

func (e *Engine) drain() {
	for {
		e.mu.Lock()
		jobs := e.queue
		e.queue = nil
		e.mu.Unlock()
		if len(jobs) == 0 {
			return
		}
		for _, fn := range jobs {
			fn()
		}
	}
}

// Post queues fn to run on the worker.
func (e *Engine) Post(fn func()) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case <-e.stopped:
		return ErrStopped
	default:
	}
	e.queue = append(e.queue, fn)
	select {
	case e.wake <- struct{}{}:
	default:
	}
	return nil
}

// Do runs fn on the worker and returns its error. It must not be called
// from the worker.
func (e *Engine) Do(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	if err := e.Post(func() { done <- fn() }); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-e.stopped:
		return ErrStopped
	}
}

// Table returns the table named name, creating it. Worker only.
func (e *Engine) Table(name string) *store.Table {
	t, ok := e.tables[name]
	if !ok {
		t = store.NewTable(name, e.client, e.log)
		e.tables[name] = t
		e.log.Debug("New table", "table", name)
	}
	return t
}

// Schedule forces a full refresh of the table on the next cycle and
// triggers one. Worker only.
func (e *Engine) Schedule(table string) {
	e.pending[table] = true
	e.Kick()
}

// Kick triggers a throttled cycle. It is safe to call from any goroutine.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Dispatch implements view.Host.
func (e *Engine) Dispatch(fn func()) {
	e.dispatch(fn)
}

// Logger implements view.Host.
func (e *Engine) Logger() *slog.Logger {
	return e.log
}

// SetEnforceCDC asks the server to answer deltas from now on. It cannot be
// turned off.
func (e *Engine) SetEnforceCDC() {
	e.enforce.Store(true)
}

// Refresh forces a full refresh of the table and waits for it.
func (e *Engine) Refresh(ctx context.Context, table string) error {
	return e.wait(ctx, []string{table}, true)
}

// RefreshAll forces a full refresh of every table and waits for it. It
// returns the first failure.
func (e *Engine) RefreshAll(ctx context.Context) error {
	return e.wait(ctx, nil, true)
}

// Wait waits until the next cycle synchronized the table.
func (e *Engine) Wait(ctx context.Context, table string) error {
	return e.wait(ctx, []string{table}, false)
}

// Tables returns the names of the known tables.
func (e *Engine) Tables(ctx context.Context) ([]string, error) {
	var out []string
	err := e.Do(ctx, func() error {
		out = e.names()
		return nil
	})
	return out, err
}

func (e *Engine) names() []string {
	out := make([]string, 0, len(e.tables))
	for name := range e.tables {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// wait registers one waiter per table, nil meaning all of them, and blocks
// until each was released.
func (e *Engine) wait(ctx context.Context, tables []string, force bool) error {
	var chans []chan error
	err := e.Do(ctx, func() error {
		if tables == nil {
			tables = e.names()
		}
		for _, name := range tables {
			if _, ok := e.tables[name]; !ok {
				return &TableError{Table: name, Err: ErrUnknownTable}
			}
		}
		for _, name := range tables {
			c := make(chan error, 1)
			e.waiters[name] = append(e.waiters[name], c)
			chans = append(chans, c)
			if force {
				e.pending[name] = true
			}
		}
		e.Kick()
		return nil
	})
	if err != nil {
		return err
	}
	var first error
	for _, c := range chans {
		select {
		case err := <-c:
			if first == nil {
				first = err
			}
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
	return first
}
