package view

import (
	"context"
	"log/slog"

	"github.com/maruel/tabsync/internal/store"
)

// Host is the single-writer context views run on. It is implemented by the
// sync engine.
type Host interface {
	// Do runs fn on the worker and waits for its result.
	Do(ctx context.Context, fn func() error) error
	// Post queues fn on the worker.
	Post(fn func()) error
	// Table returns the storage of the named server table, creating it on
	// first use. Worker only.
	Table(name string) *store.Table
	// Schedule requests a full refresh of the named table on the next
	// cycle. Worker only.
	Schedule(table string)
	// Dispatch delivers a change notification to consumers.
	Dispatch(fn func())
	// Logger returns the diagnostic logger.
	Logger() *slog.Logger
}
