package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/maruel/tabsync/internal/cache"
	"github.com/maruel/tabsync/internal/config"
	"github.com/maruel/tabsync/internal/key"
	"github.com/maruel/tabsync/internal/view"
)

// openView is one view opened from the configuration.
type openView struct {
	cfg   config.View
	table *view.TableView
	row   *view.RowView
}

type views map[string]*openView

// openViews opens cfgs in order; config validation guarantees parents come
// first.
func openViews(ctx context.Context, c *cache.Cache, cfgs []config.View) (views, error) {
	out := views{}
	for _, vc := range cfgs {
		ov := &openView{cfg: vc}
		var err error
		opts := view.TableOptions{Filter: vc.Filter, Order: vc.Order}
		switch {
		case vc.Parent != "":
			p := out[vc.Parent]
			if p == nil || p.row == nil {
				return nil, fmt.Errorf("view %q: parent %q is not an open row view", vc.Name, vc.Parent)
			}
			rel, rerr := p.row.Schema().Relation(vc.Relation)
			if rerr != nil {
				return nil, fmt.Errorf("view %q: %w", vc.Name, rerr)
			}
			if rel.Parent == p.row.Schema() {
				ov.table, err = c.ChildView(ctx, p.row, vc.Relation, opts)
			} else {
				ov.row, err = c.ParentRowView(ctx, p.row, vc.Relation)
			}
		case vc.IsRow():
			k, kerr := key.New(vc.Key...)
			if kerr != nil {
				return nil, fmt.Errorf("view %q: %w", vc.Name, kerr)
			}
			ov.row, err = c.RowView(ctx, vc.Schema, k)
		default:
			ov.table, err = c.TableView(ctx, vc.Schema, opts)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to open view %q: %w", vc.Name, err)
		}
		log := slog.Default().With("view", vc.Name)
		fn := func(ch view.Change) {
			row := ""
			if ch.Row != nil {
				row = ch.Row.String()
			}
			log.Info("Change", "kind", ch.Kind.String(), "row", row, "index", ch.Index, "columns", ch.Columns)
		}
		if ov.table != nil {
			ov.table.Subscribe(fn)
		} else {
			ov.row.Subscribe(fn)
		}
		out[vc.Name] = ov
	}
	return out, nil
}

// reload re-applies the filters and keys of views whose name did not
// change. Added or removed views need a restart.
func (vs views) reload(ctx context.Context, cfgs []config.View) {
	for _, vc := range cfgs {
		ov := vs[vc.Name]
		if ov == nil {
			slog.WarnContext(ctx, "New view ignored until restart", "view", vc.Name)
			continue
		}
		switch {
		case ov.table != nil && ov.cfg.Parent == "" && vc.Filter.String() != ov.cfg.Filter.String():
			if err := ov.table.SetFilter(ctx, vc.Filter); err != nil {
				slog.WarnContext(ctx, "Failed to apply filter", "view", vc.Name, "err", err)
				continue
			}
			slog.InfoContext(ctx, "Filter updated", "view", vc.Name, "filter", vc.Filter.String())
		case ov.row != nil && vc.IsRow() && fmt.Sprint(vc.Key) != fmt.Sprint(ov.cfg.Key):
			k, err := key.New(vc.Key...)
			if err == nil {
				err = ov.row.SetKey(ctx, k)
			}
			if err != nil {
				slog.WarnContext(ctx, "Failed to rebind", "view", vc.Name, "err", err)
				continue
			}
			slog.InfoContext(ctx, "Key updated", "view", vc.Name, "key", k.String())
		default:
			continue
		}
		ov.cfg = vc
	}
}

// watchConfig calls fn after path was written, debounced. It watches the
// directory since editors often replace the file.
func watchConfig(ctx context.Context, path string, fn func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return err
	}
	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) == abs && (event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				debounce = time.After(200 * time.Millisecond)
			}
		case <-debounce:
			debounce = nil
			slog.InfoContext(ctx, "Configuration changed, reloading")
			fn()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.WarnContext(ctx, "Error watching configuration", "err", err)
		}
	}
}
