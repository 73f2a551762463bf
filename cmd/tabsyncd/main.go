// Command tabsyncd serves an in-memory reference tabsync server backed by
// JSONL files, one per table.
//
// It loads the tables of a schema manifest from the data directory at
// startup and saves them back periodically and on exit.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/maruel/tabsync/internal/config"
	"github.com/maruel/tabsync/internal/memserver"
	"github.com/maruel/tabsync/internal/ratelimit"
	"github.com/maruel/tabsync/internal/schema"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "tabsyncd: %v\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	version := flag.Bool("version", false, "Print version and exit")
	configPath := flag.String("config", "", "Configuration file; defaults are used when empty")
	httpAddr := flag.String("http", "", "Address to listen on; overrides listen.addr")
	dataDir := flag.String("data-dir", "", "Data directory; overrides listen.data_dir")
	manifest := flag.String("manifest", "", "Schema manifest; overrides manifest")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	flag.Parse()
	if len(flag.Args()) > 0 {
		return fmt.Errorf("unknown arguments: %v", flag.Args())
	}
	if *version {
		printVersion()
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	ll := &slog.LevelVar{}
	// Skip timestamps when running under systemd (it adds its own).
	underSystemd := os.Getenv("JOURNAL_STREAM") != ""
	slog.SetDefault(slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if underSystemd && a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			switch t := a.Value.Any().(type) {
			case string:
				if t == "" {
					return slog.Attr{}
				}
			case int64:
				if t == 0 {
					return slog.Attr{}
				}
			case nil:
				return slog.Attr{}
			}
			return a
		},
	})))

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	if *httpAddr != "" {
		cfg.Listen.Addr = *httpAddr
	}
	if *dataDir != "" {
		cfg.Listen.DataDir = *dataDir
	}
	if *manifest != "" {
		cfg.Manifest = *manifest
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	switch cfg.LogLevel {
	case "debug":
		ll.Set(slog.LevelDebug)
	case "info":
	case "warn":
		ll.Set(slog.LevelWarn)
	case "error":
		ll.Set(slog.LevelError)
	default:
		return fmt.Errorf("unknown log level: %q", cfg.LogLevel)
	}

	srv, err := newServer(cfg)
	if err != nil {
		return err
	}
	if n, err := srv.Load(cfg.Listen.DataDir); err != nil {
		return err
	} else if n > 0 {
		slog.InfoContext(ctx, "Loaded rows", "rows", n, "dir", cfg.Listen.DataDir)
	}
	secret, err := cfg.ListenSecret()
	if err != nil {
		return err
	}
	if secret == nil {
		slog.WarnContext(ctx, "Authentication disabled; set listen.secret_env to enable it")
	}
	limits := ratelimit.DefaultConfig(cfg.Listen.RatePerMinute)
	defer limits.Close()

	httpServer := &http.Server{
		Addr:              cfg.Listen.Addr,
		Handler:           srv.Handler(&memserver.HandlerOptions{Secret: secret, Limits: limits}),
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
		ReadHeaderTimeout: 10 * time.Second,
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.InfoContext(ctx, "Starting server", "addr", cfg.Listen.Addr, "tables", srv.Tables())
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.InfoContext(ctx, "Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if d := time.Duration(cfg.Listen.SaveInterval); d > 0 {
		g.Go(func() error {
			t := time.NewTicker(d)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-t.C:
					if err := srv.Save(cfg.Listen.DataDir); err != nil {
						slog.ErrorContext(ctx, "Failed to save", "err", err)
					}
				}
			}
		})
	}
	err = g.Wait()
	if serr := srv.Save(cfg.Listen.DataDir); serr != nil {
		err = errors.Join(err, serr)
	}
	slog.Info("Server stopped", "stamp", srv.Stamp())
	return err
}

// newServer declares every schema of the manifest.
func newServer(cfg *config.Config) (*memserver.Server, error) {
	m, err := schema.LoadManifest(cfg.ManifestPath())
	if err != nil {
		return nil, err
	}
	reg := schema.NewRegistry()
	if err := reg.RegisterManifest(m); err != nil {
		return nil, err
	}
	srv := memserver.New(&memserver.Options{MaxLog: cfg.Listen.MaxLog, FullThreshold: cfg.Listen.FullThreshold})
	seen := map[string]string{}
	for _, name := range reg.Names() {
		s, err := reg.Get(name)
		if err != nil {
			return nil, err
		}
		if other, ok := seen[s.Table]; ok {
			return nil, fmt.Errorf("schemas %s and %s share table %s", other, name, s.Table)
		}
		seen[s.Table] = name
		if err := srv.AddTable(s); err != nil {
			return nil, err
		}
	}
	return srv, nil
}

func printVersion() {
	version, goVersion, revision := "dev", "unknown", "unknown"
	if info, ok := debug.ReadBuildInfo(); ok {
		if v := info.Main.Version; v != "" && v != "(devel)" {
			version = v
		}
		goVersion = info.GoVersion
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" {
				revision = s.Value
			}
		}
	}
	fmt.Printf("tabsyncd %s\n  Go version: %s\n  Revision:   %s\n", version, goVersion, revision)
}
