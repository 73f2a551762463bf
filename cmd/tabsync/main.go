// Command tabsync mirrors server tables into a local live cache and logs
// every change of the views listed in its configuration file.
//
// The configuration file is watched: editing a view's filter re-applies it
// without restarting.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/maruel/tabsync/internal/cache"
	"github.com/maruel/tabsync/internal/config"
	"github.com/maruel/tabsync/internal/engine"
	"github.com/maruel/tabsync/internal/schema"
	"github.com/maruel/tabsync/internal/sqlsource"
	"github.com/maruel/tabsync/internal/transport"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "tabsync: %v\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	version := flag.Bool("version", false, "Print version and exit")
	configSchema := flag.Bool("config-schema", false, "Print the JSON schema of the configuration file and exit")
	configPath := flag.String("config", "tabsync.yaml", "Configuration file")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error); overrides the configuration")
	flag.Parse()
	if len(flag.Args()) > 0 {
		return fmt.Errorf("unknown arguments: %v", flag.Args())
	}
	if *version {
		printVersion()
		return nil
	}
	if *configSchema {
		b, err := config.JSONSchema()
		if err != nil {
			return err
		}
		_, err = fmt.Printf("%s\n", b)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	ll := &slog.LevelVar{}
	slog.SetDefault(newLogger(ll))

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := setLevel(ll, cfg.LogLevel); err != nil {
		return err
	}
	m, err := schema.LoadManifest(cfg.ManifestPath())
	if err != nil {
		return err
	}
	reg := schema.NewRegistry()
	if err := reg.RegisterManifest(m); err != nil {
		return err
	}

	topts := &transport.Options{
		Timeout: time.Duration(cfg.Server.Timeout),
		Rate:    rate.Limit(cfg.Server.RequestRate),
		Burst:   1,
	}
	secret, err := cfg.Secret()
	if err != nil {
		return err
	}
	if secret != nil {
		if topts.TokenSource, err = transport.NewTokenSource(secret, cfg.Server.Subject, time.Duration(cfg.Server.TokenTTL)); err != nil {
			return err
		}
	}
	tc, err := transport.New(cfg.Server.URL, topts)
	if err != nil {
		return err
	}
	var client engine.Client = tc
	if cfg.Server.MySQL != "" {
		src, err := sqlsource.Open(cfg.Server.MySQL, nil)
		if err != nil {
			return err
		}
		defer func() { _ = src.Close() }()
		if err := src.Ping(ctx); err != nil {
			return fmt.Errorf("failed to connect to MySQL: %w", err)
		}
		client = cache.WithQuerier(tc, src)
		slog.InfoContext(ctx, "Reading rows from MySQL")
	}

	eopts := &engine.Options{
		Interval:   time.Duration(cfg.Sync.Interval),
		EnforceCDC: cfg.Sync.EnforceCDC,
	}
	if d := time.Duration(cfg.Sync.Throttle); d > 0 {
		eopts.Throttle = rate.Every(d)
	}
	c := cache.New(client, reg, eopts)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Run(ctx) })
	if cfg.Server.Notify {
		n := tc.Notifier(c.Notify)
		g.Go(func() error { return n.Run(ctx) })
	}
	vs, err := openViews(ctx, c, cfg.Views)
	if err != nil {
		stop()
		_ = g.Wait()
		return err
	}
	slog.InfoContext(ctx, "Started", "server", cfg.Server.URL, "views", len(cfg.Views))
	g.Go(func() error {
		return watchConfig(ctx, cfg.Path(), func() {
			next, err := config.Load(cfg.Path())
			if err != nil {
				slog.WarnContext(ctx, "Ignoring invalid configuration", "err", err)
				return
			}
			if *logLevel == "" {
				if err := setLevel(ll, next.LogLevel); err != nil {
					slog.WarnContext(ctx, "Ignoring log level", "err", err)
				}
			}
			vs.reload(ctx, next.Views)
		})
	})
	return g.Wait()
}

func newLogger(ll *slog.LevelVar) *slog.Logger {
	return slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			skip := false
			switch t := a.Value.Any().(type) {
			case string:
				skip = t == ""
			case bool:
				skip = !t
			case int64:
				skip = t == 0
			case time.Duration:
				skip = t == 0
			case nil:
				skip = true
			}
			if skip && len(groups) == 0 && a.Key != slog.MessageKey {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func setLevel(ll *slog.LevelVar, level string) error {
	switch level {
	case "debug":
		ll.Set(slog.LevelDebug)
	case "", "info":
		ll.Set(slog.LevelInfo)
	case "warn":
		ll.Set(slog.LevelWarn)
	case "error":
		ll.Set(slog.LevelError)
	default:
		return fmt.Errorf("unknown log level: %q", level)
	}
	return nil
}

func printVersion() {
	version, goVersion, revision, dirty := getBuildInfo()
	fmt.Printf("tabsync %s\n", version)
	fmt.Printf("  Go version: %s\n", goVersion)
	fmt.Printf("  Revision:   %s\n", revision)
	if dirty {
		fmt.Printf("  Modified:   true\n")
	}
}

func getBuildInfo() (version, goVersion, revision string, dirty bool) {
	version = "unknown"
	goVersion = "unknown"
	revision = "unknown"
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	version = info.Main.Version
	if version == "" || version == "(devel)" {
		version = "dev"
	}
	goVersion = info.GoVersion
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	return
}
