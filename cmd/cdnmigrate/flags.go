package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ligustah/cdnmigrate/internal/config"
	"github.com/ligustah/cdnmigrate/internal/input"
	"github.com/ligustah/cdnmigrate/internal/transfer"
	"github.com/ligustah/cdnmigrate/pkg/cdnkey"
)

// configFlags are the options shared by every command. Flags override the
// environment, which overrides the config file.
type configFlags struct {
	fs       *flag.FlagSet
	file     *string
	logLevel *string
	sources  *string

	// override holds the parsed flag values; apply copies one of them onto a
	// loaded config, keyed by flag name.
	override config.Config
	apply    map[string]func(*config.Config)
}

// bindFlag records how the flag name is copied from the parsed values onto
// a loaded config.
func bindFlag[T any](cf *configFlags, name string, field func(*config.Config) *T) *T {
	cf.apply[name] = func(c *config.Config) { *field(c) = *field(&cf.override) }
	return field(&cf.override)
}

func registerConfigFlags(fs *flag.FlagSet) *configFlags {
	cf := &configFlags{fs: fs, apply: map[string]func(*config.Config){}}

	cf.file = fs.String("config", "", "YAML config file")
	cf.logLevel = fs.String("log-level", "info", "Log level: debug, info, warn, error")
	cf.sources = fs.String("source-columns", "", "Comma-separated source URL columns, in order of preference")

	str := func(name, usage string, field func(*config.Config) *string) {
		fs.StringVar(bindFlag(cf, name, field), name, "", usage)
	}
	num := func(name, usage string, field func(*config.Config) *int) {
		fs.IntVar(bindFlag(cf, name, field), name, 0, usage)
	}

	str("input", "CSV file to read, - for stdin (default -)",
		func(c *config.Config) *string { return &c.Input })
	str("store-url", "Destination bucket URL, e.g. s3://bucket?region=us-east-1",
		func(c *config.Config) *string { return &c.Store.URL })
	str("bucket", "Destination bucket name (env S3_BUCKET)",
		func(c *config.Config) *string { return &c.Store.Bucket })
	str("prefix", "Object key prefix, empty for the bucket root (default chizuk/audio)",
		func(c *config.Config) *string { return &c.Store.Prefix })
	str("cdn-base", "Public CDN base URL (env CDN_BASE)",
		func(c *config.Config) *string { return &c.Store.CDNBase })
	str("minio-endpoint", "S3-compatible endpoint host:port (env MINIO_ENDPOINT)",
		func(c *config.Config) *string { return &c.Store.Minio.Endpoint })
	str("database-url", "Database connection string (env DATABASE_URL)",
		func(c *config.Config) *string { return &c.Database.URL })
	str("driver", "Database driver: pgx or postgres (default pgx)",
		func(c *config.Config) *string { return &c.Database.Driver })
	str("table", "Table to update (default episodes)",
		func(c *config.Config) *string { return &c.Database.Table })
	str("id-column", "Primary key column (default id)",
		func(c *config.Config) *string { return &c.Database.IDColumn })
	str("url-column", "URL column to rewrite (default audio_url)",
		func(c *config.Config) *string { return &c.Database.URLColumn })
	num("page-size", "Updates per database round trip (default 500)",
		func(c *config.Config) *int { return &c.Database.PageSize })
	num("workers", "Number of parallel workers (default 25)",
		func(c *config.Config) *int { return &c.Workers })
	fs.Float64Var(bindFlag(cf, "rate-limit", func(c *config.Config) *float64 { return &c.RateLimit }),
		"rate-limit", 0, "Max dispatches per second, 0 for unlimited")
	fs.BoolVar(bindFlag(cf, "no-probe", func(c *config.Config) *bool { return &c.NoProbe }),
		"no-probe", false, "Skip the HEAD request before each download")
	fs.DurationVar(bindFlag(cf, "progress", func(c *config.Config) *time.Duration { return &c.Progress }),
		"progress", 0, "Print a status line at this interval, 0 to disable")
	num("retry-attempts", "Max GET retries per item, 0 to disable retries (default 2)",
		func(c *config.Config) *int { return &c.Retry.Attempts })
	str("redis-url", "Redis URL for the single-run lock (env REDIS_URL)",
		func(c *config.Config) *string { return &c.RedisURL })
	str("amqp-url", "RabbitMQ URL for url_changed events (env AMQP_URL)",
		func(c *config.Config) *string { return &c.AMQP.URL })

	return cf
}

// load applies defaults, file, environment and flags in that order. Only
// flags given on the command line override, so an explicit zero such as
// -retry-attempts 0 or -prefix "" replaces the configured value.
func (cf *configFlags) load() (config.Config, error) {
	cfg := config.Default()
	if *cf.file != "" {
		var err error
		cfg, err = config.LoadFromFile(*cf.file)
		if err != nil {
			return config.Config{}, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return config.Config{}, err
	}

	cf.fs.Visit(func(f *flag.Flag) {
		if apply, ok := cf.apply[f.Name]; ok {
			apply(&cfg)
		}
	})
	if cols := config.SplitList(*cf.sources); len(cols) > 0 {
		cfg.SourceColumns = cols
	}
	return cfg, nil
}

func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\n[cdnmigrate] Received interrupt, shutting down...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

// readItems reads the configured input.
func readItems(cfg config.Config, logger *slog.Logger) ([]transfer.Item, error) {
	var r io.Reader = os.Stdin
	if cfg.Input != "" && cfg.Input != "-" {
		f, err := os.Open(cfg.Input)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	res, err := input.Read(r, input.Options{
		SourceColumns: cfg.SourceColumns,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	return res.Items, nil
}

func deriver(cfg config.Config) cdnkey.Deriver {
	return cdnkey.Deriver{Prefix: cfg.Store.Prefix, BaseURL: cfg.Store.CDNBase}
}

// lockTTL bounds how long a crashed run blocks the next one.
const lockTTL = 2 * time.Minute
