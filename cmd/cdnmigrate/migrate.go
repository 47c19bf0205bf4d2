package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ligustah/cdnmigrate/internal/config"
	cdnhttp "github.com/ligustah/cdnmigrate/internal/http"
	"github.com/ligustah/cdnmigrate/internal/lock"
	"github.com/ligustah/cdnmigrate/internal/notify"
	"github.com/ligustah/cdnmigrate/internal/outcome"
	"github.com/ligustah/cdnmigrate/internal/pipeline"
	"github.com/ligustah/cdnmigrate/internal/progress"
	"github.com/ligustah/cdnmigrate/internal/settle"
	"github.com/ligustah/cdnmigrate/internal/store"
	"github.com/ligustah/cdnmigrate/internal/transfer"
)

// runMigrate copies every row's audio file into the bucket and then points
// the database at the new URLs in one transaction.
func runMigrate(args []string) int {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	cf := registerConfigFlags(fs)

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: cdnmigrate migrate [options]

Copy each row's audio file to the CDN bucket, then update the database with
the new URLs in a single transaction. Rows that fail are reported and left
untouched.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	cfg, err := cf.load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return ExitInvalidArgs
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fs.Usage()
		return ExitInvalidArgs
	}

	runID := uuid.NewString()
	logger, err := newLogger(os.Stderr, *cf.logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	logger = logger.With("run_id", runID)
	logger.Debug("configuration", "config", fmt.Sprintf("%+v", cfg.Redacted()))

	ctx, cancel := signalContext()
	defer cancel()

	items, err := readItems(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
		return ExitInputError
	}

	st, err := store.Open(ctx, storeOptions(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
		return ExitStorageError
	}
	defer st.Close()

	backend, closeDB, err := openBackend(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to database: %v\n", err)
		return ExitDatabaseError
	}
	defer closeDB()

	settler, err := settle.New(backend, settle.Options{
		Table:     cfg.Database.Table,
		IDColumn:  cfg.Database.IDColumn,
		URLColumn: cfg.Database.URLColumn,
		PageSize:  cfg.Database.PageSize,
		Logger:    logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	if cfg.RedisURL != "" {
		release, err := acquireLock(ctx, cfg, cancel, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			if errors.Is(err, lock.ErrHeld) {
				return ExitLocked
			}
			return ExitGeneralError
		}
		defer release()
	}

	var pub publisher
	if cfg.AMQP.URL != "" {
		p, err := notify.Dial(ctx, cfg.AMQP.URL, cfg.AMQP.Queue, notify.Options{Logger: logger})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error connecting to RabbitMQ: %v\n", err)
			return ExitGeneralError
		}
		defer p.Close()
		pub = p
	}

	httpOpts := httpOptions(cfg)
	m := &migration{
		cfg:        cfg,
		runID:      runID,
		store:      st,
		newFetcher: func() transfer.Fetcher { return cdnhttp.NewClient(httpOpts) },
		settler:    settler,
		publisher:  pub,
		out:        os.Stderr,
		logger:     logger,
	}
	return m.run(ctx, items)
}

// publisher announces committed updates.
type publisher interface {
	PublishUpdates(ctx context.Context, runID, table string, updates []outcome.Update) (int, error)
}

// migration holds everything a run needs once setup has succeeded.
type migration struct {
	cfg        config.Config
	runID      string
	store      store.Store
	newFetcher func() transfer.Fetcher
	settler    *settle.Settler
	publisher  publisher
	out        io.Writer
	logger     *slog.Logger
}

func (m *migration) run(ctx context.Context, items []transfer.Item) int {
	reporter := progress.NewReporter(progress.Options{
		Total:          len(items),
		Workers:        m.cfg.Workers,
		Destination:    m.store.Location(""),
		Output:         m.out,
		UpdateInterval: m.cfg.Progress,
	})
	reporter.Start()

	workerOpts := transfer.Options{
		Deriver:  deriver(m.cfg),
		NoProbe:  m.cfg.NoProbe,
		Observer: reporter,
		Logger:   m.logger,
	}

	snap := pipeline.Run(ctx, items, pipeline.Options{
		Workers: m.cfg.Workers,
		NewWorker: func() pipeline.Transferer {
			return transfer.NewWorker(m.newFetcher(), m.store, workerOpts)
		},
		RateLimit: rate.Limit(m.cfg.RateLimit),
		Reporter:  reporter,
		Logger:    m.logger,
	})
	reporter.Stop()
	reporter.Summary(snap)

	m.logger.Info("transfers finished",
		"succeeded", len(snap.Successes),
		"failed", len(snap.Failures),
		"skipped", snap.Skipped,
	)

	if ctx.Err() != nil {
		fmt.Fprintln(m.out, "[cdnmigrate] Interrupted, database left unchanged. Re-running overwrites uploaded objects.")
		return ExitGeneralError
	}

	updates := snap.Updates()
	report, err := m.settler.Settle(ctx, updates)
	if err != nil {
		m.logger.Error("settlement failed", "error", err, "updates", len(updates))
		fmt.Fprintf(m.out, "[cdnmigrate] FATAL: database update rolled back: %v\n", err)
		return ExitSettlementFailed
	}
	for _, id := range report.Unmatched {
		m.logger.Warn("no row matched id", "id", id)
	}
	fmt.Fprintf(m.out, "[cdnmigrate] Updated %d rows in %s\n", report.Updated, m.cfg.Database.Table)

	if m.publisher != nil && len(updates) > 0 {
		n, err := m.publisher.PublishUpdates(ctx, m.runID, m.cfg.Database.Table, updates)
		if err != nil {
			m.logger.Warn("publishing url_changed events failed", "published", n, "total", len(updates), "error", err)
		}
	}

	return ExitSuccess
}

func storeOptions(cfg config.Config) store.Options {
	return store.Options{
		URL: cfg.StoreURL(),
		Minio: store.MinioOptions{
			Endpoint:  cfg.Store.Minio.Endpoint,
			AccessKey: cfg.Store.Minio.AccessKey,
			SecretKey: cfg.Store.Minio.SecretKey,
			Region:    cfg.Store.Region,
			Bucket:    cfg.Store.Bucket,
			UseSSL:    cfg.Store.Minio.UseSSL,
		},
	}
}

func httpOptions(cfg config.Config) cdnhttp.Options {
	opts := cdnhttp.DefaultOptions()
	opts.Probe = cdnhttp.Timeouts{Connect: cfg.Timeouts.ProbeConnect, Read: cfg.Timeouts.ProbeRead}
	opts.Fetch = cdnhttp.Timeouts{Connect: cfg.Timeouts.FetchConnect, Read: cfg.Timeouts.FetchRead}
	opts.RetryAttempts = cfg.Retry.Attempts
	if cfg.Retry.Backoff > 0 {
		opts.RetryBackoff = cfg.Retry.Backoff
	}
	if cfg.Retry.MaxBackoff > 0 {
		opts.RetryMaxBackoff = cfg.Retry.MaxBackoff
	}
	return opts
}

// openBackend connects the configured database driver.
func openBackend(ctx context.Context, cfg config.Config) (settle.Backend, func(), error) {
	switch cfg.Database.Driver {
	case config.DriverPq:
		b, err := settle.OpenSQL(ctx, cfg.DSN(), 2)
		if err != nil {
			return nil, nil, err
		}
		return b, func() { b.Close() }, nil
	default:
		b, err := settle.OpenPgx(ctx, cfg.DSN(), 2, false)
		if err != nil {
			return nil, nil, err
		}
		return b, func() { b.Close() }, nil
	}
}

// acquireLock takes the table lock and keeps it alive. Losing the lock
// cancels the run.
func acquireLock(ctx context.Context, cfg config.Config, cancel context.CancelFunc, logger *slog.Logger) (func(), error) {
	client, err := lock.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}

	l, err := client.Acquire(ctx, lock.Key(cfg.Database.Table), lockTTL)
	if err != nil {
		client.Close()
		return nil, err
	}
	l.KeepAlive(ctx, func(err error) {
		logger.Error("lost migration lock, stopping", "error", err)
		cancel()
	})

	return func() {
		if err := l.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("release lock", "error", err)
		}
		client.Close()
	}, nil
}
