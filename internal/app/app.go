// Package app wires configuration, storage and the pipeline stages into one
// handle per CLI invocation.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/piper/piper/internal/aggregate"
	"github.com/piper/piper/internal/config"
	"github.com/piper/piper/internal/discovery"
	"github.com/piper/piper/internal/doctor"
	"github.com/piper/piper/internal/envelope"
	"github.com/piper/piper/internal/export"
	"github.com/piper/piper/internal/ingest"
	"github.com/piper/piper/internal/lock"
	"github.com/piper/piper/internal/logging"
	"github.com/piper/piper/internal/manifest"
	"github.com/piper/piper/internal/metrics"
	"github.com/piper/piper/internal/quarantine"
	"github.com/piper/piper/internal/storage"
	"github.com/piper/piper/internal/store"
)

// App holds the shared resources of one invocation.
type App struct {
	cfg     *config.Config
	log     *logging.Logger
	store   *store.Store
	lock    *lock.RunLock
	metrics *metrics.Metrics

	// Now is the wall clock used for discovery and validation.
	Now func() time.Time
}

// New creates the data-root layout, opens the run logger and the migrated
// warehouse.
func New(cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	logger, err := logging.New(cfg.Logging, cfg.RunLogsDir(), time.Now())
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.WarehousePath())
	if err != nil {
		logger.Close()
		return nil, err
	}

	return &App{
		cfg:     cfg,
		log:     logger,
		store:   st,
		lock:    lock.New(cfg.StateDir()),
		metrics: metrics.New(),
		Now:     time.Now,
	}, nil
}

// Config returns the resolved configuration.
func (a *App) Config() *config.Config { return a.cfg }

// Logger returns the run logger.
func (a *App) Logger() *logging.Logger { return a.log }

// Store returns the warehouse.
func (a *App) Store() *store.Store { return a.store }

// Metrics returns the run metrics.
func (a *App) Metrics() *metrics.Metrics { return a.metrics }

// Close releases the warehouse and flushes the run log.
func (a *App) Close() error {
	err := a.store.Close()
	if lerr := a.log.Close(); err == nil {
		err = lerr
	}
	return err
}

// Loader builds an ingest loader over the configured source tree.
func (a *App) Loader() *ingest.Loader {
	return ingest.New(ingest.Deps{
		Store:      a.store,
		Manifest:   manifest.New(a.store.DB()),
		Quarantine: quarantine.NewSink(a.cfg.QuarantineDir()),
		Validator:  envelope.NewValidator(a.cfg.Ingest.ClockSkewTolerance),
		Discoverer: &discovery.Scanner{
			Root:      a.cfg.Paths.RawRoot,
			Extension: a.cfg.Ingest.Extension,
			Settle:    a.cfg.Ingest.SettleWindow,
			Now:       a.Now,
		},
		Lock:    a.lock,
		Metrics: a.metrics,
		Logger:  a.log.Logger,
		Now:     a.Now,
	})
}

// Ingest runs the loader.
func (a *App) Ingest(ctx context.Context, opts ingest.RunOptions) (*ingest.RunSummary, error) {
	a.log.Info("ingest started",
		zap.Bool("dry_run", opts.DryRun),
		zap.Int("limit", opts.Limit),
		zap.Bool("force", opts.Force),
		zap.Time("since", opts.Since),
		zap.Time("until", opts.Until),
	)
	return a.Loader().Run(ctx, opts)
}

// Materialize rebuilds the reporting views under the run lock.
func (a *App) Materialize(ctx context.Context, only string) ([]string, error) {
	var built []string
	err := a.lock.WithLock(func() error {
		var err error
		built, err = aggregate.Materialize(ctx, a.store.DB(), only)
		return err
	})
	if err != nil {
		return nil, err
	}
	a.log.Info("materialize complete", zap.Strings("views", built))
	return built, nil
}

// Doctor runs the health checks.
func (a *App) Doctor(ctx context.Context, only string) ([]doctor.Result, error) {
	d := doctor.New(a.store.DB())
	d.Now = a.Now
	results, err := d.Run(ctx, only)
	if err != nil {
		return results, err
	}
	for _, r := range results {
		a.log.Info("doctor check",
			zap.String("check", r.Name),
			zap.String("status", string(r.Status)),
			zap.String("message", r.Message),
		)
	}
	return results, nil
}

// Destination builds the configured publish target, nil for "none".
func (a *App) Destination(ctx context.Context) (storage.ObjectStore, error) {
	switch a.cfg.Export.Destination {
	case "local":
		st, err := storage.NewLocalStore(a.cfg.Export.Path)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "s3":
		st, err := storage.NewS3Store(ctx, a.cfg.Export.S3)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, nil
	}
}

// Export rebuilds the Parquet tree and publishes it under the run lock.
func (a *App) Export(ctx context.Context) (*export.Result, error) {
	dest, err := a.Destination(ctx)
	if err != nil {
		return nil, err
	}
	exp := export.New(a.store.DB(), export.Options{
		SilverDir:   a.cfg.SilverDir(),
		Destination: dest,
		Prefix:      a.cfg.Export.Prefix,
		Metrics:     a.metrics,
		Logger:      a.log.Logger,
		Now:         a.Now,
	})

	var res *export.Result
	err = a.lock.WithLock(func() error {
		var err error
		res, err = exp.Export(ctx)
		return err
	})
	return res, err
}

// Manifest lists the processed-file records.
func (a *App) Manifest(ctx context.Context) ([]*manifest.Record, error) {
	return manifest.New(a.store.DB()).List(ctx)
}

// Finish records the run outcome and writes the metrics textfile.
func (a *App) Finish(command string, runErr error, d time.Duration) {
	a.metrics.RecordRun(command, runErr == nil, d, time.Now())
	if err := a.metrics.WriteTextfile(a.cfg.Metrics.Textfile); err != nil {
		a.log.Warn("failed to write metrics textfile", zap.Error(err))
	}
	if runErr != nil {
		a.log.Error(command+" failed", zap.Error(runErr), zap.Duration("duration", d))
		return
	}
	a.log.Info(command+" finished", zap.Duration("duration", d))
}
