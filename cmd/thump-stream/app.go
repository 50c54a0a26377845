package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/thump-stream/internal/batch"
	"github.com/withObsrvr/thump-stream/internal/config"
	"github.com/withObsrvr/thump-stream/internal/decoder"
	"github.com/withObsrvr/thump-stream/internal/logging"
	"github.com/withObsrvr/thump-stream/internal/metrics"
	"github.com/withObsrvr/thump-stream/internal/pipeline"
	"github.com/withObsrvr/thump-stream/internal/reformat"
	"github.com/withObsrvr/thump-stream/internal/source"
	"github.com/withObsrvr/thump-stream/internal/storage"
	"github.com/withObsrvr/thump-stream/internal/transform"
)

// app carries the loaded configuration and the components built from it.
type app struct {
	configPath string
	cfg        config.Config

	store storage.Store
	dec   *decoder.Decoder
}

// load reads the config file and applies the persistent flags.
func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Logging.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format, _ = flags.GetString("log-format")
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Address, _ = flags.GetString("metrics-addr")
		cfg.Metrics.Enabled = true
	}
	a.cfg = cfg

	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})
	slog.Info("thump-stream", "version", Version, "git_sha", GitSHA, "command", cmd.Name())

	if cfg.Metrics.Enabled {
		metrics.Init("")
		go func() {
			slog.Info("metrics server listening", "address", cfg.Metrics.Address)
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				slog.Error("metrics server failed", "error", err)
			}
		}()
	}
	return nil
}

func (a *app) validate() error {
	if err := a.cfg.Validate(); err != nil {
		return err
	}
	slog.Debug("configuration",
		"source_mode", a.cfg.SourceMode(),
		"storage_backend", a.cfg.Storage.Backend,
		"chunklen", a.cfg.Batch.ChunkLen,
		"strategy", a.cfg.Batch.Strategy,
	)
	return nil
}

func (a *app) storageConfig() storage.Config {
	s := a.cfg.Storage
	cfg := storage.Config{
		Backend:    s.Backend,
		LocalDir:   s.Dir,
		URL:        s.URL,
		Prefix:     s.Prefix,
		S3Endpoint: s.S3Endpoint,
		S3Region:   s.S3Region,
	}
	switch s.Backend {
	case "gcs":
		cfg.GCSBucket = s.Bucket
	case "s3":
		cfg.S3Bucket = s.Bucket
	}
	return cfg
}

// openStore opens the working directory.
func (a *app) openStore(ctx context.Context) (storage.Store, error) {
	store, err := storage.NewStore(ctx, a.storageConfig())
	if err != nil {
		return nil, fmt.Errorf("open working directory: %w", err)
	}
	a.store = store
	slog.Info("working directory", "uri", store.URI(""))
	return store, nil
}

func (a *app) newProcessor(store storage.Store) (*pipeline.Processor, error) {
	dec, err := decoder.New()
	if err != nil {
		return nil, err
	}
	a.dec = dec

	t := a.cfg.Transform
	tr := transform.New(transform.Config{
		PortalURL:        t.PortalURL,
		TimeDecimals:     t.TimeDecimals,
		PositionDecimals: t.PositionDecimals,
		PixelDecimals:    t.PixelDecimals,
	}, dec)
	return pipeline.NewProcessor(tr, batch.NewWriter(store)), nil
}

func (a *app) newReformatter(store storage.Store) (*reformat.Reformatter, error) {
	strategy, err := reformat.ParseStrategy(a.cfg.Batch.Strategy)
	if err != nil {
		return nil, err
	}
	return reformat.New(batch.NewWriter(store), a.cfg.Batch.ChunkLen, strategy)
}

func (a *app) newSource(ctx context.Context) (source.AlertSource, error) {
	s := a.cfg.Source
	src, err := source.NewAlertSource(ctx, source.SourceConfig{
		Mode:             a.cfg.SourceMode(),
		Pattern:          s.Pattern,
		Seed:             s.Seed,
		EmptyProbability: s.EmptyProbability,
		MeanAlerts:       s.MeanAlerts,
		NATSURL:          s.NATSURL,
		Subject:          s.Subject,
		Queue:            s.Queue,
		MaxAlerts:        s.MaxAlerts,
	})
	if err != nil {
		return nil, fmt.Errorf("create alert source: %w", err)
	}
	return src, nil
}

// close releases whatever was opened.
func (a *app) close() {
	if a.dec != nil {
		a.dec.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			slog.Warn("close working directory", "error", err)
		}
	}
}

// finish maps a cancelled run to a clean shutdown.
func finish(ctx context.Context, name string, err error) error {
	if err != nil && ctx.Err() != nil {
		slog.Info("shutdown complete", "command", name)
		return nil
	}
	if err != nil {
		slog.Error("command failed", "command", name, "error", err)
		return err
	}
	slog.Info("stopped cleanly", "command", name)
	return nil
}
