package main

import (
	"fmt"
	"log/slog"
	"runtime"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/withObsrvr/thump-stream/internal/checkpoint"
	"github.com/withObsrvr/thump-stream/internal/config"
	"github.com/withObsrvr/thump-stream/internal/dispatch"
	"github.com/withObsrvr/thump-stream/internal/pipeline"
	"github.com/withObsrvr/thump-stream/internal/storage"
)

// rootCmd is the root command; every sub-command is registered here.
func rootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:          "thump-stream",
		Short:        "Ingest astronomical alerts into display-ready thumbnail batches.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.load(cmd)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "YAML config file")
	pf.String("log-level", "info", "debug, info, warn or error")
	pf.String("log-format", "text", "text or json")
	pf.String("metrics-addr", "", "serve /metrics and /health on this address")

	cmd.AddCommand(
		streamCmd(a),
		workerCmd(a),
		convertCmd(a),
		reformatCmd(a),
		versionCmd(),
	)
	return cmd
}

// addSaveFlag registers --save, the working directory (path or bucket URL).
func addSaveFlag(fs *pflag.FlagSet) {
	fs.String("save", "", "working directory, a path or bucket URL (gs://, s3://, file://, mem://)")
}

// applySave points the storage config at --save when given.
func applySave(a *app, fs *pflag.FlagSet) {
	if !fs.Changed("save") {
		return
	}
	save, _ := fs.GetString("save")
	sc := storage.ConfigFor(save)
	a.cfg.Storage.Backend = sc.Backend
	a.cfg.Storage.Dir = sc.LocalDir
	a.cfg.Storage.URL = sc.URL
}

func streamCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Poll the alert source, write one batch file per alert and reformat into fixed-size chunks.",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			fs := cmd.Flags()
			applySave(a, fs)
			if err := applyStreamFlags(&a.cfg, fs); err != nil {
				return err
			}
			if err := a.validate(); err != nil {
				return err
			}
			return finish(cmd.Context(), "stream", runStream(cmd, a))
		},
	}

	fs := cmd.Flags()
	addSaveFlag(fs)
	fs.String("pattern", "", "glob of parquet alert archives, selects the simulated source")
	fs.Int("chunklen", 100, "documents per reformatted file")
	fs.Int("njobs", -1, "worker pool size, negative counts back from the available cores")
	fs.String("maxtimeout", "5", "poll timeout in seconds or as a duration")
	fs.Int("npolls", -1, "number of polls, negative polls forever")
	fs.Int("maxalerts", 1, "upper bound of alerts per poll")
	fs.String("strategy", "files", "reformat strategy, files or objects")
	fs.Int("reformat-every", 1, "reformat after every n-th poll")
	fs.Bool("checkpoint", false, "persist progress for restarts")
	fs.Bool("distributed", false, "run the master/worker topology")
	fs.Int("workers", 1, "number of workers in distributed mode")
	fs.String("transport", "local", "distributed transport, local or nats")
	fs.String("nats-url", "", "NATS server for the dispatch transport")
	return cmd
}

func applyStreamFlags(cfg *config.Config, fs *pflag.FlagSet) error {
	if fs.Changed("pattern") {
		cfg.Source.Pattern, _ = fs.GetString("pattern")
	}
	if fs.Changed("chunklen") {
		cfg.Batch.ChunkLen, _ = fs.GetInt("chunklen")
	}
	if fs.Changed("njobs") {
		cfg.Run.Jobs, _ = fs.GetInt("njobs")
	}
	if fs.Changed("maxtimeout") {
		v, _ := fs.GetString("maxtimeout")
		d, err := config.ParseTimeout(v)
		if err != nil {
			return fmt.Errorf("--maxtimeout: %w", err)
		}
		cfg.Source.MaxTimeout = d
	}
	if fs.Changed("npolls") {
		cfg.Run.NPolls, _ = fs.GetInt("npolls")
	}
	if fs.Changed("maxalerts") {
		cfg.Source.MaxAlerts, _ = fs.GetInt("maxalerts")
	}
	if fs.Changed("strategy") {
		cfg.Batch.Strategy, _ = fs.GetString("strategy")
	}
	if fs.Changed("reformat-every") {
		cfg.Batch.ReformatEvery, _ = fs.GetInt("reformat-every")
	}
	if fs.Changed("checkpoint") {
		cfg.Checkpoint.Enabled, _ = fs.GetBool("checkpoint")
	}
	if fs.Changed("distributed") {
		cfg.Run.Distributed, _ = fs.GetBool("distributed")
	}
	if fs.Changed("workers") {
		cfg.Run.Workers, _ = fs.GetInt("workers")
	}
	if fs.Changed("transport") {
		cfg.Run.Transport, _ = fs.GetString("transport")
	}
	if fs.Changed("nats-url") {
		cfg.Run.NATSURL, _ = fs.GetString("nats-url")
	}
	return nil
}

func runStream(cmd *cobra.Command, a *app) error {
	ctx := cmd.Context()
	cfg := a.cfg

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	proc, err := a.newProcessor(store)
	if err != nil {
		return err
	}
	ref, err := a.newReformatter(store)
	if err != nil {
		return err
	}
	src, err := a.newSource(ctx)
	if err != nil {
		return err
	}
	defer src.Close()

	if !cfg.Run.Distributed {
		cp, err := checkpoint.NewManager(checkpoint.Config{
			Enabled: cfg.Checkpoint.Enabled,
			Dir:     cfg.Checkpoint.Dir,
		})
		if err != nil {
			return err
		}
		loop := pipeline.NewLoop(pipeline.LoopConfig{
			Jobs:          config.ResolveJobs(cfg.Run.Jobs, runtime.NumCPU()),
			NPolls:        cfg.Run.NPolls,
			MaxTimeout:    cfg.Source.MaxTimeout,
			ReformatEvery: cfg.Batch.ReformatEvery,
		}, src, proc, ref, cp)
		return loop.Run(ctx)
	}

	mcfg := dispatch.MasterConfig{
		Workers:       cfg.Run.Workers,
		NPolls:        cfg.Run.NPolls,
		MaxTimeout:    cfg.Source.MaxTimeout,
		ReformatEvery: cfg.Batch.ReformatEvery,
	}
	if cfg.Run.Transport == "local" {
		return dispatch.RunLocal(ctx, mcfg, src, ref, proc)
	}

	// Workers run as separate `worker` processes.
	nc, err := nats.Connect(cfg.Run.NATSURL, nats.Name("thump-stream-master"))
	if err != nil {
		return fmt.Errorf("connect %s: %w", cfg.Run.NATSURL, err)
	}
	defer nc.Close()

	tr, err := dispatch.NewNATSMaster(nc, cfg.Run.Subject)
	if err != nil {
		return err
	}
	defer tr.Close()

	master, err := dispatch.NewMaster(mcfg, src, ref, store, tr)
	if err != nil {
		return err
	}
	return master.Run(ctx)
}

func workerCmd(a *app) *cobra.Command {
	var id int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run one distributed worker against a master over NATS.",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			fs := cmd.Flags()
			applySave(a, fs)
			if fs.Changed("nats-url") {
				a.cfg.Run.NATSURL, _ = fs.GetString("nats-url")
			}
			if id < 1 {
				return fmt.Errorf("--id must be >= 1, got %d", id)
			}
			if err := a.validate(); err != nil {
				return err
			}
			return finish(cmd.Context(), "worker", runWorker(cmd, a, id))
		},
	}

	fs := cmd.Flags()
	addSaveFlag(fs)
	fs.IntVar(&id, "id", 0, "worker identity, unique per master")
	fs.String("nats-url", "", "NATS server of the master")
	return cmd
}

func runWorker(cmd *cobra.Command, a *app, id int) error {
	ctx := cmd.Context()

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	proc, err := a.newProcessor(store)
	if err != nil {
		return err
	}

	nc, err := nats.Connect(a.cfg.Run.NATSURL, nats.Name(fmt.Sprintf("thump-stream-worker-%d", id)))
	if err != nil {
		return fmt.Errorf("connect %s: %w", a.cfg.Run.NATSURL, err)
	}
	defer nc.Close()

	tr, err := dispatch.NewNATSWorker(nc, a.cfg.Run.Subject, id)
	if err != nil {
		return err
	}
	defer tr.Close()

	return dispatch.NewWorker(id, tr, proc).Run(ctx)
}

func convertCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "convert",
		Short: "Convert parquet alert archives into processed_<chunk>.json files.",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			fs := cmd.Flags()
			applySave(a, fs)
			if fs.Changed("pattern") {
				a.cfg.Source.Pattern, _ = fs.GetString("pattern")
			}
			if fs.Changed("chunklen") {
				a.cfg.Batch.ChunkLen, _ = fs.GetInt("chunklen")
			}
			if fs.Changed("chunkstart") {
				a.cfg.Batch.ChunkStart, _ = fs.GetInt("chunkstart")
			}
			if fs.Changed("nchunks") {
				a.cfg.Batch.NChunks, _ = fs.GetInt("nchunks")
			}
			if fs.Changed("njobs") {
				a.cfg.Run.Jobs, _ = fs.GetInt("njobs")
			}
			if err := a.validate(); err != nil {
				return err
			}
			return finish(cmd.Context(), "convert", runConvert(cmd, a))
		},
	}

	fs := cmd.Flags()
	addSaveFlag(fs)
	fs.String("pattern", "", "glob of parquet alert archives")
	fs.Int("chunklen", 100, "alerts per output file")
	fs.Int("chunkstart", 0, "first chunk to convert")
	fs.Int("nchunks", -1, "number of chunks, negative converts all")
	fs.Int("njobs", -1, "parallel chunks, negative counts back from the available cores")
	return cmd
}

func runConvert(cmd *cobra.Command, a *app) error {
	ctx := cmd.Context()
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	proc, err := a.newProcessor(store)
	if err != nil {
		return err
	}

	res, err := pipeline.Convert(ctx, pipeline.ConvertConfig{
		Pattern:    a.cfg.Source.Pattern,
		ChunkLen:   a.cfg.Batch.ChunkLen,
		ChunkStart: a.cfg.Batch.ChunkStart,
		NChunks:    a.cfg.Batch.NChunks,
		Jobs:       config.ResolveJobs(a.cfg.Run.Jobs, runtime.NumCPU()),
	}, proc)
	if err != nil {
		return err
	}
	slog.Info("converted", "alerts", res.Alerts, "documents", res.Documents, "files", len(res.Files))
	return nil
}

func reformatCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reformat",
		Short: "Run one reformat round over an existing working directory.",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			fs := cmd.Flags()
			applySave(a, fs)
			if fs.Changed("chunklen") {
				a.cfg.Batch.ChunkLen, _ = fs.GetInt("chunklen")
			}
			if fs.Changed("strategy") {
				a.cfg.Batch.Strategy, _ = fs.GetString("strategy")
			}
			if err := a.validate(); err != nil {
				return err
			}
			return finish(cmd.Context(), "reformat", runReformat(cmd, a))
		},
	}

	fs := cmd.Flags()
	addSaveFlag(fs)
	fs.Int("chunklen", 100, "documents per reformatted file")
	fs.String("strategy", "files", "files or objects")
	return cmd
}

func runReformat(cmd *cobra.Command, a *app) error {
	ctx := cmd.Context()
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	ref, err := a.newReformatter(store)
	if err != nil {
		return err
	}
	res, err := ref.Run(ctx)
	if err != nil {
		return err
	}
	slog.Info("reformat finished",
		"state", res.State,
		"scanned", res.Scanned,
		"written", res.Written,
		"remainder", res.Remainder,
		"deleted", len(res.Deleted),
	)
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version.",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "thump-stream %s (%s)\n", Version, GitSHA)
			return nil
		},
	}
}
