// Package pipeline implements single-process ingestion: the poll loop and
// bulk conversion of alert archives.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/thump-stream/internal/alert"
	"github.com/withObsrvr/thump-stream/internal/batch"
	"github.com/withObsrvr/thump-stream/internal/checkpoint"
	"github.com/withObsrvr/thump-stream/internal/logging"
	"github.com/withObsrvr/thump-stream/internal/metrics"
	"github.com/withObsrvr/thump-stream/internal/reformat"
	"github.com/withObsrvr/thump-stream/internal/source"
	"github.com/withObsrvr/thump-stream/internal/storage"
)

// LoopConfig configures the poll loop.
type LoopConfig struct {
	Jobs          int           // worker pool size, already resolved
	NPolls        int           // poll limit, negative runs forever
	MaxTimeout    time.Duration // per-poll timeout
	ReformatEvery int           // reformat after every n-th poll
}

// Loop polls the source, processes every batch with bounded parallelism and
// consolidates the output. Poll n's batch fully drains before poll n+1.
type Loop struct {
	cfg  LoopConfig
	src  source.AlertSource
	proc *Processor
	ref  *reformat.Reformatter
	cp   checkpoint.Manager
	log  *slog.Logger

	runID     string
	polls     int
	nextChunk int
	state     checkpoint.Checkpoint
}

// NewLoop wires a poll loop.
func NewLoop(cfg LoopConfig, src source.AlertSource, proc *Processor, ref *reformat.Reformatter, cp checkpoint.Manager) *Loop {
	if cfg.Jobs < 1 {
		cfg.Jobs = 1
	}
	if cfg.ReformatEvery < 1 {
		cfg.ReformatEvery = 1
	}
	return &Loop{
		cfg:   cfg,
		src:   src,
		proc:  proc,
		ref:   ref,
		cp:    cp,
		log:   logging.Component("poll_loop"),
		runID: uuid.New().String(),
	}
}

// Polls returns the number of polls made so far.
func (l *Loop) Polls() int {
	return l.polls
}

// Run loops until the poll limit is reached or ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.resume(ctx); err != nil {
		return err
	}

	l.log.Info("starting poll loop",
		"run_id", l.runID,
		"jobs", l.cfg.Jobs,
		"npolls", l.cfg.NPolls,
		"next_chunk", l.nextChunk,
	)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.iterate(ctx); err != nil {
			return err
		}
		if l.cfg.NPolls >= 0 && l.polls >= l.cfg.NPolls {
			break
		}
	}

	l.log.Info("finished", "polls", l.polls, "alerts", l.state.Alerts)
	return nil
}

// iterate performs one poll, the batch barrier and the reformat step.
func (l *Loop) iterate(ctx context.Context) error {
	correlationID := logging.GenerateCorrelationID()
	log := logging.PollLogger(correlationID, "single", l.polls+1)
	ctx = logging.WithCorrelationID(ctx, correlationID)

	// Polling
	start := time.Now()
	p, err := l.src.Poll(ctx, l.cfg.MaxTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Error("poll failed", "error", err)
		if m := metrics.Get(); m != nil {
			m.IncSourceErrors("single")
		}
		p = source.Poll{}
	}
	RecordPoll("single", p, time.Since(start))
	if p.Empty() {
		log.Info("no alerts", "timeout", l.cfg.MaxTimeout)
	} else {
		log.Info("alerts received", "count", len(p.Alerts), "topic", p.Topic, "duration_ms", time.Since(start).Milliseconds())
	}

	// Dispatching
	if !p.Empty() {
		chunk := l.nextChunk
		l.nextChunk++
		start = time.Now()
		written, err := l.processBatch(ctx, log, chunk, p.Alerts)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error("batch aborted", "chunk", chunk, "error", err)
		}
		l.state.Alerts += len(p.Alerts)
		log.Info("batch processed", "chunk", chunk, "written", written, "duration_ms", time.Since(start).Milliseconds())
		if m := metrics.Get(); m != nil {
			m.ObserveBatchDuration(time.Since(start).Seconds())
		}
	}

	l.polls++

	// Reformatting
	if l.polls%l.cfg.ReformatEvery == 0 {
		if _, err := l.ref.Run(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error("reformat failed", "error", err)
		}
	}

	l.saveCheckpoint(ctx, log)
	return nil
}

// processBatch fans the alerts out to the pool and waits for all of them.
// Each alert gets its own file, so parallel writers never share a name.
// The first write error cancels the rest of the batch.
func (l *Loop) processBatch(ctx context.Context, log *slog.Logger, chunk int, alerts []alert.RawAlert) (int, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.Jobs)

	written := make([]bool, len(alerts))
	for i, a := range alerts {
		i, a := i, a
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ok, err := l.proc.Process(gctx, log.With("item", i), a, batch.ProcessedSub(chunk, i))
			if err != nil {
				return fmt.Errorf("item %d: %w", i, err)
			}
			written[i] = ok
			return nil
		})
	}
	err := g.Wait()

	n := 0
	for _, ok := range written {
		if ok {
			n++
		}
	}
	return n, err
}

// resume restores progress and moves the chunk counter past every chunk
// already present in the working directory.
func (l *Loop) resume(ctx context.Context) error {
	l.nextChunk = 1

	cp, err := l.cp.Load(ctx)
	switch {
	case err == nil:
		l.state = *cp
		if cp.NextChunk > l.nextChunk {
			l.nextChunk = cp.NextChunk
		}
		l.log.Info("resuming from checkpoint", "previous_run", cp.RunID, "polls", cp.Polls, "next_chunk", cp.NextChunk)
	case errors.Is(err, checkpoint.ErrNoCheckpoint):
	default:
		return fmt.Errorf("load checkpoint: %w", err)
	}

	next, err := NextChunk(ctx, l.proc.Writer().Store())
	if err != nil {
		return err
	}
	if next > l.nextChunk {
		l.nextChunk = next
	}

	l.state.RunID = l.runID
	l.state.Mode = "single"
	return nil
}

// NextChunk returns the first stream chunk index above every unprocessed
// batch file in store. Chunk 0 is reserved for reformat remainders.
func NextChunk(ctx context.Context, store storage.Store) (int, error) {
	keys, err := store.List(ctx, "processed_")
	if err != nil {
		return 0, fmt.Errorf("scan working directory: %w", err)
	}
	next := 1
	if names := batch.SortProcessed(keys); len(names) > 0 {
		if last := names[len(names)-1].Chunk + 1; last > next {
			next = last
		}
	}
	return next, nil
}

func (l *Loop) saveCheckpoint(ctx context.Context, log *slog.Logger) {
	l.state.Polls++
	l.state.NextChunk = l.nextChunk
	if err := l.cp.Save(ctx, &l.state); err != nil {
		log.Warn("failed to save checkpoint", "error", err)
	}
}

// RecordPoll updates the poll metrics for mode.
func RecordPoll(mode string, p source.Poll, elapsed time.Duration) {
	m := metrics.Get()
	if m == nil {
		return
	}
	outcome := "alerts"
	if p.Empty() {
		outcome = "empty"
	}
	m.IncPolls(mode, outcome)
	m.AddAlertsPolled(mode, len(p.Alerts))
	m.ObservePollDuration(mode, elapsed.Seconds())
}
