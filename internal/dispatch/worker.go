package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/thump-stream/internal/batch"
	"github.com/withObsrvr/thump-stream/internal/logging"
	"github.com/withObsrvr/thump-stream/internal/pipeline"
	"github.com/withObsrvr/thump-stream/internal/reformat"
	"github.com/withObsrvr/thump-stream/internal/source"
)

// Worker requests items from the master and processes them one at a time
// until it receives the sentinel.
type Worker struct {
	id    int
	tr    WorkerTransport
	proc  *pipeline.Processor
	log   *slog.Logger
	items int
}

// NewWorker creates worker id.
func NewWorker(id int, tr WorkerTransport, proc *pipeline.Processor) *Worker {
	return &Worker{
		id:   id,
		tr:   tr,
		proc: proc,
		log:  logging.WorkerLogger(id),
	}
}

// Items returns the number of items processed.
func (w *Worker) Items() int {
	return w.items
}

// Run loops request, receive, process. A failed item is logged and lost;
// the worker moves on to the next request.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started")
	for {
		if err := w.tr.Request(ctx); err != nil {
			return fmt.Errorf("worker %d: %w", w.id, err)
		}
		msg, err := w.tr.Receive(ctx)
		if err != nil {
			return fmt.Errorf("worker %d: %w", w.id, err)
		}
		if msg.Stop {
			w.log.Info("worker stopped", "items", w.items)
			return nil
		}
		if msg.Item == nil {
			w.log.Warn("empty message from master")
			continue
		}
		w.process(ctx, *msg.Item)
	}
}

func (w *Worker) process(ctx context.Context, item WorkItem) {
	log := w.log.With("chunk", item.Chunk, "sub", item.Sub, "topic", item.Topic)
	written := 0
	for i, a := range item.Alerts {
		ok, err := w.proc.Process(ctx, log, a, batch.ProcessedSub(item.Chunk, item.Sub+i))
		if err != nil {
			log.Error("item lost", "error", err)
			continue
		}
		if ok {
			written++
		}
	}
	w.items++
	log.Debug("item processed", "alerts", len(item.Alerts), "written", written)
}

// RunLocal runs a master and cfg.Workers worker goroutines connected by
// channels, returning when every worker has stopped.
func RunLocal(ctx context.Context, cfg MasterConfig, src source.AlertSource, ref *reformat.Reformatter, proc *pipeline.Processor) error {
	if cfg.Workers < 1 {
		return ErrTopology
	}
	tr := NewLocal(cfg.Workers)
	master, err := NewMaster(cfg, src, ref, proc.Writer().Store(), tr)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for id := 1; id <= cfg.Workers; id++ {
		w := NewWorker(id, tr.Worker(id), proc)
		g.Go(func() error {
			return w.Run(gctx)
		})
	}
	g.Go(func() error {
		return master.Run(gctx)
	})
	return g.Wait()
}
