package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/withObsrvr/thump-stream/internal/logging"
	"github.com/withObsrvr/thump-stream/internal/metrics"
	"github.com/withObsrvr/thump-stream/internal/pipeline"
	"github.com/withObsrvr/thump-stream/internal/reformat"
	"github.com/withObsrvr/thump-stream/internal/source"
	"github.com/withObsrvr/thump-stream/internal/storage"
)

// MasterConfig configures the master loop.
type MasterConfig struct {
	Workers       int           // number of workers, must be >= 1
	NPolls        int           // poll limit, negative polls forever
	MaxTimeout    time.Duration // per-poll timeout
	ReformatEvery int           // reformat after every n-th poll
}

// Master polls the source, queues one work item per alert and answers
// worker requests until every worker has been stopped.
type Master struct {
	cfg   MasterConfig
	src   source.AlertSource
	ref   *reformat.Reformatter
	store storage.Store
	tr    MasterTransport
	d     *Dispatcher
	log   *slog.Logger

	polls     int
	nextChunk int
	polling   bool
}

// NewMaster creates a master. store is the working directory the workers
// write to; it is scanned for the first free chunk index.
func NewMaster(cfg MasterConfig, src source.AlertSource, ref *reformat.Reformatter, store storage.Store, tr MasterTransport) (*Master, error) {
	d, err := NewDispatcher(cfg.Workers)
	if err != nil {
		return nil, err
	}
	if cfg.ReformatEvery < 1 {
		cfg.ReformatEvery = 1
	}
	return &Master{
		cfg:     cfg,
		src:     src,
		ref:     ref,
		store:   store,
		tr:      tr,
		d:       d,
		log:     logging.Component("master"),
		polling: true,
	}, nil
}

// Polls returns the number of polls made so far.
func (m *Master) Polls() int {
	return m.polls
}

// Run drives the protocol until the active worker count reaches zero.
func (m *Master) Run(ctx context.Context) error {
	next, err := pipeline.NextChunk(ctx, m.store)
	if err != nil {
		return err
	}
	m.nextChunk = next

	m.log.Info("starting master",
		"workers", m.cfg.Workers,
		"npolls", m.cfg.NPolls,
		"next_chunk", m.nextChunk,
	)

	if m.limitReached() {
		if err := m.exhaust(ctx); err != nil {
			return err
		}
	}

	for !m.d.Done() {
		if err := ctx.Err(); err != nil {
			return err
		}

		if m.polling {
			if err := m.poll(ctx); err != nil {
				return err
			}
			// Answer whoever asked while we were polling, then poll again.
			if err := m.serve(ctx, false); err != nil {
				return err
			}
			continue
		}

		// Draining: the source is done, wait for workers.
		if err := m.serve(ctx, true); err != nil {
			return err
		}
		m.logState(m.log)
	}

	m.reformat(ctx, m.log)
	m.log.Info("all workers stopped", "polls", m.polls)
	return nil
}

func (m *Master) limitReached() bool {
	return m.cfg.NPolls >= 0 && m.polls >= m.cfg.NPolls
}

// poll makes one poll, queues its alerts and reformats.
func (m *Master) poll(ctx context.Context) error {
	correlationID := logging.GenerateCorrelationID()
	log := logging.PollLogger(correlationID, "distributed", m.polls+1)

	start := time.Now()
	p, err := m.src.Poll(ctx, m.cfg.MaxTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Error("poll failed", "error", err)
		if mt := metrics.Get(); mt != nil {
			mt.IncSourceErrors("distributed")
		}
		p = source.Poll{}
	}
	pipeline.RecordPoll("distributed", p, time.Since(start))

	if !p.Empty() {
		chunk := m.nextChunk
		m.nextChunk++

		items := make([]WorkItem, len(p.Alerts))
		for i := range p.Alerts {
			items[i] = WorkItem{Topic: p.Topic, Key: p.Key, Chunk: chunk, Sub: i, Alerts: p.Alerts[i : i+1]}
		}
		if err := m.deliver(ctx, log, m.d.Enqueue(items...)); err != nil {
			return err
		}
		log.Info("alerts queued", "count", len(items), "chunk", chunk, "topic", p.Topic)
	}

	m.polls++
	if m.polls%m.cfg.ReformatEvery == 0 {
		m.reformat(ctx, log)
	}

	if m.limitReached() {
		if err := m.exhaust(ctx); err != nil {
			return err
		}
	}

	m.logState(log)
	return nil
}

func (m *Master) logState(log *slog.Logger) {
	log.Info("dispatch state",
		"queued", m.d.Queued(),
		"idle", m.d.Idle(),
		"active", m.d.Active(),
		"stopping", m.d.Stopping(),
	)
}

// exhaust stops polling and arms the termination latch once the queue is
// empty.
func (m *Master) exhaust(ctx context.Context) error {
	m.polling = false
	m.log.Info("poll limit reached, draining queue", "polls", m.polls, "queued", m.d.Queued())
	return m.deliver(ctx, m.log, m.d.Exhaust())
}

// serve answers work requests. With block set it waits for exactly one
// request; otherwise it answers the pending ones and returns.
func (m *Master) serve(ctx context.Context, block bool) error {
	for {
		var worker int
		if block {
			select {
			case worker = <-m.tr.Requests():
			case <-ctx.Done():
				return ctx.Err()
			}
		} else {
			select {
			case worker = <-m.tr.Requests():
			case <-ctx.Done():
				return ctx.Err()
			default:
				return nil
			}
		}

		if a, ok := m.d.RequestWork(worker); ok {
			if err := m.deliver(ctx, m.log, []Assignment{a}); err != nil {
				return err
			}
		} else {
			m.log.Debug("worker idle", "worker_id", worker, "idle", m.d.Idle())
		}

		if block || m.d.Done() {
			return nil
		}
	}
}

func (m *Master) deliver(ctx context.Context, log *slog.Logger, as []Assignment) error {
	for _, a := range as {
		if err := m.tr.Send(ctx, a.Worker, a.Message); err != nil {
			return fmt.Errorf("send to worker %d: %w", a.Worker, err)
		}
		if a.Message.Stop {
			log.Debug("sentinel sent", "worker_id", a.Worker, "active", m.d.Active())
			continue
		}
		log.Debug("item dispatched",
			"worker_id", a.Worker,
			"chunk", a.Message.Item.Chunk,
			"sub", a.Message.Item.Sub,
			"queued", m.d.Queued(),
		)
	}
	return nil
}

func (m *Master) reformat(ctx context.Context, log *slog.Logger) {
	if _, err := m.ref.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("reformat failed", "error", err)
	}
}
