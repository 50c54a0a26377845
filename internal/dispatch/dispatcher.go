// Package dispatch implements distributed ingestion: one master polls the
// alert source and hands work items to workers from a FIFO queue as they ask
// for work.
package dispatch

import (
	"errors"

	"github.com/withObsrvr/thump-stream/internal/alert"
	"github.com/withObsrvr/thump-stream/internal/metrics"
)

// ErrTopology is returned when a run is configured without workers.
var ErrTopology = errors.New("distributed mode requires at least one worker")

// WorkItem is the unit of work handed to a worker: alerts from one poll,
// written as processed_<Chunk>_<Sub+i>.json.
type WorkItem struct {
	Topic  string           `json:"topic"`
	Key    string           `json:"key"`
	Chunk  int              `json:"chunk"`
	Sub    int              `json:"sub"`
	Alerts []alert.RawAlert `json:"alerts"`
}

// Message is what the master sends to a worker: either an item or the
// terminal sentinel.
type Message struct {
	Stop bool      `json:"stop,omitempty"`
	Item *WorkItem `json:"item,omitempty"`
}

// Assignment is a message addressed to one worker.
type Assignment struct {
	Worker  int
	Message Message
}

func sentinel(worker int) Assignment {
	return Assignment{Worker: worker, Message: Message{Stop: true}}
}

// Dispatcher holds the master's queue and worker bookkeeping. It is not
// safe for concurrent use; the master owns it from a single goroutine.
type Dispatcher struct {
	queue   []WorkItem
	idle    map[int]struct{}
	stopped map[int]struct{}
	active  int

	// exhausted is set when the source will not be polled again.
	exhausted bool
	// stopping is the termination latch. Once set every request is
	// answered with the sentinel.
	stopping bool
}

// NewDispatcher creates a dispatcher for the given number of workers, all
// of which start out requesting work.
func NewDispatcher(workers int) (*Dispatcher, error) {
	if workers < 1 {
		return nil, ErrTopology
	}
	d := &Dispatcher{
		idle:    make(map[int]struct{}),
		stopped: make(map[int]struct{}),
		active:  workers,
	}
	d.report()
	return d, nil
}

// Enqueue appends items to the tail of the queue and pairs queued items with
// idle workers. The returned assignments must be delivered by the caller.
func (d *Dispatcher) Enqueue(items ...WorkItem) []Assignment {
	d.queue = append(d.queue, items...)

	var out []Assignment
	for worker := range d.idle {
		if len(d.queue) == 0 {
			break
		}
		delete(d.idle, worker)
		out = append(out, d.pop(worker))
	}
	d.report()
	return out
}

// RequestWork decides what the requesting worker gets. It returns false
// when the worker was parked in the idle set and nothing is sent yet, or
// when the request repeats one that is already parked or already stopped.
func (d *Dispatcher) RequestWork(worker int) (Assignment, bool) {
	defer d.report()

	if _, ok := d.stopped[worker]; ok {
		return Assignment{}, false
	}
	if _, ok := d.idle[worker]; ok {
		return Assignment{}, false
	}
	if d.stopping {
		return d.stop(worker), true
	}
	if len(d.queue) > 0 {
		a := d.pop(worker)
		if d.exhausted && len(d.queue) == 0 {
			d.stopping = true
		}
		return a, true
	}
	d.idle[worker] = struct{}{}
	return Assignment{}, false
}

// Exhaust records that the poll limit was reached. If the queue is already
// empty the latch is set and every idle worker is released with the
// sentinel; otherwise the latch is set when the last item is popped.
func (d *Dispatcher) Exhaust() []Assignment {
	d.exhausted = true
	if len(d.queue) > 0 || d.stopping {
		return nil
	}
	d.stopping = true

	out := make([]Assignment, 0, len(d.idle))
	for worker := range d.idle {
		delete(d.idle, worker)
		out = append(out, d.stop(worker))
	}
	d.report()
	return out
}

func (d *Dispatcher) stop(worker int) Assignment {
	d.stopped[worker] = struct{}{}
	d.active--
	countSentinels(1)
	return sentinel(worker)
}

// Done reports whether every worker has received the sentinel.
func (d *Dispatcher) Done() bool {
	return d.active == 0
}

// Stopping reports whether the termination latch is set.
func (d *Dispatcher) Stopping() bool {
	return d.stopping
}

// Queued returns the queue depth.
func (d *Dispatcher) Queued() int {
	return len(d.queue)
}

// Idle returns the number of parked workers.
func (d *Dispatcher) Idle() int {
	return len(d.idle)
}

// Active returns the number of workers that have not been stopped.
func (d *Dispatcher) Active() int {
	return d.active
}

func (d *Dispatcher) pop(worker int) Assignment {
	item := d.queue[0]
	d.queue[0] = WorkItem{}
	d.queue = d.queue[1:]
	if m := metrics.Get(); m != nil {
		m.IncItemsDispatched()
	}
	return Assignment{Worker: worker, Message: Message{Item: &item}}
}

func (d *Dispatcher) report() {
	if m := metrics.Get(); m != nil {
		m.SetDispatchState(len(d.queue), len(d.idle), d.active)
	}
}

func countSentinels(n int) {
	if m := metrics.Get(); m != nil {
		for i := 0; i < n; i++ {
			m.IncSentinelsSent()
		}
	}
}
