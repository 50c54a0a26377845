package dispatch

import (
	"context"
	"fmt"
)

// MasterTransport is the master's end of the work protocol.
type MasterTransport interface {
	// Requests delivers the identity of each worker asking for work.
	Requests() <-chan int

	// Send delivers msg to worker. It must not block on the worker.
	Send(ctx context.Context, worker int, msg Message) error

	Close() error
}

// WorkerTransport is a worker's end of the work protocol.
type WorkerTransport interface {
	// Request asks the master for the next message.
	Request(ctx context.Context) error

	// Receive blocks until the master answers.
	Receive(ctx context.Context) (Message, error)

	Close() error
}

// Local connects a master and its workers inside one process over
// channels. Worker identities are 1..workers.
type Local struct {
	requests chan int
	inboxes  map[int]chan Message
}

// NewLocal creates channels for the given number of workers.
func NewLocal(workers int) *Local {
	l := &Local{
		requests: make(chan int, workers),
		inboxes:  make(map[int]chan Message, workers),
	}
	for id := 1; id <= workers; id++ {
		// A worker has at most one outstanding request.
		l.inboxes[id] = make(chan Message, 1)
	}
	return l
}

func (l *Local) Requests() <-chan int {
	return l.requests
}

func (l *Local) Send(ctx context.Context, worker int, msg Message) error {
	inbox, ok := l.inboxes[worker]
	if !ok {
		return fmt.Errorf("unknown worker %d", worker)
	}
	select {
	case inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Local) Close() error {
	return nil
}

// Worker returns the transport for worker id.
func (l *Local) Worker(id int) WorkerTransport {
	return &localWorker{l: l, id: id}
}

type localWorker struct {
	l  *Local
	id int
}

func (w *localWorker) Request(ctx context.Context) error {
	select {
	case w.l.requests <- w.id:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *localWorker) Receive(ctx context.Context) (Message, error) {
	inbox, ok := w.l.inboxes[w.id]
	if !ok {
		return Message{}, fmt.Errorf("unknown worker %d", w.id)
	}
	select {
	case msg := <-inbox:
		return msg, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (w *localWorker) Close() error {
	return nil
}
