package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultRequestRetry is how long a worker waits for an answer before it
// publishes its request again.
const DefaultRequestRetry = time.Second

// Subjects used by the NATS transport under a common prefix:
//
//	<prefix>.request       "<id>.<seq>", published by workers
//	<prefix>.worker.<id>   messages for one worker, published by the master
func requestSubject(prefix string) string {
	return prefix + ".request"
}

func workerSubject(prefix string, id int) string {
	return fmt.Sprintf("%s.worker.%d", prefix, id)
}

func formatRequest(id int, seq uint64) []byte {
	return []byte(strconv.Itoa(id) + "." + strconv.FormatUint(seq, 10))
}

func parseRequest(data []byte) (int, uint64, error) {
	idPart, seqPart, _ := strings.Cut(string(data), ".")
	id, err := strconv.Atoi(idPart)
	if err != nil {
		return 0, 0, fmt.Errorf("worker id: %w", err)
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("request sequence: %w", err)
	}
	return id, seq, nil
}

// NATSMaster is the master's end of the protocol over a NATS connection.
// Workers repeat a request until it is answered, so requests are numbered
// per worker and a repeated number is dropped.
type NATSMaster struct {
	nc       *nats.Conn
	prefix   string
	sub      *nats.Subscription
	requests chan int
	log      *slog.Logger

	// seen is only touched from the subscription callback, which NATS
	// runs serially.
	seen map[int]uint64
}

// NewNATSMaster subscribes to worker requests under prefix.
func NewNATSMaster(nc *nats.Conn, prefix string) (*NATSMaster, error) {
	m := &NATSMaster{
		nc:       nc,
		prefix:   prefix,
		requests: make(chan int, 256),
		log:      slog.With("component", "dispatch_transport", "transport", "nats"),
		seen:     make(map[int]uint64),
	}

	sub, err := nc.Subscribe(requestSubject(prefix), func(msg *nats.Msg) {
		id, seq, err := parseRequest(msg.Data)
		if err != nil {
			m.log.Warn("ignoring malformed work request", "data", string(msg.Data), "error", err)
			return
		}
		if seq <= m.seen[id] {
			m.log.Debug("duplicate work request", "worker_id", id, "seq", seq)
			return
		}
		m.seen[id] = seq
		m.requests <- id
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", requestSubject(prefix), err)
	}
	if err := nc.Flush(); err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("flush: %w", err)
	}
	m.sub = sub
	return m, nil
}

func (m *NATSMaster) Requests() <-chan int {
	return m.requests
}

func (m *NATSMaster) Send(ctx context.Context, worker int, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := m.nc.Publish(workerSubject(m.prefix, worker), data); err != nil {
		return fmt.Errorf("publish to worker %d: %w", worker, err)
	}
	return nil
}

func (m *NATSMaster) Close() error {
	if err := m.nc.Flush(); err != nil {
		m.log.Warn("flush failed", "error", err)
	}
	return m.sub.Unsubscribe()
}

// NATSWorker is one worker's end of the protocol over a NATS connection.
// The master may not be subscribed yet when a request is published, so
// Receive repeats the pending request every retry interval until an answer
// arrives.
type NATSWorker struct {
	nc     *nats.Conn
	prefix string
	id     int
	sub    *nats.Subscription
	retry  time.Duration

	// seq starts from the clock so a restarted worker is not mistaken for
	// a repeat of its previous run.
	seq     uint64
	pending bool
}

// NewNATSWorker subscribes to the messages addressed to worker id.
func NewNATSWorker(nc *nats.Conn, prefix string, id int) (*NATSWorker, error) {
	sub, err := nc.SubscribeSync(workerSubject(prefix, id))
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", workerSubject(prefix, id), err)
	}
	// The subscription must reach the server before the first request.
	if err := nc.Flush(); err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("flush: %w", err)
	}
	return &NATSWorker{
		nc:     nc,
		prefix: prefix,
		id:     id,
		sub:    sub,
		retry:  DefaultRequestRetry,
		seq:    uint64(time.Now().UnixNano()),
	}, nil
}

// SetRetry changes how long Receive waits before repeating the request.
func (w *NATSWorker) SetRetry(d time.Duration) {
	if d > 0 {
		w.retry = d
	}
}

func (w *NATSWorker) Request(ctx context.Context) error {
	w.seq++
	w.pending = true
	return w.publishRequest()
}

func (w *NATSWorker) publishRequest() error {
	if err := w.nc.Publish(requestSubject(w.prefix), formatRequest(w.id, w.seq)); err != nil {
		return fmt.Errorf("request work: %w", err)
	}
	return w.nc.Flush()
}

func (w *NATSWorker) Receive(ctx context.Context) (Message, error) {
	var msg *nats.Msg
	for {
		rctx, cancel := context.WithTimeout(ctx, w.retry)
		m, err := w.sub.NextMsgWithContext(rctx)
		cancel()
		if err == nil {
			msg = m
			w.pending = false
			break
		}
		if ctx.Err() != nil || !errors.Is(err, context.DeadlineExceeded) {
			return Message{}, fmt.Errorf("receive: %w", err)
		}
		if !w.pending {
			continue
		}
		if err := w.publishRequest(); err != nil {
			return Message{}, err
		}
	}

	var out Message
	if err := json.Unmarshal(msg.Data, &out); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return out, nil
}

func (w *NATSWorker) Close() error {
	return w.sub.Unsubscribe()
}
