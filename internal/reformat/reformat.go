// Package reformat consolidates small unprocessed batch files into
// reformatted files of exactly chunk-length documents.
package reformat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/withObsrvr/thump-stream/internal/batch"
	"github.com/withObsrvr/thump-stream/internal/metrics"
	"github.com/withObsrvr/thump-stream/internal/storage"
)

// ErrInvalidChunk is returned when an assembled chunk fails validation.
var ErrInvalidChunk = errors.New("invalid chunk")

// Strategy selects how unprocessed files are consumed.
type Strategy string

const (
	// Files merges the first chunk-length files in name order.
	Files Strategy = "files"
	// Objects merges every unprocessed document, writes all full chunks and
	// re-persists the remainder.
	Objects Strategy = "objects"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(s)) {
	case Files, "":
		return Files, nil
	case Objects:
		return Objects, nil
	default:
		return "", fmt.Errorf("unknown reformat strategy %q (want files or objects)", s)
	}
}

// State is the phase a reformatting round ended in.
type State string

const (
	Scanning     State = "scanning"
	Insufficient State = "insufficient"
	Merging      State = "merging"
	Committed    State = "committed"
)

// remainderChunk is the chunk index reserved for re-persisted remainders.
// It sorts before every stream chunk, so remainders are consumed first.
const remainderChunk = 0

// Result summarizes one round.
type Result struct {
	State     State
	Scanned   int      // unprocessed files found
	Written   []string // reformatted files created
	Remainder string   // re-persisted remainder, if any
	Deleted   []string // consumed files removed
}

// Reformatter merges unprocessed batch files. Rounds are serialized; running
// two Reformatters over the same directory needs external locking.
type Reformatter struct {
	writer   *batch.Writer
	store    storage.Store
	chunkLen int
	strategy Strategy
	log      *slog.Logger

	mu sync.Mutex
}

// New creates a Reformatter writing through w.
func New(w *batch.Writer, chunkLen int, strategy Strategy) (*Reformatter, error) {
	if chunkLen < 1 {
		return nil, fmt.Errorf("chunk length must be >= 1, got %d", chunkLen)
	}
	if strategy == "" {
		strategy = Files
	}
	return &Reformatter{
		writer:   w,
		store:    w.Store(),
		chunkLen: chunkLen,
		strategy: strategy,
		log:      slog.With("component", "reformatter", "strategy", string(strategy)),
	}, nil
}

// Run performs one reformatting round.
func (r *Reformatter) Run(ctx context.Context) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	startTime := time.Now()
	res, err := r.run(ctx)

	if m := metrics.Get(); m != nil {
		m.IncReformatRounds(string(res.State))
		m.AddReformattedFiles(len(res.Written))
		m.ObserveReformatDuration(time.Since(startTime).Seconds())
	}

	if err != nil {
		return res, err
	}
	if res.State == Committed {
		r.log.Info("reformat committed",
			"written", res.Written,
			"remainder", res.Remainder,
			"consumed", len(res.Deleted),
			"duration_ms", time.Since(startTime).Milliseconds(),
		)
	} else {
		r.log.Debug("reformat skipped", "state", string(res.State), "unprocessed", res.Scanned)
	}
	return res, nil
}

func (r *Reformatter) run(ctx context.Context) (Result, error) {
	res := Result{State: Scanning}

	keys, err := r.store.List(ctx, "processed_")
	if err != nil {
		return res, fmt.Errorf("scan: %w", err)
	}
	names := batch.SortProcessed(keys)
	res.Scanned = len(names)

	switch r.strategy {
	case Objects:
		return r.runObjects(ctx, res, names)
	default:
		return r.runFiles(ctx, res, names)
	}
}

// runFiles consumes files in order until their union holds a full chunk.
// With one document per file this is exactly the first chunk-length files;
// any documents beyond the chunk are re-persisted as a remainder.
func (r *Reformatter) runFiles(ctx context.Context, res Result, names []batch.Name) (Result, error) {
	if len(names) < r.chunkLen {
		res.State = Insufficient
		return res, nil
	}

	res.State = Merging
	union := batch.New()
	var consumed []batch.Name
	for _, n := range names {
		if union.Len() >= r.chunkLen {
			break
		}
		b, err := r.writer.Read(ctx, n.String())
		if err != nil {
			return res, fmt.Errorf("load %s: %w", n, err)
		}
		union.Merge(b)
		consumed = append(consumed, n)
	}

	if union.Len() < r.chunkLen {
		res.State = Insufficient
		return res, nil
	}

	chunk, rest := union.Split(r.chunkLen)
	return r.commit(ctx, res, names, consumed, []*batch.Batch{chunk}, rest)
}

// runObjects consumes every unprocessed file.
func (r *Reformatter) runObjects(ctx context.Context, res Result, names []batch.Name) (Result, error) {
	if len(names) == 0 {
		res.State = Insufficient
		return res, nil
	}

	res.State = Merging
	union := batch.New()
	for _, n := range names {
		b, err := r.writer.Read(ctx, n.String())
		if err != nil {
			return res, fmt.Errorf("load %s: %w", n, err)
		}
		union.Merge(b)
	}

	if union.Len() < r.chunkLen {
		res.State = Insufficient
		return res, nil
	}

	var chunks []*batch.Batch
	rest := union
	for rest.Len() >= r.chunkLen {
		var chunk *batch.Batch
		chunk, rest = rest.Split(r.chunkLen)
		chunks = append(chunks, chunk)
	}
	return r.commit(ctx, res, names, names, chunks, rest)
}

// commit writes the chunks and the remainder, then deletes the consumed
// files. Nothing is deleted unless every write succeeded.
func (r *Reformatter) commit(ctx context.Context, res Result, all, consumed []batch.Name, chunks []*batch.Batch, rest *batch.Batch) (Result, error) {
	for _, chunk := range chunks {
		if v := ValidateChunk(chunk, r.chunkLen); !v.Passed {
			return res, fmt.Errorf("%w: %s", ErrInvalidChunk, strings.Join(v.Errors, "; "))
		} else if len(v.Warnings) > 0 {
			r.log.Warn("chunk validation warnings", "warnings", v.Warnings)
		}
	}

	// Sequence numbers are derived from what exists at write time.
	existing, err := r.store.List(ctx, "reformatted_")
	if err != nil {
		return res, fmt.Errorf("count reformatted: %w", err)
	}
	seq := batch.CountReformatted(existing) + 1

	for _, chunk := range chunks {
		key := batch.ReformattedName(seq)
		if err := r.writer.Write(ctx, key, chunk); err != nil {
			return res, fmt.Errorf("commit %s: %w", key, err)
		}
		res.Written = append(res.Written, key)
		seq++
	}

	if rest.Len() > 0 {
		key := freeRemainderName(all).String()
		if err := r.writer.Write(ctx, key, rest); err != nil {
			return res, fmt.Errorf("persist remainder %s: %w", key, err)
		}
		res.Remainder = key
	}

	var result *multierror.Error
	for _, n := range consumed {
		if err := r.store.Delete(ctx, n.String()); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		res.Deleted = append(res.Deleted, n.String())
	}
	if err := result.ErrorOrNil(); err != nil {
		return res, fmt.Errorf("delete consumed files: %w", err)
	}

	res.State = Committed
	return res, nil
}

// freeRemainderName picks an unused name in the remainder chunk.
func freeRemainderName(names []batch.Name) batch.Name {
	sub := 0
	for _, n := range names {
		if n.Chunk == remainderChunk && n.Sub >= sub {
			sub = n.Sub + 1
		}
	}
	return batch.ProcessedSub(remainderChunk, sub)
}
