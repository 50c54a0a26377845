package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/thump-stream/internal/alert"
	"github.com/withObsrvr/thump-stream/internal/batch"
	"github.com/withObsrvr/thump-stream/internal/logging"
	"github.com/withObsrvr/thump-stream/internal/source"
)

// ConvertConfig selects which chunks of an archive set to convert.
type ConvertConfig struct {
	Pattern    string // parquet archive glob
	ChunkLen   int    // alerts per output file
	ChunkStart int    // first chunk index to write
	NChunks    int    // number of chunks, negative converts everything
	Jobs       int    // parallel chunks, already resolved
}

// ConvertResult summarizes a conversion.
type ConvertResult struct {
	Alerts    int      // alerts found in the archives
	Documents int      // documents written
	Files     []string // files written, in chunk order
}

// Convert turns archived alerts into unprocessed batch files, one
// processed_<chunk>.json per chunk of ChunkLen alerts.
func Convert(ctx context.Context, cfg ConvertConfig, proc *Processor) (ConvertResult, error) {
	log := logging.Component("convert")
	var res ConvertResult

	if cfg.ChunkLen < 1 {
		return res, fmt.Errorf("chunk length must be >= 1, got %d", cfg.ChunkLen)
	}
	if cfg.Jobs < 1 {
		cfg.Jobs = 1
	}

	archives, err := source.ListArchives(ctx, cfg.Pattern)
	if err != nil {
		return res, err
	}

	var alerts []alert.RawAlert
	for _, loc := range archives {
		a, err := source.ReadArchive(ctx, loc)
		if err != nil {
			return res, err
		}
		alerts = append(alerts, a...)
	}
	res.Alerts = len(alerts)

	first, last := chunkRange(len(alerts), cfg.ChunkLen, cfg.ChunkStart, cfg.NChunks)
	log.Info("converting archives",
		"archives", len(archives),
		"alerts", len(alerts),
		"chunk_start", first,
		"chunk_end", last,
		"jobs", cfg.Jobs,
	)

	start := time.Now()
	var mu sync.Mutex
	written := make(map[int]string)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Jobs)
	for idx := first; idx < last; idx++ {
		idx := idx
		g.Go(func() error {
			lo := idx * cfg.ChunkLen
			hi := lo + cfg.ChunkLen
			if hi > len(alerts) {
				hi = len(alerts)
			}

			clog := log.With("chunk", idx)
			docs := proc.Transform(clog, alerts[lo:hi]...)
			if len(docs) == 0 {
				clog.Warn("chunk produced no documents")
				return nil
			}

			name := batch.Processed(idx)
			if err := proc.Writer().WriteDocuments(gctx, name, docs...); err != nil {
				return fmt.Errorf("chunk %d: %w", idx, err)
			}

			mu.Lock()
			written[idx] = name.String()
			res.Documents += len(docs)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	idxs := make([]int, 0, len(written))
	for idx := range written {
		idxs = append(idxs, idx)
	}
	sort.Ints(idxs)
	for _, idx := range idxs {
		res.Files = append(res.Files, written[idx])
	}

	log.Info("conversion finished", "files", len(res.Files), "documents", res.Documents, "duration_ms", time.Since(start).Milliseconds())
	return res, nil
}

// chunkRange returns the half-open range of chunk indices to convert.
func chunkRange(total, chunkLen, chunkStart, nchunks int) (int, int) {
	count := total / chunkLen
	if total%chunkLen > 0 {
		count++
	}
	first := chunkStart
	if first > count {
		first = count
	}
	last := count
	if nchunks >= 0 && first+nchunks < last {
		last = first + nchunks
	}
	return first, last
}
