package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/withObsrvr/thump-stream/internal/alert"
	"github.com/withObsrvr/thump-stream/internal/batch"
	"github.com/withObsrvr/thump-stream/internal/metrics"
	"github.com/withObsrvr/thump-stream/internal/transform"
)

// Processor runs the transformer and the batch writer for one unit of work.
// It is shared by the poll loop, archive conversion and dispatch workers.
type Processor struct {
	tr *transform.Transformer
	w  *batch.Writer
}

// NewProcessor creates a processor.
func NewProcessor(tr *transform.Transformer, w *batch.Writer) *Processor {
	return &Processor{tr: tr, w: w}
}

// Writer returns the batch writer.
func (p *Processor) Writer() *batch.Writer {
	return p.w
}

// Process transforms a and persists it as its own batch file under name.
// It reports whether a document was written. Alerts the transformer rejects
// are logged and dropped; only write errors are returned.
func (p *Processor) Process(ctx context.Context, log *slog.Logger, a alert.RawAlert, name batch.Name) (bool, error) {
	docs := p.Transform(log, a)
	if len(docs) == 0 {
		return false, nil
	}
	if err := p.w.WriteDocuments(ctx, name, docs...); err != nil {
		return false, err
	}
	return true, nil
}

// Transform converts alerts, dropping the ones that fail.
func (p *Processor) Transform(log *slog.Logger, alerts ...alert.RawAlert) []alert.Document {
	docs := make([]alert.Document, 0, len(alerts))
	for _, a := range alerts {
		doc, err := p.tr.Transform(a)
		if err != nil {
			reason := "other"
			switch {
			case errors.Is(err, transform.ErrMissingField):
				reason = "missing_field"
			case errors.Is(err, transform.ErrNoThumbnails):
				reason = "no_thumbnails"
			}
			log.Warn("dropping alert", "reason", reason, "error", err)
			if m := metrics.Get(); m != nil {
				m.IncAlertsDropped(reason)
			}
			continue
		}
		docs = append(docs, doc)
	}
	return docs
}
