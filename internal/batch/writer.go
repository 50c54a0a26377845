package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/withObsrvr/thump-stream/internal/alert"
	"github.com/withObsrvr/thump-stream/internal/metrics"
	"github.com/withObsrvr/thump-stream/internal/storage"
)

// ErrEmptyBatch is returned when asked to persist no documents.
var ErrEmptyBatch = errors.New("empty batch")

// Writer persists batches into a working directory.
type Writer struct {
	store storage.Store
	log   *slog.Logger
}

// NewWriter creates a writer over store.
func NewWriter(store storage.Store) *Writer {
	return &Writer{
		store: store,
		log:   slog.With("component", "batch_writer"),
	}
}

// Store returns the underlying working directory.
func (w *Writer) Store() storage.Store {
	return w.store
}

// WriteDocuments persists docs as one unprocessed batch file under name.
func (w *Writer) WriteDocuments(ctx context.Context, name Name, docs ...alert.Document) error {
	b, err := FromDocuments(docs...)
	if err != nil {
		return err
	}
	return w.Write(ctx, name.String(), b)
}

// Write encodes b and creates key. An existing file is never overwritten;
// the storage.ErrExists error is returned instead.
func (w *Writer) Write(ctx context.Context, key string, b *Batch) error {
	if b.Len() == 0 {
		return fmt.Errorf("write %s: %w", key, ErrEmptyBatch)
	}

	data, err := Encode(b)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}

	if err := w.store.Create(ctx, key, data); err != nil {
		if m := metrics.Get(); m != nil {
			m.IncWriteErrors()
		}
		return fmt.Errorf("write batch: %w", err)
	}

	if m := metrics.Get(); m != nil {
		m.AddDocumentsWritten(b.Len())
	}
	w.log.Debug("batch written", "uri", w.store.URI(key), "documents", b.Len())
	return nil
}

// Read loads and decodes key.
func (w *Writer) Read(ctx context.Context, key string) (*Batch, error) {
	data, err := w.store.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	b, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return b, nil
}
