// Package transform converts raw alerts into display-ready documents.
package transform

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/withObsrvr/thump-stream/internal/alert"
	"github.com/withObsrvr/thump-stream/internal/decoder"
	"github.com/withObsrvr/thump-stream/internal/metrics"
)

var (
	// ErrMissingField is returned when the metadata needed for the document
	// key or permalink is absent. The alert is dropped.
	ErrMissingField = errors.New("missing required field")

	// ErrNoThumbnails is returned when none of the cutouts could be decoded.
	ErrNoThumbnails = errors.New("no cutout could be decoded")
)

// DecodeError reports a cutout that failed to decode.
type DecodeError struct {
	Image alert.ImageKind
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s cutout: %v", e.Image, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Config controls the document layout.
type Config struct {
	PortalURL        string // permalink prefix, object id is appended
	TimeDecimals     int    // observation time precision
	PositionDecimals int    // ra/dec precision
	PixelDecimals    int    // pixel precision, negative disables rounding
}

// DefaultConfig returns the settings used for LSST alerts.
func DefaultConfig() Config {
	return Config{
		PortalURL:        "https://lsst.fink-portal.org/",
		TimeDecimals:     4,
		PositionDecimals: 7,
		PixelDecimals:    1,
	}
}

// Transformer builds documents from raw alerts. It holds no mutable state and
// may be shared between goroutines.
type Transformer struct {
	cfg Config
	dec decoder.ImageDecoder
	log *slog.Logger
}

// New creates a Transformer using dec for the cutouts.
func New(cfg Config, dec decoder.ImageDecoder) *Transformer {
	return &Transformer{
		cfg: cfg,
		dec: dec,
		log: slog.With("component", "transform"),
	}
}

// Transform produces the document for one alert. A cutout that fails to
// decode is kept as an absent (null) thumbnail; the alert only fails when
// every cutout fails or when the key/permalink fields are missing.
func (t *Transformer) Transform(a alert.RawAlert) (alert.Document, error) {
	if a.Source == nil || a.Source.SourceID == "" {
		return alert.Document{}, fmt.Errorf("%w: diaSource.diaSourceId", ErrMissingField)
	}
	if a.Object == nil || a.Object.ObjectID == "" {
		return alert.Document{}, fmt.Errorf("%w: diaObject.diaObjectId (source %s)", ErrMissingField, a.Source.SourceID)
	}

	log := t.log.With("source_id", a.Source.SourceID)

	doc := alert.Document{
		Link:            t.permalink(a.Object.ObjectID),
		ThumbnailTypes:  make([]alert.ImageKind, 0, len(alert.Kinds)),
		Thumbnails:      make([]alert.Thumbnail, 0, len(alert.Kinds)),
		ObjectID:        a.Object.ObjectID,
		SourceID:        a.Source.SourceID,
		ObservationTime: alert.Value(Round(a.Source.ObservationTime.Float(), t.cfg.TimeDecimals)),
		RA:              alert.Value(Round(a.Object.RA.Float(), t.cfg.PositionDecimals)),
		Dec:             alert.Value(Round(a.Object.Dec.Float(), t.cfg.PositionDecimals)),
	}

	var decodeErrs []error
	for _, kind := range alert.Kinds {
		thumb, err := t.thumbnail(kind, a.Cutout(kind))
		if err != nil {
			derr := &DecodeError{Image: kind, Err: err}
			decodeErrs = append(decodeErrs, derr)
			log.Warn("cutout marked absent", "image", string(kind), "error", err)
			if m := metrics.Get(); m != nil {
				m.IncDecodeErrors(string(kind))
			}
		}
		doc.ThumbnailTypes = append(doc.ThumbnailTypes, kind)
		doc.Thumbnails = append(doc.Thumbnails, thumb)
	}

	if len(decodeErrs) == len(alert.Kinds) {
		return alert.Document{}, fmt.Errorf("%w: source %s: %w", ErrNoThumbnails, a.Source.SourceID, errors.Join(decodeErrs...))
	}

	return doc, nil
}

func (t *Transformer) thumbnail(kind alert.ImageKind, blob []byte) (alert.Thumbnail, error) {
	pixels, err := t.dec.Decode(blob)
	if err != nil {
		return nil, err
	}

	thumb := make(alert.Thumbnail, len(pixels))
	for y, row := range pixels {
		if len(row) != len(pixels[0]) {
			return nil, fmt.Errorf("%s cutout row %d has %d pixels, want %d", kind, y, len(row), len(pixels[0]))
		}
		out := make([]alert.Value, len(row))
		for x, v := range row {
			if t.cfg.PixelDecimals >= 0 {
				v = Round(v, t.cfg.PixelDecimals)
			}
			out[x] = alert.Value(v)
		}
		thumb[y] = out
	}
	return thumb, nil
}

func (t *Transformer) permalink(objectID string) string {
	return strings.TrimSuffix(t.cfg.PortalURL, "/") + "/" + objectID
}

// Round rounds v to the given number of decimals. Non-finite values are
// returned unchanged.
func Round(v float64, decimals int) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	p := math.Pow10(decimals)
	scaled := v * p
	if math.IsInf(scaled, 0) {
		// Too large to carry that many decimals anyway.
		return v
	}
	return math.Round(scaled) / p
}
