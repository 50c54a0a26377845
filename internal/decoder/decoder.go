// Package decoder turns alert cutouts into 2-D pixel arrays.
//
// Cutouts are FITS image containers, optionally wrapped in a gzip or zstd
// envelope (ZTF ships gzipped stamps, LSST plain FITS).
package decoder

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

var (
	// ErrEmpty is returned for a zero-length cutout.
	ErrEmpty = errors.New("empty cutout")

	// ErrNoImage is returned when the container holds no 2-D image.
	ErrNoImage = errors.New("no 2-D image in container")
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// ImageDecoder decodes one cutout blob.
type ImageDecoder interface {
	Decode(data []byte) ([][]float64, error)
}

// Decoder handles envelope decompression and FITS parsing.
// It is safe for concurrent use.
type Decoder struct {
	zstdDecoder *zstd.Decoder
}

// New creates a new cutout decoder.
func New() (*Decoder, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Decoder{zstdDecoder: dec}, nil
}

// Close releases decoder resources.
func (d *Decoder) Close() {
	if d.zstdDecoder != nil {
		d.zstdDecoder.Close()
	}
}

// Decode decompresses the cutout if needed and returns its pixels, one slice
// per image row. Non-finite pixels are returned as NaN.
func (d *Decoder) Decode(data []byte) ([][]float64, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}

	raw, err := d.unwrap(data)
	if err != nil {
		return nil, err
	}
	return DecodeFITS(raw)
}

// unwrap strips a gzip or zstd envelope, if any.
func (d *Decoder) unwrap(data []byte) ([]byte, error) {
	switch {
	case bytes.HasPrefix(data, gzipMagic):
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip open: %w", err)
		}
		defer zr.Close()
		raw, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("gzip decompress: %w", err)
		}
		return raw, nil

	case bytes.HasPrefix(data, zstdMagic):
		raw, err := d.zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return raw, nil

	default:
		return data, nil
	}
}
