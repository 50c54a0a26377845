package decoder

import (
	"bytes"
	"fmt"
	"math"

	"github.com/astrogo/fitsio"
)

// DecodeFITS returns the first 2-D image found in a FITS container.
// BSCALE/BZERO are applied and integer BLANK pixels become NaN.
func DecodeFITS(raw []byte) ([][]float64, error) {
	f, err := fitsio.Open(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("open fits: %w", err)
	}
	defer f.Close()

	for _, hdu := range f.HDUs() {
		img, ok := hdu.(fitsio.Image)
		if !ok {
			continue
		}
		if len(img.Header().Axes()) != 2 {
			continue
		}
		return imagePixels(img)
	}
	return nil, ErrNoImage
}

func imagePixels(img fitsio.Image) ([][]float64, error) {
	hdr := img.Header()
	bitpix := hdr.Bitpix()
	axes := hdr.Axes()
	width, height := axes[0], axes[1]

	size := bitpix / 8
	if size < 0 {
		size = -size
	}
	if need := width * height * size; len(img.Raw()) < need {
		return nil, fmt.Errorf("truncated image data: have %d bytes, need %d", len(img.Raw()), need)
	}

	samples, ints, err := readSamples(img, bitpix, width*height)
	if err != nil {
		return nil, err
	}

	scale := cardFloat(hdr, "BSCALE", 1)
	zero := cardFloat(hdr, "BZERO", 0)
	blank, hasBlank := cardInt(hdr, "BLANK")

	pixels := make([][]float64, height)
	for y := 0; y < height; y++ {
		row := make([]float64, width)
		for x := 0; x < width; x++ {
			i := y*width + x
			if ints != nil && hasBlank && ints[i] == blank {
				row[x] = math.NaN()
				continue
			}
			row[x] = samples[i]*scale + zero
		}
		pixels[y] = row
	}
	return pixels, nil
}

// readSamples decodes n raw samples through fitsio. Integer images also
// return the unscaled values for the BLANK comparison.
func readSamples(img fitsio.Image, bitpix, n int) ([]float64, []int64, error) {
	var ints []int64
	switch bitpix {
	case 8:
		buf := make([]byte, n)
		if err := img.Read(&buf); err != nil {
			return nil, nil, fmt.Errorf("read image: %w", err)
		}
		ints = widen(buf)
	case 16:
		buf := make([]int16, n)
		if err := img.Read(&buf); err != nil {
			return nil, nil, fmt.Errorf("read image: %w", err)
		}
		ints = widen(buf)
	case 32:
		buf := make([]int32, n)
		if err := img.Read(&buf); err != nil {
			return nil, nil, fmt.Errorf("read image: %w", err)
		}
		ints = widen(buf)
	case 64:
		ints = make([]int64, n)
		if err := img.Read(&ints); err != nil {
			return nil, nil, fmt.Errorf("read image: %w", err)
		}
	case -32:
		buf := make([]float32, n)
		if err := img.Read(&buf); err != nil {
			return nil, nil, fmt.Errorf("read image: %w", err)
		}
		out := make([]float64, n)
		for i, v := range buf {
			out[i] = float64(v)
		}
		return out, nil, nil
	case -64:
		out := make([]float64, n)
		if err := img.Read(&out); err != nil {
			return nil, nil, fmt.Errorf("read image: %w", err)
		}
		return out, nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported BITPIX %d", bitpix)
	}

	out := make([]float64, n)
	for i, v := range ints {
		out[i] = float64(v)
	}
	return out, ints, nil
}

func widen[T byte | int16 | int32](buf []T) []int64 {
	out := make([]int64, len(buf))
	for i, v := range buf {
		out[i] = int64(v)
	}
	return out
}

func cardFloat(hdr *fitsio.Header, name string, def float64) float64 {
	card := hdr.Get(name)
	if card == nil {
		return def
	}
	switch v := card.Value.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return def
	}
}

func cardInt(hdr *fitsio.Header, name string) (int64, bool) {
	card := hdr.Get(name)
	if card == nil {
		return 0, false
	}
	switch v := card.Value.(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	default:
		return 0, false
	}
}
