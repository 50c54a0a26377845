package decoder

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fitsBlock = 2880

// fitsCard formats one fixed-format 80 character header card.
func fitsCard(key, value string) string {
	card := fmt.Sprintf("%-8s= %20s", key, value)
	return card + strings.Repeat(" ", 80-len(card))
}

func padBlock(b []byte, fill byte) []byte {
	if rem := len(b) % fitsBlock; rem != 0 {
		b = append(b, bytes.Repeat([]byte{fill}, fitsBlock-rem)...)
	}
	return b
}

// makeFITS builds a primary-HDU FITS image of the given rows.
func makeFITS(t *testing.T, bitpix int, rows [][]float64, extra ...string) []byte {
	t.Helper()

	height := len(rows)
	width := len(rows[0])

	var hdr strings.Builder
	hdr.WriteString(fitsCard("SIMPLE", "T"))
	hdr.WriteString(fitsCard("BITPIX", fmt.Sprint(bitpix)))
	hdr.WriteString(fitsCard("NAXIS", "2"))
	hdr.WriteString(fitsCard("NAXIS1", fmt.Sprint(width)))
	hdr.WriteString(fitsCard("NAXIS2", fmt.Sprint(height)))
	for _, c := range extra {
		hdr.WriteString(c)
	}
	hdr.WriteString("END" + strings.Repeat(" ", 77))

	out := padBlock([]byte(hdr.String()), ' ')

	var data bytes.Buffer
	for _, row := range rows {
		for _, v := range row {
			switch bitpix {
			case -64:
				require.NoError(t, binary.Write(&data, binary.BigEndian, v))
			case -32:
				require.NoError(t, binary.Write(&data, binary.BigEndian, float32(v)))
			case 32:
				require.NoError(t, binary.Write(&data, binary.BigEndian, int32(v)))
			case 16:
				require.NoError(t, binary.Write(&data, binary.BigEndian, int16(v)))
			case 8:
				data.WriteByte(byte(v))
			default:
				t.Fatalf("unsupported bitpix %d in fixture", bitpix)
			}
		}
	}

	return append(out, padBlock(data.Bytes(), 0)...)
}

func TestDecodeFloatImage(t *testing.T) {
	dec, err := New()
	require.NoError(t, err)
	defer dec.Close()

	blob := makeFITS(t, -64, [][]float64{
		{1.25, 2.5, math.NaN()},
		{4, 5, 6},
	})

	pixels, err := dec.Decode(blob)
	require.NoError(t, err)
	require.Len(t, pixels, 2)
	require.Len(t, pixels[0], 3)

	assert.Equal(t, 1.25, pixels[0][0])
	assert.Equal(t, 2.5, pixels[0][1])
	assert.True(t, math.IsNaN(pixels[0][2]))
	assert.Equal(t, []float64{4, 5, 6}, pixels[1])
}

func TestDecodeScaledIntegerImage(t *testing.T) {
	dec, err := New()
	require.NoError(t, err)
	defer dec.Close()

	blob := makeFITS(t, 16, [][]float64{{0, 1}, {-1, 7}},
		fitsCard("BSCALE", "2"),
		fitsCard("BZERO", "10"),
		fitsCard("BLANK", "7"),
	)

	pixels, err := dec.Decode(blob)
	require.NoError(t, err)

	assert.Equal(t, 10.0, pixels[0][0])
	assert.Equal(t, 12.0, pixels[0][1])
	assert.Equal(t, 8.0, pixels[1][0])
	assert.True(t, math.IsNaN(pixels[1][1]), "BLANK pixels become NaN")
}

func TestDecodeIntegerWidths(t *testing.T) {
	dec, err := New()
	require.NoError(t, err)
	defer dec.Close()

	pixels, err := dec.Decode(makeFITS(t, 32, [][]float64{{-70000, 70000}, {0, -1}},
		fitsCard("BLANK", "-1"),
	))
	require.NoError(t, err)
	assert.Equal(t, []float64{-70000, 70000}, pixels[0])
	assert.Equal(t, 0.0, pixels[1][0])
	assert.True(t, math.IsNaN(pixels[1][1]))

	pixels, err = dec.Decode(makeFITS(t, 8, [][]float64{{0, 200}, {255, 3}},
		fitsCard("BSCALE", "0.5"),
	))
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 100}, pixels[0])
	assert.Equal(t, []float64{127.5, 1.5}, pixels[1])
}

func TestDecodeCompressedEnvelopes(t *testing.T) {
	blob := makeFITS(t, -32, [][]float64{{1, 2}, {3, 4}})

	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	_, err := zw.Write(blob)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	zst := enc.EncodeAll(blob, nil)
	require.NoError(t, enc.Close())

	dec, err := New()
	require.NoError(t, err)
	defer dec.Close()

	for name, data := range map[string][]byte{"plain": blob, "gzip": gz.Bytes(), "zstd": zst} {
		t.Run(name, func(t *testing.T) {
			pixels, err := dec.Decode(data)
			require.NoError(t, err)
			assert.Equal(t, [][]float64{{1, 2}, {3, 4}}, pixels)
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	dec, err := New()
	require.NoError(t, err)
	defer dec.Close()

	_, err = dec.Decode(nil)
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = dec.Decode([]byte("definitely not a fits file"))
	assert.Error(t, err)

	_, err = dec.Decode([]byte{0x1f, 0x8b, 0x00})
	assert.Error(t, err)
}
