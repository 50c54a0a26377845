package alert

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueMarshalNonFinite(t *testing.T) {
	tests := []struct {
		name string
		in   Value
		want string
	}{
		{"finite", Value(1.5), "1.5"},
		{"zero", Value(0), "0"},
		{"nan", Missing(), "null"},
		{"pos inf", Value(math.Inf(1)), "null"},
		{"neg inf", Value(math.Inf(-1)), "null"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := json.Marshal(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(b))
		})
	}
}

func TestThumbnailRoundTripKeepsMissingMarker(t *testing.T) {
	thumb := Thumbnail{
		{1.5, Missing()},
		{Value(math.Inf(1)), 2},
	}

	b, err := json.Marshal(thumb)
	require.NoError(t, err)
	assert.Equal(t, "[[1.5,null],[null,2]]", string(b))

	var back Thumbnail
	require.NoError(t, json.Unmarshal(b, &back))
	require.Len(t, back, 2)

	assert.True(t, back[0][0].Valid())
	assert.Equal(t, 1.5, back[0][0].Float())
	assert.False(t, back[0][1].Valid(), "null must reload as missing, not zero")
	assert.True(t, math.IsNaN(back[0][1].Float()))
	assert.False(t, back[1][0].Valid())
	assert.Equal(t, 2.0, back[1][1].Float())
}

func TestAbsentThumbnailIsNull(t *testing.T) {
	doc := Document{
		SourceID:       "1",
		ThumbnailTypes: []ImageKind{Science, Template},
		Thumbnails:     []Thumbnail{{{1}}, nil},
	}

	b, err := json.Marshal(doc)
	require.NoError(t, err)

	var back map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(b, &back))
	assert.JSONEq(t, `[[[1]],null]`, string(back["thumbnails"]))
	assert.JSONEq(t, `["science","template"]`, string(back["thumbnailTypes"]))
}

func TestThumbnailRectangular(t *testing.T) {
	assert.True(t, Thumbnail{{1, 2}, {3, 4}}.Rectangular())
	assert.True(t, Thumbnail(nil).Rectangular())
	assert.False(t, Thumbnail{{1, 2}, {3}}.Rectangular())
}
