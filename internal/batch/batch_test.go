package batch

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/thump-stream/internal/alert"
	"github.com/withObsrvr/thump-stream/internal/storage"
)

func TestNaming(t *testing.T) {
	assert.Equal(t, "processed_0007.json", Processed(7).String())
	assert.Equal(t, "processed_0007_03.json", ProcessedSub(7, 3).String())
	assert.Equal(t, "processed_12345_123.json", ProcessedSub(12345, 123).String())
	assert.Equal(t, "reformatted_0012.json", ReformattedName(12))

	tests := []struct {
		in   string
		want Name
		ok   bool
	}{
		{"processed_0007.json", Name{Chunk: 7, Sub: -1}, true},
		{"processed_0007_03.json", Name{Chunk: 7, Sub: 3}, true},
		{"processed_12345_123.json", Name{Chunk: 12345, Sub: 123}, true},
		{"processed_7.json", Name{}, false},
		{"processed_0007.json.tmp.x", Name{}, false},
		{"reformatted_0001.json", Name{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseProcessed(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	seq, ok := ParseReformatted("reformatted_0042.json")
	assert.True(t, ok)
	assert.Equal(t, 42, seq)
	_, ok = ParseReformatted("processed_0042.json")
	assert.False(t, ok)
}

func TestSortProcessed(t *testing.T) {
	keys := []string{
		"processed_10000.json",
		"processed_0002_10.json",
		"reformatted_0001.json",
		"processed_0002_02.json",
		"processed_0002.json",
		"processed_9999.json",
		"notes.txt",
	}

	var got []string
	for _, n := range SortProcessed(keys) {
		got = append(got, n.String())
	}
	assert.Equal(t, []string{
		"processed_0002.json",
		"processed_0002_02.json",
		"processed_0002_10.json",
		"processed_9999.json",
		"processed_10000.json",
	}, got)
	assert.Equal(t, 1, CountReformatted(keys))
}

func TestBatchOrderAndOverwrite(t *testing.T) {
	b := New()
	b.Put("B", json.RawMessage(`{"v": 1}`))
	b.Put("A", json.RawMessage(`{"v":2}`))
	b.Put("B", json.RawMessage(`{"v":3}`))

	assert.Equal(t, []string{"B", "A"}, b.Keys())
	doc, ok := b.Get("B")
	require.True(t, ok)
	assert.JSONEq(t, `{"v":3}`, string(doc))

	head, tail := b.Split(1)
	assert.Equal(t, []string{"B"}, head.Keys())
	assert.Equal(t, []string{"A"}, tail.Keys())

	data, err := Encode(b)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "{\n  \"B\": {\n    \"v\": 3\n  },"))

	back, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "A"}, back.Keys())
}

func TestDecodeRejectsNonObject(t *testing.T) {
	_, err := Decode([]byte(`[1,2]`))
	assert.Error(t, err)
	_, err = Decode([]byte(`{"a":`))
	assert.Error(t, err)
}

func TestMissingMarkerSurvivesFile(t *testing.T) {
	doc := alert.Document{
		SourceID:       "1",
		ObjectID:       "2",
		ThumbnailTypes: []alert.ImageKind{alert.Science},
		Thumbnails:     []alert.Thumbnail{{{1, alert.Value(math.NaN())}}},
		RA:             alert.Missing(),
	}
	b, err := FromDocuments(doc)
	require.NoError(t, err)

	data, err := Encode(b)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "NaN")

	back, err := Decode(data)
	require.NoError(t, err)
	raw, ok := back.Get("1")
	require.True(t, ok)

	var got alert.Document
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.InDelta(t, 1.0, got.Thumbnails[0][0][0].Float(), 0)
	assert.False(t, got.Thumbnails[0][0][1].Valid())
	assert.False(t, got.RA.Valid())
}

func TestWriterNeverOverwrites(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewLocalStore(t.TempDir(), "")
	require.NoError(t, err)
	w := NewWriter(store)

	require.NoError(t, w.WriteDocuments(ctx, Processed(1), alert.Document{SourceID: "A"}))

	err = w.WriteDocuments(ctx, Processed(1), alert.Document{SourceID: "B"})
	assert.True(t, errors.Is(err, storage.ErrExists))

	b, err := w.Read(ctx, Processed(1).String())
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, b.Keys())

	err = w.Write(ctx, Processed(2).String(), New())
	assert.ErrorIs(t, err, ErrEmptyBatch)
}
