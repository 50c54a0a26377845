package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/thump-stream/internal/alert"
	"github.com/withObsrvr/thump-stream/internal/batch"
	"github.com/withObsrvr/thump-stream/internal/pipeline"
	"github.com/withObsrvr/thump-stream/internal/reformat"
	"github.com/withObsrvr/thump-stream/internal/source"
	"github.com/withObsrvr/thump-stream/internal/storage"
	"github.com/withObsrvr/thump-stream/internal/transform"
)

type stubDecoder struct{}

func (stubDecoder) Decode(data []byte) ([][]float64, error) {
	return [][]float64{{1, 2}, {3, 4}}, nil
}

type scriptedSource struct {
	mu    sync.Mutex
	polls []source.Poll
	calls int
}

func (s *scriptedSource) Poll(ctx context.Context, timeout time.Duration) (source.Poll, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.polls) == 0 {
		select {
		case <-time.After(timeout):
			return source.Poll{}, nil
		case <-ctx.Done():
			return source.Poll{}, ctx.Err()
		}
	}
	p := s.polls[0]
	s.polls = s.polls[1:]
	return p, nil
}

func (s *scriptedSource) Close() error { return nil }

func pollOf(ids ...string) source.Poll {
	p := source.Poll{Topic: "testing", Key: "testing"}
	for _, id := range ids {
		p.Alerts = append(p.Alerts, alert.RawAlert{
			Science:    []byte("s"),
			Template:   []byte("t"),
			Difference: []byte("d"),
			Object:     &alert.ObjectRecord{ObjectID: "9" + id, RA: 1, Dec: 2},
			Source:     &alert.SourceRecord{SourceID: id, ObservationTime: 3},
		})
	}
	return p
}

type env struct {
	store storage.Store
	proc  *pipeline.Processor
	ref   *reformat.Reformatter
}

func newEnv(t *testing.T, chunkLen int) *env {
	t.Helper()
	store, err := storage.NewLocalStore(t.TempDir(), "")
	require.NoError(t, err)
	w := batch.NewWriter(store)
	ref, err := reformat.New(w, chunkLen, reformat.Files)
	require.NoError(t, err)
	return &env{
		store: store,
		proc:  pipeline.NewProcessor(transform.New(transform.DefaultConfig(), stubDecoder{}), w),
		ref:   ref,
	}
}

func (e *env) keys(t *testing.T) []string {
	keys, err := e.store.List(context.Background(), "")
	require.NoError(t, err)
	return keys
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestMasterRejectsNoWorkers(t *testing.T) {
	e := newEnv(t, 10)
	_, err := NewMaster(MasterConfig{Workers: 0}, &scriptedSource{}, e.ref, e.store, NewLocal(0))
	assert.ErrorIs(t, err, ErrTopology)

	err = RunLocal(context.Background(), MasterConfig{Workers: 0}, &scriptedSource{}, e.ref, e.proc)
	assert.ErrorIs(t, err, ErrTopology)
}

func TestMasterOnePollTwoWorkers(t *testing.T) {
	e := newEnv(t, 100)
	ctx := testContext(t)

	src := &scriptedSource{polls: []source.Poll{pollOf("A", "B", "C")}}
	tr := NewLocal(2)
	master, err := NewMaster(MasterConfig{Workers: 2, NPolls: 1, MaxTimeout: time.Millisecond}, src, e.ref, e.store, tr)
	require.NoError(t, err)

	workers := []*Worker{
		NewWorker(1, tr.Worker(1), e.proc),
		NewWorker(2, tr.Worker(2), e.proc),
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		w := w
		g.Go(func() error { return w.Run(gctx) })
	}
	g.Go(func() error { return master.Run(gctx) })
	require.NoError(t, g.Wait())

	assert.Equal(t, 1, master.Polls())
	assert.Equal(t, 1, src.calls)
	assert.Equal(t, 3, workers[0].Items()+workers[1].Items())
	assert.Equal(t, []string{
		"processed_0001_00.json",
		"processed_0001_01.json",
		"processed_0001_02.json",
	}, e.keys(t))
}

func TestRunLocalManyPolls(t *testing.T) {
	e := newEnv(t, 100)
	src := &scriptedSource{polls: []source.Poll{pollOf("A", "B"), {}, pollOf("C")}}

	cfg := MasterConfig{Workers: 3, NPolls: 3, MaxTimeout: time.Millisecond}
	require.NoError(t, RunLocal(testContext(t), cfg, src, e.ref, e.proc))

	assert.Equal(t, 3, src.calls)
	assert.Equal(t, []string{
		"processed_0001_00.json",
		"processed_0001_01.json",
		"processed_0002_00.json",
	}, e.keys(t))
}

func TestRunLocalReformatsAtTheEnd(t *testing.T) {
	e := newEnv(t, 3)
	src := &scriptedSource{polls: []source.Poll{pollOf("A", "B", "C")}}

	cfg := MasterConfig{Workers: 2, NPolls: 1, MaxTimeout: time.Millisecond}
	require.NoError(t, RunLocal(testContext(t), cfg, src, e.ref, e.proc))

	assert.Equal(t, []string{"reformatted_0001.json"}, e.keys(t))
	b, err := e.proc.Writer().Read(context.Background(), "reformatted_0001.json")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A", "B", "C"}, b.Keys())
}

func TestRunLocalZeroPolls(t *testing.T) {
	e := newEnv(t, 10)
	src := &scriptedSource{polls: []source.Poll{pollOf("A")}}

	cfg := MasterConfig{Workers: 2, NPolls: 0, MaxTimeout: time.Millisecond}
	require.NoError(t, RunLocal(testContext(t), cfg, src, e.ref, e.proc))

	assert.Zero(t, src.calls)
	assert.Empty(t, e.keys(t))
}

func TestRunLocalResumesChunkNumbering(t *testing.T) {
	e := newEnv(t, 100)
	ctx := testContext(t)
	require.NoError(t, e.proc.Writer().WriteDocuments(ctx, batch.Processed(4), alert.Document{SourceID: "old"}))

	src := &scriptedSource{polls: []source.Poll{pollOf("A")}}
	cfg := MasterConfig{Workers: 1, NPolls: 1, MaxTimeout: time.Millisecond}
	require.NoError(t, RunLocal(ctx, cfg, src, e.ref, e.proc))

	assert.Contains(t, e.keys(t), "processed_0005_00.json")
}

func TestRunLocalStopsOnCancel(t *testing.T) {
	e := newEnv(t, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		cfg := MasterConfig{Workers: 2, NPolls: -1, MaxTimeout: time.Millisecond}
		done <- RunLocal(ctx, cfg, &scriptedSource{}, e.ref, e.proc)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("RunLocal did not return after cancel")
	}
}
