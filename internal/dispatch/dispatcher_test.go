package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func items(chunk, n int) []WorkItem {
	out := make([]WorkItem, n)
	for i := range out {
		out[i] = WorkItem{Topic: "testing", Chunk: chunk, Sub: i}
	}
	return out
}

func TestNewDispatcherRejectsNoWorkers(t *testing.T) {
	for _, n := range []int{0, -1} {
		_, err := NewDispatcher(n)
		assert.ErrorIs(t, err, ErrTopology)
	}
}

func TestDispatcherFIFO(t *testing.T) {
	d, err := NewDispatcher(2)
	require.NoError(t, err)
	assert.Empty(t, d.Enqueue(items(1, 3)...))

	var subs []int
	for _, worker := range []int{1, 2, 1} {
		a, ok := d.RequestWork(worker)
		require.True(t, ok)
		require.NotNil(t, a.Message.Item)
		assert.Equal(t, worker, a.Worker)
		subs = append(subs, a.Message.Item.Sub)
	}
	assert.Equal(t, []int{0, 1, 2}, subs)
	assert.Zero(t, d.Queued())
}

func TestDispatcherParksAndReactivates(t *testing.T) {
	d, err := NewDispatcher(3)
	require.NoError(t, err)

	for _, worker := range []int{1, 2} {
		_, ok := d.RequestWork(worker)
		assert.False(t, ok)
	}
	assert.Equal(t, 2, d.Idle())

	out := d.Enqueue(items(1, 3)...)
	require.Len(t, out, 2)

	// Items leave the queue in order; which idle worker gets which is
	// unspecified.
	assert.Equal(t, 0, out[0].Message.Item.Sub)
	assert.Equal(t, 1, out[1].Message.Item.Sub)
	assert.ElementsMatch(t, []int{1, 2}, []int{out[0].Worker, out[1].Worker})
	assert.Zero(t, d.Idle())
	assert.Equal(t, 1, d.Queued())
	assert.Equal(t, 3, d.Active())
}

func TestDispatcherLatchArmsWhenQueueDrains(t *testing.T) {
	d, err := NewDispatcher(2)
	require.NoError(t, err)
	d.Enqueue(items(1, 2)...)

	assert.Empty(t, d.Exhaust())
	assert.False(t, d.Stopping())

	a, ok := d.RequestWork(1)
	require.True(t, ok)
	assert.False(t, a.Message.Stop)
	assert.False(t, d.Stopping())

	a, ok = d.RequestWork(2)
	require.True(t, ok)
	assert.False(t, a.Message.Stop)
	assert.True(t, d.Stopping())

	for _, worker := range []int{1, 2} {
		a, ok := d.RequestWork(worker)
		require.True(t, ok)
		assert.True(t, a.Message.Stop)
		assert.Nil(t, a.Message.Item)
	}
	assert.True(t, d.Done())
}

func TestDispatcherExhaustReleasesIdleWorkers(t *testing.T) {
	d, err := NewDispatcher(3)
	require.NoError(t, err)
	d.RequestWork(1)
	d.RequestWork(2)

	out := d.Exhaust()
	require.Len(t, out, 2)
	for _, a := range out {
		assert.True(t, a.Message.Stop)
	}
	assert.Equal(t, 1, d.Active())
	assert.False(t, d.Done())

	a, ok := d.RequestWork(3)
	require.True(t, ok)
	assert.True(t, a.Message.Stop)
	assert.True(t, d.Done())

	// A second call changes nothing.
	assert.Empty(t, d.Exhaust())
}

func TestDispatcherLatchIsSticky(t *testing.T) {
	d, err := NewDispatcher(2)
	require.NoError(t, err)
	d.Exhaust()
	require.True(t, d.Stopping())

	// Late items are never handed out once the latch is set.
	assert.Empty(t, d.Enqueue(items(2, 2)...))
	a, ok := d.RequestWork(1)
	require.True(t, ok)
	assert.True(t, a.Message.Stop)
	assert.Equal(t, 2, d.Queued())
}

func TestDispatcherIgnoresRepeatedRequests(t *testing.T) {
	d, err := NewDispatcher(2)
	require.NoError(t, err)

	_, ok := d.RequestWork(1)
	assert.False(t, ok)
	_, ok = d.RequestWork(1)
	assert.False(t, ok)
	assert.Equal(t, 1, d.Idle())

	// Parked once, so only one item leaves the queue for worker 1.
	out := d.Enqueue(items(1, 2)...)
	require.Len(t, out, 1)
	assert.Equal(t, 1, d.Queued())

	out = d.Exhaust()
	assert.Empty(t, out)
	a, ok := d.RequestWork(2)
	require.True(t, ok)
	assert.Equal(t, 1, a.Message.Item.Sub)
	require.True(t, d.Stopping())

	a, ok = d.RequestWork(2)
	require.True(t, ok)
	assert.True(t, a.Message.Stop)
	assert.Equal(t, 1, d.Active())

	// A stopped worker is counted once.
	_, ok = d.RequestWork(2)
	assert.False(t, ok)
	assert.Equal(t, 1, d.Active())
	assert.False(t, d.Done())

	a, ok = d.RequestWork(1)
	require.True(t, ok)
	assert.True(t, a.Message.Stop)
	assert.True(t, d.Done())
}
