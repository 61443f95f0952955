package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetFIFO(t *testing.T) {
	q := New(Options[int]{Capacity: 10})
	require.NoError(t, q.Put(1))
	require.NoError(t, q.Put(2))
	require.NoError(t, q.Put(3))

	for _, want := range []int{1, 2, 3} {
		got, ok := q.Get()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
}

func TestUnboundedQueueNeverBlocks(t *testing.T) {
	q := New(Options[int]{Capacity: 0})
	for i := 0; i < 1000; i++ {
		require.NoError(t, q.Put(i))
	}
	assert.Equal(t, 1000, q.Len())
}

func TestDropNewestDiscardsArriving(t *testing.T) {
	var dropped []int
	q := New(Options[int]{Capacity: 2, Mode: DropNewest, OnDrop: func(i int) { dropped = append(dropped, i) }})
	require.NoError(t, q.Put(1))
	require.NoError(t, q.Put(2))
	require.NoError(t, q.Put(3)) // dropped, queue stays [1,2]

	assert.Equal(t, []int{3}, dropped)
	v1, _ := q.Get()
	v2, _ := q.Get()
	assert.Equal(t, 1, v1)
	assert.Equal(t, 2, v2)
}

func TestDropOldestEvictsHead(t *testing.T) {
	var dropped []int
	q := New(Options[int]{Capacity: 2, Mode: DropOldest, OnDrop: func(i int) { dropped = append(dropped, i) }})
	require.NoError(t, q.Put(1))
	require.NoError(t, q.Put(2))
	require.NoError(t, q.Put(3)) // evicts 1, queue becomes [2,3]

	assert.Equal(t, []int{1}, dropped)
	v1, _ := q.Get()
	v2, _ := q.Get()
	assert.Equal(t, 2, v1)
	assert.Equal(t, 3, v2)
}

func TestBlockWaitsForCapacity(t *testing.T) {
	q := New(Options[int]{Capacity: 1, Mode: Block})
	require.NoError(t, q.Put(1))

	var wg sync.WaitGroup
	wg.Add(1)
	putDone := make(chan struct{})
	go func() {
		defer wg.Done()
		require.NoError(t, q.Put(2))
		close(putDone)
	}()

	select {
	case <-putDone:
		t.Fatal("Put should have blocked while queue is full")
	case <-time.After(50 * time.Millisecond):
	}

	_, ok := q.Get()
	require.True(t, ok)

	select {
	case <-putDone:
	case <-time.After(time.Second):
		t.Fatal("Put should have unblocked after Get freed capacity")
	}
	wg.Wait()
}

func TestShutdownUnblocksGetAndRejectsPut(t *testing.T) {
	q := New(Options[int]{Capacity: 10})
	require.NoError(t, q.Put(1))
	q.Shutdown()

	// Drains the remaining item before reporting closed.
	v, ok := q.Get()
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = q.Get()
	assert.False(t, ok)

	assert.ErrorIs(t, q.Put(2), ErrShutdown)
}

func TestGetTimeoutReturnsTimedOutWhenEmpty(t *testing.T) {
	q := New(Options[int]{Capacity: 10})
	_, ok, timedOut := q.GetTimeout(20 * time.Millisecond)
	assert.False(t, ok)
	assert.True(t, timedOut)
}

func TestGetTimeoutReturnsItemBeforeDeadline(t *testing.T) {
	q := New(Options[int]{Capacity: 10})
	require.NoError(t, q.Put(42))
	v, ok, timedOut := q.GetTimeout(time.Second)
	assert.True(t, ok)
	assert.False(t, timedOut)
	assert.Equal(t, 42, v)
}

func TestGetTimeoutWakesOnArrival(t *testing.T) {
	q := New(Options[int]{Capacity: 10})
	go func() {
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, q.Put(7))
	}()
	start := time.Now()
	v, ok, timedOut := q.GetTimeout(time.Second)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.True(t, ok)
	assert.False(t, timedOut)
	assert.Equal(t, 7, v)
}

func TestGetTimeoutReportsShutdown(t *testing.T) {
	q := New(Options[int]{Capacity: 10})
	q.Shutdown()
	_, ok, timedOut := q.GetTimeout(time.Second)
	assert.False(t, ok)
	assert.False(t, timedOut)
}

func TestShutdownUnblocksPendingGet(t *testing.T) {
	q := New(Options[int]{Capacity: 10})
	done := make(chan bool)
	go func() {
		_, ok := q.Get()
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	q.Shutdown()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Get should have unblocked on Shutdown")
	}
}
