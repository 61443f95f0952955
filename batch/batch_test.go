package batch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nominal-io/nominal-client-sub001/queue"
	"github.com/nominal-io/nominal-client-sub001/telemetry"
)

func item(ts int64) telemetry.BatchItem {
	return telemetry.BatchItem{Channel: "c", Timestamp: ts, Value: telemetry.Float64Value(1)}
}

func TestBatcherEmitsOnSizeThreshold(t *testing.T) {
	in := queue.New(queue.Options[telemetry.BatchItem]{Capacity: 100})
	out := queue.New(queue.Options[telemetry.Batch]{Capacity: 100})
	b := New(in, out, Options{MaxBatchSize: 3, MaxBatchDuration: time.Hour})

	go b.Run()

	require.NoError(t, in.Put(item(10)))
	require.NoError(t, in.Put(item(30)))
	require.NoError(t, in.Put(item(20)))

	got, ok := out.Get()
	require.True(t, ok)
	assert.Len(t, got.Items, 3)
	assert.Equal(t, int64(10), got.OldestTimestamp)
	assert.Equal(t, int64(30), got.NewestTimestamp)

	in.Shutdown()
}

func TestBatcherEmitsOnTimeThreshold(t *testing.T) {
	in := queue.New(queue.Options[telemetry.BatchItem]{Capacity: 100})
	out := queue.New(queue.Options[telemetry.Batch]{Capacity: 100})
	b := New(in, out, Options{MaxBatchSize: 1000, MaxBatchDuration: 30 * time.Millisecond})

	go b.Run()

	require.NoError(t, in.Put(item(5)))

	got, ok := out.Get()
	require.True(t, ok)
	assert.Len(t, got.Items, 1)
	assert.Equal(t, int64(5), got.OldestTimestamp)
	assert.Equal(t, int64(5), got.NewestTimestamp)

	in.Shutdown()
}

func TestBatcherNeverEmitsEmptyBatches(t *testing.T) {
	in := queue.New(queue.Options[telemetry.BatchItem]{Capacity: 100})
	out := queue.New(queue.Options[telemetry.Batch]{Capacity: 100})
	b := New(in, out, Options{MaxBatchSize: 1000, MaxBatchDuration: 20 * time.Millisecond})

	go b.Run()

	// No items flow, several windows elapse.
	time.Sleep(70 * time.Millisecond)
	in.Shutdown()

	_, ok := out.Get()
	assert.False(t, ok, "no batch should have been emitted and out should shut down cleanly")
}

func TestBatcherFlushesPartialBatchOnShutdown(t *testing.T) {
	in := queue.New(queue.Options[telemetry.BatchItem]{Capacity: 100})
	out := queue.New(queue.Options[telemetry.Batch]{Capacity: 100})
	b := New(in, out, Options{MaxBatchSize: 1000, MaxBatchDuration: time.Hour})

	go b.Run()

	require.NoError(t, in.Put(item(1)))
	require.NoError(t, in.Put(item(2)))
	in.Shutdown()

	got, ok := out.Get()
	require.True(t, ok)
	assert.Len(t, got.Items, 2)

	_, ok = out.Get()
	assert.False(t, ok, "out should be shut down after the final partial batch")
}
