package serialize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/nominal-io/nominal-client-sub001/queue"
	"github.com/nominal-io/nominal-client-sub001/telemetry"
)

func batchOf(items ...telemetry.BatchItem) telemetry.Batch {
	return telemetry.NewBatch(items)
}

func TestSerializeProducesNonEmptyColumnarWire(t *testing.T) {
	p := New(Options{})
	b := batchOf(
		telemetry.BatchItem{Channel: "x", Timestamp: 1, Value: telemetry.Float64Value(1.0)},
		telemetry.BatchItem{Channel: "x", Timestamp: 2, Value: telemetry.Float64Value(2.0)},
	)

	sb, err := p.Serialize(b)
	require.NoError(t, err)
	assert.NotEmpty(t, sb.Data)
	assert.Equal(t, int64(1), sb.OldestTimestamp)
	assert.Equal(t, int64(2), sb.NewestTimestamp)
}

func TestSerializeUsesLegacyEncoderWhenConfigured(t *testing.T) {
	p := New(Options{Encoder: LegacyEncoder{}})
	b := batchOf(telemetry.BatchItem{Channel: "x", Timestamp: 1, Value: telemetry.Int64Value(42)})

	sb, err := p.Serialize(b)
	require.NoError(t, err)

	num, typ, n := protowire.ConsumeTag(sb.Data)
	require.Equal(t, protowire.Number(legacyFieldRequestRecords), num)
	require.Equal(t, protowire.BytesType, typ)
	sb.Data = sb.Data[n:]
	recordBytes, _ := protowire.ConsumeBytes(sb.Data)
	assert.NotEmpty(t, recordBytes)
}

func TestLegacyEncoderRejectsArrayValues(t *testing.T) {
	groups := telemetry.GroupItems([]telemetry.BatchItem{
		{Channel: "x", Timestamp: 1, Value: telemetry.Float64ArrayValue([]float64{1, 2})},
	})
	_, err := LegacyEncoder{}.Encode(groups)
	assert.Error(t, err)
}

func TestPoolRunDrainsInputAndShutsDownOutput(t *testing.T) {
	in := queue.New(queue.Options[telemetry.Batch]{Capacity: 10})
	out := queue.New(queue.Options[telemetry.SerializedBatch]{Capacity: 10})
	p := New(Options{Workers: 2})

	require.NoError(t, in.Put(batchOf(telemetry.BatchItem{Channel: "a", Timestamp: 1, Value: telemetry.Float64Value(1)})))
	require.NoError(t, in.Put(batchOf(telemetry.BatchItem{Channel: "b", Timestamp: 2, Value: telemetry.Float64Value(2)})))
	in.Shutdown()

	done := make(chan struct{})
	go func() {
		p.Run(in, out)
		close(done)
	}()

	seen := 0
	for {
		sb, ok := out.Get()
		if !ok {
			break
		}
		assert.NotEmpty(t, sb.Data)
		seen++
	}
	<-done
	assert.Equal(t, 2, seen)
}

func TestPoolRunSkipsBatchesThatFailToEncode(t *testing.T) {
	in := queue.New(queue.Options[telemetry.Batch]{Capacity: 10})
	out := queue.New(queue.Options[telemetry.SerializedBatch]{Capacity: 10})
	p := New(Options{Workers: 1, Encoder: LegacyEncoder{}})

	require.NoError(t, in.Put(batchOf(telemetry.BatchItem{Channel: "bad", Timestamp: 1, Value: telemetry.Float64ArrayValue([]float64{1})})))
	require.NoError(t, in.Put(batchOf(telemetry.BatchItem{Channel: "good", Timestamp: 2, Value: telemetry.Int64Value(1)})))
	in.Shutdown()

	done := make(chan struct{})
	go func() {
		p.Run(in, out)
		close(done)
	}()

	sb, ok := out.Get()
	require.True(t, ok)
	assert.NotEmpty(t, sb.Data)

	_, ok = out.Get()
	assert.False(t, ok)
	<-done
}
