// Package stream implements the Stream Orchestrator: it wires the item
// queue, batcher, serializer pool, and writer pool into one pipeline and
// exposes Enqueue/EnqueueBatch/EnqueueFromDict plus Close.
//
// Grounded on nominal/core/_stream/write_stream.py's WriteStream (the
// enqueue → thread-safe-batch → background-flush → executor.submit
// shape) ported to Go's idiom of independent goroutines connected by
// queue.Queue stages rather than a single shared mutable batch — each
// stage here owns its own queue, avoiding the cyclic self-reference a
// direct transliteration would need (an Orchestrator method closing over
// itself inside its own worker goroutines). Workers instead capture the
// small queue/pool handles they need.
package stream

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/nominal-io/nominal-client-sub001/batch"
	"github.com/nominal-io/nominal-client-sub001/metrics"
	"github.com/nominal-io/nominal-client-sub001/queue"
	"github.com/nominal-io/nominal-client-sub001/serialize"
	"github.com/nominal-io/nominal-client-sub001/telemetry"
	"github.com/nominal-io/nominal-client-sub001/transport"
	"github.com/nominal-io/nominal-client-sub001/writer"
	"github.com/nominal-io/nominal-client-sub001/xlog"
)

// Options configures an Orchestrator.
type Options struct {
	// MaxQueueSize bounds the item queue; 0 means unbounded.
	MaxQueueSize int
	// OverflowMode selects the item queue's behavior once MaxQueueSize is
	// reached. Defaults to queue.Block.
	OverflowMode queue.OverflowMode

	MaxBatchSize     int
	MaxBatchDuration time.Duration

	SerializerWorkers int
	WriterWorkers     int
	// LegacyWireFormat switches the serializer to the row-oriented
	// compatibility encoder instead of the default columnar one.
	LegacyWireFormat bool

	// TrackMetrics re-enqueues each write's latency measurements as
	// BatchItems under a channel prefixed telemetry.MetricPrefix, so they
	// flow through the same pipeline as ordinary data.
	TrackMetrics bool

	// FileSinkPath, if set, receives a length-delimited record for every
	// batch the writer pool permanently fails to deliver, so it can be
	// replayed later; the orchestrator never reads this file back.
	FileSinkPath string

	Recorder *metrics.Recorder
	Logger   *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.SerializerWorkers <= 0 {
		o.SerializerWorkers = 2
	}
	if o.WriterWorkers <= 0 {
		o.WriterWorkers = 4
	}
	if o.Logger == nil {
		o.Logger = xlog.Default()
	}
	return o
}

// Orchestrator is the entry point callers use to stream telemetry: it
// owns the item queue, the batcher, the serializer pool, and the writer
// pool, and coordinates their shutdown.
type Orchestrator struct {
	items      *queue.Queue[telemetry.BatchItem]
	batches    *queue.Queue[telemetry.Batch]
	serialized *queue.Queue[telemetry.SerializedBatch]

	writerPool *writer.Pool

	opts   Options
	cancel context.CancelFunc
	done   chan struct{} // closed once the writer stage has fully drained

	sinkMu   sync.Mutex
	sinkFile *os.File
}

// New constructs the queue, batcher, serializer pool, and writer pool,
// and starts them running in background goroutines.
func New(httpClient *transport.Client, writerOpts writer.Options, opts Options) (*Orchestrator, error) {
	opts = opts.withDefaults()

	var sinkFile *os.File
	if opts.FileSinkPath != "" {
		f, err := os.OpenFile(opts.FileSinkPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open file sink: %w", err)
		}
		sinkFile = f
	}

	writerOpts.Workers = opts.WriterWorkers
	if writerOpts.Recorder == nil {
		writerOpts.Recorder = opts.Recorder
	}
	if writerOpts.Logger == nil {
		writerOpts.Logger = opts.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())

	onDrop := func(queueName string) func(telemetry.BatchItem) {
		return func(item telemetry.BatchItem) {
			policy := opts.OverflowMode.String()
			opts.Logger.Warn("dropped item from bounded queue", "queue", queueName, "policy", policy, "channel", item.Channel)
			if opts.Recorder != nil {
				opts.Recorder.QueueDropped(queueName, policy)
			}
		}
	}

	// batches and serialized never configure an OverflowMode of their own
	// (they stay at the Block default), so they can never actually drop an
	// item; only items, whose mode callers control via opts.OverflowMode,
	// needs the hook wired.
	o := &Orchestrator{
		items:      queue.New(queue.Options[telemetry.BatchItem]{Capacity: opts.MaxQueueSize, Mode: opts.OverflowMode, OnDrop: onDrop("items")}),
		batches:    queue.New(queue.Options[telemetry.Batch]{Capacity: opts.MaxQueueSize}),
		serialized: queue.New(queue.Options[telemetry.SerializedBatch]{Capacity: opts.MaxQueueSize}),
		writerPool: writer.New(httpClient, writerOpts),
		opts:       opts,
		cancel:     cancel,
		done:       make(chan struct{}),
		sinkFile:   sinkFile,
	}

	b := batch.New(o.items, o.batches, batch.Options{
		MaxBatchSize:     opts.MaxBatchSize,
		MaxBatchDuration: opts.MaxBatchDuration,
		Logger:           opts.Logger,
	})

	var encoder serialize.Encoder
	if opts.LegacyWireFormat {
		encoder = serialize.LegacyEncoder{}
	}
	serializerPool := serialize.New(serialize.Options{
		Workers: opts.SerializerWorkers,
		Encoder: encoder,
		Logger:  opts.Logger,
	})

	go b.Run()
	go serializerPool.Run(o.batches, o.serialized)
	go o.runWriterStage(ctx)

	return o, nil
}

// runWriterStage drains the serialized queue, writes each batch, and
// handles permanent failures: re-enqueuing metrics on success, and
// appending to the file sink on failure. It closes o.done once the
// serialized queue is shut down and drained.
func (o *Orchestrator) runWriterStage(ctx context.Context) {
	defer close(o.done)

	var wg sync.WaitGroup
	wg.Add(o.opts.WriterWorkers)
	for i := 0; i < o.opts.WriterWorkers; i++ {
		go func() {
			defer wg.Done()
			for {
				sb, ok := o.serialized.Get()
				if !ok {
					return
				}
				m, err := o.writerPool.Write(ctx, sb)
				if err != nil {
					o.handleWriteFailure(sb, err)
					continue
				}
				if o.opts.TrackMetrics {
					o.enqueueMetrics(m)
				}
			}
		}()
	}
	wg.Wait()
}

func (o *Orchestrator) handleWriteFailure(sb telemetry.SerializedBatch, cause error) {
	if o.sinkFile == nil {
		return
	}
	if err := o.appendToSink(sb); err != nil {
		o.opts.Logger.Error("failed to append undeliverable batch to file sink",
			"path", o.opts.FileSinkPath, "write_error", cause, "sink_error", err)
	}
}

// appendToSink writes sb as one length-delimited record: an 8-byte
// OldestTimestamp, an 8-byte NewestTimestamp, a 4-byte big-endian length,
// then the payload bytes, so a later offline tool can scan the file
// without parsing the protobuf payload first.
func (o *Orchestrator) appendToSink(sb telemetry.SerializedBatch) error {
	o.sinkMu.Lock()
	defer o.sinkMu.Unlock()

	var header [20]byte
	binary.BigEndian.PutUint64(header[0:8], uint64(sb.OldestTimestamp))
	binary.BigEndian.PutUint64(header[8:16], uint64(sb.NewestTimestamp))
	binary.BigEndian.PutUint32(header[16:20], uint32(len(sb.Data)))

	if _, err := o.sinkFile.Write(header[:]); err != nil {
		return err
	}
	_, err := o.sinkFile.Write(sb.Data)
	return err
}

func (o *Orchestrator) enqueueMetrics(m metrics.Request) {
	now := time.Now().UnixNano()
	fields := map[string]float64{
		"largest_latency_before_request":  m.LargestLatencyBeforeRequest,
		"smallest_latency_before_request": m.SmallestLatencyBeforeRequest,
		"request_rtt":                     m.RequestRTT,
		"largest_latency_after_request":   m.LargestLatencyAfterRequest,
		"smallest_latency_after_request":  m.SmallestLatencyAfterRequest,
	}
	for name, v := range fields {
		item := telemetry.BatchItem{
			Channel:   telemetry.MetricPrefix + name,
			Timestamp: now,
			Value:     telemetry.Float64Value(v),
		}
		// Best-effort: a full item queue silently drops its own metrics
		// rather than blocking the writer stage that produced them.
		_ = o.items.Put(item)
	}
}

// normalizeTimestamp accepts the timestamp forms Enqueue exposes to
// callers — an integer count of nanoseconds since the Unix epoch, a
// time.Time, or an RFC 3339 / ISO-8601 string — and normalizes all of
// them to int64 ns, matching write_stream.py's enqueue(), which accepts
// "an int (ns), an absolute time, or an ISO-8601 string."
func normalizeTimestamp(timestamp any) (int64, error) {
	switch v := timestamp.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case time.Time:
		return v.UnixNano(), nil
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return 0, fmt.Errorf("stream: parse timestamp %q as RFC 3339/ISO-8601: %w", v, err)
		}
		return t.UnixNano(), nil
	default:
		return 0, fmt.Errorf("stream: unsupported timestamp type %T, want int64, int, time.Time, or string", timestamp)
	}
}

// Enqueue pushes one BatchItem built from channel/timestamp/value/tags.
// timestamp may be an int64/int of nanoseconds since the Unix epoch, a
// time.Time, or an RFC 3339 string; all forms are normalized to int64 ns
// before the item reaches the queue.
func (o *Orchestrator) Enqueue(channel string, timestamp any, value telemetry.Value, tags map[string]string) error {
	ns, err := normalizeTimestamp(timestamp)
	if err != nil {
		return err
	}
	return o.items.Put(telemetry.BatchItem{Channel: channel, Timestamp: ns, Value: value, Tags: tags})
}

// EnqueueBatch enqueues one item per (timestamps[i], values[i]) pair, all
// on the same channel and tags. It requires len(timestamps) == len(values).
func (o *Orchestrator) EnqueueBatch(channel string, timestamps []int64, values []telemetry.Value, tags map[string]string) error {
	if len(timestamps) != len(values) {
		return fmt.Errorf("stream: timestamps and values must be equal length, got %d and %d", len(timestamps), len(values))
	}
	for i := range timestamps {
		if err := o.Enqueue(channel, timestamps[i], values[i], tags); err != nil {
			return err
		}
	}
	return nil
}

// EnqueueFromDict enqueues one item per channel in values, all sharing
// timestamp and tags.
func (o *Orchestrator) EnqueueFromDict(timestamp int64, values map[string]telemetry.Value, tags map[string]string) error {
	for channel, v := range values {
		if err := o.Enqueue(channel, timestamp, v, tags); err != nil {
			return err
		}
	}
	return nil
}

// Close shuts the pipeline down. If wait is true, it blocks until every
// already-enqueued item has flowed through batching, serialization, and
// writing, then closes the file sink. If wait is false, it cancels
// in-flight writer work and returns immediately without waiting for the
// stages to drain, mirroring write_stream.py's
// close(wait=False) -> executor.shutdown(wait=False, cancel_futures=True);
// the file sink, if any, is left open for the still-running stages and is
// never explicitly closed in this path.
func (o *Orchestrator) Close(wait bool) error {
	o.items.Shutdown()

	if !wait {
		o.cancel()
		return nil
	}

	<-o.done
	o.cancel()
	if o.sinkFile != nil {
		return o.sinkFile.Close()
	}
	return nil
}
