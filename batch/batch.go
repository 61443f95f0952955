// Package batch implements the batcher: a single consumer of the item
// queue that emits size- or time-windowed Batches onto an output queue.
//
// Grounded on the Python client's _timed_batch (nominal/core/_queueing.py):
// the consumer loop calls Get with a timeout of max(0, next_emit_time-now)
// so it wakes up exactly at the window boundary or sooner when an item
// arrives, and flushes a non-empty partial batch on shutdown. Shaped like
// rclone's lib/batcher Options/background-goroutine structure, generalized
// from fixed-size batches to size-or-time windows with running
// min/max timestamp tracking.
package batch

import (
	"log/slog"
	"time"

	"github.com/nominal-io/nominal-client-sub001/queue"
	"github.com/nominal-io/nominal-client-sub001/telemetry"
	"github.com/nominal-io/nominal-client-sub001/xlog"
)

// Options configures a Batcher.
type Options struct {
	MaxBatchSize     int
	MaxBatchDuration time.Duration
	Logger           *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = 50000
	}
	if o.MaxBatchDuration <= 0 {
		o.MaxBatchDuration = time.Second
	}
	if o.Logger == nil {
		o.Logger = xlog.Default()
	}
	return o
}

// Batcher pulls BatchItems off an input queue and emits telemetry.Batch
// values onto an output queue, windowed by size or time, whichever crosses
// first.
type Batcher struct {
	in   *queue.Queue[telemetry.BatchItem]
	out  *queue.Queue[telemetry.Batch]
	opts Options

	now func() time.Time // overridable for tests
}

// New builds a Batcher reading from in and writing to out.
func New(in *queue.Queue[telemetry.BatchItem], out *queue.Queue[telemetry.Batch], opts Options) *Batcher {
	return &Batcher{in: in, out: out, opts: opts.withDefaults(), now: time.Now}
}

// Run consumes in until it is shut down, emitting batches to out, then
// shuts out down itself. It is meant to run as the pipeline's sole
// batching consumer, typically in its own goroutine.
func (b *Batcher) Run() {
	var pending []telemetry.BatchItem
	var oldest, newest int64
	haveItems := false
	nextEmit := b.now().Add(b.opts.MaxBatchDuration)

	flush := func() {
		if len(pending) == 0 {
			return
		}
		_ = b.out.Put(telemetry.Batch{Items: pending, OldestTimestamp: oldest, NewestTimestamp: newest})
		pending = nil
		haveItems = false
	}

	for {
		timeout := nextEmit.Sub(b.now())
		if timeout < 0 {
			timeout = 0
		}

		item, ok, timedOut := b.in.GetTimeout(timeout)
		switch {
		case !ok && !timedOut:
			// Shut down and drained: emit the final partial batch, then
			// propagate shutdown downstream.
			flush()
			b.out.Shutdown()
			return
		case ok:
			if !haveItems {
				oldest, newest = item.Timestamp, item.Timestamp
				haveItems = true
			} else {
				if item.Timestamp < oldest {
					oldest = item.Timestamp
				}
				if item.Timestamp > newest {
					newest = item.Timestamp
				}
			}
			pending = append(pending, item)
		}

		now := b.now()
		if len(pending) >= b.opts.MaxBatchSize || !now.Before(nextEmit) {
			flush()
			nextEmit = now.Add(b.opts.MaxBatchDuration)
		}
	}
}
