// Package serialize turns a telemetry.Batch into a telemetry.SerializedBatch
// off the main goroutine, using a small worker pool.
//
// Grounded on the Python client's batch_processor_proto.py
// (create_write_request/serialize_batch: sort by grouping key, group
// consecutive equal keys, emit one Series per group) and on spec.md §4.G's
// explicit requirement that mixed value types within one channel are
// invalid. telemetry.GroupItems already enforces group homogeneity by
// folding value-kind into the grouping key, so a mixed-type channel simply
// becomes two groups (and therefore two series) rather than failing; this
// matches spec.md's "the value-type tag in the grouping key ensures no
// mixed-type series is ever produced" and makes the "must fail the batch"
// case unreachable by construction rather than a checked error path.
package serialize

import (
	"log/slog"
	"runtime"
	"sync"

	"github.com/nominal-io/nominal-client-sub001/queue"
	"github.com/nominal-io/nominal-client-sub001/telemetry"
	"github.com/nominal-io/nominal-client-sub001/wire"
	"github.com/nominal-io/nominal-client-sub001/xlog"
)

// Encoder converts a grouped batch into wire bytes. Encode is the
// production columnar implementation; LegacyEncoder is a compatibility
// shim kept for the row-oriented wire format mentioned in spec.md DESIGN
// NOTES §9.
type Encoder interface {
	Encode(groups []telemetry.Group) ([]byte, error)
}

// ColumnarEncoder wraps the wire package's grouped protobuf encoder, the
// default path.
type ColumnarEncoder struct{}

func (ColumnarEncoder) Encode(groups []telemetry.Group) ([]byte, error) {
	return wire.Encode(groups)
}

// Options configures a Pool.
type Options struct {
	Workers int
	Encoder Encoder
	Logger  *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = runtime.NumCPU()
	}
	if o.Encoder == nil {
		o.Encoder = ColumnarEncoder{}
	}
	if o.Logger == nil {
		o.Logger = xlog.Default()
	}
	return o
}

// Pool is a worker pool that serializes Batches into SerializedBatches.
type Pool struct {
	opts Options
}

// New builds a Pool.
func New(opts Options) *Pool {
	return &Pool{opts: opts.withDefaults()}
}

// Serialize groups batch's items and encodes them, attaching the batch's
// timestamp bounds to the result.
func (p *Pool) Serialize(batch telemetry.Batch) (telemetry.SerializedBatch, error) {
	groups := telemetry.GroupItems(batch.Items)
	data, err := p.opts.Encoder.Encode(groups)
	if err != nil {
		return telemetry.SerializedBatch{}, err
	}
	return telemetry.SerializedBatch{
		Data:            data,
		OldestTimestamp: batch.OldestTimestamp,
		NewestTimestamp: batch.NewestTimestamp,
		PointCount:      len(batch.Items),
	}, nil
}

// Run drives opts.Workers goroutines that each pull a Batch off in,
// serialize it, and push the result to out, until in is shut down and
// drained. Run blocks until every worker has drained in, then shuts out
// down itself so a downstream consumer sees a clean end-of-stream instead
// of hanging on out.Get forever. Encoding errors are logged and the
// offending batch is dropped rather than propagated, since one malformed
// batch must not stall the pipeline.
func (p *Pool) Run(in *queue.Queue[telemetry.Batch], out *queue.Queue[telemetry.SerializedBatch]) {
	var wg sync.WaitGroup
	wg.Add(p.opts.Workers)
	for i := 0; i < p.opts.Workers; i++ {
		go func() {
			defer wg.Done()
			for {
				batch, ok := in.Get()
				if !ok {
					return
				}
				sb, err := p.Serialize(batch)
				if err != nil {
					p.opts.Logger.Error("dropping batch that failed to serialize", "error", err)
					continue
				}
				if err := out.Put(sb); err != nil {
					return
				}
			}
		}()
	}
	wg.Wait()
	out.Shutdown()
}
