// Package writer implements the Writer Pool: it POSTs each
// telemetry.SerializedBatch to the channel-writer endpoint and records the
// five request-latency measurements, both as structured log fields (the
// way fs/accounting logs transfer completions) and as Prometheus
// histograms.
//
// Grounded on nominal/core/_clientsbunch.py's
// ProtoWriteService.write_nominal_batches_with_metrics: the endpoint
// path, headers, and the before/after timestamp bracketing around the
// POST that the five metrics are computed from.
package writer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nominal-io/nominal-client-sub001/metrics"
	"github.com/nominal-io/nominal-client-sub001/queue"
	"github.com/nominal-io/nominal-client-sub001/telemetry"
	"github.com/nominal-io/nominal-client-sub001/transport"
	"github.com/nominal-io/nominal-client-sub001/xlog"
)

// Options configures a Pool.
type Options struct {
	// BaseURL is the API root, e.g. "https://api.example.com".
	BaseURL string
	// DataSourceRID identifies the channel-writer target in the URL path.
	DataSourceRID string
	Workers       int
	Recorder      *metrics.Recorder
	Logger        *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.Logger == nil {
		o.Logger = xlog.Default()
	}
	return o
}

// Pool POSTs SerializedBatches via a transport.Client.
type Pool struct {
	http *transport.Client
	opts Options
}

// New builds a Pool.
func New(httpClient *transport.Client, opts Options) *Pool {
	return &Pool{http: httpClient, opts: opts.withDefaults()}
}

func (p *Pool) endpoint() string {
	return fmt.Sprintf("%s/storage/writer/v1/nominal/%s", p.opts.BaseURL, p.opts.DataSourceRID)
}

// Write POSTs one SerializedBatch and records its latency metrics,
// returning them so a caller may, e.g., re-enqueue them under a reserved
// metric channel name (spec.md §4.H). A 4xx response that transport's
// retry layer already gave up on (non-retriable, see transport's
// retriableStatus) is returned as an error but is not itself a reason to
// crash the caller's pipeline — the Writer Pool documents this as
// "surfaced as a failed future", which in Go terms means the error
// return, left for Run's caller to log and move past.
func (p *Pool) Write(ctx context.Context, batch telemetry.SerializedBatch) (metrics.Request, error) {
	req, err := transport.NewRequest(ctx, "POST", p.endpoint(), batch.Data)
	if err != nil {
		return metrics.Request{}, fmt.Errorf("build write request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Accept", "application/json")

	before := time.Now().UnixNano()
	resp, err := p.http.Do(req)
	after := time.Now().UnixNano()

	m := metrics.ComputeRequest(before, after, batch.OldestTimestamp, batch.NewestTimestamp)
	if p.opts.Recorder != nil {
		p.opts.Recorder.Observe(m)
	}

	if err != nil {
		if p.opts.Recorder != nil {
			p.opts.Recorder.WriteOutcome("failed")
		}
		p.opts.Logger.Error("write request failed",
			"data_source_rid", p.opts.DataSourceRID,
			"request_rtt_s", m.RequestRTT,
			"error", err)
		return m, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err = fmt.Errorf("write request: http status %s", resp.Status)
		if p.opts.Recorder != nil {
			p.opts.Recorder.WriteOutcome("failed")
		}
		p.opts.Logger.Error("write request failed",
			"data_source_rid", p.opts.DataSourceRID,
			"request_rtt_s", m.RequestRTT,
			"error", err)
		return m, err
	}

	if p.opts.Recorder != nil {
		p.opts.Recorder.WriteOutcome("success")
		p.opts.Recorder.PointsWritten(batch.PointCount)
	}
	p.opts.Logger.Info("wrote batch",
		"data_source_rid", p.opts.DataSourceRID,
		"bytes", len(batch.Data),
		"largest_latency_before_request_s", m.LargestLatencyBeforeRequest,
		"smallest_latency_before_request_s", m.SmallestLatencyBeforeRequest,
		"request_rtt_s", m.RequestRTT,
		"largest_latency_after_request_s", m.LargestLatencyAfterRequest,
		"smallest_latency_after_request_s", m.SmallestLatencyAfterRequest)
	return m, nil
}

// Run drains opts.Workers concurrent goroutines against in, writing each
// batch and recording its outcome; writes that fail are logged by Write
// and reported to failed (if non-nil) rather than retried here — any
// transient failure has already been retried inside transport.Client.Do,
// so an error reaching this layer is permanent for that batch. Run blocks
// until in is shut down and drained.
func (p *Pool) Run(ctx context.Context, in *queue.Queue[telemetry.SerializedBatch], failed func(telemetry.SerializedBatch, error)) {
	done := make(chan struct{}, p.opts.Workers)
	for i := 0; i < p.opts.Workers; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for {
				batch, ok := in.Get()
				if !ok {
					return
				}
				if _, err := p.Write(ctx, batch); err != nil && failed != nil {
					failed(batch, err)
				}
			}
		}()
	}
	for i := 0; i < p.opts.Workers; i++ {
		<-done
	}
}
