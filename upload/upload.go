// Package upload implements the multipart uploader: chunk an input stream,
// sign each part through a server-mediated protocol, PUT the parts to an
// object store in parallel, then commit or abort.
//
// Grounded on the Python client's put_multipart_upload
// (nominal/core/_multipart.py): a bounded lookahead queue feeding a worker
// pool, first-failure cancellation, and abort-on-any-error with the
// original exception chained onto the abort outcome. The worker
// orchestration itself (bounded channel + errgroup fan-out, Options
// defaulting) follows rclone's backend/s3 s3ChunkWriter/uploadMultipart
// shape.
package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/nominal-io/nominal-client-sub001/chunksize"
	"github.com/nominal-io/nominal-client-sub001/fserrors"
	"github.com/nominal-io/nominal-client-sub001/transport"
	"github.com/nominal-io/nominal-client-sub001/xlog"
)

// PartInfo identifies one completed part by its S3-assigned ETag.
type PartInfo struct {
	PartNumber int
	ETag       string
}

// SignedPart is the result of signing one part for direct PUT.
type SignedPart struct {
	URL     string
	Headers http.Header
}

// Backend is the server-mediated control-plane protocol: every call here
// proxies through the ingestion service, while the chunk PUTs themselves go
// straight to the signed object-store URL.
type Backend interface {
	Initiate(ctx context.Context, filename, mimetype string) (key, uploadID string, err error)
	SignPart(ctx context.Context, key, uploadID string, partNumber int) (SignedPart, error)
	ListParts(ctx context.Context, key, uploadID string) ([]PartInfo, error)
	Complete(ctx context.Context, key, uploadID string, parts []PartInfo) (location string, err error)
	Abort(ctx context.Context, key, uploadID string) error
}

// Options configures an Uploader.
type Options struct {
	ChunkSize      int64
	MaxWorkers     int
	MaxPartRetries int
	Logger         *slog.Logger
}

func (o Options) withDefaults() Options {
	o.ChunkSize = chunksize.Default(o.ChunkSize)
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = runtime.NumCPU()
	}
	if o.MaxPartRetries <= 0 {
		o.MaxPartRetries = 3
	}
	if o.Logger == nil {
		o.Logger = xlog.Default()
	}
	return o
}

// Uploader drives the multipart upload algorithm against a Backend and a
// plain HTTP client for the signed PUTs.
type Uploader struct {
	backend Backend
	http    *http.Client
	opts    Options
}

// New builds an Uploader. httpClient is used for the direct-to-store PUTs
// (unauthenticated, since the URL itself is the credential); it is
// typically transport.Client.HTTPClient() from a no-gzip-configured client.
func New(backend Backend, httpClient *http.Client, opts Options) *Uploader {
	return &Uploader{backend: backend, http: httpClient, opts: opts.withDefaults()}
}

type chunkJob struct {
	partNumber int
	data       []byte
}

// Upload chunks r into opts.ChunkSize pieces, uploads them in parallel
// through the sign+PUT protocol, and commits the result. On any failure the
// upload is aborted and the original error is returned, chained onto any
// abort failure.
func (u *Uploader) Upload(ctx context.Context, r io.Reader, filename, mimetype string) (location string, err error) {
	key, uploadID, err := u.backend.Initiate(ctx, filename, mimetype)
	if err != nil {
		return "", fmt.Errorf("initiate multipart upload: %w", err)
	}

	defer func() {
		if err != nil {
			if abortErr := u.abort(ctx, key, uploadID, err); abortErr != nil {
				err = abortErr
			}
		}
	}()

	jobs := make(chan chunkJob, 2*u.opts.MaxWorkers)
	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		defer close(jobs)
		return u.produceChunks(gctx, r, jobs)
	})

	for i := 0; i < u.opts.MaxWorkers; i++ {
		group.Go(func() error {
			return u.consumeChunks(gctx, key, uploadID, jobs)
		})
	}

	if err = group.Wait(); err != nil {
		return "", err
	}

	parts, err := u.backend.ListParts(ctx, key, uploadID)
	if err != nil {
		return "", fmt.Errorf("list parts: %w", err)
	}
	location, err = u.backend.Complete(ctx, key, uploadID, parts)
	if err != nil {
		return "", fmt.Errorf("complete multipart upload: %w", err)
	}
	if location == "" {
		err = fmt.Errorf("completing multipart upload failed: no location on response")
		return "", err
	}
	return location, nil
}

// produceChunks reads r in opts.ChunkSize pieces, emitting one job per
// chunk with a 1-based, strictly increasing part number.
func (u *Uploader) produceChunks(ctx context.Context, r io.Reader, jobs chan<- chunkJob) error {
	buf := make([]byte, u.opts.ChunkSize)
	part := 1
	for {
		n, readErr := io.ReadFull(r, buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case jobs <- chunkJob{partNumber: part, data: data}:
			case <-ctx.Done():
				return ctx.Err()
			}
			part++
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

func (u *Uploader) consumeChunks(ctx context.Context, key, uploadID string, jobs <-chan chunkJob) error {
	for {
		select {
		case job, ok := <-jobs:
			if !ok {
				return nil
			}
			if err := u.uploadPart(ctx, key, uploadID, job); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// uploadPart signs and PUTs one chunk, re-signing on each of
// opts.MaxPartRetries retries.
func (u *Uploader) uploadPart(ctx context.Context, key, uploadID string, job chunkJob) error {
	var lastErr error
	for attempt := 0; attempt <= u.opts.MaxPartRetries; attempt++ {
		signed, err := u.backend.SignPart(ctx, key, uploadID, job.partNumber)
		if err != nil {
			lastErr = fmt.Errorf("sign part %d: %w", job.partNumber, err)
			continue
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPut, signed.URL, bytes.NewReader(job.data))
		if err != nil {
			return fmt.Errorf("build PUT request for part %d: %w", job.partNumber, err)
		}
		req.ContentLength = int64(len(job.data))
		for k, vs := range signed.Headers {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		transport.NoGzip(req)

		resp, err := u.http.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("put part %d: %w", job.partNumber, err)
			if !fserrors.ShouldRetry(err) {
				return lastErr
			}
			continue
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		_ = resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			u.opts.Logger.Debug("uploaded multipart part", "key", key, "upload_id", uploadID, "part", job.partNumber, "bytes", len(job.data))
			return nil
		}

		httpErr := &fserrors.HTTPError{StatusCode: resp.StatusCode, Status: resp.Status, Body: body}
		lastErr = fmt.Errorf("put part %d: %w", job.partNumber, httpErr)
		if !httpErr.Temporary() {
			return lastErr
		}
	}
	return lastErr
}

// abort tells the backend to discard the in-progress upload. If the
// backend abort call itself fails, that failure replaces cause as the
// returned error (cause's message included via %v), matching
// nominal/core/_multipart.py's `raise exc from e`: a failed abort is
// surfaced to the caller rather than silently swallowed behind the
// original error.
func (u *Uploader) abort(ctx context.Context, key, uploadID string, cause error) error {
	u.opts.Logger.Error("aborting multipart upload due to an error", "key", key, "upload_id", uploadID, "error", cause)
	if abortErr := u.backend.Abort(ctx, key, uploadID); abortErr != nil {
		xlog.Critical(ctx, u.opts.Logger, "multipart upload abort failed", "key", key, "upload_id", uploadID, "abort_error", abortErr, "cause", cause)
		return fmt.Errorf("abort failed: %w (original error: %v)", abortErr, cause)
	}
	return nil
}
